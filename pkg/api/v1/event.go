package v1

// Severity classifies an inbound event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the recognized severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityCritical:
		return true
	}
	return false
}

// EventEnvelope is the body accepted at POST /event.
type EventEnvelope struct {
	Source        string         `json:"source" binding:"required"`
	EventType     string         `json:"event_type" binding:"required"`
	Severity      Severity       `json:"severity"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data"`
}

// EventAccepted is the 202 response for an accepted event.
type EventAccepted struct {
	Accepted bool   `json:"accepted"`
	EventID  string `json:"event_id"`
}
