package v1

// CommandStatus is the terminal status of a command dispatch.
type CommandStatus string

const (
	CommandStatusOK     CommandStatus = "ok"
	CommandStatusError  CommandStatus = "error"
	CommandStatusDenied CommandStatus = "denied"
)

// Stable machine-readable error codes. Callers key off these, not messages.
const (
	CodeSchema               = "schema"
	CodeUnknownIntegration   = "unknown_integration"
	CodeActionNotPermitted   = "action_not_permitted"
	CodeConfirmationRequired = "confirmation_required"
	CodeUnauthorized         = "unauthorized"
	CodeTimeout              = "timeout"
	CodeUpstream             = "upstream"
	CodeInternal             = "internal"
	CodeUnknownOperation     = "unknown_operation"
	CodeUnsupportedAction    = "unsupported_action"
	CodeQueueFull            = "queue_full"
	CodeQueueClosed          = "queue_closed"
	CodeTransient            = "transient"
)

// Command is the envelope accepted at POST /command.
type Command struct {
	RequestID     string         `json:"request_id" binding:"required"`
	Actor         string         `json:"actor" binding:"required"`
	Integration   string         `json:"integration" binding:"required"`
	Action        string         `json:"action" binding:"required"`
	Params        map[string]any `json:"params"`
	Confirm       bool           `json:"confirm"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// ErrorBody carries a stable code plus a human-readable message.
// RetryAfterMS is set only for code "transient".
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// CommandResponse is the outcome returned for every command.
type CommandResponse struct {
	RequestID    string         `json:"request_id"`
	Integration  string         `json:"integration"`
	Status       CommandStatus  `json:"status"`
	Data         map[string]any `json:"data,omitempty"`
	Error        *ErrorBody     `json:"error,omitempty"`
	Requirements map[string]any `json:"requirements,omitempty"`
	AuditLogged  bool           `json:"audit_logged"`
}
