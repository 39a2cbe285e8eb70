// Package audit writes the immutable trail of every fabric outcome to a
// relational table and an append-only JSONL file.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/common/ids"
	"github.com/myconet/myconet/internal/common/logger"
	"github.com/myconet/myconet/internal/store"
)

// Outcome statuses
const (
	StatusOK     = "ok"
	StatusError  = "error"
	StatusDenied = "denied"
)

// DivergenceTopic carries notifications that the file sink fell behind the
// relational sink.
var DivergenceTopic = bus.NotificationTopic("audit")

// Entry is one outcome to record. Params and Response are hashed, never
// stored raw.
type Entry struct {
	RequestID     string
	Actor         string
	Integration   string
	Action        string
	Category      string
	Params        map[string]any
	Response      map[string]any
	Status        string
	DurationMS    int64
	ErrorMessage  string
	Risk          string
	Confirmed     bool
	CorrelationID string
	Metadata      map[string]any
}

// Logger is the dual-sink audit writer. The database write is
// authoritative; a failed file append flags divergence on the bus but the
// record stands.
type Logger struct {
	store  *store.AuditStore
	file   *store.JSONLWriter
	bus    bus.Bus
	logger *logger.Logger
}

// NewLogger wires the two sinks and the divergence channel.
func NewLogger(st *store.AuditStore, file *store.JSONLWriter, b bus.Bus, log *logger.Logger) *Logger {
	return &Logger{
		store:  st,
		file:   file,
		bus:    b,
		logger: log.WithFields(zap.String("component", "audit")),
	}
}

// Record hashes the entry's payloads and writes both sinks. It returns the
// committed record, or an error only when the authoritative database write
// fails.
func (l *Logger) Record(ctx context.Context, e Entry) (*store.AuditRecord, error) {
	paramsHash, err := Hash(e.Params)
	if err != nil {
		return nil, fmt.Errorf("hash params: %w", err)
	}
	responseHash, err := Hash(e.Response)
	if err != nil {
		return nil, fmt.Errorf("hash response: %w", err)
	}

	rec := &store.AuditRecord{
		ID:            ids.New(),
		Timestamp:     time.Now().UTC(),
		RequestID:     e.RequestID,
		Actor:         e.Actor,
		Integration:   e.Integration,
		Action:        e.Action,
		Category:      e.Category,
		ParamsHash:    paramsHash,
		ResponseHash:  responseHash,
		Status:        e.Status,
		DurationMS:    e.DurationMS,
		ErrorMessage:  e.ErrorMessage,
		Risk:          e.Risk,
		Confirmed:     e.Confirmed,
		CorrelationID: e.CorrelationID,
		Metadata:      e.Metadata,
	}

	if err := l.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("audit insert: %w", err)
	}

	if err := l.appendToFile(rec); err != nil {
		l.logger.Error("Audit file sink diverged from database",
			zap.String("audit_id", rec.ID),
			zap.Error(err))
		l.notifyDivergence(ctx, rec.ID, err)
	}

	return rec, nil
}

// Query returns matching records from the authoritative sink.
func (l *Logger) Query(ctx context.Context, filter store.AuditFilter) ([]*store.AuditRecord, error) {
	return l.store.Query(ctx, filter)
}

// CountByStatus reports record totals per status.
func (l *Logger) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return l.store.CountByStatus(ctx)
}

// RecordErrorOutcome writes an agent error-contract outcome to the trail.
// Implements the runtime's Auditor.
func (l *Logger) RecordErrorOutcome(ctx context.Context, agentID, kind string, data map[string]any, outcome agent.ErrorOutcome) {
	status := StatusError
	if outcome.Success {
		status = StatusOK
	}
	_, err := l.Record(ctx, Entry{
		RequestID:   ids.New(),
		Actor:       "system:" + agentID,
		Integration: "agent." + agentID,
		Action:      kind,
		Category:    "agent",
		Params:      data,
		Response: map[string]any{
			"action":  outcome.Action,
			"subject": outcome.Subject,
			"detail":  outcome.Detail,
		},
		Status: status,
		Risk:   "internal",
	})
	if err != nil {
		l.logger.Error("Failed to audit error outcome",
			zap.String("agent_id", agentID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// fileRecord is the JSONL line layout.
type fileRecord struct {
	ID            string         `json:"id"`
	Timestamp     string         `json:"timestamp"`
	RequestID     string         `json:"request_id"`
	Actor         string         `json:"actor"`
	Integration   string         `json:"integration"`
	Action        string         `json:"action"`
	Category      string         `json:"category,omitempty"`
	ParamsHash    string         `json:"params_hash"`
	ResponseHash  string         `json:"response_hash"`
	Status        string         `json:"status"`
	DurationMS    int64          `json:"duration_ms"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Risk          string         `json:"risk,omitempty"`
	Confirmed     bool           `json:"confirmed"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (l *Logger) appendToFile(rec *store.AuditRecord) error {
	if l.file == nil {
		return nil
	}
	line := fileRecord{
		ID:            rec.ID,
		Timestamp:     rec.Timestamp.Format(time.RFC3339Nano),
		RequestID:     rec.RequestID,
		Actor:         rec.Actor,
		Integration:   rec.Integration,
		Action:        rec.Action,
		Category:      rec.Category,
		ParamsHash:    rec.ParamsHash,
		ResponseHash:  rec.ResponseHash,
		Status:        rec.Status,
		DurationMS:    rec.DurationMS,
		ErrorMessage:  rec.ErrorMessage,
		Risk:          rec.Risk,
		Confirmed:     rec.Confirmed,
		CorrelationID: rec.CorrelationID,
		Metadata:      rec.Metadata,
	}
	canonical, err := CanonicalJSON(line)
	if err != nil {
		return err
	}
	return l.file.Append(json.RawMessage(canonical))
}

func (l *Logger) notifyDivergence(ctx context.Context, auditID string, cause error) {
	if l.bus == nil {
		return
	}
	msg := bus.NewMessage(DivergenceTopic, map[string]any{
		"type":      "audit_file_divergence",
		"id":        auditID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"error":     cause.Error(),
	})
	if err := l.bus.Publish(ctx, DivergenceTopic, msg); err != nil {
		l.logger.Warn("Divergence notification not delivered", zap.Error(err))
	}
}
