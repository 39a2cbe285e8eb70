// Package agent defines the contract every supervised agent implements and
// the Runtime through which the framework provides queues, background
// loops, messaging, and heartbeats.
package agent

import (
	"context"
	"errors"
	"fmt"
)

// Status of an agent runtime.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusDraining     Status = "draining"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
)

var (
	// ErrQueueExists is returned when registering a queue name twice.
	ErrQueueExists = errors.New("queue name already registered")
	// ErrUnknownOperation is returned for operations missing from the
	// agent's dispatch table.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrNotRunning is returned when an operation requires a running agent.
	ErrNotRunning = errors.New("agent is not running")
)

// Descriptor identifies an agent and its declared dependencies.
// Immutable after registration.
type Descriptor struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Config    map[string]any `json:"config,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// ErrorOutcome is the agent's authoritative decision for a handled error.
type ErrorOutcome struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
	Subject string `json:"subject,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// OperationFunc handles one named public operation.
type OperationFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// LoopFunc is one iteration of a background loop. It is invoked repeatedly
// until shutdown; blocking on queue receives, timers, or I/O inside the
// body is expected. Returning an error (or panicking) routes through the
// agent's HandleError.
type LoopFunc func(ctx context.Context) error

// Agent is the supervised unit contract. Initialize must be idempotent;
// Start and Stop are domain hooks invoked by the orchestrator around the
// runtime's own lifecycle transitions.
type Agent interface {
	Descriptor() Descriptor
	Initialize(ctx context.Context, rt *Runtime) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Handle(ctx context.Context, op string, params map[string]any) (map[string]any, error)
	HandleError(ctx context.Context, kind string, data map[string]any) ErrorOutcome
}

// Auditor records agent error-handling outcomes to the audit trail.
type Auditor interface {
	RecordErrorOutcome(ctx context.Context, agentID, kind string, data map[string]any, outcome ErrorOutcome)
}

// KindError tags an error with an error-contract kind and the data passed
// to HandleError. Operations and loops return KindErrors for failures the
// agent knows how to remediate.
type KindError struct {
	Kind string
	Data map[string]any
	Err  error
}

func (e *KindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// NewKindError creates a KindError.
func NewKindError(kind string, data map[string]any, err error) *KindError {
	return &KindError{Kind: kind, Data: data, Err: err}
}

// AsKindError extracts a KindError from err, or nil.
func AsKindError(err error) *KindError {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke
	}
	return nil
}

// Error kinds the shipped agents recognize. Kinds are agent-specific; the
// framework requires only that HandleError returns a well-formed outcome.
const (
	KindResourceError    = "resource_error"
	KindTransactionError = "transaction_error"
	KindAPIError         = "api_error"
	KindTokenError       = "token_error"
	KindUnknown          = "unknown"
)
