// Package router executes fabric commands end to end: schema gate,
// catalog resolution, action permit, confirmation gate, dispatch, and
// the audit record written before every response.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	v1 "github.com/myconet/myconet/pkg/api/v1"

	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/common/logger"
	"github.com/myconet/myconet/internal/fabric/audit"
	"github.com/myconet/myconet/internal/fabric/connector"
	"github.com/myconet/myconet/internal/fabric/registry"
	"github.com/myconet/myconet/internal/metrics"
	"github.com/myconet/myconet/internal/store"
)

// ErrMissingParam marks a command whose params lack a required field.
var ErrMissingParam = errors.New("missing required parameter")

// Handler executes commands for one native integration category.
type Handler interface {
	Category() string
	Invoke(ctx context.Context, spec *registry.IntegrationSpec, cmd v1.Command) (map[string]any, error)
}

// Connector dispatches commands for integrations without a native
// handler.
type Connector interface {
	Call(ctx context.Context, spec *registry.IntegrationSpec, cmd v1.Command) (map[string]any, error)
}

// Config holds dispatch settings.
type Config struct {
	// DispatchTimeout bounds a single dispatch, native or connector.
	DispatchTimeout time.Duration
}

// DefaultConfig returns production router settings.
func DefaultConfig() Config {
	return Config{DispatchTimeout: 30 * time.Second}
}

// Router is the single entry point for fabric commands.
type Router struct {
	registry  *registry.Registry
	connector Connector
	audit     *audit.Logger
	metrics   *metrics.Registry
	handlers  map[string]Handler
	cfg       Config
	logger    *logger.Logger
}

// New creates a router. Native handlers are registered separately so
// boot order stays flexible.
func New(reg *registry.Registry, conn Connector, auditLog *audit.Logger, m *metrics.Registry, cfg Config, log *logger.Logger) *Router {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultConfig().DispatchTimeout
	}
	return &Router{
		registry:  reg,
		connector: conn,
		audit:     auditLog,
		metrics:   m,
		handlers:  make(map[string]Handler),
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "router")),
	}
}

// RegisterHandler installs a native category handler. Later
// registrations for the same category win.
func (r *Router) RegisterHandler(h Handler) {
	r.handlers[h.Category()] = h
}

// outcome is a terminal pipeline result before audit and response
// assembly.
type outcome struct {
	status       v1.CommandStatus
	data         map[string]any
	errBody      *v1.ErrorBody
	requirements map[string]any
}

func errOutcome(code, message string) outcome {
	return outcome{
		status:  v1.CommandStatusError,
		errBody: &v1.ErrorBody{Code: code, Message: message},
	}
}

// Execute runs one command through the pipeline. Every path writes
// exactly one audit record before the response is returned.
func (r *Router) Execute(ctx context.Context, cmd v1.Command) v1.CommandResponse {
	start := time.Now()

	if cmd.RequestID == "" || cmd.Actor == "" || cmd.Integration == "" || cmd.Action == "" {
		out := errOutcome(v1.CodeSchema, "request_id, actor, integration and action are required")
		return r.finish(ctx, cmd, nil, out, nil, sinceMS(start))
	}

	spec, err := r.registry.Resolve(cmd.Integration)
	if err != nil || !spec.Enabled {
		out := errOutcome(v1.CodeUnknownIntegration, fmt.Sprintf("integration %q is not available", cmd.Integration))
		return r.finish(ctx, cmd, nil, out, nil, sinceMS(start))
	}

	if len(spec.DefaultActions) > 0 && !spec.AllowsAction(cmd.Action) {
		out := errOutcome(v1.CodeActionNotPermitted, fmt.Sprintf("action %q is not permitted for %s", cmd.Action, spec.Integration))
		return r.finish(ctx, cmd, spec, out, nil, sinceMS(start))
	}

	if (spec.ConfirmRequired || spec.Risk == registry.RiskAdmin) && !cmd.Confirm {
		out := outcome{
			status:       v1.CommandStatusDenied,
			errBody:      &v1.ErrorBody{Code: v1.CodeConfirmationRequired, Message: "this integration requires confirm=true"},
			requirements: map[string]any{"confirm": true},
		}
		return r.finish(ctx, cmd, spec, out, nil, sinceMS(start))
	}

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
	defer cancel()

	var metadata map[string]any
	var data map[string]any
	if spec.Native {
		if h, ok := r.handlers[spec.Category]; ok {
			data, err = h.Invoke(dctx, spec, cmd)
		} else {
			// Catalog says native but nothing is registered for the
			// category; the generic connector is the fallback.
			metadata = map[string]any{"native_missing": true}
			data, err = r.connector.Call(dctx, spec, cmd)
		}
	} else {
		data, err = r.connector.Call(dctx, spec, cmd)
	}

	if err != nil {
		errBody := classify(err)
		durMS := sinceMS(start)
		if errBody.Code == v1.CodeTimeout {
			// The audited duration is the configured bound, not
			// however long cancellation took to propagate.
			durMS = r.cfg.DispatchTimeout.Milliseconds()
		}
		if errBody.Code == v1.CodeInternal {
			if metadata == nil {
				metadata = make(map[string]any)
			}
			metadata["error"] = err.Error()
		}
		r.logger.Warn("Command dispatch failed",
			zap.String("request_id", cmd.RequestID),
			zap.String("integration", cmd.Integration),
			zap.String("action", cmd.Action),
			zap.String("code", errBody.Code),
			zap.Error(err))
		return r.finish(ctx, cmd, spec, outcome{status: v1.CommandStatusError, errBody: errBody}, metadata, durMS)
	}

	return r.finish(ctx, cmd, spec, outcome{status: v1.CommandStatusOK, data: data}, metadata, sinceMS(start))
}

// finish writes the audit record and assembles the response. A failed
// audit write downgrades the command to an internal error: no outcome
// is reported without its trail.
func (r *Router) finish(ctx context.Context, cmd v1.Command, spec *registry.IntegrationSpec, out outcome, metadata map[string]any, durationMS int64) v1.CommandResponse {
	resp := v1.CommandResponse{
		RequestID:    cmd.RequestID,
		Integration:  cmd.Integration,
		Status:       out.status,
		Data:         out.data,
		Error:        out.errBody,
		Requirements: out.requirements,
	}

	var category, risk string
	if spec != nil {
		category, risk = spec.Category, spec.Risk
	}

	entry := audit.Entry{
		RequestID:     cmd.RequestID,
		Actor:         cmd.Actor,
		Integration:   cmd.Integration,
		Action:        cmd.Action,
		Category:      category,
		Params:        cmd.Params,
		Response:      auditResponse(out),
		Status:        string(out.status),
		DurationMS:    durationMS,
		Risk:          risk,
		Confirmed:     cmd.Confirm,
		CorrelationID: cmd.CorrelationID,
		Metadata:      metadata,
	}
	if out.errBody != nil {
		entry.ErrorMessage = out.errBody.Code + ": " + out.errBody.Message
	}

	// The trail must survive client disconnects.
	if _, err := r.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Error("Audit write failed",
			zap.String("request_id", cmd.RequestID),
			zap.Error(err))
		r.observe(cmd.Integration, string(v1.CommandStatusError), durationMS)
		return v1.CommandResponse{
			RequestID:   cmd.RequestID,
			Integration: cmd.Integration,
			Status:      v1.CommandStatusError,
			Error:       &v1.ErrorBody{Code: v1.CodeInternal, Message: "audit trail unavailable"},
		}
	}
	resp.AuditLogged = true

	r.observe(cmd.Integration, string(out.status), durationMS)
	return resp
}

func (r *Router) observe(integration, status string, durationMS int64) {
	if integration == "" {
		integration = "unknown"
	}
	r.metrics.CommandsTotal.WithLabelValues(integration, status).Inc()
	r.metrics.CommandDuration.WithLabelValues(integration).Observe(float64(durationMS) / 1000.0)
}

// auditResponse picks what gets hashed as the command's response.
func auditResponse(out outcome) map[string]any {
	if out.status == v1.CommandStatusOK {
		return out.data
	}
	resp := map[string]any{"code": out.errBody.Code, "message": out.errBody.Message}
	if len(out.requirements) > 0 {
		resp["requirements"] = out.requirements
	}
	return resp
}

// classify maps dispatch errors onto stable wire codes.
func classify(err error) *v1.ErrorBody {
	var (
		unauthorized *connector.UnauthorizedError
		upstream     *connector.UpstreamError
		transient    *connector.TransientError
		overflow     *bus.OverflowError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &v1.ErrorBody{Code: v1.CodeTimeout, Message: "dispatch deadline exceeded"}
	case errors.Is(err, connector.ErrUnsupportedAction):
		return &v1.ErrorBody{Code: v1.CodeUnsupportedAction, Message: err.Error()}
	case errors.Is(err, connector.ErrMissingEndpoint), errors.Is(err, ErrMissingParam):
		return &v1.ErrorBody{Code: v1.CodeSchema, Message: err.Error()}
	case errors.Is(err, store.ErrNotFound):
		return &v1.ErrorBody{Code: v1.CodeUpstream, Message: err.Error()}
	case errors.As(err, &overflow):
		return &v1.ErrorBody{Code: v1.CodeQueueFull, Message: err.Error()}
	case errors.Is(err, bus.ErrBusClosed):
		return &v1.ErrorBody{Code: v1.CodeQueueClosed, Message: err.Error()}
	case errors.As(err, &unauthorized):
		return &v1.ErrorBody{Code: v1.CodeUnauthorized, Message: unauthorized.Error()}
	case errors.As(err, &transient):
		return &v1.ErrorBody{
			Code:         v1.CodeTransient,
			Message:      transient.Error(),
			RetryAfterMS: transient.RetryAfter.Milliseconds(),
		}
	case errors.As(err, &upstream):
		return &v1.ErrorBody{Code: v1.CodeUpstream, Message: upstream.Error()}
	default:
		return &v1.ErrorBody{Code: v1.CodeInternal, Message: "internal dispatch failure"}
	}
}

func sinceMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
