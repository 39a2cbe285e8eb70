// Package intake receives event records from external sources, validates
// and persists them, and routes critical events to alert subscribers on
// the bus.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/common/ids"
	"github.com/myconet/myconet/internal/common/logger"
	"github.com/myconet/myconet/internal/metrics"
	"github.com/myconet/myconet/internal/store"
	v1 "github.com/myconet/myconet/pkg/api/v1"
)

var (
	// ErrMissingSource is returned when the envelope names no source.
	ErrMissingSource = errors.New("event source is required")

	// ErrMissingEventType is returned when the envelope names no event type.
	ErrMissingEventType = errors.New("event type is required")

	// ErrInvalidSeverity is returned when severity is absent or not one of
	// info, warn, critical.
	ErrInvalidSeverity = errors.New("severity must be one of: info, warn, critical")
)

// Config bounds the critical-event fan-out and the re-alert sweep.
type Config struct {
	// CriticalAttempts caps publish attempts for one critical event.
	CriticalAttempts int
	// CriticalBackoff is the delay before the second attempt; it doubles
	// on each subsequent attempt.
	CriticalBackoff time.Duration
	// CriticalDeadline caps the total time spent retrying delivery.
	CriticalDeadline time.Duration
	// SweepInterval is the period between re-alert passes over unhandled
	// critical events. Zero disables the sweep.
	SweepInterval time.Duration
	// SweepWindowHours bounds how far back a re-alert pass looks.
	SweepWindowHours int
}

// DefaultConfig returns the fan-out bounds used in production.
func DefaultConfig() Config {
	return Config{
		CriticalAttempts: 3,
		CriticalBackoff:  200 * time.Millisecond,
		CriticalDeadline: 5 * time.Second,
		SweepInterval:    time.Minute,
		SweepWindowHours: 24,
	}
}

// Service validates, persists, and routes intake events. Persistence is
// authoritative: an event that cannot be stored is rejected, while a
// stored event whose critical delivery fails still counts as accepted.
type Service struct {
	events  *store.EventStore
	bus     bus.Bus
	metrics *metrics.Registry
	config  Config
	logger  *logger.Logger
	wg      sync.WaitGroup
}

// NewService creates the intake service. Zero config fields fall back to
// DefaultConfig values.
func NewService(events *store.EventStore, b bus.Bus, m *metrics.Registry, cfg Config, log *logger.Logger) *Service {
	def := DefaultConfig()
	if cfg.CriticalAttempts <= 0 {
		cfg.CriticalAttempts = def.CriticalAttempts
	}
	if cfg.CriticalBackoff <= 0 {
		cfg.CriticalBackoff = def.CriticalBackoff
	}
	if cfg.CriticalDeadline <= 0 {
		cfg.CriticalDeadline = def.CriticalDeadline
	}
	if cfg.SweepWindowHours <= 0 {
		cfg.SweepWindowHours = def.SweepWindowHours
	}
	return &Service{
		events:  events,
		bus:     b,
		metrics: m,
		config:  cfg,
		logger:  log.WithFields(zap.String("component", "intake")),
	}
}

// Submit validates and persists one event. Critical events get at least
// one delivery attempt on the critical topic before Submit returns;
// remaining attempts continue in the background. Delivery failure never
// fails Submit; a follow-up event records the gap instead.
func (s *Service) Submit(ctx context.Context, env v1.EventEnvelope) (*store.EventRecord, error) {
	source := strings.TrimSpace(env.Source)
	if source == "" {
		return nil, ErrMissingSource
	}
	eventType := strings.TrimSpace(env.EventType)
	if eventType == "" {
		return nil, ErrMissingEventType
	}
	if !env.Severity.Valid() {
		return nil, ErrInvalidSeverity
	}

	rec := &store.EventRecord{
		ID:            ids.NewPrefixed("evt"),
		Timestamp:     time.Now().UTC(),
		Source:        source,
		EventType:     eventType,
		Severity:      string(env.Severity),
		CorrelationID: env.CorrelationID,
		Data:          env.Data,
	}
	if err := s.events.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}
	s.metrics.EventsTotal.WithLabelValues(rec.Severity).Inc()

	if env.Severity == v1.SeverityCritical {
		s.routeCritical(ctx, rec)
	}
	return rec, nil
}

// Get fetches a stored event by id.
func (s *Service) Get(ctx context.Context, id string) (*store.EventRecord, error) {
	return s.events.Get(ctx, id)
}

// MarkHandled flags an event as processed.
func (s *Service) MarkHandled(ctx context.Context, id string) error {
	return s.events.MarkHandled(ctx, id)
}

// Query returns stored events matching the filter, newest first.
func (s *Service) Query(ctx context.Context, filter store.EventFilter) ([]*store.EventRecord, error) {
	return s.events.Query(ctx, filter)
}

// Wait blocks until in-flight critical deliveries have settled. Used
// during shutdown and by tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

// StartSweep launches the re-alert loop. Unhandled critical events inside
// the sweep window are re-published on the critical topic each pass until
// something marks them handled. No-op when the sweep is disabled; the
// loop stops when ctx ends.
func (s *Service) StartSweep(ctx context.Context) {
	if s.config.SweepInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	}()
	s.logger.Info("Critical re-alert sweep started",
		zap.Duration("interval", s.config.SweepInterval),
		zap.Int("window_hours", s.config.SweepWindowHours))
}

// sweepOnce re-publishes unhandled criticals, skipping events younger than
// one interval so fresh submissions are not double-alerted. Publish
// failures are left for the next pass.
func (s *Service) sweepOnce(ctx context.Context) {
	recs, err := s.events.UnhandledCritical(ctx, s.config.SweepWindowHours)
	if err != nil {
		s.logger.Error("Re-alert sweep query failed", zap.Error(err))
		return
	}

	republished := 0
	for _, rec := range recs {
		if time.Since(rec.Timestamp) < s.config.SweepInterval {
			continue
		}
		if err := s.bus.Publish(ctx, bus.TopicEventCritical, s.criticalMessage(rec)); err != nil {
			s.logger.Warn("Re-alert publish failed",
				zap.String("event_id", rec.ID),
				zap.Error(err))
			continue
		}
		republished++
	}
	if republished > 0 {
		s.logger.Info("Re-alerted unhandled critical events",
			zap.Int("count", republished))
	}
}

// criticalMessage builds the alert payload for one critical event.
func (s *Service) criticalMessage(rec *store.EventRecord) *bus.Message {
	msg := bus.NewMessage(bus.TopicEventCritical, map[string]any{
		"event_id":   rec.ID,
		"source":     rec.Source,
		"event_type": rec.EventType,
		"severity":   rec.Severity,
		"data":       rec.Data,
	})
	msg.CorrelationID = rec.CorrelationID
	return msg
}

// routeCritical makes the first delivery attempt synchronously and hands
// failed deliveries to a background retry loop.
func (s *Service) routeCritical(ctx context.Context, rec *store.EventRecord) {
	msg := s.criticalMessage(rec)

	err := s.bus.Publish(ctx, bus.TopicEventCritical, msg)
	if err == nil {
		return
	}
	s.logger.Warn("Critical event delivery attempt failed",
		zap.String("event_id", rec.ID),
		zap.Int("attempt", 1),
		zap.Error(err))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.retryCritical(rec, msg)
	}()
}

// retryCritical runs attempts 2..CriticalAttempts under the configured
// deadline. The context is detached from the submitting request on
// purpose: delivery outlives the HTTP response. A republish after partial
// congestion reaches healthy subscribers again; critical alerting is
// at-least-once.
func (s *Service) retryCritical(rec *store.EventRecord, msg *bus.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.CriticalDeadline)
	defer cancel()

	backoff := s.config.CriticalBackoff
	var lastErr error
	for attempt := 2; attempt <= s.config.CriticalAttempts; attempt++ {
		select {
		case <-ctx.Done():
			s.recordDeliveryFailure(rec, ctx.Err())
			return
		case <-time.After(backoff):
		}
		backoff *= 2

		lastErr = s.bus.Publish(ctx, bus.TopicEventCritical, msg)
		if lastErr == nil {
			return
		}
		s.logger.Warn("Critical event delivery attempt failed",
			zap.String("event_id", rec.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}
	s.recordDeliveryFailure(rec, lastErr)
}

// recordDeliveryFailure persists a follow-up event naming the critical
// event whose delivery was abandoned. Submit already succeeded, so this
// row is the only trace of the gap.
func (s *Service) recordDeliveryFailure(rec *store.EventRecord, cause error) {
	reason := "delivery abandoned"
	if cause != nil {
		reason = cause.Error()
	}
	failure := &store.EventRecord{
		ID:            ids.NewPrefixed("evt"),
		Timestamp:     time.Now().UTC(),
		Source:        "intake",
		EventType:     "delivery_failure",
		Severity:      string(v1.SeverityWarn),
		CorrelationID: rec.CorrelationID,
		Data: map[string]any{
			"event_id": rec.ID,
			"reason":   reason,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.events.Insert(ctx, failure); err != nil {
		s.logger.Error("Failed to record delivery failure",
			zap.String("event_id", rec.ID),
			zap.Error(err))
		return
	}
	s.metrics.EventsTotal.WithLabelValues(failure.Severity).Inc()
	s.logger.Warn("Critical event delivery abandoned",
		zap.String("event_id", rec.ID),
		zap.String("reason", reason))
}
