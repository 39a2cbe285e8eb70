package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/common/logger"
	"github.com/myconet/myconet/internal/store"
	"github.com/myconet/myconet/internal/taskqueue"
)

// errorHandler is the slice of the Agent interface the runtime needs for
// loop supervision.
type errorHandler interface {
	HandleError(ctx context.Context, kind string, data map[string]any) ErrorOutcome
}

// RuntimeConfig tunes the framework services for one agent.
type RuntimeConfig struct {
	// BusQueueDepth bounds each bus subscription's delivery queue.
	BusQueueDepth int
	// LoopRestartBackoff is the initial delay before re-invoking a loop
	// body that returned an error; it doubles per consecutive failure.
	LoopRestartBackoff time.Duration
	// MaxLoopBackoff caps the failure backoff.
	MaxLoopBackoff time.Duration
}

// DefaultRuntimeConfig returns the standard runtime tuning.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		BusQueueDepth:      64,
		LoopRestartBackoff: time.Second,
		MaxLoopBackoff:     30 * time.Second,
	}
}

// Runtime owns the framework services for one agent: its task queues,
// supervised background loops, bus access, heartbeat, metrics, and
// document store. Constructed and driven only by the orchestrator.
type Runtime struct {
	desc    Descriptor
	cfg     RuntimeConfig
	bus     bus.Bus
	logger  *logger.Logger
	docs    *store.DocumentStore
	dataDir string

	loopCtx    context.Context
	loopCancel context.CancelFunc

	mu            sync.RWMutex
	handler       errorHandler
	auditor       Auditor
	status        Status
	lastHeartbeat time.Time
	metrics       map[string]float64
	queues        map[string]*taskqueue.Queue
	subs          []bus.Subscription
	loops         []loopSpec
	started       bool
	stopping      bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type loopSpec struct {
	name string
	body LoopFunc
}

// NewRuntime creates the runtime for desc, including its exclusive data
// directory under dataRoot.
func NewRuntime(desc Descriptor, b bus.Bus, log *logger.Logger, dataRoot string, cfg RuntimeConfig) (*Runtime, error) {
	if cfg.BusQueueDepth <= 0 {
		cfg.BusQueueDepth = DefaultRuntimeConfig().BusQueueDepth
	}
	if cfg.LoopRestartBackoff <= 0 {
		cfg.LoopRestartBackoff = DefaultRuntimeConfig().LoopRestartBackoff
	}
	if cfg.MaxLoopBackoff <= 0 {
		cfg.MaxLoopBackoff = DefaultRuntimeConfig().MaxLoopBackoff
	}

	dataDir := filepath.Join(dataRoot, desc.ID)
	docs, err := store.NewDocumentStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open data dir for agent %s: %w", desc.ID, err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())

	return &Runtime{
		desc:          desc,
		cfg:           cfg,
		bus:           b,
		logger:        log.WithAgentID(desc.ID),
		docs:          docs,
		dataDir:       dataDir,
		loopCtx:       loopCtx,
		loopCancel:    loopCancel,
		status:        StatusInitializing,
		lastHeartbeat: time.Now().UTC(),
		metrics:       make(map[string]float64),
		queues:        make(map[string]*taskqueue.Queue),
		stopCh:        make(chan struct{}),
	}, nil
}

// Bind attaches the agent's error handler. Called by the orchestrator
// before Initialize.
func (r *Runtime) Bind(handler errorHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// SetAuditor attaches the audit sink for error outcomes.
func (r *Runtime) SetAuditor(a Auditor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditor = a
}

// Descriptor returns the agent's immutable descriptor.
func (r *Runtime) Descriptor() Descriptor { return r.desc }

// Logger returns the agent-scoped logger.
func (r *Runtime) Logger() *logger.Logger { return r.logger }

// DataDir returns the agent's exclusive data directory.
func (r *Runtime) DataDir() string { return r.dataDir }

// Store returns the agent's document store.
func (r *Runtime) Store() *store.DocumentStore { return r.docs }

// Status returns the current lifecycle status.
func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Runtime) setStatus(s Status) {
	r.mu.Lock()
	prev := r.status
	r.status = s
	r.mu.Unlock()

	if prev != s {
		r.logger.Info("Agent status changed",
			zap.String("from", string(prev)),
			zap.String("to", string(s)))
	}
}

// Heartbeat records liveness. Called automatically after each loop
// iteration; agents may also call it from long-running operations.
func (r *Runtime) Heartbeat() {
	r.mu.Lock()
	r.lastHeartbeat = time.Now().UTC()
	r.mu.Unlock()
}

// LastHeartbeat returns the most recent heartbeat time.
func (r *Runtime) LastHeartbeat() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastHeartbeat
}

// SetMetric records an agent-owned gauge value.
func (r *Runtime) SetMetric(name string, value float64) {
	r.mu.Lock()
	r.metrics[name] = value
	r.mu.Unlock()
}

// Metrics returns a copy of the agent's metric map.
func (r *Runtime) Metrics() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.metrics))
	for k, v := range r.metrics {
		out[k] = v
	}
	return out
}

// RegisterQueue creates a named bounded queue owned by this agent.
// Duplicate names are rejected.
func (r *Runtime) RegisterQueue(name string, capacity int) (*taskqueue.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.queues[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrQueueExists, name)
	}

	q := taskqueue.New(name, capacity)
	r.queues[name] = q
	r.logger.Debug("Registered queue",
		zap.String("queue", name),
		zap.Int("capacity", capacity))
	return q, nil
}

// Queue returns a previously registered queue.
func (r *Runtime) Queue(name string) (*taskqueue.Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

// QueueDepths returns the current depth of every registered queue.
func (r *Runtime) QueueDepths() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	depths := make(map[string]int, len(r.queues))
	for name, q := range r.queues {
		depths[name] = q.Len()
	}
	return depths
}

// Emit publishes a message on the bus. Overflow errors are returned to the
// caller (and logged); the framework applies no delivery retry.
func (r *Runtime) Emit(topic string, payload map[string]any) error {
	msg := bus.NewMessage(topic, payload)
	if err := r.bus.Publish(context.Background(), topic, msg); err != nil {
		if bus.IsOverflow(err) {
			r.logger.Warn("Bus overflow on emit",
				zap.String("topic", topic),
				zap.Error(err))
		}
		return err
	}
	return nil
}

// Notify emits the standard state-change notification for this agent:
// payload fields {type, id, timestamp} plus extra.
func (r *Runtime) Notify(changeType, subjectID string, extra map[string]any) {
	payload := map[string]any{
		"type":      changeType,
		"id":        subjectID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	if err := r.Emit(bus.NotificationTopic(r.desc.ID), payload); err != nil {
		r.logger.Warn("Notification not delivered",
			zap.String("type", changeType),
			zap.String("subject", subjectID),
			zap.Error(err))
	}
}

// Subscribe registers a bus subscription with the runtime's bounded depth.
// Subscriptions are released at shutdown.
func (r *Runtime) Subscribe(topic string, handler bus.Handler) (bus.Subscription, error) {
	sub, err := r.bus.Subscribe(topic, r.cfg.BusQueueDepth, handler)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return sub, nil
}

// SpawnLoop registers a supervised background loop. Loops registered
// before Start launch when the agent starts; later registrations launch
// immediately.
func (r *Runtime) SpawnLoop(name string, body LoopFunc) {
	spec := loopSpec{name: name, body: body}

	r.mu.Lock()
	r.loops = append(r.loops, spec)
	launch := r.started && !r.stopping
	r.mu.Unlock()

	if launch {
		r.launchLoop(spec)
	}
}

// ReportError routes a classified failure through the agent's HandleError
// and records the outcome on the audit trail. The agent's decision is
// authoritative.
func (r *Runtime) ReportError(ctx context.Context, kind string, data map[string]any) ErrorOutcome {
	r.mu.RLock()
	handler := r.handler
	auditor := r.auditor
	r.mu.RUnlock()

	if handler == nil {
		return ErrorOutcome{Success: false, Detail: "no error handler bound"}
	}

	outcome := handler.HandleError(ctx, kind, data)
	if auditor != nil {
		auditor.RecordErrorOutcome(ctx, r.desc.ID, kind, data, outcome)
	}

	r.logger.Debug("Error outcome recorded",
		zap.String("kind", kind),
		zap.String("action", outcome.Action),
		zap.Bool("success", outcome.Success))
	return outcome
}

// Start transitions Initializing -> Running and launches the registered
// loops. Orchestrator-only.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	if r.status != StatusInitializing {
		status := r.status
		r.mu.Unlock()
		return fmt.Errorf("cannot start agent %s in status %s", r.desc.ID, status)
	}
	r.started = true
	r.status = StatusRunning
	r.lastHeartbeat = time.Now().UTC()
	loops := make([]loopSpec, len(r.loops))
	copy(loops, r.loops)
	r.mu.Unlock()

	for _, spec := range loops {
		r.launchLoop(spec)
	}

	r.logger.Info("Agent running", zap.Int("loops", len(loops)))
	return nil
}

// BeginDrain moves the agent to Draining and closes its queues to new
// work. Queued tasks remain consumable until Shutdown.
func (r *Runtime) BeginDrain() {
	r.mu.Lock()
	switch r.status {
	case StatusDraining, StatusStopped, StatusFailed:
		r.mu.Unlock()
		return
	}
	r.status = StatusDraining
	r.stopping = true
	queues := make([]*taskqueue.Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	for _, q := range queues {
		q.Drain()
	}
	r.logger.Info("Agent draining", zap.Int("queues", len(queues)))
}

// Shutdown signals all loops, waits for them within ctx's deadline, and
// releases bus subscriptions. On deadline expiry the agent is marked
// Failed and an error returned; otherwise it ends Stopped.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.status == StatusStopped {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	r.loopCancel()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.setStatus(StatusStopped)
		r.logger.Info("Agent stopped")
		return nil
	case <-ctx.Done():
		r.setStatus(StatusFailed)
		return fmt.Errorf("agent %s loops did not exit before deadline: %w", r.desc.ID, ctx.Err())
	}
}

// MarkFailed forces the Failed status (startup aborts, stale heartbeats).
func (r *Runtime) MarkFailed(reason string) {
	r.setStatus(StatusFailed)
	r.logger.Error("Agent marked failed", zap.String("reason", reason))
}

func (r *Runtime) launchLoop(spec loopSpec) {
	r.wg.Add(1)
	go r.runLoop(spec)
}

// runLoop re-invokes the loop body until shutdown. Panics are recovered
// and classified; failures route through the agent's error contract with
// exponential backoff between retries.
func (r *Runtime) runLoop(spec loopSpec) {
	defer r.wg.Done()

	log := r.logger.WithFields(zap.String("loop", spec.name))
	log.Debug("Loop started")
	backoff := r.cfg.LoopRestartBackoff

	for {
		select {
		case <-r.stopCh:
			log.Debug("Loop exiting")
			return
		default:
		}

		err := r.invokeLoop(spec.body)
		r.Heartbeat()

		if err == nil {
			backoff = r.cfg.LoopRestartBackoff
			continue
		}

		// Shutdown unblocks bodies via context cancellation; that is not
		// a failure.
		if r.loopCtx.Err() != nil {
			log.Debug("Loop exiting")
			return
		}

		kind := KindUnknown
		data := map[string]any{"loop": spec.name, "error": err.Error()}
		if ke := AsKindError(err); ke != nil {
			kind = ke.Kind
			if ke.Data != nil {
				data = ke.Data
			}
		}
		outcome := r.ReportError(r.loopCtx, kind, data)
		log.Warn("Loop iteration failed",
			zap.String("kind", kind),
			zap.String("action", outcome.Action),
			zap.Error(err))

		select {
		case <-r.stopCh:
			log.Debug("Loop exiting")
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, r.cfg.MaxLoopBackoff)
	}
}

// invokeLoop runs one iteration with panic recovery.
func (r *Runtime) invokeLoop(body LoopFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("loop panic: %v", rec)
		}
	}()
	return body(r.loopCtx)
}
