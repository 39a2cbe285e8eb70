// Package orchestrator owns agent construction and lifecycle: dependency-
// ordered startup, reverse-order shutdown, and health reporting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/common/logger"
	v1 "github.com/myconet/myconet/pkg/api/v1"
)

// Common errors
var (
	ErrDuplicateAgent    = errors.New("agent id already registered")
	ErrUnknownDependency = errors.New("agent depends on an unregistered agent")
	ErrDependencyCycle   = errors.New("agent dependency cycle")
	ErrAlreadyStarted    = errors.New("orchestrator is already started")
	ErrNotStarted        = errors.New("orchestrator is not started")
	ErrAgentNotFound     = errors.New("agent not found")
)

// Factory constructs an agent from its descriptor. Only the orchestrator
// invokes factories.
type Factory func(desc agent.Descriptor) (agent.Agent, error)

// Config holds orchestrator configuration.
type Config struct {
	InitRetries         int           // Max Initialize attempts per agent
	InitRetryDelay      time.Duration // Delay between Initialize attempts
	StopTimeout         time.Duration // Default StopAll deadline
	HeartbeatInterval   time.Duration // How often the monitor inspects heartbeats
	HeartbeatStaleAfter time.Duration // Age after which a running agent is suspect

	Runtime agent.RuntimeConfig
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		InitRetries:         3,
		InitRetryDelay:      2 * time.Second,
		StopTimeout:         15 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		HeartbeatStaleAfter: time.Minute,
		Runtime:             agent.DefaultRuntimeConfig(),
	}
}

type entry struct {
	desc    agent.Descriptor
	factory Factory
	agent   agent.Agent
	runtime *agent.Runtime
	started bool
}

// Orchestrator builds agents from registered factories, starts them in
// dependency order, and supervises their heartbeats.
type Orchestrator struct {
	bus      bus.Bus
	logger   *logger.Logger
	dataRoot string
	auditor  agent.Auditor
	config   Config

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // registration order
	started []string // successful startup order, for reverse shutdown
	sealed  bool     // registration closed once StartAll begins
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an orchestrator. The auditor may be nil during early wiring;
// SetAuditor attaches it before StartAll.
func New(b bus.Bus, log *logger.Logger, dataRoot string, config Config) *Orchestrator {
	return &Orchestrator{
		bus:      b,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		dataRoot: dataRoot,
		config:   config,
		entries:  make(map[string]*entry),
	}
}

// SetAuditor attaches the audit sink handed to every agent runtime.
func (o *Orchestrator) SetAuditor(a agent.Auditor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.auditor = a
}

// Register adds an agent factory. Registration closes once StartAll runs.
func (o *Orchestrator) Register(desc agent.Descriptor, factory Factory) error {
	if desc.ID == "" {
		return fmt.Errorf("agent descriptor requires an id")
	}
	if factory == nil {
		return fmt.Errorf("agent %s requires a factory", desc.ID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sealed {
		return ErrAlreadyStarted
	}
	if _, exists := o.entries[desc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, desc.ID)
	}

	o.entries[desc.ID] = &entry{desc: desc, factory: factory}
	o.order = append(o.order, desc.ID)
	o.logger.Debug("Registered agent",
		zap.String("agent_id", desc.ID),
		zap.String("kind", desc.Kind),
		zap.Strings("depends_on", desc.DependsOn))
	return nil
}

// StartAll builds and starts every registered agent in dependency order.
// Agents with no ordering between them initialize in parallel. Any failure
// aborts startup and stops the agents already running, in reverse order.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.mu.Lock()
	if o.sealed {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	levels, err := o.levels()
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.sealed = true
	o.mu.Unlock()

	o.logger.Info("Starting agents",
		zap.Int("count", len(o.order)),
		zap.Int("levels", len(levels)))

	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range level {
			e := o.entries[id]
			g.Go(func() error {
				return o.startAgent(gctx, e)
			})
		}
		levelErr := g.Wait()

		// Record what actually came up, even on a partial level, so the
		// abort path can unwind it.
		o.mu.Lock()
		for _, id := range level {
			if o.entries[id].started {
				o.started = append(o.started, id)
			}
		}
		o.mu.Unlock()

		if levelErr != nil {
			o.logger.Error("Startup aborted, stopping started agents", zap.Error(levelErr))
			stopCtx, cancel := context.WithTimeout(context.Background(), o.config.StopTimeout)
			o.stopStarted(stopCtx)
			cancel()
			return fmt.Errorf("startup aborted: %w", levelErr)
		}
	}

	o.mu.Lock()
	o.running = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	o.wg.Add(1)
	go o.monitorLoop()

	o.logger.Info("All agents running", zap.Int("count", len(o.started)))
	return nil
}

// StopAll drains and stops every agent in reverse startup order under the
// given deadline (config default when zero). Agents whose loops do not
// exit in time are abandoned and end up Failed; every agent finishes
// Stopped or Failed.
func (o *Orchestrator) StopAll(ctx context.Context, deadline time.Duration) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotStarted
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()

	o.wg.Wait()

	if deadline <= 0 {
		deadline = o.config.StopTimeout
	}
	stopCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	return o.stopStarted(stopCtx)
}

// stopStarted unwinds the started list in reverse. Callers hold no locks.
func (o *Orchestrator) stopStarted(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, len(o.started))
	copy(ids, o.started)
	o.started = nil
	o.mu.Unlock()

	var errs []error
	for i := len(ids) - 1; i >= 0; i-- {
		e := o.entries[ids[i]]
		log := o.logger.WithFields(zap.String("agent_id", e.desc.ID))

		e.runtime.BeginDrain()
		if err := e.agent.Stop(ctx); err != nil {
			log.Warn("Agent stop hook failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("stop %s: %w", e.desc.ID, err))
		}
		if err := e.runtime.Shutdown(ctx); err != nil {
			log.Error("Agent did not shut down cleanly", zap.Error(err))
			errs = append(errs, fmt.Errorf("shutdown %s: %w", e.desc.ID, err))
			continue
		}
		log.Info("Agent shut down")
	}
	return errors.Join(errs...)
}

// startAgent constructs, initializes (with bounded retries), and starts a
// single agent.
func (o *Orchestrator) startAgent(ctx context.Context, e *entry) error {
	log := o.logger.WithFields(zap.String("agent_id", e.desc.ID))

	ag, err := e.factory(e.desc)
	if err != nil {
		return fmt.Errorf("build agent %s: %w", e.desc.ID, err)
	}

	rt, err := agent.NewRuntime(e.desc, o.bus, o.logger, o.dataRoot, o.config.Runtime)
	if err != nil {
		return fmt.Errorf("runtime for agent %s: %w", e.desc.ID, err)
	}
	rt.Bind(ag)

	// Publish agent and runtime immediately so Health reflects failed
	// startups too.
	o.mu.Lock()
	e.agent = ag
	e.runtime = rt
	auditor := o.auditor
	o.mu.Unlock()
	if auditor != nil {
		rt.SetAuditor(auditor)
	}

	attempts := o.config.InitRetries
	if attempts < 1 {
		attempts = 1
	}
	var initErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		initErr = ag.Initialize(ctx, rt)
		if initErr == nil {
			break
		}
		log.Warn("Agent initialize failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(initErr))
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			rt.MarkFailed("initialize cancelled")
			return fmt.Errorf("initialize %s: %w", e.desc.ID, ctx.Err())
		case <-time.After(o.config.InitRetryDelay):
		}
	}
	if initErr != nil {
		rt.MarkFailed("initialize failed")
		return fmt.Errorf("initialize %s: %w", e.desc.ID, initErr)
	}

	if err := rt.Start(ctx); err != nil {
		rt.MarkFailed("runtime start failed")
		return fmt.Errorf("start runtime %s: %w", e.desc.ID, err)
	}
	if err := ag.Start(ctx); err != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), o.config.StopTimeout)
		_ = rt.Shutdown(shutCtx)
		cancel()
		rt.MarkFailed("start hook failed")
		return fmt.Errorf("start agent %s: %w", e.desc.ID, err)
	}

	o.mu.Lock()
	e.started = true
	o.mu.Unlock()

	log.Info("Agent started")
	return nil
}

// levels performs a Kahn topological sort over DependsOn and groups agents
// into dependency levels; agents within a level have no ordering between
// them. Callers hold o.mu.
func (o *Orchestrator) levels() ([][]string, error) {
	indegree := make(map[string]int, len(o.entries))
	dependents := make(map[string][]string, len(o.entries))

	for id, e := range o.entries {
		indegree[id] += 0
		for _, dep := range e.desc.DependsOn {
			if _, ok := o.entries[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, id, dep)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var levels [][]string
	resolved := 0
	current := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		resolved += len(current)

		var next []string
		for _, id := range current {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if resolved != len(o.entries) {
		return nil, ErrDependencyCycle
	}
	return levels, nil
}

// Health reports every registered agent's lifecycle state, heartbeat age,
// and queue depths, in registration order.
func (o *Orchestrator) Health() []v1.AgentHealth {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]v1.AgentHealth, 0, len(o.order))
	for _, id := range o.order {
		e := o.entries[id]
		h := v1.AgentHealth{
			ID:          e.desc.ID,
			Name:        e.desc.Name,
			Status:      string(agent.StatusInitializing),
			QueueDepths: map[string]int{},
		}
		if e.runtime != nil {
			status := e.runtime.Status()
			age := time.Since(e.runtime.LastHeartbeat())
			h.Status = string(status)
			h.LastHeartbeatAge = age.Round(time.Millisecond).String()
			h.HeartbeatStale = status == agent.StatusRunning && age > o.config.HeartbeatStaleAfter
			h.QueueDepths = e.runtime.QueueDepths()
		}
		out = append(out, h)
	}
	return out
}

// Graph returns the declared topology: one node per agent, one edge per
// dependency (From depends on To).
func (o *Orchestrator) Graph() ([]v1.GraphNode, []v1.GraphEdge) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	nodes := make([]v1.GraphNode, 0, len(o.order))
	var edges []v1.GraphEdge
	for _, id := range o.order {
		e := o.entries[id]
		nodes = append(nodes, v1.GraphNode{ID: e.desc.ID, Name: e.desc.Name, Kind: e.desc.Kind})
		for _, dep := range e.desc.DependsOn {
			edges = append(edges, v1.GraphEdge{From: e.desc.ID, To: dep})
		}
	}
	return nodes, edges
}

// Ready reports whether every agent is running. Used by the readiness
// endpoint.
func (o *Orchestrator) Ready() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if !o.running {
		return false
	}
	for _, e := range o.entries {
		if e.runtime == nil || e.runtime.Status() != agent.StatusRunning {
			return false
		}
	}
	return true
}

// Runtime returns a started agent's runtime handle.
func (o *Orchestrator) Runtime(id string) (*agent.Runtime, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	e, ok := o.entries[id]
	if !ok || e.runtime == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return e.runtime, nil
}

// monitorLoop periodically inspects heartbeats and flags suspects.
func (o *Orchestrator) monitorLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.checkHeartbeats()
		}
	}
}

func (o *Orchestrator) checkHeartbeats() {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, id := range o.started {
		e := o.entries[id]
		if e.runtime == nil || e.runtime.Status() != agent.StatusRunning {
			continue
		}
		age := time.Since(e.runtime.LastHeartbeat())
		if age > o.config.HeartbeatStaleAfter {
			o.logger.Warn("Agent heartbeat stale",
				zap.String("agent_id", id),
				zap.Duration("age", age))
		}
	}
}
