// Package telemetry implements the agent bridging field devices into the
// event intake. Sensor readings arrive by operation or by polling the
// device fleet; each becomes an info event plus a latest-reading document
// per device.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/store"
	"github.com/myconet/myconet/internal/taskqueue"
	v1 "github.com/myconet/myconet/pkg/api/v1"
)

// Kind identifies this agent type in descriptors.
const Kind = "telemetry"

// QueueReadings feeds the reading-poller loop.
const QueueReadings = "readings"

// drainIdle is how long the poller sleeps once its queue has drained, so
// it does not spin while shutdown completes.
const drainIdle = 250 * time.Millisecond

var (
	// ErrMissingParam marks an operation call lacking a required field.
	ErrMissingParam = errors.New("missing required parameter")
	// ErrNoReading is returned when a device has no recorded reading.
	ErrNoReading = errors.New("no reading recorded for device")
)

// Reading is one sensor measurement from a field device.
type Reading struct {
	DeviceID string    `json:"device_id"`
	Metric   string    `json:"metric"`
	Value    float64   `json:"value"`
	Unit     string    `json:"unit,omitempty"`
	At       time.Time `json:"at"`
}

// Client fetches readings from the deployment's device fleet. A Poll
// error raises api_error, and the agent rebuilds the client through its
// error contract before the next poll.
type Client interface {
	Poll(ctx context.Context) ([]Reading, error)
}

// ClientFactory builds (and rebuilds) the device client.
type ClientFactory func(desc agent.Descriptor) (Client, error)

// Submitter accepts events for intake.
type Submitter interface {
	Submit(ctx context.Context, env v1.EventEnvelope) (*store.EventRecord, error)
}

// noopClient is the default fleet client for deployments where every
// reading arrives through ingest_reading.
type noopClient struct{}

func (noopClient) Poll(ctx context.Context) ([]Reading, error) { return nil, nil }

// Config tunes the reading pipeline.
type Config struct {
	ReadingsCapacity int
	// PollInterval is how long the poller waits on an idle queue before
	// polling the device fleet.
	PollInterval time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		ReadingsCapacity: 256,
		PollInterval:     15 * time.Second,
	}
}

func configFromDescriptor(desc agent.Descriptor) Config {
	def := DefaultConfig()
	return Config{
		ReadingsCapacity: agent.ConfigInt(desc.Config, "readings_capacity", def.ReadingsCapacity),
		PollInterval:     agent.ConfigDuration(desc.Config, "poll_interval", def.PollInterval),
	}
}

// Agent converts device readings into intake events.
type Agent struct {
	*agent.Core
	cfg       Config
	submitter Submitter
	clients   ClientFactory

	mu     sync.Mutex
	client Client
}

// New creates the agent with an explicit client factory.
func New(desc agent.Descriptor, submitter Submitter, clients ClientFactory) *Agent {
	if clients == nil {
		clients = func(agent.Descriptor) (Client, error) { return noopClient{}, nil }
	}
	return &Agent{
		Core:      agent.NewCore(desc),
		cfg:       configFromDescriptor(desc),
		submitter: submitter,
		clients:   clients,
	}
}

// NewFactory builds the orchestrator factory for telemetry agents that
// receive every reading through ingest_reading.
func NewFactory(submitter Submitter) func(agent.Descriptor) (agent.Agent, error) {
	return NewFactoryWithClient(submitter, nil)
}

// NewFactoryWithClient builds the orchestrator factory with a device
// fleet client.
func NewFactoryWithClient(submitter Submitter, clients ClientFactory) func(agent.Descriptor) (agent.Agent, error) {
	return func(desc agent.Descriptor) (agent.Agent, error) {
		if submitter == nil {
			return nil, fmt.Errorf("telemetry agent %s requires an event submitter", desc.ID)
		}
		return New(desc, submitter, clients), nil
	}
}

// Initialize registers the queue, operations, the device client, and the
// poller loop. Idempotent.
func (a *Agent) Initialize(ctx context.Context, rt *agent.Runtime) error {
	if a.Initialized() {
		return nil
	}
	a.AttachRuntime(rt)

	if _, err := rt.RegisterQueue(QueueReadings, a.cfg.ReadingsCapacity); err != nil {
		return err
	}

	a.RegisterOperation("ingest_reading", a.opIngestReading)
	a.RegisterOperation("get_latest", a.opGetLatest)

	if err := a.resetClient(); err != nil {
		return err
	}
	rt.SpawnLoop("reading-poller", a.readingPoller)

	a.MarkInitialized()
	return nil
}

// Start publishes the initial device gauge.
func (a *Agent) Start(ctx context.Context) error {
	docIDs, err := a.Runtime().Store().List()
	if err != nil {
		return err
	}
	devices := 0
	for _, id := range docIDs {
		if strings.HasPrefix(id, "latest_") {
			devices++
		}
	}
	a.Runtime().SetMetric("devices", float64(devices))
	return nil
}

// Stop is a no-op: readings already persisted, queued ones drain through
// the poller during shutdown.
func (a *Agent) Stop(ctx context.Context) error {
	a.Runtime().Logger().Info("Telemetry agent stopping")
	return nil
}

// HandleError implements the agent's error contract. An api_error means
// the device client is stale: it is rebuilt so subsequent polls go
// through a fresh one.
func (a *Agent) HandleError(ctx context.Context, kind string, data map[string]any) agent.ErrorOutcome {
	switch kind {
	case agent.KindAPIError:
		service, _ := data["service"].(string)
		if err := a.resetClient(); err != nil {
			return agent.ErrorOutcome{Success: false, Action: "reinitialize_client", Subject: service, Detail: err.Error()}
		}
		return agent.ErrorOutcome{Success: true, Action: "reinitialize_client", Subject: service}
	default:
		return agent.ErrorOutcome{Success: false, Action: "none", Detail: "unhandled error kind: " + kind}
	}
}

// resetClient replaces the fleet client with a freshly built one.
func (a *Agent) resetClient() error {
	client, err := a.clients(a.Descriptor())
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	return nil
}

// --- operations ---

func (a *Agent) opIngestReading(ctx context.Context, params map[string]any) (map[string]any, error) {
	deviceID, _ := params["device_id"].(string)
	metric, _ := params["metric"].(string)
	if strings.TrimSpace(deviceID) == "" {
		return nil, fmt.Errorf("%w: device_id", ErrMissingParam)
	}
	if strings.TrimSpace(metric) == "" {
		return nil, fmt.Errorf("%w: metric", ErrMissingParam)
	}
	value, ok := params["value"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: value", ErrMissingParam)
	}
	unit, _ := params["unit"].(string)

	task := taskqueue.NewTask("reading", map[string]any{
		"device_id": strings.TrimSpace(deviceID),
		"metric":    strings.TrimSpace(metric),
		"value":     value,
		"unit":      unit,
		"at":        time.Now().UTC().Format(time.RFC3339Nano),
	})
	q, _ := a.Runtime().Queue(QueueReadings)
	if err := q.Enqueue(task); err != nil {
		return nil, err
	}
	return map[string]any{"queued": true, "task_id": task.ID}, nil
}

func (a *Agent) opGetLatest(ctx context.Context, params map[string]any) (map[string]any, error) {
	deviceID, _ := params["device_id"].(string)
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device_id", ErrMissingParam)
	}

	var reading Reading
	if err := a.Runtime().Store().Get("latest_"+deviceID, &reading); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoReading, deviceID)
		}
		return nil, err
	}
	return map[string]any{"reading": &reading}, nil
}

// --- pipeline ---

// readingPoller is the single consumer of the readings queue. Queued
// readings take priority; when the queue sits idle for a poll interval
// the device fleet is polled instead.
func (a *Agent) readingPoller(ctx context.Context) error {
	q, ok := a.Runtime().Queue(QueueReadings)
	if !ok {
		return nil
	}

	slice, cancel := context.WithTimeout(ctx, a.cfg.PollInterval)
	task, err := q.Dequeue(slice)
	cancel()

	switch {
	case err == nil:
		procErr := a.processTask(ctx, task)
		q.MarkDone()
		if procErr != nil {
			return procErr
		}
		a.Runtime().SetMetric("reading_backlog", float64(q.Len()))
		return nil

	case errors.Is(err, taskqueue.ErrQueueClosed):
		// Queue drained; idle until shutdown instead of spinning.
		select {
		case <-ctx.Done():
		case <-time.After(drainIdle):
		}
		return ctx.Err()

	case errors.Is(err, context.DeadlineExceeded):
		return a.pollFleet(ctx)

	default:
		return err
	}
}

// processTask converts one queued reading task.
func (a *Agent) processTask(ctx context.Context, task taskqueue.Task) error {
	if task.Kind != "reading" {
		a.Runtime().Logger().Warn("Unknown telemetry task", zap.String("kind", task.Kind))
		return nil
	}

	reading := Reading{}
	reading.DeviceID, _ = task.Payload["device_id"].(string)
	reading.Metric, _ = task.Payload["metric"].(string)
	reading.Value, _ = task.Payload["value"].(float64)
	reading.Unit, _ = task.Payload["unit"].(string)
	if at, _ := task.Payload["at"].(string); at != "" {
		if ts, err := time.Parse(time.RFC3339Nano, at); err == nil {
			reading.At = ts
		}
	}
	return a.processReading(ctx, &reading)
}

// pollFleet fetches and processes one batch from the device client.
func (a *Agent) pollFleet(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil
	}

	readings, err := client.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return agent.NewKindError(agent.KindAPIError,
			map[string]any{"service": "device-fleet", "reason": err.Error()},
			err)
	}

	for i := range readings {
		if err := a.processReading(ctx, &readings[i]); err != nil {
			return err
		}
	}
	if len(readings) > 0 {
		a.Runtime().SetMetric("last_poll_readings", float64(len(readings)))
	}
	return nil
}

// processReading persists the device's latest reading and submits the
// matching intake event.
func (a *Agent) processReading(ctx context.Context, r *Reading) error {
	if r.DeviceID == "" || r.Metric == "" {
		return nil
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}

	if err := a.Runtime().Store().Put("latest_"+r.DeviceID, r); err != nil {
		return err
	}

	_, err := a.submitter.Submit(ctx, v1.EventEnvelope{
		Source:    "device." + r.DeviceID,
		EventType: "reading",
		Severity:  v1.SeverityInfo,
		Data: map[string]any{
			"metric": r.Metric,
			"value":  r.Value,
			"unit":   r.Unit,
			"at":     r.At.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		// The latest-reading document is already persisted; only the
		// event emission failed.
		return fmt.Errorf("submit reading event for %s: %w", r.DeviceID, err)
	}
	return nil
}
