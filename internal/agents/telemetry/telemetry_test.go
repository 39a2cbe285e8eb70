package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/common/logger"
	"github.com/myconet/myconet/internal/store"
	v1 "github.com/myconet/myconet/pkg/api/v1"
)

type stubSubmitter struct {
	mu        sync.Mutex
	envelopes []v1.EventEnvelope
}

func (s *stubSubmitter) Submit(ctx context.Context, env v1.EventEnvelope) (*store.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, env)
	return &store.EventRecord{ID: "evt_test", Source: env.Source}, nil
}

func (s *stubSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envelopes)
}

func (s *stubSubmitter) envelope(i int) v1.EventEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envelopes[i]
}

// batchClient serves one queued batch per poll.
type batchClient struct {
	mu      sync.Mutex
	batches [][]Reading
	err     error
}

func (c *batchClient) Poll(ctx context.Context) ([]Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if len(c.batches) == 0 {
		return nil, nil
	}
	batch := c.batches[0]
	c.batches = c.batches[1:]
	return batch, nil
}

func newTestAgent(t *testing.T, clients ClientFactory) (*Agent, *agent.Runtime, *stubSubmitter) {
	t.Helper()

	log := logger.Default()
	b := bus.NewMemoryBus(log)
	t.Cleanup(b.Close)

	desc := agent.Descriptor{
		ID:   "telemetry_field",
		Name: "Telemetry",
		Kind: Kind,
		Config: map[string]any{
			"poll_interval": "20ms",
		},
	}
	rt, err := agent.NewRuntime(desc, b, log, t.TempDir(), agent.RuntimeConfig{
		LoopRestartBackoff: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	sub := &stubSubmitter{}
	a := New(desc, sub, clients)
	rt.Bind(a)
	require.NoError(t, a.Initialize(context.Background(), rt))
	return a, rt, sub
}

func startAgent(t *testing.T, a *Agent, rt *agent.Runtime) {
	t.Helper()
	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.BeginDrain()
		_ = rt.Shutdown(ctx)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIngestReadingFlowsToIntake(t *testing.T) {
	a, rt, sub := newTestAgent(t, nil)
	startAgent(t, a, rt)
	ctx := context.Background()

	out, err := a.Handle(ctx, "ingest_reading", map[string]any{
		"device_id": "greenhouse-7",
		"metric":    "temp_c",
		"value":     21.5,
		"unit":      "C",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["queued"])

	waitFor(t, "event submission", func() bool { return sub.count() == 1 })

	env := sub.envelope(0)
	assert.Equal(t, "device.greenhouse-7", env.Source)
	assert.Equal(t, "reading", env.EventType)
	assert.Equal(t, v1.SeverityInfo, env.Severity)
	assert.Equal(t, "temp_c", env.Data["metric"])
	assert.Equal(t, 21.5, env.Data["value"])

	out, err = a.Handle(ctx, "get_latest", map[string]any{"device_id": "greenhouse-7"})
	require.NoError(t, err)
	reading := out["reading"].(*Reading)
	assert.Equal(t, 21.5, reading.Value)
	assert.Equal(t, "C", reading.Unit)
	assert.False(t, reading.At.IsZero())
}

func TestIngestValidation(t *testing.T) {
	a, _, _ := newTestAgent(t, nil)
	ctx := context.Background()

	_, err := a.Handle(ctx, "ingest_reading", map[string]any{"metric": "temp_c", "value": 1.0})
	assert.ErrorIs(t, err, ErrMissingParam)

	_, err = a.Handle(ctx, "ingest_reading", map[string]any{"device_id": "g7", "value": 1.0})
	assert.ErrorIs(t, err, ErrMissingParam)

	_, err = a.Handle(ctx, "ingest_reading", map[string]any{"device_id": "g7", "metric": "temp_c"})
	assert.ErrorIs(t, err, ErrMissingParam)

	_, err = a.Handle(ctx, "get_latest", map[string]any{"device_id": "g7"})
	assert.ErrorIs(t, err, ErrNoReading)

	_, err = a.Handle(ctx, "get_latest", map[string]any{})
	assert.ErrorIs(t, err, ErrMissingParam)
}

func TestFleetPollSubmitsReadings(t *testing.T) {
	client := &batchClient{batches: [][]Reading{{
		{DeviceID: "field-2", Metric: "humidity_pct", Value: 81, Unit: "%"},
		{DeviceID: "field-3", Metric: "humidity_pct", Value: 64, Unit: "%"},
	}}}
	a, rt, sub := newTestAgent(t, func(agent.Descriptor) (Client, error) {
		return client, nil
	})
	startAgent(t, a, rt)
	ctx := context.Background()

	waitFor(t, "fleet readings", func() bool { return sub.count() == 2 })

	out, err := a.Handle(ctx, "get_latest", map[string]any{"device_id": "field-2"})
	require.NoError(t, err)
	assert.Equal(t, 81.0, out["reading"].(*Reading).Value)

	out, err = a.Handle(ctx, "get_latest", map[string]any{"device_id": "field-3"})
	require.NoError(t, err)
	assert.Equal(t, 64.0, out["reading"].(*Reading).Value)
}

func TestPollFailureRebuildsClient(t *testing.T) {
	var mu sync.Mutex
	builds := 0

	factory := func(agent.Descriptor) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		builds++
		if builds == 1 {
			return &batchClient{err: errors.New("fleet gateway unreachable")}, nil
		}
		return &batchClient{}, nil
	}

	a, rt, _ := newTestAgent(t, factory)
	startAgent(t, a, rt)

	waitFor(t, "client rebuild", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return builds >= 2
	})
}

func TestHandleErrorOutcomes(t *testing.T) {
	var mu sync.Mutex
	builds := 0
	a, _, _ := newTestAgent(t, func(agent.Descriptor) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		builds++
		return &batchClient{}, nil
	})
	ctx := context.Background()

	outcome := a.HandleError(ctx, agent.KindAPIError, map[string]any{"service": "device-fleet"})
	assert.True(t, outcome.Success)
	assert.Equal(t, "reinitialize_client", outcome.Action)
	assert.Equal(t, "device-fleet", outcome.Subject)

	mu.Lock()
	assert.Equal(t, 2, builds)
	mu.Unlock()

	outcome = a.HandleError(ctx, agent.KindTokenError, nil)
	assert.False(t, outcome.Success)
	assert.Equal(t, "none", outcome.Action)
}

func TestFactoryRequiresSubmitter(t *testing.T) {
	_, err := NewFactory(nil)(agent.Descriptor{ID: "telemetry_field", Kind: Kind})
	require.Error(t, err)

	factory := NewFactory(&stubSubmitter{})
	built, err := factory(agent.Descriptor{ID: "telemetry_field", Kind: Kind})
	require.NoError(t, err)
	assert.Equal(t, "telemetry_field", built.Descriptor().ID)
}
