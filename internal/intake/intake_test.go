package intake

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/common/logger"
	"github.com/myconet/myconet/internal/db"
	"github.com/myconet/myconet/internal/metrics"
	"github.com/myconet/myconet/internal/store"
	v1 "github.com/myconet/myconet/pkg/api/v1"
)

func newTestEventStore(t *testing.T) *store.EventStore {
	t.Helper()

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	events, err := store.NewEventStore(pool)
	require.NoError(t, err)
	return events
}

func newTestService(t *testing.T, b bus.Bus, cfg Config) *Service {
	t.Helper()
	return NewService(newTestEventStore(t), b, metrics.New(), cfg, logger.Default())
}

func TestSubmitValidation(t *testing.T) {
	svc := newTestService(t, bus.NewMemoryBus(logger.Default()), DefaultConfig())
	ctx := context.Background()

	cases := []struct {
		name string
		env  v1.EventEnvelope
		want error
	}{
		{
			name: "missing source",
			env:  v1.EventEnvelope{EventType: "contamination", Severity: v1.SeverityInfo},
			want: ErrMissingSource,
		},
		{
			name: "blank source",
			env:  v1.EventEnvelope{Source: "   ", EventType: "contamination", Severity: v1.SeverityInfo},
			want: ErrMissingSource,
		},
		{
			name: "missing event type",
			env:  v1.EventEnvelope{Source: "agent.mycology_bio", Severity: v1.SeverityInfo},
			want: ErrMissingEventType,
		},
		{
			name: "empty severity",
			env:  v1.EventEnvelope{Source: "agent.mycology_bio", EventType: "contamination"},
			want: ErrInvalidSeverity,
		},
		{
			name: "unknown severity",
			env:  v1.EventEnvelope{Source: "agent.mycology_bio", EventType: "contamination", Severity: "fatal"},
			want: ErrInvalidSeverity,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := svc.Submit(ctx, tc.env)
			require.ErrorIs(t, err, tc.want)
			assert.Nil(t, rec)
		})
	}

	rows, err := svc.Query(ctx, store.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows, "rejected envelopes must not be persisted")
}

func TestSubmitPersists(t *testing.T) {
	svc := newTestService(t, bus.NewMemoryBus(logger.Default()), DefaultConfig())
	ctx := context.Background()

	rec, err := svc.Submit(ctx, v1.EventEnvelope{
		Source:        "device.incubator-3",
		EventType:     "reading",
		Severity:      v1.SeverityInfo,
		CorrelationID: "corr-1",
		Data:          map[string]any{"temp_c": 24.5},
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Contains(t, rec.ID, "evt_")

	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "device.incubator-3", got.Source)
	assert.Equal(t, "reading", got.EventType)
	assert.Equal(t, "info", got.Severity)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.False(t, got.Handled)
}

func TestCriticalDeliveryBeforeReturn(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()

	received := make(chan *bus.Message, 1)
	_, err := b.Subscribe(bus.TopicEventCritical, 4, func(ctx context.Context, msg *bus.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	svc := newTestService(t, b, DefaultConfig())
	rec, err := svc.Submit(context.Background(), v1.EventEnvelope{
		Source:    "agent.mycology_bio",
		EventType: "contamination",
		Severity:  v1.SeverityCritical,
		Data:      map[string]any{"id": "c42"},
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, rec.ID, msg.Payload["event_id"])
		assert.Equal(t, "contamination", msg.Payload["event_type"])
	case <-time.After(2 * time.Second):
		t.Fatal("critical event was not delivered")
	}
}

func TestInfoEventNotFannedOut(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()

	received := make(chan *bus.Message, 1)
	_, err := b.Subscribe(bus.TopicEventCritical, 4, func(ctx context.Context, msg *bus.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	svc := newTestService(t, b, DefaultConfig())
	_, err = svc.Submit(context.Background(), v1.EventEnvelope{
		Source:    "device.incubator-3",
		EventType: "reading",
		Severity:  v1.SeverityInfo,
	})
	require.NoError(t, err)

	select {
	case <-received:
		t.Fatal("info event must not reach the critical topic")
	case <-time.After(100 * time.Millisecond):
	}
}

// failBus rejects every publish so the retry path can be observed.
type failBus struct {
	publishes int
}

func (f *failBus) Publish(ctx context.Context, topic string, msg *bus.Message) error {
	f.publishes++
	return errors.New("bus unavailable")
}

func (f *failBus) Subscribe(topic string, depth int, handler bus.Handler) (bus.Subscription, error) {
	return nil, errors.New("bus unavailable")
}

func (f *failBus) QueueSubscribe(topic, queue string, depth int, handler bus.Handler) (bus.Subscription, error) {
	return nil, errors.New("bus unavailable")
}

func (f *failBus) Request(ctx context.Context, topic string, msg *bus.Message, timeout time.Duration) (*bus.Message, error) {
	return nil, errors.New("bus unavailable")
}

func (f *failBus) Close()            {}
func (f *failBus) IsConnected() bool { return false }

func TestCriticalDeliveryFailureNeverFailsSubmit(t *testing.T) {
	fb := &failBus{}
	svc := newTestService(t, fb, Config{
		CriticalAttempts: 3,
		CriticalBackoff:  time.Millisecond,
		CriticalDeadline: time.Second,
	})
	ctx := context.Background()

	rec, err := svc.Submit(ctx, v1.EventEnvelope{
		Source:    "agent.dao_gov",
		EventType: "pool_suspended",
		Severity:  v1.SeverityCritical,
	})
	require.NoError(t, err, "delivery failure must not fail Submit")
	require.NotNil(t, rec)

	svc.Wait()
	assert.Equal(t, 3, fb.publishes, "attempts must stop at the configured bound")

	rows, err := svc.Query(ctx, store.EventFilter{Source: "intake"})
	require.NoError(t, err)
	require.Len(t, rows, 1, "expected exactly one delivery failure event")
	failure := rows[0]
	assert.Equal(t, "delivery_failure", failure.EventType)
	assert.Equal(t, "warn", failure.Severity)
	assert.Equal(t, rec.ID, failure.Data["event_id"])
}

func TestMarkHandledAndQuery(t *testing.T) {
	svc := newTestService(t, bus.NewMemoryBus(logger.Default()), DefaultConfig())
	ctx := context.Background()

	first, err := svc.Submit(ctx, v1.EventEnvelope{
		Source: "agent.mycology_bio", EventType: "observation_recorded", Severity: v1.SeverityInfo,
	})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, v1.EventEnvelope{
		Source: "agent.dao_gov", EventType: "rewards_distributed", Severity: v1.SeverityInfo,
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkHandled(ctx, first.ID))

	handled := true
	rows, err := svc.Query(ctx, store.EventFilter{Handled: &handled})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, first.ID, rows[0].ID)

	err = svc.MarkHandled(ctx, "evt_does-not-exist")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepRealertsUnhandledCriticals(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()

	received := make(chan *bus.Message, 4)
	_, err := b.Subscribe(bus.TopicEventCritical, 4, func(ctx context.Context, msg *bus.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SweepInterval = 200 * time.Millisecond
	svc := newTestService(t, b, cfg)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, v1.EventEnvelope{
		Source:    "agent.mycology_bio",
		EventType: "contamination",
		Severity:  v1.SeverityCritical,
	})
	require.NoError(t, err)

	// Initial fan-out.
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("critical event was not delivered")
	}

	// A pass right after submission skips the fresh event.
	svc.sweepOnce(ctx)
	select {
	case <-received:
		t.Fatal("fresh event must not be re-alerted")
	case <-time.After(50 * time.Millisecond):
	}

	// Once older than one interval the event is re-published every pass
	// until someone marks it handled.
	time.Sleep(250 * time.Millisecond)
	svc.sweepOnce(ctx)
	select {
	case msg := <-received:
		assert.Equal(t, rec.ID, msg.Payload["event_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("unhandled critical was not re-alerted")
	}

	require.NoError(t, svc.MarkHandled(ctx, rec.ID))
	svc.sweepOnce(ctx)
	select {
	case <-received:
		t.Fatal("handled event must not be re-alerted")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweepLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	svc := newTestService(t, bus.NewMemoryBus(logger.Default()), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	svc.StartSweep(ctx)
	time.Sleep(35 * time.Millisecond)
	cancel()
	svc.Wait()

	disabled := DefaultConfig()
	disabled.SweepInterval = 0
	svc = newTestService(t, bus.NewMemoryBus(logger.Default()), disabled)
	svc.StartSweep(context.Background())
	svc.Wait()
}
