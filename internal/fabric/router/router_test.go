package router

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/myconet/myconet/pkg/api/v1"

	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/common/logger"
	"github.com/myconet/myconet/internal/db"
	"github.com/myconet/myconet/internal/fabric/audit"
	"github.com/myconet/myconet/internal/fabric/connector"
	"github.com/myconet/myconet/internal/fabric/registry"
	"github.com/myconet/myconet/internal/metrics"
	"github.com/myconet/myconet/internal/store"
)

// stubConnector scripts the non-native dispatch path.
type stubConnector struct {
	data  map[string]any
	err   error
	delay time.Duration
	calls int
}

func (c *stubConnector) Call(ctx context.Context, spec *registry.IntegrationSpec, cmd v1.Command) (map[string]any, error) {
	c.calls++
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.data, nil
}

type fixture struct {
	router *Router
	audit  *audit.Logger
	conn   *stubConnector
	bus    *bus.MemoryBus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	auditStore, err := store.NewAuditStore(pool)
	require.NoError(t, err)
	jsonl, err := store.NewJSONLWriter(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jsonl.Close() })

	log := logger.Default()
	b := bus.NewMemoryBus(log)
	t.Cleanup(b.Close)

	auditLog := audit.NewLogger(auditStore, jsonl, b, log)
	reg, err := registry.New(log)
	require.NoError(t, err)

	sc := &stubConnector{data: map[string]any{"http_status": 200}}
	r := New(reg, sc, auditLog, metrics.New(), cfg, log)

	docs, err := store.NewDocumentStore(filepath.Join(t.TempDir(), "fabric"))
	require.NoError(t, err)
	r.RegisterHandler(NewBusHandler(b))
	r.RegisterHandler(NewStoreHandler(docs))

	return &fixture{router: r, audit: auditLog, conn: sc, bus: b}
}

// auditRecords returns the trail for one request id.
func (f *fixture) auditRecords(t *testing.T, requestID string) []*store.AuditRecord {
	t.Helper()
	all, err := f.audit.Query(context.Background(), store.AuditFilter{Limit: 100})
	require.NoError(t, err)
	var matched []*store.AuditRecord
	for _, rec := range all {
		if rec.RequestID == requestID {
			matched = append(matched, rec)
		}
	}
	return matched
}

func command(integration, action string) v1.Command {
	return v1.Command{
		RequestID:   "req-" + integration + "-" + action,
		Actor:       "agent.mycology_bio",
		Integration: integration,
		Action:      action,
		Params:      map[string]any{},
	}
}

func TestExecuteNativeStoreRoundTrip(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	create := command("myco-store", "create")
	create.Params = map[string]any{
		"id":       "culture-42",
		"document": map[string]any{"species": "Pleurotus ostreatus"},
	}
	resp := f.router.Execute(ctx, create)
	require.Equal(t, v1.CommandStatusOK, resp.Status, "unexpected error: %+v", resp.Error)
	assert.True(t, resp.AuditLogged)
	assert.Equal(t, true, resp.Data["stored"])

	read := command("myco-store", "read")
	read.Params = map[string]any{"id": "culture-42"}
	resp = f.router.Execute(ctx, read)
	require.Equal(t, v1.CommandStatusOK, resp.Status)
	doc, ok := resp.Data["document"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Pleurotus ostreatus", doc["species"])

	recs := f.auditRecords(t, create.RequestID)
	require.Len(t, recs, 1, "exactly one audit record per command")
	assert.Equal(t, "ok", recs[0].Status)
	assert.Equal(t, registry.CategoryStore, recs[0].Category)
	assert.NotEmpty(t, recs[0].ParamsHash)
	assert.NotEmpty(t, recs[0].ResponseHash)
}

func TestExecuteNativeBusPublish(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	received := make(chan *bus.Message, 1)
	_, err := f.bus.Subscribe("spores.dispersal", 4, func(ctx context.Context, msg *bus.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	cmd := command("myco-bus", "call")
	cmd.Params = map[string]any{
		"topic":   "spores.dispersal",
		"payload": map[string]any{"sample": "s7"},
	}
	resp := f.router.Execute(context.Background(), cmd)
	require.Equal(t, v1.CommandStatusOK, resp.Status)
	assert.Equal(t, true, resp.Data["published"])

	select {
	case msg := <-received:
		assert.Equal(t, "s7", msg.Payload["sample"])
	case <-time.After(2 * time.Second):
		t.Fatal("bus handler did not publish")
	}
	assert.Zero(t, f.conn.calls, "native dispatch must not touch the connector")
}

func TestExecuteSchemaGate(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	cmd := command("httpbin", "read")
	cmd.Actor = ""
	resp := f.router.Execute(context.Background(), cmd)

	assert.Equal(t, v1.CommandStatusError, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, v1.CodeSchema, resp.Error.Code)
	assert.True(t, resp.AuditLogged, "rejections are audited too")

	recs := f.auditRecords(t, cmd.RequestID)
	require.Len(t, recs, 1)
	assert.Equal(t, "error", recs[0].Status)
	assert.Zero(t, f.conn.calls)
}

func TestExecuteUnknownIntegration(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	for _, name := range []string{"no-such-thing", "herbarium-archive"} {
		cmd := command(name, "read")
		resp := f.router.Execute(context.Background(), cmd)

		assert.Equal(t, v1.CommandStatusError, resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, v1.CodeUnknownIntegration, resp.Error.Code, "integration %s", name)

		recs := f.auditRecords(t, cmd.RequestID)
		require.Len(t, recs, 1, "integration %s", name)
	}
	assert.Zero(t, f.conn.calls, "disabled integrations must not dispatch")
}

func TestExecuteActionNotPermitted(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	cmd := command("inat-observations", "delete")
	resp := f.router.Execute(context.Background(), cmd)

	assert.Equal(t, v1.CommandStatusError, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, v1.CodeActionNotPermitted, resp.Error.Code)
	assert.Zero(t, f.conn.calls)
}

func TestExecuteConfirmationGate(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	// token-ledger is admin risk with confirm_required.
	cmd := command("token-ledger", "call")
	resp := f.router.Execute(ctx, cmd)

	assert.Equal(t, v1.CommandStatusDenied, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, v1.CodeConfirmationRequired, resp.Error.Code)
	assert.Equal(t, map[string]any{"confirm": true}, resp.Requirements)
	assert.Zero(t, f.conn.calls, "denied commands must not dispatch")

	recs := f.auditRecords(t, cmd.RequestID)
	require.Len(t, recs, 1)
	assert.Equal(t, "denied", recs[0].Status)
	assert.False(t, recs[0].Confirmed)

	// Same command with confirm=true goes through and the audit row
	// records the confirmation.
	cmd.RequestID = "req-token-ledger-confirmed"
	cmd.Confirm = true
	resp = f.router.Execute(ctx, cmd)
	require.Equal(t, v1.CommandStatusOK, resp.Status)

	recs = f.auditRecords(t, cmd.RequestID)
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Status)
	assert.True(t, recs[0].Confirmed)
	assert.Equal(t, registry.RiskAdmin, recs[0].Risk)
}

func TestExecuteDispatchTimeout(t *testing.T) {
	f := newFixture(t, Config{DispatchTimeout: 50 * time.Millisecond})
	f.conn.delay = 5 * time.Second

	cmd := command("httpbin", "read")
	resp := f.router.Execute(context.Background(), cmd)

	assert.Equal(t, v1.CommandStatusError, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, v1.CodeTimeout, resp.Error.Code)

	recs := f.auditRecords(t, cmd.RequestID)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(50), recs[0].DurationMS, "audited duration is the configured bound")
}

func TestExecuteErrorClassification(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "unauthorized",
			err:      &connector.UnauthorizedError{Integration: "spore-db", Reason: "key rejected"},
			wantCode: v1.CodeUnauthorized,
		},
		{
			name:     "upstream",
			err:      &connector.UpstreamError{StatusCode: 502, Snippet: "bad gateway"},
			wantCode: v1.CodeUpstream,
		},
		{
			name:     "transient",
			err:      &connector.TransientError{Reason: "breaker open", RetryAfter: 2 * time.Second},
			wantCode: v1.CodeTransient,
		},
		{
			name:     "unsupported action",
			err:      fmt.Errorf("%w: purge", connector.ErrUnsupportedAction),
			wantCode: v1.CodeUnsupportedAction,
		},
		{
			name:     "opaque",
			err:      errors.New("wires crossed"),
			wantCode: v1.CodeInternal,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			f.conn.err = tc.err

			cmd := command("httpbin", "read")
			resp := f.router.Execute(context.Background(), cmd)

			assert.Equal(t, v1.CommandStatusError, resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.wantCode, resp.Error.Code)
			if tc.wantCode == v1.CodeTransient {
				assert.Equal(t, int64(2000), resp.Error.RetryAfterMS)
			}
			if tc.wantCode == v1.CodeInternal {
				assert.Equal(t, "internal dispatch failure", resp.Error.Message,
					"internal detail stays out of response bodies")
			}
			assert.True(t, resp.AuditLogged)
		})
	}
}
