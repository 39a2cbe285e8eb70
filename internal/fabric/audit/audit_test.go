package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/common/logger"
	"github.com/myconet/myconet/internal/db"
	"github.com/myconet/myconet/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func setupAudit(t *testing.T) (*Logger, *bus.MemoryBus, string) {
	t.Helper()
	log := newTestLogger(t)

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	auditStore, err := store.NewAuditStore(pool)
	require.NoError(t, err)

	jsonlPath := filepath.Join(t.TempDir(), "audit.jsonl")
	file, err := store.NewJSONLWriter(jsonlPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = file.Close() })

	b := bus.NewMemoryBus(log)
	t.Cleanup(func() { b.Close() })

	return NewLogger(auditStore, file, b, log), b, jsonlPath
}

func readJSONLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var obj map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &obj))
		lines = append(lines, obj)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestHashDeterministic(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": true, "x": "v"}}
	b := map[string]any{"nested": map[string]any{"x": "v", "y": true}, "a": 1, "b": 2}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "key order must not affect the hash")
	assert.Len(t, ha, 64)

	hc, err := Hash(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestHashNil(t *testing.T) {
	h1, err := Hash(nil)
	require.NoError(t, err)
	h2, err := Hash(nil)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.NotEmpty(t, h1)
}

func TestRecordWritesBothSinks(t *testing.T) {
	l, _, jsonlPath := setupAudit(t)
	ctx := context.Background()

	rec, err := l.Record(ctx, Entry{
		RequestID:   "r1",
		Actor:       "morgan",
		Integration: "httpbin",
		Action:      "read",
		Category:    "custom",
		Params:      map[string]any{"endpoint": "/get"},
		Response:    map[string]any{"http_status": 200},
		Status:      StatusOK,
		DurationMS:  42,
		Risk:        "read_only",
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	assert.NotEmpty(t, rec.ParamsHash)
	assert.NotEmpty(t, rec.ResponseHash)
	assert.NotEqual(t, rec.ParamsHash, rec.ResponseHash)

	// Relational sink.
	got, err := l.Query(ctx, store.AuditFilter{Actor: "morgan"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RequestID)
	assert.Equal(t, StatusOK, got[0].Status)

	// File sink.
	lines := readJSONLines(t, jsonlPath)
	require.Len(t, lines, 1)
	assert.Equal(t, rec.ID, lines[0]["id"])
	assert.Equal(t, rec.ParamsHash, lines[0]["params_hash"])
	assert.Equal(t, "morgan", lines[0]["actor"])
}

func TestRecordFileDivergenceNotifies(t *testing.T) {
	l, b, _ := setupAudit(t)
	ctx := context.Background()

	var mu sync.Mutex
	var divergences []*bus.Message
	_, err := b.Subscribe(DivergenceTopic, 8, func(ctx context.Context, msg *bus.Message) error {
		mu.Lock()
		divergences = append(divergences, msg)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	// Break the file sink; the database write must still commit.
	require.NoError(t, l.file.Close())

	rec, err := l.Record(ctx, Entry{
		RequestID:   "r2",
		Actor:       "morgan",
		Integration: "httpbin",
		Action:      "read",
		Status:      StatusError,
	})
	require.NoError(t, err, "database write is authoritative")

	got, err := l.Query(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(divergences) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "audit_file_divergence", divergences[0].Payload["type"])
	assert.Equal(t, rec.ID, divergences[0].Payload["id"])
}

func TestRecordErrorOutcome(t *testing.T) {
	l, _, _ := setupAudit(t)
	ctx := context.Background()

	l.RecordErrorOutcome(ctx, "dao_treasury", agent.KindTransactionError,
		map[string]any{"tx": "t-9"},
		agent.ErrorOutcome{Success: true, Action: "rolled_back", Subject: "t-9"})

	got, err := l.Query(ctx, store.AuditFilter{ActorPrefix: "system:"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "system:dao_treasury", got[0].Actor)
	assert.Equal(t, "agent.dao_treasury", got[0].Integration)
	assert.Equal(t, agent.KindTransactionError, got[0].Action)
	assert.Equal(t, StatusOK, got[0].Status)
}

func TestQueryByStatus(t *testing.T) {
	l, _, _ := setupAudit(t)
	ctx := context.Background()

	for _, status := range []string{StatusOK, StatusDenied, StatusOK} {
		_, err := l.Record(ctx, Entry{
			RequestID:   "r",
			Actor:       "morgan",
			Integration: "httpbin",
			Action:      "read",
			Status:      status,
		})
		require.NoError(t, err)
	}

	denied, err := l.Query(ctx, store.AuditFilter{Status: StatusDenied})
	require.NoError(t, err)
	assert.Len(t, denied, 1)

	counts, err := l.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[StatusOK])
	assert.Equal(t, int64(1), counts[StatusDenied])
}
