// These tests depend on testing/synctest, which is only available in the
// standard library from Go 1.25 onward; older toolchains skip this file.
//go:build go1.25

package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/myconet/myconet/internal/bus"
)

func TestLoopFailureRoutesToHandleError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rt, _ := newTestRuntime(t)
		ag := newStubAgent("test-agent")
		rt.Bind(ag)

		auditor := &stubAuditor{}
		rt.SetAuditor(auditor)

		var calls atomic.Int32
		rt.SpawnLoop("flaky", func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return NewKindError(KindAPIError,
					map[string]any{"endpoint": "/observations"},
					errors.New("upstream returned 502"))
			}
			<-ctx.Done()
			return ctx.Err()
		})

		if err := rt.Start(context.Background()); err != nil {
			t.Fatalf("start failed: %v", err)
		}

		// First iteration fails, the loop backs off, then retries.
		synctest.Wait()
		time.Sleep(time.Second)
		synctest.Wait()

		kinds := ag.kinds()
		if len(kinds) != 1 || kinds[0] != KindAPIError {
			t.Fatalf("expected one api_error report, got %v", kinds)
		}

		auditor.mu.Lock()
		records := len(auditor.records)
		auditor.mu.Unlock()
		if records != 1 {
			t.Fatalf("expected 1 audit record, got %d", records)
		}

		if err := rt.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown failed: %v", err)
		}
	})
}

func TestLoopPanicRecovered(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rt, _ := newTestRuntime(t)
		ag := newStubAgent("test-agent")
		rt.Bind(ag)

		var calls atomic.Int32
		rt.SpawnLoop("panicky", func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				panic("index out of range")
			}
			<-ctx.Done()
			return ctx.Err()
		})

		if err := rt.Start(context.Background()); err != nil {
			t.Fatalf("start failed: %v", err)
		}

		synctest.Wait()
		time.Sleep(time.Second)
		synctest.Wait()

		kinds := ag.kinds()
		if len(kinds) != 1 || kinds[0] != KindUnknown {
			t.Fatalf("expected one unknown report from panic, got %v", kinds)
		}

		if err := rt.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown failed: %v", err)
		}
	})
}

func TestLoopUpdatesHeartbeat(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rt, _ := newTestRuntime(t)
		rt.Bind(newStubAgent("test-agent"))

		before := rt.LastHeartbeat()

		ticks := make(chan struct{}, 1)
		rt.SpawnLoop("ticker", func(ctx context.Context) error {
			select {
			case <-ticks:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

		if err := rt.Start(context.Background()); err != nil {
			t.Fatalf("start failed: %v", err)
		}

		time.Sleep(10 * time.Millisecond)
		ticks <- struct{}{}
		synctest.Wait()

		if !rt.LastHeartbeat().After(before) {
			t.Fatal("expected heartbeat to advance after a loop iteration")
		}

		if err := rt.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown failed: %v", err)
		}
	})
}

func TestShutdownDeadline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rt, _ := newTestRuntime(t)
		rt.Bind(newStubAgent("test-agent"))

		block := make(chan struct{})
		rt.SpawnLoop("stuck", func(ctx context.Context) error {
			<-block
			return nil
		})

		if err := rt.Start(context.Background()); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		synctest.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := rt.Shutdown(ctx); err == nil {
			t.Fatal("expected deadline error from shutdown")
		}
		if rt.Status() != StatusFailed {
			t.Fatalf("expected failed after missed deadline, got %s", rt.Status())
		}

		// Release the loop so it can observe the stop signal.
		close(block)
		synctest.Wait()
	})
}

func TestNotifyPayloadShape(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rt, _ := newTestRuntime(t)
		rt.Bind(newStubAgent("test-agent"))

		var mu sync.Mutex
		var got *bus.Message
		_, err := rt.Subscribe(bus.NotificationTopic("test-agent"), func(ctx context.Context, msg *bus.Message) error {
			mu.Lock()
			got = msg
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		rt.Notify("sample_analyzed", "sample-42", map[string]any{"confidence": 0.93})
		synctest.Wait()

		mu.Lock()
		defer mu.Unlock()
		if got == nil {
			t.Fatal("expected a notification message")
		}
		if got.Payload["type"] != "sample_analyzed" {
			t.Errorf("expected type sample_analyzed, got %v", got.Payload["type"])
		}
		if got.Payload["id"] != "sample-42" {
			t.Errorf("expected id sample-42, got %v", got.Payload["id"])
		}
		if ts, ok := got.Payload["timestamp"].(string); !ok || ts == "" {
			t.Errorf("expected a timestamp string, got %v", got.Payload["timestamp"])
		}
		if got.Payload["confidence"] != 0.93 {
			t.Errorf("expected extra field to pass through, got %v", got.Payload["confidence"])
		}
	})
}
