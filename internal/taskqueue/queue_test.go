package taskqueue

import (
	"context"
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	q := New("analysis", 10)
	if q == nil {
		t.Fatal("New returned nil")
	}
	if q.Name() != "analysis" {
		t.Errorf("expected name analysis, got %s", q.Name())
	}
	if q.Cap() != 10 {
		t.Errorf("expected capacity 10, got %d", q.Cap())
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
}

func TestEnqueueDequeue(t *testing.T) {
	q := New("analysis", 10)
	task := NewTask("analyze_sample", map[string]any{"sample_id": "s1"})

	if err := q.Enqueue(task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected Len() = 1, got %d", q.Len())
	}

	got, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("expected task %s, got %s", task.ID, got.ID)
	}
	if got.EnqueuedAt.IsZero() {
		t.Error("expected EnqueuedAt to be stamped")
	}
	q.MarkDone()

	if q.Processed() != 1 {
		t.Errorf("expected 1 processed task, got %d", q.Processed())
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	q := New("import", 3)

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(NewTask("import_batch", nil)); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	err := q.Enqueue(NewTask("import_batch", nil))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestFIFOOrdering(t *testing.T) {
	q := New("export", 10)

	kinds := []string{"a", "b", "c", "d", "e"}
	for _, k := range kinds {
		if err := q.Enqueue(NewTask(k, nil)); err != nil {
			t.Fatalf("Enqueue %s failed: %v", k, err)
		}
	}

	for _, want := range kinds {
		task, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if task.Kind != want {
			t.Errorf("expected kind %s, got %s", want, task.Kind)
		}
		q.MarkDone()
	}
}

func TestInFlightInvariant(t *testing.T) {
	q := New("staking", 10)
	_ = q.Enqueue(NewTask("stake", nil))
	_ = q.Enqueue(NewTask("stake", nil))

	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	// Second dequeue before MarkDone violates the single in-flight rule
	_, err := q.Dequeue(context.Background())
	if !errors.Is(err, ErrTaskInFlight) {
		t.Errorf("expected ErrTaskInFlight, got %v", err)
	}

	q.MarkDone()
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Errorf("Dequeue after MarkDone failed: %v", err)
	}
}

func TestDrain(t *testing.T) {
	q := New("reward", 10)
	_ = q.Enqueue(NewTask("reward_cycle", nil))
	_ = q.Enqueue(NewTask("reward_cycle", nil))

	q.Drain()

	if !q.Draining() {
		t.Error("expected Draining() after Drain")
	}

	// Enqueue fails once draining
	if err := q.Enqueue(NewTask("reward_cycle", nil)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}

	// Existing items still dequeue
	for i := 0; i < 2; i++ {
		if _, err := q.Dequeue(context.Background()); err != nil {
			t.Fatalf("Dequeue %d after drain failed: %v", i, err)
		}
		q.MarkDone()
	}

	// Fully drained queue reports closed
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed on drained queue, got %v", err)
	}
}

func TestDrainIdempotent(t *testing.T) {
	q := New("distribution", 4)
	q.Drain()
	q.Drain()

	if err := q.Enqueue(NewTask("distribute", nil)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

func TestRequeue(t *testing.T) {
	q := New("notification", 10)
	_ = q.Enqueue(NewTask("notify", map[string]any{"target": "ops"}))

	task, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	if err := q.Requeue(task); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	again, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue after requeue failed: %v", err)
	}
	if again.ID != task.ID {
		t.Errorf("expected requeued task %s, got %s", task.ID, again.ID)
	}
	if again.Attempt != task.Attempt+1 {
		t.Errorf("expected attempt %d, got %d", task.Attempt+1, again.Attempt)
	}
}

func TestDequeueContextCancelled(t *testing.T) {
	q := New("analysis", 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
