// Package taskqueue provides the bounded FIFO work queues owned by agents.
// Each queue feeds a single consumer; producers get an immediate error when
// the queue is full or draining and decide for themselves whether to drop,
// retry, or requeue.
package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")
	// ErrQueueClosed is returned when enqueueing on a draining queue, and
	// by Dequeue once a draining queue is empty.
	ErrQueueClosed = errors.New("task queue is closed")
	// ErrTaskInFlight is returned when Dequeue is called before the
	// previous task was marked done.
	ErrTaskInFlight = errors.New("previous task still in flight")
)

// Task is a unit of queued work. Tasks are plain values; the queue applies
// no retry policy of its own.
type Task struct {
	ID         string
	Kind       string
	Payload    map[string]any
	EnqueuedAt time.Time
	Attempt    int
}

// NewTask creates a task with a fresh ID.
func NewTask(kind string, payload map[string]any) Task {
	return Task{
		ID:      uuid.NewString(),
		Kind:    kind,
		Payload: payload,
	}
}

// Queue is a bounded FIFO queue with a single consumer. Dequeue marks the
// returned task in flight; the consumer must call MarkDone (or Requeue)
// before the next Dequeue.
type Queue struct {
	name     string
	capacity int
	items    chan Task

	mu        sync.Mutex
	closed    bool
	inflight  bool
	processed uint64
}

// New creates a queue with the given name and capacity. Capacity must be
// at least 1.
func New(name string, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		name:     name,
		capacity: capacity,
		items:    make(chan Task, capacity),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.capacity }

// Len returns the number of queued (not in-flight) tasks.
func (q *Queue) Len() int { return len(q.items) }

// Processed returns the number of tasks marked done so far.
func (q *Queue) Processed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processed
}

// Draining reports whether the queue has been drained.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Enqueue appends a task. Returns ErrQueueFull at capacity and
// ErrQueueClosed after Drain.
func (q *Queue) Enqueue(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	select {
	case q.items <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until a task is available, the queue is drained empty, or
// ctx is done. The returned task is marked in flight.
func (q *Queue) Dequeue(ctx context.Context) (Task, error) {
	q.mu.Lock()
	if q.inflight {
		q.mu.Unlock()
		return Task{}, ErrTaskInFlight
	}
	q.mu.Unlock()

	select {
	case task, ok := <-q.items:
		if !ok {
			return Task{}, ErrQueueClosed
		}
		q.mu.Lock()
		q.inflight = true
		q.mu.Unlock()
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// MarkDone clears the in-flight flag after the consumer finished a task.
func (q *Queue) MarkDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight {
		q.inflight = false
		q.processed++
	}
}

// Requeue clears the in-flight flag and appends the task at the tail with
// an incremented attempt counter. Subject to the same capacity and drain
// rules as Enqueue.
func (q *Queue) Requeue(task Task) error {
	q.mu.Lock()
	q.inflight = false
	q.mu.Unlock()

	task.Attempt++
	return q.Enqueue(task)
}

// Drain stops further enqueues. Already-queued tasks remain dequeueable;
// once the queue is empty, Dequeue returns ErrQueueClosed. Idempotent.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}
