// Package bus provides in-process and NATS-backed message bus
// implementations with bounded per-subscriber delivery queues.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusClosed is returned when publishing or subscribing on a closed bus.
	ErrBusClosed = errors.New("message bus is closed")
)

// OverflowError reports the subscriptions whose delivery queues were full at
// publish time. Delivery to all other matching subscribers still happened;
// the publisher decides whether to retry, drop, or slow down.
type OverflowError struct {
	Topic         string
	Subscriptions []string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("subscriber queue overflow on %s: %s", e.Topic, strings.Join(e.Subscriptions, ", "))
}

// Message is a single bus message.
type Message struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewMessage creates a message with a fresh ID and the current timestamp.
func NewMessage(topic string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Handler processes one delivered message. Handlers on the same subscription
// are invoked sequentially in publish order.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is an active subscription.
type Subscription interface {
	// ID identifies this subscription in overflow reports.
	ID() string

	// Unsubscribe stops delivery, drains buffered messages, and waits for
	// the in-flight handler call to finish. Must not be called from the
	// subscription's own handler.
	Unsubscribe() error

	// IsValid reports whether the subscription still receives messages.
	IsValid() bool

	// Pending returns the number of buffered, undelivered messages.
	Pending() int
}

// Bus is the message bus contract. Topics are dot-separated strings;
// subscription patterns support NATS-style wildcards: * matches one token,
// > matches the rest.
type Bus interface {
	// Publish delivers msg to every matching subscription. A full
	// subscriber queue yields an *OverflowError naming that subscriber;
	// other subscribers are unaffected.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler with a bounded delivery queue of the
	// given depth.
	Subscribe(topic string, depth int, handler Handler) (Subscription, error)

	// QueueSubscribe registers a handler in a named group; each message is
	// delivered to one member of the group.
	QueueSubscribe(topic, queue string, depth int, handler Handler) (Subscription, error)

	// Request publishes msg and waits for a reply on an inbox topic.
	Request(ctx context.Context, topic string, msg *Message, timeout time.Duration) (*Message, error)

	// Close shuts the bus down and releases all subscriptions.
	Close()

	// IsConnected reports whether the bus can accept traffic.
	IsConnected() bool
}

// IsOverflow reports whether err is (or wraps) an OverflowError.
func IsOverflow(err error) bool {
	var oe *OverflowError
	return errors.As(err, &oe)
}
