package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/common/config"
	"github.com/myconet/myconet/internal/common/logger"
)

// NATSBus implements Bus over a NATS connection for multi-process
// deployments. Bounded delivery maps to per-subscription pending limits;
// drops surface through the slow-consumer error handler rather than as
// publisher-side overflow errors.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.BusConfig
}

// NewNATSBus connects to NATS with reconnection logic.
func NewNATSBus(cfg config.BusConfig, log *logger.Logger) (*NATSBus, error) {
	bus := &NATSBus{
		logger: log.WithFields(zap.String("component", "bus")),
		config: cfg,
	}

	opts := []nats.Option{
		nats.Name("myconet"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				bus.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			bus.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				bus.logger.Error("NATS connection closed", zap.Error(err))
			} else {
				bus.logger.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("topic", sub.Subject))
			}
			bus.logger.Error("NATS error", fields...)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus.conn = conn
	bus.logger.Info("Connected to NATS", zap.String("url", cfg.URL))

	return bus, nil
}

// Publish sends a message to a topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, msg *Message) error {
	if msg.ID == "" {
		msg.ID = NewMessage(topic, nil).ID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Topic = topic

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := b.conn.Publish(topic, data); err != nil {
		b.logger.Error("Failed to publish message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	b.logger.Debug("Published message",
		zap.String("topic", topic),
		zap.String("message_id", msg.ID),
	)

	return nil
}

// Subscribe creates a subscription with a bounded pending queue.
func (b *NATSBus) Subscribe(topic string, depth int, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(topic, b.createMsgHandler(topic, handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	applyPendingLimit(sub, depth)

	b.logger.Debug("Subscribed to topic", zap.String("topic", topic))
	return &natsSubscription{id: topic, sub: sub}, nil
}

// QueueSubscribe creates a group subscription for load balancing.
func (b *NATSBus) QueueSubscribe(topic, queue string, depth int, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(topic, queue, b.createMsgHandler(topic, handler))
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", topic, err)
	}
	applyPendingLimit(sub, depth)

	b.logger.Debug("Queue subscribed to topic",
		zap.String("topic", topic),
		zap.String("queue", queue),
	)
	return &natsSubscription{id: queue + ":" + topic, sub: sub}, nil
}

func applyPendingLimit(sub *nats.Subscription, depth int) {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	// Bytes are unlimited; the message count is the bound that matters here
	_ = sub.SetPendingLimits(depth, -1)
}

// createMsgHandler adapts a bus Handler to a NATS message callback.
func (b *NATSBus) createMsgHandler(topic string, handler Handler) nats.MsgHandler {
	return func(natsMsg *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			b.logger.Error("Failed to unmarshal message",
				zap.String("topic", natsMsg.Subject),
				zap.Error(err),
			)
			return
		}

		if natsMsg.Reply != "" {
			if msg.Payload == nil {
				msg.Payload = make(map[string]any)
			}
			msg.Payload["_reply"] = natsMsg.Reply
		}

		if err := handler(context.Background(), &msg); err != nil {
			b.logger.Error("Message handler failed",
				zap.String("topic", natsMsg.Subject),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
}

// Request sends a request and waits for a response (with timeout).
func (b *NATSBus) Request(ctx context.Context, topic string, msg *Message, timeout time.Duration) (*Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request message: %w", err)
	}

	natsMsg, err := b.conn.Request(topic, data, timeout)
	if err != nil {
		b.logger.Error("Request failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return nil, fmt.Errorf("request to %s failed: %w", topic, err)
	}

	var response Message
	if err := json.Unmarshal(natsMsg.Data, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &response, nil
}

// Close drains the NATS connection gracefully.
func (b *NATSBus) Close() {
	if b.conn != nil {
		// Drain processes pending messages before closing
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("Error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}

// natsSubscription wraps a NATS subscription.
type natsSubscription struct {
	id  string
	sub *nats.Subscription
}

func (s *natsSubscription) ID() string {
	return s.id
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Drain()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}

func (s *natsSubscription) Pending() int {
	n, _, err := s.sub.Pending()
	if err != nil {
		return 0
	}
	return n
}
