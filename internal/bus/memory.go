package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/common/ids"
	"github.com/myconet/myconet/internal/common/logger"
)

// DefaultQueueDepth is used when a subscriber passes depth <= 0.
const DefaultQueueDepth = 64

// MemoryBus implements Bus with in-process channels. Each subscription owns
// a bounded intake channel drained by a dedicated goroutine, so delivery
// order matches publish order per subscriber and a slow subscriber only
// backpressures its own queue.
type MemoryBus struct {
	subscriptions map[string][]*memorySubscription
	groups        map[string]*queueGroup
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription is one in-memory subscription with its delivery queue.
type memorySubscription struct {
	id      string
	bus     *MemoryBus
	topic   string
	pattern *regexp.Regexp
	handler Handler
	queue   string // group name, empty for plain subscriptions
	intake  chan *Message
	done    chan struct{}
	mu      sync.Mutex
	active  bool
}

// queueGroup load-balances deliveries across its members.
type queueGroup struct {
	members   []*memorySubscription
	nextIndex int
	mu        sync.Mutex
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		groups:        make(map[string]*queueGroup),
		logger:        log.WithFields(zap.String("component", "bus")),
	}
}

// ID identifies this subscription in overflow reports.
func (s *memorySubscription) ID() string {
	return s.id
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Pending returns the number of buffered, undelivered messages.
func (s *memorySubscription) Pending() int {
	return len(s.intake)
}

// Unsubscribe deactivates the subscription, drains buffered messages, and
// waits for the in-flight handler to finish.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	s.bus.remove(s)
	close(s.intake)
	<-s.done
	return nil
}

// deliverLoop drains the intake queue until it is closed and empty.
func (s *memorySubscription) deliverLoop() {
	defer close(s.done)
	for msg := range s.intake {
		if err := s.handler(context.Background(), msg); err != nil {
			s.bus.logger.Error("Message handler error",
				zap.String("topic", msg.Topic),
				zap.String("subscription_id", s.id),
				zap.Error(err))
		}
	}
}

// remove detaches the subscription from the bus maps.
func (b *MemoryBus) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscriptions[s.topic]; ok {
		for i, sub := range subs {
			if sub == s {
				b.subscriptions[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	if s.queue != "" {
		groupKey := s.queue + ":" + s.topic
		if qg, ok := b.groups[groupKey]; ok {
			qg.mu.Lock()
			for i, sub := range qg.members {
				if sub == s {
					qg.members = append(qg.members[:i], qg.members[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
}

// Publish delivers msg to every matching subscription. Full subscriber
// queues are reported via *OverflowError; other subscribers still receive
// the message.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("nil message on %s", topic)
	}
	if msg.ID == "" {
		msg.ID = ids.New()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Topic = topic

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	var congested []string
	deliveredGroups := make(map[string]bool)

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !b.matches(topic, pattern, sub.pattern) {
				continue
			}

			// Queue group: one delivery per group per message
			if sub.queue != "" {
				groupKey := sub.queue + ":" + pattern
				if !deliveredGroups[groupKey] {
					deliveredGroups[groupKey] = true
					if !b.deliverToGroup(groupKey, msg) {
						congested = append(congested, groupKey)
					}
				}
				continue
			}

			if !sub.offer(msg) {
				congested = append(congested, sub.id)
			}
		}
	}

	b.logger.Debug("Published message",
		zap.String("topic", topic),
		zap.String("message_id", msg.ID))

	if len(congested) > 0 {
		return &OverflowError{Topic: topic, Subscriptions: congested}
	}
	return nil
}

// offer attempts a non-blocking enqueue. Returns false when the queue is
// full or the subscription is no longer active.
func (s *memorySubscription) offer(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		// Closed subscriptions are skipped, not reported as congestion
		return true
	}

	select {
	case s.intake <- msg:
		return true
	default:
		return false
	}
}

// deliverToGroup hands the message to one active member, starting at the
// round-robin cursor and skipping members whose queues are full. Returns
// false only when every member's queue was full.
func (b *MemoryBus) deliverToGroup(groupKey string, msg *Message) bool {
	qg, ok := b.groups[groupKey]
	if !ok {
		return true
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	n := len(qg.members)
	if n == 0 {
		return true
	}

	for i := 0; i < n; i++ {
		idx := (qg.nextIndex + i) % n
		if qg.members[idx].offer(msg) {
			qg.nextIndex = (idx + 1) % n
			return true
		}
	}
	return false
}

// Subscribe creates a subscription with a bounded delivery queue.
func (b *MemoryBus) Subscribe(topic string, depth int, handler Handler) (Subscription, error) {
	return b.subscribe(topic, "", depth, handler)
}

// QueueSubscribe creates a group subscription; each message goes to one
// member of the named group.
func (b *MemoryBus) QueueSubscribe(topic, queue string, depth int, handler Handler) (Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue group name is required")
	}
	return b.subscribe(topic, queue, depth, handler)
}

func (b *MemoryBus) subscribe(topic, queue string, depth int, handler Handler) (Subscription, error) {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		id:      ids.New(),
		bus:     b,
		topic:   topic,
		pattern: compilePattern(topic),
		handler: handler,
		queue:   queue,
		intake:  make(chan *Message, depth),
		done:    make(chan struct{}),
		active:  true,
	}
	go sub.deliverLoop()

	b.subscriptions[topic] = append(b.subscriptions[topic], sub)

	if queue != "" {
		groupKey := queue + ":" + topic
		if _, ok := b.groups[groupKey]; !ok {
			b.groups[groupKey] = &queueGroup{}
		}
		b.groups[groupKey].members = append(b.groups[groupKey].members, sub)
	}

	b.logger.Debug("Subscribed to topic",
		zap.String("topic", topic),
		zap.String("queue", queue),
		zap.Int("depth", depth))
	return sub, nil
}

// Request publishes msg and waits for a reply on a private inbox topic. The
// responder publishes its reply to the topic carried in payload["_reply"].
func (b *MemoryBus) Request(ctx context.Context, topic string, msg *Message, timeout time.Duration) (*Message, error) {
	if msg == nil {
		msg = NewMessage(topic, map[string]any{})
	}
	if msg.ID == "" {
		msg.ID = ids.New()
	}
	replyTopic := "_INBOX." + msg.ID

	responseChan := make(chan *Message, 1)
	sub, err := b.Subscribe(replyTopic, 1, func(ctx context.Context, m *Message) error {
		select {
		case responseChan <- m:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}
	msg.Payload["_reply"] = replyTopic

	if err := b.Publish(ctx, topic, msg); err != nil && !IsOverflow(err) {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case response := <-responseChan:
		return response, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close shuts down the bus. All subscriptions are drained and their
// delivery loops waited on.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	var all []*memorySubscription
	for _, subs := range b.subscriptions {
		all = append(all, subs...)
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.groups = make(map[string]*queueGroup)
	b.mu.Unlock()

	for _, sub := range all {
		sub.mu.Lock()
		wasActive := sub.active
		sub.active = false
		sub.mu.Unlock()

		if wasActive {
			close(sub.intake)
			<-sub.done
		}
	}

	b.logger.Info("Memory bus closed")
}

// IsConnected returns true while the bus accepts traffic.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a topic matches a pattern.
// Supports NATS-style wildcards: * (single token) and > (multiple tokens).
func (b *MemoryBus) matches(topic, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return topic == pattern
	}

	if regex != nil {
		return regex.MatchString(topic)
	}

	return false
}

// compilePattern converts a NATS-style pattern to a regex.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)

	// QuoteMeta escapes * but leaves > untouched
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`) // single token
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)     // remaining tokens

	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}

	return regex
}
