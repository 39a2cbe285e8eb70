// Package websocket streams bus notifications and critical events to
// connected dashboard clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/common/logger"
)

// Frame types pushed to clients.
const (
	FrameNotification  = "notification"
	FrameCriticalEvent = "critical_event"
)

// StreamFrame is one outbound message on the notification stream.
type StreamFrame struct {
	Type          string         `json:"type"`
	Topic         string         `json:"topic"`
	MessageID     string         `json:"message_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload"`
}

// Hub manages WebSocket client connections and fans bus traffic out to
// them. A client that cannot keep up with the stream is disconnected.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *StreamFrame

	bus  bus.Bus
	subs []bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates the gateway hub.
func NewHub(b bus.Bus, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *StreamFrame, 256),
		bus:        b,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Bridge subscribes the hub to the notification and critical-event
// topics. Call before Run.
func (h *Hub) Bridge() error {
	topics := map[string]string{
		bus.TopicNotificationAll: FrameNotification,
		bus.TopicEventCritical:   FrameCriticalEvent,
	}
	for topic, frameType := range topics {
		ft := frameType
		sub, err := h.bus.Subscribe(topic, 256, func(ctx context.Context, msg *bus.Message) error {
			h.offer(&StreamFrame{
				Type:          ft,
				Topic:         msg.Topic,
				MessageID:     msg.ID,
				CorrelationID: msg.CorrelationID,
				Timestamp:     msg.Timestamp,
				Payload:       msg.Payload,
			})
			return nil
		})
		if err != nil {
			h.Unbridge()
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Unbridge drops the bus subscriptions. Safe to call more than once.
func (h *Hub) Unbridge() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil
}

// offer enqueues a frame without blocking the bus delivery goroutine.
// When the hub itself is congested the frame is dropped; per-client
// congestion is handled in broadcastFrame.
func (h *Hub) offer(frame *StreamFrame) {
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("Broadcast queue full, dropping frame",
			zap.String("topic", frame.Topic))
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.broadcast:
			h.broadcastFrame(frame)
		}
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// removeClient removes a client from the hub.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastFrame sends a frame to every client. A client whose send
// buffer is full is dropped on the spot: a stalled dashboard must not
// hold the stream for everyone else.
func (h *Hub) broadcastFrame(frame *StreamFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("Failed to marshal stream frame", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("Client too slow, disconnecting",
				zap.String("client_id", client.ID))
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast pushes a frame to all connected clients.
func (h *Hub) Broadcast(frame *StreamFrame) {
	h.offer(frame)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
