package router

import (
	"context"
	"fmt"

	v1 "github.com/myconet/myconet/pkg/api/v1"

	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/fabric/connector"
	"github.com/myconet/myconet/internal/fabric/registry"
	"github.com/myconet/myconet/internal/store"
)

// BusHandler serves the native "bus" category: commands republish
// their params as bus messages, so in-process integrations are driven
// through the same audited pipeline as external ones.
type BusHandler struct {
	bus bus.Bus
}

// NewBusHandler creates the native bus-category handler.
func NewBusHandler(b bus.Bus) *BusHandler {
	return &BusHandler{bus: b}
}

// Category returns the catalog category this handler serves.
func (h *BusHandler) Category() string {
	return registry.CategoryBus
}

// Invoke publishes params.payload on params.topic.
func (h *BusHandler) Invoke(ctx context.Context, spec *registry.IntegrationSpec, cmd v1.Command) (map[string]any, error) {
	topic, _ := cmd.Params["topic"].(string)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic", ErrMissingParam)
	}

	payload, _ := cmd.Params["payload"].(map[string]any)
	msg := bus.NewMessage(topic, payload)
	msg.CorrelationID = cmd.CorrelationID

	if err := h.bus.Publish(ctx, topic, msg); err != nil {
		return nil, err
	}

	return map[string]any{
		"published":  true,
		"topic":      topic,
		"message_id": msg.ID,
	}, nil
}

// StoreHandler serves the native "store" category over a
// fabric-owned document store.
type StoreHandler struct {
	docs *store.DocumentStore
}

// NewStoreHandler creates the native store-category handler.
func NewStoreHandler(docs *store.DocumentStore) *StoreHandler {
	return &StoreHandler{docs: docs}
}

// Category returns the catalog category this handler serves.
func (h *StoreHandler) Category() string {
	return registry.CategoryStore
}

// Invoke maps fabric actions onto document-store operations. A read
// without an id lists document ids.
func (h *StoreHandler) Invoke(ctx context.Context, spec *registry.IntegrationSpec, cmd v1.Command) (map[string]any, error) {
	id, _ := cmd.Params["id"].(string)

	switch cmd.Action {
	case "read":
		if id == "" {
			docIDs, err := h.docs.List()
			if err != nil {
				return nil, err
			}
			return map[string]any{"ids": docIDs, "count": len(docIDs)}, nil
		}
		var doc any
		if err := h.docs.Get(id, &doc); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "document": doc}, nil

	case "create", "update":
		if id == "" {
			return nil, fmt.Errorf("%w: id", ErrMissingParam)
		}
		doc, ok := cmd.Params["document"]
		if !ok || doc == nil {
			return nil, fmt.Errorf("%w: document", ErrMissingParam)
		}
		if err := h.docs.Put(id, doc); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "stored": true}, nil

	case "delete":
		if id == "" {
			return nil, fmt.Errorf("%w: id", ErrMissingParam)
		}
		if err := h.docs.Delete(id); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "deleted": true}, nil

	default:
		return nil, fmt.Errorf("%w: %s", connector.ErrUnsupportedAction, cmd.Action)
	}
}
