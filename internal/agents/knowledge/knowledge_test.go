package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/common/logger"
)

func newTestAgent(t *testing.T) (*Agent, *agent.Runtime, *bus.MemoryBus) {
	t.Helper()

	log := logger.Default()
	b := bus.NewMemoryBus(log)
	t.Cleanup(b.Close)

	desc := agent.Descriptor{ID: "knowledge_graph", Name: "Knowledge", Kind: Kind}
	rt, err := agent.NewRuntime(desc, b, log, t.TempDir(), agent.RuntimeConfig{
		LoopRestartBackoff: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	a := New(desc)
	rt.Bind(a)
	require.NoError(t, a.Initialize(context.Background(), rt))
	return a, rt, b
}

func startAgent(t *testing.T, a *Agent, rt *agent.Runtime) {
	t.Helper()
	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.BeginDrain()
		_ = rt.Shutdown(ctx)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func notify(t *testing.T, b *bus.MemoryBus, agentID string, payload map[string]any) {
	t.Helper()
	topic := bus.NotificationTopic(agentID)
	require.NoError(t, b.Publish(context.Background(), topic, bus.NewMessage(topic, payload)))
}

func TestLinkAndQuery(t *testing.T) {
	a, _, _ := newTestAgent(t)
	ctx := context.Background()

	_, err := a.Handle(ctx, "link", map[string]any{
		"from": "spore-db", "to": "rec_izote", "relation": "stores",
	})
	require.NoError(t, err)
	_, err = a.Handle(ctx, "link", map[string]any{
		"from": "spore-db", "to": "rec_izote", "relation": "stores",
	})
	require.NoError(t, err)
	_, err = a.Handle(ctx, "link", map[string]any{
		"from": "field-reports", "to": "rec_izote", "relation": "mentions",
	})
	require.NoError(t, err)

	out, err := a.Handle(ctx, "query_links", map[string]any{"node": "rec_izote"})
	require.NoError(t, err)
	assert.Equal(t, 2, out["count"])

	out, err = a.Handle(ctx, "query_links", map[string]any{"node": "rec_izote", "relation": "stores"})
	require.NoError(t, err)
	links := out["links"].([]*Edge)
	require.Len(t, links, 1)
	assert.Equal(t, "spore-db", links[0].From)
	assert.Equal(t, 2, links[0].SeenCount)

	out, err = a.Handle(ctx, "get_node", map[string]any{"id": "rec_izote"})
	require.NoError(t, err)
	node := out["node"].(*Node)
	assert.Equal(t, "record", node.Kind)
	assert.Equal(t, 2, out["degree"])

	_, err = a.Handle(ctx, "link", map[string]any{"from": "a", "to": "b"})
	assert.ErrorIs(t, err, ErrMissingParam)

	_, err = a.Handle(ctx, "get_node", map[string]any{"id": "rec_unseen"})
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestIndexesForeignNotifications(t *testing.T) {
	a, rt, b := newTestAgent(t)
	startAgent(t, a, rt)
	ctx := context.Background()

	payload := map[string]any{
		"type":      "culture_created",
		"id":        "rec_77",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"species":   "Pleurotus ostreatus",
	}
	notify(t, b, "mycology_bio", payload)

	waitFor(t, "notification to be indexed", func() bool {
		_, err := a.Handle(ctx, "get_node", map[string]any{"id": "rec_77"})
		return err == nil
	})

	out, err := a.Handle(ctx, "get_node", map[string]any{"id": "agent.mycology_bio"})
	require.NoError(t, err)
	assert.Equal(t, NodeAgent, out["node"].(*Node).Kind)

	out, err = a.Handle(ctx, "query_links", map[string]any{"node": "rec_77"})
	require.NoError(t, err)
	links := out["links"].([]*Edge)
	require.Len(t, links, 1)
	assert.Equal(t, "agent.mycology_bio", links[0].From)
	assert.Equal(t, "culture_created", links[0].Relation)

	// The same change seen again deepens the edge instead of duplicating it.
	notify(t, b, "mycology_bio", payload)
	waitFor(t, "edge seen count", func() bool {
		out, err := a.Handle(ctx, "query_links", map[string]any{"node": "rec_77"})
		if err != nil {
			return false
		}
		links := out["links"].([]*Edge)
		return len(links) == 1 && links[0].SeenCount == 2
	})
}

func TestOwnNotificationsNotIndexed(t *testing.T) {
	a, rt, b := newTestAgent(t)
	startAgent(t, a, rt)
	ctx := context.Background()

	// link emits link_created on our own topic; the indexer must not
	// loop on it.
	_, err := a.Handle(ctx, "link", map[string]any{
		"from": "spore-db", "to": "rec_izote", "relation": "stores",
	})
	require.NoError(t, err)

	// Index a later foreign notification as an ordering fence.
	notify(t, b, "dao_treasury", map[string]any{"type": "pool_created", "id": "pool_9"})
	waitFor(t, "fence notification", func() bool {
		_, err := a.Handle(ctx, "get_node", map[string]any{"id": "pool_9"})
		return err == nil
	})

	_, err = a.Handle(ctx, "get_node", map[string]any{"id": "agent.knowledge_graph"})
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestMalformedNotificationsIgnored(t *testing.T) {
	a, rt, b := newTestAgent(t)
	startAgent(t, a, rt)
	ctx := context.Background()

	notify(t, b, "mycology_bio", map[string]any{"note": "no type or id"})
	notify(t, b, "dao_treasury", map[string]any{"type": "pool_created", "id": "pool_ok"})

	waitFor(t, "well-formed notification", func() bool {
		_, err := a.Handle(ctx, "get_node", map[string]any{"id": "pool_ok"})
		return err == nil
	})

	out, err := a.Handle(ctx, "query_links", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])
}

func TestHandleErrorAlwaysUnhandled(t *testing.T) {
	a, _, _ := newTestAgent(t)

	for _, kind := range []string{agent.KindResourceError, agent.KindAPIError, "custom"} {
		outcome := a.HandleError(context.Background(), kind, nil)
		assert.False(t, outcome.Success)
		assert.Equal(t, "none", outcome.Action)
	}
}
