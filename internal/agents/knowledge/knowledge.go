// Package knowledge implements the agent maintaining the cooperative's
// knowledge graph. It subscribes to every notification topic and indexes
// observable state changes as nodes and edges, so members can ask "what
// touched this record" without querying each owning agent.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/store"
)

// Kind identifies this agent type in descriptors.
const Kind = "knowledge"

// QueueNotification feeds the indexer loop.
const QueueNotification = "notification"

// Node kinds. Entity nodes inferred from id prefixes get a concrete
// kind; everything else is "entity".
const (
	NodeAgent  = "agent"
	NodeEntity = "entity"
)

const (
	nodeDocPrefix = "node_"
	edgeDocPrefix = "edge_"
)

// defaultQueryLimit caps query_links responses unless the caller asks
// for less.
const defaultQueryLimit = 50

var (
	// ErrMissingParam marks an operation call lacking a required field.
	ErrMissingParam = errors.New("missing required parameter")
	// ErrNodeNotFound is returned for unknown node keys.
	ErrNodeNotFound = errors.New("node not found")
)

// Node is one graph vertex. Key is the raw identifier as it appeared on
// the bus ("agent.mycology_bio", "rec_41f2...").
type Node struct {
	Key       string    `json:"key"`
	Label     string    `json:"label"`
	Kind      string    `json:"kind"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	SeenCount int       `json:"seen_count"`
}

// Edge is one directed relation between two nodes. Repeated sightings of
// the same (from, relation, to) triple bump SeenCount instead of adding
// parallel edges.
type Edge struct {
	Key       string    `json:"key"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Relation  string    `json:"relation"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	SeenCount int       `json:"seen_count"`
}

// Config tunes the indexer pipeline.
type Config struct {
	NotificationCapacity int
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{NotificationCapacity: 128}
}

func configFromDescriptor(desc agent.Descriptor) Config {
	def := DefaultConfig()
	return Config{
		NotificationCapacity: agent.ConfigInt(desc.Config, "notification_capacity", def.NotificationCapacity),
	}
}

// Agent owns the knowledge graph.
type Agent struct {
	*agent.Core
	cfg Config

	// mu serializes read-modify-write cycles on the document store
	// between operations and the indexer loop.
	mu sync.Mutex
}

// New creates the agent for the given descriptor.
func New(desc agent.Descriptor) *Agent {
	return &Agent{
		Core: agent.NewCore(desc),
		cfg:  configFromDescriptor(desc),
	}
}

// Factory builds the agent for the orchestrator.
func Factory(desc agent.Descriptor) (agent.Agent, error) {
	return New(desc), nil
}

// Initialize registers the queue, operations, the bus subscription, and
// the indexer loop. Idempotent.
func (a *Agent) Initialize(ctx context.Context, rt *agent.Runtime) error {
	if a.Initialized() {
		return nil
	}
	a.AttachRuntime(rt)

	if _, err := rt.RegisterQueue(QueueNotification, a.cfg.NotificationCapacity); err != nil {
		return err
	}

	a.RegisterOperation("link", a.opLink)
	a.RegisterOperation("query_links", a.opQueryLinks)
	a.RegisterOperation("get_node", a.opGetNode)

	if err := a.subscribeNotifications(rt); err != nil {
		return err
	}
	rt.SpawnLoop("indexer", a.indexer)

	a.MarkInitialized()
	return nil
}

// Start publishes the initial graph gauges.
func (a *Agent) Start(ctx context.Context) error {
	nodes, edges, err := a.graphSize()
	if err != nil {
		return err
	}
	a.Runtime().SetMetric("nodes", float64(nodes))
	a.Runtime().SetMetric("edges", float64(edges))
	return nil
}

// Stop is a no-op: the graph is already persisted.
func (a *Agent) Stop(ctx context.Context) error {
	a.Runtime().Logger().Info("Knowledge agent stopping")
	return nil
}

// HandleError implements the agent's error contract. The graph is
// derived data with no remediation of its own, so every kind is
// unhandled here.
func (a *Agent) HandleError(ctx context.Context, kind string, data map[string]any) agent.ErrorOutcome {
	return agent.ErrorOutcome{Success: false, Action: "none", Detail: "unhandled error kind: " + kind}
}

// --- operations ---

func (a *Agent) opLink(ctx context.Context, params map[string]any) (map[string]any, error) {
	from, _ := params["from"].(string)
	to, _ := params["to"].(string)
	relation, _ := params["relation"].(string)
	if from == "" || to == "" || relation == "" {
		return nil, fmt.Errorf("%w: from, to, relation", ErrMissingParam)
	}

	now := time.Now().UTC()
	a.mu.Lock()
	if err := a.upsertNode(from, entityKind(from), now); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if err := a.upsertNode(to, entityKind(to), now); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	edge, err := a.upsertEdge(from, to, relation, now)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	a.Runtime().Notify("link_created", edge.Key, map[string]any{
		"from":     from,
		"to":       to,
		"relation": relation,
	})
	return map[string]any{"edge": edge}, nil
}

func (a *Agent) opQueryLinks(ctx context.Context, params map[string]any) (map[string]any, error) {
	node, _ := params["node"].(string)
	relation, _ := params["relation"].(string)

	limit := defaultQueryLimit
	if v, ok := params["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}

	edges, err := a.listEdges()
	if err != nil {
		return nil, err
	}

	matched := edges[:0]
	for _, e := range edges {
		if node != "" && e.From != node && e.To != node {
			continue
		}
		if relation != "" && e.Relation != relation {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastSeen.After(matched[j].LastSeen)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return map[string]any{"links": matched, "count": len(matched)}, nil
}

func (a *Agent) opGetNode(ctx context.Context, params map[string]any) (map[string]any, error) {
	key, _ := params["id"].(string)
	if key == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingParam)
	}

	var node Node
	if err := a.Runtime().Store().Get(nodeDocPrefix+sanitize(key), &node); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, key)
		}
		return nil, err
	}

	edges, err := a.listEdges()
	if err != nil {
		return nil, err
	}
	degree := 0
	for _, e := range edges {
		if e.From == node.Key || e.To == node.Key {
			degree++
		}
	}
	return map[string]any{"node": &node, "degree": degree}, nil
}

// --- store access ---

// sanitize maps a graph key onto a safe document id fragment.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// entityKind infers a node kind from the id conventions the domain
// agents use for their records.
func entityKind(key string) string {
	switch {
	case strings.HasPrefix(key, "agent."):
		return NodeAgent
	case strings.HasPrefix(key, "rec_"):
		return "record"
	case strings.HasPrefix(key, "pool_"):
		return "pool"
	case strings.HasPrefix(key, "pos_"):
		return "position"
	case strings.HasPrefix(key, "tx_"):
		return "transaction"
	case strings.HasPrefix(key, "evt_"):
		return "event"
	default:
		return NodeEntity
	}
}

// upsertNode bumps or creates the node for key. Caller holds a.mu.
func (a *Agent) upsertNode(key, kind string, now time.Time) error {
	docID := nodeDocPrefix + sanitize(key)

	var node Node
	err := a.Runtime().Store().Get(docID, &node)
	switch {
	case errors.Is(err, store.ErrNotFound):
		node = Node{Key: key, Label: key, Kind: kind, FirstSeen: now}
	case err != nil:
		return err
	}
	node.LastSeen = now
	node.SeenCount++
	return a.Runtime().Store().Put(docID, &node)
}

// upsertEdge bumps or creates the edge for the (from, relation, to)
// triple. Caller holds a.mu.
func (a *Agent) upsertEdge(from, to, relation string, now time.Time) (*Edge, error) {
	key := from + "__" + relation + "__" + to
	docID := edgeDocPrefix + sanitize(key)

	var edge Edge
	err := a.Runtime().Store().Get(docID, &edge)
	switch {
	case errors.Is(err, store.ErrNotFound):
		edge = Edge{Key: key, From: from, To: to, Relation: relation, FirstSeen: now}
	case err != nil:
		return nil, err
	}
	edge.LastSeen = now
	edge.SeenCount++
	if err := a.Runtime().Store().Put(docID, &edge); err != nil {
		return nil, err
	}
	return &edge, nil
}

// listEdges loads every edge in the graph.
func (a *Agent) listEdges() ([]*Edge, error) {
	docIDs, err := a.Runtime().Store().List()
	if err != nil {
		return nil, err
	}
	edges := make([]*Edge, 0, len(docIDs))
	for _, id := range docIDs {
		if !strings.HasPrefix(id, edgeDocPrefix) {
			continue
		}
		var edge Edge
		if err := a.Runtime().Store().Get(id, &edge); err != nil {
			continue
		}
		edges = append(edges, &edge)
	}
	return edges, nil
}

// graphSize counts stored nodes and edges.
func (a *Agent) graphSize() (nodes, edges int, err error) {
	docIDs, err := a.Runtime().Store().List()
	if err != nil {
		return 0, 0, err
	}
	for _, id := range docIDs {
		switch {
		case strings.HasPrefix(id, nodeDocPrefix):
			nodes++
		case strings.HasPrefix(id, edgeDocPrefix):
			edges++
		}
	}
	return nodes, edges, nil
}
