package v1

// AgentHealth is one agent's entry in GET /api/status.
type AgentHealth struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Status           string         `json:"status"`
	LastHeartbeatAge string         `json:"last_heartbeat_age"`
	HeartbeatStale   bool           `json:"heartbeat_stale"`
	QueueDepths      map[string]int `json:"queue_depths"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Agents []AgentHealth `json:"agents"`
}

// GraphNode is one agent in the dependency graph.
type GraphNode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// GraphEdge is a declared dependency link: From depends on To.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// GraphResponse is the body of GET /api/graph.
type GraphResponse struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}
