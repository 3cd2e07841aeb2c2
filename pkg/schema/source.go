package schema

import "time"

// ExecutionSnapshot is the ground-truth view of one execution as reported by
// the execution source. The adapter maps the source's native status strings
// into ExecutionState before handing the snapshot to the core.
type ExecutionSnapshot struct {
	ExecutionID string            `json:"execution_id"`
	WorkflowID  string            `json:"workflow_id"`
	Status      ExecutionState    `json:"status"`
	Mode        string            `json:"mode,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	StoppedAt   *time.Time        `json:"stopped_at,omitempty"`
	Graph       *NodeGraph        `json:"graph,omitempty"`
	NodeRuns    []NodeRun         `json:"node_runs,omitempty"`
	Metrics     *ExecutionMetrics `json:"metrics,omitempty"`
}

// NodeGraph is the workflow's node/connection graph as reported by the source.
type NodeGraph struct {
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// Node is one node of the workflow graph.
type Node struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Connection is a directed edge between two nodes.
type Connection struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Clone returns a deep copy of the graph.
func (g *NodeGraph) Clone() *NodeGraph {
	if g == nil {
		return nil
	}
	out := &NodeGraph{
		Nodes:       append([]Node(nil), g.Nodes...),
		Connections: append([]Connection(nil), g.Connections...),
	}
	return out
}

// HasNode reports whether the graph contains a node with the given id.
func (g *NodeGraph) HasNode(id string) bool {
	if g == nil {
		return false
	}
	for _, n := range g.Nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// NodeRunStatus is the per-node run status reported by the source.
type NodeRunStatus string

const (
	NodeRunPending   NodeRunStatus = "pending"
	NodeRunRunning   NodeRunStatus = "running"
	NodeRunCompleted NodeRunStatus = "completed"
	NodeRunFailed    NodeRunStatus = "failed"
	NodeRunSkipped   NodeRunStatus = "skipped"
	NodeRunWaiting   NodeRunStatus = "waiting"
)

// NodeRun is the per-node status/timing record from the source. The same
// shape is frozen into checkpoints as the node-state snapshot.
type NodeRun struct {
	NodeID     string        `json:"node_id"`
	Status     NodeRunStatus `json:"status"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
	RetryCount int           `json:"retry_count,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorType  string        `json:"error_type,omitempty"`
	Resolution string        `json:"resolution,omitempty"`
}

// ExecutionMetrics holds the performance counters the source reports.
// The core never computes these locally; they are read-only pass-through.
type ExecutionMetrics struct {
	DurationMs    int64   `json:"duration_ms,omitempty"`
	PeakMemoryMB  float64 `json:"peak_memory_mb,omitempty"`
	AvgCPUPercent float64 `json:"avg_cpu_percent,omitempty"`
}

// DispatchResult is the outcome of a control command dispatched to the source.
// Detail is opaque source-provided text, passed through on rejection.
type DispatchResult struct {
	Accepted bool   `json:"accepted"`
	Detail   string `json:"detail,omitempty"`
}
