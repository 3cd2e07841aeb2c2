// Package diagram renders execution node graphs as Mermaid, ASCII, or PNG.
// The source-reported graph is the layout; node runs supply the status
// overlay, and the analyzer's critical path is highlighted when present.
package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindTask    NodeKind = "task"
	NodeKindTrigger NodeKind = "trigger"
	NodeKindWait    NodeKind = "wait"
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Disabled bool
	Critical bool // on the critical path
	Status   *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.NodeRunStatus
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge represents a connection between two nodes.
type Edge struct {
	From     string
	To       string
	Label    string
	Critical bool // both endpoints on the critical path, in order
}
