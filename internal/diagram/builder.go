package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/gantry/internal/control"
	"github.com/rendis/gantry/pkg/schema"
)

// Virtual boundary node ids. They never collide with source node ids
// because sources report UUIDs or human names, not dunder identifiers.
const (
	startNodeID = "__start__"
	endNodeID   = "__end__"
)

// Build constructs a DiagramModel from a tracked execution context. It uses
// control.BuildGraph for topology, overlays per-node run status, and marks
// the heaviest dependency chain as the critical path when durations exist.
func Build(ectx *schema.ExecutionContext) (*DiagramModel, error) {
	if ectx == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution context is nil")
	}

	graph, err := control.BuildGraph(ectx.Graph)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	// Index node runs by node ID for fast lookup.
	runMap := make(map[string]*schema.NodeRun, len(ectx.NodeRuns))
	for i := range ectx.NodeRuns {
		runMap[ectx.NodeRuns[i].NodeID] = &ectx.NodeRuns[i]
	}

	nodes := make([]*Node, 0, len(graph.Nodes)+2)
	nodes = append(nodes, &Node{ID: startNodeID, Label: "Start", Kind: NodeKindStart})

	for _, nodeID := range graph.Sorted {
		src := graph.Nodes[nodeID]
		node := &Node{
			ID:       src.ID,
			Label:    nodeLabel(src),
			Kind:     nodeTypeToKind(src.Type),
			Disabled: src.Disabled,
		}
		overlayStatus(node, runMap)
		nodes = append(nodes, node)
	}

	nodes = append(nodes, &Node{ID: endNodeID, Label: "End", Kind: NodeKindEnd})

	model := &DiagramModel{
		Title:  titleFor(ectx),
		Nodes:  nodes,
		Edges:  buildEdges(graph),
		Levels: buildLevels(graph),
	}

	markCriticalPath(model, graph, runMap)

	return model, nil
}

// nodeTypeToKind maps a source node type to a diagram kind. Source types are
// opaque strings (e.g. "n8n-nodes-base.webhook"), so classification is by
// substring.
func nodeTypeToKind(nodeType string) NodeKind {
	lower := strings.ToLower(nodeType)
	switch {
	case strings.Contains(lower, "trigger"), strings.Contains(lower, "webhook"), strings.Contains(lower, "cron"):
		return NodeKindTrigger
	case strings.Contains(lower, "wait"):
		return NodeKindWait
	default:
		return NodeKindTask
	}
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(node schema.Node) string {
	if node.Name != "" && node.Name != node.ID {
		return node.Name
	}
	return node.ID
}

// overlayStatus applies the node run record to a diagram node.
func overlayStatus(node *Node, runMap map[string]*schema.NodeRun) {
	run, ok := runMap[node.ID]
	if !ok {
		return
	}
	node.Status = &StatusOverlay{
		Status:     string(run.Status),
		DurationMs: run.DurationMs,
		RetryCount: run.RetryCount,
		Error:      run.Error,
	}
}

// buildEdges constructs the Edge list from graph adjacency, adding virtual
// start/end edges so the diagram always has one entry and one exit.
func buildEdges(graph *control.ExecGraph) []Edge {
	var edges []Edge

	for _, root := range graph.Roots {
		edges = append(edges, Edge{From: startNodeID, To: root})
	}

	for _, nodeID := range graph.Sorted {
		for _, upstream := range graph.Edges[nodeID] {
			edges = append(edges, Edge{From: upstream, To: nodeID})
		}
	}

	// Leaves (no downstream) connect to the virtual end node.
	for _, nodeID := range graph.Sorted {
		if len(graph.Reverse[nodeID]) == 0 {
			edges = append(edges, Edge{From: nodeID, To: endNodeID})
		}
	}

	return edges
}

// buildLevels wraps graph depth levels with virtual start/end levels.
func buildLevels(graph *control.ExecGraph) [][]string {
	levels := make([][]string, 0, len(graph.Levels)+2)
	levels = append(levels, []string{startNodeID})
	levels = append(levels, graph.Levels...)
	levels = append(levels, []string{endNodeID})
	return levels
}

// markCriticalPath computes the heaviest dependency chain from node run
// durations and flags the nodes and edges along it. No durations means no
// critical path.
func markCriticalPath(model *DiagramModel, graph *control.ExecGraph, runMap map[string]*schema.NodeRun) {
	durations := make(map[string]int64, len(runMap))
	for id, run := range runMap {
		if run.DurationMs > 0 {
			durations[id] = run.DurationMs
		}
	}
	if len(durations) == 0 {
		return
	}

	path, total := graph.LongestPath(durations)
	if total <= 0 || len(path) == 0 {
		return
	}

	onPath := make(map[string]bool, len(path))
	for _, id := range path {
		onPath[id] = true
	}
	for _, node := range model.Nodes {
		if onPath[node.ID] {
			node.Critical = true
		}
	}

	// An edge is critical when it links consecutive path nodes.
	follows := make(map[string]string, len(path))
	for i := 0; i < len(path)-1; i++ {
		follows[path[i]] = path[i+1]
	}
	for i := range model.Edges {
		if follows[model.Edges[i].From] == model.Edges[i].To {
			model.Edges[i].Critical = true
		}
	}
}

// titleFor generates a diagram title from execution metadata.
func titleFor(ectx *schema.ExecutionContext) string {
	if ectx.WorkflowID != "" {
		return fmt.Sprintf("%s / %s", ectx.WorkflowID, ectx.ExecutionID)
	}
	return ectx.ExecutionID
}
