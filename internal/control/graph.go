package control

import (
	"sort"

	"github.com/rendis/gantry/pkg/schema"
)

// ExecGraph is the in-memory adjacency view of an execution's node graph.
// Built from a source-reported NodeGraph, used for partial-execution
// validation, critical-path analysis, and diagram layout.
type ExecGraph struct {
	Nodes   map[string]schema.Node // node ID → node
	Edges   map[string][]string    // node ID → upstream nodes (incoming edges)
	Reverse map[string][]string    // node ID → downstream nodes (outgoing edges)
	Sorted  []string               // topological order
	Roots   []string               // nodes with no upstream edges
	Levels  [][]string             // parallel depth levels
}

// BuildGraph parses a NodeGraph into an ExecGraph. It validates node ids,
// builds adjacency lists, performs topological sorting using Kahn's
// algorithm, detects cycles, and computes depth levels.
func BuildGraph(ng *schema.NodeGraph) (*ExecGraph, error) {
	if ng == nil || len(ng.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "node graph is empty")
	}

	g := &ExecGraph{
		Nodes:   make(map[string]schema.Node, len(ng.Nodes)),
		Edges:   make(map[string][]string, len(ng.Nodes)),
		Reverse: make(map[string][]string, len(ng.Nodes)),
	}

	for i, node := range ng.Nodes {
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty id", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id: %s", node.ID)
		}
		g.Nodes[node.ID] = node
		g.Edges[node.ID] = nil
	}

	for _, conn := range ng.Connections {
		if _, ok := g.Nodes[conn.From]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTargetNode, "connection references unknown node: %s", conn.From)
		}
		if _, ok := g.Nodes[conn.To]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTargetNode, "connection references unknown node: %s", conn.To)
		}
		if conn.From == conn.To {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s connects to itself", conn.From)
		}
		g.Edges[conn.To] = append(g.Edges[conn.To], conn.From)
		g.Reverse[conn.From] = append(g.Reverse[conn.From], conn.To)
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	sort.Strings(queue)
	g.Roots = make([]string, len(queue))
	copy(g.Roots, queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(g.Reverse[node]))
		copy(dependents, g.Reverse[node])
		sort.Strings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeValidation, "node graph contains a cycle")
	}

	g.Sorted = sorted
	g.Levels = computeLevels(g)

	return g, nil
}

// computeLevels groups nodes into depth levels. Nodes at the same level have
// all upstream nodes in previous levels.
func computeLevels(g *ExecGraph) [][]string {
	depth := make(map[string]int, len(g.Nodes))

	for _, id := range g.Sorted {
		maxDep := -1
		for _, dep := range g.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		d := depth[id]
		levels[d] = append(levels[d], id)
	}

	return levels
}

// LongestPath finds the dependency chain with the highest cumulative
// duration. durations maps node id to milliseconds; absent nodes weigh zero.
// Returns the chain from root to leaf and its total duration.
func (g *ExecGraph) LongestPath(durations map[string]int64) ([]string, int64) {
	if len(g.Sorted) == 0 {
		return nil, 0
	}

	best := make(map[string]int64, len(g.Sorted))
	prev := make(map[string]string, len(g.Sorted))

	for _, id := range g.Sorted {
		var maxUpstream int64
		var via string
		for _, dep := range g.Edges[id] {
			if best[dep] > maxUpstream || (best[dep] == maxUpstream && via == "") {
				maxUpstream = best[dep]
				via = dep
			}
		}
		best[id] = maxUpstream + durations[id]
		if via != "" {
			prev[id] = via
		}
	}

	var endNode string
	var total int64 = -1
	for _, id := range g.Sorted {
		if best[id] > total {
			total = best[id]
			endNode = id
		}
	}
	if endNode == "" {
		return nil, 0
	}

	// Backtrack from the heaviest end node to its root.
	var path []string
	for id := endNode; ; {
		path = append(path, id)
		p, ok := prev[id]
		if !ok {
			break
		}
		id = p
	}
	reverseStrings(path)
	return path, total
}

func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
