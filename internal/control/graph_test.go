package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

// --- Graph Tests ---

func TestBuildGraph_DiamondTopology(t *testing.T) {
	ng := &schema.NodeGraph{
		Nodes: []schema.Node{
			{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"},
		},
		Connections: []schema.Connection{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	}

	g, err := BuildGraph(ng)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Roots)
	assert.Equal(t, "a", g.Sorted[0])
	assert.Equal(t, "d", g.Sorted[3])
	require.Len(t, g.Levels, 3)
	assert.Equal(t, []string{"a"}, g.Levels[0])
	assert.ElementsMatch(t, []string{"b", "c"}, g.Levels[1])
	assert.Equal(t, []string{"d"}, g.Levels[2])
}

func TestBuildGraph_Errors(t *testing.T) {
	_, err := BuildGraph(nil)
	require.Error(t, err)

	_, err = BuildGraph(&schema.NodeGraph{})
	require.Error(t, err)

	_, err = BuildGraph(&schema.NodeGraph{Nodes: []schema.Node{{ID: ""}}})
	require.Error(t, err)

	_, err = BuildGraph(&schema.NodeGraph{Nodes: []schema.Node{{ID: "a"}, {ID: "a"}}})
	require.Error(t, err)

	_, err = BuildGraph(&schema.NodeGraph{
		Nodes:       []schema.Node{{ID: "a"}},
		Connections: []schema.Connection{{From: "a", To: "ghost"}},
	})
	require.Error(t, err)

	_, err = BuildGraph(&schema.NodeGraph{
		Nodes:       []schema.Node{{ID: "a"}},
		Connections: []schema.Connection{{From: "a", To: "a"}},
	})
	require.Error(t, err)
}

func TestBuildGraph_CycleDetection(t *testing.T) {
	ng := &schema.NodeGraph{
		Nodes: []schema.Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Connections: []schema.Connection{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "a"},
		},
	}
	_, err := BuildGraph(ng)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLongestPath(t *testing.T) {
	ng := &schema.NodeGraph{
		Nodes: []schema.Node{
			{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"},
		},
		Connections: []schema.Connection{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	}
	g, err := BuildGraph(ng)
	require.NoError(t, err)

	durations := map[string]int64{"a": 100, "b": 50, "c": 900, "d": 25}
	path, total := g.LongestPath(durations)
	assert.Equal(t, []string{"a", "c", "d"}, path)
	assert.Equal(t, int64(1025), total)

	// Nodes without recorded durations weigh zero.
	path, total = g.LongestPath(map[string]int64{"b": 10})
	assert.Equal(t, int64(10), total)
	assert.Contains(t, path, "b")
}
