package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGantryServer(t *testing.T) {
	s := NewGantryServer(GantryServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewGantryServer(GantryServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 9)

	expectedTools := []string{
		"gantry.control",
		"gantry.batch",
		"gantry.track",
		"gantry.monitor",
		"gantry.history",
		"gantry.analytics",
		"gantry.checkpoint",
		"gantry.diagram",
		"gantry.query",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"control", "gantry.control", "Apply a control action to a tracked execution"},
		{"batch", "gantry.batch", "Apply one control action to many executions"},
		{"track", "gantry.track", "Track an execution and return its full control context"},
		{"history", "gantry.history", "Return the control audit trail of one execution"},
		{"query", "gantry.query", "Query archived executions, registered operators, execution sources, or the durable event log"},
	}

	s := NewGantryServer(GantryServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
