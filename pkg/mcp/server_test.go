package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
	assert.NotNil(t, s.SSE("http://localhost:4100"))
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	expected := []string{
		"govflow.define",
		"govflow.initiate",
		"govflow.create_action",
		"govflow.prepare",
		"govflow.claim",
		"govflow.update_status",
		"govflow.complete",
		"govflow.update_target",
		"govflow.query",
		"govflow.schedule",
	}
	require.Len(t, s.mcpServer.ListTools(), len(expected))
	for _, name := range expected {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"govflow.define", "Validate and load a process definition"},
		{"govflow.initiate", "Start a new instance of a process at its first step"},
		{"govflow.claim", "Claim an approved action for a worker"},
		{"govflow.query", "Query actions, history, events, executors or scheduled jobs"},
	}

	s := NewServer(ServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
