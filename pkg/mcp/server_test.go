package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"invoiceflow.status", "Get step progress, connection state and any pending human review"},
		{"invoiceflow.submit_input", "Answer the pending human review request"},
		{"invoiceflow.cancel_input", "Dismiss the pending human review request"},
		{"invoiceflow.pause", "Pause the workflow"},
		{"invoiceflow.resume", "Resume a paused workflow"},
		{"invoiceflow.send_input", "Send free-text input to the running workflow"},
		{"invoiceflow.invoice", "Fetch the generated invoice of a completed workflow"},
	}

	s := NewServer(ServerDeps{})
	require.Len(t, s.mcpServer.ListTools(), len(tests))
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

type stubSession struct{ id string }

func (s stubSession) SessionID() string                                   { return s.id }
func (s stubSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return nil }
func (s stubSession) Initialize()                                         {}
func (s stubSession) Initialized() bool                                   { return true }

func TestForgetSession(t *testing.T) {
	s := NewServer(ServerDeps{})
	s.sessions.Register("reviewer", "session-1")
	s.sessions.Register("billing", "session-2")

	s.forgetSession(context.Background(), stubSession{id: "session-1"})
	assert.Equal(t, []string{"billing"}, s.sessions.Agents())
}
