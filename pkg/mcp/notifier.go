package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/invoiceflow/internal/dispatch"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier using MCP SSE push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP SSE.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's SSE session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil // agent not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send; not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// notifiedEvents are pushed to every registered agent.
var notifiedEvents = []string{
	schema.EventHumanInputRequired,
	schema.EventWorkflowCompleted,
	schema.EventWorkflowError,
}

// AttachNotifications forwards review requests and terminal events to every
// registered agent. The returned func detaches it.
func (s *Server) AttachNotifications() func() {
	d := s.monitor.Dispatcher()
	ids := make([]dispatch.SubscriptionID, len(notifiedEvents))
	for i, typ := range notifiedEvents {
		ids[i] = d.Subscribe(typ, s.broadcast)
	}
	return func() {
		for i, typ := range notifiedEvents {
			d.Unsubscribe(typ, ids[i])
		}
	}
}

func (s *Server) broadcast(ctx context.Context, ev schema.Event) {
	payload := map[string]any{
		"level":  "info",
		"logger": "invoiceflow",
		"data": map[string]any{
			"workflow_id": s.monitor.WorkflowID(),
			"event":       ev,
		},
	}
	for _, agentID := range s.sessions.Agents() {
		if err := s.notifier.Notify(ctx, agentID, payload); err != nil {
			logging.LogWith(ctx, s.logger).Warn("agent notification failed",
				slog.String("agent_id", agentID), slog.String("error", err.Error()))
		}
	}
}
