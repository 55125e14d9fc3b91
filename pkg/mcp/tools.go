package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// handleStatus returns the combined monitor snapshot.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = s.begin(ctx, req)
	if req.GetBool("refresh", false) {
		if err := s.monitor.Surface().RequestStatus(ctx); err != nil {
			return toolError("status refresh failed", err), nil
		}
	}
	return marshalResult(s.monitor.Snapshot())
}

// handleSubmitInput answers the pending review request.
func (s *Server) handleSubmitInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = s.begin(ctx, req)
	args := req.GetArguments()
	if _, ok := args["field_values"].(map[string]any); !ok {
		return mcp.NewToolResultError("field_values is required"), nil
	}
	values := mcp.ParseStringMap(req, "field_values", nil)
	notes := req.GetString("notes", "")

	if err := s.monitor.Gate().Submit(ctx, values, notes); err != nil {
		return toolError("submit failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": s.monitor.WorkflowID(),
		"gate":        s.monitor.Gate().Snapshot(),
	})
}

// handleCancelInput dismisses the pending review request.
func (s *Server) handleCancelInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = s.begin(ctx, req)
	if err := s.monitor.Gate().Cancel(ctx); err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": s.monitor.WorkflowID()})
}

func (s *Server) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.command(s.begin(ctx, req), "pause", s.monitor.Surface().Pause)
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.command(s.begin(ctx, req), "resume", s.monitor.Surface().Resume)
}

func (s *Server) handleSendInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := req.RequireString("input")
	if err != nil {
		return mcp.NewToolResultError("input is required"), nil
	}
	return s.command(s.begin(ctx, req), "send_input", func(ctx context.Context) error {
		return s.monitor.Surface().SubmitGeneralInput(ctx, input)
	})
}

// handleInvoice returns the generated invoice document.
func (s *Server) handleInvoice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = s.begin(ctx, req)
	if !s.monitor.Machine().Snapshot().Completed {
		return mcp.NewToolResultError("workflow has not completed"), nil
	}
	doc, err := s.monitor.Invoice(ctx)
	if err != nil {
		return toolError("invoice lookup failed", err), nil
	}
	return mcp.NewToolResultText(string(doc)), nil
}

// command dispatches one intent; acknowledgment arrives later as an event.
func (s *Server) command(ctx context.Context, name string, fn func(context.Context) error) (*mcp.CallToolResult, error) {
	if err := fn(ctx); err != nil {
		logging.LogWith(ctx, s.logger).Warn("mcp command failed", "command", name, "error", err)
		return toolError(name+" failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"command":     name,
		"workflow_id": s.monitor.WorkflowID(),
	})
}

// begin tags ctx with the workflow id and records the caller's session.
func (s *Server) begin(ctx context.Context, req mcp.CallToolRequest) context.Context {
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
	}
	return logging.WithWorkflowID(ctx, s.monitor.WorkflowID())
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// toolError renders err with its code when it is a FlowError.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
