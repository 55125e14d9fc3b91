// Package mcp exposes a workflow monitor to agents as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/monitor"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Monitor *monitor.Monitor
	Logger  *slog.Logger
}

// Server wraps an MCP server with workflow tool handlers.
type Server struct {
	monitor   *monitor.Monitor
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  AgentNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		monitor:  deps.Monitor,
		logger:   logging.OrDefault(deps.Logger),
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(s.forgetSession)

	mcpSrv := server.NewMCPServer(
		"invoiceflow",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("invoiceflow follows one contract-to-invoice workflow. Use invoiceflow.status to read step progress and any pending human review, invoiceflow.submit_input to answer a review request, invoiceflow.cancel_input to dismiss it, invoiceflow.pause and invoiceflow.resume to control execution, invoiceflow.send_input to pass free text and invoiceflow.invoice to fetch the generated invoice."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	detach := s.AttachNotifications()
	defer detach()
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// forgetSession drops agents bound to a closed client session.
func (s *Server) forgetSession(_ context.Context, session server.ClientSession) {
	if agents := s.sessions.Remove(session.SessionID()); len(agents) > 0 {
		s.logger.Debug("mcp session closed", slog.String("session_id", session.SessionID()),
			slog.Any("agents", agents))
	}
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: submitInputTool(), Handler: s.handleSubmitInput},
		{Tool: cancelInputTool(), Handler: s.handleCancelInput},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: sendInputTool(), Handler: s.handleSendInput},
		{Tool: invoiceTool(), Handler: s.handleInvoice},
	}
}

// --- Tool definitions ---

func agentOption() mcp.ToolOption {
	return mcp.WithString("agent_id", mcp.Description("ID of the calling agent; registers it for review notifications"))
}

func statusTool() mcp.Tool {
	return mcp.NewTool("invoiceflow.status",
		mcp.WithDescription("Get step progress, connection state and any pending human review"),
		mcp.WithBoolean("refresh", mcp.Description("Ask the backend for a fresh status before answering")),
		agentOption(),
	)
}

func submitInputTool() mcp.Tool {
	return mcp.NewTool("invoiceflow.submit_input",
		mcp.WithDescription("Answer the pending human review request"),
		mcp.WithObject("field_values", mcp.Required(), mcp.Description("Values keyed by requested field name")),
		mcp.WithString("notes", mcp.Description("Free-text reviewer notes")),
		agentOption(),
	)
}

func cancelInputTool() mcp.Tool {
	return mcp.NewTool("invoiceflow.cancel_input",
		mcp.WithDescription("Dismiss the pending human review request"),
		agentOption(),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("invoiceflow.pause",
		mcp.WithDescription("Pause the workflow"),
		agentOption(),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("invoiceflow.resume",
		mcp.WithDescription("Resume a paused workflow"),
		agentOption(),
	)
}

func sendInputTool() mcp.Tool {
	return mcp.NewTool("invoiceflow.send_input",
		mcp.WithDescription("Send free-text input to the running workflow"),
		mcp.WithString("input", mcp.Required(), mcp.Description("Text to send")),
		agentOption(),
	)
}

func invoiceTool() mcp.Tool {
	return mcp.NewTool("invoiceflow.invoice",
		mcp.WithDescription("Fetch the generated invoice of a completed workflow"),
		agentOption(),
	)
}
