// Package panel exposes one monitor over HTTP: a JSON snapshot, an SSE stream
// of canonical events, the reviewer's commands and Prometheus metrics.
package panel

import (
	"log/slog"
	"net/http"

	"github.com/rendis/invoiceflow/internal/journal"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/metrics"
	"github.com/rendis/invoiceflow/internal/monitor"
)

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Monitor *monitor.Monitor
	// Journal is optional; without it the history endpoints return 404.
	Journal *journal.Journal
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// PanelServer serves the panel routes.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	deps.Logger = logging.OrDefault(deps.Logger)
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Reads.
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/steps", s.handleSteps)
	mux.HandleFunc("GET /api/gate", s.handleGate)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/workflows", s.handleWorkflows)
	mux.HandleFunc("GET /api/invoice", s.handleInvoice)

	// SSE stream.
	mux.HandleFunc("GET /sse/events", s.handleSSE)

	// Commands.
	mux.HandleFunc("POST /api/status", s.handleRequestStatus)
	mux.HandleFunc("POST /api/input", s.handleSubmitInput)
	mux.HandleFunc("POST /api/input/cancel", s.handleCancelInput)
	mux.HandleFunc("POST /api/message", s.handleGeneralInput)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/resume", s.handleResume)

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	return mux
}
