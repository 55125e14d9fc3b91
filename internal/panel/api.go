package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rendis/invoiceflow/internal/logging"
)

// handleSubmitInput validates and dispatches the reviewer's field values.
func (s *PanelServer) handleSubmitInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FieldValues map[string]any `json:"field_values"`
		Notes       string         `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := s.deps.Monitor.Gate().Submit(s.ctx(r), body.FieldValues, body.Notes); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Monitor.Gate().Snapshot())
}

// handleCancelInput clears the pending request.
func (s *PanelServer) handleCancelInput(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Monitor.Gate().Cancel(s.ctx(r)); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Monitor.Gate().Snapshot())
}

// handleGeneralInput sends free text to the running workflow.
func (s *PanelServer) handleGeneralInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	s.command(w, r, "general_input", func(ctx context.Context) error {
		return s.deps.Monitor.Surface().SubmitGeneralInput(ctx, body.Input)
	})
}

func (s *PanelServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "pause", s.deps.Monitor.Surface().Pause)
}

func (s *PanelServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "resume", s.deps.Monitor.Surface().Resume)
}

func (s *PanelServer) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "request_status", s.deps.Monitor.Surface().RequestStatus)
}

// command runs one intent. Acknowledgment arrives later as an event.
func (s *PanelServer) command(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) error) {
	ctx := s.ctx(r)
	if err := fn(ctx); err != nil {
		logging.LogWith(ctx, s.deps.Logger).Warn("panel command failed",
			slog.String("command", name), slog.String("error", err.Error()))
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"ok":          "true",
		"command":     name,
		"workflow_id": s.deps.Monitor.WorkflowID(),
	})
}

func (s *PanelServer) ctx(r *http.Request) context.Context {
	return logging.WithWorkflowID(r.Context(), s.deps.Monitor.WorkflowID())
}
