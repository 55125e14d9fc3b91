package panel

import (
	"net/http"

	"github.com/rendis/invoiceflow/pkg/schema"
)

func (s *PanelServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.Snapshot())
}

func (s *PanelServer) handleSteps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.Machine().Snapshot())
}

func (s *PanelServer) handleGate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.Gate().Snapshot())
}

// handleEvents returns the journaled events of the monitored workflow after ?since=N.
func (s *PanelServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, http.StatusNotFound, "journal not enabled")
		return
	}
	entries, err := s.deps.Journal.Events(r.Context(), s.deps.Monitor.WorkflowID(), int64(queryInt(r, "since", 0)))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if limit := queryInt(r, "limit", 0); limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": s.deps.Monitor.WorkflowID(),
		"events":      entries,
	})
}

// handleWorkflows lists every journaled workflow.
func (s *PanelServer) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, http.StatusNotFound, "journal not enabled")
		return
	}
	list, err := s.deps.Journal.Workflows(r.Context())
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": list})
}

func (s *PanelServer) handleInvoice(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Monitor.Machine().Snapshot().Completed {
		writeFlowError(w, schema.NewError(schema.ErrCodeInvalidTransition, "workflow has not completed"))
		return
	}
	doc, err := s.deps.Monitor.Invoice(r.Context())
	if err != nil {
		writeFlowError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}
