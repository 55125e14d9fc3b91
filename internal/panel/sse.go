package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rendis/invoiceflow/internal/dispatch"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// handleSSE streams canonical events to the client via Server-Sent Events.
// ?types=a,b restricts the stream to the given event types or their aliases.
func (s *PanelServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Monitor.Dispatcher().Watch(r.Context(), dispatch.Filter{EventTypes: queryList(r, "types")})
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The current snapshot goes first so a late client starts from a full view.
	if snap, err := json.Marshal(s.deps.Monitor.Snapshot()); err == nil {
		fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", snap)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseEventName(event.Type), data)
			flusher.Flush()
		}
	}
}

// sseEventName returns a type usable on an SSE event line. Wire tags pass
// through unchanged, so one carrying a line break would start a new field.
func sseEventName(typ string) string {
	if typ == "" || strings.ContainsAny(typ, "\r\n") {
		return schema.EventUnknown
	}
	return typ
}
