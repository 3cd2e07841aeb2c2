package panel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rendis/gantry/internal/streaming"
)

// handleSSEGlobal streams control events to the client via Server-Sent
// Events, optionally narrowed by execution, workflow, or event type.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.serveSSE(w, r, streaming.Filter{
		ExecutionID: q.Get("execution_id"),
		WorkflowID:  q.Get("workflow_id"),
		Types:       q["type"],
	})
}

// handleSSEExecution streams events for a specific execution.
func (s *Server) handleSSEExecution(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.Filter{
		ExecutionID: r.PathValue("id"),
		Types:       r.URL.Query()["type"],
	})
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.Filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

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
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
