package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// sseKeepAlive is how often an idle stream gets a comment line so proxies
// keep the connection open.
var sseKeepAlive = 15 * time.Second

// handleSSEExecution streams the ledger events of one execution and ends
// the stream once the run finishes.
func (s *Server) handleSSEExecution(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{ExecutionID: r.PathValue("id")}, true)
}

// handleSSEWorkflow streams every run of a workflow until the client leaves.
func (s *Server) handleSSEWorkflow(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{WorkflowID: r.PathValue("id")}, false)
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter, untilFinished bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if event.LogID != 0 {
				fmt.Fprintf(w, "id: %d\n", event.LogID)
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
			if untilFinished && (event.EventType == schema.EventRunCompleted || event.EventType == schema.EventRunFailed) {
				return
			}
		}
	}
}
