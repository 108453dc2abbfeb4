package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	eventBuffer    = 64
	eventHeartbeat = 15 * time.Second
)

// handleEvents streams hub events as server-sent events. An optional
// task_id query parameter narrows the stream to one task.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, codeInternal, "streaming unsupported")
		return
	}

	// The stream outlives the server's write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	taskID := r.URL.Query().Get("task_id")

	events, cancel := s.hub.Subscribe(eventBuffer)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(eventHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if taskID != "" && ev.TaskID != taskID {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to marshal event", "kind", ev.Kind, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
