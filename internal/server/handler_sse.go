package server

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/me/gomh/pkg/model"
)

// handleSSEExecution streams execution status changes via Server-Sent Events.
// GET /api/v1/sse/executions/{id}
func (s *Server) handleSSEExecution(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := executionIDParam(w, r)
	if !ok {
		return
	}

	status, err := s.executionStatus(r.Context(), id)
	if err != nil {
		s.respondDispatchError(w, reqID, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	if err := sendSSEEvent(w, flusher, "init", status); err != nil {
		s.logger.Debug("sse client disconnected", "execution_id", id, "error", err)
		return
	}
	if status.State.IsTerminal() {
		sendSSEEvent(w, flusher, "complete", status)
		return
	}

	ticker := time.NewTicker(s.sseInterval)
	defer ticker.Stop()

	last := status
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			status, err = s.executionStatus(r.Context(), id)
			if err != nil {
				s.logger.Error("sse fetch error", "execution_id", id, "error", err)
				continue
			}

			if changed(last, status) {
				if err := sendSSEEvent(w, flusher, "update", status); err != nil {
					s.logger.Debug("sse client disconnected", "execution_id", id)
					return
				}
				last = status
			} else {
				fmt.Fprintf(w, ": heartbeat\n\n")
				flusher.Flush()
			}

			if status.State.IsTerminal() {
				sendSSEEvent(w, flusher, "complete", status)
				return
			}
		}
	}
}

func changed(prev, cur *model.ExecutionStatus) bool {
	return prev.State != cur.State || !maps.Equal(prev.Counts, cur.Counts)
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
