package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/gomh/pkg/model"
)

// handleRegisterProcessor admits a processor and its cores.
// POST /api/v1/processors
func (s *Server) handleRegisterProcessor(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	if req.Name == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "name", Message: "name is required"}))
		return
	}

	auth := ProcessorAuthFromContext(r.Context())
	for _, c := range req.Cores {
		if !auth.CanDeclareCore(c.Code) {
			respondError(w, reqID, http.StatusForbidden, &model.APIError{
				Code:    model.ErrForbidden,
				Message: "processor key does not allow core: " + c.Code,
			})
			return
		}
	}

	p, err := s.dispatcher.RegisterProcessor(req)
	if err != nil {
		s.respondDispatchError(w, reqID, err)
		return
	}
	if err := s.store.SaveProcessor(r.Context(), p); err != nil {
		s.logger.Warn("persist processor", "processor_id", p.ID, "error", err)
	}

	respondCreated(w, reqID, p)
}

// handleHeartbeat refreshes a processor's last_seen timestamp.
// PUT /api/v1/processors/{pid}/heartbeat
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	pid := chi.URLParam(r, "pid")

	p, err := s.dispatcher.Heartbeat(pid)
	if err != nil {
		s.respondDispatchError(w, reqID, err)
		return
	}

	respondOK(w, reqID, map[string]any{
		"processor_id": p.ID,
		"state":        p.State,
	})
}

// handleDeregisterProcessor reclaims a processor's tasks and forgets it.
// DELETE /api/v1/processors/{pid}
func (s *Server) handleDeregisterProcessor(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	pid := chi.URLParam(r, "pid")

	if err := s.dispatcher.Deregister(r.Context(), pid); err != nil {
		s.respondDispatchError(w, reqID, err)
		return
	}
	// A processor that never outlived a tick has no row yet.
	if err := s.store.DeleteProcessor(r.Context(), pid); err != nil {
		s.logger.Debug("delete processor row", "processor_id", pid, "error", err)
	}

	respondOK(w, reqID, map[string]any{"id": pid, "deleted": true})
}

// handleListProcessors returns every registered processor.
// GET /api/v1/processors
func (s *Server) handleListProcessors(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.dispatcher.ListProcessors())
}

// handleReclaimProcessor returns a processor's in-progress tasks to NONE.
// POST /api/v1/processors/{pid}/reclaim
func (s *Server) handleReclaimProcessor(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	pid := chi.URLParam(r, "pid")

	if _, err := s.dispatcher.Processor(pid); err != nil {
		s.respondDispatchError(w, reqID, err)
		return
	}
	n, err := s.dispatcher.ReclaimStaleProcessor(r.Context(), pid)
	if err != nil {
		s.respondDispatchError(w, reqID, err)
		return
	}

	respondOK(w, reqID, map[string]any{"processor_id": pid, "reclaimed": n})
}

// handlePollTask hands the next runnable task to a processor core.
// GET /api/v1/processors/{pid}/cores/{cid}/task
// Returns 200 with the assignment or 204 No Content if there is no work.
func (s *Server) handlePollTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	pid := chi.URLParam(r, "pid")
	cid := chi.URLParam(r, "cid")

	a, err := s.dispatcher.PollForTask(r.Context(), pid, cid)
	if err != nil {
		s.respondDispatchError(w, reqID, err)
		return
	}
	if a == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.logger.Debug("task assigned", "processor_id", pid, "core_id", cid, "execution_id", a.ExecutionID, "task_id", a.TaskID)
	respondOK(w, reqID, a)
}

// handleReportResult records the outcome of an assigned task.
// PUT /api/v1/processors/{pid}/cores/{cid}/tasks/{tid}/result
func (s *Server) handleReportResult(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	tid, err := strconv.ParseInt(chi.URLParam(r, "tid"), 10, 64)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid task id",
				model.FieldError{Field: "tid", Message: err.Error()}))
		return
	}

	var rep model.TaskReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}
	if rep.ExecutionID <= 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "execution_id", Message: "execution_id is required"}))
		return
	}
	rep.ProcessorID = chi.URLParam(r, "pid")
	rep.CoreID = chi.URLParam(r, "cid")
	rep.TaskID = tid

	ack, err := s.dispatcher.ReportTaskResult(r.Context(), rep)
	if err != nil {
		s.respondDispatchError(w, reqID, err)
		return
	}

	respondOK(w, reqID, ack)
}
