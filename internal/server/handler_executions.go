package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/gomh/internal/dispatcher"
	"github.com/me/gomh/pkg/model"
)

// handleStartExecution registers a new execution.
// POST /api/v1/executions
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var spec model.ExecutionSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}
	if spec.Graph == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "graph", Message: "graph is required"}))
		return
	}
	if spec.ID < 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid execution id",
				model.FieldError{Field: "id", Message: "must not be negative"}))
		return
	}
	if spec.ID > 0 {
		// Retired executions only live in the store.
		snap, err := s.store.GetExecution(r.Context(), spec.ID)
		if err != nil {
			respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
			return
		}
		if snap != nil {
			respondError(w, reqID, http.StatusConflict, &model.APIError{
				Code:    model.ErrConflict,
				Message: fmt.Sprintf("execution %d already exists", spec.ID),
			})
			return
		}
	}

	status, err := s.dispatcher.StartExecution(r.Context(), spec)
	if err != nil {
		s.respondDispatchError(w, reqID, err)
		return
	}

	respondCreated(w, reqID, status)
}

// handleListExecutions returns in-memory executions, or persisted ones
// when archived=true.
// GET /api/v1/executions
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	if r.URL.Query().Get("archived") != "true" {
		respondOK(w, reqID, s.dispatcher.ListExecutions(r.Context()))
		return
	}

	opts := model.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	states, err := model.ParseExecutionStates(r.URL.Query().Get("state"))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid state filter", model.FieldError{Field: "state", Message: err.Error()}))
		return
	}
	opts.States = states
	opts.Name = r.URL.Query().Get("name")
	opts.Clamp()

	snaps, total, err := s.store.ListExecutions(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	out := make([]model.ExecutionStatus, 0, len(snaps))
	for _, snap := range snaps {
		st, err := dispatcher.StatusFromSnapshot(*snap, false)
		if err != nil {
			s.logger.Warn("unreadable snapshot", "execution_id", snap.ID, "error", err)
			continue
		}
		out = append(out, *st)
	}

	respondList(w, reqID, out, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(snaps) < total,
	})
}

// handleGetExecution returns an execution with per-task states.
// GET /api/v1/executions/{id}
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
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
	respondOK(w, reqID, status)
}

// executionStatus reads a live execution, falling back to its snapshot once
// it has been retired.
func (s *Server) executionStatus(ctx context.Context, id int64) (*model.ExecutionStatus, error) {
	status, err := s.dispatcher.ExecutionStatus(ctx, id, true)
	if !errors.Is(err, model.ErrUnknownExecution) {
		return status, err
	}
	snap, serr := s.store.GetExecution(ctx, id)
	if serr != nil {
		return nil, serr
	}
	if snap == nil {
		return nil, err
	}
	return dispatcher.StatusFromSnapshot(*snap, true)
}

// handleExportGraph returns the execution graph as DOT text.
// GET /api/v1/executions/{id}/graph
func (s *Server) handleExportGraph(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := executionIDParam(w, r)
	if !ok {
		return
	}

	text, err := s.dispatcher.ExportGraph(r.Context(), id)
	if errors.Is(err, model.ErrUnknownExecution) {
		snap, serr := s.store.GetExecution(r.Context(), id)
		switch {
		case serr != nil:
			err = serr
		case snap != nil:
			text, err = snap.Graph, nil
		}
	}
	if err != nil {
		s.respondDispatchError(w, reqID, err)
		return
	}

	w.Header().Set("Content-Type", "text/vnd.graphviz")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}

// handleResetTask returns a task and its descendants to NONE.
// PUT /api/v1/executions/{id}/tasks/{tid}/reset
func (s *Server) handleResetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := executionIDParam(w, r)
	if !ok {
		return
	}
	tid, err := strconv.ParseInt(chi.URLParam(r, "tid"), 10, 64)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid task id",
				model.FieldError{Field: "tid", Message: err.Error()}))
		return
	}

	reset, err := s.dispatcher.ResetTask(r.Context(), id, tid)
	if err != nil {
		s.respondDispatchError(w, reqID, err)
		return
	}

	respondOK(w, reqID, map[string]any{"execution_id": id, "reset": reset})
}

func executionIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
			model.NewValidationError("invalid execution id",
				model.FieldError{Field: "id", Message: "must be a positive integer"}))
		return 0, false
	}
	return id, true
}
