package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mgiraud/papermill/internal/store"
	"github.com/mgiraud/papermill/internal/task"
)

// API error codes. They are stable across releases; HTTP statuses are
// derived from them. 0 is reserved for success and never appears in an
// error payload.
const (
	codeInvalidInput      = 1
	codeNotFound          = 2
	codeConflict          = 3
	codeResourceExhausted = 4
	codeInternal          = 5
)

func httpStatusFor(code int) int {
	switch code {
	case codeInvalidInput:
		return http.StatusBadRequest
	case codeNotFound:
		return http.StatusNotFound
	case codeConflict:
		return http.StatusConflict
	case codeResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, httpStatusFor(code), errorResponse{Code: code, Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitRequest is the POST /api/tasks body. The raw body is checked
// against submitSchema first, so unknown keys never reach this struct.
type submitRequest struct {
	Path       string       `json:"path"`
	OutputPath string       `json:"output_path"`
	Priority   string       `json:"priority"`
	Options    task.Options `json:"options"`
}

const maxSubmitBody = 1 << 20

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxSubmitBody)

	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		s.writeError(w, codeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if err := validateSubmit(raw); err != nil {
		s.writeError(w, codeInvalidInput, err.Error())
		return
	}

	var req submitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeError(w, codeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}

	priority, err := task.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, codeInvalidInput, err.Error())
		return
	}

	t := task.New(req.Path, priority, req.Options.WithDefaults())
	t.OutputPath = req.OutputPath

	if err := s.manager.Enqueue(r.Context(), t); err != nil {
		s.logger.Error("enqueue failed", "input", req.Path, "error", err)
		s.writeError(w, codeInternal, "failed to enqueue task")
		return
	}

	s.writeJSON(w, http.StatusCreated, t.Snapshot())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if t, ok := s.manager.Get(id); ok {
		s.writeJSON(w, http.StatusOK, t.Snapshot())
		return
	}

	// Swept tasks live on in the store until retention expires.
	snap, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, codeNotFound, "task "+id+" not found")
		return
	}
	if err != nil {
		s.logger.Error("task lookup failed", "task_id", id, "error", err)
		s.writeError(w, codeInternal, "failed to load task")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status task.Status
	if v := q.Get("status"); v != "" {
		status = task.Status(v)
		if !status.Valid() {
			s.writeError(w, codeInvalidInput, "unknown status "+strconv.Quote(v))
			return
		}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, codeInvalidInput, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	snaps := s.manager.List()
	out := make([]task.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		if status != "" && snap.Status != status {
			continue
		}
		out = append(out, snap)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks": out,
		"count": len(out),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "pause", s.manager.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "resume", s.manager.Resume)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "cancel", s.manager.Cancel)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, verb string, op func(ctx context.Context, id string) bool) {
	id := r.PathValue("id")

	t, ok := s.manager.Get(id)
	if !ok {
		s.writeError(w, codeNotFound, "task "+id+" not found")
		return
	}
	if !op(r.Context(), id) {
		s.writeError(w, codeConflict, "cannot "+verb+" task in status "+string(t.CurrentStatus()))
		return
	}
	s.writeJSON(w, http.StatusOK, t.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Stats())
}
