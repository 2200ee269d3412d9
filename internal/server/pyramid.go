package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tilecraft/tileserv/internal/queue"
)

// handlePyramidEnqueue schedules a pyramid build. Idempotent per datasource:
// an already pending or running build returns its job id instead of a new
// one.
func (s *Server) handlePyramidEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "no job queue on this node")
		return
	}

	var req struct {
		DatasourceID string `json:"datasource_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DatasourceID == "" {
		writeError(w, http.StatusBadRequest, "datasource_id is required")
		return
	}

	if _, err := s.registry.Get(req.DatasourceID); err != nil {
		writeError(w, http.StatusNotFound, "unknown datasource")
		return
	}

	if jobID, running, err := s.queue.ActivePyramid(r.Context(), req.DatasourceID); err != nil {
		s.log.Error("pyramid lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue lookup failed")
		return
	} else if running {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"pyramid_id":      jobID,
			"already_running": true,
		})
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(),
		queue.Detail{Type: "pyramid", DatasourceID: req.DatasourceID},
		time.Now(),
	)
	if err != nil {
		s.log.Error("pyramid enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"pyramid_id":      jobID,
		"already_running": false,
	})
}

func (s *Server) handlePyramidJobs(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "no job queue on this node")
		return
	}

	var filter *queue.Status
	if name := r.URL.Query().Get("status"); name != "" {
		st, ok := statusFromName(name)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		filter = &st
	}

	jobs, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.log.Error("job list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handlePyramidCancel(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "no job queue on this node")
		return
	}

	err := s.queue.Cancel(r.Context(), chi.URLParam(r, "job_id"))
	if eris.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		s.log.Error("job cancel failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func statusFromName(name string) (queue.Status, bool) {
	for _, st := range []queue.Status{
		queue.StatusPending, queue.StatusRunning, queue.StatusSucceeded,
		queue.StatusFailed, queue.StatusCancelled,
	} {
		if st.String() == name {
			return st, true
		}
	}
	return 0, false
}
