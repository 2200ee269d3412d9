package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tilecraft/tileserv/internal/worker"
)

func (s *Server) handleAddWorkers(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "no worker pool on this node")
		return
	}

	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Count < 1 {
		writeError(w, http.StatusBadRequest, "count must be >= 1")
		return
	}

	if err := s.pool.AddWorkers(r.Context(), req.Count); err != nil {
		s.log.Error("add workers failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "add workers failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"added":  req.Count,
	})
}

func (s *Server) handleReloadWorkers(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "no worker pool on this node")
		return
	}

	err := s.pool.ReloadAll(r.Context())
	if eris.Is(err, worker.ErrReloadInProgress) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "reload already in progress"})
		return
	}
	if err != nil {
		s.log.Error("reload workers failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleTerminateWorkers(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "no worker pool on this node")
		return
	}

	s.pool.TerminateAll(10 * time.Second)
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleInfoWorkers(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "no worker pool on this node")
		return
	}

	info := s.pool.Info()
	if info == nil {
		info = []worker.SlotInfo{}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{"cache": s.cache.Stats()}
	if s.gate != nil {
		stats["admission_in_use"] = s.gate.InUse()
		stats["admission_cap"] = s.gate.Cap()
	}
	writeJSON(w, http.StatusOK, stats)
}
