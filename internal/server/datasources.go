package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tilecraft/tileserv/internal/datasource"
)

func (s *Server) handleDatasourceList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleDatasourceGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown datasource")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDatasourceCreate(w http.ResponseWriter, r *http.Request) {
	var d datasource.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, verrs, err := s.registry.Create(r.Context(), &d)
	if err != nil {
		s.log.Error("datasource create failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	if len(verrs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": verrs})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"datasource_id": id,
		"message":       "datasource created",
	})
}

func (s *Server) handleDatasourceUpdate(w http.ResponseWriter, r *http.Request) {
	var d datasource.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	verrs, err := s.registry.Update(r.Context(), &d)
	if eris.Is(err, datasource.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown datasource")
		return
	}
	if err != nil {
		s.log.Error("datasource update failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	if len(verrs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": verrs})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"datasource_id": d.ID,
		"message":       "datasource updated",
	})
}

func (s *Server) handleDatasourceDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.registry.Delete(r.Context(), id)
	if eris.Is(err, datasource.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown datasource")
		return
	}
	if err != nil {
		s.log.Error("datasource delete failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}

	// Cached tiles for the id are now unreachable; the cache handle is
	// dropped so the archive file can be replaced or removed.
	s.cache.Invalidate(id)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "datasource deleted",
	})
}

func (s *Server) handleLoadFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.LoadFiles(r.Context()))
}

func (s *Server) handleReloadFiles(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, s.registry.ReloadFiles(r.Context(), ids))
}
