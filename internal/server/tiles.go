package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tilecraft/tileserv/internal/cache"
	"github.com/tilecraft/tileserv/internal/datasource"
	"github.com/tilecraft/tileserv/internal/generator"
	"github.com/tilecraft/tileserv/internal/tile"
)

// errAdmissionRejected maps to HTTP 503 without touching a worker.
var errAdmissionRejected = eris.New("server: admission gate full")

// errCacheOnlyMiss is the terminal outcome for use_cache_only datasources.
var errCacheOnlyMiss = eris.New("server: cache-only miss")

// tileOutcome is the shared result all waiters on one fingerprint receive.
type tileOutcome struct {
	empty bool
	bytes []byte
}

// handleTile is the hot path: resolve, validate, coalesce, serve.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	coord, err := tile.ParseCoord(
		chi.URLParam(r, "id"),
		chi.URLParam(r, "z"),
		chi.URLParam(r, "x"),
		chi.URLParam(r, "y"),
		chi.URLParam(r, "ext"),
	)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid tile coordinate")
		return
	}

	d, err := s.registry.Get(coord.DatasourceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown datasource")
		return
	}

	if !d.ExtAllowed(coord.Ext) || !d.ZoomInRange(coord.Z) {
		writeError(w, http.StatusNotFound, "out of range")
		return
	}
	if !d.Contains(coord) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Single-flight: one underlying lookup+generation per fingerprint. The
	// leader runs detached from any one caller's context so a disconnect
	// doesn't fail the waiters; a caller that does disconnect just stops
	// listening and the shared result is discarded for it.
	ch := s.flights.DoChan(coord.Fingerprint(), func() (any, error) {
		return s.resolveTile(context.WithoutCancel(r.Context()), d, coord)
	})

	select {
	case <-r.Context().Done():
		return
	case res := <-ch:
		s.writeTile(w, d, coord, res.Val, res.Err)
	}
}

// resolveTile consults the cache and, on a miss, the owning generator.
func (s *Server) resolveTile(ctx context.Context, d *datasource.Descriptor, coord tile.Coord) (tileOutcome, error) {
	art, err := s.cache.Lookup(coord)
	if err != nil {
		return tileOutcome{}, err
	}
	switch art.Status {
	case cache.Present:
		return tileOutcome{bytes: art.Bytes}, nil
	case cache.Empty:
		return tileOutcome{empty: true}, nil
	}

	if d.UseCacheOnly {
		return tileOutcome{}, errCacheOnlyMiss
	}

	if d.Remote() && s.fleet != nil {
		res, err := s.fleet.For(d.Host, d.Port).Generate(ctx, coord)
		return outcomeFrom(res), err
	}

	if s.pool == nil {
		// Cache-only node without a remote owner: the miss is terminal.
		return tileOutcome{}, errCacheOnlyMiss
	}

	if !s.gate.TryAcquire() {
		return tileOutcome{}, errAdmissionRejected
	}
	defer s.gate.Release()

	res, err := s.pool.Generate(ctx, coord)
	return outcomeFrom(res), err
}

func outcomeFrom(res generator.Result) tileOutcome {
	if res.Status == generator.Empty {
		return tileOutcome{empty: true}
	}
	return tileOutcome{bytes: res.Bytes}
}

// writeTile maps the shared outcome onto the HTTP response.
func (s *Server) writeTile(w http.ResponseWriter, d *datasource.Descriptor, coord tile.Coord, val any, err error) {
	switch {
	case err == nil:
	case eris.Is(err, errCacheOnlyMiss):
		w.WriteHeader(http.StatusNoContent)
		return
	case eris.Is(err, errAdmissionRejected), eris.Is(err, generator.ErrTimeout):
		writeError(w, http.StatusServiceUnavailable, "overloaded")
		return
	default:
		s.log.Error("tile request failed",
			zap.String("coord", coord.String()),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "tile generation failed")
		return
	}

	outcome := val.(tileOutcome)
	if outcome.empty || len(outcome.bytes) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", coord.Ext.ContentType())
	if d.CompressTiles && coord.Ext.Vector() {
		w.Header().Set("Content-Encoding", "gzip")
	}
	_, _ = w.Write(outcome.bytes)
}
