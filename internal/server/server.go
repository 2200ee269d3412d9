// Package server is the dispatcher's HTTP surface: the tile hot path with
// single-flight coalescing, datasource CRUD, pyramid scheduling, and worker
// pool maintenance.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tilecraft/tileserv/internal/cache"
	"github.com/tilecraft/tileserv/internal/config"
	"github.com/tilecraft/tileserv/internal/datasource"
	"github.com/tilecraft/tileserv/internal/generator"
	"github.com/tilecraft/tileserv/internal/queue"
	"github.com/tilecraft/tileserv/internal/remote"
	"github.com/tilecraft/tileserv/internal/worker"
)

// Pool is the worker-pool surface the server drives. *worker.Pool satisfies
// it; handler tests swap in fakes.
type Pool interface {
	generator.Generator
	AddWorkers(ctx context.Context, n int) error
	ReloadAll(ctx context.Context) error
	TerminateAll(deadline time.Duration)
	Info() []worker.SlotInfo
}

// Server wires the HTTP handlers to the dispatcher components.
type Server struct {
	cfg      *config.Config
	registry *datasource.Registry
	cache    *cache.Cache
	pool     Pool
	gate     *worker.Gate
	fleet    *remote.Fleet
	queue    *queue.Queue

	flights singleflight.Group
	log     *zap.Logger
}

// Options carries the component handles for New. Pool, Fleet, and Queue may
// be nil on cache-only nodes; the handlers degrade per node role.
type Options struct {
	Config   *config.Config
	Registry *datasource.Registry
	Cache    *cache.Cache
	Pool     Pool
	Gate     *worker.Gate
	Fleet    *remote.Fleet
	Queue    *queue.Queue
}

// New creates the Server.
func New(opts Options) *Server {
	return &Server{
		cfg:      opts.Config,
		registry: opts.Registry,
		cache:    opts.Cache,
		pool:     opts.Pool,
		gate:     opts.Gate,
		fleet:    opts.Fleet,
		queue:    opts.Queue,
		log:      zap.L().With(zap.String("component", "server")),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tile/{id}/{z}/{x}/{y}.{ext}", s.handleTile)

		r.Post("/pyramid", s.handlePyramidEnqueue)
		r.Get("/pyramid/jobs", s.handlePyramidJobs)
		r.Post("/pyramid/cancel/{job_id}", s.handlePyramidCancel)

		r.Route("/datasources", func(r chi.Router) {
			r.Get("/", s.handleDatasourceList)
			r.Post("/", s.handleDatasourceCreate)
			r.Put("/", s.handleDatasourceUpdate)
			r.Post("/load_files", s.handleLoadFiles)
			r.Post("/reload_files", s.handleReloadFiles)
			r.Get("/{id}", s.handleDatasourceGet)
			r.Delete("/{id}", s.handleDatasourceDelete)
		})
	})

	r.Route("/maintenance", func(r chi.Router) {
		r.Post("/add_workers", s.handleAddWorkers)
		r.HandleFunc("/reload_workers", s.handleReloadWorkers)
		r.HandleFunc("/terminate_workers", s.handleTerminateWorkers)
		r.Get("/info_workers", s.handleInfoWorkers)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// Run serves until ctx is cancelled, then drains with a shutdown deadline.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("starting server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"cache_only": s.pool == nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
