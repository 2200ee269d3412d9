package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tilecraft/tileserv/internal/cache"
	"github.com/tilecraft/tileserv/internal/datasource"
	"github.com/tilecraft/tileserv/internal/db"
	"github.com/tilecraft/tileserv/internal/pyramid"
	"github.com/tilecraft/tileserv/internal/queue"
	"github.com/tilecraft/tileserv/internal/remote"
	"github.com/tilecraft/tileserv/internal/server"
	"github.com/tilecraft/tileserv/internal/worker"
)

var (
	serveAddress string
	serveListen  string
	cacheDir     string
	dataDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a dispatcher node",
	Long:  "Starts a worker node by default; --address promotes the node to master (public entry point plus queue runner).",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if serveAddress != "" {
			cfg.Address = serveAddress
		}

		// A DB is required for serve in both roles.
		pool, err := db.Connect(ctx, cfg.DB)
		if err != nil {
			return err
		}
		defer pool.Close()

		registry := datasource.NewRegistry(
			datasource.WithStore(datasource.NewPostgresStore(pool)),
			datasource.WithSchemaChecker(datasource.NewPostgresSchemaChecker(pool)),
			datasource.WithRoot(dataDir),
		)
		if err := registry.Hydrate(ctx); err != nil {
			return err
		}

		tileCache := cache.New(cacheDir)
		defer tileCache.Close()

		workerPool := worker.NewPool(worker.Config{
			Backend:        cfg.Type,
			Processes:      cfg.ProcessesWorkers,
			RequestTimeout: cfg.WorkerTimeout(),
			DrainInterval:  time.Duration(cfg.ReloadRepeatMinutes) * time.Minute,
			DrainAttempts:  cfg.ReloadRepeatAttempts,
		})
		if err := workerPool.Start(ctx); err != nil {
			return err
		}
		defer workerPool.TerminateAll(10 * time.Second)

		fleet := remote.NewFleet(cfg.WorkerTimeout())
		scheduler := worker.NewReloadScheduler(workerPool, cfg.ReloadTime, cfg.ReloadPeriodicityDays)
		go scheduler.Run(ctx)

		opts := server.Options{
			Config:   cfg,
			Registry: registry,
			Cache:    tileCache,
			Pool:     workerPool,
			Gate:     worker.NewGate(cfg.MaxConcurrentTileRequests),
			Fleet:    fleet,
		}

		addr := serveListen
		if cfg.IsMaster() {
			addr = cfg.Address

			// Masters own queue execution; workers only serve forwarded
			// tile and pyramid work.
			jobQueue := queue.New(pool)
			opts.Queue = jobQueue

			executor := pyramid.NewExecutor(registry,
				pyramid.NewBuilder(cfg.ThreadWorkers), jobQueue, workerPool, fleet)
			runner := queue.NewRunner(jobQueue, executor, queue.RunnerConfig{
				MasterID: masterID(),
				Interval: cfg.PullJobInterval(),
			})
			go runner.Run(ctx)
		}

		zap.L().Info("dispatcher starting",
			zap.Bool("master", cfg.IsMaster()),
			zap.String("addr", addr),
			zap.String("backend", cfg.Type),
			zap.Int("workers", cfg.ProcessesWorkers),
		)
		return server.New(opts).Run(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "public bind address; presence makes this node a master")
	serveCmd.Flags().StringVar(&serveListen, "listen", ":8000", "bind address for worker nodes")
	serveCmd.Flags().StringVar(&cacheDir, "cache-dir", "./cache", "tile cache root directory")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", ".", "directory holding the datasources/vector and datasources/raster folders")
	rootCmd.AddCommand(serveCmd)
}

// masterID identifies this master in queue claims.
func masterID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
