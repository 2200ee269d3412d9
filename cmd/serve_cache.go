package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tilecraft/tileserv/internal/cache"
	"github.com/tilecraft/tileserv/internal/datasource"
	"github.com/tilecraft/tileserv/internal/server"
)

var (
	cacheAddress string
	cacheOnlyDir string
	cacheDataDir string
)

var serveCacheCmd = &cobra.Command{
	Use:   "serve-cache",
	Short: "Start a cache-only node",
	Long:  "Serves pre-generated tiles straight from disk: no worker children are spawned and no database is required. Misses are terminal.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Descriptors come from files alone; there is no DB to hydrate from.
		registry := datasource.NewRegistry(datasource.WithRoot(cacheDataDir))
		report := registry.LoadFiles(ctx)

		tileCache := cache.New(cacheOnlyDir)
		defer tileCache.Close()

		zap.L().Info("cache-only node starting",
			zap.String("addr", cacheAddress),
			zap.Int("vector_datasources", report.LoadVectorDatasources),
			zap.Int("raster_datasources", report.LoadRasterDatasources),
		)

		srv := server.New(server.Options{
			Config:   cfg,
			Registry: registry,
			Cache:    tileCache,
		})
		return srv.Run(ctx, cacheAddress)
	},
}

func init() {
	serveCacheCmd.Flags().StringVar(&cacheAddress, "listen", ":8000", "bind address")
	serveCacheCmd.Flags().StringVar(&cacheOnlyDir, "cache-dir", "./cache", "tile cache root directory")
	serveCacheCmd.Flags().StringVar(&cacheDataDir, "data-dir", ".", "directory holding the datasources/vector and datasources/raster folders")
	rootCmd.AddCommand(serveCacheCmd)
}
