// Package main is the entry point for the HaloView server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haloview/server/internal/api"
	"github.com/haloview/server/internal/cache"
	"github.com/haloview/server/internal/config"
	"github.com/haloview/server/internal/data/imagefile"
	"github.com/haloview/server/internal/data/tiledb"
	"github.com/haloview/server/internal/data/zarr"
	"github.com/haloview/server/internal/engine"
	"github.com/haloview/server/internal/render"
	"github.com/haloview/server/internal/service"
	"github.com/haloview/server/internal/tile"
	"github.com/haloview/server/internal/view"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting HaloView server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: cfg.Cache.ImageCacheSizeMB,
		ImageTTL:         cfg.Cache.ImageTTL(),
		QueryCacheSize:   cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize renderer (shared across all datasets)
	renderer, err := render.NewRenderer(render.Config{
		DefaultColormap: cfg.Render.DefaultColormap,
		Outline:         cfg.Render.Outline,
	})
	if err != nil {
		log.Fatalf("Failed to initialize renderer: %v", err)
	}

	ghost, err := view.ParseGhostPolicy(cfg.Engine.Ghost, float32(cfg.Engine.GhostFill))
	if err != nil {
		log.Fatalf("Invalid engine configuration: %v", err)
	}

	// Stores close after the engines that read them.
	var closers []func()
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.Default, cfg.Server.Title)
	defer registry.Close()

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.Default)

	engineLogger := slog.Default().With("component", "engine")
	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]

		src, closeSrc, err := openSource(ds)
		if err != nil {
			log.Fatalf("Failed to open dataset %q: %v", datasetID, err)
		}
		closers = append(closers, closeSrc)

		g, _ := src.Geometry(0)
		log.Printf("  [%s] %s %s: %dx%d, %d level(s), %dx%d tiles",
			datasetID, ds.Format, ds.Path, g.ImageWidth, g.ImageHeight, src.LevelCount(), g.TileWidth, g.TileHeight)

		eng, err := engine.New(engine.Config[float32]{
			Source:        src,
			Radius:        cfg.Engine.Radius,
			MemoryBudget:  int64(cfg.Engine.MemoryBudgetMB) << 20,
			Workers:       cfg.Engine.Workers,
			Ghost:         ghost,
			PreserveOrder: cfg.Engine.PreserveOrder,
			RetainTiles:   cfg.Engine.RetainTiles,
			Logger:        engineLogger.With("dataset", datasetID),
		})
		if err != nil {
			log.Fatalf("Failed to start engine for dataset %q (minimum budget %d bytes): %v",
				datasetID, engine.MinBudget[float32](g, cfg.Engine.Radius), err)
		}

		registry.Register(datasetID, ds.Name, service.NewViewService(service.ViewServiceConfig{
			DatasetID: datasetID,
			Name:      ds.Name,
			Format:    ds.Format,
			Ghost:     ghost,
			Engine:    eng,
			Cache:     cacheManager,
			Renderer:  renderer,
		}))
	}

	// Initialize job manager for traversal jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Traversal job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	jobManager.Executor = api.TraversalExecutor(registry, api.JobEngineConfig{
		MemoryBudget: int64(cfg.Jobs.MemoryBudgetMB) << 20,
		Workers:      cfg.Engine.Workers,
		RetainTiles:  cfg.Engine.RetainTiles,
		Logger:       slog.Default().With("component", "jobs"),
	})

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		Cache:       cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// openSource opens a dataset as float32 tiles. The returned func releases
// the underlying store.
func openSource(ds config.DatasetConfig) (tile.Source[float32], func(), error) {
	noop := func() {}
	pyramid := imagefile.Options{TileWidth: ds.TileSize, TileHeight: ds.TileSize, Levels: ds.Levels}

	switch ds.Format {
	case "zarr":
		r, err := zarr.NewReader[float32](ds.Path)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "tiledb":
		attr := ds.Attribute
		if attr == "" {
			attr = tiledb.DefaultAttribute
		}
		s, err := tiledb.NewSource[float32](ds.Path, attr)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "imagefile":
		s, err := imagefile.Open[float32](ds.Path, pyramid)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case "demo":
		s, err := imagefile.FromImage[float32](imagefile.Pattern(ds.Width, ds.Height), pyramid)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	}
	return nil, nil, fmt.Errorf("unknown format %q", ds.Format)
}
