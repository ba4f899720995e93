// Package main is the entry point for the eyelocater server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eyelocater/eyelocater/internal/annotate"
	"github.com/eyelocater/eyelocater/internal/api"
	"github.com/eyelocater/eyelocater/internal/cache"
	"github.com/eyelocater/eyelocater/internal/config"
	"github.com/eyelocater/eyelocater/internal/pipeline"
	"github.com/eyelocater/eyelocater/internal/render"
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

	log.Printf("Starting eyelocater server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Cache manager, shared by previews and preloaded datasets
	cacheManager, err := cache.NewManager(cache.Config{
		PreviewCacheSizeMB: cfg.Cache.PreviewSizeMB,
		PreviewTTL:         time.Duration(cfg.Cache.PreviewTTLMinutes) * time.Minute,
		DatasetCacheSize:   cfg.Cache.DatasetEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	loader, err := annotate.NewLoader()
	if err != nil {
		log.Fatalf("Failed to initialize loader: %v", err)
	}
	defer loader.Close()

	previewRenderer := render.NewPreviewRenderer(render.PreviewConfig{
		Size:            cfg.Render.PreviewSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})
	service := api.NewDatasetService(cfg.Data.MainPath, loader, cacheManager, previewRenderer)

	// The pipeline instance shared by queued runs
	pl, err := pipeline.New(render.Config{
		WidthInches:  cfg.Render.PlotWidthInches,
		HeightInches: cfg.Render.PlotHeightInches,
		DotSize:      cfg.Render.DotSize,
		Colormap:     cfg.Render.DefaultColormap,
	})
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}
	defer pl.Close()

	runManager, err := api.NewRunManager(api.RunManagerConfig{
		MaxConcurrent: cfg.Runs.Workers,
		SQLitePath:    cfg.Runs.DBPath,
		RetentionDays: cfg.Runs.RetentionDays,
	})
	if err != nil {
		log.Fatalf("Failed to initialize run manager: %v", err)
	}
	runManager.Executor = func(ctx context.Context, runCfg pipeline.Config) (*pipeline.Result, error) {
		// Reuse a cached dataset handle when the run targets the
		// served dataset; the pipeline copies it before mutating.
		if runCfg.PreloadedMain == nil {
			if ds, ok := cacheManager.GetDataset(runCfg.MainDataPath); ok {
				runCfg.PreloadedMain = ds
			}
		}
		return pl.Run(ctx, runCfg)
	}
	runManager.Start()
	defer runManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Service:     service,
		RunManager:  runManager,
		CORSOrigins: cfg.Server.CORSOrigins,
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
