// Package main is the entry point for the margin-debt vulnerability analysis
// service. It loads the FINRA margin statistics and the macro/market sources,
// derives leverage ratios, the vulnerability index and risk classification on
// a monthly grid, and serves the finished dataset over a JSON API. A daily
// scheduled job refreshes the dataset from the upstream sources.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/marginscope/marginscope/internal/cache"
	"github.com/marginscope/marginscope/internal/clients/fred"
	"github.com/marginscope/marginscope/internal/clients/quotes"
	"github.com/marginscope/marginscope/internal/config"
	"github.com/marginscope/marginscope/internal/database"
	"github.com/marginscope/marginscope/internal/finra"
	"github.com/marginscope/marginscope/internal/pipeline"
	"github.com/marginscope/marginscope/internal/scheduler"
	"github.com/marginscope/marginscope/internal/server"
	"github.com/marginscope/marginscope/pkg/logger"
)

const (
	// refreshSchedule recomputes the dataset daily at 06:00, after FRED's
	// overnight release window.
	refreshSchedule = "0 0 6 * * *"
	// cleanupSchedule prunes expired cache entries hourly.
	cleanupSchedule = "0 30 * * * *"
	// maintenanceSchedule truncates the cache database WAL nightly.
	maintenanceSchedule = "0 0 3 * * *"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting marginscope")

	// The cache database holds serialized analysis results and client
	// responses; losing it only costs a recompute.
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer db.Close()

	store, err := cache.NewStore(db.Conn())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cache store")
	}

	fredClient := fred.NewClient(cfg.FredAPIKey, store, log)
	quoteClient := quotes.NewClient(cfg.QuoteBaseURL, store, log)
	loader := finra.New(log)

	svc := pipeline.New(cfg, loader, fredClient, quoteClient, store, log)

	sched := scheduler.New(log)
	refreshJob := scheduler.NewRefreshJob(svc, log)
	if err := sched.AddJob(refreshSchedule, refreshJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to register refresh job")
	}
	if err := sched.AddJob(cleanupSchedule, cache.NewCleanupJob(store, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cache cleanup job")
	}
	if err := sched.AddJob(maintenanceSchedule, database.NewMaintenanceJob(db, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register database maintenance job")
	}
	sched.Start()
	defer sched.Stop()

	// Warm the dataset before serving so the first request doesn't pay for
	// the full fetch. A failure here is not fatal: the sources may recover
	// by the time a request or the scheduled refresh arrives.
	go func() {
		if err := sched.RunNow(refreshJob); err != nil {
			log.Warn().Err(err).Msg("Initial dataset build failed, will retry on schedule")
		}
	}()

	srv := server.New(server.Config{
		Log:      log,
		Config:   cfg,
		Provider: svc,
		DB:       db,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
