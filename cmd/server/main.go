// Package main is the entry point for the portfolio risk engine service.
// It wires the data loader, analysis engine, and HTTP server, and schedules
// periodic disk-cache maintenance.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/henrysouchien/portfolio-risk-engine/internal/clients/fmp"
	"github.com/henrysouchien/portfolio-risk-engine/internal/config"
	"github.com/henrysouchien/portfolio-risk-engine/internal/database"
	"github.com/henrysouchien/portfolio-risk-engine/internal/engine"
	"github.com/henrysouchien/portfolio-risk-engine/internal/marketdata"
	"github.com/henrysouchien/portfolio-risk-engine/internal/server"
	"github.com/henrysouchien/portfolio-risk-engine/pkg/logger"
)

// cacheRetention is how long disk cache entries live before the maintenance
// job evicts them. Month-end data only changes on calendar roll, so a
// generous retention is safe.
const cacheRetention = 35 * 24 * time.Hour

func main() {
	dataDirFlag := flag.String("data-dir", "", "Override data directory (defaults to RISK_DATA_DIR or ./data)")
	flag.Parse()

	cfg, err := config.Load(*dataDirFlag)
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("data_dir", cfg.DataDir).
		Int("port", cfg.Port).
		Int("fetch_workers", cfg.FetchWorkers).
		Msg("Starting portfolio risk engine")

	// Disk cache database (cache profile: fast, recomputable).
	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "price_cache.db"),
		Profile: database.ProfileCache,
		Name:    "price_cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer func() { _ = cacheDB.Close() }()

	store, err := marketdata.NewStore(cacheDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize price cache store")
	}

	provider := fmp.NewClient(fmp.Config{
		APIKey:         cfg.FMPAPIKey,
		BaseURL:        cfg.FMPBaseURL,
		Timeout:        cfg.HTTPTimeout,
		RequestsPerSec: cfg.ProviderRequestsPerSec,
	}, log)

	loader := marketdata.NewLoader(provider, store, marketdata.LoaderConfig{
		PriceLRUSize:    cfg.PriceLRUSize,
		TreasuryLRUSize: cfg.TreasuryLRUSize,
	}, log)

	eng := engine.New(loader, cfg, log)

	// Periodic cache maintenance: evict stale entries and checkpoint WAL.
	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.CacheMaintenanceSchedule, func() {
		if _, err := store.EvictOlderThan(time.Now().Add(-cacheRetention)); err != nil {
			log.Warn().Err(err).Msg("Cache eviction failed")
		}
		if err := cacheDB.WALCheckpoint(""); err != nil {
			log.Warn().Err(err).Msg("WAL checkpoint failed")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.CacheMaintenanceSchedule).Msg("Invalid cache maintenance schedule")
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(server.Config{
		Log:     log,
		Engine:  eng,
		Store:   store,
		Config:  cfg,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && err.Error() != "http: Server closed" {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}

	log.Info().Msg("Portfolio risk engine stopped")
}
