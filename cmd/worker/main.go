package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/dreamslabs/etl-pipelines/internal/api"
	"github.com/dreamslabs/etl-pipelines/internal/api/handlers"
	"github.com/dreamslabs/etl-pipelines/internal/app"
	"github.com/dreamslabs/etl-pipelines/internal/config"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
	"github.com/dreamslabs/etl-pipelines/internal/metrics"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML config (or set CONFIG_PATH env)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New("", logger.FormatJSON)
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	ctx := logger.WithContext(context.Background(), log)

	m := metrics.NewRegistry()

	a, err := app.New(ctx, cfg, m)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backends")
	}
	defer a.Close()

	batches := handlers.NewBatchHandler(a.Pipeline, log)

	r := api.NewRouter(log, m)
	r.Post("/batches", batches.ComputeBatch)

	log.Info().
		Str("artifacts", cfg.Artifacts.Backend).
		Bool("exclude_overage", cfg.Profits.ExcludeOverage).
		Msg("Worker service configured")

	writeTimeout := cfg.Orchestrator.BatchTimeout
	if writeTimeout > 0 {
		writeTimeout += time.Minute
	}
	if err := api.Serve(log, ":"+cfg.Server.Port, r, writeTimeout); err != nil {
		log.Error().Err(err).Msg("Server failed")
		a.Close()
		os.Exit(1)
	}
}
