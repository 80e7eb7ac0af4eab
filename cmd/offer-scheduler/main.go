/**
 * @description
 * Entry point for the offer-scheduler. This is a long-running process that
 * periodically expires offers that were never accepted.
 */
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/ecs/credit-pipeline/internal/api"
	"github.com/ecs/credit-pipeline/internal/app"
	"github.com/ecs/credit-pipeline/internal/bootstrap"
	"github.com/ecs/credit-pipeline/internal/config"
	"github.com/ecs/credit-pipeline/internal/metrics"
	"github.com/ecs/credit-pipeline/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found; using environment")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	dbpool, err := bootstrap.OpenPostgres(context.Background(), cfg)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()

	m := metrics.New()
	job := app.NewOfferExpiryJob(store.NewPostgresRepository(dbpool), logger, m)
	scheduler := app.NewScheduler(job, logger, cfg.OfferExpirySchedule)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler started")

	server := bootstrap.StartHTTP(cfg.ServerPort, api.NewOpsRouter(m, "Offer scheduler"))

	bootstrap.WaitForSignal()

	logger.Info("shutdown signal received, stopping scheduler")
	bootstrap.ShutdownHTTP(server)
	<-scheduler.Stop().Done()
	logger.Info("scheduler stopped gracefully")
}
