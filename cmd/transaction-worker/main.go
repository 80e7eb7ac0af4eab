/**
 * @description
 * Entry point for the transaction-worker. It records transaction events from the
 * bus as transaction rows.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/ecs/credit-pipeline/internal/app"
	"github.com/ecs/credit-pipeline/internal/bootstrap"
	"github.com/ecs/credit-pipeline/internal/config"
	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/internal/metrics"
	"github.com/ecs/credit-pipeline/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	// run returns before exiting so its deferred cleanup happens.
	if err := run(); err != nil {
		log.Printf("level=error component=bootstrap msg=\"transaction-worker stopped\" err=%v", err)
		os.Exit(bootstrap.ExitCode(err))
	}
	log.Println("level=info component=bootstrap msg=\"transaction-worker stopped gracefully\"")
}

func run() error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbpool, err := bootstrap.OpenPostgres(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("database setup: %w", err)
	}
	defer dbpool.Close()

	worker := app.NewTransactionWorker(store.NewPostgresRepository(dbpool), cfg.NackDelay())
	return bootstrap.RunWorker(cfg, metrics.New(), bootstrap.Worker{
		Name:         "transaction-worker",
		Subject:      domain.SubjectTransactions,
		DefaultGroup: "transaction-processors",
		Handler:      worker.HandleMessage,
	})
}
