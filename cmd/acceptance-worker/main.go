/**
 * @description
 * Entry point for the acceptance-worker. It activates accepted offers and
 * publishes the credit-limit notification.
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
	"github.com/ecs/credit-pipeline/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	// run returns before exiting so its deferred cleanup happens.
	if err := run(); err != nil {
		log.Printf("level=error component=bootstrap msg=\"acceptance-worker stopped\" err=%v", err)
		os.Exit(bootstrap.ExitCode(err))
	}
	log.Println("level=info component=bootstrap msg=\"acceptance-worker stopped gracefully\"")
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

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange)
	if err != nil {
		return fmt.Errorf("rabbitmq producer init: %w", err)
	}
	defer producer.Close()

	worker := app.NewAcceptanceWorker(store.NewPostgresRepository(dbpool), app.NewNotifier(producer), cfg.NackDelay())
	return bootstrap.RunWorker(cfg, metrics.New(), bootstrap.Worker{
		Name:         "acceptance-worker",
		Subject:      domain.SubjectOfferAccepted,
		DefaultGroup: "credit-activators",
		Handler:      worker.HandleMessage,
	})
}
