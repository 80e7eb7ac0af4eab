/**
 * @description
 * Entry point for the ingest-service. It validates emotion and transaction events
 * received over HTTP and publishes them to the event bus.
 */
package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/ecs/credit-pipeline/internal/api"
	"github.com/ecs/credit-pipeline/internal/bootstrap"
	"github.com/ecs/credit-pipeline/internal/config"
	"github.com/ecs/credit-pipeline/internal/metrics"
	"github.com/ecs/credit-pipeline/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not configured; emotion stream is unauthenticated\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting ingest-service\" port=%s", cfg.ServerPort)

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq producer init failed\" err=%v", err)
	}
	defer producer.Close()

	router := api.NewIngestRouter(api.NewIngestHandler(producer), metrics.New(), cfg.InternalAPIKey)
	server := bootstrap.StartHTTP(cfg.ServerPort, router)

	bootstrap.WaitForSignal()
	log.Println("level=info component=http msg=\"shutdown started\"")
	bootstrap.ShutdownHTTP(server)
	log.Println("level=info component=http msg=\"shutdown complete\"")
}
