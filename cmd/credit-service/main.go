/**
 * @description
 * Entry point for the credit-service. It wires the feature store, the Redis cache,
 * the risk scorer behind its circuit breaker and the acceptance publisher into the
 * credit service, and serves the credit and account routes over HTTP.
 */
package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"github.com/ecs/credit-pipeline/internal/api"
	"github.com/ecs/credit-pipeline/internal/app"
	"github.com/ecs/credit-pipeline/internal/bootstrap"
	"github.com/ecs/credit-pipeline/internal/cache"
	"github.com/ecs/credit-pipeline/internal/circuitbreaker"
	"github.com/ecs/credit-pipeline/internal/config"
	"github.com/ecs/credit-pipeline/internal/metrics"
	"github.com/ecs/credit-pipeline/internal/store"
	"github.com/ecs/credit-pipeline/pkg/rabbitmq"
	"github.com/ecs/credit-pipeline/pkg/scorerclient"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting credit-service\" port=%s", cfg.ServerPort)

	dbpool, err := bootstrap.OpenPostgres(context.Background(), cfg)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database setup failed\" err=%v", err)
	}
	defer dbpool.Close()

	redisClient := bootstrap.OpenRedis(cfg)
	var featureCache *cache.RedisCache
	if redisClient != nil {
		defer redisClient.Close()
		featureCache = cache.NewRedisCache(redisClient, cfg.CacheKeyPrefix)
	}

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq producer init failed\" err=%v", err)
	}
	defer producer.Close()
	log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")

	m := metrics.New()
	breaker := circuitbreaker.New("scorer", circuitbreaker.Config{
		MaxFailures: cfg.BreakerMaxFailures,
		Cooldown:    cfg.BreakerCooldown(),
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			log.Printf("level=warn component=circuit_breaker msg=\"state changed\" target=%s from=%s to=%s", name, from, to)
			m.BreakerStateChanged(name, from, to)
		},
	})

	repo := store.NewPostgresRepository(dbpool)
	service := app.NewCreditService(
		repo,
		featureCache,
		scorerclient.NewClient(cfg.ScorerURL, cfg.ScorerTimeout()),
		breaker,
		producer,
		m,
		app.CreditConfig{
			RiskThreshold: cfg.RiskThreshold,
			CacheTTL:      cfg.FeatureCacheTTL(),
			OfferTTL:      cfg.OfferTTL(),
		},
	)

	if cfg.JWTSecret == "" {
		log.Println("level=warn component=bootstrap msg=\"JWT_SECRET missing; credit routes are unauthenticated and login is disabled\"")
	}
	auth := app.NewAuthService(repo, featureCache, app.AuthConfig{
		Secret:   cfg.JWTSecret,
		TokenTTL: cfg.TokenTTL(),
		CacheTTL: cfg.FeatureCacheTTL(),
	})

	router := api.NewCreditRouter(api.NewCreditHandler(service), api.NewAuthHandler(auth), m, cfg.JWTSecret)
	server := bootstrap.StartHTTP(cfg.ServerPort, router)

	bootstrap.WaitForSignal()
	log.Println("level=info component=http msg=\"shutdown started\"")
	bootstrap.ShutdownHTTP(server)
	log.Println("level=info component=http msg=\"shutdown complete\"")
}
