/**
 * @description
 * Process wiring shared by every binary: database pool, Redis client, HTTP
 * serving with graceful shutdown, and the consumer run loop used by the workers.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL pool.
 * - github.com/redis/go-redis/v9: cache client.
 * - pkg/rabbitmq: competing consumers.
 */
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/ecs/credit-pipeline/internal/api"
	"github.com/ecs/credit-pipeline/internal/config"
	"github.com/ecs/credit-pipeline/internal/metrics"
	"github.com/ecs/credit-pipeline/internal/store"
	"github.com/ecs/credit-pipeline/pkg/rabbitmq"
)

const shutdownTimeout = 10 * time.Second

// ErrBrokerClosed is returned by RunWorker when the broker connection is lost.
var ErrBrokerClosed = errors.New("broker connection closed")

// OpenPostgres connects the pool and applies the schema when DB_AUTO_MIGRATE is set.
func OpenPostgres(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Printf("level=info component=bootstrap msg=\"database connected\" max_conns=%d", cfg.DBMaxConns)

	if cfg.DBAutoMigrate {
		if err := store.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Println("level=info component=bootstrap msg=\"schema applied\"")
	}
	return pool, nil
}

// OpenRedis returns a connected client, or nil when Redis is not configured or
// unreachable. The caller runs without caching in that case.
func OpenRedis(cfg config.Config) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; caching disabled\" env=REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; caching disabled\" err=%v", err)
		return nil
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; caching disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

// WaitForSignal blocks until SIGINT or SIGTERM.
func WaitForSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

// StartHTTP serves handler on port in the background and returns the server.
func StartHTTP(port string, handler http.Handler) *http.Server {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()
	return server
}

// ShutdownHTTP stops server, waiting up to the shutdown timeout for open requests.
func ShutdownHTTP(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
}

// Worker describes one consumer process.
type Worker struct {
	Name         string
	Subject      string
	DefaultGroup string
	Handler      rabbitmq.Handler
}

// RunWorker subscribes w to the bus and serves /health and /metrics until a signal
// arrives or the broker connection is lost. In-flight deliveries are drained first.
func RunWorker(cfg config.Config, m *metrics.Metrics, w Worker) error {
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, rabbitmq.ConsumerConfig{
		Exchange:   cfg.EventsExchange,
		Prefetch:   cfg.MaxUnacked,
		PanicDelay: cfg.NackDelay(),
		Observer:   m.MessageSettled,
	})
	if err != nil {
		return fmt.Errorf("connect consumer: %w", err)
	}
	defer consumer.Close()
	closed := consumer.NotifyClose()

	group := cfg.ConsumerGroupOr(w.DefaultGroup)
	// Handlers are not tied to the signal so Close can drain them.
	if err := consumer.Subscribe(context.Background(), w.Subject, group, w.Handler); err != nil {
		return fmt.Errorf("subscribe %s: %w", w.Subject, err)
	}
	log.Printf("level=info component=bootstrap msg=\"worker started\" worker=%s subject=%s group=%s prefetch=%d",
		w.Name, w.Subject, group, cfg.MaxUnacked)

	server := StartHTTP(cfg.ServerPort, api.NewOpsRouter(m, w.Name))
	defer ShutdownHTTP(server)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	return waitForStop(w.Name, stop, closed)
}

// waitForStop returns nil on a signal and ErrBrokerClosed when the connection
// drops, including a close without an error.
func waitForStop(name string, stop <-chan os.Signal, closed <-chan *amqp.Error) error {
	select {
	case <-stop:
		log.Printf("level=info component=bootstrap msg=\"shutdown started; draining deliveries\" worker=%s", name)
		return nil
	case amqpErr := <-closed:
		if amqpErr == nil {
			return ErrBrokerClosed
		}
		return fmt.Errorf("%w: %v", ErrBrokerClosed, amqpErr)
	}
}

// ExitCode is the process status for the error a run function returned.
func ExitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}
