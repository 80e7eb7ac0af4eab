/**
 * @description
 * Configuration shared by every binary of the credit pipeline. Values come from
 * environment variables, optionally seeded by a .env file, and are read through Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading and env binding.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all settings of the pipeline. Each binary reads only what it needs.
type Config struct {
	ServerPort             string  `mapstructure:"SERVER_PORT"`
	DatabaseURL            string  `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32   `mapstructure:"DB_MAX_CONNS"`
	DBAutoMigrate          bool    `mapstructure:"DB_AUTO_MIGRATE"`
	RedisURL               string  `mapstructure:"REDIS_URL"`
	CacheKeyPrefix         string  `mapstructure:"CACHE_KEY_PREFIX"`
	FeatureCacheTTLSeconds int     `mapstructure:"FEATURE_CACHE_TTL_SECONDS"`
	RabbitMQURL            string  `mapstructure:"RABBITMQ_URL"`
	EventsExchange         string  `mapstructure:"EVENTS_EXCHANGE"`
	ConsumerGroup          string  `mapstructure:"CONSUMER_GROUP"`
	MaxUnacked             int     `mapstructure:"MAX_UNACKED"`
	NackDelaySeconds       int     `mapstructure:"NACK_DELAY_SECONDS"`
	ScorerURL              string  `mapstructure:"SCORER_URL"`
	ScorerTimeoutSeconds   int     `mapstructure:"SCORER_TIMEOUT_SECONDS"`
	BreakerMaxFailures     int     `mapstructure:"BREAKER_MAX_FAILURES"`
	BreakerCooldownSeconds int     `mapstructure:"BREAKER_COOLDOWN_SECONDS"`
	RiskThreshold          float64 `mapstructure:"RISK_THRESHOLD"`
	OfferTTLHours          int     `mapstructure:"OFFER_TTL_HOURS"`
	OfferExpirySchedule    string  `mapstructure:"OFFER_EXPIRY_SCHEDULE"`
	InternalAPIKey         string  `mapstructure:"INTERNAL_API_KEY"`
	JWTSecret              string  `mapstructure:"JWT_SECRET"`
	JWTTTLHours            int     `mapstructure:"JWT_TTL_HOURS"`
}

// LoadConfig reads configuration from the environment and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DB_MAX_CONNS", 20)
	viper.SetDefault("DB_AUTO_MIGRATE", false)
	viper.SetDefault("CACHE_KEY_PREFIX", "")
	viper.SetDefault("FEATURE_CACHE_TTL_SECONDS", 300)
	viper.SetDefault("EVENTS_EXCHANGE", "ecs.events")
	viper.SetDefault("MAX_UNACKED", 800)
	viper.SetDefault("NACK_DELAY_SECONDS", 10)
	viper.SetDefault("SCORER_URL", "http://localhost:8000/v1/predict")
	viper.SetDefault("SCORER_TIMEOUT_SECONDS", 5)
	viper.SetDefault("BREAKER_MAX_FAILURES", 5)
	viper.SetDefault("BREAKER_COOLDOWN_SECONDS", 30)
	viper.SetDefault("RISK_THRESHOLD", 0.6)
	viper.SetDefault("OFFER_TTL_HOURS", 168)
	viper.SetDefault("OFFER_EXPIRY_SCHEDULE", "@every 1m")
	viper.SetDefault("JWT_TTL_HOURS", 288)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DB_MAX_CONNS")
	_ = viper.BindEnv("DB_AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("CACHE_KEY_PREFIX")
	_ = viper.BindEnv("FEATURE_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("RABBITMQ_URL", "RABBITMQ_URL", "BUS_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("CONSUMER_GROUP")
	_ = viper.BindEnv("MAX_UNACKED")
	_ = viper.BindEnv("NACK_DELAY_SECONDS")
	_ = viper.BindEnv("SCORER_URL", "SCORER_URL", "ML_SERVICE_URL")
	_ = viper.BindEnv("SCORER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("BREAKER_MAX_FAILURES")
	_ = viper.BindEnv("BREAKER_COOLDOWN_SECONDS")
	_ = viper.BindEnv("RISK_THRESHOLD")
	_ = viper.BindEnv("OFFER_TTL_HOURS")
	_ = viper.BindEnv("OFFER_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_TTL_HOURS")

	// A missing .env file is fine; the environment alone is enough.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.CacheKeyPrefix = strings.TrimSpace(config.CacheKeyPrefix)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)

	if config.MaxUnacked <= 0 {
		log.Printf("level=warn component=config msg=\"invalid MAX_UNACKED; using default\" value=%d", config.MaxUnacked)
		config.MaxUnacked = 800
	}
	if config.NackDelaySeconds < 0 {
		log.Printf("level=warn component=config msg=\"negative NACK_DELAY_SECONDS; coercing to zero\" value=%d", config.NackDelaySeconds)
		config.NackDelaySeconds = 0
	}
	if config.RiskThreshold < 0 || config.RiskThreshold > 1 {
		log.Printf("level=warn component=config msg=\"RISK_THRESHOLD outside [0,1]; using default\" value=%f", config.RiskThreshold)
		config.RiskThreshold = 0.6
	}
	if config.DBMaxConns <= 0 {
		config.DBMaxConns = 20
	}
	if config.JWTTTLHours <= 0 {
		log.Printf("level=warn component=config msg=\"invalid JWT_TTL_HOURS; using default\" value=%d", config.JWTTTLHours)
		config.JWTTTLHours = 288
	}

	return
}

// NackDelay is the redelivery delay for transient failures.
func (c Config) NackDelay() time.Duration {
	return time.Duration(c.NackDelaySeconds) * time.Second
}

// FeatureCacheTTL is how long features and scores stay cached.
func (c Config) FeatureCacheTTL() time.Duration {
	return time.Duration(c.FeatureCacheTTLSeconds) * time.Second
}

// TokenTTL is the lifetime of tokens issued at login.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.JWTTTLHours) * time.Hour
}

// ScorerTimeout bounds a single scorer call.
func (c Config) ScorerTimeout() time.Duration {
	return time.Duration(c.ScorerTimeoutSeconds) * time.Second
}

// BreakerCooldown is how long the scorer breaker stays open.
func (c Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// OfferTTL is how long a new offer stays acceptable.
func (c Config) OfferTTL() time.Duration {
	return time.Duration(c.OfferTTLHours) * time.Hour
}

// ConsumerGroupOr returns the configured consumer group, or fallback when unset.
func (c Config) ConsumerGroupOr(fallback string) string {
	if group := strings.TrimSpace(c.ConsumerGroup); group != "" {
		return group
	}
	return fallback
}
