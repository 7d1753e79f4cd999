package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DB struct {
		Host     string
		Port     int
		User     string
		Password string
		Database string
	}
	RabbitMQ struct {
		Host     string
		Port     int
		User     string
		Password string
	}
	Redis struct {
		Host     string
		Port     int
		Password string
		DB       int
	}
	Realtime struct {
		Transport    string // rabbitmq | websocket
		WebsocketURL string
	}
	Persist struct {
		Backend  string // file | redis | memory
		File     string
		RedisKey string
	}
	Dispatch struct {
		RevenueShare       string
		OfferTimeout       time.Duration
		LocationInterval   time.Duration
		BestEffortAttempts int
		BestEffortBackoff  time.Duration
	}
	Auth struct {
		JWTSecret   string
		DriverToken string
	}
	HTTP struct {
		Port int
	}
	Log struct {
		Level string
	}
}

// LoadConfig reads an optional .env file and then the process environment.
// A missing file is not an error; values already set in the environment win.
func LoadConfig(filename string) (*Config, error) {
	if filename != "" {
		if err := godotenv.Load(filename); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("could not load env file: %w", err)
		}
	}

	cfg := &Config{}
	cfg.DB.Host = getEnv("DB_HOST", "localhost")
	cfg.DB.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.DB.User = getEnv("DB_USER", "dispatch_user")
	cfg.DB.Password = getEnv("DB_PASS", "dispatch_pass")
	cfg.DB.Database = getEnv("DB_NAME", "dispatch_db")

	cfg.RabbitMQ.Host = getEnv("RABBITMQ_HOST", "localhost")
	cfg.RabbitMQ.Port = getEnvAsInt("RABBITMQ_PORT", 5672)
	cfg.RabbitMQ.User = getEnv("RABBITMQ_USER", "guest")
	cfg.RabbitMQ.Password = getEnv("RABBITMQ_PASS", "guest")

	cfg.Redis.Host = getEnv("REDIS_HOST", "localhost")
	cfg.Redis.Port = getEnvAsInt("REDIS_PORT", 6379)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", 0)

	cfg.Realtime.Transport = strings.ToLower(getEnv("REALTIME_TRANSPORT", "rabbitmq"))
	cfg.Realtime.WebsocketURL = getEnv("REALTIME_WS_URL", "ws://localhost:8080/ws/drivers")

	cfg.Persist.Backend = strings.ToLower(getEnv("PERSIST_BACKEND", "file"))
	cfg.Persist.File = getEnv("PERSIST_FILE", "driver-session.json")
	cfg.Persist.RedisKey = getEnv("PERSIST_REDIS_KEY", "driver-dispatch:session")

	cfg.Dispatch.RevenueShare = getEnv("REVENUE_SHARE", "0.40")
	cfg.Dispatch.OfferTimeout = getEnvAsDuration("OFFER_TIMEOUT", 30*time.Second)
	cfg.Dispatch.LocationInterval = getEnvAsDuration("LOCATION_INTERVAL", 3*time.Second)
	cfg.Dispatch.BestEffortAttempts = getEnvAsInt("BEST_EFFORT_ATTEMPTS", 3)
	cfg.Dispatch.BestEffortBackoff = getEnvAsDuration("BEST_EFFORT_BACKOFF", 2*time.Second)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.Auth.DriverToken = getEnv("DRIVER_TOKEN", "")

	cfg.HTTP.Port = getEnvAsInt("HTTP_PORT", 9090)
	cfg.Log.Level = getEnv("LOG_LEVEL", "INFO")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Dispatch.OfferTimeout <= 0 {
		return fmt.Errorf("OFFER_TIMEOUT must be positive, got %s", c.Dispatch.OfferTimeout)
	}
	if c.Dispatch.LocationInterval <= 0 {
		return fmt.Errorf("LOCATION_INTERVAL must be positive, got %s", c.Dispatch.LocationInterval)
	}
	if c.Dispatch.BestEffortAttempts < 1 {
		return fmt.Errorf("BEST_EFFORT_ATTEMPTS must be at least 1, got %d", c.Dispatch.BestEffortAttempts)
	}
	if c.Dispatch.BestEffortBackoff < 0 {
		return fmt.Errorf("BEST_EFFORT_BACKOFF must not be negative, got %s", c.Dispatch.BestEffortBackoff)
	}
	switch c.Realtime.Transport {
	case "rabbitmq", "websocket":
	default:
		return fmt.Errorf("unknown REALTIME_TRANSPORT %q", c.Realtime.Transport)
	}
	switch c.Persist.Backend {
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("unknown PERSIST_BACKEND %q", c.Persist.Backend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("30s") or bare seconds ("30").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return fallback
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
