package db

import (
	"context"
	"fmt"
	"time"

	"driver-dispatch/pkg/config"
	"driver-dispatch/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient connects to Redis and pings it once.
func NewRedisClient(ctx context.Context, cfg *config.Config, log logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	log.WithFields(logger.LogFields{"component": "redis", "addr": client.Options().Addr}).
		Info("redis.connected", "Successfully connected to Redis")
	return client, nil
}
