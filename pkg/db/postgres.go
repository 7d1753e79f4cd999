package db

import (
	"context"
	"fmt"
	"time"

	"driver-dispatch/pkg/config"
	"driver-dispatch/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxRetries    = 5
	retryInterval = 3 * time.Second
)

// DSN builds the Postgres connection string from config.
func DSN(cfg *config.Config) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Database,
	)
}

// NewConnection opens a pool and pings it, retrying while the database comes up.
func NewConnection(ctx context.Context, cfg *config.Config, log logger.Logger) (*pgxpool.Pool, error) {
	dsn := DSN(cfg)
	log = log.WithFields(logger.LogFields{"component": "postgres", "host": cfg.DB.Host})
	log.Info("db.connect", "Connecting to database")

	var err error
	for i := 0; i < maxRetries; i++ {
		var pool *pgxpool.Pool
		pool, err = pgxpool.New(ctx, dsn)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				log.Info("db.connected", "Successfully connected to database")
				return pool, nil
			}
			pool.Close()
		}
		log.Error("db.connect_failed", fmt.Errorf("failed to connect to database (attempt %d/%d): %w", i+1, maxRetries, err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
}
