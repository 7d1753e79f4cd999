package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/handler"
	"driver-dispatch/internal/dispatch/infrastructure"
	"driver-dispatch/internal/dispatch/infrastructure/messaging"
	"driver-dispatch/internal/dispatch/infrastructure/repository"
	"driver-dispatch/internal/dispatch/infrastructure/websocket"
	"driver-dispatch/internal/dispatch/metrics"
	"driver-dispatch/internal/dispatch/persist"
	"driver-dispatch/internal/dispatch/service"
	"driver-dispatch/internal/dispatch/state"
	"driver-dispatch/pkg/auth"
	"driver-dispatch/pkg/clock"
	"driver-dispatch/pkg/config"
	"driver-dispatch/pkg/db"
	"driver-dispatch/pkg/logger"
	"driver-dispatch/pkg/rabbitmq"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load config
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log := logger.New("driver-client", logger.Options{MinLevel: logger.ParseLevel(cfg.Log.Level)})
	log.Info("service_starting", fmt.Sprintf("Driver client starting on port %d", cfg.HTTP.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persisted session state
	var redisClient *redis.Client
	var storage persist.Storage
	switch cfg.Persist.Backend {
	case "redis":
		redisClient, err = db.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Error("redis_connect_failed", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		storage = persist.NewRedisStorage(redisClient, cfg.Persist.RedisKey)
	case "memory":
		storage = persist.NewMemoryStorage()
	default:
		storage = persist.NewFileStorage(cfg.Persist.File)
	}
	gate := persist.NewGate(storage, log)
	store := state.NewStore()
	if err := gate.Hydrate(ctx, store); err != nil {
		log.Error("hydrate_failed", err)
		os.Exit(1)
	}

	// Connect to database
	pool, err := db.NewConnection(ctx, cfg, log)
	if err != nil {
		log.Error("db_connect_failed", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Connect to RabbitMQ
	rabbit, err := rabbitmq.NewConnection(cfg, log)
	if err != nil {
		log.Error("rabbitmq_connect_failed", err)
		os.Exit(1)
	}
	defer rabbit.Close()

	var feed domain.OrderFeed
	switch cfg.Realtime.Transport {
	case "websocket":
		feed = websocket.NewOrderFeed(cfg.Realtime.WebsocketURL, cfg.Auth.DriverToken, log)
	default:
		feed = messaging.NewOrderFeed(rabbit, log)
	}

	dispatchCfg, err := service.ConfigFrom(cfg)
	if err != nil {
		log.Error("config_invalid", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, 24*time.Hour)
	clk := clock.Real()
	session := service.NewSession(dispatchCfg, service.Deps{
		Store:    store,
		Repo:     infrastructure.NewRemote(repository.NewPostgresOrderRepository(pool), feed),
		Presence: messaging.NewPresencePublisher(rabbit, clk),
		Auth:     infrastructure.NewTokenAuthenticator(jwtManager),
		Saver:    gate,
		Clock:    clk,
		Logger:   log,
		Metrics:  metrics.New(reg),
	})
	defer session.Close()

	// Resume a persisted session, or sign in with the configured token
	resumed, err := gate.Authenticated(ctx)
	if err != nil {
		log.Error("persist_read_failed", err)
	}
	switch {
	case resumed:
		err = session.Resume(ctx)
	case cfg.Auth.DriverToken != "":
		err = session.SignIn(ctx, cfg.Auth.DriverToken)
	default:
		log.Warn("session_idle", "no persisted session and DRIVER_TOKEN is empty")
	}
	if err != nil {
		log.Error("session_start_failed", err)
	}

	// Setup routes
	mux := http.NewServeMux()
	handler.New(session, jwtManager, log).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server_failed", err)
			stop()
		}
	}()

	log.Info("server_running", fmt.Sprintf("Driver client running on :%d", cfg.HTTP.Port))

	<-ctx.Done()

	log.Info("server_shutdown", "Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server_shutdown_failed", err)
	}
	session.Wait()
	log.Info("server_stopped", "Server stopped gracefully")
}
