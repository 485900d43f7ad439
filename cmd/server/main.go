package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/automations/internal/config"
	"github.com/liamcoop/automations/internal/eventbus"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/multitenantengine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := logger.Setup(ctx, logger.Options{
		Level:           cfg.LogLevel,
		ErrorSampleRate: cfg.ErrorSampleRate,
		OTELEnabled:     cfg.OTELEnabled,
		ServiceName:     cfg.ServiceName,
	}); err != nil {
		logger.Warn("logger setup degraded", "error", err)
	}
	defer logger.Shutdown(ctx)

	var db *sql.DB
	if !cfg.InMemory() {
		db, err = openDatabase(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", "error", err)
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", "error", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to redis", "error", err)
		}
		defer redisClient.Close()
	}

	var publisher eventbus.Publisher = eventbus.NewNoopPublisher(logger.Logger)
	if cfg.RabbitMQURL != "" {
		p, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger.Logger)
		if err != nil {
			logger.Fatal("failed to connect to rabbitmq", "error", err)
		}
		publisher = p
	}
	defer publisher.Close()

	engineManager := multitenantengine.NewMultiTenantEngineManager(db, multitenantengine.Options{
		DelayUnit:    cfg.DelayUnit,
		SeedDefaults: cfg.SeedDefaults,
		Publisher:    publisher,
		Redis:        redisClient,
		CacheTTL:     cfg.CacheTTL,
		HTTPClient:   &http.Client{Timeout: cfg.WebhookTimeout},
		Logger:       logger.Logger,
	})
	defer engineManager.Close()

	if err := engineManager.LoadAllTenants(); err != nil {
		logger.Fatal("failed to load tenants", "error", err)
	}
	logger.Info("engine manager ready",
		"tenants", len(engineManager.ListTenants()),
		"in_memory", engineManager.InMemory(),
		"env", cfg.AppEnv,
	)

	server := NewServer(engineManager, db, logger.Logger, WithRequestTimeout(cfg.RequestTimeout))
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

func openDatabase(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
