// Package main hosts the HTTP API entrypoint.
//
// The API accepts image submissions, applies the configured duplicate policy,
// persists jobs in Postgres, and pushes the ids of newly created jobs onto the
// Redis queue for the worker binary to consume.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/thumbforge/thumbforge/internal/api"
	"github.com/thumbforge/thumbforge/internal/clock/system"
	"github.com/thumbforge/thumbforge/internal/config"
	"github.com/thumbforge/thumbforge/internal/dispatcher"
	"github.com/thumbforge/thumbforge/internal/id/uuid"
	"github.com/thumbforge/thumbforge/internal/logging"
	redisqueue "github.com/thumbforge/thumbforge/internal/queue/redis"
	"github.com/thumbforge/thumbforge/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	store, err := postgres.NewStore(ctx, postgres.StoreConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	}, clock)
	if err != nil {
		logger.Fatal("postgres init failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		logger.Fatal("schema init failed", zap.Error(err))
	}

	queue, err := redisqueue.NewQueue(ctx, redisqueue.Config{
		Addr:        cfg.Redis.Addr,
		DB:          cfg.Redis.DB,
		QueueName:   cfg.Redis.QueueName,
		PollTimeout: cfg.PollTimeout(),
	})
	if err != nil {
		logger.Fatal("redis init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := queue.Close(); closeErr != nil {
			logger.Warn("queue close failed", zap.Error(closeErr))
		}
	}()

	dispatch := dispatcher.New(store, queue, cfg.DuplicatePolicy(), uuid.New(), clock, logger.Named("dispatcher"))
	apiServer := api.NewServer(store, dispatch, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
