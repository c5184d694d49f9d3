// Package main hosts the worker entrypoint.
//
// Workers consume job ids from the Redis queue, claim the job row in
// Postgres, fetch the source image over HTTP, render the thumbnail, and
// finalize the job as completed or failed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thumbforge/thumbforge/internal/clock/system"
	"github.com/thumbforge/thumbforge/internal/config"
	"github.com/thumbforge/thumbforge/internal/fetcher"
	"github.com/thumbforge/thumbforge/internal/logging"
	redisqueue "github.com/thumbforge/thumbforge/internal/queue/redis"
	"github.com/thumbforge/thumbforge/internal/store/postgres"
	"github.com/thumbforge/thumbforge/internal/thumbnail"
	"github.com/thumbforge/thumbforge/internal/worker"
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

	fetch := fetcher.New(fetcher.Config{
		Timeout:      cfg.FetchTimeout(),
		UserAgent:    cfg.Fetch.UserAgent,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	})
	transform, err := thumbnail.New(thumbnail.Config{
		Size:        cfg.Thumbnail.Size,
		Quality:     cfg.Thumbnail.Quality,
		StoragePath: cfg.Thumbnail.StoragePath,
		Parallelism: cfg.Worker.TransformParallelism,
	})
	if err != nil {
		logger.Fatal("thumbnailer init failed", zap.Error(err))
	}

	var group errgroup.Group
	for i := 0; i < cfg.Worker.Count; i++ {
		w := worker.New(queue, store, fetch, transform,
			logger.Named("worker").With(zap.Int("index", i)))
		group.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	logger.Info("workers started", zap.Int("count", cfg.Worker.Count))

	<-ctx.Done()
	logger.Info("shutdown initiated")
	_ = group.Wait()
	logger.Info("shutdown complete")
}
