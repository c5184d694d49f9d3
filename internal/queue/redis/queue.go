// Package redis provides the Redis-list-backed job queue. Producers LPUSH a
// job id onto a single named list; consumers BRPOP from the other end, which
// keeps delivery FIFO across one producer and any number of consumers.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Config controls the Redis connection and list behavior.
type Config struct {
	Addr        string
	DB          int
	QueueName   string
	PollTimeout time.Duration
}

// Queue implements job.Queue on a Redis list.
type Queue struct {
	client      *goredis.Client
	name        string
	pollTimeout time.Duration
}

// NewQueue connects to Redis and verifies the connection.
func NewQueue(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("redis.queue_name is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewQueueWithClient(client, cfg.QueueName, cfg.PollTimeout), nil
}

// NewQueueWithClient wraps an existing client (primarily for testing).
func NewQueueWithClient(client *goredis.Client, name string, pollTimeout time.Duration) *Queue {
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &Queue{client: client, name: name, pollTimeout: pollTimeout}
}

// Enqueue pushes the canonical string form of the job id onto the list. The
// entry carries nothing else: no envelope, no priority.
func (q *Queue) Enqueue(ctx context.Context, id uuid.UUID) error {
	if err := q.client.LPush(ctx, q.name, id.String()).Err(); err != nil {
		return fmt.Errorf("lpush job id: %w", err)
	}
	return nil
}

// Dequeue block-pops the next id with a bounded timeout so the consumer loop
// can observe cancellation between polls. ok is false on an empty poll. A
// malformed entry is reported as an error and dropped; callers log and move on.
func (q *Queue) Dequeue(ctx context.Context) (uuid.UUID, bool, error) {
	res, err := q.client.BRPop(ctx, q.pollTimeout, q.name).Result()
	if errors.Is(err, goredis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("brpop job id: %w", err)
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return uuid.Nil, false, fmt.Errorf("unexpected brpop reply of %d elements", len(res))
	}
	id, err := uuid.Parse(res[1])
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse queued job id %q: %w", res[1], err)
	}
	return id, true, nil
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
