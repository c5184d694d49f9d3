// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is a bounded in-memory job id queue with context-aware operations.
type Queue struct {
	ch          chan uuid.UUID
	pollTimeout time.Duration
	closeMu     sync.Mutex
	closed      bool
}

// NewQueue constructs a queue with the provided capacity and poll timeout.
func NewQueue(capacity int, pollTimeout time.Duration) *Queue {
	return &Queue{
		ch:          make(chan uuid.UUID, capacity),
		pollTimeout: pollTimeout,
	}
}

// Enqueue pushes a job id into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, id uuid.UUID) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- id:
		return nil
	}
}

// Dequeue pops the next job id, waiting up to the poll timeout. ok is false
// when the poll timed out empty.
func (q *Queue) Dequeue(ctx context.Context) (uuid.UUID, bool, error) {
	timer := time.NewTimer(q.pollTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return uuid.Nil, false, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-timer.C:
		return uuid.Nil, false, nil
	case id, open := <-q.ch:
		if !open {
			return uuid.Nil, false, errors.New("queue closed")
		}
		return id, true, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ch)
	q.closed = true
	return nil
}
