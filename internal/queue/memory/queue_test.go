package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(2, time.Second)
	defer q.Close()

	first := uuid.New()
	second := uuid.New()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	got, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, got)

	got, ok, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second, got)
}

func TestDequeueTimesOutEmpty(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, 10*time.Millisecond)
	defer q.Close()

	_, ok, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDequeueObservesCancellation(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, time.Minute)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := q.Dequeue(ctx)
	require.Error(t, err)
}
