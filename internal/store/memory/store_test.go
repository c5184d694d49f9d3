package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/thumbforge/thumbforge/internal/job"
)

func TestClaimTransitionsAndIncrementsAttempts(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	j := job.New(uuid.New(), "https://example.com/a.png", time.Now().UTC())
	require.NoError(t, s.Create(ctx, j))

	claimed, err := s.Claim(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, claimed.Status)
	require.Equal(t, 1, claimed.Attempts)
}

func TestClaimIsNoOpOnProcessingAndCompleted(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	j := job.New(uuid.New(), "https://example.com/a.png", time.Now().UTC())
	require.NoError(t, s.Create(ctx, j))

	first, err := s.Claim(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 1, first.Attempts)

	// Redelivery: claiming a processing job must not bump attempts.
	second, err := s.Claim(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, second.Status)
	require.Equal(t, 1, second.Attempts)

	done, err := s.Complete(ctx, j.ID, job.Result{Width: 4, Height: 3})
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, done.Status)

	third, err := s.Claim(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, third.Status)
	require.Equal(t, 1, third.Attempts)
	require.NotNil(t, third.Result)
}

func TestFailedJobsCanBeReclaimed(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	j := job.New(uuid.New(), "https://example.com/a.png", time.Now().UTC())
	require.NoError(t, s.Create(ctx, j))

	_, err := s.Claim(ctx, j.ID)
	require.NoError(t, err)
	failed, err := s.Fail(ctx, j.ID, "boom")
	require.NoError(t, err)
	require.Equal(t, "boom", failed.Error)
	require.Nil(t, failed.Result)

	reclaimed, err := s.Claim(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, reclaimed.Status)
	require.Equal(t, 2, reclaimed.Attempts)
	require.Empty(t, reclaimed.Error)
}

func TestCompleteAndFailAreMutuallyExclusive(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	j := job.New(uuid.New(), "https://example.com/a.png", time.Now().UTC())
	require.NoError(t, s.Create(ctx, j))

	_, err := s.Claim(ctx, j.ID)
	require.NoError(t, err)

	completed, err := s.Complete(ctx, j.ID, job.Result{Width: 10, Height: 20, Format: "PNG"})
	require.NoError(t, err)
	require.NotNil(t, completed.Result)
	require.Empty(t, completed.Error)

	failed, err := s.Fail(ctx, j.ID, "late failure")
	require.NoError(t, err)
	require.Nil(t, failed.Result)
	require.Equal(t, "late failure", failed.Error)
}

func TestTransitionsOnMissingJob(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	id := uuid.New()

	_, err := s.Get(ctx, id)
	require.ErrorIs(t, err, job.ErrNotFound)
	_, err = s.Claim(ctx, id)
	require.ErrorIs(t, err, job.ErrNotFound)
	_, err = s.Complete(ctx, id, job.Result{})
	require.ErrorIs(t, err, job.ErrNotFound)
	_, err = s.Fail(ctx, id, "x")
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestCreateIfNoActive(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	first := job.New(uuid.New(), "https://example.com/a.png", now)
	winner, created, err := s.CreateIfNoActive(ctx, first)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, first.ID, winner.ID)

	// Second active submission for the same key loses.
	second := job.New(uuid.New(), "https://example.com/a.png", now.Add(time.Second))
	winner, created, err = s.CreateIfNoActive(ctx, second)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, winner.ID)

	// Once the first job fails, the key is free again.
	_, err = s.Claim(ctx, first.ID)
	require.NoError(t, err)
	_, err = s.Fail(ctx, first.ID, "boom")
	require.NoError(t, err)

	winner, created, err = s.CreateIfNoActive(ctx, second)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, second.ID, winner.ID)
}

func TestCreateIfNoActiveJudgesLatestRowOnly(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	// Older row reclaimed into processing by a redelivery while the newest
	// row for the key has already failed.
	older := job.New(uuid.New(), "https://example.com/a.png", base)
	require.NoError(t, s.Create(ctx, older))
	_, err := s.Claim(ctx, older.ID)
	require.NoError(t, err)

	newest := job.New(uuid.New(), "https://example.com/a.png", base.Add(time.Minute))
	require.NoError(t, s.Create(ctx, newest))
	_, err = s.Claim(ctx, newest.ID)
	require.NoError(t, err)
	_, err = s.Fail(ctx, newest.ID, "boom")
	require.NoError(t, err)

	// The terminal newest row decides; the older processing row does not block.
	next := job.New(uuid.New(), "https://example.com/a.png", base.Add(2*time.Minute))
	winner, created, err := s.CreateIfNoActive(ctx, next)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, next.ID, winner.ID)
}

func TestLatestByKeyPicksNewest(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	old := job.New(uuid.New(), "https://example.com/a.png", base)
	newer := job.New(uuid.New(), "https://example.com/a.png", base.Add(time.Minute))
	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Create(ctx, newer))

	latest, err := s.LatestByKey(ctx, job.URLKey("https://example.com/a.png"))
	require.NoError(t, err)
	require.Equal(t, newer.ID, latest.ID)

	_, err = s.LatestByKey(ctx, job.URLKey("https://example.com/other.png"))
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestListFiltersAndPaginates(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		j := job.New(ids[i], fmt.Sprintf("https://example.com/%d.png", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Create(ctx, j))
	}
	// Jobs 0 and 1 become failed.
	for _, id := range ids[:2] {
		_, err := s.Claim(ctx, id)
		require.NoError(t, err)
		_, err = s.Fail(ctx, id, "boom")
		require.NoError(t, err)
	}

	page, total, err := s.List(ctx, job.ListFilter{Limit: 2, Offset: 0})
	require.NoError(t, err)
	require.EqualValues(t, 5, total)
	require.Len(t, page, 2)
	require.Equal(t, ids[4], page[0].ID)
	require.Equal(t, ids[3], page[1].ID)

	page, total, err = s.List(ctx, job.ListFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.EqualValues(t, 5, total)
	require.Len(t, page, 1)
	require.Equal(t, ids[0], page[0].ID)

	failed := job.StatusFailed
	page, total, err = s.List(ctx, job.ListFilter{Status: &failed, Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, page, 2)

	after := base.Add(3 * time.Minute)
	page, total, err = s.List(ctx, job.ListFilter{CreatedAfter: &after, Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Equal(t, ids[4], page[0].ID)

	before := base.Add(time.Minute)
	page, total, err = s.List(ctx, job.ListFilter{CreatedBefore: &before, Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, page, 2)
}

func TestCounts(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	a := job.New(uuid.New(), "https://example.com/a.png", now)
	b := job.New(uuid.New(), "https://example.com/b.png", now)
	c := job.New(uuid.New(), "https://example.com/c.png", now)
	for _, j := range []*job.Job{a, b, c} {
		require.NoError(t, s.Create(ctx, j))
	}
	_, err := s.Claim(ctx, b.ID)
	require.NoError(t, err)
	_, err = s.Claim(ctx, c.ID)
	require.NoError(t, err)
	_, err = s.Complete(ctx, c.ID, job.Result{})
	require.NoError(t, err)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Pending)
	require.EqualValues(t, 1, counts.Processing)
	require.EqualValues(t, 1, counts.Completed)
	require.EqualValues(t, 0, counts.Failed)
	require.EqualValues(t, 3, counts.Total)
}
