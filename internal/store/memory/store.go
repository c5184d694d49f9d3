// Package memory provides an in-memory job store for local development and
// tests. All guarded transitions are serialized by a single mutex, which
// satisfies the per-id exclusion contract trivially.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thumbforge/thumbforge/internal/job"
)

// Store implements job.Store backed by a map.
type Store struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*job.Job
	now  func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[uuid.UUID]*job.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// NewStoreWithClock constructs a Store using the given clock (for tests).
func NewStoreWithClock(clk job.Clock) *Store {
	return &Store{
		jobs: make(map[uuid.UUID]*job.Job),
		now:  clk.Now,
	}
}

func clone(j *job.Job) *job.Job {
	cp := *j
	if j.Result != nil {
		res := *j.Result
		cp.Result = &res
	}
	return &cp
}

// Create inserts a new job. The memory store carries no uniqueness constraint
// on url_key, matching the relational schema.
func (s *Store) Create(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = clone(j)
	return nil
}

// CreateIfNoActive inserts j unless the most recently created job with the
// same url_key is still active, returning that job in that case. Older active
// rows do not block a create; policy is judged against the latest row only.
func (s *Store) CreateIfNoActive(_ context.Context, j *job.Job) (*job.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if latest := s.latestLocked(j.URLKey); latest != nil && latest.Status.Active() {
		return clone(latest), false, nil
	}
	s.jobs[j.ID] = clone(j)
	return clone(j), true, nil
}

func (s *Store) latestLocked(key string) *job.Job {
	var latest *job.Job
	for _, j := range s.jobs {
		if j.URLKey != key {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	return latest
}

// Get returns the job with the given id.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return clone(j), nil
}

// LatestByKey returns the most recently created job with the given url_key.
func (s *Store) LatestByKey(_ context.Context, key string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := s.latestLocked(key)
	if latest == nil {
		return nil, job.ErrNotFound
	}
	return clone(latest), nil
}

// List returns a newest-first page of jobs plus the total matching count.
func (s *Store) List(_ context.Context, f job.ListFilter) ([]*job.Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		if f.CreatedAfter != nil && j.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && j.CreatedAt.After(*f.CreatedBefore) {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []*job.Job{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	page := make([]*job.Job, len(matched))
	for i, j := range matched {
		page[i] = clone(j)
	}
	return page, total, nil
}

// Claim transitions pending|failed -> processing. Any other status is a no-op
// returning the unchanged record.
func (s *Store) Claim(_ context.Context, id uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	if j.Status != job.StatusPending && j.Status != job.StatusFailed {
		return clone(j), nil
	}
	j.Status = job.StatusProcessing
	j.Attempts++
	j.Error = ""
	j.UpdatedAt = s.now()
	return clone(j), nil
}

// Complete transitions to completed, setting the result and clearing any error.
func (s *Store) Complete(_ context.Context, id uuid.UUID, res job.Result) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	j.Status = job.StatusCompleted
	j.Result = &res
	j.Error = ""
	j.UpdatedAt = s.now()
	return clone(j), nil
}

// Fail transitions to failed, setting the error and clearing any result.
func (s *Store) Fail(_ context.Context, id uuid.UUID, msg string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	j.Status = job.StatusFailed
	j.Error = msg
	j.Result = nil
	j.UpdatedAt = s.now()
	return clone(j), nil
}

// Counts groups all jobs by status.
func (s *Store) Counts(_ context.Context) (job.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c job.Counts
	for _, j := range s.jobs {
		switch j.Status {
		case job.StatusPending:
			c.Pending++
		case job.StatusProcessing:
			c.Processing++
		case job.StatusCompleted:
			c.Completed++
		case job.StatusFailed:
			c.Failed++
		}
		c.Total++
	}
	return c, nil
}

// Close releases nothing; present to satisfy job.Store.
func (s *Store) Close() {}
