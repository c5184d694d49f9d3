// Package job defines the core types and interfaces for the thumbnail job
// lifecycle: the job record, its status state machine, duplicate policies, and
// the store/queue contracts the rest of the service is built against.
package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status tracks a job through its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a job in this status can transition further.
// failed is not terminal: a failed job may be reclaimed.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// Active reports whether a job in this status blocks duplicate submissions
// under the reject-active policy.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Result is the structured output of a completed job.
type Result struct {
	Width             int    `json:"width"`
	Height            int    `json:"height"`
	Format            string `json:"format"`
	SizeBytes         int    `json:"size_bytes"`
	SourceContentType string `json:"source_content_type,omitempty"`
	SourceURL         string `json:"source_url"`
	ThumbnailPath     string `json:"thumbnail_path"`
}

// Job is one request to fetch and thumbnail a URL.
//
// Result and Error are mutually exclusive: Complete sets Result and clears
// Error, Fail sets Error and clears Result, and Claim clears Error. Attempts
// counts successful Claim transitions and only ever grows.
type Job struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	URLKey    string    `json:"-"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	Result    *Result   `json:"result"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New builds a pending job for the given URL.
func New(id uuid.UUID, url string, now time.Time) *Job {
	return &Job{
		ID:        id,
		URL:       url,
		URLKey:    URLKey(url),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NormalizeURL trims surrounding whitespace. The raw URL is stored as
// submitted; only the duplicate key lowercases it.
func NormalizeURL(url string) string {
	return strings.TrimSpace(url)
}

// URLKey computes the duplicate-detection key for a URL: the hex SHA-256
// digest of the trimmed, lowercased URL.
func URLKey(url string) string {
	normalized := strings.ToLower(NormalizeURL(url))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// DuplicatePolicy governs how repeat submissions of the same URL are handled.
type DuplicatePolicy string

const (
	// PolicyAllowRetry always creates a new job.
	PolicyAllowRetry DuplicatePolicy = "allow-retry"
	// PolicyReuseCompleted returns an existing completed job instead of
	// creating a new one.
	PolicyReuseCompleted DuplicatePolicy = "reuse-completed"
	// PolicyRejectActive rejects a submission while a job for the same URL
	// is pending or processing.
	PolicyRejectActive DuplicatePolicy = "reject-active"
)

// ParseDuplicatePolicy validates a configured policy string.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case PolicyAllowRetry, PolicyReuseCompleted, PolicyRejectActive:
		return DuplicatePolicy(s), nil
	}
	return "", fmt.Errorf("unknown duplicate policy %q", s)
}

// ErrNotFound reports an unknown job id.
var ErrNotFound = errors.New("job not found")

// ErrDuplicateKey reports that an insert lost a uniqueness race on url_key.
// Callers recover by re-reading the winning row and re-applying policy.
var ErrDuplicateKey = errors.New("duplicate url key")

// ConflictError reports a submission rejected under the reject-active policy.
// It carries the job that blocked the submission.
type ConflictError struct {
	Existing *Job
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s for this URL is already %s", e.Existing.ID, e.Existing.Status)
}

// ListFilter narrows and pages a job listing. Results are always ordered
// newest-first by creation time.
type ListFilter struct {
	Status        *Status
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Counts aggregates jobs by status.
type Counts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// Store is the durable record of job identity, status, and result.
//
// Claim, Complete, and Fail each execute as a single atomic read-modify-write
// serialized per job id, so no two concurrent transitions on the same id both
// observe the pre-transition state.
type Store interface {
	// Create inserts a new pending job. It returns ErrDuplicateKey (possibly
	// wrapped) when a uniqueness constraint on url_key rejects the row.
	Create(ctx context.Context, j *Job) error

	// CreateIfNoActive atomically inserts j unless a pending or processing
	// job with the same url_key already exists, in which case that job is
	// returned with created=false and nothing is written.
	CreateIfNoActive(ctx context.Context, j *Job) (winner *Job, created bool, err error)

	// Get returns the job with the given id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// LatestByKey returns the most recently created job with the given
	// url_key, or ErrNotFound when none exists.
	LatestByKey(ctx context.Context, key string) (*Job, error)

	// List returns a page of jobs plus the total count matching the filter.
	List(ctx context.Context, f ListFilter) ([]*Job, int64, error)

	// Claim transitions pending|failed -> processing, incrementing Attempts
	// and clearing Error. Claiming a processing or completed job is a no-op
	// returning the unchanged record.
	Claim(ctx context.Context, id uuid.UUID) (*Job, error)

	// Complete transitions to completed, setting Result and clearing Error.
	Complete(ctx context.Context, id uuid.UUID, res Result) (*Job, error)

	// Fail transitions to failed, setting Error and clearing Result.
	Fail(ctx context.Context, id uuid.UUID, msg string) (*Job, error)

	// Counts groups all jobs by status.
	Counts(ctx context.Context) (Counts, error)

	Close()
}

// Queue is the durable hand-off between submission and workers. Each entry is
// exactly one job id in canonical string form.
type Queue interface {
	// Enqueue pushes a job id onto the queue.
	Enqueue(ctx context.Context, id uuid.UUID) error

	// Dequeue pops the next job id, blocking up to the queue's poll timeout.
	// ok is false when the poll timed out with nothing to do.
	Dequeue(ctx context.Context) (id uuid.UUID, ok bool, err error)

	Close() error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints job ids.
type IDGenerator interface {
	Generate() uuid.UUID
}
