// Package postgres provides the Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thumbforge/thumbforge/internal/job"
)

const jobColumns = "id, url, url_key, status, attempts, result, error, created_at, updated_at"

const schema = `
CREATE TABLE IF NOT EXISTS image_jobs (
	id UUID PRIMARY KEY,
	url TEXT NOT NULL,
	url_key TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	result JSONB,
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_image_jobs_url_key ON image_jobs (url_key);
CREATE INDEX IF NOT EXISTS idx_image_jobs_status ON image_jobs (status);
CREATE INDEX IF NOT EXISTS idx_image_jobs_created_at ON image_jobs (created_at DESC);
`

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements job.Store on top of a pgx connection pool.
type Store struct {
	pool  pool
	clock job.Clock
}

// NewStore connects to Postgres using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig, clock job.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, clock: clock}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, clock job.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p, clock: clock}, nil
}

// InitSchema creates the jobs table and its indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j          job.Job
		resultJSON []byte
		errMsg     *string
	)
	err := row.Scan(&j.ID, &j.URL, &j.URLKey, &j.Status, &j.Attempts, &resultJSON, &errMsg, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 {
		var res job.Result
		if err := json.Unmarshal(resultJSON, &res); err != nil {
			return nil, fmt.Errorf("decode result payload: %w", err)
		}
		j.Result = &res
	}
	if errMsg != nil {
		j.Error = *errMsg
	}
	return &j, nil
}

// Create inserts a new pending job row. A uniqueness violation on url_key is
// reported as job.ErrDuplicateKey so the caller can re-read and reconcile.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	query := `
INSERT INTO image_jobs (id, url, url_key, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, query, j.ID, j.URL, j.URLKey, j.Status, j.Attempts, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %v", job.ErrDuplicateKey, err)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// CreateIfNoActive inserts j unless the most recently created job with the
// same url_key is pending or processing, returning that job instead. Older
// active rows do not block a create; policy is judged against the latest row
// only. The check-then-insert runs under a transaction-scoped advisory lock
// keyed by url_key, so two concurrent submissions of the same URL cannot both
// insert.
func (s *Store) CreateIfNoActive(ctx context.Context, j *job.Job) (*job.Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, j.URLKey); err != nil {
		return nil, false, fmt.Errorf("acquire url key lock: %w", err)
	}

	query := fmt.Sprintf(`
SELECT %s FROM image_jobs
WHERE url_key = $1
ORDER BY created_at DESC
LIMIT 1`, jobColumns)
	latest, err := scanJob(tx.QueryRow(ctx, query, j.URLKey))
	switch {
	case err == nil:
		if latest.Status.Active() {
			if err := tx.Commit(ctx); err != nil {
				return nil, false, fmt.Errorf("commit create tx: %w", err)
			}
			return latest, false, nil
		}
		// Latest row is terminal; insert wins.
	case errors.Is(err, pgx.ErrNoRows):
		// No job holds the key; insert wins.
	default:
		return nil, false, fmt.Errorf("select latest job: %w", err)
	}

	insert := `
INSERT INTO image_jobs (id, url, url_key, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, insert, j.ID, j.URL, j.URLKey, j.Status, j.Attempts, j.CreatedAt, j.UpdatedAt); err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit create tx: %w", err)
	}
	cp := *j
	return &cp, true, nil
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM image_jobs WHERE id = $1`, jobColumns)
	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return j, nil
}

// LatestByKey returns the most recently created job with the given url_key.
func (s *Store) LatestByKey(ctx context.Context, key string) (*job.Job, error) {
	query := fmt.Sprintf(`
SELECT %s FROM image_jobs
WHERE url_key = $1
ORDER BY created_at DESC
LIMIT 1`, jobColumns)
	j, err := scanJob(s.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select latest job by key: %w", err)
	}
	return j, nil
}

// List returns a newest-first page of jobs plus the total matching count.
func (s *Store) List(ctx context.Context, f job.ListFilter) ([]*job.Job, int64, error) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if f.Status != nil {
		args = append(args, *f.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.CreatedAfter != nil {
		args = append(args, *f.CreatedAfter)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.CreatedBefore != nil {
		args = append(args, *f.CreatedBefore)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM image_jobs" + where
	var total int64
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, f.Limit)
	limitPos := len(args)
	args = append(args, f.Offset)
	offsetPos := len(args)
	pageQuery := fmt.Sprintf(
		"SELECT %s FROM image_jobs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		jobColumns, where, limitPos, offsetPos,
	)
	rows, err := s.pool.Query(ctx, pageQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*job.Job, 0, f.Limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, total, nil
}

// Claim transitions pending|failed -> processing, incrementing attempts and
// clearing the last error. The conditional UPDATE serializes concurrent
// claimants on the row lock; a job in any other status is returned unchanged.
func (s *Store) Claim(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	query := fmt.Sprintf(`
UPDATE image_jobs
SET status = $2, attempts = attempts + 1, error = NULL, updated_at = $3
WHERE id = $1 AND status IN ($4, $5)
RETURNING %s`, jobColumns)
	j, err := scanJob(s.pool.QueryRow(ctx, query,
		id, job.StatusProcessing, s.clock.Now(), job.StatusPending, job.StatusFailed))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	// Already processing, already completed, or missing entirely.
	return s.Get(ctx, id)
}

// Complete transitions to completed, setting the result payload and clearing
// any error. Idempotent: re-completing an already completed job rewrites the
// same terminal state.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, res job.Result) (*job.Job, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result payload: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE image_jobs
SET status = $2, result = $3, error = NULL, updated_at = $4
WHERE id = $1
RETURNING %s`, jobColumns)
	j, err := scanJob(s.pool.QueryRow(ctx, query, id, job.StatusCompleted, payload, s.clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	return j, nil
}

// Fail transitions to failed, recording the error and clearing any result.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, msg string) (*job.Job, error) {
	query := fmt.Sprintf(`
UPDATE image_jobs
SET status = $2, error = $3, result = NULL, updated_at = $4
WHERE id = $1
RETURNING %s`, jobColumns)
	j, err := scanJob(s.pool.QueryRow(ctx, query, id, job.StatusFailed, msg, s.clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	return j, nil
}

// Counts groups all jobs by status.
func (s *Store) Counts(ctx context.Context) (job.Counts, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM image_jobs GROUP BY status`)
	if err != nil {
		return job.Counts{}, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	var c job.Counts
	for rows.Next() {
		var (
			status job.Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return job.Counts{}, fmt.Errorf("scan status count: %w", err)
		}
		switch status {
		case job.StatusPending:
			c.Pending = n
		case job.StatusProcessing:
			c.Processing = n
		case job.StatusCompleted:
			c.Completed = n
		case job.StatusFailed:
			c.Failed = n
		}
		c.Total += n
	}
	if err := rows.Err(); err != nil {
		return job.Counts{}, fmt.Errorf("iterate status counts: %w", err)
	}
	return c, nil
}
