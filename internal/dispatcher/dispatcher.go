// Package dispatcher decides what a submission becomes — a new job, a reused
// one, or a rejection — and hands newly created jobs to the queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/thumbforge/thumbforge/internal/job"
	"github.com/thumbforge/thumbforge/internal/metrics"
)

// Outcome reports how a submission was resolved.
type Outcome string

const (
	// OutcomeCreated means a new job row was inserted and enqueued.
	OutcomeCreated Outcome = "created"
	// OutcomeReused means an existing job was returned and nothing was
	// inserted or enqueued.
	OutcomeReused Outcome = "reused"
)

// Dispatcher resolves duplicate submissions and enqueues created jobs.
type Dispatcher struct {
	store  job.Store
	queue  job.Queue
	policy job.DuplicatePolicy
	idGen  job.IDGenerator
	clock  job.Clock
	logger *zap.Logger
}

// New constructs a Dispatcher.
func New(
	store job.Store,
	queue job.Queue,
	policy job.DuplicatePolicy,
	idGen job.IDGenerator,
	clock job.Clock,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:  store,
		queue:  queue,
		policy: policy,
		idGen:  idGen,
		clock:  clock,
		logger: logger,
	}
}

// Submit applies the configured duplicate policy to url and either returns an
// existing job, creates and enqueues a new one, or returns *job.ConflictError.
//
// The job row is durably persisted before its id is pushed; a crash between
// the two leaves a pending row with no queue entry, which an external sweep
// has to reclaim.
func (d *Dispatcher) Submit(ctx context.Context, url string) (*job.Job, Outcome, error) {
	key := job.URLKey(url)

	existing, err := d.store.LatestByKey(ctx, key)
	if err != nil && !errors.Is(err, job.ErrNotFound) {
		return nil, "", fmt.Errorf("look up url key: %w", err)
	}
	if existing != nil {
		if d.policy == job.PolicyReuseCompleted && existing.Status == job.StatusCompleted {
			metrics.ObserveSubmission(string(OutcomeReused))
			return existing, OutcomeReused, nil
		}
		if d.policy == job.PolicyRejectActive && existing.Status.Active() {
			metrics.ObserveSubmission("rejected")
			return nil, "", &job.ConflictError{Existing: existing}
		}
	}

	j := job.New(d.idGen.Generate(), url, d.clock.Now())
	created, outcome, err := d.create(ctx, j)
	if err != nil {
		return nil, "", err
	}
	if outcome != OutcomeCreated {
		metrics.ObserveSubmission(string(outcome))
		return created, outcome, nil
	}

	if err := d.queue.Enqueue(ctx, created.ID); err != nil {
		// The row is already durable; the job stays pending until an
		// external reclaim. Surface the failure to the caller.
		d.logger.Error("enqueue after create failed",
			zap.String("job_id", created.ID.String()),
			zap.Error(err),
		)
		return nil, "", fmt.Errorf("enqueue job: %w", err)
	}
	metrics.ObserveSubmission(string(OutcomeCreated))
	d.logger.Info("job created",
		zap.String("job_id", created.ID.String()),
		zap.String("url_key", key),
	)
	return created, OutcomeCreated, nil
}

func (d *Dispatcher) create(ctx context.Context, j *job.Job) (*job.Job, Outcome, error) {
	// Under reject-active the read-then-insert race matters: two concurrent
	// submissions of the same URL must not both create. The store closes the
	// window with per-key exclusion.
	if d.policy == job.PolicyRejectActive {
		winner, created, err := d.store.CreateIfNoActive(ctx, j)
		if err != nil {
			return nil, "", fmt.Errorf("create job: %w", err)
		}
		if !created {
			metrics.ObserveSubmission("rejected")
			return nil, "", &job.ConflictError{Existing: winner}
		}
		return winner, OutcomeCreated, nil
	}

	err := d.store.Create(ctx, j)
	if err == nil {
		return j, OutcomeCreated, nil
	}
	if !errors.Is(err, job.ErrDuplicateKey) {
		return nil, "", fmt.Errorf("create job: %w", err)
	}
	return d.reconcile(ctx, j.URLKey, err)
}

// reconcile heals an insert that lost a uniqueness race: re-read the winning
// row and re-apply policy against it instead of propagating the raw conflict.
func (d *Dispatcher) reconcile(ctx context.Context, key string, cause error) (*job.Job, Outcome, error) {
	winner, err := d.store.LatestByKey(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("reconcile duplicate key: %w", errors.Join(cause, err))
	}
	if d.policy == job.PolicyRejectActive && winner.Status.Active() {
		return nil, "", &job.ConflictError{Existing: winner}
	}
	return winner, OutcomeReused, nil
}
