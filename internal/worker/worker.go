// Package worker runs queued analysis jobs on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/accredit/internal/pipeline"
	"github.com/kalambet/accredit/internal/storage"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 4

// DefaultLease is how long a claimed job may go without a status write
// before another runner treats it as orphaned. It must exceed the stage
// timeout.
const DefaultLease = pipeline.DefaultStageTimeout + time.Minute

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, runnerID string, now time.Time) (*storage.Job, error)
	RecoverInterruptedJobs(ctx context.Context, runnerID string, staleBefore time.Time, message string, now time.Time) ([]string, error)
	RecordDeadLetter(ctx context.Context, d storage.DeadLetter) error
}

// JobRunner executes one job to completion.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Result is what a worker reports after running a job.
type Result struct {
	JobID string
	Err   error
}

// Stats are cumulative counters since the runner started.
type Stats struct {
	Workers   int   `json:"workers"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Runner claims queued jobs and hands them to a fixed set of workers.
// Several runners may share one store; each claims under its own id.
type Runner struct {
	id      string
	store   JobStore
	jobs    JobRunner
	workers int
	poll    time.Duration
	lease   time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time

	wake      chan struct{}
	processed atomic.Int64
	failed    atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithLease sets how stale another runner's claim must be before Recover
// fails it. Values <= 0 keep DefaultLease.
func WithLease(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.lease = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.nowFunc = now }
}

// NewRunner creates a Runner. workers <= 0 uses DefaultWorkers and
// pollInterval <= 0 defaults to 500ms.
func NewRunner(store JobStore, jobs JobRunner, workers int, pollInterval time.Duration, opts ...Option) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	r := &Runner{
		id:      uuid.New().String(),
		store:   store,
		jobs:    jobs,
		workers: workers,
		poll:    pollInterval,
		lease:   DefaultLease,
		logger:  slog.Default(),
		nowFunc: time.Now,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("runner_id", r.id)
	return r
}

// ID identifies this runner's claims in the store.
func (r *Runner) ID() string { return r.id }

// Submit tells the dispatcher a job was queued. It never blocks; the job is
// picked up on the next poll if the wake-up is dropped.
func (r *Runner) Submit(jobID string) {
	select {
	case r.wake <- struct{}{}:
		r.logger.Debug("dispatcher woken", "job_id", jobID)
	default:
	}
}

func (r *Runner) Stats() Stats {
	return Stats{Workers: r.workers, Processed: r.processed.Load(), Failed: r.failed.Load()}
}

// Recover fails jobs another runner claimed and then stopped writing to for
// longer than the lease, and records a dead letter for each. Claims that are
// still being worked on are left alone. It returns the number of jobs recovered.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	now := r.nowFunc()
	ids, err := r.store.RecoverInterruptedJobs(ctx, r.id, now.Add(-r.lease), pipeline.MsgInterrupted, now)
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	for _, id := range ids {
		r.logger.Warn("failed interrupted job", "job_id", id)
		r.deadLetter(ctx, id, "recovery", pipeline.MsgInterrupted)
	}
	return len(ids), nil
}

// Run recovers orphaned jobs, then dispatches queued jobs to the pool until
// ctx is cancelled. Recovery repeats every half lease. In-flight jobs see the
// cancellation and are left for another runner to recover once their lease
// expires.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.Recover(ctx); err != nil {
		return err
	}

	tasks := make(chan string)
	results := make(chan Result, r.workers)
	// One token per idle worker; the dispatcher claims only while holding one,
	// so a claimed job starts at once and its lease is not spent waiting.
	idle := make(chan struct{}, r.workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers + 1)
	for i := 0; i < r.workers; i++ {
		idle <- struct{}{}
		g.Go(func() error {
			for id := range tasks {
				results <- Result{JobID: id, Err: r.jobs.Run(gctx, id)}
				idle <- struct{}{}
			}
			return nil
		})
	}

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for res := range results {
			r.ack(ctx, res)
		}
	}()

	g.Go(func() error {
		defer close(tasks)
		r.dispatch(gctx, tasks, idle)
		return nil
	})

	err := g.Wait()
	close(results)
	<-collected
	r.logger.Info("worker pool stopped", "processed", r.processed.Load(), "failed", r.failed.Load())
	return err
}

func (r *Runner) dispatch(ctx context.Context, tasks chan<- string, idle chan struct{}) {
	nextRecover := r.nowFunc().Add(r.lease / 2)
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle:
		}

		if now := r.nowFunc(); !now.Before(nextRecover) {
			if _, err := r.Recover(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("periodic recovery failed", "error", err)
			}
			nextRecover = now.Add(r.lease / 2)
		}

		job, err := r.store.ClaimNextJob(ctx, r.id, r.nowFunc())
		if err != nil && ctx.Err() == nil {
			r.logger.Error("claiming job failed", "error", err)
		}
		if job != nil {
			select {
			case tasks <- job.ID:
				continue
			case <-ctx.Done():
				r.logger.Warn("job claimed during shutdown", "job_id", job.ID)
				return
			}
		}

		idle <- struct{}{}
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-time.After(r.poll):
		}
	}
}

// RunOnce claims and runs a single job on the calling goroutine.
// Returns true if a job was processed (regardless of success/failure).
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.store.ClaimNextJob(ctx, r.id, r.nowFunc())
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	res := Result{JobID: job.ID, Err: r.jobs.Run(ctx, job.ID)}
	r.ack(ctx, res)
	return true, nil
}

func (r *Runner) ack(ctx context.Context, res Result) {
	log := r.logger.With("job_id", res.JobID)
	r.processed.Add(1)

	var stageErr *pipeline.StageError
	switch {
	case res.Err == nil:
		log.Info("job finished")
	case errors.Is(res.Err, pipeline.ErrAborted):
		log.Info("job aborted", "reason", res.Err)
	case ctx.Err() != nil:
		log.Warn("job interrupted by shutdown", "error", res.Err)
	case errors.As(res.Err, &stageErr):
		r.failed.Add(1)
		log.Warn("job failed", "stage", stageErr.Stage, "error", stageErr.Err)
		r.deadLetter(ctx, res.JobID, string(stageErr.Stage), stageErr.Err.Error())
	default:
		r.failed.Add(1)
		log.Error("job run failed", "error", res.Err)
		r.deadLetter(ctx, res.JobID, "run", res.Err.Error())
	}
}

func (r *Runner) deadLetter(ctx context.Context, jobID, stage, msg string) {
	err := r.store.RecordDeadLetter(context.WithoutCancel(ctx), storage.DeadLetter{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Stage:     stage,
		Error:     msg,
		CreatedAt: r.nowFunc(),
	})
	if err != nil {
		r.logger.Error("recording dead letter failed", "job_id", jobID, "error", err)
	}
}
