// Package jobs implements Sibyl's background job queue (C6): bounded
// concurrency worker pool, per-kind handler dispatch, and exponential
// backoff retry for jobs that fail transiently.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sibylhq/sibyl/internal/bus"
	"github.com/sibylhq/sibyl/internal/store"
	"github.com/sibylhq/sibyl/pkg/models"
)

// Handler runs one job. A returned error marks the job failed; the queue
// retries per the backoff policy before giving up and persisting the
// final failure.
type Handler func(ctx context.Context, job *models.Job) error

// MaxAttempts bounds how many times a job is retried before it is marked
// failed for good.
const MaxAttempts = 5

// Queue dispatches enqueued jobs to registered per-kind handlers across a
// bounded worker pool, backed by store.JobStore for durability and
// internal/bus for status events.
type Queue struct {
	store store.JobStore
	bus   *bus.Bus

	handlersMu sync.RWMutex
	handlers   map[models.JobKind]Handler

	work chan *queuedJob

	newBackoff func() backoff.BackOff

	wg sync.WaitGroup
}

type queuedJob struct {
	tenant string
	job    *models.Job
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithBackoffFactory overrides the retry backoff policy constructor; used
// by tests to shrink retry delays instead of waiting on the default
// multi-second exponential curve.
func WithBackoffFactory(f func() backoff.BackOff) Option {
	return func(q *Queue) { q.newBackoff = f }
}

// New creates a Queue with a work channel sized for backlog, not
// throughput — actual concurrency is set by Start's worker count.
func New(st store.JobStore, b *bus.Bus, opts ...Option) *Queue {
	q := &Queue{
		store:    st,
		bus:      b,
		handlers: make(map[models.JobKind]Handler),
		work:     make(chan *queuedJob, 256),
		newBackoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register binds a handler to a job kind. Must be called before Start.
func (q *Queue) Register(kind models.JobKind, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[kind] = h
}

// Enqueue persists a new job and hands it to the worker pool. Returns
// the created job, including its assigned ID.
func (q *Queue) Enqueue(ctx context.Context, tenant string, kind models.JobKind, args map[string]interface{}) (*models.Job, error) {
	job := &models.Job{
		ID:         uuid.New().String(),
		Tenant:     tenant,
		Kind:       kind,
		Args:       args,
		Status:     models.JobQueued,
		EnqueuedAt: time.Now(),
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	q.bus.Publish(ctx, tenant, models.Event{
		Name: models.EventJobStatus,
		Data: map[string]interface{}{"job_id": job.ID, "kind": job.Kind, "status": job.Status},
	})

	select {
	case q.work <- &queuedJob{tenant: tenant, job: job}:
	default:
		// Backlog full: the job stays persisted as queued and Recover
		// will pick it up on the next Start, instead of blocking the
		// enqueuing caller indefinitely.
		log.Warn().Str("job_id", job.ID).Msg("jobs: work channel full, deferring to recovery scan")
	}
	return job, nil
}

// Start launches concurrency worker goroutines and recovers any jobs
// left in the queued state by a prior process (e.g. after a restart).
// It blocks until ctx is cancelled, then waits for in-flight jobs to
// finish their current attempt.
func (q *Queue) Start(ctx context.Context, tenant string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.recover(ctx, tenant)

	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	<-ctx.Done()
	q.wg.Wait()
}

// recover re-enqueues jobs a prior process left at JobQueued so a
// restart doesn't silently drop backlog.
func (q *Queue) recover(ctx context.Context, tenant string) {
	pending, err := q.store.ListQueuedJobs(ctx, tenant, 1000)
	if err != nil {
		log.Error().Err(err).Msg("jobs: recovery scan failed")
		return
	}
	for i := range pending {
		job := pending[i]
		select {
		case q.work <- &queuedJob{tenant: tenant, job: &job}:
		default:
			log.Warn().Str("job_id", job.ID).Msg("jobs: recovery backlog exceeds work channel capacity")
		}
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case qj, ok := <-q.work:
			if !ok {
				return
			}
			q.run(ctx, qj)
		}
	}
}

func (q *Queue) run(ctx context.Context, qj *queuedJob) {
	job := qj.job

	q.handlersMu.RLock()
	h, ok := q.handlers[job.Kind]
	q.handlersMu.RUnlock()
	if !ok {
		q.fail(ctx, qj, fmt.Errorf("no handler registered for job kind %q", job.Kind))
		return
	}

	now := time.Now()
	job.Status = models.JobRunning
	job.StartedAt = &now
	_ = q.store.UpdateJob(ctx, job)
	q.bus.Publish(ctx, qj.tenant, models.Event{
		Name: models.EventJobStatus,
		Data: map[string]interface{}{"job_id": job.ID, "kind": job.Kind, "status": job.Status},
	})

	policy := backoff.WithMaxRetries(q.newBackoff(), MaxAttempts-1)
	err := backoff.Retry(func() error {
		job.Attempts++
		return h(ctx, job)
	}, backoff.WithContext(policy, ctx))

	if err != nil {
		q.fail(ctx, qj, err)
		return
	}

	finished := time.Now()
	job.Status = models.JobSucceeded
	job.FinishedAt = &finished
	job.Error = ""
	_ = q.store.UpdateJob(ctx, job)
	q.bus.Publish(ctx, qj.tenant, models.Event{
		Name: models.EventJobStatus,
		Data: map[string]interface{}{"job_id": job.ID, "kind": job.Kind, "status": job.Status},
	})
}

func (q *Queue) fail(ctx context.Context, qj *queuedJob, err error) {
	job := qj.job
	finished := time.Now()
	job.Status = models.JobFailed
	job.FinishedAt = &finished
	job.Error = err.Error()
	_ = q.store.UpdateJob(ctx, job)
	q.bus.Publish(ctx, qj.tenant, models.Event{
		Name: models.EventJobStatus,
		Data: map[string]interface{}{"job_id": job.ID, "kind": job.Kind, "status": job.Status, "error": job.Error},
	})
	log.Error().Err(err).Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("jobs: job failed permanently")
}
