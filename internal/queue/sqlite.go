package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var _ interfaces.JobQueue = (*SQLiteQueue)(nil)

var ErrAlreadyRunning = errors.New("queue worker already running")

type Config struct {
	PollInterval time.Duration
	// Lease bounds how long a claimed job may run before it is redelivered
	Lease   time.Duration
	Workers int
	Retry   RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		Lease:        2 * time.Minute,
		Workers:      4,
		Retry:        DefaultRetryPolicy(),
	}
}

// SQLiteQueue persists jobs in scheduled_jobs and polls for due ones
// ARCHITECTURAL DISCOVERY: Claims are conditional updates with a lease, so a crash
// mid-job only delays it until the lease lapses; handlers must be idempotent
type SQLiteQueue struct {
	store   interfaces.JobStore
	config  Config
	now     func() time.Time
	running chan struct{}
}

func NewSQLiteQueue(store interfaces.JobStore, config Config) *SQLiteQueue {
	d := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = d.PollInterval
	}
	if config.Lease <= 0 {
		config.Lease = d.Lease
	}
	if config.Workers <= 0 {
		config.Workers = d.Workers
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = d.Retry
	}
	return &SQLiteQueue{
		store:   store,
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
		running: make(chan struct{}, 1),
	}
}

// SetClock replaces the time source; tests only
func (q *SQLiteQueue) SetClock(now func() time.Time) { q.now = now }

// Enqueue stores job as pending; a zero DueAt means due now
func (q *SQLiteQueue) Enqueue(ctx context.Context, job *types.ScheduledJob) error {
	now := q.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.DueAt.IsZero() {
		job.DueAt = now
	}
	job.Status = types.JobPending
	job.Attempts = 0
	job.LastError = ""
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Str("job_id", job.ID).Str("session_id", job.SessionID).
		Time("due_at", job.DueAt).Msg("job enqueued")
	return nil
}

// Run polls for due jobs and feeds a bounded worker pool until ctx ends
func (q *SQLiteQueue) Run(ctx context.Context, handler interfaces.JobHandler) error {
	select {
	case q.running <- struct{}{}:
		defer func() { <-q.running }()
	default:
		return ErrAlreadyRunning
	}

	logger := zerolog.Ctx(ctx)
	logger.Info().Int("workers", q.config.Workers).Dur("poll_interval", q.config.PollInterval).
		Msg("job worker started")

	jobs := make(chan *types.ScheduledJob)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.config.Workers; i++ {
		g.Go(func() error {
			for job := range jobs {
				q.process(gctx, job, handler)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		ticker := time.NewTicker(q.config.PollInterval)
		defer ticker.Stop()
		for {
			q.poll(gctx, jobs)
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	logger.Info().Msg("job worker stopped")
	return err
}

// poll releases lapsed leases then claims up to one batch per worker
func (q *SQLiteQueue) poll(ctx context.Context, jobs chan<- *types.ScheduledJob) {
	logger := zerolog.Ctx(ctx)
	now := q.now()

	if released, err := q.store.ReleaseExpiredLeases(ctx, now); err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("failed to release expired job leases")
		}
	} else if released > 0 {
		logger.Warn().Int64("released", released).Msg("redelivering jobs with expired leases")
	}

	claimed, err := q.store.ClaimDueJobs(ctx, now, now.Add(q.config.Lease), q.config.Workers)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("failed to claim due jobs")
		}
		return
	}
	for _, job := range claimed {
		select {
		case jobs <- job:
		case <-ctx.Done():
			// unsent claims keep their lease and are redelivered after restart
			return
		}
	}
}

// process runs one claimed job and records the outcome
func (q *SQLiteQueue) process(ctx context.Context, job *types.ScheduledJob, handler interfaces.JobHandler) {
	job.Attempts++
	logger := zerolog.Ctx(ctx).With().
		Str("job_id", job.ID).
		Str("session_id", job.SessionID).
		Int("attempt", job.Attempts).
		Logger()

	runErr := SafeRun(logger.WithContext(ctx), handler, job)

	// TECHNICAL DISCOVERY: Outcome writes must survive shutdown, otherwise a
	// finished job would wait out its lease and run again
	bookkeeping := context.WithoutCancel(ctx)
	now := q.now()

	var err error
	switch {
	case runErr == nil:
		err = q.store.CompleteJob(bookkeeping, job.ID, now)
		logger.Info().Msg("job completed")
	case IsPermanent(runErr) || q.config.Retry.Exhausted(job.Attempts):
		err = q.store.FailJob(bookkeeping, job.ID, job.Attempts, runErr.Error(), now)
		logger.Error().Err(runErr).Msg("job failed permanently")
	default:
		delay := q.config.Retry.Delay(job.Attempts)
		err = q.store.RetryJob(bookkeeping, job.ID, now.Add(delay), job.Attempts, runErr.Error(), now)
		logger.Warn().Err(runErr).Dur("retry_in", delay).Msg("job failed, scheduling retry")
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to record job outcome")
	}
}
