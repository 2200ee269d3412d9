package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tilecraft/tileserv/internal/resilience"
)

// Executor runs one claimed job to completion.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job Job) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// RunnerConfig tunes the master's queue polling loop.
type RunnerConfig struct {
	// MasterID stamps claims with this node's identity.
	MasterID string
	// Interval is the poll cadence (timeout_pull_job).
	Interval time.Duration
	// ClaimLimit bounds jobs claimed per tick.
	ClaimLimit int
	// MaxAttempts is the transition-to-failed threshold.
	MaxAttempts int
	// BaseBackoff seeds the exponential retry schedule.
	BaseBackoff time.Duration
	// MaxBackoff caps the retry schedule.
	MaxBackoff time.Duration
}

// Runner polls the queue on each master and dispatches job execution.
type Runner struct {
	queue    *Queue
	executor Executor
	cfg      RunnerConfig
	log      *zap.Logger
}

// NewRunner creates a Runner; call Run.
func NewRunner(q *Queue, executor Executor, cfg RunnerConfig) *Runner {
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Minute
	}
	return &Runner{
		queue:    q,
		executor: executor,
		cfg:      cfg,
		log: zap.L().With(
			zap.String("component", "queue.runner"),
			zap.String("master_id", cfg.MasterID),
		),
	}
}

// Run blocks until ctx is cancelled, waking every Interval to claim and
// execute due jobs.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("queue runner started", zap.Duration("interval", r.cfg.Interval))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("queue runner stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick claims due jobs and executes each.
func (r *Runner) tick(ctx context.Context) {
	jobs, err := r.queue.ClaimDue(ctx, r.cfg.MasterID, time.Now(), r.cfg.ClaimLimit)
	if err != nil {
		r.log.Error("claim failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		r.runJob(ctx, job)
	}
}

func (r *Runner) runJob(ctx context.Context, job Job) {
	log := r.log.With(zap.String("job_id", job.JobID), zap.String("type", job.Detail.Type))
	log.Info("job started", zap.Int("failed_attempts", job.FailedAttempts))

	err := r.executor.Execute(ctx, job)
	if eris.Is(err, ErrJobCancelled) {
		log.Info("job cancelled")
		return
	}
	if err == nil {
		if cerr := r.queue.Complete(ctx, job.JobID); cerr != nil {
			log.Error("mark succeeded failed", zap.Error(cerr))
		}
		log.Info("job succeeded")
		return
	}

	// Transient failures go back to pending with exponential backoff until
	// the attempt budget runs out; anything else is fatal.
	if resilience.IsTransient(err) && job.FailedAttempts+1 < r.cfg.MaxAttempts {
		after := r.backoff(job.FailedAttempts)
		if rerr := r.queue.Retry(ctx, job.JobID, after); rerr != nil {
			log.Error("reschedule failed", zap.Error(rerr))
			return
		}
		log.Warn("job rescheduled", zap.Duration("after", after), zap.Error(err))
		return
	}

	if ferr := r.queue.Fail(ctx, job.JobID); ferr != nil {
		log.Error("mark failed failed", zap.Error(ferr))
	}
	log.Error("job failed", zap.Error(err))
}

// backoff computes base × 2^attempts capped at MaxBackoff.
func (r *Runner) backoff(attempts int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}
