package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ReloadScheduler fires the pool's rolling reload at the configured
// wall-clock time every periodicity interval. A zero periodicity disables
// scheduled reloads.
type ReloadScheduler struct {
	pool      *Pool
	at        string // HH:MM:SS, already validated by config
	everyDays int
	nowFunc   func() time.Time
	log       *zap.Logger
}

// NewReloadScheduler creates a scheduler; call Run.
func NewReloadScheduler(pool *Pool, at string, everyDays int) *ReloadScheduler {
	return &ReloadScheduler{
		pool:      pool,
		at:        at,
		everyDays: everyDays,
		nowFunc:   time.Now,
		log:       zap.L().With(zap.String("component", "worker.reload_scheduler")),
	}
}

// Run blocks until ctx is cancelled, triggering reloads on schedule.
func (rs *ReloadScheduler) Run(ctx context.Context) {
	if rs.everyDays <= 0 {
		return
	}

	for {
		delay := rs.untilNext()
		rs.log.Info("next scheduled reload", zap.Duration("in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := rs.pool.ReloadAll(ctx); err != nil {
			rs.log.Warn("scheduled reload skipped", zap.Error(err))
		}
	}
}

// untilNext computes the wait until the next reload_time occurrence, spaced
// reload_periodicity_days apart.
func (rs *ReloadScheduler) untilNext() time.Duration {
	now := rs.nowFunc()
	t, _ := time.Parse("15:04:05", rs.at)
	next := time.Date(now.Year(), now.Month(), now.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, rs.everyDays)
	}
	return next.Sub(now)
}
