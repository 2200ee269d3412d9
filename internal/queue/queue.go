// Package queue is the durable scheduled-job queue shared by all masters.
// The queue table is the only coordination point between masters: a job is
// claimed by atomically moving it from pending to running inside one
// transaction with row locks, so no job ever runs on two masters at once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tilecraft/tileserv/internal/db"
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = eris.New("queue: job not found")

// ErrJobCancelled is returned by executors that observed the cancel flag;
// the runner leaves the persisted cancelled status untouched.
var ErrJobCancelled = eris.New("queue: job cancelled")

// Status is the persisted job state. The integer values are frozen; pending
// is deliberately the zero value.
type Status int

const (
	StatusPending   Status = 0
	StatusRunning   Status = 1
	StatusSucceeded Status = 2
	StatusFailed    Status = 3
	StatusCancelled Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Detail is the job payload stored in job_detail.
type Detail struct {
	Type         string `json:"type"`
	DatasourceID string `json:"datasource_id,omitempty"`
	// ClaimedBy records the identity of the master that last claimed the
	// job.
	ClaimedBy string `json:"claimed_by,omitempty"`
}

// Job is one persisted queue row.
type Job struct {
	JobID          string    `json:"job_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ScheduledFor   time.Time `json:"scheduled_for"`
	FailedAttempts int       `json:"failed_attempts"`
	Status         Status    `json:"status"`
	StatusName     string    `json:"status_name"`
	Detail         Detail    `json:"detail"`
}

// Queue persists jobs in the queue table.
type Queue struct {
	pool db.Pool
	log  *zap.Logger
}

// New creates a Queue.
func New(pool db.Pool) *Queue {
	return &Queue{
		pool: pool,
		log:  zap.L().With(zap.String("component", "queue")),
	}
}

const jobColumns = `job_id, created_at, updated_at, scheduled_for, failed_attempts, status, job_detail`

// Enqueue inserts a pending job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, detail Detail, scheduledFor time.Time) (string, error) {
	jobID := uuid.NewString()
	raw, err := json.Marshal(detail)
	if err != nil {
		return "", eris.Wrap(err, "queue: marshal detail")
	}

	_, err = q.pool.Exec(ctx, `
		INSERT INTO queue (job_id, created_at, updated_at, scheduled_for, failed_attempts, status, job_detail)
		VALUES ($1, now(), now(), $2, 0, $3, $4)`,
		jobID, scheduledFor, int(StatusPending), raw,
	)
	if err != nil {
		return "", eris.Wrap(err, "queue: enqueue")
	}

	q.log.Info("job enqueued",
		zap.String("job_id", jobID),
		zap.String("type", detail.Type),
		zap.Time("scheduled_for", scheduledFor),
	)
	return jobID, nil
}

// ClaimDue atomically claims up to limit due pending jobs for the named
// master. Rows are locked with FOR UPDATE SKIP LOCKED so concurrent masters
// never claim the same job.
func (q *Queue) ClaimDue(ctx context.Context, masterID string, now time.Time, limit int) ([]Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "queue: begin claim tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT `+jobColumns+`
		FROM queue
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY scheduled_for
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		int(StatusPending), now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: select due jobs")
	}
	claimed, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, eris.Wrap(tx.Commit(ctx), "queue: commit empty claim")
	}

	ids := make([]string, len(claimed))
	for i := range claimed {
		ids[i] = claimed[i].JobID
		claimed[i].Status = StatusRunning
		claimed[i].StatusName = StatusRunning.String()
		claimed[i].Detail.ClaimedBy = masterID
	}

	_, err = tx.Exec(ctx, `
		UPDATE queue
		SET status = $1,
			updated_at = now(),
			job_detail = jsonb_set(job_detail, '{claimed_by}', to_jsonb($2::text))
		WHERE job_id = ANY($3)`,
		int(StatusRunning), masterID, ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: mark running")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: commit claim")
	}
	return claimed, nil
}

// Complete marks a running job succeeded.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.setStatus(ctx, jobID, StatusSucceeded)
}

// Fail marks a job failed and bumps its attempt counter.
func (q *Queue) Fail(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE queue
		SET status = $1, failed_attempts = failed_attempts + 1, updated_at = now()
		WHERE job_id = $2`,
		int(StatusFailed), jobID,
	)
	if err != nil {
		return eris.Wrap(err, "queue: mark failed")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Retry returns a running job to pending, rescheduled after the given
// backoff, and bumps its attempt counter.
func (q *Queue) Retry(ctx context.Context, jobID string, after time.Duration) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE queue
		SET status = $1,
			failed_attempts = failed_attempts + 1,
			scheduled_for = now() + $2,
			updated_at = now()
		WHERE job_id = $3`,
		int(StatusPending), after, jobID,
	)
	if err != nil {
		return eris.Wrap(err, "queue: reschedule")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel sets the cancelled flag. Running jobs observe it at their next safe
// point via IsCancelled.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.setStatus(ctx, jobID, StatusCancelled)
}

// IsCancelled reports whether the job was cancelled.
func (q *Queue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	var status int
	err := q.pool.QueryRow(ctx,
		`SELECT status FROM queue WHERE job_id = $1`, jobID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, eris.Wrap(err, "queue: check cancelled")
	}
	return Status(status) == StatusCancelled, nil
}

// List returns jobs, optionally filtered by status.
func (q *Queue) List(ctx context.Context, filter *Status) ([]Job, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if filter != nil {
		rows, err = q.pool.Query(ctx, `
			SELECT `+jobColumns+` FROM queue WHERE status = $1 ORDER BY created_at DESC`,
			int(*filter))
	} else {
		rows, err = q.pool.Query(ctx, `
			SELECT `+jobColumns+` FROM queue ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: list")
	}
	return scanJobs(rows)
}

// ActivePyramid returns the pending or running pyramid job for a datasource,
// if one exists. It backs the pyramid POST idempotence check.
func (q *Queue) ActivePyramid(ctx context.Context, datasourceID string) (string, bool, error) {
	var jobID string
	err := q.pool.QueryRow(ctx, `
		SELECT job_id FROM queue
		WHERE status = ANY($1)
		  AND job_detail->>'type' = 'pyramid'
		  AND job_detail->>'datasource_id' = $2
		ORDER BY created_at
		LIMIT 1`,
		[]int{int(StatusPending), int(StatusRunning)}, datasourceID,
	).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "queue: find active pyramid")
	}
	return jobID, true, nil
}

func (q *Queue) setStatus(ctx context.Context, jobID string, status Status) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE queue SET status = $1, updated_at = now() WHERE job_id = $2`,
		int(status), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: set status %s", status)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j      Job
			status int
			raw    []byte
		)
		if err := rows.Scan(&j.JobID, &j.CreatedAt, &j.UpdatedAt, &j.ScheduledFor,
			&j.FailedAttempts, &status, &raw); err != nil {
			return nil, eris.Wrap(err, "queue: scan job")
		}
		j.Status = Status(status)
		j.StatusName = j.Status.String()
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &j.Detail); err != nil {
				return nil, eris.Wrap(err, "queue: unmarshal detail")
			}
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "queue: iterate jobs")
}
