package queue

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobRows(t *testing.T, jobs ...Job) *pgxmock.Rows {
	t.Helper()
	rows := pgxmock.NewRows([]string{
		"job_id", "created_at", "updated_at", "scheduled_for",
		"failed_attempts", "status", "job_detail",
	})
	for _, j := range jobs {
		rows.AddRow(j.JobID, j.CreatedAt, j.UpdatedAt, j.ScheduledFor,
			j.FailedAttempts, int(j.Status),
			[]byte(`{"type":"pyramid","datasource_id":"ds1"}`))
	}
	return rows
}

func TestEnqueue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO queue").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), int(StatusPending), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	q := New(mock)
	id, err := q.Enqueue(context.Background(),
		Detail{Type: "pyramid", DatasourceID: "ds1"}, time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	due := Job{
		JobID:        "job-1",
		CreatedAt:    now.Add(-time.Hour),
		UpdatedAt:    now.Add(-time.Hour),
		ScheduledFor: now.Add(-time.Minute),
		Status:       StatusPending,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT job_id, created_at").
		WithArgs(int(StatusPending), now, 10).
		WillReturnRows(jobRows(t, due))
	mock.ExpectExec("UPDATE queue").
		WithArgs(int(StatusRunning), "master-a", []string{"job-1"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	q := New(mock)
	jobs, err := q.ClaimDue(context.Background(), "master-a", now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// The returned snapshot reflects the claim.
	assert.Equal(t, StatusRunning, jobs[0].Status)
	assert.Equal(t, "master-a", jobs[0].Detail.ClaimedBy)
	assert.Equal(t, "ds1", jobs[0].Detail.DatasourceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDue_NothingDue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT job_id, created_at").
		WithArgs(int(StatusPending), now, 10).
		WillReturnRows(jobRows(t))
	mock.ExpectCommit()

	q := New(mock)
	jobs, err := q.ClaimDue(context.Background(), "master-a", now, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE queue SET status").
		WithArgs(int(StatusSucceeded), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	q := New(mock)
	require.NoError(t, q.Complete(context.Background(), "job-1"))
}

func TestComplete_Unknown(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE queue SET status").
		WithArgs(int(StatusSucceeded), "nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	q := New(mock)
	assert.ErrorIs(t, q.Complete(context.Background(), "nope"), ErrNotFound)
}

func TestRetry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE queue").
		WithArgs(int(StatusPending), time.Minute, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	q := New(mock)
	require.NoError(t, q.Retry(context.Background(), "job-1", time.Minute))
}

func TestFail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE queue").
		WithArgs(int(StatusFailed), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	q := New(mock)
	require.NoError(t, q.Fail(context.Background(), "job-1"))
}

func TestCancelAndIsCancelled(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE queue SET status").
		WithArgs(int(StatusCancelled), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("SELECT status FROM queue").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(int(StatusCancelled)))

	q := New(mock)
	require.NoError(t, q.Cancel(context.Background(), "job-1"))
	cancelled, err := q.IsCancelled(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestList_WithFilter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT job_id, created_at").
		WithArgs(int(StatusFailed)).
		WillReturnRows(jobRows(t, Job{
			JobID: "job-9", CreatedAt: now, UpdatedAt: now,
			ScheduledFor: now, FailedAttempts: 5, Status: StatusFailed,
		}))

	q := New(mock)
	failed := StatusFailed
	jobs, err := q.List(context.Background(), &failed)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "failed", jobs[0].StatusName)
	assert.Equal(t, 5, jobs[0].FailedAttempts)
}

func TestActivePyramid(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	active := []int{int(StatusPending), int(StatusRunning)}
	mock.ExpectQuery("SELECT job_id FROM queue").
		WithArgs(active, "ds1").
		WillReturnRows(pgxmock.NewRows([]string{"job_id"}).AddRow("job-7"))

	q := New(mock)
	id, ok, err := q.ActivePyramid(context.Background(), "ds1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "job-7", id)

	mock.ExpectQuery("SELECT job_id FROM queue").
		WithArgs(active, "ds2").
		WillReturnRows(pgxmock.NewRows([]string{"job_id"}))
	_, ok, err = q.ActivePyramid(context.Background(), "ds2")
	require.NoError(t, err)
	assert.False(t, ok)
}
