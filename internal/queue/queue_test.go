package queue

import (
	"context"
	"testing"
	"time"

	"github.com/lildude/racesync/internal/database/databasetest"
	"github.com/lildude/racesync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newQueue returns a queue whose clock advances a second per call.
func newQueue(t *testing.T) *Queue {
	t.Helper()
	q := New(databasetest.New(t))
	clock := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return q
}

func TestEnqueueIsIdempotentPerAthlete(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	first, created, err := q.Enqueue(ctx, 1, model.JobIncremental, model.PriorityScheduled)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := q.Enqueue(ctx, 1, model.JobFull, model.PriorityManual)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, model.JobIncremental, again.JobType)
	assert.Equal(t, model.PriorityManual, again.Priority, "a more urgent request raises the priority")

	_, created, err = q.Enqueue(ctx, 2, model.JobInitial, model.PriorityWebhook)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, q.Finish(ctx, first.ID, model.JobCompleted, ""))
	next, created, err := q.Enqueue(ctx, 1, model.JobIncremental, model.PriorityWebhook)
	require.NoError(t, err)
	assert.True(t, created, "a finished job does not block a new one")
	assert.NotEqual(t, first.ID, next.ID)
}

func TestClaimNextOrder(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	scheduled, _, err := q.Enqueue(ctx, 1, model.JobIncremental, model.PriorityScheduled)
	require.NoError(t, err)
	webhookOld, _, err := q.Enqueue(ctx, 2, model.JobIncremental, model.PriorityWebhook)
	require.NoError(t, err)
	webhookNew, _, err := q.Enqueue(ctx, 3, model.JobIncremental, model.PriorityWebhook)
	require.NoError(t, err)
	manual, _, err := q.Enqueue(ctx, 4, model.JobFull, model.PriorityManual)
	require.NoError(t, err)

	for _, want := range []uint{manual.ID, webhookOld.ID, webhookNew.ID, scheduled.ID} {
		job, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, job.ID)
		assert.Equal(t, model.JobRunning, job.Status)
		assert.NotNil(t, job.StartedAt)
	}

	_, err = q.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNoJob)

	running, err := q.Running(ctx)
	require.NoError(t, err)
	assert.Equal(t, manual.ID, running.ID, "the longest running job comes first")
}

func TestRunningJobBlocksNewJobForAthlete(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	job, _, err := q.Enqueue(ctx, 1, model.JobInitial, model.PriorityManual)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	same, created, err := q.Enqueue(ctx, 1, model.JobIncremental, model.PriorityWebhook)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, same.ID)
	assert.Equal(t, model.JobRunning, same.Status)

	_, err = q.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	job, _, err := q.Enqueue(ctx, 1, model.JobInitial, model.PriorityManual)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Attach(ctx, job.ID, "session-1"))
	before := int64(1_600_000_000)
	require.NoError(t, q.AdvanceCursor(ctx, job.ID, &before, nil))

	n, err := q.RecordFailure(ctx, job.ID, "fetch timed out after 30s")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = q.RecordFailure(ctx, job.ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "session-1", *got.SessionID)
	assert.Equal(t, before, *got.CursorBefore)
	assert.Nil(t, got.CursorAfter)
	assert.Equal(t, "boom", got.Error)

	cancelled, err := q.CancelSession(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)
	assert.NotNil(t, got.FinishedAt)

	assert.ErrorIs(t, q.Finish(ctx, job.ID, model.JobCompleted, ""), ErrNotFound, "finished jobs stay finished")
	cancelled, err = q.CancelSession(ctx, "session-1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestSyncedThrough(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	ts, err := q.SyncedThrough(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, ts, "no completed job yet")

	job, _, err := q.Enqueue(ctx, 1, model.JobInitial, model.PriorityManual)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.RecordNewest(ctx, job.ID, 1_700_000_000))
	require.NoError(t, q.RecordNewest(ctx, job.ID, 1_600_000_000), "an older activity does not lower the mark")
	require.NoError(t, q.MarkRacesCleared(ctx, job.ID))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.RacesCleared)
	require.NotNil(t, got.NewestActivityAt)
	assert.Equal(t, int64(1_700_000_000), *got.NewestActivityAt)

	ts, err = q.SyncedThrough(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, ts, "running jobs do not count")

	require.NoError(t, q.Finish(ctx, job.ID, model.JobCompleted, ""))
	ts, err = q.SyncedThrough(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, int64(1_700_000_000), *ts)

	// A later job that fetched nothing new keeps the mark.
	next, _, err := q.Enqueue(ctx, 1, model.JobIncremental, model.PriorityWebhook)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Finish(ctx, next.ID, model.JobCompleted, ""))
	ts, err = q.SyncedThrough(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), *ts)

	other, err := q.SyncedThrough(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, other)
}
