package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/lildude/racesync/internal/athletes"
	"github.com/lildude/racesync/internal/batch"
	"github.com/lildude/racesync/internal/classifier"
	"github.com/lildude/racesync/internal/database/databasetest"
	"github.com/lildude/racesync/internal/fetcher"
	"github.com/lildude/racesync/internal/model"
	"github.com/lildude/racesync/internal/queue"
	"github.com/lildude/racesync/internal/races"
	"github.com/lildude/racesync/internal/ratelimit"
	"github.com/lildude/racesync/internal/strava"
	"github.com/lildude/racesync/internal/synclog"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listURL = "https://www.strava.com/api/v3/athlete/activities"

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type staticTokens struct{ err error }

func (s staticTokens) AccessToken(context.Context, int64) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "access-token", nil
}

// flakyTokens fails the first n lookups with a transient error.
type flakyTokens struct {
	failures int
	calls    int
}

func (f *flakyTokens) AccessToken(context.Context, int64) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("token endpoint unavailable")
	}
	return "access-token", nil
}

type harness struct {
	worker  *Worker
	queue   *queue.Queue
	batches *batch.Manager
	races   *races.Store
	logs    *synclog.Sink
	limiter *ratelimit.Limiter
}

func newHarness(t *testing.T, tokens TokenSource) *harness {
	t.Helper()
	db := databasetest.New(t)
	log := logrus.New()
	log.SetOutput(io.Discard)

	base, _ := url.Parse(strava.BaseURL)
	limiter := ratelimit.New("test-client", ratelimit.NewMemoryStore(), ratelimit.DefaultConfig())
	h := &harness{
		queue:   queue.New(db),
		batches: batch.New(db),
		races:   races.New(db, classifier.New(true), log),
		logs:    synclog.New(db, log),
		limiter: limiter,
	}
	h.worker = New(h.queue, h.batches, fetcher.New(base, limiter, 5*time.Second, log), limiter, h.races, tokens, h.logs, log, Config{
		BatchSizes:        BatchSizes{Initial: 2, Incremental: 2, Full: 2},
		MaxBatchesPerTick: 5,
		MaxFailedBatches:  2,
		StaleBatchAfter:   10 * time.Minute,
	})
	h.worker.now = func() time.Time { return t0 }
	return h
}

func activity(id int64, start time.Time, race bool) map[string]any {
	a := map[string]any{
		"id":               id,
		"name":             "Run " + strconv.FormatInt(id, 10),
		"sport_type":       "Run",
		"distance":         10000.0,
		"elapsed_time":     2700,
		"moving_time":      2690,
		"start_date":       start.Format(time.RFC3339),
		"start_date_local": start.Format(time.RFC3339),
		"description":      "Felt good",
		"map":              map[string]any{"summary_polyline": "abc"},
	}
	if race {
		a["workout_type"] = strava.WorkoutTypeRace
	}
	return a
}

// pages answers list requests by their before or after parameter.
func pages(t *testing.T, param string, byCursor map[int64][]map[string]any) httpmock.Responder {
	t.Helper()
	return func(req *http.Request) (*http.Response, error) {
		cursor, err := strconv.ParseInt(req.URL.Query().Get(param), 10, 64)
		if err != nil {
			return httpmock.NewStringResponse(http.StatusBadRequest, `{"message":"bad cursor"}`), nil
		}
		body, ok := byCursor[cursor]
		if !ok {
			t.Errorf("unexpected %s=%d", param, cursor)
			body = []map[string]any{}
		}
		js, _ := json.Marshal(body)
		resp := httpmock.NewStringResponse(http.StatusOK, string(js))
		resp.Header.Set("X-ReadRateLimit-Limit", "100,1000")
		resp.Header.Set("X-ReadRateLimit-Usage", "10,100")
		return resp, nil
	}
}

func TestInitialSyncRunsToCompletion(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	ctx := context.Background()
	h := newHarness(t, staticTokens{})

	first, second := t0.Add(-time.Hour), t0.Add(-48*time.Hour)
	httpmock.RegisterResponder("GET", listURL, pages(t, "before", map[int64][]map[string]any{
		t0.Unix():     {activity(1, first, true), activity(2, second, false)},
		second.Unix(): {activity(3, second.Add(-24*time.Hour), true)},
	}))

	job, created, err := h.queue.Enqueue(ctx, 7, model.JobInitial, model.PriorityManual)
	require.NoError(t, err)
	require.True(t, created)

	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Batches, 2)
	assert.False(t, report.Deferred)
	assert.False(t, report.Idle)

	assert.Equal(t, model.BatchCompleted, report.Batches[0].Status)
	assert.Equal(t, 2, report.Batches[0].ActivitiesFetched)
	assert.Equal(t, 1, report.Batches[0].RacesAdded)
	assert.Equal(t, 2, report.Batches[1].BatchNumber)
	assert.Equal(t, 1, report.Batches[1].RacesAdded)

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	require.NotNil(t, got.CursorBefore)
	assert.Equal(t, second.Add(-24*time.Hour).Unix(), *got.CursorBefore)

	stored, err := h.races.ListForAthlete(ctx, 7, true)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	sum, err := h.batches.Summary(ctx, *got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.CompletedBatches)
	assert.Equal(t, 2, sum.RacesAdded)
	assert.InDelta(t, 1.0, sum.EstimatedProgress, 0.001)

	entries, err := h.logs.ForSession(ctx, *got.SessionID)
	require.NoError(t, err)
	kinds := make([]string, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{
		"batch_started", "batch_completed",
		"batch_started", "batch_completed",
		"job_finished",
	}, kinds)

	report, err = h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, report.Idle)
}

func TestIncrementalSyncStartsAfterNewestRace(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	ctx := context.Background()
	h := newHarness(t, staticTokens{})

	latest := t0.Add(-72 * time.Hour)
	a := &strava.Activity{
		ID: 99, Name: "Half", SportType: "Run", Distance: 21100,
		StartDate: latest, StartDateLocal: latest, WorkoutType: strava.WorkoutTypeRace,
		Map: strava.Map{SummaryPolyline: "abc"}, Description: "PB",
	}
	outcome, err := h.races.InsertOrSkip(ctx, 7, a, nil)
	require.NoError(t, err)
	require.Equal(t, races.Inserted, outcome)

	newer := latest.Add(24 * time.Hour)
	httpmock.RegisterResponder("GET", listURL, pages(t, "after", map[int64][]map[string]any{
		latest.Unix(): {activity(100, newer, true)},
	}))

	job, _, err := h.queue.Enqueue(ctx, 7, model.JobIncremental, model.PriorityWebhook)
	require.NoError(t, err)

	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, 1, report.Batches[0].RacesAdded)

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Nil(t, got.CursorBefore)
	require.NotNil(t, got.CursorAfter)
	assert.Equal(t, newer.Unix(), *got.CursorAfter)
}

func TestRateLimitDefersBatch(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	ctx := context.Background()
	h := newHarness(t, staticTokens{})
	require.NoError(t, h.limiter.Observe(ctx, strava.RateLimit{ShortUsage: 99, ShortLimit: 100, LongUsage: 200, LongLimit: 1000}))

	job, _, err := h.queue.Enqueue(ctx, 7, model.JobInitial, model.PriorityManual)
	require.NoError(t, err)

	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, report.Deferred)
	assert.Empty(t, report.Batches)
	assert.Zero(t, httpmock.GetTotalCallCount(), "no request is made over the limit")

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)

	pending, err := h.batches.PendingBatch(ctx, *got.SessionID)
	require.NoError(t, err)
	require.NotNil(t, pending, "the batch waits for the next tick")
	assert.Equal(t, 1, pending.BatchNumber)

	// The next tick reuses the same pending batch.
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)
	batches, err := h.batches.Batches(ctx, *got.SessionID)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

func TestFailedBatchesFailJob(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	ctx := context.Background()
	h := newHarness(t, staticTokens{})
	httpmock.RegisterResponder("GET", listURL, httpmock.NewStringResponder(http.StatusInternalServerError, `{"message":"boom"}`))

	job, _, err := h.queue.Enqueue(ctx, 7, model.JobFull, model.PriorityManual)
	require.NoError(t, err)

	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Batches, 2)
	for _, b := range report.Batches {
		assert.Equal(t, model.BatchFailed, b.Status)
		assert.NotEmpty(t, b.Error)
	}

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, 2, got.FailedBatches)
	assert.NotNil(t, got.FinishedAt)
}

func TestMissingTokenFailsJobImmediately(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	ctx := context.Background()
	h := newHarness(t, staticTokens{err: fmt.Errorf("athlete 7: %w", athletes.ErrNoToken)})

	job, _, err := h.queue.Enqueue(ctx, 7, model.JobInitial, model.PriorityManual)
	require.NoError(t, err)

	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, model.BatchFailed, report.Batches[0].Status)
	assert.Zero(t, httpmock.GetTotalCallCount())

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
}

func TestFullSyncReplacesRaces(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	ctx := context.Background()
	h := newHarness(t, staticTokens{})

	old := t0.Add(-400 * 24 * time.Hour)
	stale := &strava.Activity{
		ID: 5, Name: "Deleted on Strava", SportType: "Run", Distance: 10000,
		StartDate: old, StartDateLocal: old, WorkoutType: strava.WorkoutTypeRace,
		Map: strava.Map{SummaryPolyline: "abc"}, Description: "gone",
	}
	_, err := h.races.InsertOrSkip(ctx, 7, stale, nil)
	require.NoError(t, err)

	httpmock.RegisterResponder("GET", listURL, pages(t, "before", map[int64][]map[string]any{
		t0.Unix(): {activity(6, t0.Add(-time.Hour), true)},
	}))

	_, _, err = h.queue.Enqueue(ctx, 7, model.JobFull, model.PriorityManual)
	require.NoError(t, err)

	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, 1, report.Batches[0].RacesRemoved)
	assert.Equal(t, 1, report.Batches[0].RacesAdded)

	stored, err := h.races.ListForAthlete(ctx, 7, true)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(6), stored[0].StravaActivityID)
}

func TestCancelSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, staticTokens{})
	require.NoError(t, h.limiter.Observe(ctx, strava.RateLimit{ShortUsage: 100, ShortLimit: 100}))

	job, _, err := h.queue.Enqueue(ctx, 7, model.JobInitial, model.PriorityManual)
	require.NoError(t, err)
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SessionID)

	n, err := h.worker.CancelSession(ctx, *got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)

	sum, err := h.batches.Summary(ctx, *got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CancelledBatches)

	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, report.Idle)

	_, err = h.worker.CancelSession(ctx, "no-such-session")
	assert.ErrorIs(t, err, batch.ErrNotFound)
}

func TestIncrementalSyncStartsAfterNewestFetchedActivity(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	ctx := context.Background()
	h := newHarness(t, staticTokens{})

	// Nothing the initial sync fetches is a race, so no race marks how far it got.
	newest := t0.Add(-time.Hour)
	httpmock.RegisterResponder("GET", listURL, pages(t, "before", map[int64][]map[string]any{
		t0.Unix(): {activity(1, newest, false), activity(2, newest.Add(-time.Hour), false)},
		newest.Add(-time.Hour).Unix(): {},
	}))

	initial, _, err := h.queue.Enqueue(ctx, 7, model.JobInitial, model.PriorityManual)
	require.NoError(t, err)
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)

	got, err := h.queue.Get(ctx, initial.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, got.Status)
	require.NotNil(t, got.NewestActivityAt)
	assert.Equal(t, newest.Unix(), *got.NewestActivityAt)

	stored, err := h.races.ListForAthlete(ctx, 7, true)
	require.NoError(t, err)
	require.Empty(t, stored)

	httpmock.RegisterResponder("GET", listURL, pages(t, "after", map[int64][]map[string]any{
		newest.Unix(): {activity(3, t0.Add(-30*time.Minute), true)},
	}))

	job, _, err := h.queue.Enqueue(ctx, 7, model.JobIncremental, model.PriorityWebhook)
	require.NoError(t, err)
	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, model.BatchCompleted, report.Batches[0].Status)
	assert.Equal(t, 1, report.Batches[0].RacesAdded)

	got, err = h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Nil(t, got.CursorBefore)
	require.NotNil(t, got.CursorAfter)
	assert.Equal(t, t0.Add(-30*time.Minute).Unix(), *got.CursorAfter)
}

func TestFullSyncClearsRacesAfterFailedFirstBatch(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	ctx := context.Background()
	h := newHarness(t, &flakyTokens{failures: 1})

	old := t0.Add(-400 * 24 * time.Hour)
	stale := &strava.Activity{
		ID: 5, Name: "Deleted on Strava", SportType: "Run", Distance: 10000,
		StartDate: old, StartDateLocal: old, WorkoutType: strava.WorkoutTypeRace,
		Map: strava.Map{SummaryPolyline: "abc"}, Description: "gone",
	}
	_, err := h.races.InsertOrSkip(ctx, 7, stale, nil)
	require.NoError(t, err)

	httpmock.RegisterResponder("GET", listURL, pages(t, "before", map[int64][]map[string]any{
		t0.Unix(): {activity(6, t0.Add(-time.Hour), true)},
	}))

	job, _, err := h.queue.Enqueue(ctx, 7, model.JobFull, model.PriorityManual)
	require.NoError(t, err)

	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Batches, 2)
	assert.Equal(t, model.BatchFailed, report.Batches[0].Status)
	assert.Zero(t, report.Batches[0].RacesRemoved)
	assert.Equal(t, 2, report.Batches[1].BatchNumber)
	assert.Equal(t, model.BatchCompleted, report.Batches[1].Status)
	assert.Equal(t, 1, report.Batches[1].RacesRemoved)
	assert.Equal(t, 1, report.Batches[1].RacesAdded)

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.True(t, got.RacesCleared)

	stored, err := h.races.ListForAthlete(ctx, 7, true)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(6), stored[0].StravaActivityID)
}

// cancelRunning cancels the session of the running job the way the admin
// API would while a batch is being processed.
func cancelRunning(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	job, err := h.queue.Running(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NotNil(t, job.SessionID)
	n, err := h.worker.CancelSession(ctx, *job.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCancelDuringFetchDiscardsBatch(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	ctx := context.Background()
	h := newHarness(t, staticTokens{})

	list := pages(t, "before", map[int64][]map[string]any{
		t0.Unix(): {activity(1, t0.Add(-time.Hour), true), activity(2, t0.Add(-2*time.Hour), true)},
	})
	httpmock.RegisterResponder("GET", listURL, func(req *http.Request) (*http.Response, error) {
		cancelRunning(t, h)
		return list(req)
	})

	job, _, err := h.queue.Enqueue(ctx, 7, model.JobInitial, model.PriorityManual)
	require.NoError(t, err)

	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, model.BatchCancelled, report.Batches[0].Status)
	assert.Zero(t, report.Batches[0].RacesAdded)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())

	stored, err := h.races.ListForAthlete(ctx, 7, true)
	require.NoError(t, err)
	assert.Empty(t, stored)

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)

	batches, err := h.batches.Batches(ctx, *got.SessionID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, model.BatchCancelled, batches[0].Status)

	report, err = h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, report.Idle)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestCancelDuringEnrichmentKeepsBatchCancelled(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	ctx := context.Background()
	h := newHarness(t, staticTokens{})
	h.worker.cfg.EnrichInitial = true

	bare := activity(1, t0.Add(-time.Hour), true)
	delete(bare, "description")
	httpmock.RegisterResponder("GET", listURL, pages(t, "before", map[int64][]map[string]any{
		t0.Unix(): {bare},
	}))
	httpmock.RegisterResponder("GET", "https://www.strava.com/api/v3/activities/1", func(req *http.Request) (*http.Response, error) {
		cancelRunning(t, h)
		return httpmock.NewJsonResponse(http.StatusOK, activity(1, t0.Add(-time.Hour), true))
	})

	job, _, err := h.queue.Enqueue(ctx, 7, model.JobInitial, model.PriorityManual)
	require.NoError(t, err)

	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, model.BatchCancelled, report.Batches[0].Status)

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)
	require.NotNil(t, got.CursorBefore)
	assert.Equal(t, t0.Unix(), *got.CursorBefore, "the cursor does not move past a cancelled batch")

	batches, err := h.batches.Batches(ctx, *got.SessionID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, model.BatchCancelled, batches[0].Status)
	assert.Zero(t, batches[0].ActivitiesFetched)
	assert.Equal(t, batch.CancelReason, batches[0].Error)

	report, err = h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, report.Idle)
}
