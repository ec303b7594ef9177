// Package worker drives sync jobs forward one batch at a time. It has no
// timers of its own: an external scheduler calls Tick.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lildude/racesync/internal/athletes"
	"github.com/lildude/racesync/internal/batch"
	"github.com/lildude/racesync/internal/fetcher"
	"github.com/lildude/racesync/internal/metrics"
	"github.com/lildude/racesync/internal/model"
	"github.com/lildude/racesync/internal/queue"
	"github.com/lildude/racesync/internal/races"
	"github.com/lildude/racesync/internal/ratelimit"
	"github.com/lildude/racesync/internal/strava"
	"github.com/lildude/racesync/internal/synclog"
	"github.com/sirupsen/logrus"
)

// TokenSource supplies a valid Strava access token for an athlete.
type TokenSource interface {
	AccessToken(ctx context.Context, athleteID int64) (string, error)
}

// BatchSizes is the number of activities one batch covers, per job type.
type BatchSizes struct {
	Initial     int
	Incremental int
	Full        int
}

func (b BatchSizes) For(t model.JobType) int {
	switch t {
	case model.JobInitial:
		return b.Initial
	case model.JobFull:
		return b.Full
	}
	return b.Incremental
}

type Config struct {
	BatchSizes        BatchSizes
	MaxBatchesPerTick int
	MaxFailedBatches  int
	EnrichInitial     bool
	StaleBatchAfter   time.Duration
}

// TickReport describes what one Tick did.
type TickReport struct {
	Batches []BatchReport `json:"batches"`
	// Deferred is set when the rate limit stopped the tick.
	Deferred bool `json:"deferred"`
	// Idle is set when there was no job to work on.
	Idle bool `json:"idle"`
}

type BatchReport struct {
	JobID             uint              `json:"job_id"`
	AthleteID         int64             `json:"athlete_id"`
	SessionID         string            `json:"session_id"`
	BatchNumber       int               `json:"batch_number"`
	Status            model.BatchStatus `json:"status"`
	ActivitiesFetched int               `json:"activities_fetched"`
	RacesAdded        int               `json:"races_added"`
	RacesRemoved      int               `json:"races_removed"`
	Error             string            `json:"error,omitempty"`
	// Deferred is set when the rate limit cut the fetch short.
	Deferred bool `json:"deferred,omitempty"`
}

type Worker struct {
	queue   *queue.Queue
	batches *batch.Manager
	fetcher *fetcher.Fetcher
	limiter *ratelimit.Limiter
	races   *races.Store
	tokens  TokenSource
	logs    *synclog.Sink
	log     logrus.FieldLogger
	cfg     Config
	now     func() time.Time
}

func New(q *queue.Queue, b *batch.Manager, f *fetcher.Fetcher, l *ratelimit.Limiter, r *races.Store,
	tokens TokenSource, logs *synclog.Sink, log logrus.FieldLogger, cfg Config,
) *Worker {
	if cfg.MaxBatchesPerTick <= 0 {
		cfg.MaxBatchesPerTick = 1
	}
	if cfg.MaxFailedBatches <= 0 {
		cfg.MaxFailedBatches = 1
	}
	return &Worker{
		queue:   q,
		batches: b,
		fetcher: f,
		limiter: l,
		races:   r,
		tokens:  tokens,
		logs:    logs,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Tick processes up to MaxBatchesPerTick batches. It stops early when there
// is no work left, the rate limit is reached or the current session is busy.
func (w *Worker) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	for i := 0; i < w.cfg.MaxBatchesPerTick; i++ {
		more, err := w.step(ctx, &report)
		if err != nil {
			return report, err
		}
		if !more {
			break
		}
	}
	return report, nil
}

// step advances one job by one batch. It returns false when the tick should stop.
func (w *Worker) step(ctx context.Context, report *TickReport) (bool, error) {
	job, err := w.nextJob(ctx)
	if errors.Is(err, queue.ErrNoJob) {
		report.Idle = len(report.Batches) == 0
		return false, nil
	}
	if err != nil {
		return false, err
	}
	sessionID := *job.SessionID
	log := w.log.WithFields(logrus.Fields{"job_id": job.ID, "athlete_id": job.AthleteID, "session_id": sessionID})

	ended, err := w.abandonStale(ctx, job)
	if err != nil || ended {
		return ended, err
	}

	busy, err := w.batches.Processing(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if busy != nil {
		log.WithField("batch", busy.BatchNumber).Info("session has a batch in progress")
		return false, nil
	}

	pending, err := w.batches.PendingBatch(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if pending == nil {
		pending, err = w.batches.CreateBatch(ctx, sessionID, job.AthleteID, batch.Window{Before: job.CursorBefore, After: job.CursorAfter})
		if errors.Is(err, batch.ErrCancelled) {
			log.Info("session cancelled, not creating a batch")
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}

	d, err := w.limiter.CanProceed(ctx)
	if err != nil {
		return false, err
	}
	if !d.Allowed {
		report.Deferred = true
		metrics.BatchesDeferred.Inc()
		w.record(ctx, job, model.LevelWarning, fmt.Sprintf("Rate limit reached, batch %d deferred", pending.BatchNumber),
			synclog.RateLimited{BatchNumber: pending.BatchNumber, ShortUsage: d.ShortUsage, LongUsage: d.LongUsage})
		return false, nil
	}

	b, err := w.batches.Claim(ctx, pending.ID)
	if errors.Is(err, batch.ErrNotClaimable) {
		log.WithField("batch", pending.BatchNumber).Info("batch already claimed")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.record(ctx, job, model.LevelInfo, fmt.Sprintf("Batch %d started", b.BatchNumber),
		synclog.BatchStarted{BatchNumber: b.BatchNumber, Before: b.Before, After: b.After})

	br, err := w.process(ctx, job, b)
	if err != nil {
		return false, err
	}
	report.Batches = append(report.Batches, *br)
	if br.Deferred {
		report.Deferred = true
		return false, nil
	}
	return true, nil
}

// nextJob returns the longest running job, starting the next queued one
// when nothing is running. The returned job always has a session.
func (w *Worker) nextJob(ctx context.Context) (*model.SyncJob, error) {
	job, err := w.queue.Running(ctx)
	if err != nil {
		return nil, err
	}
	if job == nil {
		job, err = w.queue.ClaimNext(ctx)
		if err != nil {
			return nil, err
		}
	}
	if job.SessionID != nil {
		return job, nil
	}
	return w.start(ctx, job)
}

// start opens the session for a newly claimed job and sets its first cursor.
// Incremental jobs continue forward from the newest activity an earlier job
// fetched, or the newest stored race before any job has completed; everything
// else walks backwards from now.
func (w *Worker) start(ctx context.Context, job *model.SyncJob) (*model.SyncJob, error) {
	s, err := w.batches.OpenSession(ctx, job.AthleteID, job.JobType)
	if err != nil {
		return nil, err
	}
	if err := w.queue.Attach(ctx, job.ID, s.ID); err != nil {
		return nil, err
	}
	job.SessionID = &s.ID

	var before, after *int64
	if job.JobType == model.JobIncremental {
		if after, err = w.queue.SyncedThrough(ctx, job.AthleteID); err != nil {
			return nil, err
		}
		if after == nil {
			if after, err = w.races.LatestStart(ctx, job.AthleteID); err != nil {
				return nil, err
			}
		}
	}
	if after == nil {
		now := w.now().Unix()
		before = &now
	}
	if err := w.queue.AdvanceCursor(ctx, job.ID, before, after); err != nil {
		return nil, err
	}
	job.CursorBefore, job.CursorAfter = before, after

	w.log.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"athlete_id": job.AthleteID,
		"session_id": s.ID,
		"job_type":   job.JobType,
	}).Info("sync session opened")
	return job, nil
}

// abandonStale fails batches left processing by a worker that went away.
// Each one counts against the job's failure budget. It reports whether the
// job ended as a result.
func (w *Worker) abandonStale(ctx context.Context, job *model.SyncJob) (bool, error) {
	if w.cfg.StaleBatchAfter <= 0 {
		return false, nil
	}
	n, err := w.batches.Abandon(ctx, *job.SessionID, w.now().Add(-w.cfg.StaleBatchAfter))
	if err != nil || n == 0 {
		return false, err
	}
	w.log.WithFields(logrus.Fields{"session_id": *job.SessionID, "batches": n}).Warn("abandoned stale batches")
	for i := int64(0); i < n; i++ {
		metrics.BatchesFinished.WithLabelValues(string(model.BatchFailed)).Inc()
		ended, err := w.recordFailure(ctx, job, batch.AbandonReason)
		if err != nil || ended {
			return ended, err
		}
	}
	return false, nil
}

// process fetches and stores one claimed batch.
func (w *Worker) process(ctx context.Context, job *model.SyncJob, b *model.SyncBatch) (*BatchReport, error) {
	br := &BatchReport{JobID: job.ID, AthleteID: job.AthleteID, SessionID: b.SessionID, BatchNumber: b.BatchNumber}

	token, err := w.tokens.AccessToken(ctx, job.AthleteID)
	if err != nil {
		fatal := errors.Is(err, athletes.ErrNoToken) || errors.Is(err, athletes.ErrNotFound)
		return w.fail(ctx, job, b, br, err, fatal)
	}

	if job.JobType == model.JobFull && !job.RacesCleared {
		n, err := w.races.DeleteAllForAthlete(ctx, job.AthleteID)
		if err != nil {
			return w.fail(ctx, job, b, br, err, false)
		}
		if err := w.queue.MarkRacesCleared(ctx, job.ID); err != nil {
			return w.fail(ctx, job, b, br, err, false)
		}
		job.RacesCleared = true
		br.RacesRemoved = int(n)
	}

	size := w.cfg.BatchSizes.For(job.JobType)
	pageSize := min(size, fetcher.MaxPageSize)
	res, err := w.fetcher.Fetch(ctx, token, fetcher.Options{
		Before:   b.Before,
		After:    b.After,
		PageSize: pageSize,
		MaxPages: (size + pageSize - 1) / pageSize,
	})
	if err != nil {
		return w.fail(ctx, job, b, br, err, false)
	}

	current, err := w.batches.Status(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		w.log.WithFields(logrus.Fields{"session_id": b.SessionID, "batch": b.BatchNumber, "status": current.Status}).Info("batch finished elsewhere during fetch, discarding results")
		br.Status = current.Status
		return br, nil
	}

	var enricher races.Enricher
	if job.JobType == model.JobInitial && w.cfg.EnrichInitial {
		c := w.fetcher.Client(token)
		enricher = races.EnricherFunc(func(ctx context.Context, id int64) (*strava.Activity, error) {
			return w.fetcher.Detail(ctx, c, id)
		})
	}

	for _, m := range res.Malformed {
		metrics.ActivitiesSkipped.WithLabelValues("malformed").Inc()
		w.record(ctx, job, model.LevelWarning, fmt.Sprintf("Skipped malformed activity at position %d", m.Index),
			synclog.ActivitySkipped{Index: m.Index, Reason: m.Err.Error()})
	}

	br.ActivitiesFetched = len(res.Activities)
	for i := range res.Activities {
		outcome, err := w.races.InsertOrSkip(ctx, job.AthleteID, &res.Activities[i], enricher)
		if err != nil {
			return w.fail(ctx, job, b, br, err, false)
		}
		if outcome == races.Inserted {
			br.RacesAdded++
			metrics.RacesAdded.Inc()
			continue
		}
		metrics.ActivitiesSkipped.WithLabelValues(outcome.String()).Inc()
	}

	counts := batch.Counts{ActivitiesFetched: br.ActivitiesFetched, RacesAdded: br.RacesAdded, RacesRemoved: br.RacesRemoved}
	err = w.batches.Complete(ctx, b.ID, counts, res.RateLimit)
	if errors.Is(err, batch.ErrNotActive) {
		br.Status = model.BatchCancelled
		return br, nil
	}
	if err != nil {
		return nil, err
	}
	br.Status = model.BatchCompleted
	metrics.BatchesFinished.WithLabelValues(string(model.BatchCompleted)).Inc()
	w.record(ctx, job, model.LevelSuccess,
		fmt.Sprintf("Batch %d completed: %d activities, %d races added", b.BatchNumber, br.ActivitiesFetched, br.RacesAdded),
		synclog.BatchCompleted{
			BatchNumber:       b.BatchNumber,
			ActivitiesFetched: br.ActivitiesFetched,
			RacesAdded:        br.RacesAdded,
			RacesRemoved:      br.RacesRemoved,
			RateLimit:         res.RateLimit,
		})

	if err := w.advance(ctx, job, res.Activities); err != nil {
		return nil, err
	}

	switch {
	case res.Exhausted:
		if err := w.finish(ctx, job, model.JobCompleted, ""); err != nil {
			return nil, err
		}
	case res.Deferred:
		br.Deferred = true
	}
	return br, nil
}

// advance moves the job's cursor past the activities just stored: to the
// oldest when walking backwards, to the newest when walking forwards. The
// newest start is kept on the job so the next incremental sync begins there.
func (w *Worker) advance(ctx context.Context, job *model.SyncJob, as []strava.Activity) error {
	if len(as) == 0 {
		return nil
	}
	oldest, newest := as[0].StartDate.Unix(), as[0].StartDate.Unix()
	for _, a := range as[1:] {
		ts := a.StartDate.Unix()
		oldest = min(oldest, ts)
		newest = max(newest, ts)
	}

	before, after := job.CursorBefore, job.CursorAfter
	if after != nil {
		after = &newest
	} else {
		before = &oldest
	}
	if err := w.queue.AdvanceCursor(ctx, job.ID, before, after); err != nil {
		return err
	}
	job.CursorBefore, job.CursorAfter = before, after
	return w.queue.RecordNewest(ctx, job.ID, newest)
}

// fail records a failed batch against the job's budget. fatal errors end
// the job straight away.
func (w *Worker) fail(ctx context.Context, job *model.SyncJob, b *model.SyncBatch, br *BatchReport, cause error, fatal bool) (*BatchReport, error) {
	msg := cause.Error()
	w.log.WithFields(logrus.Fields{
		"session_id": b.SessionID,
		"batch":      b.BatchNumber,
		"error":      msg,
	}).Error("batch failed")

	err := w.batches.Fail(ctx, b.ID, msg)
	if errors.Is(err, batch.ErrNotActive) {
		br.Status = model.BatchCancelled
		return br, nil
	}
	if err != nil {
		return nil, err
	}
	br.Status = model.BatchFailed
	br.Error = msg
	metrics.BatchesFinished.WithLabelValues(string(model.BatchFailed)).Inc()
	w.record(ctx, job, model.LevelError, fmt.Sprintf("Batch %d failed: %s", b.BatchNumber, msg),
		synclog.BatchFailed{BatchNumber: b.BatchNumber, Error: msg})

	if fatal {
		if err := w.finish(ctx, job, model.JobFailed, msg); err != nil {
			return nil, err
		}
		return br, nil
	}
	if _, err := w.recordFailure(ctx, job, msg); err != nil {
		return nil, err
	}
	return br, nil
}

// recordFailure counts a failed batch and fails the job once the budget is
// spent. It reports whether the job ended.
func (w *Worker) recordFailure(ctx context.Context, job *model.SyncJob, msg string) (bool, error) {
	n, err := w.queue.RecordFailure(ctx, job.ID, msg)
	if err != nil {
		return false, err
	}
	job.FailedBatches = n
	if n < w.cfg.MaxFailedBatches {
		return false, nil
	}
	return true, w.finish(ctx, job, model.JobFailed, msg)
}

func (w *Worker) finish(ctx context.Context, job *model.SyncJob, status model.JobStatus, msg string) error {
	if err := w.queue.Finish(ctx, job.ID, status, msg); err != nil {
		return err
	}
	job.Status = status
	metrics.JobsFinished.WithLabelValues(string(job.JobType), string(status)).Inc()

	level, text := model.LevelSuccess, "Sync completed"
	if status != model.JobCompleted {
		level, text = model.LevelError, fmt.Sprintf("Sync %s: %s", status, msg)
	}
	w.record(ctx, job, level, text, synclog.JobFinished{JobType: job.JobType, Status: status})
	return nil
}

// CancelSession stops a session: its unfinished batches and its job are
// cancelled. Races already stored are kept.
func (w *Worker) CancelSession(ctx context.Context, sessionID string) (int64, error) {
	s, err := w.batches.Session(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	n, err := w.batches.CancelSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if _, err := w.queue.CancelSession(ctx, sessionID); err != nil {
		return n, err
	}
	metrics.BatchesFinished.WithLabelValues(string(model.BatchCancelled)).Add(float64(n))
	w.appendEntry(ctx, synclog.Entry{
		AthleteID: s.AthleteID,
		SessionID: sessionID,
		Level:     model.LevelWarning,
		Message:   batch.CancelReason,
		Metadata:  synclog.SessionCancelled{BatchesCancelled: n},
	})
	return n, nil
}

func (w *Worker) record(ctx context.Context, job *model.SyncJob, level model.LogLevel, msg string, md synclog.Metadata) {
	e := synclog.Entry{AthleteID: job.AthleteID, Level: level, Message: msg, Metadata: md}
	if job.SessionID != nil {
		e.SessionID = *job.SessionID
	}
	w.appendEntry(ctx, e)
}

// appendEntry writes to the sync log, which is advisory: failures are only
// reported.
func (w *Worker) appendEntry(ctx context.Context, e synclog.Entry) {
	if err := w.logs.Append(ctx, e); err != nil {
		w.log.WithError(err).Warn("unable to append sync log")
	}
}
