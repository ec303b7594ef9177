// Package queue is the priority queue of sync jobs. Each athlete has at most
// one queued or running job.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lildude/racesync/internal/model"
	"gorm.io/gorm"
)

var (
	ErrNoJob    = errors.New("no job available")
	ErrNotFound = errors.New("job not found or already finished")
)

// claimAttempts bounds how many candidates ClaimNext tries when other
// workers win the race for them.
const claimAttempts = 5

type Queue struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// Enqueue adds a job for the athlete. If the athlete already has an
// unfinished job that job is returned with false, after raising its
// priority if the new request is more urgent.
func (q *Queue) Enqueue(ctx context.Context, athleteID int64, jobType model.JobType, priority int) (*model.SyncJob, bool, error) {
	existing, err := q.active(ctx, athleteID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return q.bump(ctx, existing, priority)
	}

	job := &model.SyncJob{
		AthleteID:  athleteID,
		JobType:    jobType,
		Priority:   priority,
		Status:     model.JobQueued,
		EnqueuedAt: q.now().Unix(),
	}
	err = q.db.WithContext(ctx).Create(job).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, err = q.active(ctx, athleteID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return q.bump(ctx, existing, priority)
		}
		return nil, false, fmt.Errorf("enqueueing job for athlete %d: conflicting job vanished", athleteID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("enqueueing job for athlete %d: %w", athleteID, err)
	}
	return job, true, nil
}

func (q *Queue) bump(ctx context.Context, job *model.SyncJob, priority int) (*model.SyncJob, bool, error) {
	if job.Status != model.JobQueued || priority <= job.Priority {
		return job, false, nil
	}
	err := q.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ? AND status = ?", job.ID, model.JobQueued).
		Update("priority", priority).Error
	if err != nil {
		return nil, false, fmt.Errorf("raising priority of job %d: %w", job.ID, err)
	}
	job.Priority = priority
	return job, false, nil
}

func (q *Queue) active(ctx context.Context, athleteID int64) (*model.SyncJob, error) {
	var job model.SyncJob
	err := q.db.WithContext(ctx).
		Where("athlete_id = ? AND finished_at IS NULL", athleteID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding active job for athlete %d: %w", athleteID, err)
	}
	return &job, nil
}

// ClaimNext moves the most urgent queued job to running: highest priority
// first, then oldest. An athlete with a running job cannot also have a
// queued one, so claiming never starts a second job for the same athlete.
func (q *Queue) ClaimNext(ctx context.Context) (*model.SyncJob, error) {
	for i := 0; i < claimAttempts; i++ {
		var job model.SyncJob
		err := q.db.WithContext(ctx).
			Where("status = ?", model.JobQueued).
			Order("priority DESC, enqueued_at, id").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoJob
		}
		if err != nil {
			return nil, fmt.Errorf("finding next job: %w", err)
		}

		now := q.now().Unix()
		res := q.db.WithContext(ctx).Model(&model.SyncJob{}).
			Where("id = ? AND status = ?", job.ID, model.JobQueued).
			Updates(map[string]any{"status": model.JobRunning, "started_at": now})
		if res.Error != nil {
			return nil, fmt.Errorf("claiming job %d: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			job.Status = model.JobRunning
			job.StartedAt = &now
			return &job, nil
		}
	}
	return nil, ErrNoJob
}

// Running returns the longest running job, or nil.
func (q *Queue) Running(ctx context.Context) (*model.SyncJob, error) {
	var job model.SyncJob
	err := q.db.WithContext(ctx).
		Where("status = ?", model.JobRunning).
		Order("started_at, id").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding running job: %w", err)
	}
	return &job, nil
}

// Attach records the session a running job owns.
func (q *Queue) Attach(ctx context.Context, jobID uint, sessionID string) error {
	return q.update(ctx, jobID, map[string]any{"session_id": sessionID})
}

// AdvanceCursor stores where the next batch of the job starts.
func (q *Queue) AdvanceCursor(ctx context.Context, jobID uint, before, after *int64) error {
	return q.update(ctx, jobID, map[string]any{"cursor_before": before, "cursor_after": after})
}

// MarkRacesCleared records that the full job's destructive delete is done.
func (q *Queue) MarkRacesCleared(ctx context.Context, jobID uint) error {
	return q.update(ctx, jobID, map[string]any{"races_cleared": true})
}

// RecordNewest raises the job's newest fetched activity start to ts.
func (q *Queue) RecordNewest(ctx context.Context, jobID uint, ts int64) error {
	res := q.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ? AND finished_at IS NULL", jobID).
		Where("newest_activity_at IS NULL OR newest_activity_at < ?", ts).
		Update("newest_activity_at", ts)
	if res.Error != nil {
		return fmt.Errorf("recording newest activity for job %d: %w", jobID, res.Error)
	}
	return nil
}

// SyncedThrough returns the start of the newest activity any completed job
// of the athlete fetched, or nil when none has.
func (q *Queue) SyncedThrough(ctx context.Context, athleteID int64) (*int64, error) {
	var ts sql.NullInt64
	err := q.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("athlete_id = ? AND status = ?", athleteID, model.JobCompleted).
		Select("MAX(newest_activity_at)").
		Scan(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("finding synced-through time for athlete %d: %w", athleteID, err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Int64, nil
}

// RecordFailure counts a failed batch and returns the job's new failure count.
func (q *Queue) RecordFailure(ctx context.Context, jobID uint, message string) (int, error) {
	err := q.update(ctx, jobID, map[string]any{
		"failed_batches": gorm.Expr("failed_batches + 1"),
		"error":          message,
	})
	if err != nil {
		return 0, err
	}
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return job.FailedBatches, nil
}

// Finish moves an unfinished job to a terminal status.
func (q *Queue) Finish(ctx context.Context, jobID uint, status model.JobStatus, message string) error {
	updates := map[string]any{"status": status, "finished_at": q.now().Unix()}
	if message != "" {
		updates["error"] = message
	}
	return q.update(ctx, jobID, updates)
}

// CancelSession cancels the unfinished job that owns the session. It
// reports whether there was one.
func (q *Queue) CancelSession(ctx context.Context, sessionID string) (bool, error) {
	res := q.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("session_id = ? AND finished_at IS NULL", sessionID).
		Updates(map[string]any{"status": model.JobCancelled, "finished_at": q.now().Unix()})
	if res.Error != nil {
		return false, fmt.Errorf("cancelling job for session %s: %w", sessionID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID uint) (*model.SyncJob, error) {
	var job model.SyncJob
	err := q.db.WithContext(ctx).First(&job, jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %d: %w", jobID, err)
	}
	return &job, nil
}

// update changes an unfinished job.
func (q *Queue) update(ctx context.Context, jobID uint, updates map[string]any) error {
	res := q.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ? AND finished_at IS NULL", jobID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating job %d: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
