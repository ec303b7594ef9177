// Package batch tracks sync sessions and the batches of work inside them.
//
// A batch moves pending -> processing -> completed | failed, and any
// non-terminal batch can be cancelled. Every transition is a conditional
// update so a stale caller can never move a batch out of a terminal state,
// and at most one batch per session is processing at a time.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lildude/racesync/internal/model"
	"github.com/lildude/racesync/internal/strava"
	"gorm.io/gorm"
)

// CancelReason is recorded on batches cancelled through CancelSession.
const CancelReason = "Cancelled by user"

var (
	ErrNotFound     = errors.New("batch not found")
	ErrNotClaimable = errors.New("batch cannot be claimed")
	ErrNotActive    = errors.New("batch is not processing")
	ErrCancelled    = errors.New("session has been cancelled")
)

// Window bounds the activities a batch covers, as Unix epoch seconds.
type Window struct {
	Before *int64
	After  *int64
}

// Counts are the totals recorded when a batch completes.
type Counts struct {
	ActivitiesFetched int
	RacesAdded        int
	RacesRemoved      int
}

// Summary is derived from a session's batches.
type Summary struct {
	SessionID         string  `json:"session_id"`
	AthleteID         int64   `json:"athlete_id"`
	TotalBatches      int     `json:"total_batches"`
	CompletedBatches  int     `json:"completed_batches"`
	FailedBatches     int     `json:"failed_batches"`
	CancelledBatches  int     `json:"cancelled_batches"`
	PendingBatches    int     `json:"pending_batches"`
	ActivitiesFetched int     `json:"activities_fetched"`
	RacesAdded        int     `json:"races_added"`
	RacesRemoved      int     `json:"races_removed"`
	ProcessingBatch   *int    `json:"processing_batch,omitempty"`
	EstimatedProgress float64 `json:"estimated_progress"`
}

type Manager struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Manager {
	return &Manager{db: db, now: time.Now}
}

// OpenSession starts a new session for the athlete.
func (m *Manager) OpenSession(ctx context.Context, athleteID int64, jobType model.JobType) (*model.SyncSession, error) {
	s := &model.SyncSession{
		ID:        uuid.NewString(),
		AthleteID: athleteID,
		JobType:   jobType,
	}
	if err := m.db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	return s, nil
}

// CreateBatch appends a pending batch to the session. Batch numbers start
// at 1 and increase by one. A cancelled session gets ErrCancelled.
func (m *Manager) CreateBatch(ctx context.Context, sessionID string, athleteID int64, w Window) (*model.SyncBatch, error) {
	b := &model.SyncBatch{
		SessionID: sessionID,
		AthleteID: athleteID,
		Before:    w.Before,
		After:     w.After,
		Status:    model.BatchPending,
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s model.SyncSession
		if err := tx.First(&s, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if s.CancelledAt != nil {
			return ErrCancelled
		}

		var last int
		err := tx.Model(&model.SyncBatch{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(batch_number), 0)").
			Scan(&last).Error
		if err != nil {
			return err
		}
		b.BatchNumber = last + 1
		return tx.Create(b).Error
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCancelled) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("creating batch for session %s: %w", sessionID, err)
	}
	return b, nil
}

// Claim moves a pending batch to processing. It fails with ErrNotClaimable
// if the batch is not pending, another batch of the session is processing
// or the session has been cancelled.
func (m *Manager) Claim(ctx context.Context, batchID uint) (*model.SyncBatch, error) {
	b, err := m.Status(ctx, batchID)
	if err != nil {
		return nil, err
	}

	now := m.now().Unix()
	busy := m.db.Model(&model.SyncBatch{}).Select("1").
		Where("session_id = ? AND status = ?", b.SessionID, model.BatchProcessing)
	cancelled := m.db.Model(&model.SyncSession{}).Select("1").
		Where("id = ? AND cancelled_at IS NOT NULL", b.SessionID)
	res := m.db.WithContext(ctx).Model(&model.SyncBatch{}).
		Where("id = ? AND status = ?", batchID, model.BatchPending).
		Where("NOT EXISTS (?)", busy).
		Where("NOT EXISTS (?)", cancelled).
		Updates(map[string]any{"status": model.BatchProcessing, "started_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("claiming batch %d: %w", batchID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotClaimable
	}

	b.Status = model.BatchProcessing
	b.StartedAt = &now
	return b, nil
}

// Complete records the outcome of a processing batch.
func (m *Manager) Complete(ctx context.Context, batchID uint, c Counts, rl *strava.RateLimit) error {
	updates := map[string]any{
		"status":             model.BatchCompleted,
		"completed_at":       m.now().Unix(),
		"activities_fetched": c.ActivitiesFetched,
		"races_added":        c.RacesAdded,
		"races_removed":      c.RacesRemoved,
	}
	if rl != nil {
		updates["rate_limit_short_usage"] = rl.ShortUsage
		updates["rate_limit_short_limit"] = rl.ShortLimit
		updates["rate_limit_long_usage"] = rl.LongUsage
		updates["rate_limit_long_limit"] = rl.LongLimit
	}
	return m.finish(ctx, batchID, updates)
}

// Fail marks a processing batch as failed.
func (m *Manager) Fail(ctx context.Context, batchID uint, message string) error {
	return m.finish(ctx, batchID, map[string]any{
		"status":       model.BatchFailed,
		"completed_at": m.now().Unix(),
		"error":        message,
	})
}

func (m *Manager) finish(ctx context.Context, batchID uint, updates map[string]any) error {
	res := m.db.WithContext(ctx).Model(&model.SyncBatch{}).
		Where("id = ? AND status = ?", batchID, model.BatchProcessing).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating batch %d: %w", batchID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := m.Status(ctx, batchID); err != nil {
			return err
		}
		return ErrNotActive
	}
	return nil
}

// AbandonReason is recorded on processing batches given up by Abandon.
const AbandonReason = "abandoned after the worker stopped responding"

// Abandon fails the session's processing batches that started before
// cutoff, so a worker that died mid-batch does not block the session.
func (m *Manager) Abandon(ctx context.Context, sessionID string, cutoff time.Time) (int64, error) {
	res := m.db.WithContext(ctx).Model(&model.SyncBatch{}).
		Where("session_id = ? AND status = ? AND started_at < ?", sessionID, model.BatchProcessing, cutoff.Unix()).
		Updates(map[string]any{
			"status":       model.BatchFailed,
			"completed_at": m.now().Unix(),
			"error":        AbandonReason,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("abandoning stale batches of session %s: %w", sessionID, res.Error)
	}
	return res.RowsAffected, nil
}

// Status returns the batch as currently stored.
func (m *Manager) Status(ctx context.Context, batchID uint) (*model.SyncBatch, error) {
	var b model.SyncBatch
	err := m.db.WithContext(ctx).First(&b, batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading batch %d: %w", batchID, err)
	}
	return &b, nil
}

// CancelSession marks the session cancelled and cancels every pending or
// processing batch in it, returning how many batches it cancelled.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := m.now().Unix()
		if err := tx.Model(&model.SyncSession{}).
			Where("id = ? AND cancelled_at IS NULL", sessionID).
			Update("cancelled_at", now).Error; err != nil {
			return err
		}
		res := tx.Model(&model.SyncBatch{}).
			Where("session_id = ? AND status IN ?", sessionID, []model.BatchStatus{model.BatchPending, model.BatchProcessing}).
			Updates(map[string]any{
				"status":       model.BatchCancelled,
				"completed_at": now,
				"error":        CancelReason,
			})
		if res.Error != nil {
			return res.Error
		}
		n = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cancelling session %s: %w", sessionID, err)
	}
	return n, nil
}

// PendingBatch returns the session's oldest pending batch, or nil.
func (m *Manager) PendingBatch(ctx context.Context, sessionID string) (*model.SyncBatch, error) {
	return m.firstWithStatus(ctx, sessionID, model.BatchPending)
}

// Processing returns the session's processing batch, or nil.
func (m *Manager) Processing(ctx context.Context, sessionID string) (*model.SyncBatch, error) {
	return m.firstWithStatus(ctx, sessionID, model.BatchProcessing)
}

func (m *Manager) firstWithStatus(ctx context.Context, sessionID string, status model.BatchStatus) (*model.SyncBatch, error) {
	var b model.SyncBatch
	err := m.db.WithContext(ctx).
		Where("session_id = ? AND status = ?", sessionID, status).
		Order("batch_number").
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding %s batch: %w", status, err)
	}
	return &b, nil
}

// Batches lists the session's batches in order.
func (m *Manager) Batches(ctx context.Context, sessionID string) ([]model.SyncBatch, error) {
	var out []model.SyncBatch
	if err := m.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("batch_number").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	return out, nil
}

// Session returns a session by id.
func (m *Manager) Session(ctx context.Context, sessionID string) (*model.SyncSession, error) {
	var s model.SyncSession
	err := m.db.WithContext(ctx).First(&s, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	return &s, nil
}

// Summary aggregates the session's batches.
func (m *Manager) Summary(ctx context.Context, sessionID string) (*Summary, error) {
	s, err := m.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	batches, err := m.Batches(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{SessionID: s.ID, AthleteID: s.AthleteID, TotalBatches: len(batches)}
	for _, b := range batches {
		switch b.Status {
		case model.BatchCompleted:
			sum.CompletedBatches++
		case model.BatchFailed:
			sum.FailedBatches++
		case model.BatchCancelled:
			sum.CancelledBatches++
		case model.BatchPending:
			sum.PendingBatches++
		case model.BatchProcessing:
			n := b.BatchNumber
			sum.ProcessingBatch = &n
		}
		sum.ActivitiesFetched += b.ActivitiesFetched
		sum.RacesAdded += b.RacesAdded
		sum.RacesRemoved += b.RacesRemoved
	}
	if sum.TotalBatches > 0 {
		sum.EstimatedProgress = float64(sum.CompletedBatches) / float64(sum.TotalBatches)
	}
	return sum, nil
}
