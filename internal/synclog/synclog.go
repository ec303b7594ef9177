// Package synclog is the append-only log of sync progress shown to athletes.
// Each entry carries one typed metadata payload, stored as JSON with its kind.
package synclog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgtype"
	"github.com/lildude/racesync/internal/model"
	"github.com/lildude/racesync/internal/strava"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultRetention is how long entries are kept before PurgeOlderThan removes them.
const DefaultRetention = 7 * 24 * time.Hour

// Metadata is implemented by every payload kind.
type Metadata interface {
	Kind() string
}

type BatchStarted struct {
	BatchNumber int    `json:"batch_number"`
	Before      *int64 `json:"before,omitempty"`
	After       *int64 `json:"after,omitempty"`
}

type BatchCompleted struct {
	BatchNumber       int               `json:"batch_number"`
	ActivitiesFetched int               `json:"activities_fetched"`
	RacesAdded        int               `json:"races_added"`
	RacesRemoved      int               `json:"races_removed"`
	RateLimit         *strava.RateLimit `json:"rate_limit,omitempty"`
}

type BatchFailed struct {
	BatchNumber int    `json:"batch_number"`
	Error       string `json:"error"`
}

type ActivitySkipped struct {
	ActivityID int64  `json:"activity_id,omitempty"`
	Index      int    `json:"index"`
	Reason     string `json:"reason"`
}

type RateLimited struct {
	BatchNumber int `json:"batch_number"`
	ShortUsage  int `json:"short_usage"`
	LongUsage   int `json:"long_usage"`
}

type SessionCancelled struct {
	BatchesCancelled int64 `json:"batches_cancelled"`
}

type JobFinished struct {
	JobType model.JobType   `json:"job_type"`
	Status  model.JobStatus `json:"status"`
}

func (BatchStarted) Kind() string     { return "batch_started" }
func (BatchCompleted) Kind() string   { return "batch_completed" }
func (BatchFailed) Kind() string      { return "batch_failed" }
func (ActivitySkipped) Kind() string  { return "activity_skipped" }
func (RateLimited) Kind() string      { return "rate_limited" }
func (SessionCancelled) Kind() string { return "session_cancelled" }
func (JobFinished) Kind() string      { return "job_finished" }

// Decode returns the payload stored for kind.
func Decode(kind string, raw []byte) (Metadata, error) {
	var md Metadata
	switch kind {
	case "":
		return nil, nil
	case BatchStarted{}.Kind():
		md = &BatchStarted{}
	case BatchCompleted{}.Kind():
		md = &BatchCompleted{}
	case BatchFailed{}.Kind():
		md = &BatchFailed{}
	case ActivitySkipped{}.Kind():
		md = &ActivitySkipped{}
	case RateLimited{}.Kind():
		md = &RateLimited{}
	case SessionCancelled{}.Kind():
		md = &SessionCancelled{}
	case JobFinished{}.Kind():
		md = &JobFinished{}
	default:
		return nil, fmt.Errorf("unknown log metadata kind %q", kind)
	}
	if err := json.Unmarshal(raw, md); err != nil {
		return nil, fmt.Errorf("decoding %s metadata: %w", kind, err)
	}
	return md, nil
}

// Entry is one log line to append.
type Entry struct {
	AthleteID int64
	SessionID string
	Level     model.LogLevel
	Message   string
	Metadata  Metadata
}

// Record is a stored entry with its payload decoded.
type Record struct {
	ID        uint           `json:"id"`
	AthleteID int64          `json:"athlete_id"`
	SessionID string         `json:"session_id,omitempty"`
	Level     model.LogLevel `json:"level"`
	Message   string         `json:"message"`
	Kind      string         `json:"kind,omitempty"`
	Metadata  Metadata       `json:"metadata,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

type Sink struct {
	db  *gorm.DB
	log logrus.FieldLogger
	now func() time.Time
}

func New(db *gorm.DB, log logrus.FieldLogger) *Sink {
	return &Sink{db: db, log: log, now: time.Now}
}

// Append stores the entry and mirrors it to the process log.
func (s *Sink) Append(ctx context.Context, e Entry) error {
	row := model.SyncLog{
		AthleteID: e.AthleteID,
		Level:     e.Level,
		Message:   e.Message,
		CreatedAt: s.now().Unix(),
	}
	if e.SessionID != "" {
		row.SessionID = &e.SessionID
	}

	fields := logrus.Fields{"athlete_id": e.AthleteID, "session_id": e.SessionID}
	if e.Metadata != nil {
		row.Kind = e.Metadata.Kind()
		if err := row.Metadata.Set(e.Metadata); err != nil {
			return fmt.Errorf("encoding log metadata: %w", err)
		}
		fields["kind"] = row.Kind
	} else {
		row.Metadata = pgtype.JSONB{Status: pgtype.Null}
	}

	l := s.log.WithFields(fields)
	switch e.Level {
	case model.LevelError:
		l.Error(e.Message)
	case model.LevelWarning:
		l.Warn(e.Message)
	default:
		l.Info(e.Message)
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("appending sync log: %w", err)
	}
	return nil
}

// ForSession returns the session's entries, oldest first.
func (s *Sink) ForSession(ctx context.Context, sessionID string) ([]Record, error) {
	var rows []model.SyncLog
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing sync log: %w", err)
	}

	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec := Record{
			ID:        r.ID,
			AthleteID: r.AthleteID,
			Level:     r.Level,
			Message:   r.Message,
			Kind:      r.Kind,
			CreatedAt: r.CreatedAt,
		}
		if r.SessionID != nil {
			rec.SessionID = *r.SessionID
		}
		if r.Metadata.Status == pgtype.Present {
			md, err := Decode(r.Kind, r.Metadata.Bytes)
			if err != nil {
				return nil, err
			}
			rec.Metadata = md
		}
		out = append(out, rec)
	}
	return out, nil
}

// PurgeOlderThan deletes entries older than age and returns how many went.
func (s *Sink) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.now().Add(-age).Unix()
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&model.SyncLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging sync log: %w", res.Error)
	}
	return res.RowsAffected, nil
}
