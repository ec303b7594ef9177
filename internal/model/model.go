package model

import (
	"github.com/jackc/pgtype"
	"gorm.io/gorm"
)

// Athlete represents an athlete in the database
type Athlete struct {
	gorm.Model
	LastActivityID    int64
	StravaAthleteID   int64 `gorm:"uniqueIndex"`
	StravaAthleteName string
	StravaAuthToken   pgtype.JSONB `gorm:"type:jsonb;default:'{}'"`
}

// Race is a stored race activity. There is exactly one per athlete and Strava activity.
type Race struct {
	ID               uint     `gorm:"primaryKey" json:"id"`
	AthleteID        int64    `gorm:"not null;uniqueIndex:idx_races_athlete_activity" json:"athlete_id"`
	StravaActivityID int64    `gorm:"not null;uniqueIndex:idx_races_athlete_activity" json:"strava_activity_id"`
	Name             string   `json:"name"`
	Distance         float64  `json:"distance"`
	ElapsedTime      int64    `json:"elapsed_time"`
	MovingTime       int64    `json:"moving_time"`
	Date             string   `gorm:"index" json:"date"` // local start date, YYYY-MM-DD
	StartTime        int64    `json:"start_time"`
	ElevationGain    float64  `json:"elevation_gain"`
	AverageHeartrate *float64 `json:"average_heartrate,omitempty"`
	MaxHeartrate     *float64 `json:"max_heartrate,omitempty"`
	IsHidden         bool     `json:"is_hidden"`
	EventName        *string  `gorm:"index" json:"event_name,omitempty"`
	ManualTime       *int64   `json:"manual_time,omitempty"`
	ManualDistance   *float64 `json:"manual_distance,omitempty"`
	Polyline         *string  `json:"polyline,omitempty"`
	Description      *string  `json:"description,omitempty"`
	IsParkrun        bool     `json:"is_parkrun"`
	ClassifierScore  float64  `json:"classifier_score"`
	CreatedAt        int64    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        int64    `gorm:"autoUpdateTime" json:"updated_at"`
}

// EffectiveDistance prefers the athlete's manual correction.
func (r *Race) EffectiveDistance() float64 {
	if r.ManualDistance != nil && *r.ManualDistance > 0 {
		return *r.ManualDistance
	}
	return r.Distance
}

// ActivityEventMapping records a manual label for a Strava activity. It
// outlives the Race row so manual edits survive a destructive re-sync.
type ActivityEventMapping struct {
	ID               uint  `gorm:"primaryKey"`
	StravaActivityID int64 `gorm:"not null;uniqueIndex:idx_mappings_activity_athlete"`
	AthleteID        int64 `gorm:"not null;uniqueIndex:idx_mappings_activity_athlete"`
	EventName        *string
	IsHidden         *bool
	CreatedAt        int64 `gorm:"autoCreateTime"`
	UpdatedAt        int64 `gorm:"autoUpdateTime"`
}

type JobType string

const (
	JobInitial     JobType = "initial"
	JobIncremental JobType = "incremental"
	JobFull        JobType = "full"
)

// Job priorities. Higher runs first.
const (
	PriorityScheduled = 10
	PriorityWebhook   = 50
	PriorityManual    = 100
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// SyncJob is a queued request to sync one athlete. Once running it owns a
// session. An athlete has at most one unfinished job.
type SyncJob struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AthleteID    int64     `gorm:"not null;uniqueIndex:idx_sync_jobs_active_athlete,where:finished_at IS NULL" json:"athlete_id"`
	JobType      JobType   `gorm:"not null" json:"job_type"`
	Priority     int       `gorm:"not null;index" json:"priority"`
	Status       JobStatus `gorm:"not null;index" json:"status"`
	SessionID    *string   `gorm:"index" json:"session_id,omitempty"`
	CursorBefore *int64    `json:"cursor_before,omitempty"`
	CursorAfter  *int64    `json:"cursor_after,omitempty"`
	// RacesCleared is set once a full job has deleted the athlete's races.
	RacesCleared bool `json:"races_cleared"`
	// NewestActivityAt is the start of the newest activity the job fetched.
	NewestActivityAt *int64 `json:"newest_activity_at,omitempty"`
	// FailedBatches counts failed batches in the current session.
	FailedBatches int    `json:"failed_batches"`
	Error         string `json:"error,omitempty"`
	EnqueuedAt    int64  `gorm:"not null;index" json:"enqueued_at"`
	StartedAt     *int64 `json:"started_at,omitempty"`
	FinishedAt    *int64 `json:"finished_at,omitempty"`
}

// SyncSession is one logical sync run for one athlete.
type SyncSession struct {
	ID        string  `gorm:"primaryKey;size:36" json:"id"`
	AthleteID int64   `gorm:"not null;index" json:"athlete_id"`
	JobType   JobType `json:"job_type"`
	CreatedAt int64   `gorm:"autoCreateTime" json:"created_at"`
	// CancelledAt is set once the session is cancelled. No batch is created
	// or claimed after that.
	CancelledAt *int64 `json:"cancelled_at,omitempty"`
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// SyncBatch is one bounded unit of fetch-and-store work within a session.
type SyncBatch struct {
	ID                  uint        `gorm:"primaryKey" json:"id"`
	SessionID           string      `gorm:"not null;size:36;uniqueIndex:idx_batches_session_number" json:"session_id"`
	AthleteID           int64       `gorm:"not null;index" json:"athlete_id"`
	BatchNumber         int         `gorm:"not null;uniqueIndex:idx_batches_session_number" json:"batch_number"`
	Before              *int64      `json:"before,omitempty"`
	After               *int64      `json:"after,omitempty"`
	Status              BatchStatus `gorm:"not null;index" json:"status"`
	ActivitiesFetched   int         `json:"activities_fetched"`
	RacesAdded          int         `json:"races_added"`
	RacesRemoved        int         `json:"races_removed"`
	RateLimitShortUsage *int        `json:"rate_limit_short_usage,omitempty"`
	RateLimitShortLimit *int        `json:"rate_limit_short_limit,omitempty"`
	RateLimitLongUsage  *int        `json:"rate_limit_long_usage,omitempty"`
	RateLimitLongLimit  *int        `json:"rate_limit_long_limit,omitempty"`
	StartedAt           *int64      `json:"started_at,omitempty"`
	CompletedAt         *int64      `json:"completed_at,omitempty"`
	Error               string      `json:"error,omitempty"`
	CreatedAt           int64       `gorm:"autoCreateTime" json:"created_at"`
}

type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
)

type SuggestionSource string

const (
	SourceModel    SuggestionSource = "model"
	SourceFallback SuggestionSource = "fallback"
)

// EventSuggestion is a proposed canonical event name for a cluster of races.
type EventSuggestion struct {
	ID            uint             `gorm:"primaryKey" json:"id"`
	RaceIDs       []uint           `gorm:"serializer:json" json:"race_ids"`
	SuggestedName string           `gorm:"not null" json:"suggested_name"`
	AvgDate       string           `json:"avg_date"`
	AvgDistance   float64          `json:"avg_distance"`
	RaceCount     int              `json:"race_count"`
	Confidence    float64          `json:"confidence"`
	Source        SuggestionSource `json:"source"`
	Status        SuggestionStatus `gorm:"not null;index" json:"status"`
	ReviewedBy    *string          `json:"reviewed_by,omitempty"`
	ReviewedAt    *int64           `json:"reviewed_at,omitempty"`
	ReviewNotes   *string          `json:"review_notes,omitempty"`
	CreatedAt     int64            `gorm:"autoCreateTime" json:"created_at"`
}

type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
	LevelSuccess LogLevel = "success"
)

// SyncLog is an append-only entry shown on the sync monitor.
type SyncLog struct {
	ID        uint         `gorm:"primaryKey"`
	AthleteID int64        `gorm:"not null;index"`
	SessionID *string      `gorm:"index"`
	Level     LogLevel     `gorm:"not null"`
	Message   string       `gorm:"not null"`
	Kind      string       `gorm:"index"`
	Metadata  pgtype.JSONB `gorm:"type:jsonb"`
	CreatedAt int64        `gorm:"not null;index"`
}

// All lists every model for migration.
func All() []any {
	return []any{
		&Athlete{},
		&Race{},
		&ActivityEventMapping{},
		&SyncJob{},
		&SyncSession{},
		&SyncBatch{},
		&EventSuggestion{},
		&SyncLog{},
	}
}
