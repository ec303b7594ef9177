// Package mappings stores manual event labels keyed by Strava activity so
// they survive the race row being deleted and recreated.
package mappings

import (
	"context"
	"errors"
	"fmt"

	"github.com/lildude/racesync/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a Store that runs on tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Lookup returns the mapping for an activity, or nil when there is none.
func (s *Store) Lookup(ctx context.Context, externalID, athleteID int64) (*model.ActivityEventMapping, error) {
	var m model.ActivityEventMapping
	err := s.db.WithContext(ctx).
		Where("strava_activity_id = ? AND athlete_id = ?", externalID, athleteID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up mapping for activity %d: %w", externalID, err)
	}
	return &m, nil
}

// Upsert creates or updates a mapping. A nil field leaves the stored value
// as it is.
func (s *Store) Upsert(ctx context.Context, externalID, athleteID int64, eventName *string, hidden *bool) error {
	m := model.ActivityEventMapping{
		StravaActivityID: externalID,
		AthleteID:        athleteID,
		EventName:        eventName,
		IsHidden:         hidden,
	}

	update := []string{"updated_at"}
	if eventName != nil {
		update = append(update, "event_name")
	}
	if hidden != nil {
		update = append(update, "is_hidden")
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "strava_activity_id"}, {Name: "athlete_id"}},
		DoUpdates: clause.AssignmentColumns(update),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("upserting mapping for activity %d: %w", externalID, err)
	}
	return nil
}
