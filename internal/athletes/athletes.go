// Package athletes looks up athletes and keeps their Strava OAuth tokens fresh.
package athletes

import (
	"context"
	"errors"
	"fmt"

	"github.com/lildude/racesync/internal/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("athlete not found")
	ErrNoToken  = errors.New("athlete has no access token")
)

type Tokens struct {
	db     *gorm.DB
	config *oauth2.Config
	log    logrus.FieldLogger
}

func New(db *gorm.DB, config *oauth2.Config, log logrus.FieldLogger) *Tokens {
	return &Tokens{db: db, config: config, log: log}
}

// AccessToken returns a valid access token for the Strava athlete, refreshing
// and storing it first if it has expired.
func (t *Tokens) AccessToken(ctx context.Context, athleteID int64) (string, error) {
	var athlete model.Athlete
	err := t.db.WithContext(ctx).First(&athlete, "strava_athlete_id = ?", athleteID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading athlete %d: %w", athleteID, err)
	}

	authToken := &oauth2.Token{}
	if err := athlete.StravaAuthToken.AssignTo(authToken); err != nil {
		return "", fmt.Errorf("reading token for athlete %d: %w", athleteID, err)
	}
	if authToken.AccessToken == "" {
		return "", ErrNoToken
	}

	newToken, err := t.config.TokenSource(ctx, authToken).Token()
	if err != nil {
		return "", fmt.Errorf("refreshing token for athlete %d: %w", athleteID, err)
	}

	if newToken.AccessToken != authToken.AccessToken {
		if err := athlete.StravaAuthToken.Set(newToken); err != nil {
			return "", fmt.Errorf("encoding token: %w", err)
		}
		if err := t.db.WithContext(ctx).Model(&athlete).Update("strava_auth_token", athlete.StravaAuthToken).Error; err != nil {
			return "", fmt.Errorf("storing token for athlete %d: %w", athleteID, err)
		}
		t.log.WithField("athlete_id", athleteID).Info("updated token")
	}

	return newToken.AccessToken, nil
}

// IDs returns the Strava id of every known athlete.
func (t *Tokens) IDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := t.db.WithContext(ctx).Model(&model.Athlete{}).
		Where("strava_athlete_id <> 0").
		Order("strava_athlete_id").
		Pluck("strava_athlete_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing athletes: %w", err)
	}
	return ids, nil
}

// MarkActivity records the latest activity announced for the athlete. It
// returns false when that activity was already recorded.
func (t *Tokens) MarkActivity(ctx context.Context, athleteID, activityID int64) (bool, error) {
	res := t.db.WithContext(ctx).Model(&model.Athlete{}).
		Where("strava_athlete_id = ? AND last_activity_id <> ?", athleteID, activityID).
		Update("last_activity_id", activityID)
	if res.Error != nil {
		return false, fmt.Errorf("recording activity for athlete %d: %w", athleteID, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := t.db.WithContext(ctx).Model(&model.Athlete{}).Where("strava_athlete_id = ?", athleteID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("loading athlete %d: %w", athleteID, err)
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}
