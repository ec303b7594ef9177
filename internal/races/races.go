// Package races stores race activities and the manual corrections athletes
// make to them.
package races

import (
	"context"
	"errors"
	"fmt"

	"github.com/lildude/racesync/internal/classifier"
	"github.com/lildude/racesync/internal/mappings"
	"github.com/lildude/racesync/internal/model"
	"github.com/lildude/racesync/internal/strava"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrNotFound is returned when the athlete has no such race.
var ErrNotFound = errors.New("race not found")

// Outcome is the result of offering an activity to the store.
type Outcome int

const (
	Inserted Outcome = iota + 1
	Exists
	NotRace
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Exists:
		return "exists"
	case NotRace:
		return "not_race"
	}
	return "unknown"
}

// Enricher fetches the full activity when the summary lacks detail.
type Enricher interface {
	Enrich(ctx context.Context, id int64) (*strava.Activity, error)
}

// EnricherFunc adapts a function to an Enricher.
type EnricherFunc func(ctx context.Context, id int64) (*strava.Activity, error)

func (f EnricherFunc) Enrich(ctx context.Context, id int64) (*strava.Activity, error) {
	return f(ctx, id)
}

type Store struct {
	db         *gorm.DB
	mappings   *mappings.Store
	classifier *classifier.Classifier
	log        logrus.FieldLogger
}

func New(db *gorm.DB, c *classifier.Classifier, log logrus.FieldLogger) *Store {
	return &Store{db: db, mappings: mappings.New(db), classifier: c, log: log}
}

// WithTx returns a Store that runs on tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, mappings: s.mappings.WithTx(tx), classifier: s.classifier, log: s.log}
}

// InsertOrSkip stores a qualifying activity once per athlete. Manual
// mappings take precedence over the classifier's defaults, field by field.
// enricher may be nil.
func (s *Store) InsertOrSkip(ctx context.Context, athleteID int64, a *strava.Activity, enricher Enricher) (Outcome, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Race{}).
		Where("athlete_id = ? AND strava_activity_id = ?", athleteID, a.ID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("checking for race %d: %w", a.ID, err)
	}
	if count > 0 {
		return Exists, nil
	}

	v := s.classifier.Classify(a)
	if !v.IsQualifyingRace {
		return NotRace, nil
	}

	if enricher != nil && (a.Map.BestPolyline() == "" || a.Description == "") {
		a = s.enrich(ctx, enricher, a)
	}

	m, err := s.mappings.Lookup(ctx, a.ID, athleteID)
	if err != nil {
		return 0, err
	}

	race := newRace(athleteID, a, v)
	if m != nil {
		if m.EventName != nil {
			race.EventName = nilIfEmpty(*m.EventName)
		}
		if m.IsHidden != nil {
			race.IsHidden = *m.IsHidden
		}
	}

	err = s.db.WithContext(ctx).Create(race).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return Exists, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inserting race %d: %w", a.ID, err)
	}
	return Inserted, nil
}

// enrich merges the detail record's description and polyline into a.
// Failures are logged and the summary is used as it is.
func (s *Store) enrich(ctx context.Context, enricher Enricher, a *strava.Activity) *strava.Activity {
	detail, err := enricher.Enrich(ctx, a.ID)
	if err != nil {
		s.log.WithFields(logrus.Fields{"activity_id": a.ID, "error": err}).Warn("unable to enrich activity")
		return a
	}
	merged := *a
	if merged.Description == "" {
		merged.Description = detail.Description
	}
	if merged.Map.Polyline == "" {
		merged.Map.Polyline = detail.Map.Polyline
	}
	if merged.Map.SummaryPolyline == "" {
		merged.Map.SummaryPolyline = detail.Map.SummaryPolyline
	}
	return &merged
}

func newRace(athleteID int64, a *strava.Activity, v classifier.Verdict) *model.Race {
	r := &model.Race{
		AthleteID:        athleteID,
		StravaActivityID: a.ID,
		Name:             a.Name,
		Distance:         a.Distance,
		ElapsedTime:      a.ElapsedTime,
		MovingTime:       a.MovingTime,
		Date:             a.StartDateLocal.Format("2006-01-02"),
		StartTime:        a.StartDate.Unix(),
		ElevationGain:    a.TotalElevationGain,
		IsHidden:         v.DefaultHidden,
		EventName:        v.DefaultEventName,
		Polyline:         nilIfEmpty(a.Map.BestPolyline()),
		Description:      nilIfEmpty(a.Description),
		IsParkrun:        v.IsParkrun,
		ClassifierScore:  v.Score,
	}
	if a.StartDateLocal.IsZero() {
		r.Date = a.StartDate.Format("2006-01-02")
	}
	if a.HasHeartrate || a.AverageHeartrate > 0 {
		avg, peak := a.AverageHeartrate, a.MaxHeartrate
		r.AverageHeartrate = &avg
		r.MaxHeartrate = &peak
	}
	return r
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Get returns one of the athlete's races.
func (s *Store) Get(ctx context.Context, athleteID int64, raceID uint) (*model.Race, error) {
	return get(s.db.WithContext(ctx), athleteID, raceID)
}

func get(db *gorm.DB, athleteID int64, raceID uint) (*model.Race, error) {
	var r model.Race
	err := db.Where("id = ? AND athlete_id = ?", raceID, athleteID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading race %d: %w", raceID, err)
	}
	return &r, nil
}

// SetEventName labels a race and records the label against the activity so
// it is reapplied if the race is recreated. An empty name clears the label.
func (s *Store) SetEventName(ctx context.Context, athleteID int64, raceID uint, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := get(tx, athleteID, raceID)
		if err != nil {
			return err
		}
		if err := s.mappings.WithTx(tx).Upsert(ctx, r.StravaActivityID, athleteID, &name, nil); err != nil {
			return err
		}
		return tx.Model(r).Update("event_name", nilIfEmpty(name)).Error
	})
}

// SetHidden hides or shows a race and records the choice against the activity.
func (s *Store) SetHidden(ctx context.Context, athleteID int64, raceID uint, hidden bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := get(tx, athleteID, raceID)
		if err != nil {
			return err
		}
		if err := s.mappings.WithTx(tx).Upsert(ctx, r.StravaActivityID, athleteID, nil, &hidden); err != nil {
			return err
		}
		return tx.Model(r).Update("is_hidden", hidden).Error
	})
}

// SetManualResult overrides the recorded time and distance. nil clears an override.
func (s *Store) SetManualResult(ctx context.Context, athleteID int64, raceID uint, seconds *int64, meters *float64) error {
	res := s.db.WithContext(ctx).Model(&model.Race{}).
		Where("id = ? AND athlete_id = ?", raceID, athleteID).
		Updates(map[string]any{"manual_time": seconds, "manual_distance": meters})
	if res.Error != nil {
		return fmt.Errorf("setting manual result for race %d: %w", raceID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a race. Its mapping is kept.
func (s *Store) Delete(ctx context.Context, athleteID int64, raceID uint) error {
	res := s.db.WithContext(ctx).Where("id = ? AND athlete_id = ?", raceID, athleteID).Delete(&model.Race{})
	if res.Error != nil {
		return fmt.Errorf("deleting race %d: %w", raceID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllForAthlete removes every race the athlete has and returns how many went.
func (s *Store) DeleteAllForAthlete(ctx context.Context, athleteID int64) (int64, error) {
	res := s.db.WithContext(ctx).Where("athlete_id = ?", athleteID).Delete(&model.Race{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting races for athlete %d: %w", athleteID, res.Error)
	}
	return res.RowsAffected, nil
}

// ListForAthlete returns the athlete's races, newest first.
func (s *Store) ListForAthlete(ctx context.Context, athleteID int64, includeHidden bool) ([]model.Race, error) {
	q := s.db.WithContext(ctx).Where("athlete_id = ?", athleteID)
	if !includeHidden {
		q = q.Where("is_hidden = ?", false)
	}
	var out []model.Race
	if err := q.Order("start_time DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing races: %w", err)
	}
	return out, nil
}

// LatestStart returns the start time of the athlete's newest race, or nil.
func (s *Store) LatestStart(ctx context.Context, athleteID int64) (*int64, error) {
	var r model.Race
	err := s.db.WithContext(ctx).Where("athlete_id = ?", athleteID).Order("start_time DESC").First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding latest race: %w", err)
	}
	return &r.StartTime, nil
}

// Unlabeled returns races with no event name across all athletes, newest
// first, leaving out the given ids.
func (s *Store) Unlabeled(ctx context.Context, limit int, exclude []uint) ([]model.Race, error) {
	q := s.db.WithContext(ctx).Where("event_name IS NULL")
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	var out []model.Race
	if err := q.Order("start_time DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing unlabeled races: %w", err)
	}
	return out, nil
}

// Labeled returns up to limit recently labeled races.
func (s *Store) Labeled(ctx context.Context, limit int) ([]model.Race, error) {
	var out []model.Race
	err := s.db.WithContext(ctx).Where("event_name IS NOT NULL AND event_name <> ''").
		Order("start_time DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing labeled races: %w", err)
	}
	return out, nil
}

// Label sets the event name on every listed race and records a mapping for
// each, all in one transaction. It returns the number of races updated.
func (s *Store) Label(ctx context.Context, raceIDs []uint, name string) (int64, error) {
	var updated int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rs []model.Race
		if err := tx.Where("id IN ?", raceIDs).Find(&rs).Error; err != nil {
			return fmt.Errorf("loading races: %w", err)
		}
		store := s.mappings.WithTx(tx)
		for _, r := range rs {
			if err := store.Upsert(ctx, r.StravaActivityID, r.AthleteID, &name, nil); err != nil {
				return err
			}
		}
		res := tx.Model(&model.Race{}).Where("id IN ?", raceIDs).Update("event_name", name)
		if res.Error != nil {
			return fmt.Errorf("labeling races: %w", res.Error)
		}
		updated = res.RowsAffected
		return nil
	})
	return updated, err
}

// ApplyEventName names the listed races that are still unnamed. Unlike
// Label it records no mappings, so a later re-sync drops the name again.
func (s *Store) ApplyEventName(ctx context.Context, raceIDs []uint, name string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Race{}).
		Where("id IN ? AND event_name IS NULL", raceIDs).
		Update("event_name", name)
	if res.Error != nil {
		return 0, fmt.Errorf("naming races: %w", res.Error)
	}
	return res.RowsAffected, nil
}
