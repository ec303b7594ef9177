// Package eventgroup clusters unnamed races that look like the same event
// and proposes a canonical event name for each cluster.
package eventgroup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lildude/racesync/internal/metrics"
	"github.com/lildude/racesync/internal/model"
	"github.com/lildude/racesync/internal/namer"
	"github.com/lildude/racesync/internal/races"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AutoReviewer is recorded on suggestions approved without a human.
const AutoReviewer = "auto"

// exampleCount is how many labeled races are shown to the namer.
const exampleCount = 5

var (
	ErrNotFound   = errors.New("suggestion not found")
	ErrNotPending = errors.New("suggestion has already been reviewed")
)

type Config struct {
	ScanLimit             int
	MaxClustersPerRun     int
	AutoApproveConfidence float64
	AutoApproveMinRaces   int
}

// Report summarises one grouping run.
type Report struct {
	Scanned      int                     `json:"scanned"`
	Clusters     int                     `json:"clusters"`
	AutoApproved int                     `json:"auto_approved"`
	Suggestions  []model.EventSuggestion `json:"suggestions"`
}

type Grouper struct {
	db    *gorm.DB
	races *races.Store
	namer namer.Namer
	cfg   Config
	log   logrus.FieldLogger
	now   func() time.Time
}

func New(db *gorm.DB, r *races.Store, n namer.Namer, cfg Config, log logrus.FieldLogger) *Grouper {
	return &Grouper{db: db, races: r, namer: n, cfg: cfg, log: log, now: time.Now}
}

// Run clusters the newest unnamed races not already awaiting review or
// rejected and stores a suggestion per cluster.
func (g *Grouper) Run(ctx context.Context) (*Report, error) {
	exclude, err := g.reviewedRaceIDs(ctx)
	if err != nil {
		return nil, err
	}

	rs, err := g.races.Unlabeled(ctx, g.cfg.ScanLimit, exclude)
	if err != nil {
		return nil, err
	}
	clusters := Cluster(rs)
	if g.cfg.MaxClustersPerRun > 0 && len(clusters) > g.cfg.MaxClustersPerRun {
		clusters = clusters[:g.cfg.MaxClustersPerRun]
	}

	report := &Report{Scanned: len(rs), Clusters: len(clusters)}
	if len(clusters) == 0 {
		return report, nil
	}

	examples, err := g.examples(ctx)
	if err != nil {
		return nil, err
	}

	for _, c := range clusters {
		s := g.suggest(ctx, c, examples)
		auto := s.Confidence >= g.cfg.AutoApproveConfidence && s.RaceCount >= g.cfg.AutoApproveMinRaces
		if err := g.save(ctx, s, auto); err != nil {
			return nil, err
		}
		if auto {
			report.AutoApproved++
		}
		metrics.SuggestionsCreated.WithLabelValues(string(s.Source), string(s.Status)).Inc()
		report.Suggestions = append(report.Suggestions, *s)
	}

	g.log.WithFields(logrus.Fields{
		"scanned":       report.Scanned,
		"clusters":      report.Clusters,
		"auto_approved": report.AutoApproved,
	}).Info("event grouping finished")
	return report, nil
}

// reviewedRaceIDs returns the races of suggestions that are pending or were
// rejected. A rejected cluster is not proposed again.
func (g *Grouper) reviewedRaceIDs(ctx context.Context) ([]uint, error) {
	var out []model.EventSuggestion
	err := g.db.WithContext(ctx).
		Where("status IN ?", []model.SuggestionStatus{model.SuggestionPending, model.SuggestionRejected}).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing reviewed suggestions: %w", err)
	}
	var ids []uint
	for _, s := range out {
		ids = append(ids, s.RaceIDs...)
	}
	return ids, nil
}

func (g *Grouper) examples(ctx context.Context) ([]namer.Example, error) {
	labeled, err := g.races.Labeled(ctx, exampleCount)
	if err != nil {
		return nil, err
	}
	out := make([]namer.Example, 0, len(labeled))
	for _, r := range labeled {
		out = append(out, namer.Example{ActivityName: r.Name, EventName: *r.EventName})
	}
	return out, nil
}

// suggest names one cluster, falling back to its most common raw name when
// the namer fails or gives nothing usable.
func (g *Grouper) suggest(ctx context.Context, c []model.Race, examples []namer.Example) *model.EventSuggestion {
	s := &model.EventSuggestion{
		RaceCount: len(c),
		Status:    model.SuggestionPending,
	}
	names := make([]string, 0, len(c))
	var days, dist float64
	for _, r := range c {
		s.RaceIDs = append(s.RaceIDs, r.ID)
		names = append(names, r.Name)
		days += float64(raceDay(&r).Unix()) / 86400
		dist += r.EffectiveDistance()
	}
	n := float64(len(c))
	s.AvgDistance = dist / n
	s.AvgDate = time.Unix(int64(days/n+0.5)*86400, 0).UTC().Format(time.DateOnly)

	answer, err := g.namer.Name(ctx, namer.Request{
		Names:       names,
		AvgDistance: s.AvgDistance,
		AvgDate:     s.AvgDate,
		Examples:    examples,
	})
	if err == nil {
		answer = Sanitize(answer)
	}
	if err != nil || answer == "" {
		g.log.WithFields(logrus.Fields{"races": s.RaceIDs, "error": err}).Warn("event namer gave no usable name, using fallback")
		s.SuggestedName = Fallback(names)
		s.Confidence = FallbackConfidence
		s.Source = model.SourceFallback
		return s
	}
	s.SuggestedName = answer
	s.Confidence = Confidence(names)
	s.Source = model.SourceModel
	return s
}

// save stores the suggestion. An auto approved one names its races in the
// same transaction.
func (g *Grouper) save(ctx context.Context, s *model.EventSuggestion, auto bool) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if auto {
			if _, err := g.races.WithTx(tx).ApplyEventName(ctx, s.RaceIDs, s.SuggestedName); err != nil {
				return err
			}
			reviewer, at := AutoReviewer, g.now().Unix()
			s.Status = model.SuggestionApproved
			s.ReviewedBy, s.ReviewedAt = &reviewer, &at
		}
		if err := tx.Create(s).Error; err != nil {
			return fmt.Errorf("saving suggestion: %w", err)
		}
		return nil
	})
}

// Pending lists suggestions awaiting review, oldest first.
func (g *Grouper) Pending(ctx context.Context) ([]model.EventSuggestion, error) {
	var out []model.EventSuggestion
	err := g.db.WithContext(ctx).Where("status = ?", model.SuggestionPending).Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing pending suggestions: %w", err)
	}
	return out, nil
}

// Get returns a suggestion by id.
func (g *Grouper) Get(ctx context.Context, id uint) (*model.EventSuggestion, error) {
	return get(g.db.WithContext(ctx), id)
}

func get(db *gorm.DB, id uint) (*model.EventSuggestion, error) {
	var s model.EventSuggestion
	err := db.First(&s, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading suggestion %d: %w", id, err)
	}
	return &s, nil
}

// Approve applies the suggested name, or name when given, to every member
// race and records a mapping for each so the name survives a re-sync.
func (g *Grouper) Approve(ctx context.Context, id uint, reviewer, name string) (*model.EventSuggestion, error) {
	var out *model.EventSuggestion
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := get(tx, id)
		if err != nil {
			return err
		}
		if s.Status != model.SuggestionPending {
			return ErrNotPending
		}
		if name = strings.TrimSpace(name); name != "" {
			s.SuggestedName = name
		}
		if _, err := g.races.WithTx(tx).Label(ctx, s.RaceIDs, s.SuggestedName); err != nil {
			return err
		}
		if err := g.review(tx, s, model.SuggestionApproved, reviewer, nil); err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

// Reject closes a suggestion without touching its races.
func (g *Grouper) Reject(ctx context.Context, id uint, reviewer, notes string) (*model.EventSuggestion, error) {
	var out *model.EventSuggestion
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := get(tx, id)
		if err != nil {
			return err
		}
		if s.Status != model.SuggestionPending {
			return ErrNotPending
		}
		var n *string
		if notes != "" {
			n = &notes
		}
		if err := g.review(tx, s, model.SuggestionRejected, reviewer, n); err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

func (g *Grouper) review(tx *gorm.DB, s *model.EventSuggestion, status model.SuggestionStatus, reviewer string, notes *string) error {
	at := g.now().Unix()
	res := tx.Model(&model.EventSuggestion{}).
		Where("id = ? AND status = ?", s.ID, model.SuggestionPending).
		Updates(map[string]any{
			"status":         status,
			"suggested_name": s.SuggestedName,
			"reviewed_by":    reviewer,
			"reviewed_at":    at,
			"review_notes":   notes,
		})
	if res.Error != nil {
		return fmt.Errorf("reviewing suggestion %d: %w", s.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	s.Status = status
	s.ReviewedBy, s.ReviewedAt, s.ReviewNotes = &reviewer, &at, notes
	return nil
}
