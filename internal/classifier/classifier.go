// Package classifier decides whether a Strava activity is a race, whether it
// looks like a parkrun, and the label and visibility a new race row gets when
// nobody has curated it by hand.
package classifier

import (
	"strings"
	"time"

	"github.com/lildude/racesync/internal/strava"
	"golang.org/x/text/cases"
)

// Parkrun signal weights.
//
// These are the feature importances of the gradient boosted parkrun model
// the rules replaced, renormalised over the six signals kept here. They sum
// to 0.938 and a score of ParkrunThreshold or more is a parkrun. Retune them
// together, against labelled history, never one at a time.
const (
	WeightNameMentionsParkrun = 0.339
	WeightFiveKilometres      = 0.327 // 4.5 - 5.5 km
	WeightModalStartHour      = 0.093 // starts in the 08:00 hour
	WeightMorningStart        = 0.092 // starts between 06:00 and 10:00
	WeightTightFiveKilometres = 0.047 // 4.8 - 5.2 km
	WeightSaturday            = 0.04

	ParkrunThreshold = 0.5

	totalWeight = WeightNameMentionsParkrun + WeightFiveKilometres + WeightModalStartHour +
		WeightMorningStart + WeightTightFiveKilometres + WeightSaturday
)

const (
	modalParkrunHour = 8
	earliestHour     = 6
	latestHour       = 10
)

// ParkrunEventName is the default event name given to detected parkruns.
const ParkrunEventName = "parkrun"

var runningSports = map[string]bool{
	"Run":        true,
	"TrailRun":   true,
	"VirtualRun": true,
}

var fold = cases.Fold()

// Verdict is the classifier's advice for one activity.
type Verdict struct {
	IsQualifyingRace bool
	IsParkrun        bool
	// Score is the weighted parkrun score.
	Score float64
	// Confidence is Score scaled to 0..1 for display. It is a heuristic,
	// not a probability.
	Confidence       float64
	DefaultEventName *string
	DefaultHidden    bool
}

// Classifier holds the tunables that are not part of the scoring rules.
type Classifier struct {
	HideParkruns bool
}

func New(hideParkruns bool) *Classifier {
	return &Classifier{HideParkruns: hideParkruns}
}

// Classify scores an activity. Only running activities the athlete tagged as
// a race on Strava qualify; there is no keyword fallback.
func (c *Classifier) Classify(a *strava.Activity) Verdict {
	v := Verdict{
		IsQualifyingRace: IsQualifyingRace(a),
		Score:            ParkrunScore(a),
	}
	v.Confidence = v.Score / totalWeight
	v.IsParkrun = v.Score >= ParkrunThreshold
	if v.IsParkrun {
		name := ParkrunEventName
		v.DefaultEventName = &name
		v.DefaultHidden = c.HideParkruns
	}
	return v
}

// IsQualifyingRace reports whether the activity is a run tagged as a race.
func IsQualifyingRace(a *strava.Activity) bool {
	return runningSports[a.Sport()] && a.WorkoutType == strava.WorkoutTypeRace
}

// ParkrunScore sums the weights of the parkrun signals the activity shows.
// Time of day and weekday come from the local start time.
func ParkrunScore(a *strava.Activity) float64 {
	var score float64
	if MentionsParkrun(a.Name) {
		score += WeightNameMentionsParkrun
	}

	km := a.Distance / 1000
	if km >= 4.5 && km <= 5.5 {
		score += WeightFiveKilometres
	}
	if km >= 4.8 && km <= 5.2 {
		score += WeightTightFiveKilometres
	}

	if !a.StartDateLocal.IsZero() {
		hour := a.StartDateLocal.Hour()
		if hour == modalParkrunHour {
			score += WeightModalStartHour
		}
		if hour >= earliestHour && hour < latestHour {
			score += WeightMorningStart
		}
		if a.StartDateLocal.Weekday() == time.Saturday {
			score += WeightSaturday
		}
	}
	return score
}

// MentionsParkrun reports whether name contains "parkrun" or "park run" in any case.
func MentionsParkrun(name string) bool {
	n := fold.String(name)
	return strings.Contains(n, "parkrun") || strings.Contains(n, "park run")
}
