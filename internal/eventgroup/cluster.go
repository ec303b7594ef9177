package eventgroup

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/lildude/racesync/internal/model"
	"golang.org/x/text/cases"
)

const (
	// MaxDayGap is how many calendar days apart two races of one event may be.
	MaxDayGap = 1
	// MaxDistanceDiff is the largest relative distance difference within a cluster.
	MaxDistanceDiff = 0.05

	// FallbackConfidence is given to names not produced by the model.
	FallbackConfidence = 0.3
)

// raceKeywords let a lone race form a cluster of its own.
var raceKeywords = []string{"marathon", "half", "parkrun", "10k", "5k", "ultra", "10 mile", "race", "trail", "relay"}

var (
	fold      = cases.Fold()
	yearToken = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	nonWord   = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

// Cluster groups races that look like the same event. Races are taken in
// order and each unassigned race seeds a cluster that takes every later
// unassigned race on a nearby day at a similar distance. A seed that attracts
// nothing is kept alone only when its name looks like a race.
func Cluster(rs []model.Race) [][]model.Race {
	used := make([]bool, len(rs))
	var out [][]model.Race
	for i := range rs {
		if used[i] {
			continue
		}
		members := []int{i}
		for j := i + 1; j < len(rs); j++ {
			if !used[j] && sameEvent(&rs[i], &rs[j]) {
				members = append(members, j)
			}
		}
		if len(members) == 1 && !MentionsRace(rs[i].Name) {
			continue
		}
		c := make([]model.Race, 0, len(members))
		for _, m := range members {
			used[m] = true
			c = append(c, rs[m])
		}
		out = append(out, c)
	}
	return out
}

func sameEvent(a, b *model.Race) bool {
	if dayGap(a, b) > MaxDayGap {
		return false
	}
	da, db := a.EffectiveDistance(), b.EffectiveDistance()
	longest := math.Max(da, db)
	if longest <= 0 {
		return false
	}
	return math.Abs(da-db)/longest <= MaxDistanceDiff
}

// dayGap is the number of calendar days between the races' local dates.
func dayGap(a, b *model.Race) int {
	ta, tb := raceDay(a), raceDay(b)
	d := int(ta.Sub(tb).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d
}

func raceDay(r *model.Race) time.Time {
	if t, err := time.Parse(time.DateOnly, r.Date); err == nil {
		return t
	}
	t := time.Unix(r.StartTime, 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MentionsRace reports whether name contains a common race keyword.
func MentionsRace(name string) bool {
	n := fold.String(name)
	for _, k := range raceKeywords {
		if strings.Contains(n, k) {
			return true
		}
	}
	return false
}

// Confidence is higher the more the cluster's names already agree:
// max(0.3, min(1, 1 - distinct/size + 0.2)) over normalized names.
func Confidence(names []string) float64 {
	if len(names) == 0 {
		return FallbackConfidence
	}
	distinct := map[string]struct{}{}
	for _, n := range names {
		distinct[normalize(n)] = struct{}{}
	}
	c := 1 - float64(len(distinct))/float64(len(names)) + 0.2
	return math.Max(FallbackConfidence, math.Min(1, c))
}

func normalize(name string) string {
	n := fold.String(yearToken.ReplaceAllString(name, " "))
	return strings.Join(strings.Fields(nonWord.ReplaceAllString(n, " ")), " ")
}

var (
	quotes          = strings.NewReplacer(`"`, "", "'", "", "`", "", "“", "", "”", "", "‘", "", "’", "")
	arrow           = regexp.MustCompile(`^.*(->|=>|\x{2192})\s*`)
	explanatoryLead = regexp.MustCompile(`(?i)^\s*(the\s+)?(canonical\s+)?(event\s+)?(name|answer|event)\s*(:|\bis\b)\s*`)
)

// Sanitize cleans up a model answer: only the first line is kept, then
// quotes, arrows, explanatory lead-ins and year tokens are dropped and
// whitespace collapsed. It returns "" when nothing usable is left.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = quotes.Replace(s)
	s = arrow.ReplaceAllString(s, "")
	s = explanatoryLead.ReplaceAllString(s, "")
	s = yearToken.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " .:-")
}

// Fallback picks the most frequent raw name, ties going to the earliest,
// with year tokens stripped.
func Fallback(names []string) string {
	counts := map[string]int{}
	best, bestCount := "", 0
	for _, n := range names {
		counts[n]++
		if counts[n] > bestCount {
			best, bestCount = n, counts[n]
		}
	}
	return strings.Join(strings.Fields(yearToken.ReplaceAllString(best, "")), " ")
}
