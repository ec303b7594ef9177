// Package strava implements the subset of the Strava API used to pull an athlete's activity history.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lildude/racesync/internal/client"
	"golang.org/x/oauth2"
)

// WorkoutTypeRace is the workout_type Strava assigns to runs the athlete tagged as a race.
const WorkoutTypeRace = 1

// BaseURL is the Strava API root.
const BaseURL = "https://www.strava.com/api/v3"

// OAuthConfig returns the OAuth2 settings used to refresh athlete tokens.
func OAuthConfig(clientID, clientSecret, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://www.strava.com/oauth/authorize",
			TokenURL: "https://www.strava.com/oauth/token",
		},
		RedirectURL: redirectURI,
		Scopes:      []string{"activity:read_all"},
	}
}

// Activity struct holds only the data we want from the Strava API for an activity.
type Activity struct {
	Athlete            Athlete   `json:"athlete"`
	AverageHeartrate   float64   `json:"average_heartrate"`
	Description        string    `json:"description"`
	Distance           float64   `json:"distance"`
	ElapsedTime        int64     `json:"elapsed_time"`
	ExternalID         string    `json:"external_id"`
	HasHeartrate       bool      `json:"has_heartrate"`
	ID                 int64     `json:"id"`
	Map                Map       `json:"map"`
	MaxHeartrate       float64   `json:"max_heartrate"`
	MovingTime         int64     `json:"moving_time"`
	Name               string    `json:"name"`
	Private            bool      `json:"private"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	StartDateLocal     time.Time `json:"start_date_local"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	Type               string    `json:"type"`
	WorkoutType        int       `json:"workout_type"`
}

type Athlete struct {
	ID int64 `json:"id"`
}

// Map holds the encoded route. List responses only carry the summary polyline.
type Map struct {
	ID              string `json:"id"`
	Polyline        string `json:"polyline"`
	SummaryPolyline string `json:"summary_polyline"`
}

// BestPolyline returns the full resolution polyline when present, otherwise the summary one.
func (m Map) BestPolyline() string {
	if m.Polyline != "" {
		return m.Polyline
	}
	return m.SummaryPolyline
}

// Sport returns the sport type, falling back to the legacy type field.
func (a *Activity) Sport() string {
	if a.SportType != "" {
		return a.SportType
	}
	return a.Type
}

type WebhookPayload struct {
	AspectType     string  `json:"aspect_type"`
	EventTime      int64   `json:"event_time"`
	ObjectID       int64   `json:"object_id"`
	ObjectType     string  `json:"object_type"`
	OwnerID        int64   `json:"owner_id"`
	SubscriptionID int64   `json:"subscription_id"`
	Updates        updates `json:"updates"`
}

type updates struct {
	Authorized string `json:"authorized,omitempty"`
	Private    string `json:"private,omitempty"`
	Title      string `json:"title,omitempty"`
	Type       string `json:"type,omitempty"`
}

// RateLimit is the usage Strava reported on a response for its two windows:
// short is the 15 minute window, long is the daily one.
type RateLimit struct {
	ShortUsage int `json:"short_usage"`
	ShortLimit int `json:"short_limit"`
	LongUsage  int `json:"long_usage"`
	LongLimit  int `json:"long_limit"`
}

// ParseRateLimit extracts the rate limit from response headers. The read
// limits apply to the endpoints we call so they take precedence over the
// overall limits. It returns nil if the headers are missing or malformed.
func ParseRateLimit(h http.Header) *RateLimit {
	for _, prefix := range []string{"X-Readratelimit", "X-Ratelimit"} {
		limit, usage := h.Get(prefix+"-Limit"), h.Get(prefix+"-Usage")
		if limit == "" || usage == "" {
			continue
		}
		ls, lok := parsePair(limit)
		us, uok := parsePair(usage)
		if !lok || !uok {
			continue
		}
		return &RateLimit{ShortLimit: ls[0], LongLimit: ls[1], ShortUsage: us[0], LongUsage: us[1]}
	}
	return nil
}

func parsePair(s string) ([2]int, bool) {
	var out [2]int
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

// ListOptions are the query parameters of the athlete activities endpoint.
// Before and After are epoch seconds compared against start_date.
type ListOptions struct {
	Before  *int64
	After   *int64
	Page    int
	PerPage int
}

// MalformedRecord is a list entry that could not be decoded into an Activity.
type MalformedRecord struct {
	Index int
	Raw   json.RawMessage
	Err   error
}

// Page is a single page of the athlete activities listing.
type Page struct {
	Activities []Activity
	Malformed  []MalformedRecord
	// Count is the number of records the API returned, decodable or not.
	Count     int
	RateLimit *RateLimit
}

// ListActivities fetches one page of the authenticated athlete's activities.
// Records are decoded one by one so a single bad record doesn't lose the page.
// The rate limit is returned whenever a response was received, even on error.
func ListActivities(ctx context.Context, c *client.Client, opts ListOptions) (*Page, error) {
	q := url.Values{}
	if opts.Before != nil {
		q.Set("before", strconv.FormatInt(*opts.Before, 10))
	}
	if opts.After != nil {
		q.Set("after", strconv.FormatInt(*opts.After, 10))
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(opts.PerPage))
	}

	req, err := c.NewRequest(ctx, http.MethodGet, "athlete/activities?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating list activities request: %w", err)
	}

	var raw []json.RawMessage
	resp, err := c.Do(req, &raw)
	page := &Page{}
	if resp != nil {
		page.RateLimit = ParseRateLimit(resp.Header)
	}
	if err != nil {
		return page, fmt.Errorf("listing activities page %d: %w", opts.Page, err)
	}

	page.Count = len(raw)
	for i, r := range raw {
		var a Activity
		if err := json.Unmarshal(r, &a); err != nil {
			page.Malformed = append(page.Malformed, MalformedRecord{Index: i, Raw: r, Err: err})
			continue
		}
		if a.ID == 0 || a.StartDate.IsZero() {
			page.Malformed = append(page.Malformed, MalformedRecord{Index: i, Raw: r, Err: fmt.Errorf("missing id or start_date")})
			continue
		}
		page.Activities = append(page.Activities, a)
	}

	return page, nil
}

// GetActivity fetches the detailed representation of an activity, which
// includes the full polyline and description.
func GetActivity(ctx context.Context, c *client.Client, id int64) (*Activity, *RateLimit, error) {
	var a Activity
	req, err := c.NewRequest(ctx, http.MethodGet, fmt.Sprintf("activities/%d", id), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating get activity request: %w", err)
	}

	resp, err := c.Do(req, &a)
	var rl *RateLimit
	if resp != nil {
		rl = ParseRateLimit(resp.Header)
	}
	if err != nil {
		return nil, rl, fmt.Errorf("getting activity %d: %w", id, err)
	}

	return &a, rl, nil
}
