// Package metrics registers the Prometheus metrics exported by racesync.
package metrics

import (
	"github.com/lildude/racesync/internal/strava"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync pipeline
	BatchesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "racesync_batches_finished_total",
			Help: "Sync batches that reached a terminal state",
		},
		[]string{"status"}, // completed, failed, cancelled
	)

	BatchesDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "racesync_batches_deferred_total",
			Help: "Batches left pending because the Strava rate limit was reached",
		},
	)

	ActivitiesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "racesync_activities_fetched_total",
			Help: "Activities returned by the Strava list endpoint",
		},
	)

	RacesAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "racesync_races_added_total",
			Help: "Race rows inserted by sync",
		},
	)

	ActivitiesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "racesync_activities_skipped_total",
			Help: "Activities not stored by sync",
		},
		[]string{"reason"}, // malformed, not_race, exists
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "racesync_jobs_finished_total",
			Help: "Queued sync jobs that reached a terminal state",
		},
		[]string{"job_type", "status"},
	)

	// Strava rate limit, as last reported
	RateLimitUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "racesync_strava_rate_limit_usage",
			Help: "Last Strava rate limit usage observed",
		},
		[]string{"window"}, // short, long
	)

	// Event grouping
	SuggestionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "racesync_event_suggestions_created_total",
			Help: "Event suggestions created by grouping",
		},
		[]string{"source", "status"},
	)

	NamerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "racesync_namer_requests_total",
			Help: "Requests to the event naming model",
		},
		[]string{"result"}, // success, failure, rejected
	)
)

// ObserveRateLimit records the usage reported on a Strava response.
func ObserveRateLimit(rl strava.RateLimit) {
	RateLimitUsage.WithLabelValues("short").Set(float64(rl.ShortUsage))
	RateLimitUsage.WithLabelValues("long").Set(float64(rl.LongUsage))
}
