// Package fetcher pages through an athlete's Strava activities for a bounded window.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/lildude/racesync/internal/client"
	"github.com/lildude/racesync/internal/metrics"
	"github.com/lildude/racesync/internal/ratelimit"
	"github.com/lildude/racesync/internal/strava"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// MaxPageSize is the largest per_page Strava accepts.
const MaxPageSize = 200

// TimeoutError is returned when a single request exceeds the fetch timeout.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fetch timed out after %s: %v", e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Options bound a single fetch. Before and After are epoch seconds.
type Options struct {
	After    *int64
	Before   *int64
	PageSize int
	// MaxPages caps the number of requests; zero means no cap.
	MaxPages int
}

// Result is everything fetched by one call. RateLimit is the last usage
// Strava reported, nil if no response carried the headers.
type Result struct {
	Activities []strava.Activity
	Malformed  []strava.MalformedRecord
	RateLimit  *strava.RateLimit
	Pages      int
	// Exhausted is set when a short page showed there is nothing more to fetch.
	Exhausted bool
	// Deferred is set when the rate limiter stopped the fetch before a page was issued.
	Deferred bool
}

// Fetcher issues list requests against Strava, gated by a shared limiter.
type Fetcher struct {
	baseURL *url.URL
	limiter *ratelimit.Limiter
	timeout time.Duration
	log     logrus.FieldLogger
	// transport is the base transport under the oauth2 one, replaced in tests.
	transport http.RoundTripper
}

func New(baseURL *url.URL, limiter *ratelimit.Limiter, timeout time.Duration, log logrus.FieldLogger) *Fetcher {
	return &Fetcher{baseURL: baseURL, limiter: limiter, timeout: timeout, log: log}
}

// Client returns a Strava client authenticated with the given access token.
func (f *Fetcher) Client(accessToken string) *client.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	hc := &http.Client{Transport: &oauth2.Transport{Source: ts, Base: f.transport}}
	return client.NewClient(f.baseURL, hc)
}

// Fetch pages through the athlete's activities.
//
// With a Before bound the fetch walks backwards in time by moving Before to
// the oldest activity of each page, since Strava does not reliably combine
// page numbers with reverse time bounds. Without one it advances by page
// number. Any request failure aborts the whole call and nothing is returned.
func (f *Fetcher) Fetch(ctx context.Context, accessToken string, opts Options) (*Result, error) {
	if opts.PageSize <= 0 || opts.PageSize > MaxPageSize {
		opts.PageSize = MaxPageSize
	}

	c := f.Client(accessToken)
	res := &Result{}
	before := opts.Before
	page := 1

	for {
		if opts.MaxPages > 0 && res.Pages >= opts.MaxPages {
			break
		}

		d, err := f.limiter.CanProceed(ctx)
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			f.log.WithFields(logrus.Fields{
				"short_usage": d.ShortUsage,
				"long_usage":  d.LongUsage,
				"pages":       res.Pages,
			}).Info("rate limit reached, deferring fetch")
			res.Deferred = true
			break
		}

		lo := strava.ListOptions{After: opts.After, Before: before, Page: page, PerPage: opts.PageSize}
		p, err := f.listPage(ctx, c, lo)
		if p != nil && p.RateLimit != nil {
			res.RateLimit = p.RateLimit
			metrics.ObserveRateLimit(*p.RateLimit)
			if oerr := f.limiter.Observe(ctx, *p.RateLimit); oerr != nil {
				f.log.WithError(oerr).Warn("unable to record rate limit observation")
			}
		}
		if err != nil {
			return nil, err
		}

		res.Pages++
		res.Activities = append(res.Activities, p.Activities...)
		res.Malformed = append(res.Malformed, p.Malformed...)

		if p.Count < opts.PageSize {
			res.Exhausted = true
			break
		}

		if before != nil {
			oldest, ok := oldestStart(p.Activities)
			if !ok {
				// A full page with nothing decodable gives no cursor to move.
				return nil, fmt.Errorf("page %d had no usable activities to paginate from", res.Pages)
			}
			before = &oldest
		} else {
			page++
		}
	}

	metrics.ActivitiesFetched.Add(float64(len(res.Activities)))
	return res, nil
}

// ErrRateLimited is returned by Detail when the limiter refuses the request.
var ErrRateLimited = errors.New("strava rate limit reached")

// Detail fetches the full representation of one activity. It is subject to
// the same limiter and timeout as list requests.
func (f *Fetcher) Detail(ctx context.Context, c *client.Client, id int64) (*strava.Activity, error) {
	d, err := f.limiter.CanProceed(ctx)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, ErrRateLimited
	}

	reqCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	a, rl, err := strava.GetActivity(reqCtx, c, id)
	if rl != nil {
		metrics.ObserveRateLimit(*rl)
		if oerr := f.limiter.Observe(ctx, *rl); oerr != nil {
			f.log.WithError(oerr).Warn("unable to record rate limit observation")
		}
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &TimeoutError{Timeout: f.timeout, Err: err}
	}
	return a, err
}

func (f *Fetcher) listPage(ctx context.Context, c *client.Client, lo strava.ListOptions) (*strava.Page, error) {
	if f.timeout <= 0 {
		return strava.ListActivities(ctx, c, lo)
	}
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	p, err := strava.ListActivities(reqCtx, c, lo)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return p, &TimeoutError{Timeout: f.timeout, Err: err}
	}
	return p, err
}

func oldestStart(as []strava.Activity) (int64, bool) {
	var oldest int64
	found := false
	for _, a := range as {
		ts := a.StartDate.Unix()
		if !found || ts < oldest {
			oldest, found = ts, true
		}
	}
	return oldest, found
}
