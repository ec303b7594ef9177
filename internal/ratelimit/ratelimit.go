// Package ratelimit gates Strava requests on the usage Strava itself reports.
//
// Strava is the authority on how much of the budget has been spent, so the
// limiter never counts requests locally. It keeps the most recent usage seen
// in response headers and refuses new work once either window is within the
// safety margin of its ceiling, leaving headroom for other consumers of the
// same API application.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lildude/racesync/internal/cache"
	"github.com/lildude/racesync/internal/strava"
)

const (
	DefaultShortWindow  = 15 * time.Minute
	DefaultLongWindow   = 24 * time.Hour
	DefaultShortCeiling = 100
	DefaultLongCeiling  = 1000
	DefaultMargin       = 0.95
)

// Observation is the usage reported on a single response.
type Observation struct {
	strava.RateLimit
	ObservedAt time.Time `json:"observed_at"`
}

// Store persists the latest observation per API credential set.
type Store interface {
	Load(ctx context.Context, key string) (*Observation, error)
	Save(ctx context.Context, key string, obs Observation) error
}

// Decision is the answer to CanProceed along with the usage it was based on.
type Decision struct {
	Allowed    bool
	ShortUsage int
	LongUsage  int
}

type Config struct {
	ShortWindow  time.Duration
	LongWindow   time.Duration
	ShortCeiling int
	LongCeiling  int
	Margin       float64
}

func DefaultConfig() Config {
	return Config{
		ShortWindow:  DefaultShortWindow,
		LongWindow:   DefaultLongWindow,
		ShortCeiling: DefaultShortCeiling,
		LongCeiling:  DefaultLongCeiling,
		Margin:       DefaultMargin,
	}
}

// Limiter is shared by everything that calls Strava with the same client id.
type Limiter struct {
	key   string
	store Store
	cfg   Config
	now   func() time.Time
}

// New returns a limiter for the credential set identified by key.
func New(key string, store Store, cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.ShortWindow <= 0 {
		cfg.ShortWindow = def.ShortWindow
	}
	if cfg.LongWindow <= 0 {
		cfg.LongWindow = def.LongWindow
	}
	if cfg.ShortCeiling <= 0 {
		cfg.ShortCeiling = def.ShortCeiling
	}
	if cfg.LongCeiling <= 0 {
		cfg.LongCeiling = def.LongCeiling
	}
	if cfg.Margin <= 0 || cfg.Margin > 1 {
		cfg.Margin = def.Margin
	}
	return &Limiter{key: key, store: store, cfg: cfg, now: time.Now}
}

// CanProceed reports whether a new request may be issued.
func (l *Limiter) CanProceed(ctx context.Context) (Decision, error) {
	obs, err := l.store.Load(ctx, l.key)
	if err != nil {
		return Decision{}, fmt.Errorf("loading rate limit observation: %w", err)
	}
	if obs == nil {
		return Decision{Allowed: true}, nil
	}

	age := l.now().Sub(obs.ObservedAt)
	d := Decision{Allowed: true}
	if age < l.cfg.ShortWindow {
		d.ShortUsage = obs.ShortUsage
	}
	if age < l.cfg.LongWindow {
		d.LongUsage = obs.LongUsage
	}

	shortCeiling, longCeiling := l.cfg.ShortCeiling, l.cfg.LongCeiling
	if obs.ShortLimit > 0 {
		shortCeiling = obs.ShortLimit
	}
	if obs.LongLimit > 0 {
		longCeiling = obs.LongLimit
	}

	if float64(d.ShortUsage) >= l.cfg.Margin*float64(shortCeiling) ||
		float64(d.LongUsage) >= l.cfg.Margin*float64(longCeiling) {
		d.Allowed = false
	}
	return d, nil
}

// Observe records the usage reported on a response. It replaces any earlier
// observation since Strava's figure is always the most current.
func (l *Limiter) Observe(ctx context.Context, rl strava.RateLimit) error {
	return l.store.Save(ctx, l.key, Observation{RateLimit: rl, ObservedAt: l.now()})
}

// MemoryStore keeps observations in process.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Observation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Observation)}
}

func (m *MemoryStore) Load(_ context.Context, key string) (*Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obs, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return &obs, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, obs Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = obs
	return nil
}

// RedisStore shares observations between processes using the same API application.
type RedisStore struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewRedisStore returns a store whose keys expire after ttl, normally the long window.
func NewRedisStore(c cache.Cache, ttl time.Duration) *RedisStore {
	return &RedisStore{cache: c, ttl: ttl}
}

func (r *RedisStore) Load(ctx context.Context, key string) (*Observation, error) {
	var obs Observation
	err := r.cache.GetJSON(ctx, redisKey(key), &obs)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

func (r *RedisStore) Save(ctx context.Context, key string, obs Observation) error {
	return r.cache.SetJSON(ctx, redisKey(key), obs, r.ttl)
}

func redisKey(key string) string {
	return "ratelimit:strava:" + key
}
