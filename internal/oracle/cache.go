package oracle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultMinPeriod = 5 * time.Minute
	DefaultMaxPeriod = time.Hour
)

// CacheOptions configures a CachedSource.
type CacheOptions struct {
	// Cached prices younger than MinPeriod are served without a fetch.
	MinPeriod time.Duration
	// A failed refresh falls back to the cache while it is younger than MaxPeriod.
	MaxPeriod time.Duration
	// RateLimit caps upstream requests; zero means unlimited.
	RateLimit rate.Limit
	Burst     int
}

// CachedSource wraps a Source with a min/max-age cache and a request limiter.
//
//	age <  MinPeriod          serve cache
//	MinPeriod <= age <= Max   refresh, serve cache if the refresh fails
//	age >  MaxPeriod          refresh or fail
type CachedSource struct {
	src     Source
	opts    CacheOptions
	limiter *rate.Limiter
	now     func() time.Time

	mu        sync.Mutex
	price     float64
	fetchedAt time.Time
	ok        bool
}

func NewCachedSource(src Source, opts CacheOptions) *CachedSource {
	if opts.MinPeriod <= 0 {
		opts.MinPeriod = DefaultMinPeriod
	}
	if opts.MaxPeriod < opts.MinPeriod {
		opts.MaxPeriod = max(DefaultMaxPeriod, opts.MinPeriod)
	}
	c := &CachedSource{src: src, opts: opts, now: time.Now}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return c
}

func (c *CachedSource) Name() string { return c.src.Name() }

// Fetch holds the cache lock across the upstream call so concurrent callers
// share one refresh.
func (c *CachedSource) Fetch(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	age := c.now().Sub(c.fetchedAt)
	if c.ok && age < c.opts.MinPeriod {
		return c.price, nil
	}

	p, err := c.refresh(ctx)
	if err == nil {
		c.price, c.fetchedAt, c.ok = p, c.now(), true
		return p, nil
	}

	if c.ok && age <= c.opts.MaxPeriod {
		slog.Warn("Serving cached price after refresh failure",
			slog.String("source", c.src.Name()),
			slog.Duration("age", age),
			slog.Any("error", err),
		)
		return c.price, nil
	}
	return 0, err
}

func (c *CachedSource) refresh(ctx context.Context) (float64, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		return 0, errThrottled
	}
	return c.src.Fetch(ctx)
}
