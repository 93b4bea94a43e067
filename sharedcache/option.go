package sharedcache

import (
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ystolzenburg/accountmeta"
	"github.com/ystolzenburg/accountmeta/statestore"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultLookupDebounce  = 150 * time.Millisecond
	defaultMaxBatch        = 25
	defaultFlushThreshold  = 10
	defaultContribDebounce = 2 * time.Second
	defaultBackoffMin      = time.Second
	defaultBackoffMax      = 30 * time.Second
	defaultCallBudget      = 30
	defaultStatsMaxAge     = 5 * time.Minute
)

type config struct {
	client          *http.Client
	userAgent       string
	clk             clock.Clock
	store           *statestore.Store
	lookupDebounce  time.Duration
	maxBatch        int
	flushThreshold  int
	contribDebounce time.Duration
	backoffMin      time.Duration
	backoffMax      time.Duration
	callBudget      int
	statsMaxAge     time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		client:          &http.Client{Timeout: defaultTimeout},
		userAgent:       "accountmeta/" + accountmeta.Release,
		clk:             clock.New(),
		lookupDebounce:  defaultLookupDebounce,
		maxBatch:        defaultMaxBatch,
		flushThreshold:  defaultFlushThreshold,
		contribDebounce: defaultContribDebounce,
		backoffMin:      defaultBackoffMin,
		backoffMax:      defaultBackoffMax,
		callBudget:      defaultCallBudget,
		statsMaxAge:     defaultStatsMaxAge,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClient sets the http client used for all community cache requests.
func WithClient(c *http.Client) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.client = c
		}
		return nil
	}
}

// WithUserAgent sets the value used for the User-Agent header.
func WithUserAgent(userAgent string) Option {
	return func(cfg *config) error {
		cfg.userAgent = userAgent
		return nil
	}
}

// WithClock sets the time source used for debouncing and backoff.
func WithClock(clk clock.Clock) Option {
	return func(cfg *config) error {
		if clk != nil {
			cfg.clk = clk
		}
		return nil
	}
}

// WithStore sets the store used to persist usage counters and the last
// aggregate-stats snapshot across runs.
func WithStore(store *statestore.Store) Option {
	return func(cfg *config) error {
		cfg.store = store
		return nil
	}
}

// WithLookupDebounce sets how long individual lookups wait for others to
// join the same outbound batch.
//
// Default is 150 milliseconds.
func WithLookupDebounce(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return fmt.Errorf("lookup debounce cannot be negative: %s", d)
		}
		cfg.lookupDebounce = d
		return nil
	}
}

// WithMaxBatch sets the maximum number of handles sent in one request.
// Oversized batches are split into multiple requests.
//
// Default is 25.
func WithMaxBatch(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return fmt.Errorf("max batch must be positive: %d", n)
		}
		cfg.maxBatch = n
		return nil
	}
}

// WithFlushThreshold sets the pending contribution count that triggers an
// immediate flush without waiting out the debounce delay.
//
// Default is 10.
func WithFlushThreshold(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return fmt.Errorf("flush threshold must be positive: %d", n)
		}
		cfg.flushThreshold = n
		return nil
	}
}

// WithContributionDebounce sets how long after the last queued contribution
// a flush is dispatched.
//
// Default is 2 seconds.
func WithContributionDebounce(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("contribution debounce must be positive: %s", d)
		}
		cfg.contribDebounce = d
		return nil
	}
}

// WithBackoff sets the bounds of the doubling backoff delay applied after
// consecutive failures.
//
// Defaults are 1 and 30 seconds.
func WithBackoff(min, max time.Duration) Option {
	return func(cfg *config) error {
		if min <= 0 || max < min {
			return fmt.Errorf("invalid backoff bounds: %s, %s", min, max)
		}
		cfg.backoffMin = min
		cfg.backoffMax = max
		return nil
	}
}

// WithCallBudget sets the per-minute ceiling on outbound calls, enforced
// client-side before any attempt.
//
// Default is 30 calls per minute.
func WithCallBudget(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return fmt.Errorf("call budget must be positive: %d", n)
		}
		cfg.callBudget = n
		return nil
	}
}

// WithStatsMaxAge sets how long a fetched aggregate-stats snapshot is
// served without triggering a background refresh.
//
// Default is 5 minutes.
func WithStatsMaxAge(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("stats max age must be positive: %s", d)
		}
		cfg.statsMaxAge = d
		return nil
	}
}
