package lcache

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ystolzenburg/accountmeta/statestore"
)

const (
	defaultCapacity        = 500
	defaultTTL             = 24 * time.Hour
	defaultPersistInterval = 30 * time.Second
)

type config struct {
	capacity        int
	ttl             time.Duration
	store           *statestore.Store
	persistInterval time.Duration
	clock           clock.Clock
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		capacity:        defaultCapacity,
		ttl:             defaultTTL,
		persistInterval: defaultPersistInterval,
		clock:           clock.New(),
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithCapacity sets the maximum number of cached entries. When an
// insertion would exceed the capacity, the least-recently-touched entry is
// evicted first.
//
// Default is 500.
func WithCapacity(capacity int) Option {
	return func(cfg *config) error {
		if capacity < 1 {
			return fmt.Errorf("capacity must be positive: %d", capacity)
		}
		cfg.capacity = capacity
		return nil
	}
}

// WithTTL sets the cache entry time-to-live. Expiry is absolute and is
// refreshed to now+TTL on every write.
//
// Default is 24 hours.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *config) error {
		if ttl <= 0 {
			return fmt.Errorf("ttl must be positive: %s", ttl)
		}
		cfg.ttl = ttl
		return nil
	}
}

// WithStore enables durable persistence of the cache contents. The cache
// is loaded from the store at creation, with already-expired entries
// dropped, and saved back on a debounced interval.
func WithStore(store *statestore.Store) Option {
	return func(cfg *config) error {
		cfg.store = store
		return nil
	}
}

// WithPersistInterval sets the interval between debounced saves. Writes
// within one interval are coalesced into a single save.
//
// Default is 30 seconds.
func WithPersistInterval(interval time.Duration) Option {
	return func(cfg *config) error {
		if interval <= 0 {
			return fmt.Errorf("persist interval must be positive: %s", interval)
		}
		cfg.persistInterval = interval
		return nil
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.clock = c
		}
		return nil
	}
}
