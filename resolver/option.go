package resolver

import (
	"fmt"
	"time"

	"github.com/ystolzenburg/accountmeta/lcache"
	"github.com/ystolzenburg/accountmeta/statestore"
)

type config struct {
	local          *lcache.Cache
	negative       *lcache.NegativeCache
	shared         CommunityCache
	store          *statestore.Store
	maxPending     int
	pendingTimeout time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	var cfg config
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithLocalCache sets the bounded metadata cache. Ownership transfers to
// the resolver, which closes it on Close. A default cache is constructed
// when not set.
func WithLocalCache(c *lcache.Cache) Option {
	return func(cfg *config) error {
		cfg.local = c
		return nil
	}
}

// WithNegativeCache sets the confirmed-absent cache. A default one is
// constructed when not set.
func WithNegativeCache(c *lcache.NegativeCache) Option {
	return func(cfg *config) error {
		cfg.negative = c
		return nil
	}
}

// WithCommunityCache sets the community cache tier. Without one, lookups
// go straight from the local cache to the live source.
func WithCommunityCache(cc CommunityCache) Option {
	return func(cfg *config) error {
		cfg.shared = cc
		return nil
	}
}

// WithStore sets the store holding the persisted community-cache-enabled
// flag. With a store configured, community cache use is off until
// explicitly enabled.
func WithStore(store *statestore.Store) Option {
	return func(cfg *config) error {
		cfg.store = store
		return nil
	}
}

// WithPendingLimit bounds the in-flight request table. Zero values select
// the table defaults.
func WithPendingLimit(maxPending int, timeout time.Duration) Option {
	return func(cfg *config) error {
		if maxPending < 0 {
			return fmt.Errorf("max pending cannot be negative: %d", maxPending)
		}
		cfg.maxPending = maxPending
		cfg.pendingTimeout = timeout
		return nil
	}
}
