package apiclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ystolzenburg/accountmeta"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultMinInterval   = 1500 * time.Millisecond
	defaultMaxConcurrent = 2
	defaultRetryMax      = 3
	defaultRetryWaitMin  = time.Second
	defaultRetryWaitMax  = 10 * time.Second
)

type config struct {
	transport     http.RoundTripper
	timeout       time.Duration
	minInterval   time.Duration
	maxConcurrent int
	retryMax      int
	retryWaitMin  time.Duration
	retryWaitMax  time.Duration
	userAgent     string
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		transport:     http.DefaultTransport,
		timeout:       defaultTimeout,
		minInterval:   defaultMinInterval,
		maxConcurrent: defaultMaxConcurrent,
		retryMax:      defaultRetryMax,
		retryWaitMin:  defaultRetryWaitMin,
		retryWaitMax:  defaultRetryWaitMax,
		userAgent:     "accountmeta/" + accountmeta.Release,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithTransport sets the underlying network round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(cfg *config) error {
		if rt != nil {
			cfg.transport = rt
		}
		return nil
	}
}

// WithTimeout sets the per-attempt request deadline.
//
// Default is 15 seconds.
func WithTimeout(timeout time.Duration) Option {
	return func(cfg *config) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive: %s", timeout)
		}
		cfg.timeout = timeout
		return nil
	}
}

// WithMinInterval sets the minimum wall-clock gap between consecutive
// dispatches to the live API.
//
// Default is 1.5 seconds.
func WithMinInterval(interval time.Duration) Option {
	return func(cfg *config) error {
		if interval < 0 {
			return fmt.Errorf("min interval cannot be negative: %s", interval)
		}
		cfg.minInterval = interval
		return nil
	}
}

// WithMaxConcurrent sets the ceiling on simultaneously active dispatches.
//
// Default is 2.
func WithMaxConcurrent(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return fmt.Errorf("max concurrent must be positive: %d", n)
		}
		cfg.maxConcurrent = n
		return nil
	}
}

// WithRetry configures the transient-failure retry budget and the bounds
// of its exponentially growing delay. Setting retryMax to 0 disables
// retries.
//
// Defaults are 3 retries between 1 and 10 seconds.
func WithRetry(retryMax int, waitMin, waitMax time.Duration) Option {
	return func(cfg *config) error {
		if retryMax < 0 {
			return fmt.Errorf("retry max cannot be negative: %d", retryMax)
		}
		cfg.retryMax = retryMax
		cfg.retryWaitMin = waitMin
		cfg.retryWaitMax = waitMax
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
