package apiclient

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// gate serializes outbound dispatches: a minimum wall-clock gap between
// consecutive dispatches, a ceiling on simultaneously active dispatches,
// and a hold-off window while a remote-signaled reset time is in the
// future. The hold-off applies to every key, not just the throttled one.
type gate struct {
	sem         chan struct{}
	minInterval time.Duration

	mu      sync.Mutex
	nextAt  time.Time // earliest next dispatch from the min-interval pacing
	resetAt time.Time // remote-signaled hold-off, zero when inactive
}

func newGate(minInterval time.Duration, maxConcurrent int) *gate {
	return &gate{
		sem:         make(chan struct{}, maxConcurrent),
		minInterval: minInterval,
	}
}

// wait blocks until a dispatch slot is available and the pacing and
// hold-off windows allow a dispatch, or until ctx expires. On success the
// caller holds a slot and must release it.
func (g *gate) wait(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		g.mu.Lock()
		now := time.Now()
		at := g.nextAt
		if g.resetAt.After(at) {
			at = g.resetAt
		}
		if !at.After(now) {
			g.nextAt = now.Add(g.minInterval)
			g.mu.Unlock()
			return nil
		}
		wait := at.Sub(now)
		g.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			g.release()
			return ctx.Err()
		}
	}
}

func (g *gate) release() {
	<-g.sem
}

// holdUntil suppresses all dispatches until t. Later deadlines extend an
// active hold-off; earlier ones are ignored.
func (g *gate) holdUntil(t time.Time) {
	g.mu.Lock()
	if t.After(g.resetAt) {
		g.resetAt = t
	}
	g.mu.Unlock()
}

func (g *gate) holdUntilTime() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resetAt
}

// gatedTransport funnels every attempt, including retries, through the
// gate, and captures remote throttling signals as they pass by.
type gatedTransport struct {
	base http.RoundTripper
	g    *gate
}

func (t *gatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.g.wait(req.Context()); err != nil {
		return nil, err
	}
	defer t.g.release()

	resp, err := t.base.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		t.g.holdUntil(resumeTime(resp.Header))
	}
	return resp, err
}

const defaultThrottleHold = time.Minute

// resumeTime extracts the remote reset time from a throttled response,
// falling back to a fixed hold when the header is missing or malformed.
func resumeTime(header http.Header) time.Time {
	if v := header.Get("x-rate-limit-reset"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			at := time.Unix(secs, 0)
			if at.After(time.Now()) {
				return at
			}
		}
	}
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return time.Now().Add(defaultThrottleHold)
}
