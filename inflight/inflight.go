// Package inflight deduplicates concurrent requests for the same key.
//
// At most one producing call runs per key per generation, where a
// generation spans the registration's creation to its settlement.
// Concurrent callers for a registered key wait for and share the single
// outcome instead of issuing duplicate calls. A registration is removed
// the instant its outcome settles, on success and on error alike, and a
// safety-net timer force-clears registrations that never settle so
// abandoned calls cannot grow the table without bound.
package inflight

import (
	"container/list"
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("inflight")

// Table tracks one pending outcome per key.
type Table[V any] struct {
	mu      sync.Mutex
	pending map[string]*call[V]
	order   *list.List // oldest registration at front

	maxPending int
	timeout    time.Duration
}

type call[V any] struct {
	key   string
	done  chan struct{}
	value V
	err   error
	timer *time.Timer
	elem  *list.Element
}

// New creates a table. Zero values select the defaults of 100 tracked keys
// and a 30 second safety-net timeout.
func New[V any](maxPending int, timeout time.Duration) *Table[V] {
	if maxPending < 1 {
		maxPending = 100
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Table[V]{
		pending:    make(map[string]*call[V]),
		order:      list.New(),
		maxPending: maxPending,
		timeout:    timeout,
	}
}

// Do returns the outcome of produce for key, invoking produce at most once
// per generation. The shared return reports whether the outcome came from
// a call started by another caller. A caller whose context expires while
// waiting detaches with ctx.Err(); the underlying call keeps running and
// settles normally for the remaining waiters.
func (t *Table[V]) Do(ctx context.Context, key string, produce func() (V, error)) (value V, err error, shared bool) {
	t.mu.Lock()
	if c, ok := t.pending[key]; ok {
		t.mu.Unlock()
		select {
		case <-c.done:
			return c.value, c.err, true
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err(), true
		}
	}

	c := &call[V]{
		key:  key,
		done: make(chan struct{}),
	}

	// Bound the table: assume the oldest registration was abandoned and
	// stop sharing it. Its producing call still settles for any waiters
	// already attached; a later caller for that key starts fresh.
	if t.order.Len() >= t.maxPending {
		front := t.order.Front()
		evicted := front.Value.(*call[V])
		t.unregisterLocked(evicted)
		log.Warnw("Evicted oldest pending request", "key", evicted.key)
	}

	c.elem = t.order.PushBack(c)
	t.pending[key] = c
	c.timer = time.AfterFunc(t.timeout, func() {
		// Last-resort cleanup for calls that never settle. Clears only the
		// bookkeeping; the call itself is not canceled.
		t.mu.Lock()
		if t.pending[key] == c {
			t.unregisterLocked(c)
			log.Warnw("Pending request timed out, cleared registration", "key", key)
		}
		t.mu.Unlock()
	})
	t.mu.Unlock()

	c.value, c.err = produce()

	t.mu.Lock()
	c.timer.Stop()
	if t.pending[key] == c {
		t.unregisterLocked(c)
	}
	t.mu.Unlock()
	close(c.done)

	return c.value, c.err, false
}

// Len returns the number of currently tracked pending keys.
func (t *Table[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Forget removes the registration for key, if any, so the next caller
// starts a fresh call. Waiters already attached still receive the original
// outcome.
func (t *Table[V]) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.pending[key]; ok {
		t.unregisterLocked(c)
	}
}

func (t *Table[V]) unregisterLocked(c *call[V]) {
	if c.elem != nil {
		t.order.Remove(c.elem)
		c.elem = nil
	}
	delete(t.pending, c.key)
}
