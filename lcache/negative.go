package lcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	defaultNegativeCapacity = 200
	defaultNegativeTTL      = 10 * time.Minute
)

// NegativeCache remembers handles recently confirmed nonexistent, so the
// live API is not asked about them again until the entry expires. Presence
// means "looked up recently, confirmed absent"; absence means no opinion.
//
// Eviction is deliberately insertion-order FIFO with no promotion on read:
// a negative entry's useful lifetime is its TTL, not its popularity, so
// promoting hot absent handles would only pin them at the expense of
// fresher negatives.
type NegativeCache struct {
	mu       sync.Mutex
	entries  map[string]*negEntry
	order    *list.List // oldest insertion at front
	capacity int
	ttl      time.Duration
	clk      clock.Clock
}

type negEntry struct {
	expiresAt time.Time
	elem      *list.Element
}

// NewNegative creates a negative-result cache. Zero values select the
// defaults of 200 entries and a 10 minute TTL.
func NewNegative(capacity int, ttl time.Duration) *NegativeCache {
	return newNegative(capacity, ttl, clock.New())
}

func newNegative(capacity int, ttl time.Duration, clk clock.Clock) *NegativeCache {
	if capacity < 1 {
		capacity = defaultNegativeCapacity
	}
	if ttl <= 0 {
		ttl = defaultNegativeTTL
	}
	return &NegativeCache{
		entries:  make(map[string]*negEntry),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
		clk:      clk,
	}
}

// Add records handle as confirmed nonexistent for the TTL. Re-adding an
// existing handle refreshes its expiry without changing its eviction slot.
func (n *NegativeCache) Add(handle string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	expiresAt := n.clk.Now().Add(n.ttl)
	if e, ok := n.entries[handle]; ok {
		e.expiresAt = expiresAt
		return
	}

	if len(n.entries) >= n.capacity {
		front := n.order.Front()
		if front != nil {
			n.order.Remove(front)
			delete(n.entries, front.Value.(string))
		}
	}

	e := &negEntry{expiresAt: expiresAt}
	e.elem = n.order.PushBack(handle)
	n.entries[handle] = e
}

// Has reports whether handle is currently recorded as nonexistent. An
// expired entry behaves as absent and is silently removed.
func (n *NegativeCache) Has(handle string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	e, ok := n.entries[handle]
	if !ok {
		return false
	}
	if !e.expiresAt.After(n.clk.Now()) {
		n.order.Remove(e.elem)
		delete(n.entries, handle)
		return false
	}
	return true
}

// Delete removes the record for handle, if any.
func (n *NegativeCache) Delete(handle string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if e, ok := n.entries[handle]; ok {
		n.order.Remove(e.elem)
		delete(n.entries, handle)
	}
}

// Len returns the number of recorded handles, including any not yet swept
// expired rows.
func (n *NegativeCache) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}
