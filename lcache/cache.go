package lcache

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ystolzenburg/accountmeta/model"
	"github.com/ystolzenburg/accountmeta/statestore"
)

var log = logging.Logger("lcache")

// Cache is a bounded in-memory account metadata cache with per-entry
// absolute expiry and least-recently-used eviction. Reads count as a
// touch; writes refresh expiry to now+TTL. An optional statestore makes
// the contents durable: saves are debounced so bursts of writes coalesce
// into one storage round-trip, and expired rows are dropped on load.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // least recently touched at front

	capacity int
	ttl      time.Duration
	clk      clock.Clock

	store           *statestore.Store
	persistInterval time.Duration
	dirty           bool

	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

type entry struct {
	value     *model.Metadata
	expiresAt time.Time
	elem      *list.Element
}

// New creates a new cache. If a store is configured, the persisted
// snapshot is loaded before the cache is returned.
func New(options ...Option) (*Cache, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		entries:         make(map[string]*entry),
		order:           list.New(),
		capacity:        opts.capacity,
		ttl:             opts.ttl,
		clk:             opts.clock,
		store:           opts.store,
		persistInterval: opts.persistInterval,
		done:            make(chan struct{}),
		loopDone:        make(chan struct{}),
	}

	if c.store != nil {
		snapshot, err := c.store.LoadSnapshot(context.Background())
		if err != nil {
			// Treat an unreadable snapshot as a cold cache.
			log.Errorw("Cannot load cache snapshot", "err", err)
		} else {
			// Expiry is write time plus TTL, so expiry order recovers
			// write order: rehydrate oldest first and the eviction order
			// survives the restart. A snapshot larger than the capacity
			// keeps its newest rows.
			ordered := make([]string, 0, len(snapshot))
			for handle := range snapshot {
				ordered = append(ordered, handle)
			}
			sort.Slice(ordered, func(i, j int) bool {
				return snapshot[ordered[i]].Expiry.Before(snapshot[ordered[j]].Expiry)
			})
			if len(ordered) > c.capacity {
				ordered = ordered[len(ordered)-c.capacity:]
			}
			c.mu.Lock()
			for _, handle := range ordered {
				se := snapshot[handle]
				e := &entry{value: se.Value, expiresAt: se.Expiry}
				e.elem = c.order.PushBack(handle)
				c.entries[handle] = e
			}
			c.mu.Unlock()
		}
		go c.persistLoop()
	} else {
		close(c.loopDone)
	}

	return c, nil
}

// Get returns the cached metadata for handle. An expired entry behaves as
// absent and is silently removed. A hit counts as a touch for LRU order.
func (c *Cache) Get(handle string) (*model.Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[handle]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.After(c.clk.Now()) {
		c.removeLocked(handle, e)
		return nil, false
	}
	c.order.MoveToBack(e.elem)
	return e.value, true
}

// Set stores metadata for handle, refreshing expiry to now+TTL whether or
// not the handle was already present. If the insertion would exceed
// capacity, the least-recently-touched entry is evicted first.
func (c *Cache) Set(handle string, value *model.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if e, ok := c.entries[handle]; ok {
		e.value = value
		e.expiresAt = now.Add(c.ttl)
		c.order.MoveToBack(e.elem)
		c.dirty = true
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	e := &entry{
		value:     value,
		expiresAt: now.Add(c.ttl),
	}
	e.elem = c.order.PushBack(handle)
	c.entries[handle] = e
	c.dirty = true
}

// Has reports whether an unexpired entry exists for handle, without
// touching its LRU position.
func (c *Cache) Has(handle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[handle]
	if !ok {
		return false
	}
	if !e.expiresAt.After(c.clk.Now()) {
		c.removeLocked(handle, e)
		return false
	}
	return true
}

// Delete removes the entry for handle, if present.
func (c *Cache) Delete(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[handle]; ok {
		c.removeLocked(handle, e)
	}
}

// Clear removes all entries and forces an immediate save of the now-empty
// snapshot, bypassing the debounce interval.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.order.Init()
	c.dirty = true
	c.mu.Unlock()

	c.persistNow()
}

// Len returns the number of entries physically present, including any not
// yet swept expired rows.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot returns a copy of all unexpired entries. Used for bulk sync to
// the community cache.
func (c *Cache) Snapshot() map[string]*model.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	m := make(map[string]*model.Metadata, len(c.entries))
	for handle, e := range c.entries {
		if e.expiresAt.After(now) {
			m[handle] = e.value
		}
	}
	return m
}

// Close stops the persistence loop, flushing any unsaved changes first.
// It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	<-c.loopDone
	c.persistNow()
}

func (c *Cache) removeLocked(handle string, e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, handle)
	c.dirty = true
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	handle := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, handle)
	c.dirty = true
}

// persistLoop saves the cache on a fixed interval while there are unsaved
// changes. This is the single writer for the persisted snapshot.
func (c *Cache) persistLoop() {
	defer close(c.loopDone)

	ticker := c.clk.Ticker(c.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.persistNow()
		case <-c.done:
			return
		}
	}
}

// persistNow saves the current contents if anything changed since the last
// save. Persistence failures are logged and treated as cache-miss-on-next-
// load; the primary flow is never blocked on them.
func (c *Cache) persistNow() {
	if c.store == nil {
		return
	}

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	snapshot := make(map[string]statestore.SnapshotEntry, len(c.entries))
	now := c.clk.Now()
	for handle, e := range c.entries {
		if e.expiresAt.After(now) {
			snapshot[handle] = statestore.SnapshotEntry{Value: e.value, Expiry: e.expiresAt}
		}
	}
	c.dirty = false
	c.mu.Unlock()

	if err := c.store.SaveSnapshot(context.Background(), snapshot); err != nil {
		log.Errorw("Cannot save cache snapshot", "err", err, "entries", len(snapshot))
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
	}
}
