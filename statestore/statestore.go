// Package statestore persists the small amount of durable local state the
// resolution core keeps between runs: the bounded cache snapshot, community
// cache usage statistics, the last aggregate-stats snapshot, and the
// shared-cache-enabled flag. All values are stored as JSON documents in a
// key-value datastore.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ystolzenburg/accountmeta/model"
)

var (
	snapshotKey = ds.NewKey("/accountmeta/cache-snapshot")
	usageKey    = ds.NewKey("/accountmeta/usage")
	statsKey    = ds.NewKey("/accountmeta/stats-snapshot")
	enabledKey  = ds.NewKey("/accountmeta/shared-enabled")
)

// SnapshotEntry is one persisted cache row. Entries whose Expiry has
// passed are dropped on load rather than rehydrated.
type SnapshotEntry struct {
	Value  *model.Metadata `json:"value"`
	Expiry time.Time       `json:"expiry"`
}

// Usage counts community cache activity on behalf of this client.
type Usage struct {
	Lookups       int64 `json:"lookups"`
	Hits          int64 `json:"hits"`
	Contributions int64 `json:"contributions"`
}

// StatsSnapshot is the last successfully fetched aggregate-stats document
// together with the time it was fetched.
type StatsSnapshot struct {
	Stats     model.Stats `json:"stats"`
	FetchedAt time.Time   `json:"fetchedAt"`
}

// Store provides typed access to persisted local state.
type Store struct {
	ds ds.Datastore
}

func New(d ds.Datastore) *Store {
	return &Store{ds: d}
}

func (s *Store) SaveSnapshot(ctx context.Context, entries map[string]SnapshotEntry) error {
	return s.put(ctx, snapshotKey, entries)
}

// LoadSnapshot returns the persisted cache snapshot with already-expired
// entries removed. A missing snapshot yields an empty map.
func (s *Store) LoadSnapshot(ctx context.Context) (map[string]SnapshotEntry, error) {
	entries := make(map[string]SnapshotEntry)
	if err := s.get(ctx, snapshotKey, &entries); err != nil {
		return nil, err
	}
	now := time.Now()
	for handle, entry := range entries {
		if !entry.Expiry.After(now) || entry.Value == nil {
			delete(entries, handle)
		}
	}
	return entries, nil
}

func (s *Store) SaveUsage(ctx context.Context, u Usage) error {
	return s.put(ctx, usageKey, &u)
}

func (s *Store) LoadUsage(ctx context.Context) (Usage, error) {
	var u Usage
	err := s.get(ctx, usageKey, &u)
	return u, err
}

func (s *Store) SaveStats(ctx context.Context, snap StatsSnapshot) error {
	return s.put(ctx, statsKey, &snap)
}

// LoadStats returns the persisted aggregate-stats snapshot, or nil if none
// has been saved.
func (s *Store) LoadStats(ctx context.Context) (*StatsSnapshot, error) {
	var snap StatsSnapshot
	if err := s.get(ctx, statsKey, &snap); err != nil {
		return nil, err
	}
	if snap.FetchedAt.IsZero() {
		return nil, nil
	}
	return &snap, nil
}

func (s *Store) SetSharedEnabled(ctx context.Context, enabled bool) error {
	return s.put(ctx, enabledKey, enabled)
}

// SharedEnabled reports the persisted shared-cache-enabled flag. The flag
// defaults to false when never set.
func (s *Store) SharedEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	if err := s.get(ctx, enabledKey, &enabled); err != nil {
		return false, err
	}
	return enabled, nil
}

func (s *Store) put(ctx context.Context, key ds.Key, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err = s.ds.Put(ctx, key, data); err != nil {
		return err
	}
	return s.ds.Sync(ctx, key)
}

// get decodes the value at key into v. A missing key leaves v untouched
// and returns nil.
func (s *Store) get(ctx context.Context, key ds.Key, v any) error {
	data, err := s.ds.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}
