// Package lcache provides the local caching tiers of the metadata
// resolution chain: a bounded LRU cache with per-entry absolute expiry and
// debounced durable persistence, and a small negative-result cache for
// handles confirmed nonexistent.
//
// # Expiry
//
// Expiry is absolute per entry and is refreshed to now+TTL on every write,
// never on read. A read of an expired entry behaves exactly as a miss and
// removes the stale row, so internal storage may briefly contain expired
// rows but they are never returned.
//
// # Eviction
//
// The bounded cache uses true LRU: reads count as a touch, and the
// least-recently-touched entry is evicted when an insertion would exceed
// capacity. The negative cache instead uses plain insertion-order
// eviction; see NegativeCache for why that is intentional.
//
// # Persistence
//
// When configured with a statestore, the cache loads its snapshot at
// creation, dropping rows whose persisted expiry has already passed, and
// saves on a fixed debounce interval so bursts of writes coalesce into a
// single storage round-trip. Clear and Close force an immediate save.
// Persistence failures degrade to a cold cache and are never surfaced to
// the lookup path.
package lcache
