// Package accountmeta provides the request-coordination and caching core
// for resolving per-account metadata (approximate location, client device,
// authenticity signals) from rate-limited sources.
//
// The externally visible operation lives in the resolver package. The
// supporting tiers are lcache (bounded TTL cache and negative-result
// cache), inflight (request deduplication), apiclient (throttled retrying
// live API client) and sharedcache (community cache client and reference
// server).
package accountmeta

// Release is the current accountmeta release version.
const Release = "0.2.1"
