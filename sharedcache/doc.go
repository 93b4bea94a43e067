// Package sharedcache implements the community metadata cache tier: a
// remote, multi-client key-value service sitting between the local cache
// and the live source-of-truth API, plus the client that talks to it.
//
// # Client
//
// The Client coalesces concurrent lookups arriving within a short
// debounce window into one batch request, and accumulates contributions
// for flushing once a size threshold or a debounce delay is reached.
// Failed contribution flushes keep their entries queued and retry later
// rather than dropping them.
//
// Outbound calls are suppressed while the client is inside a backoff
// window computed from its consecutive-failure streak, with a doubling
// delay capped at a ceiling, and are additionally bounded by a fixed
// per-minute call budget. Values received from the service are treated
// as untrusted input and sanitized before use.
//
// # Server
//
// The Server is the reference service implementation over a key-value
// datastore. It holds no per-caller identity; entries are addressed
// purely by handle and expire after a fixed time-to-live stamped at
// contribution time.
package sharedcache
