// Package resolver composes the caching and request-coordination tiers
// into the single externally visible operation: resolve metadata for an
// account handle.
//
// A lookup checks the negative-result cache, then the local bounded
// cache, then the community cache when enabled, and finally the live
// API. Concurrent lookups for the same handle share one underlying
// attempt. A successful live result is written through to the local
// cache and contributed to the community cache as a best-effort side
// channel; a live not-found is recorded negatively so the handle is not
// asked about again for a while. Community cache failures are soft and
// fall through to the live call.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"github.com/ystolzenburg/accountmeta/apierror"
	"github.com/ystolzenburg/accountmeta/inflight"
	"github.com/ystolzenburg/accountmeta/lcache"
	"github.com/ystolzenburg/accountmeta/model"
)

var log = logging.Logger("resolver")

// Source identifies which tier answered a lookup.
type Source string

const (
	SourceLocal Source = "local"
	SourceCloud Source = "cloud"
	SourceAPI   Source = "api"
)

// LiveSource is the authoritative, rate-limited metadata source.
type LiveSource interface {
	Resolve(ctx context.Context, handle string) (*model.Metadata, error)
}

// CommunityCache is the shared cache tier between the local cache and
// the live source.
type CommunityCache interface {
	Lookup(ctx context.Context, handle string) (*model.Metadata, error)
	Contribute(md *model.Metadata)
}

// BulkSyncer is implemented by community cache clients that accept a
// full local snapshot in one operation.
type BulkSyncer interface {
	BulkSync(ctx context.Context, records []*model.Metadata) (synced, skipped int, err error)
}

// Result is the outcome of one resolution. Code is empty on success.
// Cached reports whether the answer came from a cache tier rather than a
// live call.
type Result struct {
	Data   *model.Metadata
	Code   apierror.Code
	Cached bool
	Source Source
}

// Success reports whether the resolution produced metadata.
func (r Result) Success() bool {
	return r.Code == ""
}

type outcome struct {
	md  *model.Metadata
	src Source
}

// Resolver owns the caches and the pending-request table; no external
// component writes them directly.
type Resolver struct {
	local    *lcache.Cache
	negative *lcache.NegativeCache
	shared   CommunityCache
	live     LiveSource
	table    *inflight.Table[outcome]
	store    interface {
		SetSharedEnabled(ctx context.Context, enabled bool) error
		SharedEnabled(ctx context.Context) (bool, error)
	}
	sharedOn atomic.Bool
}

// New creates a resolver over the given live source.
func New(live LiveSource, options ...Option) (*Resolver, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return nil, errors.New("live source required")
	}

	local := opts.local
	if local == nil {
		local, err = lcache.New()
		if err != nil {
			return nil, err
		}
	}
	negative := opts.negative
	if negative == nil {
		negative = lcache.NewNegative(0, 0)
	}

	r := &Resolver{
		local:    local,
		negative: negative,
		shared:   opts.shared,
		live:     live,
		table:    inflight.New[outcome](opts.maxPending, opts.pendingTimeout),
	}

	// With a store, community cache use is a persisted opt-in. Without
	// one, configuring the tier enables it.
	enabled := opts.shared != nil
	if opts.store != nil {
		r.store = opts.store
		if opts.shared != nil {
			enabled, err = opts.store.SharedEnabled(context.Background())
			if err != nil {
				return nil, err
			}
		}
	}
	r.sharedOn.Store(enabled)

	return r, nil
}

// Resolve looks up metadata for handle. The returned Result always
// carries the taxonomy classification; the error holds the underlying
// cause when resolution failed.
func (r *Resolver) Resolve(ctx context.Context, handle string) (Result, error) {
	handle = model.NormalizeHandle(handle)
	if !model.ValidHandle(handle) {
		err := apierror.New(fmt.Errorf("invalid handle: %q", handle), apierror.NotFound, 0)
		return Result{Code: apierror.NotFound}, err
	}

	if r.negative.Has(handle) {
		err := apierror.New(fmt.Errorf("no such account: %s", handle), apierror.NotFound, 0)
		return Result{Code: apierror.NotFound, Cached: true}, err
	}

	if md, ok := r.local.Get(handle); ok {
		return Result{Data: md, Cached: true, Source: SourceLocal}, nil
	}

	out, err, joined := r.table.Do(ctx, handle, func() (outcome, error) {
		return r.fetch(ctx, handle)
	})
	if err != nil {
		code := apierror.CodeOf(err)
		if !joined && code == apierror.NotFound {
			r.negative.Add(handle)
		}
		return Result{Code: code}, err
	}

	if !joined {
		r.local.Set(handle, out.md)
		if out.src == SourceAPI && r.CommunityCacheEnabled() {
			// Best-effort side channel; the client retries internally.
			r.shared.Contribute(out.md)
		}
	}

	return Result{Data: out.md, Cached: out.src != SourceAPI, Source: out.src}, nil
}

// fetch is the single underlying attempt per handle per generation:
// community cache first when enabled, then the live source. A community
// cache failure degrades to a miss rather than failing the resolution.
func (r *Resolver) fetch(ctx context.Context, handle string) (outcome, error) {
	if r.CommunityCacheEnabled() {
		md, err := r.shared.Lookup(ctx, handle)
		if err != nil {
			log.Debugw("Community cache lookup failed, falling through", "err", err, "handle", handle)
		} else if md != nil {
			return outcome{md: md, src: SourceCloud}, nil
		}
	}

	md, err := r.live.Resolve(ctx, handle)
	if err != nil {
		return outcome{}, err
	}
	return outcome{md: md, src: SourceAPI}, nil
}

// CommunityCacheEnabled reports whether lookups consult the community
// cache tier.
func (r *Resolver) CommunityCacheEnabled() bool {
	return r.shared != nil && r.sharedOn.Load()
}

// SetCommunityCacheEnabled toggles community cache use, persisting the
// choice when a store is configured.
func (r *Resolver) SetCommunityCacheEnabled(ctx context.Context, enabled bool) error {
	r.sharedOn.Store(enabled)
	if r.store != nil {
		return r.store.SetSharedEnabled(ctx, enabled)
	}
	return nil
}

// SyncCommunityCache contributes the full local cache snapshot to the
// community cache, when the configured tier supports bulk operations.
func (r *Resolver) SyncCommunityCache(ctx context.Context) (synced, skipped int, err error) {
	if !r.CommunityCacheEnabled() {
		return 0, 0, errors.New("community cache not enabled")
	}
	bs, ok := r.shared.(BulkSyncer)
	if !ok {
		return 0, 0, errors.New("community cache does not support bulk sync")
	}

	snapshot := r.local.Snapshot()
	records := make([]*model.Metadata, 0, len(snapshot))
	for _, md := range snapshot {
		records = append(records, md)
	}
	return bs.BulkSync(ctx, records)
}

// Forget drops all cached state for handle, positive and negative, so
// the next resolution starts fresh.
func (r *Resolver) Forget(handle string) {
	handle = model.NormalizeHandle(handle)
	r.local.Delete(handle)
	r.negative.Delete(handle)
	r.table.Forget(handle)
}

// Close flushes and stops the local cache.
func (r *Resolver) Close() {
	r.local.Close()
}
