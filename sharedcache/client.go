package sharedcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/channelqueue"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"github.com/ystolzenburg/accountmeta/apierror"
	"github.com/ystolzenburg/accountmeta/model"
	"github.com/ystolzenburg/accountmeta/statestore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var log = logging.Logger("sharedcache")

var (
	// ErrBackoff means the call was skipped because the client is inside
	// a backoff window from prior consecutive failures.
	ErrBackoff = errors.New("community cache in backoff window")
	// ErrBudget means the call was skipped because the per-minute call
	// budget is exhausted.
	ErrBudget = errors.New("community cache call budget exhausted")
	// ErrClosed means the client was closed while the call was pending.
	ErrClosed = errors.New("community cache client closed")
)

const (
	lookupPath     = "lookup"
	contributePath = "contribute"
	statsPath      = "stats"
	cleanupPath    = "cleanup"
	healthPath     = "health"
)

// Client is an http client for the community metadata cache service. It
// coalesces concurrent lookups into batch requests, accumulates
// contributions for debounced flushing, and suppresses outbound calls
// while inside a failure-driven backoff window or past the per-minute
// call budget.
type Client struct {
	c         *http.Client
	userAgent string
	clk       clock.Clock
	store     *statestore.Store

	lookupURL     *url.URL
	contributeURL *url.URL
	statsURL      *url.URL
	cleanupURL    *url.URL
	healthURL     *url.URL

	maxBatch        int
	flushThreshold  int
	lookupDebounce  time.Duration
	contribDebounce time.Duration
	limiter         *rate.Limiter
	bo              *backoff.Backoff

	// failure-driven backoff state
	boMu         sync.Mutex
	failures     int
	backoffUntil time.Time

	// lookup batch window
	lmu   sync.Mutex
	batch *lookupBatch

	// contribution pipeline
	cmu       sync.Mutex
	closed    bool
	contribQ  *channelqueue.ChannelQueue[*model.Metadata]
	loopDone  chan struct{}
	closeOnce sync.Once

	// aggregate-stats snapshot
	statsMu         sync.Mutex
	stats           *model.Stats
	statsAt         time.Time
	statsRefreshing bool
	statsMaxAge     time.Duration

	lookups       atomic.Int64
	hits          atomic.Int64
	contributions atomic.Int64
}

type lookupResult struct {
	md  *model.Metadata
	err error
}

type lookupBatch struct {
	waiters map[string][]chan lookupResult
	timer   *clock.Timer
	flushed bool
}

// New creates a new community cache client for the given base URL.
func New(baseURL string, options ...Option) (*Client, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", baseURL)
	}

	c := &Client{
		c:         opts.client,
		userAgent: opts.userAgent,
		clk:       opts.clk,
		store:     opts.store,

		lookupURL:     u.JoinPath(lookupPath),
		contributeURL: u.JoinPath(contributePath),
		statsURL:      u.JoinPath(statsPath),
		cleanupURL:    u.JoinPath(cleanupPath),
		healthURL:     u.JoinPath(healthPath),

		maxBatch:        opts.maxBatch,
		flushThreshold:  opts.flushThreshold,
		lookupDebounce:  opts.lookupDebounce,
		contribDebounce: opts.contribDebounce,
		limiter:         rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.callBudget)), opts.callBudget),
		bo: &backoff.Backoff{
			Min:    opts.backoffMin,
			Max:    opts.backoffMax,
			Factor: 2,
		},

		contribQ:    channelqueue.New[*model.Metadata](-1),
		loopDone:    make(chan struct{}),
		statsMaxAge: opts.statsMaxAge,
	}

	if c.store != nil {
		usage, err := c.store.LoadUsage(context.Background())
		if err != nil {
			log.Errorw("Cannot load persisted usage counters", "err", err)
		} else {
			c.lookups.Store(usage.Lookups)
			c.hits.Store(usage.Hits)
			c.contributions.Store(usage.Contributions)
		}
	}

	go c.run()
	return c, nil
}

// Lookup fetches metadata for one handle. Calls arriving within the
// debounce window are coalesced into a single outbound batch request, and
// every waiter receives its slice of the same batch outcome. A miss
// returns nil metadata and nil error.
func (c *Client) Lookup(ctx context.Context, handle string) (*model.Metadata, error) {
	handle = model.NormalizeHandle(handle)
	if !model.ValidHandle(handle) {
		return nil, nil
	}
	// Fail fast so waiters do not sit out the debounce window only to be
	// skipped at dispatch.
	c.boMu.Lock()
	until := c.backoffUntil
	c.boMu.Unlock()
	if c.clk.Now().Before(until) {
		return nil, ErrBackoff
	}

	ch := make(chan lookupResult, 1)

	c.lmu.Lock()
	if c.batch == nil {
		b := &lookupBatch{waiters: make(map[string][]chan lookupResult)}
		b.timer = c.clk.AfterFunc(c.lookupDebounce, func() {
			c.flushLookup(b)
		})
		c.batch = b
	}
	b := c.batch
	b.waiters[handle] = append(b.waiters[handle], ch)
	if len(b.waiters) >= c.maxBatch {
		b.timer.Stop()
		c.batch = nil
		go c.flushLookup(b)
	}
	c.lmu.Unlock()

	select {
	case res := <-ch:
		return res.md, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flushLookup dispatches one batch window as a single outbound request
// and settles every waiter with the shared outcome. A window that filled
// to the batch cap flushes while its debounce timer may already have
// fired, so the flushed flag arbitrates: whichever path takes the window
// first runs it, the loser returns without touching the waiters.
func (c *Client) flushLookup(b *lookupBatch) {
	c.lmu.Lock()
	if b.flushed {
		c.lmu.Unlock()
		return
	}
	b.flushed = true
	if c.batch == b {
		c.batch = nil
	}
	c.lmu.Unlock()

	handles := make([]string, 0, len(b.waiters))
	for handle := range b.waiters {
		handles = append(handles, handle)
	}

	results, err := c.lookupChunk(context.Background(), handles)
	for handle, waiters := range b.waiters {
		res := lookupResult{err: err}
		if err == nil {
			res.md = results[handle]
		}
		for _, ch := range waiters {
			ch <- res
		}
	}
}

// LookupAll fetches metadata for many handles at once, splitting the
// request at the batch size cap. Handles absent from the result map were
// misses. Chunks that fail leave their handles out of the result and
// contribute to the returned error.
func (c *Client) LookupAll(ctx context.Context, handles []string) (map[string]*model.Metadata, error) {
	valid := make([]string, 0, len(handles))
	for _, handle := range handles {
		handle = model.NormalizeHandle(handle)
		if model.ValidHandle(handle) {
			valid = append(valid, handle)
		}
	}

	found := make(map[string]*model.Metadata)
	var merr *multierror.Error
	for start := 0; start < len(valid); start += c.maxBatch {
		end := start + c.maxBatch
		if end > len(valid) {
			end = len(valid)
		}
		results, err := c.lookupChunk(ctx, valid[start:end])
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		for handle, md := range results {
			found[handle] = md
		}
	}
	return found, merr.ErrorOrNil()
}

// lookupChunk is a single outbound lookup request. Returned values are
// untrusted and pass through sanitization; entries with nothing useful
// left are dropped from the result.
func (c *Client) lookupChunk(ctx context.Context, handles []string) (map[string]*model.Metadata, error) {
	if len(handles) == 0 {
		return nil, nil
	}
	if err := c.checkDispatch(); err != nil {
		return nil, err
	}

	u := *c.lookupURL
	q := url.Values{}
	q.Set("users", strings.Join(handles, ","))
	u.RawQuery = q.Encode()

	c.lookups.Add(int64(len(handles)))

	body, err := c.do(ctx, http.MethodGet, &u, nil)
	if err != nil {
		return nil, err
	}
	res, err := model.UnmarshalLookupResponse(body)
	if err != nil {
		c.recordFailure()
		return nil, apierror.New(err, apierror.ParseError, 0)
	}

	found := make(map[string]*model.Metadata, len(res.Results))
	for handle, entry := range res.Results {
		handle = model.NormalizeHandle(handle)
		if !model.ValidHandle(handle) {
			continue
		}
		if md := entry.Metadata(handle); md != nil {
			found[handle] = md
		}
	}
	c.hits.Add(int64(len(found)))
	return found, nil
}

// Contribute queues one metadata record for a later batched flush. The
// call never blocks and never fails; queued entries survive transient
// flush failures by re-queueing.
func (c *Client) Contribute(md *model.Metadata) {
	if md == nil {
		return
	}
	c.cmu.Lock()
	defer c.cmu.Unlock()
	if c.closed {
		return
	}
	c.contribQ.In() <- md
}

// run is the contribution intake loop. Queued entries merge into a
// pending map keyed by handle and flush when the map reaches the size
// threshold or the debounce delay elapses, whichever comes first. A
// failed flush keeps its entries pending and reschedules.
func (c *Client) run() {
	defer close(c.loopDone)

	pending := make(map[string]model.WireEntry)
	var timer *clock.Timer
	var flushC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			flushC = nil
		}
	}
	schedule := func(d time.Duration) {
		stopTimer()
		timer = c.clk.Timer(d)
		flushC = timer.C
	}
	flush := func() {
		stopTimer()
		if err := c.flushContributions(pending); err != nil {
			log.Debugw("Contribution flush failed, rescheduling", "err", err, "pending", len(pending))
			schedule(c.retryDelay())
		}
	}

	for {
		select {
		case md, ok := <-c.contribQ.Out():
			if !ok {
				if len(pending) != 0 {
					if err := c.flushContributions(pending); err != nil {
						log.Warnw("Dropping unflushed contributions at close", "err", err, "count", len(pending))
					}
				}
				return
			}
			entry, valid := model.EntryFromMetadata(md)
			if !valid {
				continue
			}
			pending[model.NormalizeHandle(md.Handle)] = entry
			if len(pending) >= c.flushThreshold {
				flush()
			} else if timer == nil {
				schedule(c.contribDebounce)
			}
		case <-flushC:
			timer = nil
			flushC = nil
			flush()
		}
	}
}

// retryDelay is how long a failed flush waits before the next attempt:
// until the backoff window closes, but never less than the debounce
// delay.
func (c *Client) retryDelay() time.Duration {
	c.boMu.Lock()
	until := c.backoffUntil
	c.boMu.Unlock()
	d := until.Sub(c.clk.Now())
	if d < c.contribDebounce {
		d = c.contribDebounce
	}
	return d
}

// flushContributions posts pending entries in chunks, removing each
// chunk from pending only after the service confirms it. On failure the
// unconfirmed entries stay pending.
func (c *Client) flushContributions(pending map[string]model.WireEntry) error {
	for len(pending) != 0 {
		if err := c.checkDispatch(); err != nil {
			return err
		}
		chunk := make(map[string]model.WireEntry, c.maxBatch)
		for handle, entry := range pending {
			chunk[handle] = entry
			if len(chunk) == c.maxBatch {
				break
			}
		}
		res, err := c.postContribute(context.Background(), chunk)
		if err != nil {
			return err
		}
		for handle := range chunk {
			delete(pending, handle)
		}
		c.contributions.Add(int64(res.Accepted))
		if res.Rejected != 0 {
			log.Debugw("Community cache rejected entries", "rejected", res.Rejected)
		}
	}
	return nil
}

func (c *Client) postContribute(ctx context.Context, entries map[string]model.WireEntry) (*model.ContributeResponse, error) {
	body, err := c.do(ctx, http.MethodPost, c.contributeURL, &model.ContributeRequest{Entries: entries})
	if err != nil {
		return nil, err
	}
	var res model.ContributeResponse
	if err = json.Unmarshal(body, &res); err != nil {
		c.recordFailure()
		return nil, apierror.New(err, apierror.ParseError, 0)
	}
	return &res, nil
}

// BulkSync contributes a full local cache snapshot, chunked and posted
// with bounded concurrency. Invalid or empty records are skipped. The
// returned error aggregates all failed chunks.
func (c *Client) BulkSync(ctx context.Context, records []*model.Metadata) (synced, skipped int, err error) {
	entries := make(map[string]model.WireEntry, len(records))
	for _, md := range records {
		entry, valid := model.EntryFromMetadata(md)
		if !valid {
			skipped++
			continue
		}
		entries[model.NormalizeHandle(md.Handle)] = entry
	}

	chunks := make([]map[string]model.WireEntry, 0, 1+len(entries)/c.maxBatch)
	chunk := make(map[string]model.WireEntry, c.maxBatch)
	for handle, entry := range entries {
		chunk[handle] = entry
		if len(chunk) == c.maxBatch {
			chunks = append(chunks, chunk)
			chunk = make(map[string]model.WireEntry, c.maxBatch)
		}
	}
	if len(chunk) != 0 {
		chunks = append(chunks, chunk)
	}

	var mu sync.Mutex
	var merr *multierror.Error
	var eg errgroup.Group
	eg.SetLimit(2)
	for i := range chunks {
		chunk := chunks[i]
		eg.Go(func() error {
			if err := c.checkDispatch(); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				skipped += len(chunk)
				mu.Unlock()
				return nil
			}
			res, err := c.postContribute(ctx, chunk)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				merr = multierror.Append(merr, err)
				skipped += len(chunk)
				return nil
			}
			synced += res.Accepted
			skipped += res.Rejected
			return nil
		})
	}
	_ = eg.Wait()
	c.contributions.Add(int64(synced))
	return synced, skipped, merr.ErrorOrNil()
}

// Stats returns the community cache aggregate statistics. A snapshot
// younger than the max age is served directly. A stale snapshot is
// served immediately while one background refresh is triggered. With no
// snapshot at all the fetch is synchronous, falling back to the last
// persisted snapshot if it fails.
func (c *Client) Stats(ctx context.Context) (*model.Stats, error) {
	c.statsMu.Lock()
	if c.stats != nil {
		stats := *c.stats
		if c.clk.Now().Sub(c.statsAt) < c.statsMaxAge {
			c.statsMu.Unlock()
			return &stats, nil
		}
		if !c.statsRefreshing {
			c.statsRefreshing = true
			go c.refreshStats()
		}
		c.statsMu.Unlock()
		return &stats, nil
	}
	c.statsMu.Unlock()

	stats, err := c.fetchStats(ctx)
	if err == nil {
		c.setStats(stats)
		return stats, nil
	}
	if c.store != nil {
		snap, serr := c.store.LoadStats(ctx)
		if serr == nil && snap != nil {
			stats := snap.Stats
			c.statsMu.Lock()
			c.stats = &stats
			c.statsAt = snap.FetchedAt
			c.statsMu.Unlock()
			log.Debugw("Serving persisted stats snapshot after failed fetch", "err", err)
			out := stats
			return &out, nil
		}
	}
	return nil, err
}

func (c *Client) refreshStats() {
	stats, err := c.fetchStats(context.Background())
	if err != nil {
		c.statsMu.Lock()
		c.statsRefreshing = false
		c.statsMu.Unlock()
		log.Debugw("Background stats refresh failed", "err", err)
		return
	}
	c.setStats(stats)
}

func (c *Client) setStats(stats *model.Stats) {
	now := c.clk.Now()
	c.statsMu.Lock()
	c.stats = stats
	c.statsAt = now
	c.statsRefreshing = false
	c.statsMu.Unlock()

	if c.store != nil {
		err := c.store.SaveStats(context.Background(), statestore.StatsSnapshot{
			Stats:     *stats,
			FetchedAt: now,
		})
		if err != nil {
			log.Errorw("Cannot persist stats snapshot", "err", err)
		}
	}
}

func (c *Client) fetchStats(ctx context.Context) (*model.Stats, error) {
	if err := c.checkDispatch(); err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodGet, c.statsURL, nil)
	if err != nil {
		return nil, err
	}
	stats, err := model.UnmarshalStats(body)
	if err != nil {
		c.recordFailure()
		return nil, apierror.New(err, apierror.ParseError, 0)
	}
	return stats, nil
}

// Cleanup asks the service to drop keys that are not valid handles.
func (c *Client) Cleanup(ctx context.Context) (*model.CleanupResponse, error) {
	body, err := c.do(ctx, http.MethodPost, c.cleanupURL, nil)
	if err != nil {
		return nil, err
	}
	var res model.CleanupResponse
	if err = json.Unmarshal(body, &res); err != nil {
		return nil, apierror.New(err, apierror.ParseError, 0)
	}
	return &res, nil
}

// Health probes the service liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, c.healthURL, nil)
	return err
}

// Usage reports activity counters accumulated by this client, including
// counts restored from the store at construction.
func (c *Client) Usage() statestore.Usage {
	return statestore.Usage{
		Lookups:       c.lookups.Load(),
		Hits:          c.hits.Load(),
		Contributions: c.contributions.Load(),
	}
}

// ConsecutiveFailures reports the current failure streak length.
func (c *Client) ConsecutiveFailures() int {
	c.boMu.Lock()
	defer c.boMu.Unlock()
	return c.failures
}

// BackoffUntil reports when the current backoff window closes. The zero
// time means no window is active.
func (c *Client) BackoffUntil() time.Time {
	c.boMu.Lock()
	defer c.boMu.Unlock()
	return c.backoffUntil
}

// Close flushes pending contributions, stops the intake loop, fails any
// open lookup batch, and persists usage counters.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cmu.Lock()
		c.closed = true
		c.cmu.Unlock()
		c.contribQ.Close()
		<-c.loopDone

		c.lmu.Lock()
		b := c.batch
		c.batch = nil
		if b != nil {
			if b.flushed {
				// A concurrent flush owns the waiters already.
				b = nil
			} else {
				b.flushed = true
			}
		}
		c.lmu.Unlock()
		if b != nil {
			b.timer.Stop()
			for _, waiters := range b.waiters {
				for _, ch := range waiters {
					ch <- lookupResult{err: ErrClosed}
				}
			}
		}

		if c.store != nil {
			if err := c.store.SaveUsage(context.Background(), c.Usage()); err != nil {
				log.Errorw("Cannot persist usage counters", "err", err)
			}
		}
	})
	return nil
}

// checkDispatch gates one outbound call: inside the backoff window the
// call is skipped outright, and the per-minute budget is consumed before
// any attempt regardless of backoff state.
func (c *Client) checkDispatch() error {
	c.boMu.Lock()
	until := c.backoffUntil
	c.boMu.Unlock()
	if c.clk.Now().Before(until) {
		return ErrBackoff
	}
	if !c.limiter.Allow() {
		return ErrBudget
	}
	return nil
}

func (c *Client) recordSuccess() {
	c.boMu.Lock()
	c.failures = 0
	c.backoffUntil = time.Time{}
	c.boMu.Unlock()
}

func (c *Client) recordFailure() {
	c.boMu.Lock()
	c.failures++
	delay := c.bo.ForAttempt(float64(c.failures - 1))
	c.backoffUntil = c.clk.Now().Add(delay)
	failures := c.failures
	until := c.backoffUntil
	c.boMu.Unlock()
	log.Debugw("Community cache failure", "failures", failures, "backoffUntil", until)
}

// do performs one outbound request and folds its outcome into the
// failure streak. Any transport fault or non-success status counts as a
// failure; a decoded success resets the streak.
func (c *Client) do(ctx context.Context, method string, u *url.URL, reqBody any) ([]byte, error) {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Add("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.c.Do(req)
	if err != nil {
		c.recordFailure()
		return nil, apierror.New(err, apierror.NetworkError, 0)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, apierror.New(err, apierror.NetworkError, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		return nil, apierror.FromResponse(resp.StatusCode, data)
	}
	c.recordSuccess()
	return data, nil
}
