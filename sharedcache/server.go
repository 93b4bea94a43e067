package sharedcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/ystolzenburg/accountmeta/model"
)

const (
	defaultEntryTTL      = 7 * 24 * time.Hour
	maxContributionBatch = 100

	entryPrefix      = "/entries/"
	contributionsKey = "/meta/contributions"
	lastUpdatedKey   = "/meta/last-updated"
)

// storedEntry is one persisted community cache row.
type storedEntry struct {
	model.WireEntry
	Expires int64 `json:"expires"`
}

type serverConfig struct {
	entryTTL time.Duration
	maxBatch int
}

// ServerOption is a function that sets a value in a serverConfig.
type ServerOption func(*serverConfig) error

// WithEntryTTL sets how long accepted contributions are served before
// expiring.
//
// Default is 7 days.
func WithEntryTTL(d time.Duration) ServerOption {
	return func(cfg *serverConfig) error {
		if d <= 0 {
			return fmt.Errorf("entry ttl must be positive: %s", d)
		}
		cfg.entryTTL = d
		return nil
	}
}

// WithServerMaxBatch sets the ceiling on handles per lookup request.
//
// Default is 25.
func WithServerMaxBatch(n int) ServerOption {
	return func(cfg *serverConfig) error {
		if n < 1 {
			return fmt.Errorf("max batch must be positive: %d", n)
		}
		cfg.maxBatch = n
		return nil
	}
}

// Server is the reference community cache service. Entries are addressed
// purely by handle, carry no caller identity, and live in a key-value
// datastore with a fixed time-to-live stamped at contribution time.
type Server struct {
	ds       ds.Datastore
	entryTTL time.Duration
	maxBatch int
	mux      *http.ServeMux
}

// NewServer creates a community cache service over the given datastore.
func NewServer(d ds.Datastore, options ...ServerOption) (*Server, error) {
	cfg := serverConfig{
		entryTTL: defaultEntryTTL,
		maxBatch: defaultMaxBatch,
	}
	for i, opt := range options {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("option %d failed: %s", i, err)
		}
	}

	s := &Server{
		ds:       d,
		entryTTL: cfg.entryTTL,
		maxBatch: cfg.maxBatch,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/"+lookupPath, s.handleLookup)
	mux.HandleFunc("/"+contributePath, s.handleContribute)
	mux.HandleFunc("/"+statsPath, s.handleStats)
	mux.HandleFunc("/"+cleanupPath, s.handleCleanup)
	mux.HandleFunc("/"+healthPath, s.handleHealth)
	s.mux = mux
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	users := r.URL.Query().Get("users")
	if users == "" {
		writeError(w, http.StatusBadRequest, "users parameter required")
		return
	}
	handles := strings.Split(users, ",")
	if len(handles) > s.maxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many handles, maximum is %d", s.maxBatch))
		return
	}

	ctx := r.Context()
	now := time.Now()
	res := model.LookupResponse{
		Results: make(map[string]model.WireEntry),
	}
	for _, handle := range handles {
		handle = model.NormalizeHandle(handle)
		if !model.ValidHandle(handle) {
			continue
		}
		entry, err := s.getEntry(ctx, handle)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if entry == nil || entry.Expires <= now.Unix() {
			res.Misses = append(res.Misses, handle)
			continue
		}
		res.Results[handle] = entry.WireEntry
	}
	res.Count = len(res.Results)
	writeJSON(w, http.StatusOK, &res)
}

func (s *Server) handleContribute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req model.ContributeRequest
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed contribution body")
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, http.StatusBadRequest, "no entries")
		return
	}
	if len(req.Entries) > maxContributionBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many entries, maximum is %d", maxContributionBatch))
		return
	}

	ctx := r.Context()
	now := time.Now()
	var res model.ContributeResponse
	for handle, entry := range req.Entries {
		handle = model.NormalizeHandle(handle)
		location := model.SanitizeValue(entry.Location, model.MaxLocationLen)
		device := model.SanitizeValue(entry.Device, model.MaxDeviceLen)
		if !model.ValidHandle(handle) || location == "" {
			res.Rejected++
			continue
		}
		stored := storedEntry{
			WireEntry: model.WireEntry{
				Location:  location,
				Device:    device,
				Accurate:  entry.Accurate,
				Timestamp: now.Unix(),
			},
			Expires: now.Add(s.entryTTL).Unix(),
		}
		if err := s.putEntry(ctx, handle, &stored); err != nil {
			writeError(w, http.StatusInternalServerError, "store failed")
			return
		}
		res.Accepted++
	}
	if res.Accepted != 0 {
		if err := s.bumpCounters(ctx, int64(res.Accepted), now); err != nil {
			writeError(w, http.StatusInternalServerError, "store failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, &res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	count, err := s.countEntries(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	contributions, _ := s.getCounter(ctx, contributionsKey)
	lastUpdated, _ := s.getCounter(ctx, lastUpdatedKey)
	writeJSON(w, http.StatusOK, &model.Stats{
		TotalEntries:       count,
		TotalContributions: contributions,
		LastUpdated:        lastUpdated,
	})
}

// handleCleanup drops rows whose key is not a valid handle along with
// rows that have expired.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	now := time.Now().Unix()

	results, err := s.ds.Query(ctx, dsq.Query{Prefix: entryPrefix})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	defer results.Close()

	var remove []ds.Key
	for result := range results.Next() {
		if result.Error != nil {
			writeError(w, http.StatusInternalServerError, "cleanup failed")
			return
		}
		key := ds.RawKey(result.Key)
		handle := key.BaseNamespace()
		if !model.ValidHandle(handle) {
			remove = append(remove, key)
			continue
		}
		var entry storedEntry
		if err = json.Unmarshal(result.Value, &entry); err != nil || entry.Expires <= now {
			remove = append(remove, key)
		}
	}
	for _, key := range remove {
		if err = s.ds.Delete(ctx, key); err != nil {
			writeError(w, http.StatusInternalServerError, "cleanup failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, &model.CleanupResponse{
		Removed: len(remove),
		Message: "cleanup complete",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getEntry(ctx context.Context, handle string) (*storedEntry, error) {
	data, err := s.ds.Get(ctx, ds.NewKey(entryPrefix+handle))
	if err != nil {
		if err == ds.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var entry storedEntry
	if err = json.Unmarshal(data, &entry); err != nil {
		// Unreadable rows are misses; cleanup removes them.
		return nil, nil
	}
	return &entry, nil
}

func (s *Server) putEntry(ctx context.Context, handle string, entry *storedEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.ds.Put(ctx, ds.NewKey(entryPrefix+handle), data)
}

func (s *Server) countEntries(ctx context.Context) (int64, error) {
	results, err := s.ds.Query(ctx, dsq.Query{Prefix: entryPrefix, KeysOnly: true})
	if err != nil {
		return 0, err
	}
	defer results.Close()
	var count int64
	for result := range results.Next() {
		if result.Error != nil {
			return 0, result.Error
		}
		count++
	}
	return count, nil
}

func (s *Server) bumpCounters(ctx context.Context, accepted int64, now time.Time) error {
	contributions, err := s.getCounter(ctx, contributionsKey)
	if err != nil {
		return err
	}
	if err = s.putCounter(ctx, contributionsKey, contributions+accepted); err != nil {
		return err
	}
	return s.putCounter(ctx, lastUpdatedKey, now.Unix())
}

func (s *Server) getCounter(ctx context.Context, key string) (int64, error) {
	data, err := s.ds.Get(ctx, ds.NewKey(key))
	if err != nil {
		if err == ds.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	var n int64
	if err = json.Unmarshal(data, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Server) putCounter(ctx context.Context, key string, n int64) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.ds.Put(ctx, ds.NewKey(key), data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
