package sharedcache_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
	"github.com/ystolzenburg/accountmeta/model"
	"github.com/ystolzenburg/accountmeta/sharedcache"
)

func newRawService(t *testing.T, options ...sharedcache.ServerOption) *httptest.Server {
	t.Helper()
	srv, err := sharedcache.NewServer(dssync.MutexWrap(ds.NewMapDatastore()), options...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if v != nil {
		require.NoError(t, json.Unmarshal(body, v))
	}
	return resp
}

func TestServerContributeAndLookup(t *testing.T) {
	ts := newRawService(t)

	resp, body := postJSON(t, ts.URL+"/contribute", &model.ContributeRequest{
		Entries: map[string]model.WireEntry{
			"alice": {Location: "Germany", Device: "Android", Accurate: true},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cres model.ContributeResponse
	require.NoError(t, json.Unmarshal(body, &cres))
	require.Equal(t, 1, cres.Accepted)
	require.Zero(t, cres.Rejected)

	var lres model.LookupResponse
	resp = getJSON(t, ts.URL+"/lookup?users=alice,bob", &lres)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, lres.Count)
	require.Contains(t, lres.Results, "alice")
	require.Contains(t, lres.Misses, "bob")

	entry := lres.Results["alice"]
	require.Equal(t, "Germany", entry.Location)
	require.Equal(t, "Android", entry.Device)
	require.True(t, entry.Accurate)
	// Timestamp is server-stamped, not caller-supplied.
	require.NotZero(t, entry.Timestamp)
}

func TestServerLookupValidation(t *testing.T) {
	ts := newRawService(t, sharedcache.WithServerMaxBatch(2))

	var errBody map[string]string
	resp := getJSON(t, ts.URL+"/lookup", &errBody)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotEmpty(t, errBody["error"])

	resp = getJSON(t, ts.URL+"/lookup?users=a,b,c", &errBody)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotEmpty(t, errBody["error"])
}

func TestServerContributeValidation(t *testing.T) {
	ts := newRawService(t)

	resp, body := postJSON(t, ts.URL+"/contribute", &model.ContributeRequest{
		Entries: map[string]model.WireEntry{
			"alice":              {Location: "Germany"},
			"Not A Valid Handle": {Location: "Somewhere"},
			"noloc":              {Device: "Android"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cres model.ContributeResponse
	require.NoError(t, json.Unmarshal(body, &cres))
	require.Equal(t, 1, cres.Accepted)
	require.Equal(t, 2, cres.Rejected)

	resp, _ = postJSON(t, ts.URL+"/contribute", &model.ContributeRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerStripsMarkup(t *testing.T) {
	ts := newRawService(t)

	resp, _ := postJSON(t, ts.URL+"/contribute", &model.ContributeRequest{
		Entries: map[string]model.WireEntry{
			"alice": {Location: "<script>alert(1)</script>Germany", Device: "<b>Android</b>"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lres model.LookupResponse
	getJSON(t, ts.URL+"/lookup?users=alice", &lres)
	entry := lres.Results["alice"]
	require.Equal(t, "alert(1)Germany", entry.Location)
	require.Equal(t, "Android", entry.Device)
}

func TestServerContributeIdempotent(t *testing.T) {
	ts := newRawService(t)

	for i := 0; i < 2; i++ {
		resp, _ := postJSON(t, ts.URL+"/contribute", &model.ContributeRequest{
			Entries: map[string]model.WireEntry{
				"alice": {Location: "Germany"},
			},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	var stats model.Stats
	resp := getJSON(t, ts.URL+"/stats", &stats)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// One row, two recorded contributions.
	require.Equal(t, int64(1), stats.TotalEntries)
	require.Equal(t, int64(2), stats.TotalContributions)
	require.NotZero(t, stats.LastUpdated)
}

func TestServerEntryExpiry(t *testing.T) {
	ts := newRawService(t, sharedcache.WithEntryTTL(time.Second))

	resp, _ := postJSON(t, ts.URL+"/contribute", &model.ContributeRequest{
		Entries: map[string]model.WireEntry{
			"alice": {Location: "Germany"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lres model.LookupResponse
	getJSON(t, ts.URL+"/lookup?users=alice", &lres)
	require.Contains(t, lres.Results, "alice")

	time.Sleep(1100 * time.Millisecond)
	lres = model.LookupResponse{}
	getJSON(t, ts.URL+"/lookup?users=alice", &lres)
	require.NotContains(t, lres.Results, "alice")
	require.Contains(t, lres.Misses, "alice")
}

func TestServerCleanup(t *testing.T) {
	dstore := dssync.MutexWrap(ds.NewMapDatastore())
	srv, err := sharedcache.NewServer(dstore)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, _ := postJSON(t, ts.URL+"/contribute", &model.ContributeRequest{
		Entries: map[string]model.WireEntry{
			"alice": {Location: "Germany"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, dstore.Put(context.Background(), ds.NewKey("/entries/BAD KEY"), []byte("{}")))

	resp, body := postJSON(t, ts.URL+"/cleanup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cres model.CleanupResponse
	require.NoError(t, json.Unmarshal(body, &cres))
	require.Equal(t, 1, cres.Removed)

	ok, err := dstore.Has(context.Background(), ds.NewKey("/entries/alice"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestServerCORS(t *testing.T) {
	ts := newRawService(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/lookup", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var health map[string]string
	resp = getJSON(t, ts.URL+"/health", &health)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", health["status"])
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
