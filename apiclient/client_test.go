package apiclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ystolzenburg/accountmeta/apiclient"
	"github.com/ystolzenburg/accountmeta/apierror"
)

const aboutBody = `{
  "data": {
    "about_profile": {
      "location": "Germany",
      "location_accurate": true,
      "client_device": "Android",
      "account_created_at": "2019-03-01",
      "followers_count": 1234,
      "verified_type": "none"
    }
  }
}`

func testCreds() *apiclient.StaticCredentials {
	return apiclient.NewStaticCredentials(apiclient.Credentials{
		Bearer:    "test-bearer",
		CSRF:      "test-csrf",
		AuthToken: "test-auth",
	})
}

func fastOpts(extra ...apiclient.Option) []apiclient.Option {
	opts := []apiclient.Option{
		apiclient.WithMinInterval(0),
		apiclient.WithRetry(2, time.Millisecond, 5*time.Millisecond),
	}
	return append(opts, extra...)
}

func TestResolve(t *testing.T) {
	var calls atomic.Int32
	var gotAuth, gotCSRF atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		gotAuth.Store(req.Header.Get("Authorization"))
		gotCSRF.Store(req.Header.Get("x-csrf-token"))
		if req.URL.Path != "/i/api/1.1/about_account/alice" {
			http.Error(w, "", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(aboutBody))
	}))
	defer ts.Close()

	c, err := apiclient.New(ts.URL, testCreds(), fastOpts()...)
	require.NoError(t, err)

	md, err := c.Resolve(context.Background(), "@Alice")
	require.NoError(t, err)
	require.Equal(t, "alice", md.Handle)
	require.Equal(t, "Germany", md.Location)
	require.True(t, md.LocationAccurate)
	require.Equal(t, "Android", md.Device)
	require.Equal(t, int64(1234), md.Followers)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "Bearer test-bearer", gotAuth.Load())
	require.Equal(t, "test-csrf", gotCSRF.Load())
}

func TestNotFoundNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		http.Error(w, "no such user", http.StatusNotFound)
	}))
	defer ts.Close()

	c, err := apiclient.New(ts.URL, testCreds(), fastOpts()...)
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "ghost123")
	require.Equal(t, apierror.NotFound, apierror.CodeOf(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestUnauthorizedInvalidatesCredentials(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer ts.Close()

	creds := apiclient.NewStaticCredentialsWithFallback(
		apiclient.Credentials{Bearer: "primary"},
		apiclient.Credentials{Bearer: "derived"},
	)
	c, err := apiclient.New(ts.URL, creds, fastOpts()...)
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "alice")
	require.Equal(t, apierror.Unauthorized, apierror.CodeOf(err))
	require.Equal(t, int32(1), calls.Load())

	// The rejected material was cleared; the fallback is served now.
	got, err := creds.Credentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, "derived", got.Bearer)
}

func TestNoCredentials(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Error("no request expected without credentials")
	}))
	defer ts.Close()

	c, err := apiclient.New(ts.URL, apiclient.NewStaticCredentials(apiclient.Credentials{}), fastOpts()...)
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "alice")
	require.Equal(t, apierror.NoCredentials, apierror.CodeOf(err))
}

func TestThrottledHoldsAllDispatches(t *testing.T) {
	resetAt := time.Now().Add(500 * time.Millisecond)
	var calls atomic.Int32
	var secondCallAt atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("x-rate-limit-reset", strconv.FormatInt(resetAt.Unix()+1, 10))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		secondCallAt.Store(time.Now())
		_, _ = w.Write([]byte(aboutBody))
	}))
	defer ts.Close()

	c, err := apiclient.New(ts.URL, testCreds(), fastOpts()...)
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "alice")
	require.Equal(t, apierror.Throttled, apierror.CodeOf(err))

	var apiErr *apierror.Error
	require.ErrorAs(t, err, &apiErr)
	require.False(t, apiErr.ResumeAt().IsZero())

	// A call for a different handle is held until the reset deadline.
	md, err := c.Resolve(context.Background(), "bob")
	require.NoError(t, err)
	require.NotNil(t, md)
	require.False(t, secondCallAt.Load().(time.Time).Before(resetAt))
}

func TestTransientFailureRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(aboutBody))
	}))
	defer ts.Close()

	c, err := apiclient.New(ts.URL, testCreds(), fastOpts()...)
	require.NoError(t, err)

	md, err := c.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "Germany", md.Location)
	require.Equal(t, int32(3), calls.Load())
}

func TestNetworkErrorAfterBudget(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		http.Error(w, "still broken", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c, err := apiclient.New(ts.URL, testCreds(), fastOpts()...)
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "alice")
	require.Equal(t, apierror.NetworkError, apierror.CodeOf(err))
	// Initial attempt plus the full retry budget.
	require.Equal(t, int32(3), calls.Load())
}

func TestParseError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer ts.Close()

	c, err := apiclient.New(ts.URL, testCreds(), fastOpts()...)
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "alice")
	require.Equal(t, apierror.ParseError, apierror.CodeOf(err))
}

func TestMinIntervalPacing(t *testing.T) {
	var times []time.Time
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		times = append(times, time.Now())
		_, _ = w.Write([]byte(aboutBody))
	}))
	defer ts.Close()

	c, err := apiclient.New(ts.URL, testCreds(),
		apiclient.WithMinInterval(150*time.Millisecond),
		apiclient.WithMaxConcurrent(1),
		apiclient.WithRetry(0, time.Millisecond, time.Millisecond),
	)
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	_, err = c.Resolve(context.Background(), "bob")
	require.NoError(t, err)

	require.Len(t, times, 2)
	require.GreaterOrEqual(t, times[1].Sub(times[0]), 140*time.Millisecond)
}

func TestInvalidHandle(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Error("no request expected for an invalid handle")
	}))
	defer ts.Close()

	c, err := apiclient.New(ts.URL, testCreds(), fastOpts()...)
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "not a handle!")
	require.Equal(t, apierror.NotFound, apierror.CodeOf(err))
}
