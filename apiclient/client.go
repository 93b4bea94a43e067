// Package apiclient is the throttled, retrying HTTP client for the
// platform's account metadata API.
//
// All requests pass through a single dispatch gate enforcing a minimum
// wall-clock gap between dispatches, a ceiling on simultaneously active
// calls, and a hold-off window while a remote-signaled rate-limit reset is
// in the future. Transport-level faults are retried with exponentially
// growing delay up to a fixed budget; authentication failures, not-found
// results and explicit throttling signals are never retried and propagate
// immediately with their taxonomy code.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ystolzenburg/accountmeta/apierror"
	"github.com/ystolzenburg/accountmeta/model"
)

var log = logging.Logger("apiclient")

const aboutPath = "i/api/1.1/about_account"

// Client is an http client for the live account metadata API.
type Client struct {
	c         *http.Client
	gate      *gate
	creds     CredentialSource
	aboutURL  *url.URL
	userAgent string
}

// New creates a new live API client for the given base URL.
func New(baseURL string, creds CredentialSource, options ...Option) (*Client, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, errors.New("credential source required")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", baseURL)
	}
	u.Path = ""

	g := newGate(opts.minInterval, opts.maxConcurrent)

	rclient := &retryablehttp.Client{
		HTTPClient: &http.Client{
			Transport: &gatedTransport{base: opts.transport, g: g},
			Timeout:   opts.timeout,
		},
		RetryWaitMin: opts.retryWaitMin,
		RetryWaitMax: opts.retryWaitMax,
		RetryMax:     opts.retryMax,
		CheckRetry:   checkRetry,
		Backoff:      retryablehttp.DefaultBackoff,
	}

	return &Client{
		c:         rclient.StandardClient(),
		gate:      g,
		creds:     creds,
		aboutURL:  u.JoinPath(aboutPath),
		userAgent: opts.userAgent,
	}, nil
}

// checkRetry retries transport-level faults and server errors only.
// Authentication failures, not-found results and throttling signals are
// terminal and classified by the caller.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode >= http.StatusInternalServerError, nil
}

// Resolve fetches metadata for the given handle. Terminal failures are
// returned as *apierror.Error values carrying the taxonomy code.
func (c *Client) Resolve(ctx context.Context, handle string) (*model.Metadata, error) {
	handle = model.NormalizeHandle(handle)
	if !model.ValidHandle(handle) {
		return nil, apierror.New(fmt.Errorf("invalid handle: %q", handle), apierror.NotFound, 0)
	}

	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return nil, apierror.New(err, apierror.NoCredentials, 0)
	}
	if creds.empty() {
		return nil, apierror.New(errors.New("no credential material available"), apierror.NoCredentials, 0)
	}

	u := c.aboutURL.JoinPath(handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apierror.New(err, apierror.Unknown, 0)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Bearer)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Add("Accept", "application/json")
	if creds.CSRF != "" {
		req.Header.Set("x-csrf-token", creds.CSRF)
	}
	if creds.AuthToken != "" {
		req.AddCookie(&http.Cookie{Name: "auth_token", Value: creds.AuthToken})
	}

	resp, err := c.c.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Attempt deadlines count as transport faults. The retry budget is
		// already exhausted at this point.
		log.Errorw("Live API request failed", "err", err, "handle", handle)
		return nil, apierror.New(err, apierror.NetworkError, 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierror.New(err, apierror.NetworkError, resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		md, err := parseAbout(handle, body)
		if err != nil {
			return nil, apierror.New(err, apierror.ParseError, resp.StatusCode)
		}
		return md, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		// Force the next attempt to re-acquire or fall back.
		c.creds.Invalidate()
		log.Warnw("Live API rejected credentials", "status", resp.StatusCode)
		return nil, apierror.New(errors.New("credentials rejected"), apierror.Unauthorized, resp.StatusCode)
	case http.StatusNotFound:
		return nil, apierror.New(fmt.Errorf("no such account: %s", handle), apierror.NotFound, resp.StatusCode)
	case http.StatusTooManyRequests:
		resumeAt := c.gate.holdUntilTime()
		log.Warnw("Live API throttled", "resumeAt", resumeAt)
		return nil, apierror.NewThrottled(errors.New("rate limited"), resp.StatusCode, resumeAt)
	default:
		return nil, apierror.FromResponse(resp.StatusCode, body)
	}
}

// aboutResponse is the subset of the platform response that is consumed.
type aboutResponse struct {
	Data struct {
		AboutProfile struct {
			Location         string `json:"location"`
			LocationAccurate bool   `json:"location_accurate"`
			Device           string `json:"client_device"`
			JoinedAt         string `json:"account_created_at"`
			Followers        int64  `json:"followers_count"`
			VerifiedType     string `json:"verified_type"`
		} `json:"about_profile"`
	} `json:"data"`
}

func parseAbout(handle string, body []byte) (*model.Metadata, error) {
	var about aboutResponse
	if err := json.Unmarshal(body, &about); err != nil {
		return nil, fmt.Errorf("cannot decode about response: %w", err)
	}
	p := about.Data.AboutProfile
	return &model.Metadata{
		Handle:           handle,
		Location:         p.Location,
		LocationAccurate: p.LocationAccurate,
		Device:           p.Device,
		JoinedAt:         p.JoinedAt,
		Followers:        p.Followers,
		VerifiedType:     p.VerifiedType,
		FetchedAt:        time.Now(),
	}, nil
}
