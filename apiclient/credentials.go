package apiclient

import (
	"context"
	"sync"
)

// Credentials is the material needed to authenticate against the live
// API.
type Credentials struct {
	// Bearer is the API bearer token.
	Bearer string
	// CSRF is the session CSRF token, sent as a request header.
	CSRF string
	// AuthToken is the session cookie value, if any.
	AuthToken string
}

func (c Credentials) empty() bool {
	return c.Bearer == ""
}

// CredentialSource supplies credentials on demand. Invalidate is called
// when the remote rejects the current material, so the next request is
// forced to re-acquire or fall back to derived credentials.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
	Invalidate()
}

// StaticCredentials is a CredentialSource holding fixed material, with an
// optional fallback used after invalidation.
type StaticCredentials struct {
	mu          sync.Mutex
	primary     Credentials
	fallback    Credentials
	invalidated bool
}

var _ CredentialSource = (*StaticCredentials)(nil)

func NewStaticCredentials(creds Credentials) *StaticCredentials {
	return &StaticCredentials{primary: creds}
}

// NewStaticCredentialsWithFallback returns a source that serves primary
// until invalidated, then serves fallback.
func NewStaticCredentialsWithFallback(primary, fallback Credentials) *StaticCredentials {
	return &StaticCredentials{primary: primary, fallback: fallback}
}

func (s *StaticCredentials) Credentials(_ context.Context) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalidated {
		// Primary material was rejected; only the fallback remains usable.
		return s.fallback, nil
	}
	return s.primary, nil
}

func (s *StaticCredentials) Invalidate() {
	s.mu.Lock()
	s.invalidated = true
	s.mu.Unlock()
}
