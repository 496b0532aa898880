// Package token caches OAuth2 client-credentials tokens per carrier
// and store scope, with an expiry buffer that forces refresh before a
// token can expire mid-flight.
package token

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

// Grant is the result of a carrier OAuth exchange.
type Grant struct {
	AccessToken string
	ExpiresIn   int // seconds, as reported by the carrier
}

// Exchange performs the carrier-specific OAuth exchange. Implemented by
// each carrier adapter; the store never knows wire formats.
type Exchange func(ctx context.Context) (*Grant, error)

type entry struct {
	token     string
	expiresAt time.Time
}

// Store is a concurrent token cache. Entries are replaced atomically
// per key; a read during a refresh observes either the old entry or
// the new one, never a partial write.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	buffer  time.Duration
	now     func() time.Time
}

// NewStore creates a token store. bufferSeconds is subtracted from
// every token's reported lifetime.
func NewStore(bufferSeconds int) *Store {
	return &Store{
		entries: make(map[string]entry),
		buffer:  time.Duration(bufferSeconds) * time.Second,
		now:     time.Now,
	}
}

// CacheKey builds the per-carrier, per-store-scope cache key. The USPS
// payment-authorization token uses its own scope suffix so it is cached
// orthogonally to the primary bearer token.
func CacheKey(carrierName, storeScope string) string {
	return carrierName + "/" + storeScope
}

// Get returns a cached token that is still valid past the buffer, or
// performs the exchange and caches the result. A failed or cancelled
// exchange leaves the cache untouched.
func (s *Store) Get(ctx context.Context, key string, exchange Exchange) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && s.now().Before(e.expiresAt) {
		return e.token, nil
	}

	grant, err := exchange(ctx)
	if err != nil {
		return "", err
	}
	if grant == nil || grant.AccessToken == "" {
		return "", errors.Errorf("token exchange for %s returned no access token", key)
	}
	if err := ctx.Err(); err != nil {
		// Aborted mid-exchange: do not apply the write.
		return "", err
	}

	ttl := time.Duration(grant.ExpiresIn)*time.Second - s.buffer
	if ttl < 0 {
		ttl = 0
	}

	s.mu.Lock()
	s.entries[key] = entry{token: grant.AccessToken, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()

	return grant.AccessToken, nil
}

// Invalidate evicts the cached token immediately. Callers invoke this
// on a 401/403 from any carrier call, then retry exactly once with a
// freshly fetched token.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// WithToken runs fn with a valid token, invalidating and retrying once
// if fn reports a carrier authentication failure. The retry bound is
// exactly one attempt so persistently invalid credentials fail fast.
func (s *Store) WithToken(ctx context.Context, key string, exchange Exchange, fn func(token string) error) error {
	tok, err := s.Get(ctx, key, exchange)
	if err != nil {
		return err
	}

	err = fn(tok)
	if err == nil || !carrier.IsAuth(err) {
		return err
	}

	s.Invalidate(key)
	tok, err = s.Get(ctx, key, exchange)
	if err != nil {
		return err
	}
	return fn(tok)
}
