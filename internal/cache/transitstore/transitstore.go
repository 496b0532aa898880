// Package transitstore keeps per-session transit estimates in Redis so
// checkout pages can show delivery promises without re-rating.
//
// Estimates are only meaningful for the cart they were computed for; a
// load against a different cart id reads as a miss and drops the entry.
package transitstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

type envelope struct {
	CartID  string                             `json:"cart_id"`
	Transit map[string]carrier.TransitEstimate `json:"transit"`
}

// Store is a Redis-backed session transit store.
type Store struct {
	c   *redis.Client
	ttl time.Duration
}

// New creates a transit store whose entries live for the given
// session lifetime.
func New(addr string, ttl time.Duration) *Store {
	return &Store{
		c: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		ttl: ttl,
	}
}

func key(sessionID string) string {
	return "transit:" + sessionID
}

// Save stores the transit map for a session's current cart, replacing
// whatever an earlier cart left behind.
func (s *Store) Save(ctx context.Context, sessionID, cartID string, transit map[string]carrier.TransitEstimate) error {
	b, err := json.Marshal(envelope{CartID: cartID, Transit: transit})
	if err != nil {
		return errors.Wrap(err, "marshal transit envelope")
	}
	if err := s.c.Set(ctx, key(sessionID), b, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

// Load returns the session's transit map if it was saved for the same
// cart. A cart mismatch clears the entry and reads as a miss.
func (s *Store) Load(ctx context.Context, sessionID, cartID string) (map[string]carrier.TransitEstimate, bool, error) {
	b, err := s.c.Get(ctx, key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get")
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, false, errors.Wrap(err, "unmarshal transit envelope")
	}
	if env.CartID != cartID {
		if err := s.Clear(ctx, sessionID); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return env.Transit, true, nil
}

// Lookup returns one method's estimate for the session's cart.
func (s *Store) Lookup(ctx context.Context, sessionID, cartID, carrierCode, methodCode string) (carrier.TransitEstimate, bool, error) {
	transit, ok, err := s.Load(ctx, sessionID, cartID)
	if err != nil || !ok {
		return carrier.TransitEstimate{}, false, err
	}
	est, ok := transit[carrier.MethodKey(carrierCode, methodCode)]
	return est, ok, nil
}

// Clear drops the session's transit entry.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if err := s.c.Del(ctx, key(sessionID)).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}
