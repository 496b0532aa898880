// Package ratecache caches carrier quote results in Redis, keyed by a
// fingerprint of the rating inputs.
//
// Entries live in Redis for twice the freshness window. Within the
// window an entry is fresh and served as-is; past it but still present
// it is stale, and may be served as a fallback when live rating fails,
// with rate titles annotated so storefronts can tell.
package ratecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

// staleSuffix marks rates served from an expired cache entry. The
// annotation is idempotent: a title already carrying it is left alone.
const staleSuffix = " (cached)"

type envelope struct {
	SavedAt time.Time            `json:"saved_at"`
	Result  *carrier.QuoteResult `json:"result"`
}

// Cache is a Redis-backed quote cache.
type Cache struct {
	c   *redis.Client
	ttl time.Duration
	now func() time.Time
}

// New creates a quote cache with the given freshness window.
func New(addr string, ttl time.Duration) *Cache {
	return &Cache{
		c: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		ttl: ttl,
		now: time.Now,
	}
}

// Key fingerprints the rating inputs. Postcodes are normalized and the
// weight bucketed to a tenth of a pound first, so trivially different
// requests share an entry.
func (r *Cache) Key(req *carrier.QuoteRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%.1f|%s|%t",
		strings.ToUpper(req.Origin.CountryCode),
		carrier.NormalizePostcode(req.Origin.CountryCode, req.Origin.PostalCode),
		strings.ToUpper(req.Destination.CountryCode),
		carrier.NormalizePostcode(req.Destination.CountryCode, req.Destination.PostalCode),
		strings.ToUpper(req.Destination.Region),
		carrier.RoundWeight(req.WeightLb),
		req.StoreID,
		req.Destination.Residential,
	)
	return "rates:" + hex.EncodeToString(h.Sum(nil))
}

// Save stores a quote result. The Redis expiry is twice the freshness
// window so the stale half of the entry's life remains readable.
func (r *Cache) Save(ctx context.Context, key string, res *carrier.QuoteResult) error {
	b, err := json.Marshal(envelope{SavedAt: r.now().UTC(), Result: res})
	if err != nil {
		return errors.Wrap(err, "marshal quote envelope")
	}
	if err := r.c.Set(ctx, key, b, 2*r.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

// Load returns the entry only while it is fresh. A stale-but-present
// entry reads as a miss here; use LoadStale for the fallback path.
func (r *Cache) Load(ctx context.Context, key string) (*carrier.QuoteResult, bool, error) {
	env, ok, err := r.read(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if r.now().Sub(env.SavedAt) > r.ttl {
		return nil, false, nil
	}
	return env.Result, true, nil
}

// LoadStale returns the entry regardless of freshness, with every rate
// title annotated as cached.
func (r *Cache) LoadStale(ctx context.Context, key string) (*carrier.QuoteResult, bool, error) {
	env, ok, err := r.read(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	for i, rate := range env.Result.Rates {
		if !strings.HasSuffix(rate.Title, staleSuffix) {
			env.Result.Rates[i].Title = rate.Title + staleSuffix
		}
	}
	return env.Result, true, nil
}

func (r *Cache) read(ctx context.Context, key string) (*envelope, bool, error) {
	b, err := r.c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get")
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, false, errors.Wrap(err, "unmarshal quote envelope")
	}
	if env.Result == nil {
		return nil, false, nil
	}
	return &env, true, nil
}
