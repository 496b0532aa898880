// Package quote orchestrates multi-carrier rating: cache-first, live
// fan-out on miss, and stale-cache fallback when every carrier is
// down.
package quote

import (
	"context"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/internal/telemetry"
	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

// RateCache is the quote cache with a freshness window and a stale
// fallback read.
type RateCache interface {
	Key(req *carrier.QuoteRequest) string
	Load(ctx context.Context, key string) (*carrier.QuoteResult, bool, error)
	LoadStale(ctx context.Context, key string) (*carrier.QuoteResult, bool, error)
	Save(ctx context.Context, key string, res *carrier.QuoteResult) error
}

// TransitStore keeps per-session transit estimates for checkout.
type TransitStore interface {
	Save(ctx context.Context, sessionID, cartID string, transit map[string]carrier.TransitEstimate) error
}

// Service is the quoting front door.
type Service struct {
	registry *carrier.Registry
	cache    RateCache
	transit  TransitStore
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics
}

// New creates a quote service. transit may be nil when no session
// store is configured.
func New(registry *carrier.Registry, cache RateCache, transit TransitStore, logger *otelzap.Logger, metrics *telemetry.Metrics) *Service {
	return &Service{
		registry: registry,
		cache:    cache,
		transit:  transit,
		logger:   logger,
		metrics:  metrics,
	}
}

// GetQuotes returns merged rates across all carriers.
//
// A fresh cache entry is served as-is. On a miss the carriers are
// rated in parallel; any live result refreshes the cache. Only when
// every carrier fails does the stale half of the cache serve as a
// fallback, with its rates annotated; with no stale entry either, the
// first carrier error surfaces.
func (s *Service) GetQuotes(ctx context.Context, req *carrier.QuoteRequest) (*carrier.QuoteResult, error) {
	key := s.cache.Key(req)

	cached, ok, err := s.cache.Load(ctx, key)
	if err != nil {
		s.logger.Warn("Rate cache read failed, rating live", zap.Error(err))
	} else if ok {
		s.metrics.RecordCacheLookup("fresh")
		s.saveTransit(ctx, req, cached)
		return cached, nil
	}

	results, errs := s.registry.QuoteAll(ctx, req)
	for _, qerr := range errs {
		s.logger.Warn("Carrier quote failed", zap.Error(qerr))
	}

	if len(results) == 0 {
		stale, ok, err := s.cache.LoadStale(ctx, key)
		if err == nil && ok {
			s.metrics.RecordCacheLookup("stale")
			s.logger.Warn("All carriers failed, serving stale cached rates")
			s.saveTransit(ctx, req, stale)
			return stale, nil
		}
		s.metrics.RecordCacheLookup("miss")
		if len(errs) > 0 {
			return nil, errs[0]
		}
		return nil, carrier.ErrCarrierNotFound
	}

	s.metrics.RecordCacheLookup("miss")
	merged := merge(results)

	if err := s.cache.Save(ctx, key, merged); err != nil {
		s.logger.Warn("Rate cache write failed", zap.Error(err))
	}
	s.saveTransit(ctx, req, merged)
	return merged, nil
}

func (s *Service) saveTransit(ctx context.Context, req *carrier.QuoteRequest, res *carrier.QuoteResult) {
	if s.transit == nil || req.SessionID == "" || len(res.Transit) == 0 {
		return
	}
	if err := s.transit.Save(ctx, req.SessionID, req.CartID, res.Transit); err != nil {
		s.logger.Warn("Transit store write failed", zap.Error(err))
	}
}

func merge(results map[string]*carrier.QuoteResult) *carrier.QuoteResult {
	merged := &carrier.QuoteResult{Transit: map[string]carrier.TransitEstimate{}}
	for _, res := range results {
		merged.Rates = append(merged.Rates, res.Rates...)
		for k, v := range res.Transit {
			merged.Transit[k] = v
		}
	}
	return merged
}
