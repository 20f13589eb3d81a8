package market

import (
	"context"

	"cx-carry-bot/internal/gateway"

	"go.uber.org/zap"
)

type Venue string

const (
	VenueSpot Venue = "spot"
	VenueSwap Venue = "swap"
)

// FeeResolver resolves the real taker fee per market, caching results for
// the life of the process. The cache is read and written only by the
// monitoring loop; it is seeded from and exported to the ledger snapshot.
type FeeResolver struct {
	spot gateway.Gateway
	swap gateway.Gateway

	defaultSpot float64
	defaultSwap float64

	cache map[string]float64
	log   *zap.Logger
}

func NewFeeResolver(spot, swap gateway.Gateway, defaultSpot, defaultSwap float64, log *zap.Logger) *FeeResolver {
	return &FeeResolver{
		spot:        spot,
		swap:        swap,
		defaultSpot: defaultSpot,
		defaultSwap: defaultSwap,
		cache:       make(map[string]float64),
		log:         log,
	}
}

// TakerFee returns the cached taker fee for a market, querying the gateway
// on a miss. A gateway failure degrades to the configured default and is
// not cached, so the next call retries the lookup.
func (r *FeeResolver) TakerFee(ctx context.Context, symbol string, venue Venue) float64 {
	key := cacheKey(symbol, venue)
	if fee, ok := r.cache[key]; ok {
		return fee
	}
	gw, fallback := r.spot, r.defaultSpot
	if venue == VenueSwap {
		gw, fallback = r.swap, r.defaultSwap
	}
	fees, err := gw.FetchTradingFees(ctx)
	if err != nil {
		r.log.Warn("trading fee lookup failed, using default",
			zap.String("symbol", symbol),
			zap.String("venue", string(venue)),
			zap.Error(err),
		)
		return fallback
	}
	fee, ok := fees[symbol]
	if !ok {
		r.cache[key] = fallback
		return fallback
	}
	r.cache[key] = fee.Taker
	return fee.Taker
}

// Seed loads previously persisted fee entries.
func (r *FeeResolver) Seed(entries map[string]float64) {
	for key, fee := range entries {
		r.cache[key] = fee
	}
}

// Export returns a copy of the cache for snapshot persistence.
func (r *FeeResolver) Export() map[string]float64 {
	out := make(map[string]float64, len(r.cache))
	for key, fee := range r.cache {
		out[key] = fee
	}
	return out
}

func cacheKey(symbol string, venue Venue) string {
	return "fee_" + string(venue) + "_" + symbol
}
