package market

import (
	"context"
	"errors"
	"testing"

	"cx-carry-bot/internal/gateway"

	"go.uber.org/zap"
)

type stubGateway struct {
	tickers      map[string]gateway.Ticker
	book         gateway.OrderBook
	funding      gateway.Funding
	history      map[string][]float64
	fees         map[string]gateway.TradingFee
	feesErr      error
	historyErr   error
	feeCalls     int
	historyCalls int
}

func (s *stubGateway) FetchTickers(ctx context.Context) (map[string]gateway.Ticker, error) {
	return s.tickers, nil
}

func (s *stubGateway) FetchTicker(ctx context.Context, symbol string) (gateway.Ticker, error) {
	t, ok := s.tickers[symbol]
	if !ok {
		return gateway.Ticker{}, errors.New("unknown symbol")
	}
	return t, nil
}

func (s *stubGateway) FetchOrderBook(ctx context.Context, symbol string, depth int) (gateway.OrderBook, error) {
	return s.book, nil
}

func (s *stubGateway) FetchFundingRate(ctx context.Context, symbol string) (gateway.Funding, error) {
	return s.funding, nil
}

func (s *stubGateway) FetchFundingRateHistory(ctx context.Context, symbol string, limit int) ([]float64, error) {
	s.historyCalls++
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return s.history[symbol], nil
}

func (s *stubGateway) FetchTradingFees(ctx context.Context) (map[string]gateway.TradingFee, error) {
	s.feeCalls++
	if s.feesErr != nil {
		return nil, s.feesErr
	}
	return s.fees, nil
}

func (s *stubGateway) FundingIntervalHours(symbol string) (float64, bool) { return 0, false }

func (s *stubGateway) PlaceLimitIOC(ctx context.Context, symbol string, side gateway.Side, amount, limitPrice float64, clientID string) (gateway.OrderResult, error) {
	return gateway.OrderResult{}, errors.New("not implemented")
}

func (s *stubGateway) PlaceMarketOrder(ctx context.Context, symbol string, side gateway.Side, amount float64) (gateway.OrderResult, error) {
	return gateway.OrderResult{}, errors.New("not implemented")
}

func (s *stubGateway) Transfer(ctx context.Context, asset string, amount float64, from, to string) error {
	return nil
}

func (s *stubGateway) FetchFreeBalances(ctx context.Context) (map[string]float64, error) {
	return nil, nil
}

func (s *stubGateway) AmountToPrecision(symbol string, amount float64) float64 { return amount }
func (s *stubGateway) PriceToPrecision(symbol string, price float64) float64   { return price }

func TestTakerFeeCachesLookup(t *testing.T) {
	spot := &stubGateway{fees: map[string]gateway.TradingFee{"BTC/USDT": {Taker: 0.00075}}}
	resolver := NewFeeResolver(spot, &stubGateway{}, 0.001, 0.0005, zap.NewNop())

	ctx := context.Background()
	fee := resolver.TakerFee(ctx, "BTC/USDT", VenueSpot)
	if fee != 0.00075 {
		t.Fatalf("expected 0.00075, got %f", fee)
	}
	resolver.TakerFee(ctx, "BTC/USDT", VenueSpot)
	if spot.feeCalls != 1 {
		t.Fatalf("expected 1 gateway call, got %d", spot.feeCalls)
	}
}

func TestTakerFeeDefaultOnFailure(t *testing.T) {
	spot := &stubGateway{feesErr: errors.New("boom")}
	resolver := NewFeeResolver(spot, &stubGateway{}, 0.001, 0.0005, zap.NewNop())

	fee := resolver.TakerFee(context.Background(), "BTC/USDT", VenueSpot)
	if fee != 0.001 {
		t.Fatalf("expected default 0.001, got %f", fee)
	}
	// Failures are not cached; the resolver retries next call.
	resolver.TakerFee(context.Background(), "BTC/USDT", VenueSpot)
	if spot.feeCalls != 2 {
		t.Fatalf("expected retry after failure, got %d calls", spot.feeCalls)
	}
}

func TestTakerFeeDefaultMissCached(t *testing.T) {
	swap := &stubGateway{fees: map[string]gateway.TradingFee{}}
	resolver := NewFeeResolver(&stubGateway{}, swap, 0.001, 0.0005, zap.NewNop())

	fee := resolver.TakerFee(context.Background(), "ETH/USDT:USDT", VenueSwap)
	if fee != 0.0005 {
		t.Fatalf("expected swap default, got %f", fee)
	}
	resolver.TakerFee(context.Background(), "ETH/USDT:USDT", VenueSwap)
	if swap.feeCalls != 1 {
		t.Fatalf("expected miss to be cached, got %d calls", swap.feeCalls)
	}
}

func TestFeeResolverSeedExportRoundTrip(t *testing.T) {
	resolver := NewFeeResolver(&stubGateway{}, &stubGateway{}, 0.001, 0.0005, zap.NewNop())
	resolver.Seed(map[string]float64{"fee_spot_BTC/USDT": 0.0009})

	fee := resolver.TakerFee(context.Background(), "BTC/USDT", VenueSpot)
	if fee != 0.0009 {
		t.Fatalf("expected seeded fee, got %f", fee)
	}
	exported := resolver.Export()
	if exported["fee_spot_BTC/USDT"] != 0.0009 {
		t.Fatalf("expected export to contain seeded entry, got %v", exported)
	}
}
