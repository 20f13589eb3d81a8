package strategy

import (
	"context"
	"errors"
	"testing"

	"cx-carry-bot/internal/config"
	"cx-carry-bot/internal/gateway"
	"cx-carry-bot/internal/market"

	"go.uber.org/zap"
)

type stubGateway struct {
	book     gateway.OrderBook
	bookErr  error
	fees     map[string]gateway.TradingFee
	interval float64
}

func (s *stubGateway) FetchTickers(ctx context.Context) (map[string]gateway.Ticker, error) {
	return nil, nil
}

func (s *stubGateway) FetchTicker(ctx context.Context, symbol string) (gateway.Ticker, error) {
	return gateway.Ticker{}, errors.New("not implemented")
}

func (s *stubGateway) FetchOrderBook(ctx context.Context, symbol string, depth int) (gateway.OrderBook, error) {
	if s.bookErr != nil {
		return gateway.OrderBook{}, s.bookErr
	}
	return s.book, nil
}

func (s *stubGateway) FetchFundingRate(ctx context.Context, symbol string) (gateway.Funding, error) {
	return gateway.Funding{}, nil
}

func (s *stubGateway) FetchFundingRateHistory(ctx context.Context, symbol string, limit int) ([]float64, error) {
	return nil, nil
}

func (s *stubGateway) FetchTradingFees(ctx context.Context) (map[string]gateway.TradingFee, error) {
	if s.fees == nil {
		return nil, errors.New("fees unavailable")
	}
	return s.fees, nil
}

func (s *stubGateway) FundingIntervalHours(symbol string) (float64, bool) {
	return s.interval, s.interval > 0
}

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

func evalConfig() config.StrategyConfig {
	return config.StrategyConfig{
		MinNetAPR:            0.10,
		PaybackPeriodDays:    7,
		NegativeFundingLimit: -0.0001,
		FeeTakerSpotDefault:  0.001,
		FeeTakerSwapDefault:  0.0005,
		FallbackSlippage:     0.0005,
		BookDepth:            50,
	}
}

func deepBook(price float64) gateway.OrderBook {
	return gateway.OrderBook{
		Asks: []gateway.BookLevel{{Price: price, Qty: 1e9}},
		Bids: []gateway.BookLevel{{Price: price, Qty: 1e9}},
	}
}

func newEvaluator(spot, swap *stubGateway) *Evaluator {
	cfg := evalConfig()
	fees := market.NewFeeResolver(spot, swap, cfg.FeeTakerSpotDefault, cfg.FeeTakerSwapDefault, zap.NewNop())
	return NewEvaluator(spot, swap, fees, cfg, zap.NewNop())
}

func TestEvaluateAcceptsRichFunding(t *testing.T) {
	spot := &stubGateway{book: deepBook(100), fees: map[string]gateway.TradingFee{"BTC/USDT": {Taker: 0.001}}}
	swap := &stubGateway{book: deepBook(100.01), fees: map[string]gateway.TradingFee{"BTC/USDT:USDT": {Taker: 0.0005}}}
	eval := newEvaluator(spot, swap)

	decision := eval.Evaluate(context.Background(), EvalInput{
		Symbol:     "BTC/USDT:USDT",
		SpotSymbol: "BTC/USDT",
		PriceSpot:  100,
		PriceSwap:  100.01,
		Funding:    0.01,
		Capital:    10_000,
	})
	if !decision.Viable {
		t.Fatalf("expected viable, got %+v", decision)
	}
	if decision.Reason != ReasonSuccess {
		t.Fatalf("expected SUCCESS, got %s", decision.Reason)
	}
}

func TestEvaluateRejectsThinFunding(t *testing.T) {
	spot := &stubGateway{book: deepBook(100), fees: map[string]gateway.TradingFee{}}
	swap := &stubGateway{book: deepBook(100.01), fees: map[string]gateway.TradingFee{}}
	eval := newEvaluator(spot, swap)

	decision := eval.Evaluate(context.Background(), EvalInput{
		Symbol:     "BTC/USDT:USDT",
		SpotSymbol: "BTC/USDT",
		PriceSpot:  100,
		PriceSwap:  100.01,
		Funding:    0.00001,
		Capital:    10_000,
	})
	if decision.Viable {
		t.Fatal("expected rejection")
	}
	if decision.Reason != ReasonLowProfit {
		t.Fatalf("expected LOW_PROFIT_VS_FEES, got %s", decision.Reason)
	}
}

func TestEvaluateFundingMonotonicity(t *testing.T) {
	spot := &stubGateway{book: deepBook(100), fees: map[string]gateway.TradingFee{}}
	swap := &stubGateway{book: deepBook(100.01), fees: map[string]gateway.TradingFee{}}
	eval := newEvaluator(spot, swap)

	in := EvalInput{
		Symbol:     "BTC/USDT:USDT",
		SpotSymbol: "BTC/USDT",
		PriceSpot:  100,
		PriceSwap:  100.01,
		Capital:    10_000,
	}
	viableSeen := false
	for _, funding := range []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01} {
		in.Funding = funding
		decision := eval.Evaluate(context.Background(), in)
		if viableSeen && !decision.Viable {
			t.Fatalf("viability lost at higher funding %f", funding)
		}
		if decision.Viable {
			viableSeen = true
		}
	}
	if !viableSeen {
		t.Fatal("expected at least one viable decision at high funding")
	}
}

func TestEvaluateBackwardationRejectsRegardlessOfFunding(t *testing.T) {
	spot := &stubGateway{book: deepBook(100), fees: map[string]gateway.TradingFee{}}
	swap := &stubGateway{book: deepBook(99.98), fees: map[string]gateway.TradingFee{}}
	eval := newEvaluator(spot, swap)

	decision := eval.Evaluate(context.Background(), EvalInput{
		Symbol:     "BTC/USDT:USDT",
		SpotSymbol: "BTC/USDT",
		PriceSpot:  100,
		PriceSwap:  99.98, // basis -0.0002 vs threshold -0.0001
		Funding:    0.05,
		Capital:    10_000,
	})
	if decision.Viable {
		t.Fatal("expected rejection")
	}
	if decision.Reason != ReasonBackwardation {
		t.Fatalf("expected BACKWARDATION, got %s", decision.Reason)
	}
}

func TestEvaluateDegradedBookUsesFallbackSlippage(t *testing.T) {
	spot := &stubGateway{bookErr: errors.New("book down"), fees: map[string]gateway.TradingFee{}}
	swap := &stubGateway{bookErr: errors.New("book down"), fees: map[string]gateway.TradingFee{}}
	eval := newEvaluator(spot, swap)

	decision := eval.Evaluate(context.Background(), EvalInput{
		Symbol:     "BTC/USDT:USDT",
		SpotSymbol: "BTC/USDT",
		PriceSpot:  100,
		PriceSwap:  100.01,
		Funding:    0.01,
		Capital:    10_000,
	})
	if !decision.Viable {
		t.Fatalf("degraded mode should still evaluate, got %+v", decision)
	}
}

func TestEvaluateInvalidInputIsError(t *testing.T) {
	spot := &stubGateway{book: deepBook(100), fees: map[string]gateway.TradingFee{}}
	swap := &stubGateway{book: deepBook(100), fees: map[string]gateway.TradingFee{}}
	eval := newEvaluator(spot, swap)

	decision := eval.Evaluate(context.Background(), EvalInput{PriceSpot: 0, PriceSwap: 100, Capital: 1000})
	if decision.Viable || decision.Reason != ReasonError {
		t.Fatalf("expected ERROR decision, got %+v", decision)
	}
	if decision.Funding != 0 {
		t.Fatalf("error decision must zero the funding rate, got %f", decision.Funding)
	}
}

func TestEvaluateUsesFundingIntervalMetadata(t *testing.T) {
	spot := &stubGateway{book: deepBook(100), fees: map[string]gateway.TradingFee{}}
	// 4h cycles double the daily frequency; a rate that fails at the
	// default 3/day clears the hurdle at 6/day.
	swap := &stubGateway{book: deepBook(100.01), fees: map[string]gateway.TradingFee{}, interval: 4}
	eval := newEvaluator(spot, swap)

	in := EvalInput{
		Symbol:     "BTC/USDT:USDT",
		SpotSymbol: "BTC/USDT",
		PriceSpot:  100,
		PriceSwap:  100.01,
		Funding:    0.00035,
		Capital:    10_000,
	}
	withMeta := eval.Evaluate(context.Background(), in)

	swap.interval = 0
	withoutMeta := eval.Evaluate(context.Background(), in)
	if withMeta.ProjectedReturn <= withoutMeta.ProjectedReturn {
		t.Fatalf("expected higher projection with 4h interval: %f vs %f",
			withMeta.ProjectedReturn, withoutMeta.ProjectedReturn)
	}
}

func TestUsableCapitalDeductsFeeBuffer(t *testing.T) {
	// (0.001 + 0.0005) * 1.1 = 0.00165 buffer.
	got := UsableCapital(1000, 0.001, 0.0005)
	want := 1000 / 1.00165
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("usable capital: got %f want %f", got, want)
	}
	if zero := UsableCapital(1000, 0, 0); zero != 1000 {
		t.Fatalf("zero fees must pass capital through, got %f", zero)
	}
}
