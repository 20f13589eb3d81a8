package strategy

import (
	"context"

	"cx-carry-bot/internal/config"
	"cx-carry-bot/internal/gateway"
	"cx-carry-bot/internal/market"

	"go.uber.org/zap"
)

const (
	feeSafetyMargin      = 1.1 // 10% buffer over resolved taker fees
	defaultFundingPerDay = 3.0 // 8-hour cycles when metadata is missing
	daysPerYear          = 365.0
)

// Evaluator decides whether a candidate pair is worth entering. It never
// returns an error: any internal fault degrades to a non-viable decision
// with ReasonError.
type Evaluator struct {
	spot gateway.Gateway
	swap gateway.Gateway
	fees *market.FeeResolver
	cfg  config.StrategyConfig
	log  *zap.Logger
}

func NewEvaluator(spot, swap gateway.Gateway, fees *market.FeeResolver, cfg config.StrategyConfig, log *zap.Logger) *Evaluator {
	return &Evaluator{spot: spot, swap: swap, fees: fees, cfg: cfg, log: log}
}

func (e *Evaluator) Evaluate(ctx context.Context, in EvalInput) Decision {
	if in.PriceSpot <= 0 || in.PriceSwap <= 0 || in.Capital <= 0 {
		return Decision{Reason: ReasonError}
	}

	feeSpot := e.fees.TakerFee(ctx, in.SpotSymbol, market.VenueSpot)
	feeSwap := e.fees.TakerFee(ctx, in.Symbol, market.VenueSwap)

	allocationPerLeg := UsableCapital(in.Capital, feeSpot, feeSwap) / 2

	slipSpot := e.slippage(ctx, e.spot, in.SpotSymbol, gateway.SideBuy, allocationPerLeg)
	slipSwap := e.slippage(ctx, e.swap, in.Symbol, gateway.SideSell, allocationPerLeg)

	// Round trip: both legs open and close as takers.
	totalFees := 2*(feeSpot+slipSpot) + 2*(feeSwap+slipSwap)

	perDay := defaultFundingPerDay
	if interval, ok := e.swap.FundingIntervalHours(in.Symbol); ok && interval > 0 {
		perDay = 24 / interval
	}

	requiredNetProfit := (e.cfg.MinNetAPR / daysPerYear) * e.cfg.PaybackPeriodDays
	hurdle := totalFees + requiredNetProfit
	projected := in.Funding * perDay * e.cfg.PaybackPeriodDays

	basis := (in.PriceSwap - in.PriceSpot) / in.PriceSpot
	decision := Decision{
		Funding:         in.Funding,
		Basis:           basis,
		TotalFees:       totalFees,
		Hurdle:          hurdle,
		ProjectedReturn: projected,
		AllocationUSD:   allocationPerLeg,
	}

	if projected < hurdle {
		decision.Reason = ReasonLowProfit
		return decision
	}
	if basis < e.cfg.NegativeFundingLimit {
		decision.Reason = ReasonBackwardation
		return decision
	}
	decision.Viable = true
	decision.Reason = ReasonSuccess
	return decision
}

// UsableCapital deducts the fee safety buffer from gross capital before it
// is split across the legs. Entry and compounding size with the same math.
func UsableCapital(capital, feeSpot, feeSwap float64) float64 {
	return capital / (1 + (feeSpot+feeSwap)*feeSafetyMargin)
}

func (e *Evaluator) slippage(ctx context.Context, gw gateway.Gateway, symbol string, side gateway.Side, notionalUSD float64) float64 {
	book, err := gw.FetchOrderBook(ctx, symbol, e.cfg.BookDepth)
	if err != nil {
		e.log.Warn("order book fetch failed, using fallback slippage",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return e.cfg.FallbackSlippage
	}
	return market.Slippage(book.SideLevels(side), notionalUSD, e.cfg.FallbackSlippage)
}
