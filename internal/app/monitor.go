package app

import (
	"context"
	"fmt"
	"time"

	"cx-carry-bot/internal/gateway"
	"cx-carry-bot/internal/ledger"
	"cx-carry-bot/internal/market"
	"cx-carry-bot/internal/strategy"
	"cx-carry-bot/internal/timescale"

	"go.uber.org/zap"
)

// monitorCycle runs once per monitor interval: balance reconciliation
// always, position upkeep when one is open.
func (a *App) monitorCycle(ctx context.Context) {
	a.reconcileBalances(ctx)
	if a.ledger.Position == nil {
		return
	}
	a.monitorPosition(ctx)
}

func (a *App) monitorPosition(ctx context.Context) {
	pos := a.ledger.Position
	now := time.Now().UTC()

	funding, err := a.swap.FetchFundingRate(ctx, pos.Symbol)
	if err != nil {
		a.log.Warn("funding fetch failed", zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}

	markPrice := 0.0
	if update, ok := a.streamedMark(pos.Symbol, 2*a.cfg.Strategy.MonitorInterval); ok {
		markPrice = update.MarkPrice
	}
	if markPrice <= 0 {
		swapTicker, err := a.swap.FetchTicker(ctx, pos.Symbol)
		if err != nil {
			a.log.Warn("swap ticker fetch failed", zap.String("symbol", pos.Symbol), zap.Error(err))
			return
		}
		markPrice = swapTicker.Last
	}
	spotTicker, err := a.spot.FetchTicker(ctx, pos.SpotSymbol)
	if err != nil {
		a.log.Warn("spot ticker fetch failed", zap.String("symbol", pos.SpotSymbol), zap.Error(err))
		return
	}

	// Circuit breaker: funding flipped materially negative, the carry now
	// pays the other side. Protective close runs even when paused.
	if funding.Rate < a.cfg.Strategy.NegativeFundingLimit {
		a.metrics.CircuitBreakerTrips.Inc()
		a.log.Warn("negative funding circuit breaker tripped",
			zap.String("symbol", pos.Symbol),
			zap.Float64("funding", funding.Rate),
			zap.Float64("limit", a.cfg.Strategy.NegativeFundingLimit),
		)
		a.notify(ctx, fmt.Sprintf("Circuit breaker: %s funding %.5f%% below limit, closing position", pos.Symbol, funding.Rate*100))
		if err := a.closePosition(ctx); err != nil {
			a.log.Error("forced close failed", zap.String("symbol", pos.Symbol), zap.Error(err))
		}
		return
	}

	if payout, ok := a.ledger.AccrueFunding(now, markPrice, funding.Rate, funding.NextFunding); ok {
		a.metrics.FundingAccruals.Inc()
		a.log.Info("funding accrued",
			zap.String("symbol", pos.Symbol),
			zap.Float64("payout", payout),
			zap.Float64("rate", funding.Rate),
		)
	}

	equity := a.ledger.MarkEquity(spotTicker.Last, markPrice)
	basis := (markPrice - spotTicker.Last) / spotTicker.Last

	a.maybeCompound(ctx, basis, funding.Rate)

	a.tsdb.EnqueueTick(timescale.PositionTick{
		Time:              now,
		Symbol:            pos.Symbol,
		SpotSymbol:        pos.SpotSymbol,
		Size:              pos.Size,
		EntryPriceSpot:    pos.EntryPriceSpot,
		EntryPriceSwap:    pos.EntryPriceSwap,
		MarkPrice:         markPrice,
		FundingRate:       funding.Rate,
		Basis:             basis,
		Capital:           a.ledger.Capital,
		AccumulatedProfit: a.ledger.AccumulatedProfit,
		AccumulatedFees:   a.ledger.AccumulatedFees,
		PeakCapital:       a.ledger.PeakCapital,
		Drawdown:          equity.Drawdown,
		PendingDepositUSD: a.ledger.PendingDepositUSD,
	})
	_ = a.saveSnapshot(ctx)
}

// maybeCompound folds pending deposits into the position when the market
// still favors the carry: positive basis and funding both above their
// compounding floors.
func (a *App) maybeCompound(ctx context.Context, basis, fundingRate float64) {
	if a.isPaused() {
		return
	}
	pending := a.ledger.PendingDepositUSD
	if pending < a.cfg.Strategy.MinOrderValueUSD {
		return
	}
	if basis < a.cfg.Strategy.MinCompoundBasis || fundingRate < a.cfg.Strategy.MinFundingRate {
		a.log.Debug("compounding deferred",
			zap.Float64("pending", pending),
			zap.Float64("basis", basis),
			zap.Float64("funding", fundingRate),
		)
		return
	}
	pos := a.ledger.Position
	feeSpot := a.fees.TakerFee(ctx, pos.SpotSymbol, market.VenueSpot)
	feeSwap := a.fees.TakerFee(ctx, pos.Symbol, market.VenueSwap)
	// Same fee buffer as entry sizing: the tranche's own fees come out of
	// the deposit, not out of working capital.
	perLeg := strategy.UsableCapital(pending, feeSpot, feeSwap) / 2
	if err := a.balanceWallets(ctx, perLeg); err != nil {
		a.log.Warn("wallet balancing failed", zap.Error(err))
	}
	spotLeg, swapLeg, err := a.planner.Entry(ctx, pos.SpotSymbol, pos.Symbol, perLeg)
	if err != nil {
		a.log.Warn("compound planning failed", zap.Error(err))
		return
	}
	res, err := a.coord.Execute(ctx, spotLeg, swapLeg)
	if err != nil {
		a.handleExecutionFailure(ctx, pos.Symbol, res, err)
		return
	}
	qty := res.Spot.FilledQty
	if res.Swap.FilledQty < qty {
		qty = res.Swap.FilledQty
	}
	fill := ledger.Fill{
		Quantity:  qty,
		PriceSpot: priceOr(res.Spot.AveragePrice, spotLeg.LimitPrice),
		PriceSwap: priceOr(res.Swap.AveragePrice, swapLeg.LimitPrice),
		FeeSpot:   feeSpot,
		FeeSwap:   feeSwap,
	}
	if err := a.ledger.ApplyCompound(fill); err != nil {
		a.log.Error("compound commit failed", zap.Error(err))
		return
	}
	a.rebaseBalance = true
	a.metrics.CompoundsCommitted.Inc()
	if dust := res.Spot.FilledQty - qty; dust > 0 {
		a.cleanupDust(ctx, pos.SpotSymbol, dust, fill.PriceSpot)
	}
	a.log.Info("position compounded",
		zap.String("symbol", pos.Symbol),
		zap.Float64("added_size", qty),
		zap.Float64("new_size", pos.Size),
	)
	a.notify(ctx, fmt.Sprintf("Compounded %s: +%.6f, total size %.6f", pos.Symbol, qty, pos.Size))
	_ = a.saveSnapshot(ctx)
}

// closePosition unwinds both legs and settles the ledger.
func (a *App) closePosition(ctx context.Context) error {
	pos := a.ledger.Position
	if pos == nil {
		return ledger.ErrNoPosition
	}
	spotLeg, swapLeg, err := a.planner.Close(ctx, pos)
	if err != nil {
		return err
	}
	res, err := a.coord.Execute(ctx, spotLeg, swapLeg)
	if err != nil {
		a.handleExecutionFailure(ctx, pos.Symbol, res, err)
		return err
	}
	// IOC legs may exit only part of the position; the remainder must be
	// force-closed or it stays open with no position record behind it.
	spotQty, exitSpot := a.finishCloseLeg(ctx, a.spot, pos.SpotSymbol, gateway.SideSell,
		pos.Size, res.Spot.FilledQty, priceOr(res.Spot.AveragePrice, spotLeg.LimitPrice))
	swapQty, exitSwap := a.finishCloseLeg(ctx, a.swap, pos.Symbol, gateway.SideBuy,
		pos.Size, res.Swap.FilledQty, priceOr(res.Swap.AveragePrice, swapLeg.LimitPrice))
	feeSpot := a.fees.TakerFee(ctx, pos.SpotSymbol, market.VenueSpot)
	feeSwap := a.fees.TakerFee(ctx, pos.Symbol, market.VenueSwap)
	exitFees := spotQty*exitSpot*feeSpot + swapQty*exitSwap*feeSwap

	spotSymbol := pos.SpotSymbol
	symbol := pos.Symbol
	pnl, err := a.ledger.ApplyClose(exitSpot, exitSwap, exitFees)
	if err != nil {
		return err
	}
	a.rebaseBalance = true
	a.metrics.ClosesCommitted.Inc()
	a.log.Info("position closed",
		zap.String("symbol", symbol),
		zap.Float64("exit_spot", exitSpot),
		zap.Float64("exit_swap", exitSwap),
		zap.Float64("net_pnl", pnl),
	)
	a.notify(ctx, fmt.Sprintf("Closed %s: net PnL %.2f %s", symbol, pnl, quoteAsset))
	a.sweepResidualBase(ctx, spotSymbol)
	return a.saveSnapshot(ctx)
}

// finishCloseLeg market-orders the unfilled remainder of a close leg and
// folds its fill into the leg's exit quantity and weighted exit price. An
// unclosed remainder is naked exposure, so a failure pauses trading.
func (a *App) finishCloseLeg(ctx context.Context, gw gateway.Gateway, symbol string, side gateway.Side, target, filledQty, avgPrice float64) (float64, float64) {
	remainder := gw.AmountToPrecision(symbol, target-filledQty)
	if remainder <= 0 || remainder*avgPrice < a.cfg.Strategy.MinOrderValueUSD {
		return filledQty, avgPrice
	}
	res, err := gw.PlaceMarketOrder(ctx, symbol, side, remainder)
	if err != nil || res.FilledQty <= 0 {
		a.setPaused(true)
		a.log.Error("close remainder order failed, trading paused",
			zap.String("symbol", symbol),
			zap.Float64("remainder", remainder),
			zap.Error(err),
		)
		a.notify(ctx, fmt.Sprintf("CRITICAL: could not close %s remainder %.6f, residual exposure, trading paused", symbol, remainder))
		return filledQty, avgPrice
	}
	price := priceOr(res.AveragePrice, avgPrice)
	total := filledQty + res.FilledQty
	return total, (avgPrice*filledQty + price*res.FilledQty) / total
}

// sweepResidualBase sells whatever base asset is still sitting in the spot
// wallet after a close. Leg quantization and partial fills leave crumbs.
func (a *App) sweepResidualBase(ctx context.Context, spotSymbol string) {
	base, _, ok := splitSymbol(spotSymbol)
	if !ok {
		return
	}
	balances, err := a.spot.FetchFreeBalances(ctx)
	if err != nil {
		a.log.Warn("residual sweep balance fetch failed", zap.Error(err))
		return
	}
	qty := balances[base]
	if qty <= 0 {
		return
	}
	ticker, err := a.spot.FetchTicker(ctx, spotSymbol)
	if err != nil || ticker.Last <= 0 {
		return
	}
	a.cleanupDust(ctx, spotSymbol, a.spot.AmountToPrecision(spotSymbol, qty), ticker.Last)
}

func splitSymbol(symbol string) (base, quote string, ok bool) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i], symbol[i+1:], true
		}
	}
	return "", "", false
}
