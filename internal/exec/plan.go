package exec

import (
	"context"
	"fmt"

	"cx-carry-bot/internal/gateway"
	"cx-carry-bot/internal/ledger"
)

// Planner builds leg pairs from fresh market data. Limit prices carry a
// tolerance band off the last trade so the IOC orders cross the book but
// cap the fill price: buys pay at most last*(1+tol), sells accept at least
// last*(1-tol).
type Planner struct {
	Spot      gateway.Gateway
	Swap      gateway.Gateway
	Tolerance float64
}

func (p *Planner) prices(ctx context.Context, spotSymbol, swapSymbol string) (float64, float64, error) {
	spotTicker, err := p.Spot.FetchTicker(ctx, spotSymbol)
	if err != nil {
		return 0, 0, fmt.Errorf("spot ticker %s: %w", spotSymbol, err)
	}
	swapTicker, err := p.Swap.FetchTicker(ctx, swapSymbol)
	if err != nil {
		return 0, 0, fmt.Errorf("swap ticker %s: %w", swapSymbol, err)
	}
	if spotTicker.Last <= 0 || swapTicker.Last <= 0 {
		return 0, 0, fmt.Errorf("non-positive last price: spot=%f swap=%f", spotTicker.Last, swapTicker.Last)
	}
	return spotTicker.Last, swapTicker.Last, nil
}

// quantize runs the amount through both venues' lot filters so the two
// legs end up with one identical size.
func (p *Planner) quantize(spotSymbol, swapSymbol string, amount float64) float64 {
	amount = p.Spot.AmountToPrecision(spotSymbol, amount)
	return p.Swap.AmountToPrecision(swapSymbol, amount)
}

// Entry sizes both legs off the spot buy limit so the same base quantity
// is bought spot and sold swap. notionalUSD is the per-leg allocation.
func (p *Planner) Entry(ctx context.Context, spotSymbol, swapSymbol string, notionalUSD float64) (Leg, Leg, error) {
	if notionalUSD <= 0 {
		return Leg{}, Leg{}, fmt.Errorf("notional must be > 0, got %f", notionalUSD)
	}
	spotLast, swapLast, err := p.prices(ctx, spotSymbol, swapSymbol)
	if err != nil {
		return Leg{}, Leg{}, err
	}

	buyLimit := p.Spot.PriceToPrecision(spotSymbol, spotLast*(1+p.Tolerance))
	sellLimit := p.Swap.PriceToPrecision(swapSymbol, swapLast*(1-p.Tolerance))
	amount := p.quantize(spotSymbol, swapSymbol, notionalUSD/buyLimit)
	if amount <= 0 {
		return Leg{}, Leg{}, fmt.Errorf("allocation %f too small for lot size of %s", notionalUSD, spotSymbol)
	}

	spotLeg := Leg{Gateway: p.Spot, Venue: "spot", Symbol: spotSymbol, Side: gateway.SideBuy, Amount: amount, LimitPrice: buyLimit}
	swapLeg := Leg{Gateway: p.Swap, Venue: "swap", Symbol: swapSymbol, Side: gateway.SideSell, Amount: amount, LimitPrice: sellLimit}
	return spotLeg, swapLeg, nil
}

// Close unwinds an open position: sell the spot holding, buy back the
// swap short, same size both legs.
func (p *Planner) Close(ctx context.Context, pos *ledger.Position) (Leg, Leg, error) {
	if pos == nil || pos.Size <= 0 {
		return Leg{}, Leg{}, fmt.Errorf("no position to close")
	}
	spotLast, swapLast, err := p.prices(ctx, pos.SpotSymbol, pos.Symbol)
	if err != nil {
		return Leg{}, Leg{}, err
	}

	sellLimit := p.Spot.PriceToPrecision(pos.SpotSymbol, spotLast*(1-p.Tolerance))
	buyLimit := p.Swap.PriceToPrecision(pos.Symbol, swapLast*(1+p.Tolerance))
	amount := p.quantize(pos.SpotSymbol, pos.Symbol, pos.Size)
	if amount <= 0 {
		return Leg{}, Leg{}, fmt.Errorf("position size %f below lot size of %s", pos.Size, pos.SpotSymbol)
	}

	spotLeg := Leg{Gateway: p.Spot, Venue: "spot", Symbol: pos.SpotSymbol, Side: gateway.SideSell, Amount: amount, LimitPrice: sellLimit}
	swapLeg := Leg{Gateway: p.Swap, Venue: "swap", Symbol: pos.Symbol, Side: gateway.SideBuy, Amount: amount, LimitPrice: buyLimit}
	return spotLeg, swapLeg, nil
}
