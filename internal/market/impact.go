package market

import (
	"math"

	"cx-carry-bot/internal/gateway"
)

// Impact is the outcome of simulating a taker order against one side of an
// order book.
type Impact struct {
	Filled   float64
	Cost     float64
	AvgPrice float64
	Slippage float64
}

// WalkBook consumes book levels best-to-worst until notionalUSD is spent.
// The final level is filled fractionally; when total depth is insufficient
// the walk stops and the result covers only what was filled, which
// understates impact but never invents liquidity.
func WalkBook(levels []gateway.BookLevel, notionalUSD float64) (Impact, bool) {
	if notionalUSD <= 0 || len(levels) == 0 {
		return Impact{}, false
	}
	best := levels[0].Price
	if best <= 0 {
		return Impact{}, false
	}
	var filled, cost float64
	for _, lvl := range levels {
		if lvl.Price <= 0 || lvl.Qty <= 0 {
			continue
		}
		levelValue := lvl.Price * lvl.Qty
		remaining := notionalUSD - cost
		if levelValue >= remaining {
			filled += remaining / lvl.Price
			cost += remaining
			break
		}
		filled += lvl.Qty
		cost += levelValue
	}
	if filled == 0 {
		return Impact{}, false
	}
	avg := cost / filled
	return Impact{
		Filled:   filled,
		Cost:     cost,
		AvgPrice: avg,
		Slippage: math.Abs(avg-best) / best,
	}, true
}

// Slippage estimates taker slippage for a notional order, substituting the
// configured fallback when the book is empty or has no usable liquidity.
func Slippage(levels []gateway.BookLevel, notionalUSD, fallback float64) float64 {
	impact, ok := WalkBook(levels, notionalUSD)
	if !ok {
		return fallback
	}
	return impact.Slippage
}
