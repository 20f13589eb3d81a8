package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderStatus string

const (
	StatusFilled  OrderStatus = "filled"
	StatusClosed  OrderStatus = "closed"
	StatusPartial OrderStatus = "partial"
	StatusFailed  OrderStatus = "failed"
)

// Done reports whether the order completed with its full requested quantity.
// IOC orders that filled everything come back as either "filled" or "closed"
// depending on the venue.
func (s OrderStatus) Done() bool {
	return s == StatusFilled || s == StatusClosed
}

type Ticker struct {
	Last        float64
	QuoteVolume float64
}

type BookLevel struct {
	Price float64
	Qty   float64
}

type OrderBook struct {
	Asks []BookLevel
	Bids []BookLevel
}

func (b OrderBook) SideLevels(side Side) []BookLevel {
	if side == SideBuy {
		return b.Asks
	}
	return b.Bids
}

type Funding struct {
	Rate        float64
	NextFunding time.Time
	HasNext     bool
}

type TradingFee struct {
	Taker float64
}

type OrderResult struct {
	ID           string
	Status       OrderStatus
	FilledQty    float64
	AveragePrice float64
}

// Gateway is one venue side of the exchange: spot or perpetual swap.
// The core consumes this interface only; connectivity lives in
// gateway/binance.
type Gateway interface {
	FetchTickers(ctx context.Context) (map[string]Ticker, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
	FetchFundingRate(ctx context.Context, symbol string) (Funding, error)
	FetchFundingRateHistory(ctx context.Context, symbol string, limit int) ([]float64, error)
	FetchTradingFees(ctx context.Context) (map[string]TradingFee, error)
	// FundingIntervalHours returns the funding cycle length from market
	// metadata, false when the venue does not expose it.
	FundingIntervalHours(symbol string) (float64, bool)

	PlaceLimitIOC(ctx context.Context, symbol string, side Side, amount, limitPrice float64, clientID string) (OrderResult, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, amount float64) (OrderResult, error)

	Transfer(ctx context.Context, asset string, amount float64, from, to string) error
	FetchFreeBalances(ctx context.Context) (map[string]float64, error)

	AmountToPrecision(symbol string, amount float64) float64
	PriceToPrecision(symbol string, price float64) float64
}

// Error wraps a network or API failure on a gateway read. Callers catch it
// at the call site and substitute a configured default, continuing in
// degraded mode.
type Error struct {
	Op     string
	Symbol string
	Err    error
}

func (e *Error) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsMinNotional reports whether an order rejection is the exchange-side
// minimum-notional filter. Best-effort cleanup trades treat it as
// informational.
func IsMinNotional(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "MIN_NOTIONAL") || strings.Contains(msg, "NOTIONAL") || strings.Contains(msg, "Filter failure")
}
