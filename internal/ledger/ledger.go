package ledger

import (
	"errors"
	"time"
)

var (
	ErrPositionOpen = errors.New("a position is already open")
	ErrNoPosition   = errors.New("no open position")
	ErrBadFill      = errors.New("fill quantity and prices must be > 0")
)

// Position is the open cash-and-carry pair: long spot, short swap. At most
// one exists at a time; entry prices are independent quantity-weighted
// averages across the original entry and any compounding tranches.
type Position struct {
	Symbol         string
	SpotSymbol     string
	Size           float64
	EntryPriceSpot float64
	EntryPriceSwap float64
	EntryTime      time.Time
}

// Ledger is the process-wide financial state. It is owned exclusively by
// the monitoring loop and never mutated concurrently.
type Ledger struct {
	Capital           float64
	Position          *Position
	AccumulatedProfit float64
	AccumulatedFees   float64
	PeakCapital       float64
	PendingDepositUSD float64
	LastRealBalance   float64
	NextFunding       time.Time
}

// Fill is the realized outcome of one committed two-leg execution.
type Fill struct {
	Quantity  float64
	PriceSpot float64
	PriceSwap float64
	FeeSpot   float64 // taker fee rate applied to the spot leg
	FeeSwap   float64
}

// FeesUSD is the taker cost of the fill at its executed prices.
func (f Fill) FeesUSD() float64 {
	return f.Quantity*f.PriceSpot*f.FeeSpot + f.Quantity*f.PriceSwap*f.FeeSwap
}

func New(capital float64) *Ledger {
	return &Ledger{Capital: capital, PeakCapital: capital, LastRealBalance: capital}
}

// ApplyEntry opens the position from actual fills and charges the entry
// fees against capital.
func (l *Ledger) ApplyEntry(symbol, spotSymbol string, fill Fill, now time.Time) error {
	if l.Position != nil {
		return ErrPositionOpen
	}
	if fill.Quantity <= 0 || fill.PriceSpot <= 0 || fill.PriceSwap <= 0 {
		return ErrBadFill
	}
	fees := fill.FeesUSD()
	l.Position = &Position{
		Symbol:         symbol,
		SpotSymbol:     spotSymbol,
		Size:           fill.Quantity,
		EntryPriceSpot: fill.PriceSpot,
		EntryPriceSwap: fill.PriceSwap,
		EntryTime:      now,
	}
	l.Capital -= fees
	l.AccumulatedFees += fees
	return nil
}

// ApplyCompound folds a new tranche into the open position. Entry prices
// become quantity-weighted averages per leg; the pending deposit is
// absorbed into capital net of the tranche fees.
func (l *Ledger) ApplyCompound(fill Fill) error {
	if l.Position == nil {
		return ErrNoPosition
	}
	if fill.Quantity <= 0 || fill.PriceSpot <= 0 || fill.PriceSwap <= 0 {
		return ErrBadFill
	}
	pos := l.Position
	oldQty := pos.Size
	newQty := oldQty + fill.Quantity
	pos.EntryPriceSpot = (pos.EntryPriceSpot*oldQty + fill.PriceSpot*fill.Quantity) / newQty
	pos.EntryPriceSwap = (pos.EntryPriceSwap*oldQty + fill.PriceSwap*fill.Quantity) / newQty
	pos.Size = newQty

	fees := fill.FeesUSD()
	l.Capital += l.PendingDepositUSD
	l.Capital -= fees
	l.AccumulatedFees += fees
	l.PendingDepositUSD = 0
	return nil
}

// ApplyClose realizes PnL from the actual exit fills, settles capital, and
// clears the position. Returns the realized price PnL net of exit fees.
func (l *Ledger) ApplyClose(exitPriceSpot, exitPriceSwap float64, exitFees float64) (float64, error) {
	if l.Position == nil {
		return 0, ErrNoPosition
	}
	pos := l.Position
	netPnL := (exitPriceSpot-pos.EntryPriceSpot)*pos.Size + (pos.EntryPriceSwap-exitPriceSwap)*pos.Size
	l.Capital += netPnL - exitFees
	l.AccumulatedFees += exitFees
	l.Position = nil
	l.NextFunding = time.Time{}
	return netPnL - exitFees, nil
}

// AccrueFunding credits one funding payment when the scheduled timestamp
// has passed. The next timestamp comes from the gateway when it is in the
// future, else the standard 8-hour cycle.
func (l *Ledger) AccrueFunding(now time.Time, markPrice, rate float64, apiNext time.Time) (float64, bool) {
	if l.Position == nil {
		return 0, false
	}
	if l.NextFunding.IsZero() || now.Before(l.NextFunding) {
		if l.NextFunding.IsZero() {
			l.scheduleNextFunding(now, apiNext)
		}
		return 0, false
	}
	payout := l.Position.Size * markPrice * rate
	l.AccumulatedProfit += payout
	l.scheduleNextFunding(now, apiNext)
	return payout, true
}

func (l *Ledger) scheduleNextFunding(now, apiNext time.Time) {
	if !apiNext.IsZero() && apiNext.After(now) {
		l.NextFunding = apiNext
		return
	}
	l.NextFunding = now.Add(8 * time.Hour)
}

// Equity is the per-tick mark-to-market view.
type Equity struct {
	NetPnL      float64
	TotalEquity float64
	Drawdown    float64
}

// MarkEquity computes floating PnL and total equity at current prices,
// ratcheting the peak-capital high-water mark.
func (l *Ledger) MarkEquity(priceSpot, priceSwap float64) Equity {
	var netPnL float64
	if l.Position != nil {
		pos := l.Position
		netPnL = (priceSpot-pos.EntryPriceSpot)*pos.Size + (pos.EntryPriceSwap-priceSwap)*pos.Size
	}
	total := l.Capital + l.AccumulatedProfit + netPnL
	if total > l.PeakCapital {
		l.PeakCapital = total
	}
	drawdown := 0.0
	if l.PeakCapital > 0 {
		drawdown = (l.PeakCapital - total) / l.PeakCapital
	}
	return Equity{NetPnL: netPnL, TotalEquity: total, Drawdown: drawdown}
}

// Rebaseline resets the deposit-detection baseline without queueing the
// difference. Entries, compounds, and closes move the bot's own capital
// between wallets and position; the first balance observation after such a
// move is not a deposit.
func (l *Ledger) Rebaseline(totalFree float64) {
	l.LastRealBalance = totalFree
}

// RecordBalance compares a live total free balance against the last
// observation; an increase above the detection threshold is queued as a
// pending deposit. Returns the queued amount, zero if none.
func (l *Ledger) RecordBalance(totalFree, detectThreshold float64) float64 {
	defer func() { l.LastRealBalance = totalFree }()
	if l.LastRealBalance <= 0 {
		return 0
	}
	diff := totalFree - l.LastRealBalance
	if diff <= detectThreshold {
		return 0
	}
	l.PendingDepositUSD += diff
	return diff
}
