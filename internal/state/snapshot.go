package state

import (
	"context"
	"fmt"
	"time"

	"cx-carry-bot/internal/ledger"

	"github.com/vmihailenco/msgpack/v5"
)

const LedgerSnapshotKey = "ledger:snapshot"

const snapshotVersion = 1

// PositionSnapshot mirrors ledger.Position for persistence.
type PositionSnapshot struct {
	Symbol         string  `msgpack:"symbol"`
	SpotSymbol     string  `msgpack:"spot_symbol"`
	Size           float64 `msgpack:"size"`
	EntryPriceSpot float64 `msgpack:"entry_price_spot"`
	EntryPriceSwap float64 `msgpack:"entry_price_swap"`
	EntryTimeMS    int64   `msgpack:"entry_time_ms"`
}

// LedgerSnapshot is the versioned persisted form of the Ledger plus the fee
// cache. Fields absent in older payloads decode to zero values; loading
// applies explicit defaults so the schema can evolve.
type LedgerSnapshot struct {
	Version           int                `msgpack:"version"`
	Capital           float64            `msgpack:"capital"`
	Position          *PositionSnapshot  `msgpack:"position"`
	AccumulatedProfit float64            `msgpack:"accumulated_profit"`
	AccumulatedFees   float64            `msgpack:"accumulated_fees"`
	PeakCapital       float64            `msgpack:"peak_capital"`
	PendingDepositUSD float64            `msgpack:"pending_deposit_usd"`
	LastRealBalance   float64            `msgpack:"last_real_balance"`
	NextFundingMS     int64              `msgpack:"next_funding_ms"`
	FeeCache          map[string]float64 `msgpack:"fee_cache"`
	UpdatedAtMS       int64              `msgpack:"updated_at_ms"`
}

// SnapshotLedger captures the live ledger and fee cache.
func SnapshotLedger(l *ledger.Ledger, feeCache map[string]float64, now time.Time) LedgerSnapshot {
	snap := LedgerSnapshot{
		Version:           snapshotVersion,
		Capital:           l.Capital,
		AccumulatedProfit: l.AccumulatedProfit,
		AccumulatedFees:   l.AccumulatedFees,
		PeakCapital:       l.PeakCapital,
		PendingDepositUSD: l.PendingDepositUSD,
		LastRealBalance:   l.LastRealBalance,
		FeeCache:          feeCache,
		UpdatedAtMS:       now.UnixMilli(),
	}
	if !l.NextFunding.IsZero() {
		snap.NextFundingMS = l.NextFunding.UnixMilli()
	}
	if l.Position != nil {
		snap.Position = &PositionSnapshot{
			Symbol:         l.Position.Symbol,
			SpotSymbol:     l.Position.SpotSymbol,
			Size:           l.Position.Size,
			EntryPriceSpot: l.Position.EntryPriceSpot,
			EntryPriceSwap: l.Position.EntryPriceSwap,
			EntryTimeMS:    l.Position.EntryTime.UnixMilli(),
		}
	}
	return snap
}

// Restore rebuilds a live Ledger from the snapshot.
func (s LedgerSnapshot) Restore() *ledger.Ledger {
	l := &ledger.Ledger{
		Capital:           s.Capital,
		AccumulatedProfit: s.AccumulatedProfit,
		AccumulatedFees:   s.AccumulatedFees,
		PeakCapital:       s.PeakCapital,
		PendingDepositUSD: s.PendingDepositUSD,
		LastRealBalance:   s.LastRealBalance,
	}
	if l.PeakCapital < l.Capital {
		l.PeakCapital = l.Capital
	}
	if s.NextFundingMS > 0 {
		l.NextFunding = time.UnixMilli(s.NextFundingMS).UTC()
	}
	if s.Position != nil {
		l.Position = &ledger.Position{
			Symbol:         s.Position.Symbol,
			SpotSymbol:     s.Position.SpotSymbol,
			Size:           s.Position.Size,
			EntryPriceSpot: s.Position.EntryPriceSpot,
			EntryPriceSwap: s.Position.EntryPriceSwap,
			EntryTime:      time.UnixMilli(s.Position.EntryTimeMS).UTC(),
		}
	}
	return l
}

func LoadLedgerSnapshot(ctx context.Context, store Store) (LedgerSnapshot, bool, error) {
	if store == nil {
		return LedgerSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, LedgerSnapshotKey)
	if err != nil {
		return LedgerSnapshot{}, false, err
	}
	if !ok || len(raw) == 0 {
		return LedgerSnapshot{}, false, nil
	}
	var snap LedgerSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return LedgerSnapshot{}, false, fmt.Errorf("decode ledger snapshot: %w", err)
	}
	if snap.Version <= 0 || snap.Version > snapshotVersion {
		return LedgerSnapshot{}, false, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	if snap.FeeCache == nil {
		snap.FeeCache = make(map[string]float64)
	}
	return snap, true, nil
}

func SaveLedgerSnapshot(ctx context.Context, store Store, snap LedgerSnapshot) error {
	if store == nil {
		return nil
	}
	snap.Version = snapshotVersion
	payload, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	return store.Set(ctx, LedgerSnapshotKey, payload)
}
