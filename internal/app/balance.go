package app

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// reconcileBalances reads both wallets, queues freshly detected deposits
// for compounding, and keeps the two wallets level while flat.
func (a *App) reconcileBalances(ctx context.Context) {
	spotFree, swapFree, err := a.freeQuoteBalances(ctx)
	if err != nil {
		a.log.Warn("balance fetch failed", zap.Error(err))
		return
	}
	total := spotFree + swapFree

	// The first observation after an entry, compound, or close reflects the
	// bot's own capital moving, not a deposit.
	if a.rebaseBalance {
		a.ledger.Rebaseline(total)
		a.rebaseBalance = false
		return
	}

	if queued := a.ledger.RecordBalance(total, a.cfg.Risk.DepositDetectUSD); queued > 0 {
		a.log.Info("deposit detected",
			zap.Float64("amount", queued),
			zap.Float64("pending_total", a.ledger.PendingDepositUSD),
		)
		a.notify(ctx, fmt.Sprintf("Deposit detected: %.2f %s queued for compounding", queued, quoteAsset))
		_ = a.saveSnapshot(ctx)
	}

	if a.ledger.Position == nil {
		a.levelWallets(ctx, spotFree, swapFree)
	}
}

// levelWallets moves quote currency so both wallets can fund an equal leg.
func (a *App) levelWallets(ctx context.Context, spotFree, swapFree float64) {
	diff := spotFree - swapFree
	amount := math.Abs(diff) / 2
	if amount < a.cfg.Risk.MinTransferUSD {
		return
	}
	from, to := "spot", "swap"
	if diff < 0 {
		from, to = "swap", "spot"
	}
	if err := a.spot.Transfer(ctx, quoteAsset, amount, from, to); err != nil {
		a.log.Warn("wallet transfer failed",
			zap.String("from", from),
			zap.String("to", to),
			zap.Float64("amount", amount),
			zap.Error(err),
		)
		return
	}
	a.log.Info("wallets leveled",
		zap.String("from", from),
		zap.String("to", to),
		zap.Float64("amount", amount),
	)
}

// balanceWallets tops up whichever wallet cannot cover an allocation of
// perLegUSD before a paired execution.
func (a *App) balanceWallets(ctx context.Context, perLegUSD float64) error {
	if perLegUSD <= 0 {
		return nil
	}
	spotFree, swapFree, err := a.freeQuoteBalances(ctx)
	if err != nil {
		return err
	}
	if spotFree >= perLegUSD && swapFree >= perLegUSD {
		return nil
	}
	switch {
	case spotFree < perLegUSD && swapFree-(perLegUSD-spotFree) >= perLegUSD:
		need := perLegUSD - spotFree
		if need < a.cfg.Risk.MinTransferUSD {
			return nil
		}
		return a.spot.Transfer(ctx, quoteAsset, need, "swap", "spot")
	case swapFree < perLegUSD && spotFree-(perLegUSD-swapFree) >= perLegUSD:
		need := perLegUSD - swapFree
		if need < a.cfg.Risk.MinTransferUSD {
			return nil
		}
		return a.spot.Transfer(ctx, quoteAsset, need, "spot", "swap")
	default:
		return fmt.Errorf("insufficient combined balance for %.2f per leg: spot %.2f, swap %.2f", perLegUSD, spotFree, swapFree)
	}
}

func (a *App) freeQuoteBalances(ctx context.Context) (spotFree, swapFree float64, err error) {
	spotBalances, err := a.spot.FetchFreeBalances(ctx)
	if err != nil {
		return 0, 0, err
	}
	swapBalances, err := a.swap.FetchFreeBalances(ctx)
	if err != nil {
		return 0, 0, err
	}
	return spotBalances[quoteAsset], swapBalances[quoteAsset], nil
}

func (a *App) totalFreeQuote(ctx context.Context) (float64, error) {
	spotFree, swapFree, err := a.freeQuoteBalances(ctx)
	if err != nil {
		return 0, err
	}
	return spotFree + swapFree, nil
}
