package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cx-carry-bot/internal/alerts"
	"cx-carry-bot/internal/config"
	"cx-carry-bot/internal/exec"
	"cx-carry-bot/internal/gateway"
	"cx-carry-bot/internal/gateway/binance"
	"cx-carry-bot/internal/ledger"
	"cx-carry-bot/internal/market"
	"cx-carry-bot/internal/metrics"
	"cx-carry-bot/internal/state"
	"cx-carry-bot/internal/state/sqlite"
	"cx-carry-bot/internal/strategy"
	"cx-carry-bot/internal/timescale"

	"go.uber.org/zap"
)

const quoteAsset = "USDT"

// App owns the ledger and drives the scan/monitor loop. All ledger
// mutations happen on this loop; no other goroutine touches it.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	store   state.Store
	spot    gateway.Gateway
	swap    gateway.Gateway
	stream  *binance.Stream
	scanner *market.Scanner
	fees    *market.FeeResolver
	eval    *strategy.Evaluator
	planner *exec.Planner
	coord   *exec.Coordinator
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
	alerts  *alerts.Telegram
	tsdb    *timescale.Writer

	promHandler http.Handler

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
	status         ledgerStatus

	// Loop-thread only: the next balance observation re-baselines
	// deposit detection instead of queueing the difference.
	rebaseBalance bool

	markMu sync.RWMutex
	mark   binance.MarkPriceUpdate
	markAt time.Time
}

// ledgerStatus is the read-only view of the ledger published for the
// operator goroutine. The ledger itself is owned by the monitoring loop
// and never read off-thread.
type ledgerStatus struct {
	capital           float64
	accumulatedProfit float64
	accumulatedFees   float64
	pendingDepositUSD float64
	hasPosition       bool
	position          ledger.Position
	nextFunding       time.Time
}

// publishStatus snapshots the ledger for the operator goroutine. Called on
// the loop thread after every ledger mutation.
func (a *App) publishStatus() {
	view := ledgerStatus{
		capital:           a.ledger.Capital,
		accumulatedProfit: a.ledger.AccumulatedProfit,
		accumulatedFees:   a.ledger.AccumulatedFees,
		pendingDepositUSD: a.ledger.PendingDepositUSD,
		nextFunding:       a.ledger.NextFunding,
	}
	if a.ledger.Position != nil {
		view.hasPosition = true
		view.position = *a.ledger.Position
	}
	a.opsMu.Lock()
	a.status = view
	a.opsMu.Unlock()
}

func (a *App) statusView() ledgerStatus {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.status
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	spot := binance.New(binance.VenueSpot, cfg.Gateway, log)
	swap := binance.New(binance.VenueSwap, cfg.Gateway, log)
	stream := binance.NewStream(cfg.Gateway.StreamURL, cfg.Gateway.Reconnect, log)

	fees := market.NewFeeResolver(spot, swap, cfg.Strategy.FeeTakerSpotDefault, cfg.Strategy.FeeTakerSwapDefault, log)

	m := metrics.NewNoop()
	var promHandler http.Handler
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		promHandler = prom.Handler()
	}

	tsdb, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		spot:        spot,
		swap:        swap,
		stream:      stream,
		scanner:     market.NewScanner(swap, cfg.Strategy, log),
		fees:        fees,
		eval:        strategy.NewEvaluator(spot, swap, fees, cfg.Strategy, log),
		planner:     &exec.Planner{Spot: spot, Swap: swap, Tolerance: cfg.Strategy.SlippageTolerance},
		coord:       exec.NewCoordinator(log, m),
		metrics:     m,
		alerts:      alerts.NewTelegram(cfg.Telegram, log),
		tsdb:        tsdb,
		promHandler: promHandler,
	}
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer func() {
		_ = a.store.Close()
		_ = a.tsdb.Close()
	}()

	if err := a.restoreLedger(ctx); err != nil {
		return err
	}
	a.tsdb.Start(ctx)
	a.startOperator(ctx)
	a.serveMetrics(ctx)

	if a.ledger.Position != nil {
		a.watchMarkPrice(ctx, a.ledger.Position.Symbol)
	}

	a.log.Info("starting monitoring loop",
		zap.Float64("capital", a.ledger.Capital),
		zap.Bool("position_open", a.ledger.Position != nil),
	)

	scanTicker := time.NewTicker(a.cfg.Strategy.ScanInterval)
	defer scanTicker.Stop()
	monitorTicker := time.NewTicker(a.cfg.Strategy.MonitorInterval)
	defer monitorTicker.Stop()

	// Scan once at startup when flat instead of waiting a full interval.
	if a.ledger.Position == nil {
		a.scanCycle(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-scanTicker.C:
			if a.ledger.Position == nil {
				a.scanCycle(ctx)
			}
		case <-monitorTicker.C:
			a.monitorCycle(ctx)
		}
	}
}

// restoreLedger loads the persisted snapshot; a corrupt or missing snapshot
// starts fresh from the live exchange balance.
func (a *App) restoreLedger(ctx context.Context) error {
	snap, ok, err := state.LoadLedgerSnapshot(ctx, a.store)
	if err != nil {
		a.log.Warn("ledger snapshot unreadable, starting fresh", zap.Error(err))
		ok = false
	}
	if ok {
		a.ledger = snap.Restore()
		a.fees.Seed(snap.FeeCache)
		a.publishStatus()
		a.log.Info("ledger restored",
			zap.Float64("capital", a.ledger.Capital),
			zap.Bool("position_open", a.ledger.Position != nil),
		)
		return nil
	}

	total, err := a.totalFreeQuote(ctx)
	if err != nil {
		return fmt.Errorf("initial balance: %w", err)
	}
	if total <= 0 {
		return errors.New("no free balance to trade with")
	}
	a.ledger = ledger.New(total)
	a.log.Info("ledger initialized from live balance", zap.Float64("capital", total))
	return a.saveSnapshot(ctx)
}

func (a *App) saveSnapshot(ctx context.Context) error {
	a.publishStatus()
	snap := state.SnapshotLedger(a.ledger, a.fees.Export(), time.Now().UTC())
	if err := state.SaveLedgerSnapshot(ctx, a.store, snap); err != nil {
		a.log.Error("snapshot save failed", zap.Error(err))
		return err
	}
	return nil
}

func (a *App) serveMetrics(ctx context.Context) {
	if a.promHandler == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.promHandler)
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
}

// scanCycle evaluates the market and enters the best viable candidate.
func (a *App) scanCycle(ctx context.Context) {
	if a.isPaused() {
		return
	}
	a.metrics.ScanCycles.Inc()
	candidates, err := a.scanner.TopCandidates(ctx)
	if err != nil {
		a.log.Warn("market scan failed", zap.Error(err))
		return
	}
	if len(candidates) == 0 {
		a.log.Info("scan found no candidates")
		return
	}
	spotTickers, err := a.spot.FetchTickers(ctx)
	if err != nil {
		a.log.Warn("spot ticker fetch failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	var (
		bestSymbol  string
		bestFunding float64
		rejects     = make(map[strategy.Reason]int)
	)
	for _, cand := range candidates {
		decision := a.evaluateCandidate(ctx, cand, spotTickers)
		a.recordScan(now, cand.Symbol, decision)
		if decision.Funding > bestFunding {
			bestFunding = decision.Funding
			bestSymbol = cand.Symbol
		}
		if !decision.Viable {
			rejects[decision.Reason]++
			continue
		}
		if err := a.enter(ctx, cand, decision); err != nil {
			a.log.Error("entry failed", zap.String("symbol", cand.Symbol), zap.Error(err))
			if errors.Is(err, exec.ErrCompensationFailed) {
				return
			}
			continue
		}
		return
	}
	a.log.Info("scan cycle complete",
		zap.Int("analyzed", len(candidates)),
		zap.String("best_symbol", bestSymbol),
		zap.Float64("best_funding", bestFunding),
		zap.String("top_reject", topReason(rejects)),
	)
}

func topReason(rejects map[strategy.Reason]int) string {
	var top strategy.Reason
	best := 0
	for reason, n := range rejects {
		if n > best || (n == best && reason < top) {
			top = reason
			best = n
		}
	}
	return string(top)
}

func (a *App) evaluateCandidate(ctx context.Context, cand market.Candidate, spotTickers map[string]gateway.Ticker) strategy.Decision {
	spotTicker, ok := spotTickers[cand.SpotSymbol]
	if !ok || spotTicker.Last <= 0 {
		return strategy.Decision{Reason: strategy.ReasonMissingSpot}
	}
	swapTicker, err := a.swap.FetchTicker(ctx, cand.Symbol)
	if err != nil || swapTicker.Last <= 0 {
		return strategy.Decision{Reason: strategy.ReasonError}
	}
	funding, err := a.swap.FetchFundingRate(ctx, cand.Symbol)
	if err != nil {
		return strategy.Decision{Reason: strategy.ReasonError}
	}
	return a.eval.Evaluate(ctx, strategy.EvalInput{
		Symbol:     cand.Symbol,
		SpotSymbol: cand.SpotSymbol,
		PriceSpot:  spotTicker.Last,
		PriceSwap:  swapTicker.Last,
		Funding:    funding.Rate,
		Capital:    a.tradableCapital(),
	})
}

// tradableCapital is ledger capital capped by the risk limit.
func (a *App) tradableCapital() float64 {
	capital := a.ledger.Capital
	if max := a.cfg.Risk.MaxNotionalUSD; max > 0 && capital > max {
		capital = max
	}
	return capital
}

func (a *App) recordScan(now time.Time, symbol string, d strategy.Decision) {
	a.log.Info("candidate evaluated",
		zap.String("symbol", symbol),
		zap.String("reason", string(d.Reason)),
		zap.Bool("viable", d.Viable),
		zap.Float64("funding", d.Funding),
		zap.Float64("projected", d.ProjectedReturn),
		zap.Float64("hurdle", d.Hurdle),
	)
	a.tsdb.EnqueueScan(timescale.ScanSummary{
		Time:            now,
		Symbol:          symbol,
		FundingRate:     d.Funding,
		Basis:           d.Basis,
		TotalFees:       d.TotalFees,
		Hurdle:          d.Hurdle,
		ProjectedReturn: d.ProjectedReturn,
		Viable:          d.Viable,
		Reason:          string(d.Reason),
	})
}

// enter opens the paired position for a viable candidate.
func (a *App) enter(ctx context.Context, cand market.Candidate, decision strategy.Decision) error {
	if a.ledger.Position != nil {
		return ledger.ErrPositionOpen
	}
	if err := a.balanceWallets(ctx, decision.AllocationUSD); err != nil {
		a.log.Warn("wallet balancing failed", zap.Error(err))
	}
	spotLeg, swapLeg, err := a.planner.Entry(ctx, cand.SpotSymbol, cand.Symbol, decision.AllocationUSD)
	if err != nil {
		return err
	}
	res, err := a.coord.Execute(ctx, spotLeg, swapLeg)
	if err != nil {
		a.handleExecutionFailure(ctx, cand.Symbol, res, err)
		return err
	}

	qty := res.Spot.FilledQty
	if res.Swap.FilledQty < qty {
		qty = res.Swap.FilledQty
	}
	fill := ledger.Fill{
		Quantity:  qty,
		PriceSpot: priceOr(res.Spot.AveragePrice, spotLeg.LimitPrice),
		PriceSwap: priceOr(res.Swap.AveragePrice, swapLeg.LimitPrice),
		FeeSpot:   a.fees.TakerFee(ctx, cand.SpotSymbol, market.VenueSpot),
		FeeSwap:   a.fees.TakerFee(ctx, cand.Symbol, market.VenueSwap),
	}
	now := time.Now().UTC()
	if err := a.ledger.ApplyEntry(cand.Symbol, cand.SpotSymbol, fill, now); err != nil {
		return err
	}
	a.rebaseBalance = true
	a.metrics.EntriesCommitted.Inc()
	a.recordScan(now, cand.Symbol, strategy.Decision{
		Viable:  true,
		Funding: decision.Funding,
		Reason:  strategy.ReasonEntryExecuted,
		Basis:   decision.Basis,
	})
	// Mismatched leg fills leave spot dust outside the hedge.
	if dust := res.Spot.FilledQty - qty; dust > 0 {
		a.cleanupDust(ctx, cand.SpotSymbol, dust, fill.PriceSpot)
	}
	a.watchMarkPrice(ctx, cand.Symbol)
	a.log.Info("position opened",
		zap.String("symbol", cand.Symbol),
		zap.Float64("size", qty),
		zap.Float64("entry_spot", fill.PriceSpot),
		zap.Float64("entry_swap", fill.PriceSwap),
	)
	a.notify(ctx, fmt.Sprintf("Opened %s carry: size %.6f, spot %.4f, swap %.4f, funding %.5f%%",
		cand.Symbol, qty, fill.PriceSpot, fill.PriceSwap, decision.Funding*100))
	return a.saveSnapshot(ctx)
}

func (a *App) handleExecutionFailure(ctx context.Context, symbol string, res exec.Result, err error) {
	switch {
	case errors.Is(err, exec.ErrCompensationFailed):
		// Residual exposure: stop trading until an operator intervenes.
		a.setPaused(true)
		a.log.Error("compensation failed, trading paused",
			zap.String("symbol", symbol),
			zap.Error(res.CompensationErr),
		)
		a.notify(ctx, fmt.Sprintf("CRITICAL: compensation failed on %s, residual exposure, trading paused: %v", symbol, res.CompensationErr))
	case errors.Is(err, exec.ErrPartialExecution):
		a.notify(ctx, fmt.Sprintf("Rolled back one-legged entry on %s", symbol))
	}
}

func (a *App) notify(ctx context.Context, message string) {
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

// cleanupDust sells residual spot base quantity best effort. Rejections on
// exchange minimums are expected for true dust.
func (a *App) cleanupDust(ctx context.Context, spotSymbol string, qty, price float64) {
	if qty*price < a.cfg.Strategy.MinOrderValueUSD {
		a.log.Debug("dust below exchange minimum, leaving as-is",
			zap.String("symbol", spotSymbol),
			zap.Float64("qty", qty),
		)
		return
	}
	if _, err := a.spot.PlaceMarketOrder(ctx, spotSymbol, gateway.SideSell, qty); err != nil {
		if gateway.IsMinNotional(err) {
			a.log.Debug("dust sell rejected by notional filter", zap.String("symbol", spotSymbol))
			return
		}
		a.log.Warn("dust cleanup failed", zap.String("symbol", spotSymbol), zap.Error(err))
	}
}

func (a *App) watchMarkPrice(ctx context.Context, symbol string) {
	if a.stream == nil {
		return
	}
	if err := a.stream.SubscribeMarkPrice(ctx, symbol); err != nil {
		a.log.Warn("mark price subscribe failed", zap.Error(err))
		return
	}
	native := nativeID(symbol)
	go func() {
		err := a.stream.Run(ctx, func(u binance.MarkPriceUpdate) {
			if u.Symbol != native {
				return
			}
			a.markMu.Lock()
			a.mark = u
			a.markAt = time.Now()
			a.markMu.Unlock()
		})
		if err != nil && ctx.Err() == nil {
			a.log.Warn("mark price stream stopped", zap.Error(err))
		}
	}()
}

// streamedMark returns the last streamed mark price if it is fresh enough
// to trust over a REST poll.
func (a *App) streamedMark(symbol string, maxAge time.Duration) (binance.MarkPriceUpdate, bool) {
	a.markMu.RLock()
	defer a.markMu.RUnlock()
	if a.mark.Symbol != nativeID(symbol) || a.markAt.IsZero() {
		return binance.MarkPriceUpdate{}, false
	}
	if time.Since(a.markAt) > maxAge {
		return binance.MarkPriceUpdate{}, false
	}
	return a.mark, true
}

func priceOr(price, fallback float64) float64 {
	if price > 0 {
		return price
	}
	return fallback
}

func nativeID(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.ReplaceAll(symbol, "/", "")
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

// setPaused reports whether the flag actually changed.
func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	changed := a.paused != paused
	a.paused = paused
	return changed
}
