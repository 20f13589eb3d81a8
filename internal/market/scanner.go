package market

import (
	"context"
	"sort"
	"strings"

	"cx-carry-bot/internal/config"
	"cx-carry-bot/internal/gateway"

	"go.uber.org/zap"
)

// Candidate is a swap market that passed the volume and funding-consistency
// filters, paired with its spot counterpart by exact symbol match.
type Candidate struct {
	Symbol      string // swap market, e.g. BTC/USDT:USDT
	SpotSymbol  string // e.g. BTC/USDT
	QuoteVolume float64
}

type Scanner struct {
	swap gateway.Gateway
	cfg  config.StrategyConfig
	log  *zap.Logger
}

func NewScanner(swap gateway.Gateway, cfg config.StrategyConfig, log *zap.Logger) *Scanner {
	return &Scanner{swap: swap, cfg: cfg, log: log}
}

// TopCandidates scans swap tickers for high-volume USDT perpetuals with a
// consistent funding history. Pair mapping is exact: the spot symbol is the
// swap symbol without its settlement suffix; candidates whose spot market
// is absent are filtered later against the spot ticker set.
func (s *Scanner) TopCandidates(ctx context.Context) ([]Candidate, error) {
	tickers, err := s.swap.FetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []Candidate
	for symbol, ticker := range tickers {
		if !strings.HasSuffix(symbol, "/USDT:USDT") {
			continue
		}
		if ticker.QuoteVolume < s.cfg.MinVolumeUSD {
			continue
		}
		candidates = append(candidates, Candidate{
			Symbol:      symbol,
			SpotSymbol:  SpotCounterpart(symbol),
			QuoteVolume: ticker.QuoteVolume,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].QuoteVolume > candidates[j].QuoteVolume
	})
	if len(candidates) > s.cfg.MaxCandidates {
		candidates = candidates[:s.cfg.MaxCandidates]
	}

	var approved []Candidate
	for _, cand := range candidates {
		ok, err := s.fundingConsistent(ctx, cand.Symbol)
		if err != nil {
			s.log.Debug("funding history unavailable", zap.String("symbol", cand.Symbol), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		s.log.Info("candidate approved", zap.String("symbol", cand.Symbol), zap.Float64("quote_volume", cand.QuoteVolume))
		approved = append(approved, cand)
	}
	return approved, nil
}

// fundingConsistent accepts markets whose recent funding average clears the
// minimum and whose latest print is non-negative. Individual negative
// prints are tolerated as long as the positives paid for them.
func (s *Scanner) fundingConsistent(ctx context.Context, symbol string) (bool, error) {
	history, err := s.swap.FetchFundingRateHistory(ctx, symbol, s.cfg.FundingHistory)
	if err != nil {
		return false, err
	}
	if len(history) < s.cfg.MinFundingSamples {
		return false, nil
	}
	recent := history[len(history)-s.cfg.MinFundingSamples:]
	var sum float64
	for _, rate := range recent {
		sum += rate
	}
	if sum/float64(len(recent)) < s.cfg.MinAvgFundingRate {
		return false, nil
	}
	return recent[len(recent)-1] >= 0, nil
}

// SpotCounterpart maps a swap market id to its spot market id by stripping
// the settlement-currency suffix. Exact mapping only; no fuzzy matching.
func SpotCounterpart(swapSymbol string) string {
	if base, _, ok := strings.Cut(swapSymbol, ":"); ok {
		return base
	}
	return swapSymbol
}
