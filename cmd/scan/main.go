package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"cx-carry-bot/internal/config"
	"cx-carry-bot/internal/gateway"
	"cx-carry-bot/internal/gateway/binance"
	"cx-carry-bot/internal/logging"
	"cx-carry-bot/internal/market"
	"cx-carry-bot/internal/strategy"
)

// One-shot market scan: rank candidates, evaluate each against the
// configured thresholds, and print the verdicts without trading.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	capital := flag.Float64("capital", 1000, "capital in USDT to size the evaluation with")
	pair := flag.String("pair", "", "evaluate only this swap symbol, e.g. BTC/USDT:USDT")
	asJSON := flag.Bool("json", false, "print decisions as JSON lines")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall scan timeout")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Gateway.APIKey == "" {
		cfg.Gateway.APIKey = strings.TrimSpace(os.Getenv("BINANCE_API_KEY"))
	}
	if cfg.Gateway.APISecret == "" {
		cfg.Gateway.APISecret = strings.TrimSpace(os.Getenv("BINANCE_API_SECRET"))
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	spot := binance.New(binance.VenueSpot, cfg.Gateway, log)
	swap := binance.New(binance.VenueSwap, cfg.Gateway, log)
	fees := market.NewFeeResolver(spot, swap, cfg.Strategy.FeeTakerSpotDefault, cfg.Strategy.FeeTakerSwapDefault, log)
	scanner := market.NewScanner(swap, cfg.Strategy, log)
	eval := strategy.NewEvaluator(spot, swap, fees, cfg.Strategy, log)

	var candidates []market.Candidate
	if *pair != "" {
		// Single-pair dry run skips the volume and funding filters.
		spotSymbol, ok := strings.CutSuffix(*pair, ":USDT")
		if !ok {
			fatal(fmt.Errorf("pair %q is not a USDT-margined swap symbol", *pair))
		}
		candidates = []market.Candidate{{Symbol: *pair, SpotSymbol: spotSymbol}}
	} else {
		candidates, err = scanner.TopCandidates(ctx)
		if err != nil {
			fatal(err)
		}
	}
	if len(candidates) == 0 {
		fmt.Println("no candidates passed the volume and funding filters")
		return
	}
	spotTickers, err := spot.FetchTickers(ctx)
	if err != nil {
		fatal(err)
	}

	for _, cand := range candidates {
		decision := evaluate(ctx, eval, swap, cand, spotTickers, *capital)
		if *asJSON {
			printJSON(cand.Symbol, decision)
			continue
		}
		fmt.Printf("%-22s %-20s funding=%+.5f%% basis=%+.4f%% projected=%.5f hurdle=%.5f\n",
			cand.Symbol,
			decision.Reason,
			decision.Funding*100,
			decision.Basis*100,
			decision.ProjectedReturn,
			decision.Hurdle,
		)
	}
}

func evaluate(ctx context.Context, eval *strategy.Evaluator, swap *binance.Client, cand market.Candidate, spotTickers map[string]gateway.Ticker, capital float64) strategy.Decision {
	spotTicker, ok := spotTickers[cand.SpotSymbol]
	if !ok || spotTicker.Last <= 0 {
		return strategy.Decision{Reason: strategy.ReasonMissingSpot}
	}
	swapTicker, err := swap.FetchTicker(ctx, cand.Symbol)
	if err != nil || swapTicker.Last <= 0 {
		return strategy.Decision{Reason: strategy.ReasonError}
	}
	funding, err := swap.FetchFundingRate(ctx, cand.Symbol)
	if err != nil {
		return strategy.Decision{Reason: strategy.ReasonError}
	}
	return eval.Evaluate(ctx, strategy.EvalInput{
		Symbol:     cand.Symbol,
		SpotSymbol: cand.SpotSymbol,
		PriceSpot:  spotTicker.Last,
		PriceSwap:  swapTicker.Last,
		Funding:    funding.Rate,
		Capital:    capital,
	})
}

func printJSON(symbol string, d strategy.Decision) {
	payload := map[string]any{
		"symbol":           symbol,
		"viable":           d.Viable,
		"reason":           d.Reason,
		"funding":          d.Funding,
		"basis":            d.Basis,
		"total_fees":       d.TotalFees,
		"hurdle":           d.Hurdle,
		"projected_return": d.ProjectedReturn,
		"allocation_usd":   d.AllocationUSD,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(data))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
	os.Exit(1)
}
