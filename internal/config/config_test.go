package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGatewayDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if cfg.Gateway.SpotBaseURL != "https://api.binance.com" {
		t.Fatalf("expected spot base url default, got %q", cfg.Gateway.SpotBaseURL)
	}
	if cfg.Gateway.SwapBaseURL != "https://fapi.binance.com" {
		t.Fatalf("expected swap base url default, got %q", cfg.Gateway.SwapBaseURL)
	}
	if cfg.Gateway.StreamURL != "wss://fstream.binance.com/ws" {
		t.Fatalf("expected stream url default, got %q", cfg.Gateway.StreamURL)
	}
	if cfg.Gateway.Timeout != 10*time.Second {
		t.Fatalf("expected gateway timeout default, got %v", cfg.Gateway.Timeout)
	}
	if cfg.Gateway.Reconnect != 3*time.Second {
		t.Fatalf("expected reconnect delay default, got %v", cfg.Gateway.Reconnect)
	}
}

func TestStrategyScannerDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if cfg.Strategy.MinVolumeUSD != 50_000_000 {
		t.Fatalf("expected min volume default, got %v", cfg.Strategy.MinVolumeUSD)
	}
	if cfg.Strategy.MaxCandidates != 50 {
		t.Fatalf("expected max candidates default, got %v", cfg.Strategy.MaxCandidates)
	}
	if cfg.Strategy.FundingHistory != 20 {
		t.Fatalf("expected funding history default, got %v", cfg.Strategy.FundingHistory)
	}
	if cfg.Strategy.MinFundingSamples != 9 {
		t.Fatalf("expected min funding samples default, got %v", cfg.Strategy.MinFundingSamples)
	}
	if cfg.Strategy.MinAvgFundingRate != 0.0001 {
		t.Fatalf("expected min avg funding default, got %v", cfg.Strategy.MinAvgFundingRate)
	}
	if cfg.Strategy.ScanInterval != time.Hour {
		t.Fatalf("expected scan interval default, got %v", cfg.Strategy.ScanInterval)
	}
	if cfg.Strategy.MonitorInterval != time.Minute {
		t.Fatalf("expected monitor interval default, got %v", cfg.Strategy.MonitorInterval)
	}
}

func TestStrategyEvaluatorDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if cfg.Strategy.MinNetAPR != 0.10 {
		t.Fatalf("expected min net apr default, got %v", cfg.Strategy.MinNetAPR)
	}
	if cfg.Strategy.PaybackPeriodDays != 7 {
		t.Fatalf("expected payback period default, got %v", cfg.Strategy.PaybackPeriodDays)
	}
	if cfg.Strategy.NegativeFundingLimit != -0.0001 {
		t.Fatalf("expected negative funding limit default, got %v", cfg.Strategy.NegativeFundingLimit)
	}
	if cfg.Strategy.FeeTakerSpotDefault != 0.001 {
		t.Fatalf("expected spot taker fee default, got %v", cfg.Strategy.FeeTakerSpotDefault)
	}
	if cfg.Strategy.FeeTakerSwapDefault != 0.0005 {
		t.Fatalf("expected swap taker fee default, got %v", cfg.Strategy.FeeTakerSwapDefault)
	}
	if cfg.Strategy.FallbackSlippage != 0.0005 {
		t.Fatalf("expected fallback slippage default, got %v", cfg.Strategy.FallbackSlippage)
	}
	if cfg.Strategy.BookDepth != 50 {
		t.Fatalf("expected book depth default, got %v", cfg.Strategy.BookDepth)
	}
}

func TestStrategyExecutionDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if cfg.Strategy.SlippageTolerance != 0.005 {
		t.Fatalf("expected slippage tolerance default, got %v", cfg.Strategy.SlippageTolerance)
	}
	if cfg.Strategy.MinFundingRate != 0.0001 {
		t.Fatalf("expected min funding rate default, got %v", cfg.Strategy.MinFundingRate)
	}
	if cfg.Strategy.MinCompoundBasis != 0.0005 {
		t.Fatalf("expected min compound basis default, got %v", cfg.Strategy.MinCompoundBasis)
	}
	if cfg.Strategy.MinOrderValueUSD != 10 {
		t.Fatalf("expected min order value default, got %v", cfg.Strategy.MinOrderValueUSD)
	}
}

func TestRiskDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if cfg.Risk.MinTransferUSD != 0.5 {
		t.Fatalf("expected min transfer default, got %v", cfg.Risk.MinTransferUSD)
	}
	if cfg.Risk.DepositDetectUSD != 1.0 {
		t.Fatalf("expected deposit detect default, got %v", cfg.Risk.DepositDetectUSD)
	}
	if cfg.Risk.MaxNotionalUSD != 0 {
		t.Fatalf("max notional should have no default, got %v", cfg.Risk.MaxNotionalUSD)
	}
}

func TestAncillaryDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if cfg.Log.Level != "info" {
		t.Fatalf("expected log level default, got %q", cfg.Log.Level)
	}
	if cfg.State.SQLitePath != "data/cx-carry-bot.db" {
		t.Fatalf("expected sqlite path default, got %q", cfg.State.SQLitePath)
	}
	if cfg.Telegram.OperatorPollInterval != 3*time.Second {
		t.Fatalf("expected operator poll interval default, got %v", cfg.Telegram.OperatorPollInterval)
	}
	if cfg.Timescale.Schema != "public" {
		t.Fatalf("expected timescale schema default, got %q", cfg.Timescale.Schema)
	}
	if cfg.Metrics.Listen != ":9180" {
		t.Fatalf("expected metrics listen default, got %q", cfg.Metrics.Listen)
	}
}

func TestDefaultsRespectExplicitValues(t *testing.T) {
	cfg := &Config{Strategy: StrategyConfig{ScanInterval: 30 * time.Minute, MaxCandidates: 5}}
	applyDefaults(cfg)
	if cfg.Strategy.ScanInterval != 30*time.Minute {
		t.Fatalf("expected explicit scan interval, got %v", cfg.Strategy.ScanInterval)
	}
	if cfg.Strategy.MaxCandidates != 5 {
		t.Fatalf("expected explicit max candidates, got %v", cfg.Strategy.MaxCandidates)
	}
}

func TestValidateRejectsNegativePaybackPeriod(t *testing.T) {
	cfg := &Config{Strategy: StrategyConfig{PaybackPeriodDays: -1}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for negative payback period")
	}
}

func TestValidateRejectsPositiveNegativeFundingLimit(t *testing.T) {
	cfg := &Config{Strategy: StrategyConfig{NegativeFundingLimit: 0.0001}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for non-negative funding limit")
	}
}

func TestValidateRejectsWideSlippageTolerance(t *testing.T) {
	cfg := &Config{Strategy: StrategyConfig{SlippageTolerance: 0.2}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for slippage tolerance out of range")
	}
}

func TestValidateRejectsTimescaleWithoutDSN(t *testing.T) {
	cfg := &Config{Timescale: TimescaleConfig{Enabled: true}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for enabled timescale without dsn")
	}
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "" +
		"log:\n" +
		"  level: debug\n" +
		"strategy:\n" +
		"  min_volume_usd: 25000000\n" +
		"  payback_period_days: 14\n" +
		"risk:\n" +
		"  max_notional_usd: 5000\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected log level debug, got %q", cfg.Log.Level)
	}
	if cfg.Strategy.MinVolumeUSD != 25_000_000 {
		t.Fatalf("expected min volume override, got %v", cfg.Strategy.MinVolumeUSD)
	}
	if cfg.Strategy.PaybackPeriodDays != 14 {
		t.Fatalf("expected payback override, got %v", cfg.Strategy.PaybackPeriodDays)
	}
	if cfg.Risk.MaxNotionalUSD != 5000 {
		t.Fatalf("expected max notional override, got %v", cfg.Risk.MaxNotionalUSD)
	}
	if cfg.Strategy.ScanInterval != time.Hour {
		t.Fatalf("expected scan interval default, got %v", cfg.Strategy.ScanInterval)
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty config path")
	}
}
