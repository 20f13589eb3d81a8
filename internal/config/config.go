package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type GatewayConfig struct {
	SpotBaseURL string        `yaml:"spot_base_url"`
	SwapBaseURL string        `yaml:"swap_base_url"`
	StreamURL   string        `yaml:"stream_url"`
	APIKey      string        `yaml:"api_key"`
	APISecret   string        `yaml:"api_secret"`
	Timeout     time.Duration `yaml:"timeout"`
	Reconnect   time.Duration `yaml:"reconnect_delay"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type StrategyConfig struct {
	// Scanner
	MinVolumeUSD      float64       `yaml:"min_volume_usd"`
	MaxCandidates     int           `yaml:"max_candidates"`
	FundingHistory    int           `yaml:"funding_history"`
	MinFundingSamples int           `yaml:"min_funding_samples"`
	MinAvgFundingRate float64       `yaml:"min_avg_funding_rate"`
	ScanInterval      time.Duration `yaml:"scan_interval"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"`

	// Evaluator
	MinNetAPR            float64 `yaml:"min_net_apr"`
	PaybackPeriodDays    float64 `yaml:"payback_period_days"`
	NegativeFundingLimit float64 `yaml:"negative_funding_limit"`
	FeeTakerSpotDefault  float64 `yaml:"fee_taker_spot_default"`
	FeeTakerSwapDefault  float64 `yaml:"fee_taker_swap_default"`
	FallbackSlippage     float64 `yaml:"fallback_slippage"`
	BookDepth            int     `yaml:"book_depth"`

	// Execution
	SlippageTolerance float64 `yaml:"slippage_tolerance"`

	// Compounding
	MinFundingRate   float64 `yaml:"min_funding_rate"`
	MinCompoundBasis float64 `yaml:"min_compound_basis"`
	MinOrderValueUSD float64 `yaml:"min_order_value_usd"`
}

type RiskConfig struct {
	MaxNotionalUSD   float64 `yaml:"max_notional_usd"`
	MinTransferUSD   float64 `yaml:"min_transfer_usd"`
	DepositDetectUSD float64 `yaml:"deposit_detect_usd"`
}

type TelegramConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Token                string        `yaml:"token"`
	ChatID               string        `yaml:"chat_id"`
	OperatorEnabled      bool          `yaml:"operator_enabled"`
	OperatorPollInterval time.Duration `yaml:"operator_poll_interval"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Gateway.SpotBaseURL == "" {
		cfg.Gateway.SpotBaseURL = "https://api.binance.com"
	}
	if cfg.Gateway.SwapBaseURL == "" {
		cfg.Gateway.SwapBaseURL = "https://fapi.binance.com"
	}
	if cfg.Gateway.StreamURL == "" {
		cfg.Gateway.StreamURL = "wss://fstream.binance.com/ws"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 10 * time.Second
	}
	if cfg.Gateway.Reconnect == 0 {
		cfg.Gateway.Reconnect = 3 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/cx-carry-bot.db"
	}
	if cfg.Strategy.MinVolumeUSD == 0 {
		cfg.Strategy.MinVolumeUSD = 50_000_000
	}
	if cfg.Strategy.MaxCandidates == 0 {
		cfg.Strategy.MaxCandidates = 50
	}
	if cfg.Strategy.FundingHistory == 0 {
		cfg.Strategy.FundingHistory = 20
	}
	if cfg.Strategy.MinFundingSamples == 0 {
		cfg.Strategy.MinFundingSamples = 9
	}
	if cfg.Strategy.MinAvgFundingRate == 0 {
		cfg.Strategy.MinAvgFundingRate = 0.0001
	}
	if cfg.Strategy.ScanInterval == 0 {
		cfg.Strategy.ScanInterval = time.Hour
	}
	if cfg.Strategy.MonitorInterval == 0 {
		cfg.Strategy.MonitorInterval = time.Minute
	}
	if cfg.Strategy.MinNetAPR == 0 {
		cfg.Strategy.MinNetAPR = 0.10
	}
	if cfg.Strategy.PaybackPeriodDays == 0 {
		cfg.Strategy.PaybackPeriodDays = 7
	}
	if cfg.Strategy.NegativeFundingLimit == 0 {
		cfg.Strategy.NegativeFundingLimit = -0.0001
	}
	if cfg.Strategy.FeeTakerSpotDefault == 0 {
		cfg.Strategy.FeeTakerSpotDefault = 0.001
	}
	if cfg.Strategy.FeeTakerSwapDefault == 0 {
		cfg.Strategy.FeeTakerSwapDefault = 0.0005
	}
	if cfg.Strategy.FallbackSlippage == 0 {
		cfg.Strategy.FallbackSlippage = 0.0005
	}
	if cfg.Strategy.BookDepth == 0 {
		cfg.Strategy.BookDepth = 50
	}
	if cfg.Strategy.SlippageTolerance == 0 {
		cfg.Strategy.SlippageTolerance = 0.005
	}
	if cfg.Strategy.MinFundingRate == 0 {
		cfg.Strategy.MinFundingRate = 0.0001
	}
	if cfg.Strategy.MinCompoundBasis == 0 {
		cfg.Strategy.MinCompoundBasis = 0.0005
	}
	if cfg.Strategy.MinOrderValueUSD == 0 {
		cfg.Strategy.MinOrderValueUSD = 10
	}
	if cfg.Risk.MinTransferUSD == 0 {
		cfg.Risk.MinTransferUSD = 0.5
	}
	if cfg.Risk.DepositDetectUSD == 0 {
		cfg.Risk.DepositDetectUSD = 1.0
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9180"
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.PaybackPeriodDays <= 0 {
		return errors.New("strategy.payback_period_days must be > 0")
	}
	if cfg.Strategy.NegativeFundingLimit >= 0 {
		return errors.New("strategy.negative_funding_limit must be < 0")
	}
	if cfg.Strategy.SlippageTolerance <= 0 || cfg.Strategy.SlippageTolerance >= 0.1 {
		return errors.New("strategy.slippage_tolerance must be in (0, 0.1)")
	}
	if cfg.Strategy.MinOrderValueUSD <= 0 {
		return errors.New("strategy.min_order_value_usd must be > 0")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
