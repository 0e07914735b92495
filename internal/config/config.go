// Package config defines the searcher configuration and the conversions
// from its human-readable values to what the search core consumes.
package config

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SEARCHER_* environment variables.
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Searcher SearcherConfig `toml:"searcher"`
	Executor ExecutorConfig `toml:"executor"`
	Storage  StorageConfig  `toml:"storage"`
	Redis    RedisConfig    `toml:"redis"`
	Export   ExportConfig   `toml:"export"`
	Metrics  MetricsConfig  `toml:"metrics"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig holds node endpoints and log scanning parameters.
type ChainConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	WSURL          string   `toml:"ws_url"`
	ChainID        int      `toml:"chain_id"`
	DEXes          []string `toml:"dexes"`
	LogChunkSize   int      `toml:"log_chunk_size"`
	ReconnectDelay duration `toml:"reconnect_delay"`
}

// SearcherConfig holds the search parameters. Amounts are in whole base
// tokens ("2500.5"), converted with the base token's decimals.
type SearcherConfig struct {
	BaseToken         string   `toml:"base_token"`
	BaseDecimals      int      `toml:"base_decimals"`
	MaxHops           int      `toml:"max_hops"`
	MinProfit         string   `toml:"min_profit"`
	StepSize          string   `toml:"step_size"`
	MaxAmountIn       string   `toml:"max_amount_in"`
	SearchMode        string   `toml:"search_mode"`
	TernaryIterations int      `toml:"ternary_iterations"`
	Blacklist         []string `toml:"blacklist"`
	Workers           int      `toml:"workers"`
	MemoSize          int      `toml:"memo_size"`
}

// ExecutorConfig controls the dry-run executor.
type ExecutorConfig struct {
	Enabled     bool   `toml:"enabled"`
	Recipient   string `toml:"recipient"`
	SlippageBps int    `toml:"slippage_bps"`
}

// StorageConfig holds the sqlite pool store location.
type StorageConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds the opportunity hand-off connection.
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
	Stream   string `toml:"stream"`
}

// ExportConfig holds the parquet export location.
type ExportConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// MetricsConfig holds the Prometheus listener.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Namespace string `toml:"namespace"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:        1,
			DEXes:          []string{"uniswap", "sushiswap"},
			LogChunkSize:   2000,
			ReconnectDelay: duration{5 * time.Second},
		},
		Searcher: SearcherConfig{
			BaseToken:         "USDC",
			MaxHops:           arbitrage.DefaultMaxHops,
			MinProfit:         "0",
			StepSize:          "100",
			MaxAmountIn:       "100000",
			SearchMode:        "greedy",
			TernaryIterations: 100,
			MemoSize:          4096,
		},
		Executor: ExecutorConfig{
			SlippageBps: 50,
		},
		Storage: StorageConfig{
			Path: "data/pools.db",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "searcher:opportunities",
		},
		Export: ExportConfig{
			Path: "data/opportunities.parquet",
		},
		Metrics: MetricsConfig{
			Addr:      ":9108",
			Namespace: "cycle_searcher",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel maps log_level, unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	if l, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}

// Base resolves base_token to an address and decimals. base_decimals
// overrides the known decimals when set.
func (c *Config) Base() (arbitrage.Token, error) {
	t, ok := eth.TokenBySymbolOrAddress(c.Searcher.BaseToken)
	if !ok {
		return arbitrage.Token{}, fmt.Errorf("unknown base token %q", c.Searcher.BaseToken)
	}
	if c.Searcher.BaseDecimals > 0 {
		t.Decimals = c.Searcher.BaseDecimals
	}
	if t.Decimals == 0 {
		return arbitrage.Token{}, fmt.Errorf("base token %s: base_decimals required for unknown tokens", t.Address.Hex())
	}
	return arbitrage.Token{Address: t.Address, Decimals: t.Decimals, Symbol: t.Symbol}, nil
}

// ToUnits converts a whole-token decimal string to the token's smallest unit.
func ToUnits(s string, decimals int) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	return scaled.BigInt(), nil
}

func (c *Config) amount(field, s string) (*big.Int, error) {
	base, err := c.Base()
	if err != nil {
		return nil, err
	}
	v, err := ToUnits(s, base.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func (c *Config) MinProfit() (*big.Int, error) {
	return c.amount("min_profit", c.Searcher.MinProfit)
}

func (c *Config) OptimizeParams() (arbitrage.OptimizeParams, error) {
	maxIn, err := c.amount("max_amount_in", c.Searcher.MaxAmountIn)
	if err != nil {
		return arbitrage.OptimizeParams{}, err
	}
	step, err := c.amount("step_size", c.Searcher.StepSize)
	if err != nil {
		return arbitrage.OptimizeParams{}, err
	}
	mode, err := arbitrage.ParseSearchMode(c.Searcher.SearchMode)
	if err != nil {
		return arbitrage.OptimizeParams{}, err
	}
	return arbitrage.OptimizeParams{
		MaxAmountIn:       maxIn,
		StepSize:          step,
		Mode:              mode,
		TernaryIterations: c.Searcher.TernaryIterations,
	}, nil
}

func (c *Config) BlacklistAddrs() ([]common.Address, error) {
	out := make([]common.Address, 0, len(c.Searcher.Blacklist))
	for _, s := range c.Searcher.Blacklist {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("blacklist: %q is not an address", s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

// DEXConfigs returns the configured DEXes
func (c *Config) DEXConfigs() ([]eth.DEXConfig, error) {
	out := make([]eth.DEXConfig, 0, len(c.Chain.DEXes))
	for _, name := range c.Chain.DEXes {
		d, ok := eth.DEXByName(strings.ToLower(name))
		if !ok {
			return nil, fmt.Errorf("unknown dex %q", name)
		}
		out = append(out, d)
	}
	return out, nil
}

// SessionConfig assembles everything a Session needs from the config.
func (c *Config) SessionConfig(observer arbitrage.PassObserver, log *slog.Logger) (arbitrage.SessionConfig, error) {
	base, err := c.Base()
	if err != nil {
		return arbitrage.SessionConfig{}, err
	}
	params, err := c.OptimizeParams()
	if err != nil {
		return arbitrage.SessionConfig{}, err
	}
	minProfit, err := c.MinProfit()
	if err != nil {
		return arbitrage.SessionConfig{}, err
	}
	blacklist, err := c.BlacklistAddrs()
	if err != nil {
		return arbitrage.SessionConfig{}, err
	}
	return arbitrage.SessionConfig{
		Base:      base.Address,
		MaxHops:   c.Searcher.MaxHops,
		Blacklist: blacklist,
		MinProfit: minProfit,
		Optimize:  params,
		Workers:   c.Searcher.Workers,
		MemoSize:  c.Searcher.MemoSize,
		Observer:  observer,
		Logger:    log,
	}, nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if len(c.Chain.DEXes) == 0 {
		errs = append(errs, "chain: at least one dex is required")
	}
	if _, err := c.DEXConfigs(); err != nil {
		errs = append(errs, "chain: "+err.Error())
	}
	if c.Chain.LogChunkSize <= 0 {
		errs = append(errs, "chain: log_chunk_size must be positive")
	}

	// Searcher
	if _, err := c.Base(); err != nil {
		errs = append(errs, "searcher: "+err.Error())
	} else {
		params, err := c.OptimizeParams()
		if err != nil {
			errs = append(errs, "searcher: "+err.Error())
		} else {
			if params.MaxAmountIn.Sign() <= 0 {
				errs = append(errs, "searcher: max_amount_in must be > 0")
			}
			if params.StepSize.Sign() <= 0 {
				errs = append(errs, "searcher: step_size must be > 0")
			}
			if params.StepSize.Cmp(params.MaxAmountIn) > 0 {
				errs = append(errs, "searcher: step_size must not exceed max_amount_in")
			}
		}
		if minProfit, err := c.MinProfit(); err != nil {
			errs = append(errs, "searcher: "+err.Error())
		} else if minProfit.Sign() < 0 {
			errs = append(errs, "searcher: min_profit must be >= 0")
		}
	}
	if c.Searcher.MaxHops < arbitrage.MinHops || c.Searcher.MaxHops > arbitrage.MaxSupportedHops {
		errs = append(errs, fmt.Sprintf("searcher: max_hops must be %d-%d, got %d",
			arbitrage.MinHops, arbitrage.MaxSupportedHops, c.Searcher.MaxHops))
	}
	if c.Searcher.TernaryIterations < 0 {
		errs = append(errs, "searcher: ternary_iterations must be >= 0")
	}
	if _, err := c.BlacklistAddrs(); err != nil {
		errs = append(errs, "searcher: "+err.Error())
	}
	if c.Searcher.Workers < 0 {
		errs = append(errs, "searcher: workers must be >= 0")
	}
	if c.Searcher.MemoSize < 0 {
		errs = append(errs, "searcher: memo_size must be >= 0")
	}

	// Executor
	if c.Executor.Enabled {
		if !common.IsHexAddress(c.Executor.Recipient) {
			errs = append(errs, "executor: recipient must be an address")
		}
		if c.Executor.SlippageBps < 0 || c.Executor.SlippageBps >= 10000 {
			errs = append(errs, fmt.Sprintf("executor: slippage_bps must be 0-9999, got %d", c.Executor.SlippageBps))
		}
	}

	if c.Storage.Path == "" {
		errs = append(errs, "storage: path must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.Channel == "" {
			errs = append(errs, "redis: channel must not be empty")
		}
	}

	if c.Export.Enabled && c.Export.Path == "" {
		errs = append(errs, "export: path must not be empty")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
