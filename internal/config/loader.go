package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, loads .env if present and applies SEARCHER_* overrides. The
// result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "ALCHEMY_URL") // compatibility alias
	setStr(&cfg.Chain.RPCURL, "SEARCHER_CHAIN_RPC_URL")
	setStr(&cfg.Chain.WSURL, "SEARCHER_CHAIN_WS_URL")
	setInt(&cfg.Chain.ChainID, "SEARCHER_CHAIN_ID")
	setStringSlice(&cfg.Chain.DEXes, "SEARCHER_CHAIN_DEXES")
	setInt(&cfg.Chain.LogChunkSize, "SEARCHER_CHAIN_LOG_CHUNK_SIZE")
	setDuration(&cfg.Chain.ReconnectDelay, "SEARCHER_CHAIN_RECONNECT_DELAY")

	// ── Searcher ──
	setStr(&cfg.Searcher.BaseToken, "SEARCHER_BASE_TOKEN")
	setInt(&cfg.Searcher.BaseDecimals, "SEARCHER_BASE_DECIMALS")
	setInt(&cfg.Searcher.MaxHops, "SEARCHER_MAX_HOPS")
	setStr(&cfg.Searcher.MinProfit, "SEARCHER_MIN_PROFIT")
	setStr(&cfg.Searcher.StepSize, "SEARCHER_STEP_SIZE")
	setStr(&cfg.Searcher.MaxAmountIn, "SEARCHER_MAX_AMOUNT_IN")
	setStr(&cfg.Searcher.SearchMode, "SEARCHER_SEARCH_MODE")
	setInt(&cfg.Searcher.TernaryIterations, "SEARCHER_TERNARY_ITERATIONS")
	setStringSlice(&cfg.Searcher.Blacklist, "SEARCHER_BLACKLIST")
	setInt(&cfg.Searcher.Workers, "SEARCHER_WORKERS")
	setInt(&cfg.Searcher.MemoSize, "SEARCHER_MEMO_SIZE")

	// ── Executor ──
	setBool(&cfg.Executor.Enabled, "SEARCHER_EXECUTOR_ENABLED")
	setStr(&cfg.Executor.Recipient, "SEARCHER_EXECUTOR_RECIPIENT")
	setInt(&cfg.Executor.SlippageBps, "SEARCHER_EXECUTOR_SLIPPAGE_BPS")

	// ── Storage / export ──
	setStr(&cfg.Storage.Path, "SEARCHER_STORAGE_PATH")
	setBool(&cfg.Export.Enabled, "SEARCHER_EXPORT_ENABLED")
	setStr(&cfg.Export.Path, "SEARCHER_EXPORT_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SEARCHER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SEARCHER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SEARCHER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SEARCHER_REDIS_DB")
	setStr(&cfg.Redis.Channel, "SEARCHER_REDIS_CHANNEL")
	setStr(&cfg.Redis.Stream, "SEARCHER_REDIS_STREAM")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "SEARCHER_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "SEARCHER_METRICS_ADDR")

	setStr(&cfg.LogLevel, "SEARCHER_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
