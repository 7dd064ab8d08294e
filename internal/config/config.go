// Package config defines all process-level configuration for the trading core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADER_* environment variables.
//
// Per-bot configuration is durable (see internal/store) and is not handled
// here; this package covers the knobs shared by every bot in the process:
// cache TTLs, exchange rate-limit quotas, debate defaults, scheduler tuning,
// logging and storage paths.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Debate    DebateConfig    `mapstructure:"debate"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Prompts   PromptsConfig   `mapstructure:"prompts"`
}

// StoreConfig sets where durable state, status snapshots and logs live.
type StoreConfig struct {
	DSN       string `mapstructure:"dsn"`        // SQLite DSN, e.g. file:data/trader.db
	StatusDir string `mapstructure:"status_dir"` // BotStatus snapshots, status/bot_<id>.json
	LogDir    string `mapstructure:"log_dir"`    // per-bot rotating log files
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CacheConfig sets per-namespace TTLs in seconds. Namespaces missing from the
// map fall back to DefaultTTLSec.
type CacheConfig struct {
	TTLSec        map[string]int `mapstructure:"ttl_s"`
	DefaultTTLSec int            `mapstructure:"default_ttl_s"`
}

// TTL returns the configured TTL for a cache namespace.
func (c CacheConfig) TTL(namespace string) time.Duration {
	if sec, ok := c.TTLSec[namespace]; ok {
		return time.Duration(sec) * time.Second
	}
	return time.Duration(c.DefaultTTLSec) * time.Second
}

// RateLimitConfig sets per-exchange REST quotas (requests per minute) and the
// in-flight connection cap applied per exchange.
type RateLimitConfig struct {
	QuotaPerMin           map[string]int `mapstructure:"quota_per_min"`
	DefaultQuotaPerMin    int            `mapstructure:"default_quota_per_min"`
	MaxConcurrentRequests int            `mapstructure:"max_concurrent_requests"`
	Adaptive              bool           `mapstructure:"adaptive"` // honour server rate hints
}

// Quota returns the per-minute REST quota for an exchange name.
func (r RateLimitConfig) Quota(exchange string) int {
	if q, ok := r.QuotaPerMin[strings.ToLower(exchange)]; ok && q > 0 {
		return q
	}
	return r.DefaultQuotaPerMin
}

// DebateConfig tunes the multi-role debate engine.
type DebateConfig struct {
	MaxRounds         int `mapstructure:"max_rounds"`
	TimeoutPerPhaseS  int `mapstructure:"timeout_per_phase_s"`
	TradeHistoryLimit int `mapstructure:"trade_history_limit"`
}

// PhaseTimeout returns the per-phase LLM timeout.
func (d DebateConfig) PhaseTimeout() time.Duration {
	return time.Duration(d.TimeoutPerPhaseS) * time.Second
}

// SchedulerConfig tunes the per-bot cycle scheduler.
type SchedulerConfig struct {
	ConfigTTLSec        int `mapstructure:"config_ttl_s"`       // BotConfig read-through cache
	MaintenanceInterval int `mapstructure:"maintenance_cycles"` // maintenance every N cycles
	StopDrainSec        int `mapstructure:"stop_drain_s"`       // graceful stop deadline
}

// PromptsConfig points at the prompt template files loaded per role.
// The prompt contents are opaque to the core.
type PromptsConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load reads config from a YAML file with env var overrides.
// Deployment-specific fields use env vars: TRADER_STORE_DSN,
// TRADER_LOGGING_LEVEL, etc. (dots replaced by underscores).
func Load(path string) (*Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus env cover a minimal run.
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "file:data/trader.db")
	v.SetDefault("store.status_dir", "status")
	v.SetDefault("store.log_dir", "logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("cache.default_ttl_s", 60)
	v.SetDefault("cache.ttl_s", map[string]int{
		"tickers":        10,
		"ohlcv_3m":       300,
		"ohlcv_4h":       3600,
		"orderbook":      60,
		"markets":        3600,
		"open_interests": 600,
		"coin_selection": 600,
		"backtest_ohlcv": 7 * 24 * 3600,
	})

	v.SetDefault("rate_limit.default_quota_per_min", 60)
	v.SetDefault("rate_limit.quota_per_min", map[string]int{
		"binance":     1200,
		"bybit":       120,
		"hyperliquid": 600,
	})
	v.SetDefault("rate_limit.max_concurrent_requests", 10)
	v.SetDefault("rate_limit.adaptive", false)

	v.SetDefault("debate.max_rounds", 2)
	v.SetDefault("debate.timeout_per_phase_s", 120)
	v.SetDefault("debate.trade_history_limit", 10)

	v.SetDefault("scheduler.config_ttl_s", 60)
	v.SetDefault("scheduler.maintenance_cycles", 50)
	v.SetDefault("scheduler.stop_drain_s", 10)

	v.SetDefault("prompts.dir", "prompts")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required (set TRADER_STORE_DSN)")
	}
	if c.RateLimit.DefaultQuotaPerMin <= 0 {
		return fmt.Errorf("rate_limit.default_quota_per_min must be > 0")
	}
	if c.RateLimit.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("rate_limit.max_concurrent_requests must be > 0")
	}
	if c.Debate.MaxRounds <= 0 {
		return fmt.Errorf("debate.max_rounds must be > 0")
	}
	if c.Debate.TimeoutPerPhaseS <= 0 {
		return fmt.Errorf("debate.timeout_per_phase_s must be > 0")
	}
	if c.Scheduler.MaintenanceInterval <= 0 {
		return fmt.Errorf("scheduler.maintenance_cycles must be > 0")
	}
	return nil
}

// Runtime wraps a Config and keeps it current as the file changes on disk.
// Readers call Snapshot for a consistent view; the watcher swaps the whole
// struct atomically so a reader never observes a half-applied reload.
type Runtime struct {
	mu  sync.RWMutex
	cfg Config
}

// NewRuntime wraps an already-loaded config.
func NewRuntime(cfg Config) *Runtime {
	return &Runtime{cfg: cfg}
}

// Snapshot returns the current config by value.
func (r *Runtime) Snapshot() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Watch re-reads the file on every change and swaps the snapshot. Invalid
// edits are rejected and the previous config stays in effect.
func (r *Runtime) Watch(path string, onReload func(Config)) {
	v := newViper(path)
	// ReadInConfig must succeed once before WatchConfig is useful; ignore the
	// error here since Load already dealt with a missing file.
	_ = v.ReadInConfig()

	v.OnConfigChange(func(fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			return
		}
		if err := next.Validate(); err != nil {
			return
		}
		r.mu.Lock()
		r.cfg = next
		r.mu.Unlock()
		if onReload != nil {
			onReload(next)
		}
	})
	v.WatchConfig()
}
