// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading core — bot and risk
// configuration, workflow graphs, per-cycle state, market data, positions,
// trades, and the structured outputs of the debate engine. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// TradingMode selects how orders are executed.
type TradingMode string

const (
	ModePaper    TradingMode = "paper"    // live market data, simulated fills
	ModeLive     TradingMode = "live"     // real orders on the exchange
	ModeBacktest TradingMode = "backtest" // historical data, simulated fills
)

// Side is the direction of a position or trade.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Action is what the decision layer wants done for a symbol.
type Action string

const (
	ActionLong  Action = "long"
	ActionShort Action = "short"
	ActionWait  Action = "wait"
	ActionClose Action = "close"
)

// TradeStatus tracks the lifecycle of a trade_history row.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// BotState is the coarse state published in BotStatus.
type BotState string

const (
	StateRunning BotState = "running"
	StateIdle    BotState = "idle"
	StateError   BotState = "error"
	StateStopped BotState = "stopped"
	StateUnknown BotState = "unknown"
)

// Trend is the analyst's directional read on a symbol.
type Trend string

const (
	TrendBullish Trend = "bullish"
	TrendBearish Trend = "bearish"
	TrendNeutral Trend = "neutral"
)

// Role names a participant in the debate pipeline.
type Role string

const (
	RoleAnalyst     Role = "analyst"
	RoleBull        Role = "bull"
	RoleBear        Role = "bear"
	RoleRiskManager Role = "risk_manager"
)

// ————————————————————————————————————————————————————————————————————————
// Bot configuration
// ————————————————————————————————————————————————————————————————————————

// QuantWeights weight the four components of the quantitative score.
// They must sum to 1.0.
type QuantWeights struct {
	Trend     float64 `json:"trend"`
	Momentum  float64 `json:"momentum"`
	Volume    float64 `json:"volume"`
	Sentiment float64 `json:"sentiment"`
}

// Sum returns the total weight (should be 1.0 for a valid config).
func (w QuantWeights) Sum() float64 {
	return w.Trend + w.Momentum + w.Volume + w.Sentiment
}

// RiskLimits is the closed set of risk policy knobs attached to a bot.
// Zero values disable the corresponding check unless noted.
type RiskLimits struct {
	// Exposure
	MaxTotalAllocationPct  float64 `json:"max_total_allocation_pct"`
	MaxSingleAllocationPct float64 `json:"max_single_allocation_pct"`

	// Leverage
	MaxLeverage          float64 `json:"max_leverage"`
	DefaultLeverage      float64 `json:"default_leverage"`
	AllowDefaultLeverage bool    `json:"allow_default_leverage"`

	// Sizing
	MinPositionSizeUSD float64 `json:"min_position_size_usd"`
	MaxPositionSizeUSD float64 `json:"max_position_size_usd"`
	MinRiskRewardRatio float64 `json:"min_risk_reward_ratio"`

	// Breakers
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`

	// Funding
	MaxFundingRatePct       float64 `json:"max_funding_rate_pct"`
	FundingRateCheckEnabled bool    `json:"funding_rate_check_enabled"`

	// Trailing stop
	TrailingStopEnabled       bool    `json:"trailing_stop_enabled"`
	TrailingStopTriggerPct    float64 `json:"trailing_stop_trigger_pct"`
	TrailingStopDistancePct   float64 `json:"trailing_stop_distance_pct"`
	TrailingStopLockProfitPct float64 `json:"trailing_stop_lock_profit_pct"`

	// Policy switches
	HardStopEnabled        bool `json:"hard_stop_enabled"`
	PauseOnConsecutiveLoss bool `json:"pause_on_consecutive_loss"`
	PauseOnMaxDrawdown     bool `json:"pause_on_max_drawdown"`
}

// BotConfig is the durable configuration of a single trading bot.
// Mutable from the control plane; the scheduler re-reads it at least once
// per cycle and changes take effect on the next cycle boundary.
type BotConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`

	// Wiring
	ExchangeID string `json:"exchange_id"`
	WorkflowID string `json:"workflow_id"`
	LLMID      string `json:"llm_id,omitempty"`

	// Execution parameters
	TradingMode          TradingMode    `json:"trading_mode"`
	CycleIntervalSec     int            `json:"cycle_interval_s"`
	MaxConcurrentSymbols int            `json:"max_concurrent_symbols"`
	Timeframes           []string       `json:"timeframes"`
	OHLCVLimits          map[string]int `json:"ohlcv_limits"`
	IndicatorConfigs     map[string]any `json:"indicator_configs,omitempty"`

	// Quantitative filter
	QuantWeights   QuantWeights `json:"quant_weights"`
	QuantThreshold float64      `json:"quant_threshold"`

	Risk RiskLimits `json:"risk"`

	// Tracing keys, forwarded to LLM providers when set.
	TraceKeys map[string]string `json:"trace_keys,omitempty"`

	AutoStart bool      `json:"auto_start"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CycleInterval returns the configured cycle interval as a duration.
func (b BotConfig) CycleInterval() time.Duration {
	return time.Duration(b.CycleIntervalSec) * time.Second
}

// ExchangeConfig is the durable description of an exchange account.
type ExchangeConfig struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"` // "binance", "bybit", "hyperliquid"
	APIKey    string  `json:"api_key"`
	APISecret string  `json:"api_secret"`
	Testnet   bool    `json:"testnet"`
	Slippage  float64 `json:"slippage"` // fractional, e.g. 0.0005
	FeeRate   float64 `json:"fee_rate"` // fractional commission, 0 means default
}

// LLMConfig is the durable description of one LLM endpoint.
type LLMConfig struct {
	ID          string   `json:"id"`
	Provider    string   `json:"provider"` // "openai", "anthropic", "ollama", "custom"
	BaseURL     string   `json:"base_url,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
	ModelName   string   `json:"model_name"`
	Temperature float64  `json:"temperature"`
	FallbackIDs []string `json:"fallback_ids,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// OHLCV is a single candle.
type OHLCV struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Ticker is a point-in-time price snapshot for a symbol.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume24h float64   `json:"volume_24h"`
	ChangePct float64   `json:"change_pct"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketInfo describes one tradeable market from the exchange catalogue.
type MarketInfo struct {
	Symbol       string  `json:"symbol"`
	Base         string  `json:"base"`
	Quote        string  `json:"quote"`
	Active       bool    `json:"active"`
	MinAmount    float64 `json:"min_amount"`
	MinNotional  float64 `json:"min_notional"`
	PricePrec    int     `json:"price_precision"`
	AmountPrec   int     `json:"amount_precision"`
	MaxLeverage  float64 `json:"max_leverage"`
	ContractSize float64 `json:"contract_size"`
}

// MarketCatalogue is the full symbol → market map loaded at bot start.
type MarketCatalogue map[string]MarketInfo

// OrderBook is a depth snapshot.
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Balance is the account balance snapshot used for sizing.
type Balance struct {
	TotalUSD     float64 `json:"total_usd"`
	AvailableUSD float64 `json:"available_usd"`
	MarginUsed   float64 `json:"margin_used"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions, orders, trades
// ————————————————————————————————————————————————————————————————————————

// Position is an open position as reported by the exchange (or the paper
// fill layer). LiquidationPrice is zero when the exchange does not report one.
type Position struct {
	Symbol           string  `json:"symbol"`
	Side             Side    `json:"side"`
	Size             float64 `json:"size"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	Leverage         float64 `json:"leverage"`
	MarginUsed       float64 `json:"margin_used"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	LiquidationPrice float64 `json:"liquidation_price,omitempty"`
}

// UnrealizedPnLPct returns unrealized PnL as a percentage of margin.
func (p Position) UnrealizedPnLPct() float64 {
	if p.MarginUsed == 0 {
		return 0
	}
	return p.UnrealizedPnL / p.MarginUsed * 100
}

// Order is the request/ack pair for a single exchange order.
type Order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          string    `json:"type"` // "market", "limit" or "stop_market"
	Amount        float64   `json:"amount"`
	Price         float64   `json:"price,omitempty"`
	Status        string    `json:"status"`
	FilledPrice   float64   `json:"filled_price,omitempty"`
	FilledAmount  float64   `json:"filled_amount,omitempty"`
	Fee           float64   `json:"fee,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Trade is one row of trade_history. Appended on open, updated on close.
// Invariant: at most one open row per (bot_id, symbol).
type Trade struct {
	ID         int64       `json:"id"`
	BotID      string      `json:"bot_id"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Action     Action      `json:"action"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price,omitempty"`
	Amount     float64     `json:"amount"`
	Leverage   float64     `json:"leverage"`
	PnLUSD     float64     `json:"pnl_usd,omitempty"`
	PnLPercent float64     `json:"pnl_percent,omitempty"`
	FeePaid    float64     `json:"fee_paid,omitempty"`
	Status     TradeStatus `json:"status"`
	OpenedAt   time.Time   `json:"opened_at"`
	ClosedAt   time.Time   `json:"closed_at,omitempty"`
	CycleID    int64       `json:"cycle_id"`
	OrderID    string      `json:"order_id,omitempty"`
}

// PerformanceWindow is the rolling trade performance summary injected into
// prompts and consulted by the circuit breakers.
type PerformanceWindow struct {
	TotalTrades       int     `json:"total_trades"`
	Wins              int     `json:"wins"`
	Losses            int     `json:"losses"`
	WinRate           float64 `json:"win_rate"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	DailyPnLPct       float64 `json:"daily_pnl_pct"`
	DrawdownPct       float64 `json:"drawdown_pct"`
	PeakBalanceUSD    float64 `json:"peak_balance_usd"`
}

// ————————————————————————————————————————————————————————————————————————
// Published status
// ————————————————————————————————————————————————————————————————————————

// BotStatus is the eventually-consistent snapshot published by a worker
// after every cycle. The control plane reads it from the status file,
// never from worker memory.
type BotStatus struct {
	BotID          string    `json:"bot_id"`
	IsRunning      bool      `json:"is_running"`
	State          BotState  `json:"state"`
	CurrentCycle   int64     `json:"current_cycle"`
	LastCycleAt    time.Time `json:"last_cycle_at,omitempty"`
	OpenPositions  int       `json:"open_positions"`
	SymbolsTrading []string  `json:"symbols_trading,omitempty"`
	BalanceUSD     float64   `json:"balance_usd"`
	LastDecision   string    `json:"last_decision,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
