package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Workflow graph
// ————————————————————————————————————————————————————————————————————————

// WorkflowNode binds a registered plugin into a workflow graph.
// Config is an opaque map handed to the plugin unchanged.
type WorkflowNode struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	PluginName     string         `json:"plugin_name"`
	ExecutionOrder int            `json:"execution_order"`
	Enabled        bool           `json:"enabled"`
	Config         map[string]any `json:"config,omitempty"`
}

// WorkflowEdge connects two nodes. An empty Condition means unconditional.
// Condition is a boolean expression over CycleState fields, e.g.
// "runs.BTC/USDT.quant_score >= 50 && balance > 100".
type WorkflowEdge struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	From       string `json:"from"` // node ID
	To         string `json:"to"`   // node ID
	Condition  string `json:"condition,omitempty"`
}

// Workflow is a directed acyclic graph of plugin invocations. Nodes with no
// inbound edge hang off the implicit START; terminal nodes fan into the
// implicit END. The runtime freezes a snapshot at the start of each cycle,
// so concurrent edits from the UI never affect an in-flight cycle.
type Workflow struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	UserEdited bool           `json:"user_edited"` // blocks plugin auto-sync overwrites
	Nodes      []WorkflowNode `json:"nodes"`
	Edges      []WorkflowEdge `json:"edges"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Debate outputs
// ————————————————————————————————————————————————————————————————————————

// AnalystOutput is the structured result of the analysis phase for one symbol.
// KeyLevels is nil when the analyst reported none (never an empty slice).
type AnalystOutput struct {
	Symbol    string    `json:"symbol"`
	Trend     Trend     `json:"trend"`
	KeyLevels []float64 `json:"key_levels,omitempty"`
	Summary   string    `json:"summary"`
}

// TraderSuggestion is one side's proposal for a symbol in a debate round.
type TraderSuggestion struct {
	Symbol        string  `json:"symbol"`
	Action        Action  `json:"action"`     // long, short, or wait
	Confidence    float64 `json:"confidence"` // 0..100
	AllocationPct float64 `json:"allocation_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	Reasoning     string  `json:"reasoning"`
}

// PortfolioDecision is the risk manager's final call for one symbol.
// Leverage of 0 means the model omitted it; the risk monitor decides
// whether that is a rejection or a default.
type PortfolioDecision struct {
	Symbol        string  `json:"symbol"`
	Action        Action  `json:"action"`
	AllocationPct float64 `json:"allocation_pct"`
	Leverage      float64 `json:"leverage,omitempty"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
}

// BatchDecision is the synthesis-phase output covering the whole candidate set.
type BatchDecision struct {
	Decisions          []PortfolioDecision `json:"decisions"`
	TotalAllocationPct float64             `json:"total_allocation_pct"`
	CashReservePct     float64             `json:"cash_reserve_pct"`
	StrategyRationale  string              `json:"strategy_rationale"`
}

// DebateRound captures one round of the bull/bear exchange for a symbol.
type DebateRound struct {
	Round int              `json:"round"`
	Bull  TraderSuggestion `json:"bull"`
	Bear  TraderSuggestion `json:"bear"`
}

// DebateArtifacts is everything the debate produced for one cycle, kept in
// CycleState and served to the control plane by get_debate.
type DebateArtifacts struct {
	Analyst  map[string]AnalystOutput `json:"analyst,omitempty"` // symbol → output
	Rounds   map[string][]DebateRound `json:"rounds,omitempty"`  // symbol → rounds
	Decision *BatchDecision           `json:"decision,omitempty"`
	Summary  string                   `json:"summary,omitempty"`
	Dropped  []string                 `json:"dropped,omitempty"` // symbols lost to analyst failures
}

// TrailingStopProposal asks the executor to amend a stop-loss. Written into
// CycleState by the risk monitor; the executor issues the amend order.
type TrailingStopProposal struct {
	Symbol       string  `json:"symbol"`
	NewStopPrice float64 `json:"new_stop_price"`
	LockedPnLPct float64 `json:"locked_pnl_pct"`
	Reason       string  `json:"reason"`
}

// ————————————————————————————————————————————————————————————————————————
// Cycle state
// ————————————————————————————————————————————————————————————————————————

// IndicatorSet holds the computed per-timeframe indicator values for a symbol.
type IndicatorSet struct {
	Timeframe string  `json:"timeframe"`
	EMAFast   float64 `json:"ema_fast"`
	EMASlow   float64 `json:"ema_slow"`
	RSI       float64 `json:"rsi"`
	MACD      float64 `json:"macd"`
	MACDSig   float64 `json:"macd_signal"`
	ATR       float64 `json:"atr"`
	OBVSlope  float64 `json:"obv_slope"`
	LastClose float64 `json:"last_close"`
	VolumeAvg float64 `json:"volume_avg"`
}

// ExecutionResult records what the executor did for one symbol.
type ExecutionResult struct {
	Symbol  string  `json:"symbol"`
	Action  Action  `json:"action"`
	OrderID string  `json:"order_id,omitempty"`
	Filled  bool    `json:"filled"`
	Price   float64 `json:"price,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
	FeeUSD  float64 `json:"fee_usd,omitempty"`
	Skipped string  `json:"skipped,omitempty"` // non-empty when the order was not sent
}

// SymbolRun is the per-symbol record threaded through the pipeline.
type SymbolRun struct {
	Symbol       string             `json:"symbol"`
	Indicators   []IndicatorSet     `json:"indicators,omitempty"`
	FundingRate  float64            `json:"funding_rate"`
	OpenInterest float64            `json:"open_interest"`
	QuantScore   float64            `json:"quant_score"`
	Filtered     bool               `json:"filtered"` // dropped by the quant filter
	Decision     *PortfolioDecision `json:"decision,omitempty"`
	Execution    *ExecutionResult   `json:"execution,omitempty"`
}

// CycleError is one recoverable failure recorded during a cycle.
type CycleError struct {
	Node    string    `json:"node,omitempty"`
	Symbol  string    `json:"symbol,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// CycleState is the mutable record threaded through pipeline nodes. One is
// materialised per cycle and checkpointed after every node. CycleID increases
// strictly monotonically per bot; a written checkpoint is immutable.
type CycleState struct {
	CycleID   int64     `json:"cycle_id"`
	BotID     string    `json:"bot_id"`
	StartedAt time.Time `json:"started_at"`

	// ConfigSnapshot pins the config the cycle runs under; mid-cycle edits
	// to the durable BotConfig are invisible until the next cycle.
	ConfigSnapshot BotConfig `json:"config_snapshot"`

	Candidates []string              `json:"candidates,omitempty"` // symbols picked this cycle
	Runs       map[string]*SymbolRun `json:"runs,omitempty"`       // symbol → run record

	Balance     Balance                `json:"balance"`
	Positions   []Position             `json:"positions,omitempty"`
	Performance PerformanceWindow      `json:"performance"`
	Debate      *DebateArtifacts       `json:"debate,omitempty"`
	StopAmends  []TrailingStopProposal `json:"stop_amends,omitempty"`

	// Breaker carries the reason when a risk breaker fired this cycle; the
	// scheduler reads it after the pipeline returns and pauses the bot.
	Breaker string `json:"breaker,omitempty"`

	Errors []CycleError `json:"errors,omitempty"`
}

// NewCycleState materialises a fresh state for one cycle.
func NewCycleState(botID string, cycleID int64, cfg BotConfig, now time.Time) *CycleState {
	return &CycleState{
		CycleID:        cycleID,
		BotID:          botID,
		StartedAt:      now,
		ConfigSnapshot: cfg,
		Runs:           make(map[string]*SymbolRun),
	}
}

// Run returns the run record for a symbol, creating it on first use.
func (s *CycleState) Run(symbol string) *SymbolRun {
	if s.Runs == nil {
		s.Runs = make(map[string]*SymbolRun)
	}
	r, ok := s.Runs[symbol]
	if !ok {
		r = &SymbolRun{Symbol: symbol}
		s.Runs[symbol] = r
	}
	return r
}

// RecordError appends a recoverable failure to the cycle record.
func (s *CycleState) RecordError(node, symbol, format string, args ...any) {
	s.Errors = append(s.Errors, CycleError{
		Node:    node,
		Symbol:  symbol,
		Message: fmt.Sprintf(format, args...),
		At:      time.Now().UTC(),
	})
}

// ActiveSymbols returns candidates that survived filtering, in input order.
func (s *CycleState) ActiveSymbols() []string {
	out := make([]string, 0, len(s.Candidates))
	for _, sym := range s.Candidates {
		if r, ok := s.Runs[sym]; ok && !r.Filtered {
			out = append(out, sym)
		}
	}
	return out
}

// ThreadID is the checkpoint-store thread key for a bot.
func ThreadID(botID string) string {
	return "bot_" + botID
}
