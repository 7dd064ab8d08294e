package debate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"aitrader/pkg/types"
)

// Prompts holds the per-role system prompts. The content is opaque to the
// engine; operators override any role by dropping <role>.txt into the
// prompts directory.
type Prompts struct {
	Analyst     string
	Bull        string
	Bear        string
	RiskManager string
}

// Built-in prompts keep a fresh install runnable before anyone has tuned
// the role instructions.
var defaultPrompts = Prompts{
	Analyst: "You are a market analyst for a crypto trading desk. Read the " +
		"provided market data and produce a concise directional read.",
	Bull: "You are the bullish trader in a structured debate. Argue the long " +
		"case for the symbol using the analyst's read and the market data. " +
		"Address the bear's previous argument when one is provided.",
	Bear: "You are the bearish trader in a structured debate. Argue the short " +
		"case for the symbol using the analyst's read and the market data. " +
		"Address the bull's previous argument when one is provided.",
	RiskManager: "You are the risk manager with final authority over the " +
		"portfolio. Weigh the analyst reads and both sides of each debate, " +
		"respect the stated risk limits, and produce the portfolio decision.",
}

// LoadPrompts reads role prompts from dir, falling back to the built-ins
// for any missing file.
func LoadPrompts(dir string) Prompts {
	p := defaultPrompts
	read := func(name string, dst *string) {
		if dir == "" {
			return
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil && len(data) > 0 {
			*dst = string(data)
		}
	}
	read("analyst.txt", &p.Analyst)
	read("bull.txt", &p.Bull)
	read("bear.txt", &p.Bear)
	read("risk_manager.txt", &p.RiskManager)
	return p
}

// ForRole returns the system prompt for a role.
func (p Prompts) ForRole(role types.Role) string {
	switch role {
	case types.RoleAnalyst:
		return p.Analyst
	case types.RoleBull:
		return p.Bull
	case types.RoleBear:
		return p.Bear
	case types.RoleRiskManager:
		return p.RiskManager
	}
	return ""
}

// renderTradeHistory formats the recent trades, win rate, and loss streak
// for prompt injection.
func renderTradeHistory(trades []types.Trade, perf types.PerformanceWindow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Recent performance: %d trades, win rate %.1f%%, consecutive losses %d.\n",
		perf.TotalTrades, perf.WinRate, perf.ConsecutiveLosses)
	if len(trades) == 0 {
		sb.WriteString("No closed trades yet.\n")
		return sb.String()
	}
	sb.WriteString("Last trades (newest first):\n")
	for _, t := range trades {
		fmt.Fprintf(&sb, "- %s %s %s entry %.4f exit %.4f pnl %.2f USD (%.2f%%) closed %s\n",
			t.Symbol, t.Side, t.Action, t.EntryPrice, t.ExitPrice, t.PnLUSD, t.PnLPercent,
			t.ClosedAt.Format(time.RFC3339))
	}
	return sb.String()
}

func renderPositions(positions []types.Position) string {
	if len(positions) == 0 {
		return "No open positions.\n"
	}
	var sb strings.Builder
	sb.WriteString("Open positions:\n")
	for _, p := range positions {
		fmt.Fprintf(&sb, "- %s %s size %.6f entry %.4f mark %.4f lev %.1fx upnl %.2f USD\n",
			p.Symbol, p.Side, p.Size, p.EntryPrice, p.MarkPrice, p.Leverage, p.UnrealizedPnL)
	}
	return sb.String()
}

func renderLimits(l types.RiskLimits) string {
	return fmt.Sprintf(
		"Risk limits: max total allocation %.1f%%, max per symbol %.1f%%, max leverage %.1fx, "+
			"position size %.0f-%.0f USD, min risk/reward %.2f.\n",
		l.MaxTotalAllocationPct, l.MaxSingleAllocationPct, l.MaxLeverage,
		l.MinPositionSizeUSD, l.MaxPositionSizeUSD, l.MinRiskRewardRatio)
}

// JSON schemas handed to the providers. Kept as literals: they are part of
// the output contract, not derived from the Go types at runtime.
const (
	analystSchema = `{"type":"object","required":["symbol","trend","summary"],"properties":{` +
		`"symbol":{"type":"string"},` +
		`"trend":{"type":"string","enum":["bullish","bearish","neutral"]},` +
		`"key_levels":{"type":"array","items":{"type":"number"}},` +
		`"summary":{"type":"string"}}}`

	suggestionSchema = `{"type":"object","required":["symbol","action","confidence","allocation_pct"],"properties":{` +
		`"symbol":{"type":"string"},` +
		`"action":{"type":"string","enum":["long","short","wait"]},` +
		`"confidence":{"type":"number","minimum":0,"maximum":100},` +
		`"allocation_pct":{"type":"number"},` +
		`"stop_loss_pct":{"type":"number"},` +
		`"take_profit_pct":{"type":"number"},` +
		`"reasoning":{"type":"string"}}}`

	batchSchema = `{"type":"object","required":["decisions","total_allocation_pct","cash_reserve_pct"],"properties":{` +
		`"decisions":{"type":"array","items":{"type":"object","required":["symbol","action","allocation_pct"],"properties":{` +
		`"symbol":{"type":"string"},` +
		`"action":{"type":"string","enum":["long","short","wait","close"]},` +
		`"allocation_pct":{"type":"number"},` +
		`"leverage":{"type":"number"},` +
		`"stop_loss_pct":{"type":"number"},` +
		`"take_profit_pct":{"type":"number"},` +
		`"confidence":{"type":"number"},` +
		`"reasoning":{"type":"string"}}}},` +
		`"total_allocation_pct":{"type":"number"},` +
		`"cash_reserve_pct":{"type":"number"},` +
		`"strategy_rationale":{"type":"string"}}}`
)
