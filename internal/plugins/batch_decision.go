package plugins

import (
	"context"
	"fmt"
	"strings"

	"aitrader/internal/debate"
	"aitrader/internal/llm"
	"aitrader/internal/pipeline"
	"aitrader/pkg/types"
)

// BatchDecision runs the multi-role debate over the symbols that survived
// the quant filter and writes the portfolio decision into the cycle state.
// Role → LLM routing comes from the node config ("role_llm_ids"); roles
// without a binding use the bot-level LLM.
type BatchDecision struct{}

// Metadata implements pipeline.Plugin.
func (p *BatchDecision) Metadata() pipeline.Metadata {
	return pipeline.Metadata{
		Name:           "batch_decision",
		DisplayName:    "Debate Decision",
		Category:       "decision",
		InsertAfter:    "quant_filter",
		SuggestedOrder: 40,
		RequiresLLM:    true,
	}
}

// Run implements pipeline.Plugin.
func (p *BatchDecision) Run(ctx context.Context, state *types.CycleState, pctx *pipeline.Context) error {
	symbols := state.ActiveSymbols()
	if len(symbols) == 0 {
		return nil // everything filtered; nothing to debate
	}

	cfg := state.ConfigSnapshot
	if cfg.LLMID == "" {
		return pipeline.Fail(pipeline.Fatal, "bot has no llm_id configured")
	}
	defaultClient, err := pctx.LLM.Chain(ctx, cfg.LLMID)
	if err != nil {
		return pipeline.Fail(pipeline.Fatal, "resolve llm: %v", err)
	}

	clients, err := roleClients(ctx, pctx, p.roleLLMIDs(pctx.NodeConfig))
	if err != nil {
		return pipeline.Fail(pipeline.Fatal, "resolve role llms: %v", err)
	}

	trades, err := pctx.Session.RecentTrades(ctx, state.BotID, pctx.TradeHistoryLimit)
	if err != nil {
		return pipeline.Fail(pipeline.Recoverable, "trade history: %v", err)
	}

	engine := debate.New(debate.Config{
		Clients:      clients,
		Default:      defaultClient,
		Prompts:      pctx.Prompts,
		PromptCache:  pctx.PromptCache,
		MaxRounds:    p.rounds(pctx),
		PhaseTimeout: pctx.DebateTimeout,
		Logger:       pctx.Logger,
	})

	artifacts, err := engine.Run(ctx, debate.Inputs{
		Symbols:       symbols,
		MarketContext: func(symbol string) string { return renderMarketContext(state, symbol) },
		TradeHistory:  trades,
		Performance:   state.Performance,
		Limits:        cfg.Risk,
		Balance:       state.Balance,
		Positions:     state.Positions,
	})
	if err != nil {
		return err // cancellation only
	}

	state.Debate = artifacts
	if artifacts.Decision != nil {
		for i := range artifacts.Decision.Decisions {
			d := artifacts.Decision.Decisions[i]
			state.Run(d.Symbol).Decision = &d
		}
	}
	return nil
}

func (p *BatchDecision) rounds(pctx *pipeline.Context) int {
	if v, ok := pctx.NodeConfig["max_rounds"]; ok {
		if n, ok := v.(float64); ok && n > 0 {
			return int(n)
		}
	}
	return pctx.DebateMaxRounds
}

func (p *BatchDecision) roleLLMIDs(nodeConfig map[string]any) map[types.Role]string {
	out := make(map[types.Role]string)
	raw, ok := nodeConfig["role_llm_ids"].(map[string]any)
	if !ok {
		return out
	}
	for role, id := range raw {
		if s, ok := id.(string); ok && s != "" {
			out[types.Role(role)] = s
		}
	}
	return out
}

func roleClients(ctx context.Context, pctx *pipeline.Context, ids map[types.Role]string) (map[types.Role]llm.Client, error) {
	clients := make(map[types.Role]llm.Client, len(ids))
	for role, id := range ids {
		c, err := pctx.LLM.Chain(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", role, err)
		}
		clients[role] = c
	}
	return clients, nil
}

// renderMarketContext formats one symbol's run record for the prompts.
func renderMarketContext(state *types.CycleState, symbol string) string {
	run, ok := state.Runs[symbol]
	if !ok {
		return "No market data.\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Quant score: %.1f\nFunding rate: %.4f%%\nOpen interest: %.0f\n",
		run.QuantScore, run.FundingRate, run.OpenInterest)
	for _, ind := range run.Indicators {
		fmt.Fprintf(&sb,
			"[%s] close %.4f ema9 %.4f ema21 %.4f rsi %.1f macd %.4f/%.4f atr %.4f obv_slope %.0f\n",
			ind.Timeframe, ind.LastClose, ind.EMAFast, ind.EMASlow, ind.RSI,
			ind.MACD, ind.MACDSig, ind.ATR, ind.OBVSlope)
	}
	return sb.String()
}
