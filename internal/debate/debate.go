// Package debate implements the multi-role decision pipeline:
//
//	analyst (parallel per symbol)
//	  → bull/bear debate (concurrent roles, R rounds of cross-examination)
//	    → risk manager synthesis (one portfolio decision)
//
// Each role can be bound to its own LLM; every call is structured-output,
// temperature 0, wrapped in the fallback chain and the per-phase timeout.
// A failed analyst drops its symbol, a failed trader degrades to "wait",
// and a failed synthesis degrades to all-cash — the cycle always completes.
package debate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"aitrader/internal/llm"
	"aitrader/pkg/types"
)

// Engine runs one debate per cycle.
type Engine struct {
	clients map[types.Role]llm.Client
	prompts Prompts
	cache   *llm.PromptCache

	maxRounds    int
	phaseTimeout time.Duration

	logger *slog.Logger
}

// Config wires one engine instance.
type Config struct {
	// Clients binds each role to an LLM chain. Missing roles fall back to
	// the Default client.
	Clients      map[types.Role]llm.Client
	Default      llm.Client
	Prompts      Prompts
	PromptCache  *llm.PromptCache
	MaxRounds    int
	PhaseTimeout time.Duration
	Logger       *slog.Logger
}

// New creates a debate engine.
func New(cfg Config) *Engine {
	clients := make(map[types.Role]llm.Client, 4)
	for _, role := range []types.Role{types.RoleAnalyst, types.RoleBull, types.RoleBear, types.RoleRiskManager} {
		if c, ok := cfg.Clients[role]; ok && c != nil {
			clients[role] = c
		} else {
			clients[role] = cfg.Default
		}
	}
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 2
	}
	timeout := cfg.PhaseTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cache := cfg.PromptCache
	if cache == nil {
		cache = llm.NewPromptCache()
	}
	return &Engine{
		clients:      clients,
		prompts:      cfg.Prompts,
		cache:        cache,
		maxRounds:    maxRounds,
		phaseTimeout: timeout,
		logger:       cfg.Logger.With("component", "debate"),
	}
}

// Inputs is everything one debate needs.
type Inputs struct {
	Symbols       []string
	MarketContext func(symbol string) string // rendered market data per symbol
	TradeHistory  []types.Trade
	Performance   types.PerformanceWindow
	Limits        types.RiskLimits
	Balance       types.Balance
	Positions     []types.Position
}

// Run executes all three phases and returns the artifacts. The error is
// non-nil only for cancellation; every provider failure degrades instead.
func (e *Engine) Run(ctx context.Context, in Inputs) (*types.DebateArtifacts, error) {
	art := &types.DebateArtifacts{
		Analyst: make(map[string]types.AnalystOutput),
		Rounds:  make(map[string][]types.DebateRound),
	}

	// Phase A: analyst fan-out.
	analyses, dropped := e.analysisPhase(ctx, in)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	art.Analyst = analyses
	art.Dropped = dropped

	// Phase B: bull/bear rounds per surviving symbol.
	for sym, rounds := range e.debatePhase(ctx, in, analyses) {
		art.Rounds[sym] = rounds
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Phase C: synthesis.
	decision, responder := e.synthesisPhase(ctx, in, art)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	art.Decision = decision
	art.Summary = e.summarise(art, responder)
	return art, nil
}

// complete runs one structured call for a role: prompt cache, fallback
// chain, per-phase timeout, schema decode. The timeout covers this one call
// including its fallbacks; expiry surfaces as KindTimeout.
func (e *Engine) complete(ctx context.Context, role types.Role, prompt, schema string, out any) (responder string, err error) {
	req := llm.Request{
		System: e.prompts.ForRole(role),
		Prompt: prompt,
		Schema: schema,
	}

	if cached, ok := e.cache.Get(string(role), req); ok {
		return "cache", llm.DecodeInto("cache", cached, out)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	defer cancel()
	raw, responder, err := llm.CompleteWith(callCtx, e.clients[role], req)
	if err != nil {
		return "", err
	}
	if err := llm.DecodeInto(responder, raw, out); err != nil {
		return "", err
	}
	e.cache.Put(string(role), req, raw)
	return responder, nil
}

// analysisPhase fans the analyst out across symbols. Failures drop the
// symbol and are logged; the rest of the debate continues.
func (e *Engine) analysisPhase(ctx context.Context, in Inputs) (map[string]types.AnalystOutput, []string) {
	type result struct {
		symbol string
		out    types.AnalystOutput
		err    error
	}

	results := make(chan result, len(in.Symbols))
	var wg sync.WaitGroup
	for _, symbol := range in.Symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			prompt := fmt.Sprintf("Symbol: %s\n\n%s\n%s",
				symbol, in.MarketContext(symbol), renderPositions(in.Positions))
			var out types.AnalystOutput
			_, err := e.complete(ctx, types.RoleAnalyst, prompt, analystSchema, &out)
			results <- result{symbol: symbol, out: out, err: err}
		}(symbol)
	}
	wg.Wait()
	close(results)

	analyses := make(map[string]types.AnalystOutput, len(in.Symbols))
	var dropped []string
	for r := range results {
		if r.err != nil {
			e.logger.Warn("analyst failed, dropping symbol",
				"symbol", r.symbol, "kind", llm.KindOf(r.err), "error", r.err)
			dropped = append(dropped, r.symbol)
			continue
		}
		if r.out.Symbol == "" {
			// The symbol field is mandatory; an output that lost it cannot
			// be trusted to describe this symbol.
			e.logger.Warn("analyst output missing symbol", "symbol", r.symbol)
			dropped = append(dropped, r.symbol)
			continue
		}
		if len(r.out.KeyLevels) == 0 {
			r.out.KeyLevels = nil // populated or absent, never empty
		}
		r.out.Symbol = r.symbol // trust our routing over the model's echo
		analyses[r.symbol] = r.out
	}
	return analyses, dropped
}

// debatePhase runs bull and bear concurrently for every analysed symbol,
// for maxRounds rounds. Within a round each side sees the opposing view
// from the previous round.
func (e *Engine) debatePhase(ctx context.Context, in Inputs, analyses map[string]types.AnalystOutput) map[string][]types.DebateRound {
	out := make(map[string][]types.DebateRound, len(analyses))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for symbol, analysis := range analyses {
		wg.Add(1)
		go func(symbol string, analysis types.AnalystOutput) {
			defer wg.Done()
			rounds := e.debateSymbol(ctx, in, symbol, analysis)
			mu.Lock()
			out[symbol] = rounds
			mu.Unlock()
		}(symbol, analysis)
	}
	wg.Wait()
	return out
}

func (e *Engine) debateSymbol(ctx context.Context, in Inputs, symbol string, analysis types.AnalystOutput) []types.DebateRound {
	history := renderTradeHistory(in.TradeHistory, in.Performance)
	market := in.MarketContext(symbol)

	rounds := make([]types.DebateRound, 0, e.maxRounds)
	var prevBull, prevBear *types.TraderSuggestion

	for round := 1; round <= e.maxRounds; round++ {
		if ctx.Err() != nil {
			return rounds
		}

		var bull, bear types.TraderSuggestion
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			bull = e.traderCall(ctx, types.RoleBull, symbol, analysis, market, history, round, prevBear)
		}()
		go func() {
			defer wg.Done()
			bear = e.traderCall(ctx, types.RoleBear, symbol, analysis, market, history, round, prevBull)
		}()
		wg.Wait()

		rounds = append(rounds, types.DebateRound{Round: round, Bull: bull, Bear: bear})
		prevBull, prevBear = &bull, &bear
	}
	return rounds
}

// traderCall runs one side of one round. Failures degrade to a "wait"
// suggestion so a half-failed round still synthesises.
func (e *Engine) traderCall(ctx context.Context, role types.Role, symbol string, analysis types.AnalystOutput, market, history string, round int, opposing *types.TraderSuggestion) types.TraderSuggestion {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Symbol: %s\nRound: %d\n\nAnalyst read: trend=%s. %s\n\n%s\n%s",
		symbol, round, analysis.Trend, analysis.Summary, market, history)
	if opposing != nil {
		fmt.Fprintf(&sb, "\nOpposing view from the previous round (%s, confidence %.0f): %s\n",
			opposing.Action, opposing.Confidence, opposing.Reasoning)
	}

	var out types.TraderSuggestion
	if _, err := e.complete(ctx, role, sb.String(), suggestionSchema, &out); err != nil {
		e.logger.Warn("trader call failed, degrading to wait",
			"role", role, "symbol", symbol, "round", round, "kind", llm.KindOf(err))
		return types.TraderSuggestion{Symbol: symbol, Action: types.ActionWait,
			Reasoning: fmt.Sprintf("%s unavailable: %s", role, llm.KindOf(err))}
	}

	out.Symbol = symbol
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 100 {
		out.Confidence = 100
	}
	switch out.Action {
	case types.ActionLong, types.ActionShort, types.ActionWait:
	default:
		out.Action = types.ActionWait
	}
	return out
}

// synthesisPhase asks the risk manager for the final batch decision.
func (e *Engine) synthesisPhase(ctx context.Context, in Inputs, art *types.DebateArtifacts) (*types.BatchDecision, string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Account balance: %.2f USD (available %.2f).\n\n",
		in.Balance.TotalUSD, in.Balance.AvailableUSD)
	sb.WriteString(renderLimits(in.Limits))
	sb.WriteString(renderPositions(in.Positions))
	sb.WriteString(renderTradeHistory(in.TradeHistory, in.Performance))
	sb.WriteString("\nDebate record:\n")
	for symbol, analysis := range art.Analyst {
		fmt.Fprintf(&sb, "\n%s — analyst: %s (%s)\n", symbol, analysis.Trend, analysis.Summary)
		for _, round := range art.Rounds[symbol] {
			fmt.Fprintf(&sb, "  round %d bull (%s, conf %.0f, alloc %.1f%%): %s\n",
				round.Round, round.Bull.Action, round.Bull.Confidence, round.Bull.AllocationPct, round.Bull.Reasoning)
			fmt.Fprintf(&sb, "  round %d bear (%s, conf %.0f, alloc %.1f%%): %s\n",
				round.Round, round.Bear.Action, round.Bear.Confidence, round.Bear.AllocationPct, round.Bear.Reasoning)
		}
	}

	var out types.BatchDecision
	responder, err := e.complete(ctx, types.RoleRiskManager, sb.String(), batchSchema, &out)
	if err != nil {
		e.logger.Warn("synthesis failed, degrading to all-cash",
			"kind", llm.KindOf(err), "error", err)
		return &types.BatchDecision{
			Decisions:          nil,
			TotalAllocationPct: 0,
			CashReservePct:     100,
			StrategyRationale:  fmt.Sprintf("risk manager unavailable (%s); holding cash", llm.KindOf(err)),
		}, ""
	}

	// Decisions for symbols that never entered the debate are discarded:
	// the risk manager may only allocate what was analysed.
	kept := out.Decisions[:0]
	for _, d := range out.Decisions {
		if _, ok := art.Analyst[d.Symbol]; ok {
			kept = append(kept, d)
		}
	}
	out.Decisions = kept
	return &out, responder
}

func (e *Engine) summarise(art *types.DebateArtifacts, responder string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d symbols analysed", len(art.Analyst))
	if len(art.Dropped) > 0 {
		fmt.Fprintf(&sb, " (%d dropped)", len(art.Dropped))
	}
	if art.Decision != nil {
		fmt.Fprintf(&sb, "; %d decisions, %.1f%% allocated, %.1f%% cash",
			len(art.Decision.Decisions), art.Decision.TotalAllocationPct, art.Decision.CashReservePct)
	}
	if responder != "" && responder != "cache" {
		fmt.Fprintf(&sb, "; synthesis by %s", responder)
	}
	return sb.String()
}
