package plugins

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"aitrader/internal/cache"
	"aitrader/internal/pipeline"
	"aitrader/pkg/types"
)

// CoinsPick selects the candidate symbols for the cycle: active quote-USDT
// perpetuals ranked by open interest, capped at max_concurrent_symbols.
// Symbols with open positions are always included so their exits stay
// managed even when they fall out of the ranking.
type CoinsPick struct{}

// Metadata implements pipeline.Plugin.
func (p *CoinsPick) Metadata() pipeline.Metadata {
	return pipeline.Metadata{
		Name:           "coins_pick",
		DisplayName:    "Coin Selection",
		Category:       "data",
		SuggestedOrder: 10,
	}
}

// Run implements pipeline.Plugin.
func (p *CoinsPick) Run(ctx context.Context, state *types.CycleState, pctx *pipeline.Context) error {
	cfg := state.ConfigSnapshot
	maxSymbols := cfg.MaxConcurrentSymbols
	if maxSymbols <= 0 {
		maxSymbols = 3
	}

	// An explicit symbol list in the node config wins over discovery.
	if fixed := configSymbols(pctx.NodeConfig); len(fixed) > 0 {
		if len(fixed) > maxSymbols {
			fixed = fixed[:maxSymbols]
		}
		state.Candidates = withPositionSymbols(fixed, state.Positions)
		return nil
	}

	// A previous cycle's selection may still be fresh.
	if raw, ok := pctx.Cache.Get(cache.NSCoinSelection, state.BotID); ok {
		var cached []string
		if err := json.Unmarshal(raw, &cached); err == nil && len(cached) > 0 {
			state.Candidates = withPositionSymbols(cached, state.Positions)
			return nil
		}
	}

	markets, err := pctx.Market.Markets(ctx)
	if err != nil {
		return pipeline.Fail(pipeline.Recoverable, "load markets: %v", err)
	}

	type ranked struct {
		symbol string
		oi     float64
	}
	var candidates []ranked
	for symbol, m := range markets {
		if !m.Active || m.Quote != "USDT" {
			continue
		}
		oi, err := pctx.Market.OpenInterest(ctx, symbol)
		if err != nil {
			// One symbol's missing OI ranks it last, nothing more.
			oi = 0
		}
		candidates = append(candidates, ranked{symbol: symbol, oi: oi})
		if len(candidates) >= maxSymbols*8 {
			break // the catalogue is large; rank a bounded sample
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].oi > candidates[j].oi })

	picked := make([]string, 0, maxSymbols)
	for _, c := range candidates {
		if len(picked) >= maxSymbols {
			break
		}
		picked = append(picked, c.symbol)
	}

	if raw, err := json.Marshal(picked); err == nil && pctx.CacheTTL != nil {
		pctx.Cache.Set(cache.NSCoinSelection, state.BotID, raw, pctx.CacheTTL(cache.NSCoinSelection))
	}
	state.Candidates = withPositionSymbols(picked, state.Positions)
	return nil
}

func configSymbols(nodeConfig map[string]any) []string {
	raw, ok := nodeConfig["symbols"]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
	case []string:
		out = v
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// withPositionSymbols appends position symbols missing from the selection.
func withPositionSymbols(symbols []string, positions []types.Position) []string {
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		seen[s] = true
	}
	for _, pos := range positions {
		if !seen[pos.Symbol] {
			symbols = append(symbols, pos.Symbol)
			seen[pos.Symbol] = true
		}
	}
	return symbols
}
