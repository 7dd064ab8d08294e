// Package plugins ships the built-in pipeline nodes:
//
//	coins_pick     — candidate symbol selection from the market catalogue
//	market_state   — indicators, funding and open interest per symbol
//	quant_filter   — weighted quant score, drops symbols under threshold
//	batch_decision — the multi-role debate producing the portfolio decision
//	risk_check     — early risk review, for workflows that branch on it
//	execution      — risk review + order release
//
// Workflows reference these by name; RegisterAll populates the registry at
// startup and the auto-sync task proposes their node_configs rows.
package plugins

import (
	"aitrader/internal/pipeline"
)

// RegisterAll adds every built-in plugin to the registry.
func RegisterAll(r *pipeline.Registry) {
	r.Register("coins_pick", func() pipeline.Plugin { return &CoinsPick{} })
	r.Register("market_state", func() pipeline.Plugin { return &MarketState{} })
	r.Register("quant_filter", func() pipeline.Plugin { return &QuantFilter{} })
	r.Register("batch_decision", func() pipeline.Plugin { return &BatchDecision{} })
	r.Register("risk_check", func() pipeline.Plugin { return &RiskCheck{} })
	r.Register("execution", func() pipeline.Plugin { return &Execution{} })
}
