package plugins

import (
	"context"

	"aitrader/internal/pipeline"
	"aitrader/internal/risk"
	"aitrader/pkg/types"
)

// RiskCheck runs the risk review ahead of execution, for workflows that
// want to branch on the outcome (or surface rejections without trading).
// The execution node re-reviews regardless — the review is deterministic,
// so an approved-and-clamped decision passes identically twice — which
// keeps risk enforcement in place even for workflows without this node.
type RiskCheck struct{}

// Metadata implements pipeline.Plugin.
func (p *RiskCheck) Metadata() pipeline.Metadata {
	return pipeline.Metadata{
		Name:           "risk_check",
		DisplayName:    "Risk Check",
		Category:       "filter",
		InsertAfter:    "batch_decision",
		SuggestedOrder: 50,
	}
}

// Run implements pipeline.Plugin.
func (p *RiskCheck) Run(ctx context.Context, state *types.CycleState, pctx *pipeline.Context) error {
	verdict := reviewState(state, pctx)

	for _, rej := range verdict.Rejected {
		state.RecordError("risk_check", rej.Symbol, "%s", rej.Reason)
		if run, ok := state.Runs[rej.Symbol]; ok {
			run.Decision = nil // rejected decisions never reach execution
		}
	}
	for i := range verdict.Approved {
		d := verdict.Approved[i]
		if run, ok := state.Runs[d.Symbol]; ok {
			run.Decision = &d // clamps (leverage) become visible downstream
		}
	}
	if verdict.PauseBot {
		state.Breaker = verdict.PauseReason
	}
	return nil
}

// reviewState builds the monitor input from the cycle state and reviews it.
// Shared by risk_check and execution.
func reviewState(state *types.CycleState, pctx *pipeline.Context) risk.Verdict {
	// The working decision set lives on the run records (batch_decision
	// writes one per symbol; risk_check clears rejected ones). Building the
	// batch from the runs keeps a second review — the one inside execution —
	// from re-rejecting what an earlier risk_check already removed.
	decision := types.BatchDecision{}
	for _, symbol := range state.Candidates {
		if run, ok := state.Runs[symbol]; ok && run.Decision != nil {
			d := *run.Decision
			decision.Decisions = append(decision.Decisions, d)
			if d.Action == types.ActionLong || d.Action == types.ActionShort {
				decision.TotalAllocationPct += d.AllocationPct
			}
		}
	}

	funding := make(map[string]float64, len(state.Runs))
	for symbol, run := range state.Runs {
		funding[symbol] = run.FundingRate
	}

	monitor := risk.NewMonitor(pctx.Logger)
	return monitor.Review(risk.Input{
		Decision:     decision,
		Limits:       state.ConfigSnapshot.Risk,
		Balance:      state.Balance,
		Positions:    state.Positions,
		Performance:  state.Performance,
		FundingRates: funding,
	})
}
