package plugins

import (
	"context"

	"aitrader/internal/executor"
	"aitrader/internal/pipeline"
	"aitrader/pkg/types"
)

// Execution releases the cycle's decisions. The risk review always runs
// here, immediately before release, so no order can reach the exchange
// without every check in the limit table passing on the exact inputs sent.
type Execution struct{}

// Metadata implements pipeline.Plugin.
func (p *Execution) Metadata() pipeline.Metadata {
	return pipeline.Metadata{
		Name:           "execution",
		DisplayName:    "Execution",
		Category:       "execution",
		InsertAfter:    "batch_decision",
		SuggestedOrder: 60,
		RequiresTrader: true,
	}
}

// Run implements pipeline.Plugin.
func (p *Execution) Run(ctx context.Context, state *types.CycleState, pctx *pipeline.Context) error {
	verdict := reviewState(state, pctx)
	if verdict.PauseBot {
		state.Breaker = verdict.PauseReason
	}

	exec := executor.New(pctx.Exchange, pctx.Session, pctx.Logger)
	if err := exec.Execute(ctx, state, verdict); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return pipeline.Fail(pipeline.Recoverable, "execute: %v", err)
	}
	return nil
}
