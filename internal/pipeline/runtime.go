// runtime.go walks a frozen workflow snapshot over a CycleState.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"aitrader/pkg/types"
)

// Checkpointer persists node-boundary snapshots. Implemented by
// store.Session; keyed so rewinding to (cycle, node) reproduces exactly the
// state the next node would have seen.
type Checkpointer interface {
	PutCheckpoint(ctx context.Context, threadID string, cycleID int64, nodeName string, state []byte) error
}

// Runner executes workflow snapshots for one bot.
type Runner struct {
	registry    *Registry
	checkpoints Checkpointer
	logger      *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(registry *Registry, checkpoints Checkpointer, logger *slog.Logger) *Runner {
	return &Runner{
		registry:    registry,
		checkpoints: checkpoints,
		logger:      logger.With("component", "pipeline"),
	}
}

// Run executes the snapshot over state. Nodes run in topological order;
// a node only runs while its branch is live (reached through an edge whose
// condition matched). After every completed node the state is checkpointed.
// Cancellation aborts before the next node and writes no further
// checkpoints. A Fatal node failure aborts the cycle with an error;
// Recoverable failures are recorded into the state and the walk continues
// along the failed node's unconditional edges.
func (r *Runner) Run(ctx context.Context, snap *Snapshot, state *types.CycleState, pctx *Context) error {
	live := make(map[string]bool)
	for _, id := range snap.Roots() {
		live[id] = true
	}

	for _, node := range snap.Order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !live[node.ID] {
			continue
		}

		failed, err := r.runNode(ctx, node, state, pctx)
		if err != nil {
			return err // fatal or cancelled
		}

		// Propagate liveness. After a recoverable failure only the
		// unconditional (default) edges stay live: conditions may reference
		// fields the failed node never produced.
		for _, edge := range snap.Outgoing[node.ID] {
			if failed && edge.Condition != "" {
				continue
			}
			match, cerr := EvalCondition(edge.Condition, stateResolver(state))
			if cerr != nil {
				return Fail(Fatal, "workflow %s: %v", snap.WorkflowID, cerr)
			}
			if match {
				live[edge.To] = true
			}
		}
	}
	return nil
}

// runNode executes one node and checkpoints the result. The bool result
// reports a recoverable failure; a non-nil error is fatal or cancellation.
func (r *Runner) runNode(ctx context.Context, node types.WorkflowNode, state *types.CycleState, pctx *Context) (failed bool, err error) {
	plugin, err := r.registry.New(node.PluginName)
	if err != nil {
		// Unknown plugin name is a configuration error.
		return false, Fail(Fatal, "node %s: %v", node.ID, err)
	}

	nodeCtx := ctx
	pctx.NodeConfig = node.Config
	if t := pctx.NodeTimeout(); t > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	r.logger.Debug("running node", "node", node.PluginName, "cycle", state.CycleID)
	runErr := r.runGuarded(nodeCtx, plugin, state, pctx)

	if runErr != nil {
		// Cancellation of the cycle is not a node failure.
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if KindOf(runErr) == Fatal {
			return false, fmt.Errorf("node %s: %w", node.PluginName, runErr)
		}
		state.RecordError(node.PluginName, "", "%v", runErr)
		r.logger.Warn("node failed, continuing", "node", node.PluginName, "error", runErr)
		failed = true
	}

	// Checkpoint the post-node state, but never after cancellation.
	if ctx.Err() != nil {
		return failed, ctx.Err()
	}
	payload, merr := json.Marshal(state)
	if merr != nil {
		return failed, Fail(Fatal, "checkpoint marshal: %v", merr)
	}
	if cerr := r.checkpoints.PutCheckpoint(ctx, types.ThreadID(state.BotID), state.CycleID, node.PluginName, payload); cerr != nil {
		return failed, Fail(Fatal, "checkpoint write: %v", cerr)
	}
	return failed, nil
}

// runGuarded converts a plugin panic into a recoverable failure so one bad
// node cannot take the worker down.
func (r *Runner) runGuarded(ctx context.Context, plugin Plugin, state *types.CycleState, pctx *Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Fail(Recoverable, "plugin panic: %v", rec)
		}
	}()
	return plugin.Run(ctx, state, pctx)
}

// stateResolver exposes a flat field view of the cycle state to edge
// conditions. Per-symbol fields use "runs.<symbol>.<field>" names.
func stateResolver(state *types.CycleState) Resolver {
	return func(name string) (any, bool) {
		switch name {
		case "cycle_id":
			return float64(state.CycleID), true
		case "balance":
			return state.Balance.TotalUSD, true
		case "available_balance":
			return state.Balance.AvailableUSD, true
		case "candidates_count":
			return float64(len(state.Candidates)), true
		case "active_symbols_count":
			return float64(len(state.ActiveSymbols())), true
		case "positions_count":
			return float64(len(state.Positions)), true
		case "errors_count":
			return float64(len(state.Errors)), true
		case "consecutive_losses":
			return float64(state.Performance.ConsecutiveLosses), true
		case "drawdown_pct":
			return state.Performance.DrawdownPct, true
		case "has_decision":
			return state.Debate != nil && state.Debate.Decision != nil, true
		case "total_allocation_pct":
			if state.Debate != nil && state.Debate.Decision != nil {
				return state.Debate.Decision.TotalAllocationPct, true
			}
			return nil, false
		}

		// runs.<symbol>.<field>
		if rest, ok := strings.CutPrefix(name, "runs."); ok {
			i := strings.LastIndexByte(rest, '.')
			if i <= 0 {
				return nil, false
			}
			symbol, field := rest[:i], rest[i+1:]
			run, ok := state.Runs[symbol]
			if !ok {
				return nil, false
			}
			switch field {
			case "quant_score":
				return run.QuantScore, true
			case "filtered":
				return run.Filtered, true
			case "funding_rate":
				return run.FundingRate, true
			}
		}
		return nil, false
	}
}
