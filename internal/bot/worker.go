// Package bot hosts the supervisor and the per-bot cycle scheduler.
//
// One Worker is a long-lived task driving one bot through repeated decision
// cycles: re-read config, materialise CycleState, run the workflow snapshot,
// publish status, sleep the remainder of the interval. The Supervisor owns
// worker lifecycles and isolates their faults from each other.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aitrader/internal/config"
	"aitrader/internal/debate"
	"aitrader/internal/exchange"
	"aitrader/internal/llm"
	"aitrader/internal/marketdata"
	"aitrader/internal/pipeline"
	"aitrader/internal/store"
	"aitrader/internal/stream"
	"aitrader/pkg/types"

	appcache "aitrader/internal/cache"
)

// Deps is everything a worker needs, assembled by the supervisor's factory.
type Deps struct {
	Bot     types.BotConfig
	Session *store.Session
	Adapter exchange.Adapter // rate-limited, paper-wrapped per trading mode
	Poller  *marketdata.Poller
	Cache   *appcache.Cache
	TTL     func(namespace string) time.Duration
	Streams *stream.Manager
	Feed    *stream.Feed // nil when the venue has no stream endpoint (tests)
	Runner  *pipeline.Runner
	LLM     *llm.Factory
	Prompts debate.Prompts

	Scheduler config.SchedulerConfig
	Debate    config.DebateConfig

	Publisher *StatusPublisher
	Logger    *slog.Logger
}

// Worker drives one bot's cycle loop.
type Worker struct {
	deps   Deps
	logger *slog.Logger

	cfg          types.BotConfig // latest config snapshot
	cfgFetchedAt time.Time

	cycleID int64
	status  types.BotStatus
}

// NewWorker creates a worker; Run does the one-time initialisation.
func NewWorker(deps Deps) *Worker {
	return &Worker{
		deps:   deps,
		logger: deps.Logger.With("component", "scheduler"),
		cfg:    deps.Bot,
	}
}

// Run performs one-time initialisation and then loops until ctx is
// cancelled (clean stop) or a fatal error moves the bot to error state.
// The returned error is nil for a clean stop.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.initialise(ctx); err != nil {
		if ctx.Err() != nil {
			w.publishState(types.StateStopped, "")
			return nil
		}
		w.publishState(types.StateError, err.Error())
		return fmt.Errorf("bot %s init: %w", w.cfg.ID, err)
	}

	if w.deps.Feed != nil {
		go func() {
			if err := w.deps.Feed.Run(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("stream feed terminated", "error", err)
			}
		}()
	}

	w.publishState(types.StateRunning, "")
	w.logger.Info("bot ready", "cycle_interval_s", w.cfg.CycleIntervalSec)

	maintenanceEvery := w.deps.Scheduler.MaintenanceInterval
	if maintenanceEvery <= 0 {
		maintenanceEvery = 50
	}

	for cycles := 0; ; cycles++ {
		if ctx.Err() != nil {
			w.shutdown()
			return nil
		}

		started := time.Now()
		fatal := w.runCycle(ctx)
		if ctx.Err() != nil {
			w.shutdown()
			return nil
		}
		if errors.Is(fatal, errBreaker) {
			// Breaker pauses rather than errors: the stopped state and the
			// reason were already published.
			w.deps.Streams.Shutdown(ctx)
			return nil
		}
		if fatal != nil {
			w.publishState(types.StateError, fatal.Error())
			w.logger.Error("fatal cycle error, bot entering error state", "error", fatal)
			return fatal
		}

		if cycles > 0 && cycles%maintenanceEvery == 0 {
			w.maintenance(ctx)
		}

		// Sleep the remainder of the interval; an overrun starts the next
		// cycle immediately. Cancellation preempts the sleep.
		elapsed := time.Since(started)
		if wait := w.cfg.CycleInterval() - elapsed; wait > 0 {
			select {
			case <-ctx.Done():
				w.shutdown()
				return nil
			case <-time.After(wait):
			}
		}
	}
}

// initialise performs the one-time startup work: exchange handshake via the
// market catalogue, a balance probe, and cycle counter recovery.
func (w *Worker) initialise(ctx context.Context) error {
	if _, err := w.deps.Poller.Markets(ctx); err != nil {
		return fmt.Errorf("market catalogue: %w", err)
	}
	balance, err := w.deps.Poller.Balance(ctx)
	if err != nil {
		return fmt.Errorf("balance probe: %w", err)
	}
	w.status.BalanceUSD = balance.TotalUSD

	// Cycle numbering continues above whatever the checkpoint store has,
	// so a restarted bot never reuses a cycle_id.
	latest, err := w.deps.Session.LatestCycle(ctx, types.ThreadID(w.cfg.ID))
	if err != nil {
		return fmt.Errorf("recover cycle counter: %w", err)
	}
	w.cycleID = latest
	return nil
}

// runCycle executes one full cycle. Non-fatal problems are recorded and
// folded into the published status; the returned error is fatal only.
func (w *Worker) runCycle(ctx context.Context) error {
	cfg, err := w.currentConfig(ctx)
	if err != nil {
		// The store is the bot's backbone; being unable to read config is
		// fatal after the session refresh also fails.
		if rerr := w.deps.Session.Refresh(ctx); rerr != nil {
			return fmt.Errorf("config reread: %v (session refresh: %w)", err, rerr)
		}
		w.logger.Warn("config reread failed, using previous snapshot", "error", err)
		cfg = w.cfg
	}
	w.cfg = cfg

	w.cycleID++
	state := types.NewCycleState(cfg.ID, w.cycleID, cfg, time.Now().UTC())

	// Account snapshot up front: sizing and prompts read from the state.
	if balance, err := w.deps.Poller.Balance(ctx); err == nil {
		state.Balance = balance
	} else if ctx.Err() != nil {
		return nil
	} else {
		state.RecordError("scheduler", "", "balance: %v", err)
	}
	if positions, err := w.deps.Poller.Positions(ctx); err == nil {
		state.Positions = positions
	} else {
		state.RecordError("scheduler", "", "positions: %v", err)
	}
	if perf, err := w.deps.Session.Performance(ctx, cfg.ID, state.Balance.TotalUSD); err == nil {
		state.Performance = perf
	}

	// Freeze the workflow graph for this cycle.
	wf, err := w.deps.Session.GetWorkflow(ctx, cfg.WorkflowID)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", cfg.WorkflowID, err)
	}
	snap, err := pipeline.BuildSnapshot(wf)
	if err != nil {
		return err // cyclic or empty graph: configuration error
	}

	pctx := &pipeline.Context{
		Exchange:          w.deps.Adapter,
		Market:            w.deps.Poller,
		Cache:             w.deps.Cache,
		CacheTTL:          w.deps.TTL,
		Session:           w.deps.Session,
		Streams:           w.deps.Streams,
		LLM:               w.deps.LLM,
		PromptCache:       llm.NewPromptCache(), // per cycle, never reused
		Prompts:           w.deps.Prompts,
		DebateMaxRounds:   w.deps.Debate.MaxRounds,
		DebateTimeout:     w.deps.Debate.PhaseTimeout(),
		TradeHistoryLimit: w.deps.Debate.TradeHistoryLimit,
		Logger:            w.logger,
	}

	err = w.deps.Runner.Run(ctx, snap, state, pctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return nil // stop requested; status transitions in shutdown
	case pipeline.KindOf(err) == pipeline.Fatal:
		w.publishCycle(state)
		return err
	default:
		state.RecordError("pipeline", "", "%v", err)
	}

	// Reconcile stream subscriptions to what this cycle actually traded.
	desired := desiredSymbols(state)
	stats := w.deps.Streams.Reconcile(ctx, desired)
	w.logger.Debug("subscriptions reconciled",
		"active", stats.Active, "failed_retries", stats.FailedRetries)

	w.publishCycle(state)

	if state.Breaker != "" {
		// A risk breaker pauses the bot: clean stop with the reason kept
		// visible in last_error until the user restarts it.
		w.publishState(types.StateStopped, "breaker: "+state.Breaker)
		return errBreaker
	}
	return nil
}

// errBreaker signals a breaker-initiated pause to the run loop.
var errBreaker = errors.New("risk breaker tripped")

// currentConfig re-reads BotConfig through the TTL cache (default 60s).
func (w *Worker) currentConfig(ctx context.Context) (types.BotConfig, error) {
	ttl := time.Duration(w.deps.Scheduler.ConfigTTLSec) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	if !w.cfgFetchedAt.IsZero() && time.Since(w.cfgFetchedAt) < ttl {
		return w.cfg, nil
	}
	cfg, err := w.deps.Session.GetBot(ctx, w.cfg.ID)
	if err != nil {
		return types.BotConfig{}, err
	}
	w.cfgFetchedAt = time.Now()
	return cfg, nil
}

// maintenance is the every-N-cycles side-effect pass.
func (w *Worker) maintenance(ctx context.Context) {
	if err := w.deps.Session.Refresh(ctx); err != nil {
		w.logger.Warn("session refresh failed", "error", err)
	}
	pruned := w.deps.Cache.SweepExpired()
	stats := w.deps.Streams.Stats()
	w.logger.Info("maintenance pass",
		"cache_pruned", pruned,
		"subscriptions_active", stats.Active,
		"cycle", w.cycleID)
	// Status is re-persisted so a crash right after maintenance still
	// leaves a recent snapshot on disk.
	if err := w.deps.Publisher.Publish(w.status); err != nil {
		w.logger.Warn("status publish failed", "error", err)
	}
}

// publishCycle folds a finished cycle into the published status.
func (w *Worker) publishCycle(state *types.CycleState) {
	status := types.BotStatus{
		BotID:          w.cfg.ID,
		IsRunning:      true,
		State:          types.StateRunning,
		CurrentCycle:   state.CycleID,
		LastCycleAt:    time.Now().UTC(),
		OpenPositions:  len(state.Positions),
		SymbolsTrading: state.ActiveSymbols(),
		BalanceUSD:     state.Balance.TotalUSD,
		LastDecision:   lastDecision(state),
		UpdatedAt:      time.Now().UTC(),
	}
	if n := len(state.Errors); n > 0 {
		status.LastError = state.Errors[n-1].Message
	}
	w.status = status
	if err := w.deps.Publisher.Publish(status); err != nil {
		w.logger.Warn("status publish failed", "error", err)
	}
}

func (w *Worker) publishState(state types.BotState, lastError string) {
	w.status.BotID = w.cfg.ID
	w.status.State = state
	w.status.IsRunning = state == types.StateRunning
	if lastError != "" {
		w.status.LastError = lastError
	}
	w.status.UpdatedAt = time.Now().UTC()
	if err := w.deps.Publisher.Publish(w.status); err != nil {
		w.logger.Warn("status publish failed", "error", err)
	}
}

// shutdown releases stream subscriptions and flushes the final status.
// Runs under a short independent deadline: the worker's own context is
// already cancelled by the time we get here.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	w.deps.Streams.Shutdown(ctx)
	w.publishState(types.StateStopped, "")
	w.logger.Info("bot stopped", "last_cycle", w.cycleID)
}

// desiredSymbols is D = symbols_trading ∪ position symbols.
func desiredSymbols(state *types.CycleState) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range state.ActiveSymbols() {
		if !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	for _, p := range state.Positions {
		if !seen[p.Symbol] {
			out = append(out, p.Symbol)
			seen[p.Symbol] = true
		}
	}
	return out
}

func lastDecision(state *types.CycleState) string {
	if state.Debate != nil && state.Debate.Summary != "" {
		return state.Debate.Summary
	}
	for _, symbol := range state.Candidates {
		if run, ok := state.Runs[symbol]; ok && run.Execution != nil && run.Execution.Skipped != "" {
			return run.Execution.Symbol + " " + run.Execution.Skipped
		}
	}
	return ""
}
