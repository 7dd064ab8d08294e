// Package executor releases risk-approved decisions to the exchange.
//
// create_order is not idempotent at the venue, so every release is
// de-duplicated by (cycle_id, symbol, action) against trade_history before
// the wire call; replaying a recovered cycle re-reads the same rows and
// sends nothing twice. Sizing arithmetic runs on decimals: allocation and
// leverage come from the decision, fill price and fee from the adapter (the
// paper layer applies slippage and commission itself).
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"aitrader/internal/exchange"
	"aitrader/internal/risk"
	"aitrader/internal/store"
	"aitrader/pkg/types"
)

// Executor turns approved decisions into orders and trade_history rows.
type Executor struct {
	adapter exchange.Adapter
	session *store.Session
	logger  *slog.Logger
}

// New creates an executor for one bot worker.
func New(adapter exchange.Adapter, session *store.Session, logger *slog.Logger) *Executor {
	return &Executor{
		adapter: adapter,
		session: session,
		logger:  logger.With("component", "executor"),
	}
}

// Execute releases the verdict: rejected symbols are recorded, approved
// entries and closes are sized and sent, trailing-stop amendments are issued
// for live bots. The cycle state carries the outcome per symbol.
func (e *Executor) Execute(ctx context.Context, state *types.CycleState, verdict risk.Verdict) error {
	for _, rej := range verdict.Rejected {
		state.RecordError("execution", rej.Symbol, "%s", rej.Reason)
		run := state.Run(rej.Symbol)
		run.Execution = &types.ExecutionResult{
			Symbol:  rej.Symbol,
			Skipped: rej.Reason,
		}
	}

	for _, d := range verdict.Approved {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			result *types.ExecutionResult
			err    error
		)
		switch d.Action {
		case types.ActionWait:
			result = &types.ExecutionResult{Symbol: d.Symbol, Action: d.Action, Skipped: "wait"}
		case types.ActionClose:
			result, err = e.closePosition(ctx, state, d)
		case types.ActionLong, types.ActionShort:
			result, err = e.openPosition(ctx, state, d)
		default:
			result = &types.ExecutionResult{Symbol: d.Symbol, Action: d.Action,
				Skipped: fmt.Sprintf("unknown action %q", d.Action)}
		}
		if err != nil {
			state.RecordError("execution", d.Symbol, "%v", err)
			result = &types.ExecutionResult{Symbol: d.Symbol, Action: d.Action, Skipped: err.Error()}
		}
		state.Run(d.Symbol).Execution = result
	}

	e.amendStops(ctx, state, verdict.StopAmends)
	return nil
}

// openPosition sizes and sends one entry order.
func (e *Executor) openPosition(ctx context.Context, state *types.CycleState, d types.PortfolioDecision) (*types.ExecutionResult, error) {
	botID := state.BotID

	// De-dup before the non-idempotent venue call.
	seen, err := e.session.HasTradeForCycle(ctx, botID, d.Symbol, state.CycleID, d.Action)
	if err != nil {
		return nil, err
	}
	if seen {
		e.logger.Info("duplicate release suppressed",
			"symbol", d.Symbol, "cycle", state.CycleID, "action", d.Action)
		return &types.ExecutionResult{Symbol: d.Symbol, Action: d.Action,
			Skipped: "already executed this cycle"}, nil
	}
	// One open position per symbol.
	if _, err := e.session.OpenTradeFor(ctx, botID, d.Symbol); err == nil {
		return &types.ExecutionResult{Symbol: d.Symbol, Action: d.Action,
			Skipped: "position already open"}, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	ticker, err := e.adapter.FetchTicker(ctx, d.Symbol)
	if err != nil {
		return nil, fmt.Errorf("price for sizing: %w", err)
	}
	if ticker.Last <= 0 {
		return nil, fmt.Errorf("no price for %s", d.Symbol)
	}

	margin := decimal.NewFromFloat(state.Balance.TotalUSD).
		Mul(decimal.NewFromFloat(d.AllocationPct)).
		Div(decimal.NewFromInt(100))
	leverage := decimal.NewFromFloat(d.Leverage)
	notional := margin.Mul(leverage)
	amount := notional.Div(decimal.NewFromFloat(ticker.Last)).Round(6)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("sized to zero for %s", d.Symbol)
	}

	side := types.SideLong
	if d.Action == types.ActionShort {
		side = types.SideShort
	}
	amountF, _ := amount.Float64()

	order, err := e.adapter.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:        d.Symbol,
		Side:          side,
		Type:          "market",
		Amount:        amountF,
		ClientOrderID: clientOrderID(botID, state.CycleID, d.Symbol, d.Action),
		Params: map[string]string{
			"leverage": leverage.String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	fillPrice := order.FilledPrice
	if fillPrice == 0 {
		fillPrice = ticker.Last
	}
	if _, err := e.session.OpenTrade(ctx, types.Trade{
		BotID:      botID,
		Symbol:     d.Symbol,
		Side:       side,
		Action:     d.Action,
		EntryPrice: fillPrice,
		Amount:     amountF,
		Leverage:   d.Leverage,
		FeePaid:    order.Fee,
		OpenedAt:   time.Now().UTC(),
		CycleID:    state.CycleID,
		OrderID:    order.ID,
	}); err != nil {
		return nil, fmt.Errorf("record trade: %w", err)
	}

	marginF, _ := margin.Float64()
	state.Balance.AvailableUSD -= marginF + order.Fee
	state.Balance.TotalUSD -= order.Fee
	state.Balance.MarginUsed += marginF

	e.logger.Info("position opened",
		"symbol", d.Symbol, "side", side, "amount", amountF,
		"price", fillPrice, "leverage", d.Leverage, "order", order.ID)

	return &types.ExecutionResult{
		Symbol:  d.Symbol,
		Action:  d.Action,
		OrderID: order.ID,
		Filled:  true,
		Price:   fillPrice,
		Amount:  amountF,
		FeeUSD:  order.Fee,
	}, nil
}

// closePosition flattens the open trade for a symbol.
func (e *Executor) closePosition(ctx context.Context, state *types.CycleState, d types.PortfolioDecision) (*types.ExecutionResult, error) {
	botID := state.BotID

	trade, err := e.session.OpenTradeFor(ctx, botID, d.Symbol)
	if err == store.ErrNotFound {
		return &types.ExecutionResult{Symbol: d.Symbol, Action: d.Action,
			Skipped: "no open position"}, nil
	}
	if err != nil {
		return nil, err
	}

	seen, err := e.session.HasTradeForCycle(ctx, botID, d.Symbol, state.CycleID, d.Action)
	if err != nil {
		return nil, err
	}
	if seen {
		return &types.ExecutionResult{Symbol: d.Symbol, Action: d.Action,
			Skipped: "already executed this cycle"}, nil
	}

	exitSide := types.SideShort
	if trade.Side == types.SideShort {
		exitSide = types.SideLong
	}
	order, err := e.adapter.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:        d.Symbol,
		Side:          exitSide,
		Type:          "market",
		Amount:        trade.Amount,
		ClientOrderID: clientOrderID(botID, state.CycleID, d.Symbol, d.Action),
		Params:        map[string]string{"reduceOnly": "true"},
	})
	if err != nil {
		return nil, fmt.Errorf("close order: %w", err)
	}

	exit := order.FilledPrice
	if exit == 0 {
		if t, terr := e.adapter.FetchTicker(ctx, d.Symbol); terr == nil {
			exit = t.Last
		}
	}

	entry := decimal.NewFromFloat(trade.EntryPrice)
	exitD := decimal.NewFromFloat(exit)
	amount := decimal.NewFromFloat(trade.Amount)
	diff := exitD.Sub(entry)
	if trade.Side == types.SideShort {
		diff = diff.Neg()
	}
	pnl := diff.Mul(amount)
	margin := entry.Mul(amount).Div(decimal.NewFromFloat(trade.Leverage))
	var pnlPct decimal.Decimal
	if margin.IsPositive() {
		pnlPct = pnl.Div(margin).Mul(decimal.NewFromInt(100))
	}

	pnlF, _ := pnl.Float64()
	pnlPctF, _ := pnlPct.Float64()
	if err := e.session.CloseTrade(ctx, botID, d.Symbol, exit, pnlF, pnlPctF, order.Fee, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("record close: %w", err)
	}

	marginF, _ := margin.Float64()
	state.Balance.TotalUSD += pnlF - order.Fee
	state.Balance.AvailableUSD += marginF + pnlF - order.Fee
	state.Balance.MarginUsed -= marginF

	e.logger.Info("position closed",
		"symbol", d.Symbol, "exit", exit, "pnl_usd", pnlF, "pnl_pct", pnlPctF)

	return &types.ExecutionResult{
		Symbol:  d.Symbol,
		Action:  d.Action,
		OrderID: order.ID,
		Filled:  true,
		Price:   exit,
		Amount:  trade.Amount,
		FeeUSD:  order.Fee,
	}, nil
}

// amendStops issues trailing-stop amendments for live bots. Paper and
// backtest fills are instantaneous, so the proposal is recorded but no
// resting stop order exists to amend.
func (e *Executor) amendStops(ctx context.Context, state *types.CycleState, amends []types.TrailingStopProposal) {
	if len(amends) == 0 {
		return
	}
	state.StopAmends = append(state.StopAmends, amends...)
	if state.ConfigSnapshot.TradingMode != types.ModeLive {
		return
	}

	for _, amend := range amends {
		trade, err := e.session.OpenTradeFor(ctx, state.BotID, amend.Symbol)
		if err != nil {
			continue
		}
		exitSide := types.SideShort
		if trade.Side == types.SideShort {
			exitSide = types.SideLong
		}
		_, err = e.adapter.CreateOrder(ctx, exchange.OrderRequest{
			Symbol: amend.Symbol,
			Side:   exitSide,
			Type:   "stop_market",
			Amount: trade.Amount,
			Price:  amend.NewStopPrice,
			Params: map[string]string{
				"reduceOnly": "true",
				"stopPrice":  fmt.Sprintf("%f", amend.NewStopPrice),
			},
		})
		if err != nil {
			e.logger.Warn("stop amend failed", "symbol", amend.Symbol, "error", err)
			state.RecordError("execution", amend.Symbol, "stop amend: %v", err)
			continue
		}
		e.logger.Info("trailing stop moved",
			"symbol", amend.Symbol, "stop", amend.NewStopPrice, "locked_pct", amend.LockedPnLPct)
	}
}

// clientOrderID is deterministic per (bot, cycle, symbol, action) so even a
// crash between the venue call and the trade row cannot double-fill: the
// venue rejects the repeated client ID.
func clientOrderID(botID string, cycleID int64, symbol string, action types.Action) string {
	return fmt.Sprintf("%s-%d-%s-%s", botID, cycleID, flatten(symbol), action)
}

func flatten(symbol string) string {
	out := make([]byte, 0, len(symbol))
	for i := 0; i < len(symbol); i++ {
		if symbol[i] != '/' {
			out = append(out, symbol[i])
		}
	}
	return string(out)
}
