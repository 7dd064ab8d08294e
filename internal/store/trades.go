package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aitrader/pkg/types"
)

// OpenTrade appends an open trade row. The insert is keyed on
// (bot_id, symbol, cycle_id, action), so replaying a recovered cycle is a
// no-op: the function reports inserted=false and no duplicate appears.
func (se *Session) OpenTrade(ctx context.Context, t types.Trade) (inserted bool, err error) {
	res, err := se.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trade_history
		     (bot_id, symbol, side, action, entry_price, amount, leverage,
		      fee_paid, status, opened_at, cycle_id, order_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.BotID, t.Symbol, t.Side, t.Action, t.EntryPrice, t.Amount, t.Leverage,
		t.FeePaid, types.TradeOpen, t.OpenedAt.UTC(), t.CycleID, t.OrderID,
	)
	if err != nil {
		return false, fmt.Errorf("open trade %s/%s: %w", t.BotID, t.Symbol, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CloseTrade finalises the open row for (bot, symbol) with exit data.
func (se *Session) CloseTrade(ctx context.Context, botID, symbol string, exitPrice, pnlUSD, pnlPct, fee float64, closedAt time.Time) error {
	res, err := se.db.ExecContext(ctx,
		`UPDATE trade_history
		 SET status = ?, exit_price = ?, pnl_usd = ?, pnl_percent = ?,
		     fee_paid = COALESCE(fee_paid, 0) + ?, closed_at = ?
		 WHERE bot_id = ? AND symbol = ? AND status = ?`,
		types.TradeClosed, exitPrice, pnlUSD, pnlPct, fee, closedAt.UTC(),
		botID, symbol, types.TradeOpen,
	)
	if err != nil {
		return fmt.Errorf("close trade %s/%s: %w", botID, symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenTradeFor returns the open row for (bot, symbol), or ErrNotFound.
func (se *Session) OpenTradeFor(ctx context.Context, botID, symbol string) (types.Trade, error) {
	row := se.db.QueryRowContext(ctx,
		`SELECT id, bot_id, symbol, side, action, entry_price, COALESCE(exit_price, 0),
		        amount, leverage, COALESCE(pnl_usd, 0), COALESCE(pnl_percent, 0),
		        COALESCE(fee_paid, 0), status, opened_at, COALESCE(closed_at, opened_at),
		        cycle_id, COALESCE(order_id, '')
		 FROM trade_history WHERE bot_id = ? AND symbol = ? AND status = ?`,
		botID, symbol, types.TradeOpen,
	)
	return scanTrade(row)
}

// HasTradeForCycle reports whether a row already exists for
// (bot, symbol, cycle, action). The executor consults this before
// create_order, which is not idempotent at the exchange.
func (se *Session) HasTradeForCycle(ctx context.Context, botID, symbol string, cycleID int64, action types.Action) (bool, error) {
	var one int
	err := se.db.QueryRowContext(ctx,
		`SELECT 1 FROM trade_history
		 WHERE bot_id = ? AND symbol = ? AND cycle_id = ? AND action = ?`,
		botID, symbol, cycleID, action,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe trade for cycle: %w", err)
	}
	return true, nil
}

// RecentTrades returns the latest closed trades for a bot, newest first.
// This feeds the debate prompts (trade_history_limit, default 10).
func (se *Session) RecentTrades(ctx context.Context, botID string, limit int) ([]types.Trade, error) {
	rows, err := se.db.QueryContext(ctx,
		`SELECT id, bot_id, symbol, side, action, entry_price, COALESCE(exit_price, 0),
		        amount, leverage, COALESCE(pnl_usd, 0), COALESCE(pnl_percent, 0),
		        COALESCE(fee_paid, 0), status, opened_at, COALESCE(closed_at, opened_at),
		        cycle_id, COALESCE(order_id, '')
		 FROM trade_history WHERE bot_id = ? AND status = ?
		 ORDER BY closed_at DESC LIMIT ?`,
		botID, types.TradeClosed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Performance derives the rolling performance window from closed trades:
// win rate, consecutive-loss streak, today's PnL and drawdown from the peak
// balance recorded so far.
func (se *Session) Performance(ctx context.Context, botID string, balanceUSD float64) (types.PerformanceWindow, error) {
	var w types.PerformanceWindow

	trades, err := se.RecentTrades(ctx, botID, 100)
	if err != nil {
		return w, err
	}
	w.TotalTrades = len(trades)

	streakBroken := false
	var dayPnL float64
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	for _, t := range trades {
		if t.PnLUSD > 0 {
			w.Wins++
			streakBroken = true
		} else {
			w.Losses++
			if !streakBroken {
				w.ConsecutiveLosses++ // trades arrive newest-first
			}
		}
		if !t.ClosedAt.Before(dayStart) {
			dayPnL += t.PnLUSD
		}
	}
	if w.TotalTrades > 0 {
		w.WinRate = float64(w.Wins) / float64(w.TotalTrades) * 100
	}

	// Peak balance persists across restarts via system_configs.
	peakKey := "peak_balance:" + botID
	peak := balanceUSD
	if raw, ok, err := se.GetSystemConfig(ctx, peakKey); err == nil && ok {
		var stored float64
		if _, scanErr := fmt.Sscanf(raw, "%f", &stored); scanErr == nil && stored > peak {
			peak = stored
		}
	}
	if balanceUSD >= peak {
		peak = balanceUSD
		_ = se.SetSystemConfig(ctx, peakKey, fmt.Sprintf("%f", peak))
	}
	w.PeakBalanceUSD = peak
	if peak > 0 {
		w.DrawdownPct = (peak - balanceUSD) / peak * 100
		w.DailyPnLPct = dayPnL / peak * 100
	}
	return w, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (types.Trade, error) {
	var t types.Trade
	err := row.Scan(
		&t.ID, &t.BotID, &t.Symbol, &t.Side, &t.Action, &t.EntryPrice, &t.ExitPrice,
		&t.Amount, &t.Leverage, &t.PnLUSD, &t.PnLPercent, &t.FeePaid, &t.Status,
		&t.OpenedAt, &t.ClosedAt, &t.CycleID, &t.OrderID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("scan trade: %w", err)
	}
	return t, nil
}
