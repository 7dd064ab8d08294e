// Package risk validates portfolio decisions against a bot's risk limits
// before any order reaches the executor.
//
// The monitor is a pure function over the decision batch, current positions,
// balance and the rolling performance window. Outcomes per the limit table:
// exposure and sizing violations reject, leverage clamps, breakers pause the
// bot. Trailing-stop proposals are computed here but only *proposed* — the
// executor owns issuing the amend order.
package risk

import (
	"fmt"
	"log/slog"

	"aitrader/pkg/types"
)

// Rejection names a decision the monitor refused, with the reason recorded
// into CycleState and surfaced through last_decision.
type Rejection struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// Verdict is the monitor's output for one decision batch.
type Verdict struct {
	Approved    []types.PortfolioDecision    // validated, possibly clamped
	Rejected    []Rejection                  // per-symbol refusals
	PauseBot    bool                         // a breaker fired
	PauseReason string                       // why the bot should pause
	StopAmends  []types.TrailingStopProposal // trailing-stop proposals
}

// Input bundles everything a review needs. FundingRates carries the rates
// fetched during market_state, in percent, keyed by symbol.
type Input struct {
	Decision     types.BatchDecision
	Limits       types.RiskLimits
	Balance      types.Balance
	Positions    []types.Position
	Performance  types.PerformanceWindow
	FundingRates map[string]float64
}

// Monitor reviews decision batches for one bot.
type Monitor struct {
	logger *slog.Logger
}

// NewMonitor creates a monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{logger: logger.With("component", "risk")}
}

// Review applies every check from the limit table. Checks run per symbol so
// one oversized decision rejects that symbol, not the batch; only the
// total-allocation cap and the breakers act batch-wide.
func (m *Monitor) Review(in Input) Verdict {
	var v Verdict
	limits := in.Limits

	// Breakers first: a paused bot sends nothing at all.
	if limits.PauseOnConsecutiveLoss && limits.MaxConsecutiveLosses > 0 &&
		in.Performance.ConsecutiveLosses >= limits.MaxConsecutiveLosses {
		v.PauseBot = true
		v.PauseReason = fmt.Sprintf("consecutive losses %d >= %d",
			in.Performance.ConsecutiveLosses, limits.MaxConsecutiveLosses)
	}
	if limits.PauseOnMaxDrawdown && limits.MaxDrawdownPct > 0 &&
		in.Performance.DrawdownPct >= limits.MaxDrawdownPct {
		v.PauseBot = true
		v.PauseReason = fmt.Sprintf("drawdown %.2f%% >= %.2f%%",
			in.Performance.DrawdownPct, limits.MaxDrawdownPct)
	}
	if v.PauseBot {
		m.logger.Warn("breaker fired, pausing bot", "reason", v.PauseReason)
		v.StopAmends = m.trailingStops(in)
		return v
	}

	dailyLossBreached := limits.MaxDailyLossPct > 0 &&
		-in.Performance.DailyPnLPct >= limits.MaxDailyLossPct

	// Batch-wide exposure cap.
	if limits.MaxTotalAllocationPct > 0 &&
		in.Decision.TotalAllocationPct > limits.MaxTotalAllocationPct {
		m.logger.Warn("total allocation exceeds limit, rejecting batch",
			"total", in.Decision.TotalAllocationPct, "max", limits.MaxTotalAllocationPct)
		for _, d := range in.Decision.Decisions {
			if isEntry(d.Action) {
				v.Rejected = append(v.Rejected, Rejection{Symbol: d.Symbol,
					Reason: "total allocation exceeded"})
			} else {
				v.Approved = append(v.Approved, d)
			}
		}
		v.StopAmends = m.trailingStops(in)
		return v
	}

	var cumulativePct float64
	for _, d := range in.Decision.Decisions {
		if !isEntry(d.Action) {
			// wait carries no exposure; close always passes risk review.
			v.Approved = append(v.Approved, d)
			continue
		}

		if reason := m.checkEntry(&d, in, dailyLossBreached, cumulativePct); reason != "" {
			m.logger.Info("decision rejected", "symbol", d.Symbol, "reason", reason)
			v.Rejected = append(v.Rejected, Rejection{Symbol: d.Symbol, Reason: reason})
			continue
		}
		cumulativePct += d.AllocationPct
		v.Approved = append(v.Approved, d)
	}

	v.StopAmends = m.trailingStops(in)
	return v
}

// checkEntry validates one opening decision, mutating it in place for the
// clamp outcomes. Returns the rejection reason, or "" when it passes.
func (m *Monitor) checkEntry(d *types.PortfolioDecision, in Input, dailyLossBreached bool, cumulativePct float64) string {
	limits := in.Limits

	if dailyLossBreached {
		return "daily loss limit reached"
	}

	if limits.MaxSingleAllocationPct > 0 && d.AllocationPct > limits.MaxSingleAllocationPct {
		return fmt.Sprintf("per-symbol allocation exceeded: %.1f%% > %.1f%%",
			d.AllocationPct, limits.MaxSingleAllocationPct)
	}
	if limits.MaxTotalAllocationPct > 0 &&
		cumulativePct+d.AllocationPct > limits.MaxTotalAllocationPct {
		return "total allocation exceeded"
	}

	// Leverage: absent means reject unless defaulting is explicitly enabled.
	if d.Leverage == 0 {
		if !limits.AllowDefaultLeverage || limits.DefaultLeverage <= 0 {
			return "leverage not specified"
		}
		d.Leverage = limits.DefaultLeverage
	}
	if limits.MaxLeverage > 0 && d.Leverage > limits.MaxLeverage {
		m.logger.Info("clamping leverage",
			"symbol", d.Symbol, "requested", d.Leverage, "max", limits.MaxLeverage)
		d.Leverage = limits.MaxLeverage
	}

	sizeUSD := in.Balance.TotalUSD * d.AllocationPct / 100
	if limits.MinPositionSizeUSD > 0 && sizeUSD < limits.MinPositionSizeUSD {
		return fmt.Sprintf("position size $%.2f below minimum $%.2f", sizeUSD, limits.MinPositionSizeUSD)
	}
	if limits.MaxPositionSizeUSD > 0 && sizeUSD > limits.MaxPositionSizeUSD {
		return fmt.Sprintf("position size $%.2f above maximum $%.2f", sizeUSD, limits.MaxPositionSizeUSD)
	}

	if limits.MinRiskRewardRatio > 0 {
		if d.StopLossPct <= 0 {
			return "no stop loss for risk/reward check"
		}
		rr := d.TakeProfitPct / d.StopLossPct
		if rr < limits.MinRiskRewardRatio {
			return fmt.Sprintf("risk/reward %.2f below minimum %.2f", rr, limits.MinRiskRewardRatio)
		}
	}

	if limits.FundingRateCheckEnabled && limits.MaxFundingRatePct > 0 {
		rate, known := in.FundingRates[d.Symbol]
		// Funding punishes the crowded side: longs pay positive rates,
		// shorts pay negative ones.
		cost := rate
		if d.Action == types.ActionShort {
			cost = -rate
		}
		if known && cost > limits.MaxFundingRatePct {
			return fmt.Sprintf("skipped: funding rate %.4f%% exceeds %.4f%%", rate, limits.MaxFundingRatePct)
		}
	}

	return ""
}

func isEntry(a types.Action) bool {
	return a == types.ActionLong || a == types.ActionShort
}

// trailingStops proposes stop-loss amendments for positions whose profit
// cleared the trigger. The proposal locks at least lock_profit_pct of
// margin-relative gain; the distance-based stop applies when it locks more.
func (m *Monitor) trailingStops(in Input) []types.TrailingStopProposal {
	limits := in.Limits
	if !limits.TrailingStopEnabled {
		return nil
	}

	var out []types.TrailingStopProposal
	for _, pos := range in.Positions {
		pnlPct := pos.UnrealizedPnLPct()
		if pnlPct < limits.TrailingStopTriggerPct {
			continue
		}
		if pos.MarkPrice <= 0 || pos.Leverage <= 0 {
			continue
		}

		dist := limits.TrailingStopDistancePct / 100
		lockMove := limits.TrailingStopLockProfitPct / (100 * pos.Leverage)

		var stop, floor float64
		if pos.Side == types.SideLong {
			stop = pos.MarkPrice * (1 - dist)
			floor = pos.EntryPrice * (1 + lockMove)
			if stop < floor {
				stop = floor
			}
		} else {
			stop = pos.MarkPrice * (1 + dist)
			floor = pos.EntryPrice * (1 - lockMove)
			if stop > floor {
				stop = floor
			}
		}

		locked := (stop - pos.EntryPrice) / pos.EntryPrice * 100 * pos.Leverage
		if pos.Side == types.SideShort {
			locked = -locked
		}
		out = append(out, types.TrailingStopProposal{
			Symbol:       pos.Symbol,
			NewStopPrice: stop,
			LockedPnLPct: locked,
			Reason: fmt.Sprintf("trailing stop: pnl %.2f%% >= trigger %.2f%%",
				pnlPct, limits.TrailingStopTriggerPct),
		})
	}
	return out
}
