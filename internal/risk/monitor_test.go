package risk

import (
	"log/slog"
	"math"
	"strings"
	"testing"

	"aitrader/pkg/types"
)

func newTestMonitor() *Monitor {
	return NewMonitor(slog.New(slog.DiscardHandler))
}

func baseLimits() types.RiskLimits {
	return types.RiskLimits{
		MaxTotalAllocationPct:  80,
		MaxSingleAllocationPct: 30,
		MaxLeverage:            10,
		MinPositionSizeUSD:     10,
		MaxPositionSizeUSD:     5000,
		MinRiskRewardRatio:     1.5,
	}
}

func long(symbol string, allocPct, leverage float64) types.PortfolioDecision {
	return types.PortfolioDecision{
		Symbol:        symbol,
		Action:        types.ActionLong,
		AllocationPct: allocPct,
		Leverage:      leverage,
		StopLossPct:   2,
		TakeProfitPct: 6,
		Confidence:    70,
	}
}

func input(decisions ...types.PortfolioDecision) Input {
	var total float64
	for _, d := range decisions {
		total += d.AllocationPct
	}
	return Input{
		Decision: types.BatchDecision{Decisions: decisions, TotalAllocationPct: total},
		Limits:   baseLimits(),
		Balance:  types.Balance{TotalUSD: 10000, AvailableUSD: 10000},
	}
}

func TestApprovesCompliantDecision(t *testing.T) {
	t.Parallel()
	v := newTestMonitor().Review(input(long("BTC/USDT", 5, 3)))

	if len(v.Approved) != 1 || len(v.Rejected) != 0 {
		t.Fatalf("verdict = %+v", v)
	}
	if v.PauseBot {
		t.Error("unexpected pause")
	}
}

func TestRejectsOversizedSingleAllocation(t *testing.T) {
	t.Parallel()
	v := newTestMonitor().Review(input(long("BTC/USDT", 50, 3)))

	if len(v.Approved) != 0 || len(v.Rejected) != 1 {
		t.Fatalf("verdict = %+v", v)
	}
	if !strings.Contains(v.Rejected[0].Reason, "per-symbol allocation exceeded") {
		t.Errorf("reason = %q", v.Rejected[0].Reason)
	}
}

func TestRejectsOneSymbolKeepsOthers(t *testing.T) {
	t.Parallel()
	v := newTestMonitor().Review(input(
		long("BTC/USDT", 50, 3),
		long("ETH/USDT", 10, 3),
	))

	if len(v.Approved) != 1 || v.Approved[0].Symbol != "ETH/USDT" {
		t.Errorf("approved = %+v", v.Approved)
	}
}

func TestClampsLeverage(t *testing.T) {
	t.Parallel()
	v := newTestMonitor().Review(input(long("BTC/USDT", 5, 25)))

	if len(v.Approved) != 1 {
		t.Fatalf("verdict = %+v", v)
	}
	if v.Approved[0].Leverage != 10 {
		t.Errorf("leverage = %v, want clamp to 10", v.Approved[0].Leverage)
	}
}

func TestMissingLeverageRejectedByDefault(t *testing.T) {
	t.Parallel()
	v := newTestMonitor().Review(input(long("BTC/USDT", 5, 0)))

	if len(v.Rejected) != 1 || !strings.Contains(v.Rejected[0].Reason, "leverage") {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestMissingLeverageDefaultsWhenEnabled(t *testing.T) {
	t.Parallel()
	in := input(long("BTC/USDT", 5, 0))
	in.Limits.AllowDefaultLeverage = true
	in.Limits.DefaultLeverage = 3

	v := newTestMonitor().Review(in)
	if len(v.Approved) != 1 || v.Approved[0].Leverage != 3 {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestRejectsSizeOutOfRange(t *testing.T) {
	t.Parallel()
	// 0.05% of 10000 = $5 < $10 minimum.
	v := newTestMonitor().Review(input(long("BTC/USDT", 0.05, 3)))
	if len(v.Rejected) != 1 || !strings.Contains(v.Rejected[0].Reason, "below minimum") {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestRejectsPoorRiskReward(t *testing.T) {
	t.Parallel()
	d := long("BTC/USDT", 5, 3)
	d.StopLossPct = 4
	d.TakeProfitPct = 5 // rr 1.25 < 1.5
	v := newTestMonitor().Review(input(d))

	if len(v.Rejected) != 1 || !strings.Contains(v.Rejected[0].Reason, "risk/reward") {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestFundingGuardSkipsSymbol(t *testing.T) {
	t.Parallel()
	in := input(long("BTC/USDT", 5, 3))
	in.Limits.FundingRateCheckEnabled = true
	in.Limits.MaxFundingRatePct = 0.05
	in.FundingRates = map[string]float64{"BTC/USDT": 0.08}

	v := newTestMonitor().Review(in)
	if len(v.Rejected) != 1 || !strings.Contains(v.Rejected[0].Reason, "skipped: funding") {
		t.Fatalf("verdict = %+v", v)
	}

	// A short on the same positive funding collects, not pays: allowed.
	short := long("BTC/USDT", 5, 3)
	short.Action = types.ActionShort
	in2 := input(short)
	in2.Limits = in.Limits
	in2.FundingRates = in.FundingRates
	if v2 := newTestMonitor().Review(in2); len(v2.Approved) != 1 {
		t.Errorf("short rejected on positive funding: %+v", v2)
	}
}

func TestTotalAllocationCapRejectsBatch(t *testing.T) {
	t.Parallel()
	v := newTestMonitor().Review(input(
		long("BTC/USDT", 30, 3),
		long("ETH/USDT", 30, 3),
		long("SOL/USDT", 30, 3), // total 90 > 80
	))
	if len(v.Approved) != 0 {
		t.Errorf("approved entries despite total cap: %+v", v.Approved)
	}
	if len(v.Rejected) != 3 {
		t.Errorf("rejected = %+v", v.Rejected)
	}
}

func TestConsecutiveLossBreakerPauses(t *testing.T) {
	t.Parallel()
	in := input(long("BTC/USDT", 5, 3))
	in.Limits.MaxConsecutiveLosses = 3
	in.Limits.PauseOnConsecutiveLoss = true
	in.Performance.ConsecutiveLosses = 3

	v := newTestMonitor().Review(in)
	if !v.PauseBot {
		t.Fatal("breaker did not pause the bot")
	}
	if len(v.Approved) != 0 {
		t.Error("paused bot still approved entries")
	}
}

func TestDrawdownBreakerPauses(t *testing.T) {
	t.Parallel()
	in := input(long("BTC/USDT", 5, 3))
	in.Limits.MaxDrawdownPct = 20
	in.Limits.PauseOnMaxDrawdown = true
	in.Performance.DrawdownPct = 25

	v := newTestMonitor().Review(in)
	if !v.PauseBot || !strings.Contains(v.PauseReason, "drawdown") {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestCloseAlwaysPasses(t *testing.T) {
	t.Parallel()
	d := types.PortfolioDecision{Symbol: "BTC/USDT", Action: types.ActionClose}
	v := newTestMonitor().Review(input(d))
	if len(v.Approved) != 1 {
		t.Errorf("close decision blocked: %+v", v)
	}
}

func TestTrailingStopProposal(t *testing.T) {
	t.Parallel()
	in := input()
	in.Limits.TrailingStopEnabled = true
	in.Limits.TrailingStopTriggerPct = 10
	in.Limits.TrailingStopDistancePct = 1
	in.Limits.TrailingStopLockProfitPct = 5
	in.Positions = []types.Position{{
		Symbol:        "BTC/USDT",
		Side:          types.SideLong,
		Size:          0.1,
		EntryPrice:    50000,
		MarkPrice:     52000,
		Leverage:      5,
		MarginUsed:    1000,
		UnrealizedPnL: 200, // 20% of margin: past the 10% trigger
	}}

	v := newTestMonitor().Review(in)
	if len(v.StopAmends) != 1 {
		t.Fatalf("stop amends = %+v", v.StopAmends)
	}
	amend := v.StopAmends[0]
	// Distance stop: 52000 * 0.99 = 51480; lock floor: 50000*(1+0.05/5)=50500.
	if math.Abs(amend.NewStopPrice-51480) > 0.01 {
		t.Errorf("stop = %v, want 51480", amend.NewStopPrice)
	}
	if amend.LockedPnLPct < in.Limits.TrailingStopLockProfitPct {
		t.Errorf("locked %.2f%% < lock_profit %.2f%%", amend.LockedPnLPct, in.Limits.TrailingStopLockProfitPct)
	}
}

func TestTrailingStopBelowTriggerNoProposal(t *testing.T) {
	t.Parallel()
	in := input()
	in.Limits.TrailingStopEnabled = true
	in.Limits.TrailingStopTriggerPct = 10
	in.Positions = []types.Position{{
		Symbol: "BTC/USDT", Side: types.SideLong,
		EntryPrice: 50000, MarkPrice: 50100,
		Leverage: 5, MarginUsed: 1000, UnrealizedPnL: 10, // 1%
	}}

	if v := newTestMonitor().Review(in); len(v.StopAmends) != 0 {
		t.Errorf("unexpected proposal: %+v", v.StopAmends)
	}
}
