package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"aitrader/internal/exchange"
	"aitrader/internal/risk"
	"aitrader/internal/store"
	"aitrader/pkg/types"
)

// fillAdapter simulates instant fills at a scripted price.
type fillAdapter struct {
	mu     sync.Mutex
	price  float64
	orders []exchange.OrderRequest
}

func (f *fillAdapter) Name() string      { return "fill" }
func (f *fillAdapter) StreamURL() string { return "" }
func (f *fillAdapter) SubscribePayload(s, c string, u bool) any {
	return nil
}
func (f *fillAdapter) LoadMarkets(ctx context.Context) (types.MarketCatalogue, error) {
	return nil, nil
}
func (f *fillAdapter) FetchOHLCV(ctx context.Context, s, tf string, l int) ([]types.OHLCV, error) {
	return nil, nil
}
func (f *fillAdapter) FetchTicker(ctx context.Context, s string) (types.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.Ticker{Symbol: s, Last: f.price}, nil
}
func (f *fillAdapter) FetchOrderBook(ctx context.Context, s string, d int) (types.OrderBook, error) {
	return types.OrderBook{}, nil
}
func (f *fillAdapter) FetchOpenInterest(ctx context.Context, s string) (float64, error) {
	return 0, nil
}
func (f *fillAdapter) FetchFundingRate(ctx context.Context, s string) (float64, error) {
	return 0, nil
}
func (f *fillAdapter) FetchBalance(ctx context.Context) (types.Balance, error) {
	return types.Balance{}, nil
}
func (f *fillAdapter) FetchPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}
func (f *fillAdapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	return types.Order{
		ID:            fmt.Sprintf("ord-%d", len(f.orders)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        "filled",
		FilledPrice:   f.price,
		FilledAmount:  req.Amount,
		Fee:           f.price * req.Amount * 0.0005,
		CreatedAt:     time.Now().UTC(),
	}, nil
}
func (f *fillAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return nil
}

func testSession(t *testing.T) *store.Session {
	t.Helper()
	s, err := store.Open(fmt.Sprintf("file:exec_%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s.NewSession()
}

func newState(cycleID int64) *types.CycleState {
	state := types.NewCycleState("b1", cycleID, types.BotConfig{ID: "b1", TradingMode: types.ModePaper}, time.Now().UTC())
	state.Balance = types.Balance{TotalUSD: 10000, AvailableUSD: 10000}
	return state
}

func approvedLong(allocPct, leverage float64) risk.Verdict {
	return risk.Verdict{Approved: []types.PortfolioDecision{{
		Symbol:        "BTC/USDT",
		Action:        types.ActionLong,
		AllocationPct: allocPct,
		Leverage:      leverage,
		StopLossPct:   2,
		TakeProfitPct: 6,
	}}}
}

func TestOpenWritesTradeAndAdjustsBalance(t *testing.T) {
	t.Parallel()
	adapter := &fillAdapter{price: 50000}
	session := testSession(t)
	ex := New(adapter, session, slog.New(slog.DiscardHandler))
	state := newState(1)

	if err := ex.Execute(context.Background(), state, approvedLong(5, 3)); err != nil {
		t.Fatal(err)
	}

	trade, err := session.OpenTradeFor(context.Background(), "b1", "BTC/USDT")
	if err != nil {
		t.Fatalf("no trade row: %v", err)
	}
	// Margin 500, notional 1500, amount 0.03.
	if math.Abs(trade.Amount-0.03) > 1e-9 {
		t.Errorf("amount = %v, want 0.03", trade.Amount)
	}
	if trade.CycleID != 1 || trade.Status != types.TradeOpen {
		t.Errorf("trade = %+v", trade)
	}

	res := state.Runs["BTC/USDT"].Execution
	if res == nil || !res.Filled {
		t.Fatalf("execution result = %+v", res)
	}
	// Balance: margin reserved and fee paid.
	wantFee := 50000 * 0.03 * 0.0005
	if math.Abs(state.Balance.TotalUSD-(10000-wantFee)) > 1e-6 {
		t.Errorf("total = %v", state.Balance.TotalUSD)
	}
	if math.Abs(state.Balance.MarginUsed-500) > 1e-6 {
		t.Errorf("margin used = %v", state.Balance.MarginUsed)
	}
}

func TestReleaseIsDedupedPerCycle(t *testing.T) {
	t.Parallel()
	adapter := &fillAdapter{price: 50000}
	session := testSession(t)
	ex := New(adapter, session, slog.New(slog.DiscardHandler))

	if err := ex.Execute(context.Background(), newState(1), approvedLong(5, 3)); err != nil {
		t.Fatal(err)
	}
	// Replay the same cycle (recovery path): no second order.
	if err := ex.Execute(context.Background(), newState(1), approvedLong(5, 3)); err != nil {
		t.Fatal(err)
	}

	if len(adapter.orders) != 1 {
		t.Errorf("orders = %d, want 1 (dedup by cycle/symbol/action)", len(adapter.orders))
	}
}

func TestSecondCycleBlockedByOpenPosition(t *testing.T) {
	t.Parallel()
	adapter := &fillAdapter{price: 50000}
	session := testSession(t)
	ex := New(adapter, session, slog.New(slog.DiscardHandler))

	if err := ex.Execute(context.Background(), newState(1), approvedLong(5, 3)); err != nil {
		t.Fatal(err)
	}
	state2 := newState(2)
	if err := ex.Execute(context.Background(), state2, approvedLong(5, 3)); err != nil {
		t.Fatal(err)
	}

	if len(adapter.orders) != 1 {
		t.Errorf("orders = %d, second open should be skipped", len(adapter.orders))
	}
	if res := state2.Runs["BTC/USDT"].Execution; res == nil || res.Skipped == "" {
		t.Errorf("expected skip result, got %+v", res)
	}
}

func TestCloseRealisesPnL(t *testing.T) {
	t.Parallel()
	adapter := &fillAdapter{price: 50000}
	session := testSession(t)
	ex := New(adapter, session, slog.New(slog.DiscardHandler))

	if err := ex.Execute(context.Background(), newState(1), approvedLong(5, 3)); err != nil {
		t.Fatal(err)
	}

	adapter.mu.Lock()
	adapter.price = 55000 // +10%
	adapter.mu.Unlock()

	state2 := newState(2)
	verdict := risk.Verdict{Approved: []types.PortfolioDecision{{
		Symbol: "BTC/USDT", Action: types.ActionClose,
	}}}
	if err := ex.Execute(context.Background(), state2, verdict); err != nil {
		t.Fatal(err)
	}

	trades, err := session.RecentTrades(context.Background(), "b1", 10)
	if err != nil || len(trades) != 1 {
		t.Fatalf("trades = %+v err=%v", trades, err)
	}
	// PnL = (55000-50000)*0.03 = 150.
	if math.Abs(trades[0].PnLUSD-150) > 1e-6 {
		t.Errorf("pnl = %v, want 150", trades[0].PnLUSD)
	}
	// 150 on 500 margin = 30%.
	if math.Abs(trades[0].PnLPercent-30) > 1e-6 {
		t.Errorf("pnl pct = %v, want 30", trades[0].PnLPercent)
	}
}

func TestRejectionsRecordedNotSent(t *testing.T) {
	t.Parallel()
	adapter := &fillAdapter{price: 50000}
	ex := New(adapter, testSession(t), slog.New(slog.DiscardHandler))
	state := newState(1)

	verdict := risk.Verdict{Rejected: []risk.Rejection{{
		Symbol: "BTC/USDT", Reason: "per-symbol allocation exceeded: 50.0% > 30.0%",
	}}}
	if err := ex.Execute(context.Background(), state, verdict); err != nil {
		t.Fatal(err)
	}

	if len(adapter.orders) != 0 {
		t.Error("rejected decision reached the exchange")
	}
	if len(state.Errors) != 1 {
		t.Errorf("errors = %+v", state.Errors)
	}
}

func TestPaperModeRecordsButDoesNotAmendStops(t *testing.T) {
	t.Parallel()
	adapter := &fillAdapter{price: 50000}
	ex := New(adapter, testSession(t), slog.New(slog.DiscardHandler))
	state := newState(1) // paper mode

	verdict := risk.Verdict{StopAmends: []types.TrailingStopProposal{{
		Symbol: "BTC/USDT", NewStopPrice: 51480, LockedPnLPct: 14.8,
	}}}
	if err := ex.Execute(context.Background(), state, verdict); err != nil {
		t.Fatal(err)
	}

	if len(state.StopAmends) != 1 {
		t.Error("proposal not recorded in state")
	}
	if len(adapter.orders) != 0 {
		t.Error("paper mode issued a stop order")
	}
}
