package exchange

import (
	"context"
	"math"
	"testing"

	"aitrader/pkg/types"
)

// priceStub serves a fixed last price for paper fills.
type priceStub struct {
	stubAdapter
	last float64
}

func (p *priceStub) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	return types.Ticker{Symbol: symbol, Last: p.last}, nil
}

func approx(t *testing.T, got, want, eps float64, what string) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Errorf("%s = %v, want %v", what, got, want)
	}
}

func TestPaperFillAppliesSlippageAndFee(t *testing.T) {
	t.Parallel()
	live := &priceStub{last: 50000}
	p := NewPaper(live, 10000, 0.001, 0) // 0.1% slippage, default 0.05% fee

	order, err := p.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT",
		Side:   types.SideLong,
		Type:   "market",
		Amount: 0.01,
		Params: map[string]string{"leverage": "3"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Long fills above last: 50000 * 1.001 = 50050.
	approx(t, order.FilledPrice, 50050, 0.01, "filled price")
	// Fee: notional 500.50 * 0.0005.
	approx(t, order.Fee, 0.25025, 1e-6, "fee")

	bal, err := p.FetchBalance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	approx(t, bal.TotalUSD, 10000-0.25025, 1e-6, "total after fee")
	// Margin: 500.50 / 3.
	approx(t, bal.MarginUsed, 166.8333333, 1e-4, "margin used")
}

func TestPaperShortFillsBelowLast(t *testing.T) {
	t.Parallel()
	live := &priceStub{last: 2000}
	p := NewPaper(live, 5000, 0.002, 0)

	order, err := p.CreateOrder(context.Background(), OrderRequest{
		Symbol: "ETH/USDT", Side: types.SideShort, Type: "market", Amount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	approx(t, order.FilledPrice, 1996, 0.01, "short fill price")
}

func TestPaperCloseRealisesPnL(t *testing.T) {
	t.Parallel()
	live := &priceStub{last: 100}
	p := NewPaper(live, 1000, 0, 0) // no slippage: arithmetic stays readable

	if _, err := p.CreateOrder(context.Background(), OrderRequest{
		Symbol: "SOL/USDT", Side: types.SideLong, Type: "market", Amount: 5,
	}); err != nil {
		t.Fatal(err)
	}

	live.last = 120 // price moved up 20
	if _, err := p.CreateOrder(context.Background(), OrderRequest{
		Symbol: "SOL/USDT", Side: types.SideShort, Type: "market", Amount: 5,
		Params: map[string]string{"reduceOnly": "true"},
	}); err != nil {
		t.Fatal(err)
	}

	positions, err := p.FetchPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 0 {
		t.Fatalf("position not closed: %+v", positions)
	}

	// PnL = (120-100)*5 = 100; fees = 0.05% of 500 + 0.05% of 600.
	bal, _ := p.FetchBalance(context.Background())
	wantFees := 500*0.0005 + 600*0.0005
	approx(t, bal.TotalUSD, 1000+100-wantFees, 1e-6, "balance after round trip")
}

func TestPaperRejectsOverdraft(t *testing.T) {
	t.Parallel()
	live := &priceStub{last: 50000}
	p := NewPaper(live, 100, 0, 0)

	_, err := p.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT", Side: types.SideLong, Type: "market", Amount: 1, // 50k notional at 1x
	})
	if err == nil {
		t.Fatal("expected insufficient balance")
	}
}

func TestPaperMarksPositionsToLivePrice(t *testing.T) {
	t.Parallel()
	live := &priceStub{last: 100}
	p := NewPaper(live, 1000, 0, 0)

	if _, err := p.CreateOrder(context.Background(), OrderRequest{
		Symbol: "SOL/USDT", Side: types.SideLong, Type: "market", Amount: 2,
	}); err != nil {
		t.Fatal(err)
	}

	live.last = 110
	positions, err := p.FetchPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %+v", positions)
	}
	approx(t, positions[0].MarkPrice, 110, 1e-9, "mark price")
	approx(t, positions[0].UnrealizedPnL, 20, 1e-9, "unrealized pnl")
}
