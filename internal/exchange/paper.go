// paper.go composes a live adapter with a simulated fill layer.
//
// All reads pass through to the wrapped adapter, so paper bots see real
// market data. Orders never reach the venue: a market order fills instantly
// at the last ticker price adjusted for slippage, with the configured
// commission charged on notional. Positions and balance live in memory and
// seed from a configurable starting equity.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"aitrader/pkg/types"
)

// DefaultCommission is the taker fee applied to simulated fills.
const DefaultCommission = 0.0005 // 0.05%

// Paper wraps a live adapter and simulates execution.
type Paper struct {
	Adapter // reads delegate to the live adapter

	slippage   decimal.Decimal
	commission decimal.Decimal

	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]*types.Position
}

// NewPaper creates a paper layer over a live adapter. slippage and feeRate
// come from the exchange config; zero feeRate selects the default commission.
func NewPaper(live Adapter, startingBalanceUSD, slippage, feeRate float64) *Paper {
	if feeRate == 0 {
		feeRate = DefaultCommission
	}
	return &Paper{
		Adapter:    live,
		slippage:   decimal.NewFromFloat(slippage),
		commission: decimal.NewFromFloat(feeRate),
		balance:    decimal.NewFromFloat(startingBalanceUSD),
		positions:  make(map[string]*types.Position),
	}
}

// FetchBalance reports the simulated wallet.
func (p *Paper) FetchBalance(ctx context.Context) (types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var margin decimal.Decimal
	for _, pos := range p.positions {
		margin = margin.Add(decimal.NewFromFloat(pos.MarginUsed))
	}
	total, _ := p.balance.Float64()
	used, _ := margin.Float64()
	return types.Balance{
		TotalUSD:     total,
		AvailableUSD: total - used,
		MarginUsed:   used,
	}, nil
}

// FetchPositions reports simulated positions, marked to the live ticker.
func (p *Paper) FetchPositions(ctx context.Context) ([]types.Position, error) {
	p.mu.Lock()
	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	p.mu.Unlock()

	// Mark outside the lock: ticker fetches suspend on I/O.
	marks := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		t, err := p.Adapter.FetchTicker(ctx, s)
		if err != nil {
			continue // stale mark is better than a failed snapshot
		}
		marks[s] = t.Last
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		if mark, ok := marks[cp.Symbol]; ok && mark > 0 {
			cp.MarkPrice = mark
			cp.UnrealizedPnL = unrealized(cp, mark)
			pos.MarkPrice = mark
			pos.UnrealizedPnL = cp.UnrealizedPnL
		}
		out = append(out, cp)
	}
	return out, nil
}

func unrealized(p types.Position, mark float64) float64 {
	diff := mark - p.EntryPrice
	if p.Side == types.SideShort {
		diff = -diff
	}
	return diff * p.Size
}

// CreateOrder simulates an immediate fill at the live price plus slippage.
func (p *Paper) CreateOrder(ctx context.Context, req OrderRequest) (types.Order, error) {
	ticker, err := p.Adapter.FetchTicker(ctx, req.Symbol)
	if err != nil {
		return types.Order{}, fmt.Errorf("paper fill: %w", err)
	}
	if ticker.Last <= 0 {
		return types.Order{}, fmt.Errorf("paper fill %s: %w: no price", req.Symbol, ErrInvalidRequest)
	}

	price := decimal.NewFromFloat(ticker.Last)
	// Slippage moves against the taker: buys fill above last, sells below.
	if req.Side == types.SideLong {
		price = price.Mul(decimal.NewFromInt(1).Add(p.slippage))
	} else {
		price = price.Mul(decimal.NewFromInt(1).Sub(p.slippage))
	}

	amount := decimal.NewFromFloat(req.Amount)
	notional := price.Mul(amount)
	fee := notional.Mul(p.commission)

	leverage := decimal.NewFromInt(1)
	if lev := req.Params["leverage"]; lev != "" {
		if d, err := decimal.NewFromString(lev); err == nil && d.IsPositive() {
			leverage = d
		}
	}
	margin := notional.Div(leverage)

	p.mu.Lock()
	defer p.mu.Unlock()

	reduce := req.Params["reduceOnly"] == "true"
	if reduce {
		p.closeLocked(req.Symbol, price, fee)
	} else {
		available := p.balance
		for _, pos := range p.positions {
			available = available.Sub(decimal.NewFromFloat(pos.MarginUsed))
		}
		if margin.Add(fee).GreaterThan(available) {
			return types.Order{}, fmt.Errorf("paper fill %s: %w: insufficient balance", req.Symbol, ErrInvalidRequest)
		}
		p.balance = p.balance.Sub(fee)
		fPrice, _ := price.Float64()
		fMargin, _ := margin.Float64()
		fLev, _ := leverage.Float64()
		p.positions[req.Symbol] = &types.Position{
			Symbol:     req.Symbol,
			Side:       req.Side,
			Size:       req.Amount,
			EntryPrice: fPrice,
			MarkPrice:  fPrice,
			Leverage:   fLev,
			MarginUsed: fMargin,
		}
	}

	fPrice, _ := price.Float64()
	fFee, _ := fee.Float64()
	return types.Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Amount:        req.Amount,
		Status:        "filled",
		FilledPrice:   fPrice,
		FilledAmount:  req.Amount,
		Fee:           fFee,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// closeLocked realises PnL for a symbol at the given exit price.
// Caller holds p.mu.
func (p *Paper) closeLocked(symbol string, exit, fee decimal.Decimal) {
	pos, ok := p.positions[symbol]
	if !ok {
		return
	}
	fExit, _ := exit.Float64()
	pnl := decimal.NewFromFloat(unrealized(*pos, fExit))
	p.balance = p.balance.Add(pnl).Sub(fee)
	delete(p.positions, symbol)
}

// CancelOrder is a no-op: simulated orders fill instantly.
func (p *Paper) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return nil
}
