package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aitrader/pkg/types"
)

// stubAdapter scripts FetchTicker failures for retry tests.
type stubAdapter struct {
	mu        sync.Mutex
	calls     int
	failFirst int   // fail this many calls...
	failWith  error // ...with this error
	inflight  atomic.Int32
	maxSeen   atomic.Int32
}

func (s *stubAdapter) Name() string      { return "stub" }
func (s *stubAdapter) StreamURL() string { return "ws://stub" }
func (s *stubAdapter) SubscribePayload(symbol, channel string, unsub bool) any {
	return nil
}

func (s *stubAdapter) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	cur := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		prev := s.maxSeen.Load()
		if cur <= prev || s.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond) // hold the slot so concurrency is observable

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return types.Ticker{}, s.failWith
	}
	return types.Ticker{Symbol: symbol, Last: 100}, nil
}

func (s *stubAdapter) LoadMarkets(ctx context.Context) (types.MarketCatalogue, error) {
	return types.MarketCatalogue{}, nil
}
func (s *stubAdapter) FetchOHLCV(ctx context.Context, sym, tf string, l int) ([]types.OHLCV, error) {
	return nil, nil
}
func (s *stubAdapter) FetchOrderBook(ctx context.Context, sym string, d int) (types.OrderBook, error) {
	return types.OrderBook{}, nil
}
func (s *stubAdapter) FetchOpenInterest(ctx context.Context, sym string) (float64, error) {
	return 0, nil
}
func (s *stubAdapter) FetchFundingRate(ctx context.Context, sym string) (float64, error) {
	return 0, nil
}
func (s *stubAdapter) FetchBalance(ctx context.Context) (types.Balance, error) {
	return types.Balance{}, nil
}
func (s *stubAdapter) FetchPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}
func (s *stubAdapter) CreateOrder(ctx context.Context, req OrderRequest) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return types.Order{ID: "1", Status: "filled"}, nil
}
func (s *stubAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func wrapped(stub *stubAdapter, maxInflight int) *RateLimited {
	return NewRateLimited(stub, NewTokenBucket(1000, 1000), maxInflight, false, discard())
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	stub := &stubAdapter{failFirst: 2, failWith: fmt.Errorf("connection reset")}
	rl := wrapped(stub, 10)

	ticker, err := rl.FetchTicker(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if ticker.Last != 100 {
		t.Errorf("ticker = %+v", ticker)
	}
	if stub.calls != 3 {
		t.Errorf("calls = %d, want 3 (two failures + success)", stub.calls)
	}
}

func TestAuthErrorNotRetried(t *testing.T) {
	t.Parallel()
	stub := &stubAdapter{failFirst: 99, failWith: fmt.Errorf("key revoked: %w", ErrAuth)}
	rl := wrapped(stub, 10)

	_, err := rl.FetchTicker(context.Background(), "BTC/USDT")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if stub.calls != 1 {
		t.Errorf("calls = %d, auth errors must not retry", stub.calls)
	}
}

func TestInvalidRequestNotRetried(t *testing.T) {
	t.Parallel()
	stub := &stubAdapter{failFirst: 99, failWith: fmt.Errorf("bad symbol: %w", ErrInvalidRequest)}
	rl := wrapped(stub, 10)

	_, err := rl.FetchTicker(context.Background(), "NOPE")
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if stub.calls != 1 {
		t.Errorf("calls = %d, invalid requests must not retry", stub.calls)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	stub := &stubAdapter{failFirst: 99, failWith: fmt.Errorf("still down")}
	rl := wrapped(stub, 10)

	_, err := rl.FetchTicker(context.Background(), "BTC/USDT")
	if err == nil {
		t.Fatal("expected terminal failure")
	}
	if stub.calls != maxAttempts {
		t.Errorf("calls = %d, want %d", stub.calls, maxAttempts)
	}
}

func TestInflightCapEnforced(t *testing.T) {
	t.Parallel()
	stub := &stubAdapter{}
	rl := wrapped(stub, 3)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl.FetchTicker(context.Background(), "BTC/USDT")
		}()
	}
	wg.Wait()

	if max := stub.maxSeen.Load(); max > 3 {
		t.Errorf("observed %d concurrent requests, cap is 3", max)
	}
}

func TestBlockedCallerHonoursCancel(t *testing.T) {
	t.Parallel()
	stub := &stubAdapter{}
	// Empty bucket with near-zero refill: callers starve.
	rl := NewRateLimited(stub, NewTokenBucket(1, 0.001), 10, false, discard())
	rl.bucket.Wait(context.Background()) // drain the single token

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := rl.FetchTicker(ctx, "BTC/USDT")
	if err == nil {
		t.Fatal("expected cancellation while starved")
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not propagate within bound")
	}
}
