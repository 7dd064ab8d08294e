// ratelimited.go wraps an Adapter with the shared token bucket, a bounded
// in-flight pool, and retry with jittered exponential backoff.
//
// Ordering per call: acquire an in-flight slot, then a token, then issue the
// request. Retries re-acquire a token (each wire attempt spends quota) but
// keep their slot. Auth and invalid-request errors are never retried; the
// caller sees them immediately.
package exchange

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"aitrader/pkg/types"
)

const maxAttempts = 4

// RateLimited decorates an Adapter with the client-side protections from the
// design: shared token bucket (P5), max_concurrent_requests, retry policy,
// and optional adaptive bucket resizing from server rate hints.
type RateLimited struct {
	inner    Adapter
	bucket   *TokenBucket
	inflight chan struct{} // semaphore, cap = max_concurrent_requests
	adaptive bool
	logger   *slog.Logger
}

// NewRateLimited wraps an adapter. maxInflight bounds concurrent requests
// regardless of token availability.
func NewRateLimited(inner Adapter, bucket *TokenBucket, maxInflight int, adaptive bool, logger *slog.Logger) *RateLimited {
	if maxInflight <= 0 {
		maxInflight = 10
	}
	return &RateLimited{
		inner:    inner,
		bucket:   bucket,
		inflight: make(chan struct{}, maxInflight),
		adaptive: adaptive,
		logger:   logger.With("component", "exchange", "venue", inner.Name()),
	}
}

// Name returns the wrapped venue name.
func (r *RateLimited) Name() string { return r.inner.Name() }

// StreamURL passes through to the wrapped adapter.
func (r *RateLimited) StreamURL() string { return r.inner.StreamURL() }

// SubscribePayload passes through to the wrapped adapter.
func (r *RateLimited) SubscribePayload(symbol, channel string, unsubscribe bool) any {
	return r.inner.SubscribePayload(symbol, channel, unsubscribe)
}

// RateHint is implemented by adapters that can report a server-provided
// quota hint (requests per minute) after a call.
type RateHint interface {
	LastRateHint() int
}

// do runs fn under the slot, token, and retry discipline.
func (r *RateLimited) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	select {
	case r.inflight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.inflight }()

	bo := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    8 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if werr := r.bucket.Wait(ctx); werr != nil {
			return werr
		}
		err = fn(ctx)
		if err == nil {
			r.applyHint()
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrInvalidRequest) {
			return err
		}

		wait := bo.Duration()
		r.logger.Warn("request failed, backing off",
			"op", op, "attempt", attempt, "backoff", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// applyHint resizes the shared bucket when adaptive mode is on and the
// adapter surfaced a server quota hint.
func (r *RateLimited) applyHint() {
	if !r.adaptive {
		return
	}
	if h, ok := r.inner.(RateHint); ok {
		if quota := h.LastRateHint(); quota > 0 {
			r.bucket.Resize(quota)
		}
	}
}

func (r *RateLimited) LoadMarkets(ctx context.Context) (types.MarketCatalogue, error) {
	var out types.MarketCatalogue
	err := r.do(ctx, "load_markets", func(ctx context.Context) error {
		var err error
		out, err = r.inner.LoadMarkets(ctx)
		return err
	})
	return out, err
}

func (r *RateLimited) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.OHLCV, error) {
	var out []types.OHLCV
	err := r.do(ctx, "fetch_ohlcv", func(ctx context.Context) error {
		var err error
		out, err = r.inner.FetchOHLCV(ctx, symbol, timeframe, limit)
		return err
	})
	return out, err
}

func (r *RateLimited) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	var out types.Ticker
	err := r.do(ctx, "fetch_ticker", func(ctx context.Context) error {
		var err error
		out, err = r.inner.FetchTicker(ctx, symbol)
		return err
	})
	return out, err
}

func (r *RateLimited) FetchOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	var out types.OrderBook
	err := r.do(ctx, "fetch_orderbook", func(ctx context.Context) error {
		var err error
		out, err = r.inner.FetchOrderBook(ctx, symbol, depth)
		return err
	})
	return out, err
}

func (r *RateLimited) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	var out float64
	err := r.do(ctx, "fetch_open_interest", func(ctx context.Context) error {
		var err error
		out, err = r.inner.FetchOpenInterest(ctx, symbol)
		return err
	})
	return out, err
}

func (r *RateLimited) FetchFundingRate(ctx context.Context, symbol string) (float64, error) {
	var out float64
	err := r.do(ctx, "fetch_funding_rate", func(ctx context.Context) error {
		var err error
		out, err = r.inner.FetchFundingRate(ctx, symbol)
		return err
	})
	return out, err
}

func (r *RateLimited) FetchBalance(ctx context.Context) (types.Balance, error) {
	var out types.Balance
	err := r.do(ctx, "fetch_balance", func(ctx context.Context) error {
		var err error
		out, err = r.inner.FetchBalance(ctx)
		return err
	})
	return out, err
}

func (r *RateLimited) FetchPositions(ctx context.Context) ([]types.Position, error) {
	var out []types.Position
	err := r.do(ctx, "fetch_positions", func(ctx context.Context) error {
		var err error
		out, err = r.inner.FetchPositions(ctx)
		return err
	})
	return out, err
}

// CreateOrder is deliberately not retried on ambiguous network errors past
// the first wire attempt: the venue call is not idempotent, and the executor
// de-duplicates by (cycle_id, symbol, action) before ever reaching here.
func (r *RateLimited) CreateOrder(ctx context.Context, req OrderRequest) (types.Order, error) {
	select {
	case r.inflight <- struct{}{}:
	case <-ctx.Done():
		return types.Order{}, ctx.Err()
	}
	defer func() { <-r.inflight }()

	if err := r.bucket.Wait(ctx); err != nil {
		return types.Order{}, err
	}
	out, err := r.inner.CreateOrder(ctx, req)
	if err == nil {
		r.applyHint()
	}
	return out, err
}

func (r *RateLimited) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return r.do(ctx, "cancel_order", func(ctx context.Context) error {
		return r.inner.CancelOrder(ctx, symbol, orderID)
	})
}
