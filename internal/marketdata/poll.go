// Package marketdata is the unified read interface the pipeline consumes.
//
// The poll provider fronts the rate-limited exchange adapter with the TTL
// cache: every read checks the cache first, and misses are collapsed so a
// bursty pipeline (many symbols, many timeframes) produces at most one
// upstream fetch per key. Namespaces and TTLs follow the cache config.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aitrader/internal/cache"
	"aitrader/internal/exchange"
	"aitrader/pkg/types"
)

// TTLFunc resolves the TTL for a cache namespace. Wired from config so a
// hot reload changes TTLs without restarting workers.
type TTLFunc func(namespace string) time.Duration

// Poller is the cache-through poll provider for one bot worker.
type Poller struct {
	adapter exchange.Adapter
	cache   *cache.Cache
	ttl     TTLFunc
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{} // collapses concurrent misses per key
}

// NewPoller creates a poll provider.
func NewPoller(adapter exchange.Adapter, c *cache.Cache, ttl TTLFunc, logger *slog.Logger) *Poller {
	return &Poller{
		adapter:  adapter,
		cache:    c,
		ttl:      ttl,
		logger:   logger.With("component", "marketdata"),
		inflight: make(map[string]chan struct{}),
	}
}

// fetch reads namespace/key through the cache, filling on miss via fill.
// Concurrent misses on the same key wait for the first filler.
func fetch[T any](ctx context.Context, p *Poller, namespace, key string, fill func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for {
		if raw, ok := p.cache.Get(namespace, key); ok {
			var v T
			if err := json.Unmarshal(raw, &v); err == nil {
				return v, nil
			}
			// Undecodable payload: drop it and refill.
			p.cache.Delete(namespace, key)
		}

		flightKey := namespace + "|" + key
		p.mu.Lock()
		if done, ok := p.inflight[flightKey]; ok {
			p.mu.Unlock()
			select {
			case <-done:
				continue // filler finished; re-read the cache
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		done := make(chan struct{})
		p.inflight[flightKey] = done
		p.mu.Unlock()

		v, err := fill(ctx)
		if err == nil {
			if raw, mErr := json.Marshal(v); mErr == nil {
				p.cache.Set(namespace, key, raw, p.ttl(namespace))
			}
		}

		p.mu.Lock()
		delete(p.inflight, flightKey)
		p.mu.Unlock()
		close(done)

		if err != nil {
			return zero, err
		}
		return v, nil
	}
}

// Markets returns the exchange catalogue (cached, markets namespace).
func (p *Poller) Markets(ctx context.Context) (types.MarketCatalogue, error) {
	return fetch(ctx, p, cache.NSMarkets, p.adapter.Name(), func(ctx context.Context) (types.MarketCatalogue, error) {
		return p.adapter.LoadMarkets(ctx)
	})
}

// OHLCV returns candles for symbol/timeframe. The namespace is derived from
// the timeframe (ohlcv_3m, ohlcv_4h, ...) so TTLs track candle width.
func (p *Poller) OHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.OHLCV, error) {
	ns := "ohlcv_" + timeframe
	key := fmt.Sprintf("%s:%d", symbol, limit)
	return fetch(ctx, p, ns, key, func(ctx context.Context) ([]types.OHLCV, error) {
		return p.adapter.FetchOHLCV(ctx, symbol, timeframe, limit)
	})
}

// Ticker returns the latest price snapshot for a symbol.
func (p *Poller) Ticker(ctx context.Context, symbol string) (types.Ticker, error) {
	return fetch(ctx, p, cache.NSTickers, symbol, func(ctx context.Context) (types.Ticker, error) {
		return p.adapter.FetchTicker(ctx, symbol)
	})
}

// OrderBook returns a depth snapshot.
func (p *Poller) OrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	key := fmt.Sprintf("%s:%d", symbol, depth)
	return fetch(ctx, p, cache.NSOrderbook, key, func(ctx context.Context) (types.OrderBook, error) {
		return p.adapter.FetchOrderBook(ctx, symbol, depth)
	})
}

// OpenInterest returns current open interest for a symbol.
func (p *Poller) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	return fetch(ctx, p, cache.NSOpenInterests, symbol, func(ctx context.Context) (float64, error) {
		return p.adapter.FetchOpenInterest(ctx, symbol)
	})
}

// FundingRate returns the current funding rate (percent). Funding is read on
// the open-interest TTL: both refresh on the venue's funding clock.
func (p *Poller) FundingRate(ctx context.Context, symbol string) (float64, error) {
	return fetch(ctx, p, cache.NSOpenInterests, "funding:"+symbol, func(ctx context.Context) (float64, error) {
		return p.adapter.FetchFundingRate(ctx, symbol)
	})
}

// Balance reads the account balance. Never cached: sizing must see the
// venue's truth.
func (p *Poller) Balance(ctx context.Context) (types.Balance, error) {
	return p.adapter.FetchBalance(ctx)
}

// Positions reads open positions. Never cached for the same reason.
func (p *Poller) Positions(ctx context.Context) ([]types.Position, error) {
	return p.adapter.FetchPositions(ctx)
}
