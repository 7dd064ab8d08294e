// Package exchange implements the rate-limited exchange client layer.
//
// An Adapter is the abstract protocol surface the core consumes: market
// catalogue, OHLCV, tickers, funding, open interest, balance, positions and
// order management, plus the two watch streams. Concrete adapters (Binance)
// talk to real venues; Paper composes a live adapter for reads and simulates
// fills locally.
//
// Every REST call from the core goes through RateLimited, which fuses a
// shared per-exchange token bucket, a bounded in-flight pool, and retry with
// jittered exponential backoff.
package exchange

import (
	"context"
	"errors"

	"aitrader/pkg/types"
)

// Sentinel errors that classify adapter failures for the retry layer.
var (
	// ErrAuth means credentials were rejected; never retried.
	ErrAuth = errors.New("exchange: authentication failed")
	// ErrInvalidRequest means the venue rejected the request shape; never retried.
	ErrInvalidRequest = errors.New("exchange: invalid request")
	// ErrRateLimited means the venue returned 429/418; retried after backoff.
	ErrRateLimited = errors.New("exchange: rate limited")
)

// OrderRequest is the input to CreateOrder.
type OrderRequest struct {
	Symbol        string
	Side          types.Side
	Type          string // "market", "limit" or "stop_market" (Price is the trigger)
	Amount        float64
	Price         float64           // limit orders only
	ClientOrderID string            // caller-supplied idempotency handle
	Params        map[string]string // venue-specific extras (reduceOnly, stop prices)
}

// Adapter is the abstract capability set of one exchange account.
// Implementations must honour ctx cancellation on every call.
type Adapter interface {
	// Name returns the venue name ("binance", ...) used for rate-limit quotas.
	Name() string

	LoadMarkets(ctx context.Context) (types.MarketCatalogue, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.OHLCV, error)
	FetchTicker(ctx context.Context, symbol string) (types.Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error)
	FetchOpenInterest(ctx context.Context, symbol string) (float64, error)
	FetchFundingRate(ctx context.Context, symbol string) (float64, error)
	FetchBalance(ctx context.Context) (types.Balance, error)
	FetchPositions(ctx context.Context) ([]types.Position, error)

	CreateOrder(ctx context.Context, req OrderRequest) (types.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// StreamURL returns the websocket endpoint for the stream manager, and
	// SubscribePayload the venue frame subscribing symbol/channel pairs.
	StreamURL() string
	SubscribePayload(symbol, channel string, unsubscribe bool) any
}
