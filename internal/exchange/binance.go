// binance.go implements the Adapter over Binance USD-M futures.
//
// Symbols cross the Adapter boundary in unified "BASE/QUOTE" form and are
// flattened to the venue's "BASEQUOTE" form at the wire.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"aitrader/pkg/types"
)

// Binance is the USD-M futures adapter.
type Binance struct {
	client   *futures.Client
	testnet  bool
	rateHint atomic.Int64 // last server-provided quota hint, req/min
}

// NewBinance creates the adapter. The testnet flag switches the library to
// the demo endpoints before the client is constructed.
func NewBinance(cfg types.ExchangeConfig) *Binance {
	futures.UseTestnet = cfg.Testnet
	return &Binance{
		client:  futures.NewClient(cfg.APIKey, cfg.APISecret),
		testnet: cfg.Testnet,
	}
}

// Name implements Adapter.
func (b *Binance) Name() string { return "binance" }

// venueSymbol flattens "BTC/USDT" to "BTCUSDT".
func venueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// unifiedSymbol expands "BTCUSDT" to "BTC/USDT" given the quote asset.
func unifiedSymbol(venue, quote string) string {
	base := strings.TrimSuffix(venue, quote)
	return base + "/" + quote
}

// LoadMarkets fetches the exchange catalogue.
func (b *Binance) LoadMarkets(ctx context.Context) (types.MarketCatalogue, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classify("load markets", err)
	}

	cat := make(types.MarketCatalogue, len(info.Symbols))
	for _, s := range info.Symbols {
		sym := unifiedSymbol(s.Symbol, s.QuoteAsset)
		m := types.MarketInfo{
			Symbol:       sym,
			Base:         s.BaseAsset,
			Quote:        s.QuoteAsset,
			Active:       s.Status == "TRADING",
			PricePrec:    s.PricePrecision,
			AmountPrec:   s.QuantityPrecision,
			ContractSize: 1,
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				m.MinAmount = parseFilterFloat(f, "minQty")
			case "MIN_NOTIONAL":
				m.MinNotional = parseFilterFloat(f, "notional")
			}
		}
		cat[sym] = m
	}
	return cat, nil
}

func parseFilterFloat(f map[string]interface{}, key string) float64 {
	if raw, ok := f[key].(string); ok {
		v, _ := strconv.ParseFloat(raw, 64)
		return v
	}
	return 0
}

// FetchOHLCV fetches candles for a symbol/timeframe.
func (b *Binance) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.OHLCV, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(venueSymbol(symbol)).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify("fetch ohlcv", err)
	}

	out := make([]types.OHLCV, 0, len(klines))
	for _, k := range klines {
		out = append(out, types.OHLCV{
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
			Open:      mustFloat(k.Open),
			High:      mustFloat(k.High),
			Low:       mustFloat(k.Low),
			Close:     mustFloat(k.Close),
			Volume:    mustFloat(k.Volume),
		})
	}
	return out, nil
}

// FetchTicker fetches the 24h stats snapshot for a symbol.
func (b *Binance) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	stats, err := b.client.NewListPriceChangeStatsService().
		Symbol(venueSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return types.Ticker{}, classify("fetch ticker", err)
	}
	if len(stats) == 0 {
		return types.Ticker{}, fmt.Errorf("fetch ticker %s: %w: empty response", symbol, ErrInvalidRequest)
	}
	s := stats[0]
	return types.Ticker{
		Symbol:    symbol,
		Last:      mustFloat(s.LastPrice),
		Volume24h: mustFloat(s.QuoteVolume),
		ChangePct: mustFloat(s.PriceChangePercent),
		Timestamp: time.UnixMilli(s.CloseTime).UTC(),
	}, nil
}

// FetchOrderBook fetches a depth snapshot.
func (b *Binance) FetchOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	res, err := b.client.NewDepthService().
		Symbol(venueSymbol(symbol)).
		Limit(depth).
		Do(ctx)
	if err != nil {
		return types.OrderBook{}, classify("fetch orderbook", err)
	}

	book := types.OrderBook{Symbol: symbol, Timestamp: time.Now().UTC()}
	for _, lvl := range res.Bids {
		book.Bids = append(book.Bids, types.BookLevel{Price: mustFloat(lvl.Price), Size: mustFloat(lvl.Quantity)})
	}
	for _, lvl := range res.Asks {
		book.Asks = append(book.Asks, types.BookLevel{Price: mustFloat(lvl.Price), Size: mustFloat(lvl.Quantity)})
	}
	return book, nil
}

// FetchOpenInterest fetches current open interest in contracts.
func (b *Binance) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	oi, err := b.client.NewGetOpenInterestService().
		Symbol(venueSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return 0, classify("fetch open interest", err)
	}
	return mustFloat(oi.OpenInterest), nil
}

// FetchFundingRate fetches the current funding rate as a percentage.
func (b *Binance) FetchFundingRate(ctx context.Context, symbol string) (float64, error) {
	idx, err := b.client.NewPremiumIndexService().
		Symbol(venueSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return 0, classify("fetch funding rate", err)
	}
	if len(idx) == 0 {
		return 0, fmt.Errorf("fetch funding rate %s: %w: empty response", symbol, ErrInvalidRequest)
	}
	return mustFloat(idx[0].LastFundingRate) * 100, nil
}

// FetchBalance fetches the USDT futures wallet balance.
func (b *Binance) FetchBalance(ctx context.Context) (types.Balance, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return types.Balance{}, classify("fetch balance", err)
	}
	var out types.Balance
	for _, bal := range balances {
		if bal.Asset != "USDT" {
			continue
		}
		total := mustFloat(bal.Balance)
		avail := mustFloat(bal.AvailableBalance)
		out = types.Balance{
			TotalUSD:     total,
			AvailableUSD: avail,
			MarginUsed:   total - avail,
		}
	}
	return out, nil
}

// FetchPositions fetches non-zero positions.
func (b *Binance) FetchPositions(ctx context.Context) ([]types.Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify("fetch positions", err)
	}

	var out []types.Position
	for _, r := range risks {
		amt := mustFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := types.SideLong
		if amt < 0 {
			side = types.SideShort
			amt = -amt
		}
		lev := mustFloat(r.Leverage)
		if lev == 0 {
			lev = 1
		}
		mark := mustFloat(r.MarkPrice)
		out = append(out, types.Position{
			Symbol:           unifiedSymbol(r.Symbol, "USDT"),
			Side:             side,
			Size:             amt,
			EntryPrice:       mustFloat(r.EntryPrice),
			MarkPrice:        mark,
			Leverage:         lev,
			MarginUsed:       amt * mark / lev,
			UnrealizedPnL:    mustFloat(r.UnRealizedProfit),
			LiquidationPrice: mustFloat(r.LiquidationPrice),
		})
	}
	return out, nil
}

// CreateOrder places an order. The caller's ClientOrderID rides through so
// the venue can reject accidental duplicates.
func (b *Binance) CreateOrder(ctx context.Context, req OrderRequest) (types.Order, error) {
	side := futures.SideTypeBuy
	if req.Side == types.SideShort {
		side = futures.SideTypeSell
	}
	orderType := futures.OrderTypeMarket
	switch req.Type {
	case "limit":
		orderType = futures.OrderTypeLimit
	case "stop_market":
		orderType = futures.OrderTypeStopMarket
	}

	svc := b.client.NewCreateOrderService().
		Symbol(venueSymbol(req.Symbol)).
		Side(side).
		Type(orderType).
		Quantity(strconv.FormatFloat(req.Amount, 'f', -1, 64))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if orderType == futures.OrderTypeLimit {
		svc = svc.Price(strconv.FormatFloat(req.Price, 'f', -1, 64)).
			TimeInForce(futures.TimeInForceTypeGTC)
	}
	if orderType == futures.OrderTypeStopMarket {
		svc = svc.StopPrice(strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	if req.Params["reduceOnly"] == "true" {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return types.Order{}, classify("create order", err)
	}
	return types.Order{
		ID:            strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Amount:        req.Amount,
		Price:         req.Price,
		Status:        string(res.Status),
		FilledPrice:   mustFloat(res.AvgPrice),
		FilledAmount:  mustFloat(res.ExecutedQuantity),
		CreatedAt:     time.UnixMilli(res.UpdateTime).UTC(),
	}, nil
}

// CancelOrder cancels one order by venue ID.
func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel order: %w: bad id %q", ErrInvalidRequest, orderID)
	}
	_, err = b.client.NewCancelOrderService().
		Symbol(venueSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return classify("cancel order", err)
	}
	return nil
}

// StreamURL implements Adapter.
func (b *Binance) StreamURL() string {
	if b.testnet {
		return "wss://stream.binancefuture.com/ws"
	}
	return "wss://fstream.binance.com/ws"
}

// SubscribePayload builds the combined-stream subscribe/unsubscribe frame.
// channel is "ticker" or "trades".
func (b *Binance) SubscribePayload(symbol, channel string, unsubscribe bool) any {
	stream := strings.ToLower(venueSymbol(symbol))
	switch channel {
	case "ticker":
		stream += "@ticker"
	case "trades":
		stream += "@aggTrade"
	default:
		stream += "@" + channel
	}
	method := "SUBSCRIBE"
	if unsubscribe {
		method = "UNSUBSCRIBE"
	}
	return map[string]any{
		"method": method,
		"params": []string{stream},
		"id":     time.Now().UnixNano() / int64(time.Millisecond),
	}
}

// BinanceRoute extracts (symbol, channel) from a raw stream frame so the
// feed can tag events. Control frames and subscribe acks don't route.
func BinanceRoute(data []byte) (symbol, channel string, ok bool) {
	var frame struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.Symbol == "" {
		return "", "", false
	}
	sym := unifiedSymbol(frame.Symbol, "USDT")
	switch frame.Event {
	case "24hrTicker":
		return sym, "ticker", true
	case "aggTrade":
		return sym, "trades", true
	}
	return "", "", false
}

// LastRateHint implements RateHint for adaptive mode. Binance reports used
// weight, not remaining quota, and nothing in this adapter stores a hint
// (429 responses included), so it always returns 0: no hint.
func (b *Binance) LastRateHint() int {
	return int(b.rateHint.Load())
}

// classify maps library errors onto the adapter's sentinel taxonomy so the
// retry layer can decide without knowing about Binance error codes.
func classify(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == -1021 || apiErr.Code == -2014 || apiErr.Code == -2015:
			return fmt.Errorf("%s: %w: %s", op, ErrAuth, apiErr.Message)
		case apiErr.Code == -1003 || apiErr.Code == -1015:
			return fmt.Errorf("%s: %w: %s", op, ErrRateLimited, apiErr.Message)
		case apiErr.Code <= -1100 && apiErr.Code > -1200:
			return fmt.Errorf("%s: %w: %s", op, ErrInvalidRequest, apiErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func mustFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
