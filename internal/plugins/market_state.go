package plugins

import (
	"context"
	"sync"

	"github.com/cinar/indicator"

	"aitrader/internal/pipeline"
	"aitrader/pkg/types"
)

// MarketState computes per-symbol indicators across the bot's configured
// timeframes, plus funding rate and open interest. Symbols run in parallel;
// a failure on one symbol records an error and leaves the others intact.
type MarketState struct{}

// Metadata implements pipeline.Plugin.
func (p *MarketState) Metadata() pipeline.Metadata {
	return pipeline.Metadata{
		Name:           "market_state",
		DisplayName:    "Market State",
		Category:       "data",
		InsertAfter:    "coins_pick",
		SuggestedOrder: 20,
	}
}

// Run implements pipeline.Plugin.
func (p *MarketState) Run(ctx context.Context, state *types.CycleState, pctx *pipeline.Context) error {
	cfg := state.ConfigSnapshot
	timeframes := cfg.Timeframes
	if len(timeframes) == 0 {
		timeframes = []string{"3m", "4h"}
	}

	type symbolResult struct {
		symbol     string
		indicators []types.IndicatorSet
		funding    float64
		oi         float64
		err        error
	}

	results := make(chan symbolResult, len(state.Candidates))
	var wg sync.WaitGroup
	for _, symbol := range state.Candidates {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			res := symbolResult{symbol: symbol}
			for _, tf := range timeframes {
				limit := cfg.OHLCVLimits[tf]
				if limit <= 0 {
					limit = 100
				}
				candles, err := pctx.Market.OHLCV(ctx, symbol, tf, limit)
				if err != nil {
					res.err = err
					break
				}
				res.indicators = append(res.indicators, computeIndicators(tf, candles))
			}
			if res.err == nil {
				if funding, err := pctx.Market.FundingRate(ctx, symbol); err == nil {
					res.funding = funding
				}
				if oi, err := pctx.Market.OpenInterest(ctx, symbol); err == nil {
					res.oi = oi
				}
			}
			results <- res
		}(symbol)
	}
	wg.Wait()
	close(results)

	for res := range results {
		if res.err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			state.RecordError("market_state", res.symbol, "market data: %v", res.err)
			state.Run(res.symbol).Filtered = true // no data, no decision
			continue
		}
		run := state.Run(res.symbol)
		run.Indicators = res.indicators
		run.FundingRate = res.funding
		run.OpenInterest = res.oi
	}
	return nil
}

// computeIndicators derives the indicator set for one timeframe. Short
// series produce zeroed values; the quant filter treats those as neutral.
func computeIndicators(timeframe string, candles []types.OHLCV) types.IndicatorSet {
	set := types.IndicatorSet{Timeframe: timeframe}
	if len(candles) == 0 {
		return set
	}

	closing := make([]float64, len(candles))
	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	volume := make([]float64, len(candles))
	for i, c := range candles {
		closing[i] = c.Close
		high[i] = c.High
		low[i] = c.Low
		volume[i] = c.Volume
	}
	last := len(candles) - 1
	set.LastClose = closing[last]

	if len(candles) >= 26 {
		emaFast := indicator.Ema(9, closing)
		emaSlow := indicator.Ema(21, closing)
		macd, signal := indicator.Macd(closing)
		set.EMAFast = emaFast[last]
		set.EMASlow = emaSlow[last]
		set.MACD = macd[last]
		set.MACDSig = signal[last]
	}
	if len(candles) >= 15 {
		_, rsi := indicator.RsiPeriod(14, closing)
		set.RSI = rsi[last]
		_, atr := indicator.Atr(14, high, low, closing)
		set.ATR = atr[last]
	}

	obv := indicator.Obv(closing, volume)
	if n := len(obv); n >= 10 {
		set.OBVSlope = obv[n-1] - obv[n-10]
	}

	var volSum float64
	window := candles
	if len(window) > 20 {
		window = window[len(window)-20:]
	}
	for _, c := range window {
		volSum += c.Volume
	}
	set.VolumeAvg = volSum / float64(len(window))

	return set
}
