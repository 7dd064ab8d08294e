package plugins

import (
	"context"
	"math"

	"aitrader/internal/pipeline"
	"aitrader/pkg/types"
)

// QuantFilter scores each candidate from its indicators and drops symbols
// under the bot's quant_threshold before any AI spend. The score is a
// weighted blend of four components in [0,100]:
//
//	trend     — EMA alignment and MACD position across timeframes
//	momentum  — RSI distance from neutral, in the trend's favour
//	volume    — OBV slope direction, plus a bonus when average volume and ATR are set
//	sentiment — funding-rate positioning (crowded longs read bearish)
//
// Weights come from the bot config and must sum to 1.0. Symbols holding an
// open position are never filtered: their exits stay managed downstream.
type QuantFilter struct{}

// Metadata implements pipeline.Plugin.
func (p *QuantFilter) Metadata() pipeline.Metadata {
	return pipeline.Metadata{
		Name:           "quant_filter",
		DisplayName:    "Quant Filter",
		Category:       "filter",
		InsertAfter:    "market_state",
		SuggestedOrder: 30,
	}
}

// Run implements pipeline.Plugin.
func (p *QuantFilter) Run(ctx context.Context, state *types.CycleState, pctx *pipeline.Context) error {
	cfg := state.ConfigSnapshot
	weights := cfg.QuantWeights
	if math.Abs(weights.Sum()-1.0) > 0.001 {
		return pipeline.Fail(pipeline.Fatal, "quant weights sum to %.3f, want 1.0", weights.Sum())
	}

	held := make(map[string]bool, len(state.Positions))
	for _, pos := range state.Positions {
		held[pos.Symbol] = true
	}

	for _, symbol := range state.Candidates {
		run, ok := state.Runs[symbol]
		if !ok || run.Filtered {
			continue
		}
		run.QuantScore = Score(weights, run)
		if run.QuantScore < cfg.QuantThreshold && !held[symbol] {
			run.Filtered = true
		}
	}
	return nil
}

// Score computes the weighted quant score for one symbol run.
func Score(w types.QuantWeights, run *types.SymbolRun) float64 {
	trend := scoreTrend(run.Indicators)
	momentum := scoreMomentum(run.Indicators)
	volume := scoreVolume(run.Indicators)
	sentiment := scoreSentiment(run.FundingRate)

	score := w.Trend*trend + w.Momentum*momentum + w.Volume*volume + w.Sentiment*sentiment
	return clamp(score, 0, 100)
}

// scoreTrend rewards EMA alignment and MACD above signal, averaged across
// timeframes. 50 is neutral.
func scoreTrend(sets []types.IndicatorSet) float64 {
	if len(sets) == 0 {
		return 50
	}
	var total float64
	for _, s := range sets {
		v := 50.0
		if s.EMAFast != 0 && s.EMASlow != 0 {
			if s.EMAFast > s.EMASlow {
				v += 25
			} else {
				v -= 25
			}
		}
		if s.MACD != 0 || s.MACDSig != 0 {
			if s.MACD > s.MACDSig {
				v += 25
			} else {
				v -= 25
			}
		}
		total += clamp(v, 0, 100)
	}
	return total / float64(len(sets))
}

// scoreMomentum maps RSI so that strength in either direction scores high
// and the dead zone around 50 scores low; overbought/oversold extremes taper.
func scoreMomentum(sets []types.IndicatorSet) float64 {
	if len(sets) == 0 {
		return 50
	}
	var total float64
	for _, s := range sets {
		if s.RSI == 0 {
			total += 50
			continue
		}
		dist := math.Abs(s.RSI - 50) // 0..50
		v := dist * 2                // 0..100
		if s.RSI > 80 || s.RSI < 20 {
			v = 60 // exhausted moves are weaker signals than fresh ones
		}
		total += clamp(v, 0, 100)
	}
	return total / float64(len(sets))
}

// scoreVolume scores OBV direction and adds a bonus when the timeframe has
// both average volume and ATR; last-candle volume is not compared with the
// average.
func scoreVolume(sets []types.IndicatorSet) float64 {
	if len(sets) == 0 {
		return 50
	}
	var total float64
	for _, s := range sets {
		v := 50.0
		if s.OBVSlope > 0 {
			v += 20
		} else if s.OBVSlope < 0 {
			v -= 20
		}
		if s.VolumeAvg > 0 && s.ATR > 0 {
			v += 10 // liquid, moving markets are tradeable
		}
		total += clamp(v, 0, 100)
	}
	return total / float64(len(sets))
}

// scoreSentiment reads funding: near-zero funding is neutral (50); heavily
// positive funding (crowded longs) lowers the score, negative raises it.
func scoreSentiment(fundingPct float64) float64 {
	// 0.01% funding is typical; ±0.1% is extreme.
	v := 50 - fundingPct*500
	return clamp(v, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
