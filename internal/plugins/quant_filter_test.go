package plugins

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"aitrader/internal/pipeline"
	"aitrader/pkg/types"
)

func evenWeights() types.QuantWeights {
	return types.QuantWeights{Trend: 0.25, Momentum: 0.25, Volume: 0.25, Sentiment: 0.25}
}

func bullishRun(symbol string) *types.SymbolRun {
	return &types.SymbolRun{
		Symbol: symbol,
		Indicators: []types.IndicatorSet{{
			Timeframe: "3m",
			EMAFast:   105, EMASlow: 100,
			MACD: 1.2, MACDSig: 0.8,
			RSI:      65,
			OBVSlope: 1000,
			ATR:      2, VolumeAvg: 500,
			LastClose: 105,
		}},
		FundingRate: 0.01,
	}
}

func flatRun(symbol string) *types.SymbolRun {
	return &types.SymbolRun{
		Symbol: symbol,
		Indicators: []types.IndicatorSet{{
			Timeframe: "3m",
			EMAFast:   100, EMASlow: 100.5,
			MACD: -0.1, MACDSig: 0.1,
			RSI:       50,
			OBVSlope:  -10,
			LastClose: 100,
		}},
		FundingRate: 0.09, // crowded longs
	}
}

func TestScoreRanksBullishAboveFlat(t *testing.T) {
	t.Parallel()
	bull := Score(evenWeights(), bullishRun("BTC/USDT"))
	flat := Score(evenWeights(), flatRun("DOGE/USDT"))

	if bull <= flat {
		t.Errorf("bull %.1f <= flat %.1f", bull, flat)
	}
	if bull < 50 {
		t.Errorf("bullish setup scored %.1f, expected >= 50", bull)
	}
	if bull > 100 || flat < 0 {
		t.Errorf("scores out of range: %v %v", bull, flat)
	}
}

func TestScoreEmptyIndicatorsIsNeutral(t *testing.T) {
	t.Parallel()
	got := Score(evenWeights(), &types.SymbolRun{Symbol: "X"})
	// All components neutral except sentiment at funding 0 → 50.
	if got < 40 || got > 60 {
		t.Errorf("neutral score = %.1f", got)
	}
}

func runFilter(t *testing.T, state *types.CycleState) error {
	t.Helper()
	p := &QuantFilter{}
	return p.Run(context.Background(), state, &pipeline.Context{Logger: slog.New(slog.DiscardHandler)})
}

func TestFilterDropsBelowThreshold(t *testing.T) {
	t.Parallel()
	cfg := types.BotConfig{
		ID:             "b1",
		QuantWeights:   evenWeights(),
		QuantThreshold: 55,
	}
	state := types.NewCycleState("b1", 1, cfg, time.Now().UTC())
	state.Candidates = []string{"BTC/USDT", "DOGE/USDT"}
	state.Runs["BTC/USDT"] = bullishRun("BTC/USDT")
	state.Runs["DOGE/USDT"] = flatRun("DOGE/USDT")

	if err := runFilter(t, state); err != nil {
		t.Fatal(err)
	}

	if state.Runs["BTC/USDT"].Filtered {
		t.Error("bullish symbol filtered")
	}
	if !state.Runs["DOGE/USDT"].Filtered {
		t.Error("flat symbol survived a 55 threshold")
	}
	active := state.ActiveSymbols()
	if len(active) != 1 || active[0] != "BTC/USDT" {
		t.Errorf("active = %v", active)
	}
}

func TestHeldSymbolNeverFiltered(t *testing.T) {
	t.Parallel()
	cfg := types.BotConfig{
		ID:             "b1",
		QuantWeights:   evenWeights(),
		QuantThreshold: 99, // filters everything
	}
	state := types.NewCycleState("b1", 1, cfg, time.Now().UTC())
	state.Candidates = []string{"DOGE/USDT"}
	state.Runs["DOGE/USDT"] = flatRun("DOGE/USDT")
	state.Positions = []types.Position{{Symbol: "DOGE/USDT", Side: types.SideLong, Size: 1}}

	if err := runFilter(t, state); err != nil {
		t.Fatal(err)
	}
	if state.Runs["DOGE/USDT"].Filtered {
		t.Error("symbol with open position was filtered")
	}
}

func TestBadWeightsAreFatal(t *testing.T) {
	t.Parallel()
	cfg := types.BotConfig{
		ID:           "b1",
		QuantWeights: types.QuantWeights{Trend: 0.9, Momentum: 0.9},
	}
	state := types.NewCycleState("b1", 1, cfg, time.Now().UTC())
	state.Candidates = []string{"BTC/USDT"}
	state.Runs["BTC/USDT"] = bullishRun("BTC/USDT")

	err := runFilter(t, state)
	if err == nil || pipeline.KindOf(err) != pipeline.Fatal {
		t.Errorf("err = %v, want fatal", err)
	}
}
