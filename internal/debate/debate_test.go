package debate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"aitrader/internal/llm"
	"aitrader/pkg/types"
)

// roleClient answers by inspecting the schema in the request, so one client
// can serve every role. Failures are scripted per role keyword.
type roleClient struct {
	name string
	mu   sync.Mutex

	calls     []string // system prompts, in call order
	failWhen  func(req llm.Request) error
	bullWait  bool // make the bull suggest wait
	decisions []types.PortfolioDecision
}

func (r *roleClient) Name() string { return r.name }

func (r *roleClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	r.calls = append(r.calls, req.System)
	r.mu.Unlock()

	if r.failWhen != nil {
		if err := r.failWhen(req); err != nil {
			return "", err
		}
	}

	symbol := extractSymbol(req.Prompt)
	switch {
	case strings.Contains(req.Schema, `"trend"`):
		out := types.AnalystOutput{Symbol: symbol, Trend: types.TrendBullish, Summary: "uptrend intact"}
		b, _ := json.Marshal(out)
		return string(b), nil
	case strings.Contains(req.Schema, `"wait"`) && !strings.Contains(req.Schema, `"decisions"`):
		action := types.ActionLong
		if strings.Contains(req.System, "bearish") {
			action = types.ActionShort
		}
		if r.bullWait && strings.Contains(req.System, "bullish") {
			action = types.ActionWait
		}
		out := types.TraderSuggestion{
			Symbol: symbol, Action: action, Confidence: 70,
			AllocationPct: 5, StopLossPct: 2, TakeProfitPct: 6,
			Reasoning: "scripted",
		}
		b, _ := json.Marshal(out)
		return string(b), nil
	default:
		decisions := r.decisions
		if decisions == nil {
			decisions = []types.PortfolioDecision{{
				Symbol: symbol, Action: types.ActionLong, AllocationPct: 5,
				Leverage: 3, StopLossPct: 2, TakeProfitPct: 6, Confidence: 75,
			}}
		}
		var total float64
		for _, d := range decisions {
			total += d.AllocationPct
		}
		out := types.BatchDecision{
			Decisions: decisions, TotalAllocationPct: total,
			CashReservePct: 100 - total, StrategyRationale: "scripted",
		}
		b, _ := json.Marshal(out)
		return string(b), nil
	}
}

func extractSymbol(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if s, ok := strings.CutPrefix(line, "Symbol: "); ok {
			return s
		}
		if strings.HasPrefix(line, "\n") {
			break
		}
	}
	return "BTC/USDT"
}

func testInputs(symbols ...string) Inputs {
	return Inputs{
		Symbols:       symbols,
		MarketContext: func(s string) string { return "Market data for " + s },
		Balance:       types.Balance{TotalUSD: 10000, AvailableUSD: 10000},
		Limits:        types.RiskLimits{MaxTotalAllocationPct: 80, MaxSingleAllocationPct: 30},
	}
}

func newEngine(client llm.Client, rounds int) *Engine {
	return New(Config{
		Default:      client,
		Prompts:      defaultPrompts,
		MaxRounds:    rounds,
		PhaseTimeout: 5 * time.Second,
		Logger:       slog.New(slog.DiscardHandler),
	})
}

func TestFullDebateProducesDecision(t *testing.T) {
	t.Parallel()
	client := &roleClient{name: "scripted"}
	e := newEngine(client, 2)

	art, err := e.Run(context.Background(), testInputs("BTC/USDT", "ETH/USDT"))
	if err != nil {
		t.Fatal(err)
	}

	if len(art.Analyst) != 2 {
		t.Errorf("analyst outputs = %d, want 2", len(art.Analyst))
	}
	for _, sym := range []string{"BTC/USDT", "ETH/USDT"} {
		rounds := art.Rounds[sym]
		if len(rounds) != 2 {
			t.Fatalf("%s rounds = %d, want 2", sym, len(rounds))
		}
		if rounds[0].Bull.Action != types.ActionLong || rounds[0].Bear.Action != types.ActionShort {
			t.Errorf("%s round 1 = %+v", sym, rounds[0])
		}
	}
	if art.Decision == nil || len(art.Decision.Decisions) == 0 {
		t.Fatalf("no decision: %+v", art)
	}
}

func TestAnalystFailureDropsSymbolOnly(t *testing.T) {
	t.Parallel()
	client := &roleClient{
		name: "scripted",
		failWhen: func(req llm.Request) error {
			if strings.Contains(req.Schema, `"trend"`) && strings.Contains(req.Prompt, "ETH/USDT") {
				return &llm.Error{Kind: llm.KindServer, Provider: "scripted", Err: fmt.Errorf("500")}
			}
			return nil
		},
	}
	e := newEngine(client, 1)

	art, err := e.Run(context.Background(), testInputs("BTC/USDT", "ETH/USDT"))
	if err != nil {
		t.Fatal(err)
	}

	if len(art.Dropped) != 1 || art.Dropped[0] != "ETH/USDT" {
		t.Errorf("dropped = %v", art.Dropped)
	}
	if _, ok := art.Analyst["BTC/USDT"]; !ok {
		t.Error("healthy symbol was dropped too")
	}
	if _, ok := art.Rounds["ETH/USDT"]; ok {
		t.Error("dropped symbol entered the debate")
	}
}

func TestTraderFailureDegradesToWait(t *testing.T) {
	t.Parallel()
	client := &roleClient{
		name: "scripted",
		failWhen: func(req llm.Request) error {
			if strings.Contains(req.System, "bullish") {
				return &llm.Error{Kind: llm.KindTimeout, Provider: "scripted", Err: fmt.Errorf("slow")}
			}
			return nil
		},
	}
	e := newEngine(client, 1)

	art, err := e.Run(context.Background(), testInputs("BTC/USDT"))
	if err != nil {
		t.Fatal(err)
	}

	round := art.Rounds["BTC/USDT"][0]
	if round.Bull.Action != types.ActionWait {
		t.Errorf("bull = %+v, want wait fallback", round.Bull)
	}
	if round.Bear.Action != types.ActionShort {
		t.Errorf("bear should be unaffected: %+v", round.Bear)
	}
}

func TestSynthesisFailureDegradesToCash(t *testing.T) {
	t.Parallel()
	client := &roleClient{
		name: "scripted",
		failWhen: func(req llm.Request) error {
			if strings.Contains(req.Schema, `"decisions"`) {
				return &llm.Error{Kind: llm.KindServer, Provider: "scripted", Err: fmt.Errorf("503")}
			}
			return nil
		},
	}
	e := newEngine(client, 1)

	art, err := e.Run(context.Background(), testInputs("BTC/USDT"))
	if err != nil {
		t.Fatal(err)
	}
	if art.Decision == nil {
		t.Fatal("expected fallback decision")
	}
	if art.Decision.CashReservePct != 100 || len(art.Decision.Decisions) != 0 {
		t.Errorf("fallback decision = %+v", art.Decision)
	}
}

func TestFallbackChainUsedForRole(t *testing.T) {
	t.Parallel()
	// Primary always 500s; fallback answers. The debate must complete and
	// the summary must credit the fallback.
	primary := &failingClient{name: "primary"}
	backup := &roleClient{name: "backup"}
	chain := llm.WithFallbacks(primary, backup)

	e := newEngine(chain, 1)
	art, err := e.Run(context.Background(), testInputs("BTC/USDT"))
	if err != nil {
		t.Fatal(err)
	}
	if art.Decision == nil || len(art.Decision.Decisions) != 1 {
		t.Fatalf("decision = %+v", art.Decision)
	}
	if !strings.Contains(art.Summary, "backup") {
		t.Errorf("summary %q does not credit the fallback", art.Summary)
	}
}

type failingClient struct{ name string }

func (f *failingClient) Name() string { return f.name }
func (f *failingClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	return "", &llm.Error{Kind: llm.KindServer, Provider: f.name, Err: fmt.Errorf("502")}
}

func TestSynthesisDiscardsUnanalysedSymbols(t *testing.T) {
	t.Parallel()
	client := &roleClient{
		name: "scripted",
		decisions: []types.PortfolioDecision{
			{Symbol: "BTC/USDT", Action: types.ActionLong, AllocationPct: 5, Leverage: 3},
			{Symbol: "XRP/USDT", Action: types.ActionLong, AllocationPct: 50, Leverage: 20}, // hallucinated
		},
	}
	e := newEngine(client, 1)

	art, err := e.Run(context.Background(), testInputs("BTC/USDT"))
	if err != nil {
		t.Fatal(err)
	}
	if len(art.Decision.Decisions) != 1 || art.Decision.Decisions[0].Symbol != "BTC/USDT" {
		t.Errorf("decisions = %+v", art.Decision.Decisions)
	}
}

func TestIdenticalPromptsHitCycleCache(t *testing.T) {
	t.Parallel()
	client := &roleClient{name: "scripted"}
	cache := llm.NewPromptCache()
	e := New(Config{
		Default:      client,
		Prompts:      defaultPrompts,
		PromptCache:  cache,
		MaxRounds:    1,
		PhaseTimeout: time.Second,
		Logger:       slog.New(slog.DiscardHandler),
	})

	in := testInputs("BTC/USDT")
	if _, err := e.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	calls := len(client.calls)

	// Same cache, same inputs: every call is served from memory.
	e2 := New(Config{
		Default: client, Prompts: defaultPrompts, PromptCache: cache,
		MaxRounds: 1, PhaseTimeout: time.Second, Logger: slog.New(slog.DiscardHandler),
	})
	if _, err := e2.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if len(client.calls) != calls {
		t.Errorf("cache miss: calls went %d → %d", calls, len(client.calls))
	}
}

func TestCancellationPropagates(t *testing.T) {
	t.Parallel()
	slow := &slowClient{}
	e := newEngine(slow, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Run(ctx, testInputs("BTC/USDT"))
	if err == nil {
		t.Fatal("expected cancellation")
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation took too long to propagate")
	}
}

type slowClient struct{}

func (s *slowClient) Name() string { return "slow" }
func (s *slowClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(10 * time.Second):
		return "{}", nil
	}
}
