package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"aitrader/pkg/types"
)

func testStore(t *testing.T) *Session {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.NewSession()
}

func testBot(id string) types.BotConfig {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return types.BotConfig{
		ID:                   id,
		Name:                 "bot-" + id,
		ExchangeID:           "binance-main",
		WorkflowID:           "wf-default",
		TradingMode:          types.ModePaper,
		CycleIntervalSec:     60,
		MaxConcurrentSymbols: 3,
		Timeframes:           []string{"3m", "4h"},
		OHLCVLimits:          map[string]int{"3m": 100, "4h": 50},
		QuantWeights:         types.QuantWeights{Trend: 0.4, Momentum: 0.3, Volume: 0.2, Sentiment: 0.1},
		QuantThreshold:       50,
		Risk: types.RiskLimits{
			MaxTotalAllocationPct:  80,
			MaxSingleAllocationPct: 30,
			MaxLeverage:            10,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestBotRoundTrip(t *testing.T) {
	t.Parallel()
	se := testStore(t)
	ctx := context.Background()

	want := testBot("b1")
	if err := se.CreateBot(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err := se.GetBot(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != want.Name || got.QuantThreshold != want.QuantThreshold {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.Risk.MaxSingleAllocationPct != 30 {
		t.Errorf("risk limits lost in round trip: %+v", got.Risk)
	}
	if got.OHLCVLimits["3m"] != 100 {
		t.Errorf("ohlcv limits lost: %v", got.OHLCVLimits)
	}
}

func TestGetBotNotFound(t *testing.T) {
	t.Parallel()
	se := testStore(t)

	if _, err := se.GetBot(context.Background(), "nope"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateBotVisibleOnReread(t *testing.T) {
	t.Parallel()
	se := testStore(t)
	ctx := context.Background()

	cfg := testBot("b1")
	if err := se.CreateBot(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	cfg.QuantThreshold = 75
	if err := se.UpdateBot(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := se.GetBot(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if got.QuantThreshold != 75 {
		t.Errorf("threshold = %v after update, want 75", got.QuantThreshold)
	}
}

func TestSchemaInitIsIdempotent(t *testing.T) {
	t.Parallel()
	// A file-backed DB exercises the fast-path probe on the second open.
	path := filepath.Join(t.TempDir(), "trader.db")
	dsn := "file:" + path

	s1, err := Open(dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.NewSession().CreateBot(context.Background(), testBot("b1")); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(dsn)
	if err != nil {
		t.Fatalf("second open re-ran DDL badly: %v", err)
	}
	defer s2.Close()

	if _, err := s2.NewSession().GetBot(context.Background(), "b1"); err != nil {
		t.Errorf("data lost across reopen: %v", err)
	}
}

func TestWorkflowSaveIsAtomicAndReadable(t *testing.T) {
	t.Parallel()
	se := testStore(t)
	ctx := context.Background()

	wf := types.Workflow{
		ID:   "wf1",
		Name: "default",
		Nodes: []types.WorkflowNode{
			{ID: "n1", PluginName: "coins_pick", ExecutionOrder: 1, Enabled: true},
			{ID: "n2", PluginName: "market_state", ExecutionOrder: 2, Enabled: true,
				Config: map[string]any{"timeframes": []any{"3m"}}},
		},
		Edges: []types.WorkflowEdge{
			{ID: "e1", From: "n1", To: "n2"},
		},
	}
	if err := se.SaveWorkflow(ctx, wf, false); err != nil {
		t.Fatal(err)
	}

	got, err := se.GetWorkflow(ctx, "wf1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Nodes) != 2 || len(got.Edges) != 1 {
		t.Fatalf("got %d nodes, %d edges", len(got.Nodes), len(got.Edges))
	}
	if got.Nodes[0].PluginName != "coins_pick" {
		t.Errorf("nodes out of order: %v", got.Nodes[0])
	}
}

func TestAutoSyncSkipsUserEditedWorkflow(t *testing.T) {
	t.Parallel()
	se := testStore(t)
	ctx := context.Background()

	wf := types.Workflow{ID: "wf1", Name: "mine", UserEdited: true,
		Nodes: []types.WorkflowNode{{ID: "n1", PluginName: "coins_pick", ExecutionOrder: 1, Enabled: true}},
	}
	if err := se.SaveWorkflow(ctx, wf, false); err != nil {
		t.Fatal(err)
	}

	overwrite := types.Workflow{ID: "wf1", Name: "auto",
		Nodes: []types.WorkflowNode{{ID: "x", PluginName: "execution", ExecutionOrder: 1, Enabled: true}},
	}
	if err := se.SaveWorkflow(ctx, overwrite, true); err != nil {
		t.Fatal(err)
	}

	got, err := se.GetWorkflow(ctx, "wf1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "mine" || got.Nodes[0].PluginName != "coins_pick" {
		t.Errorf("auto-sync overwrote a user-edited workflow: %+v", got)
	}
}

func TestSystemConfigRoundTrip(t *testing.T) {
	t.Parallel()
	se := testStore(t)
	ctx := context.Background()

	if _, ok, _ := se.GetSystemConfig(ctx, "k"); ok {
		t.Fatal("unexpected value before set")
	}
	if err := se.SetSystemConfig(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := se.SetSystemConfig(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	val, ok, err := se.GetSystemConfig(ctx, "k")
	if err != nil || !ok || val != "v2" {
		t.Errorf("got %q ok=%v err=%v, want v2", val, ok, err)
	}
}

func TestSessionRefreshKeepsWorking(t *testing.T) {
	t.Parallel()
	se := testStore(t)
	ctx := context.Background()

	if err := se.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if err := se.CreateBot(ctx, testBot("b1")); err != nil {
		t.Errorf("session unusable after refresh: %v", err)
	}
}
