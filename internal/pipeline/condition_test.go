package pipeline

import "testing"

func testResolver(fields map[string]any) Resolver {
	return func(name string) (any, bool) {
		v, ok := fields[name]
		return v, ok
	}
}

func TestEvalCondition(t *testing.T) {
	t.Parallel()
	fields := map[string]any{
		"quant_score":  75.0,
		"balance":      1000.0,
		"mode":         "paper",
		"has_decision": true,
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"", true}, // unconditional edge
		{"quant_score >= 50", true},
		{"quant_score > 75", false},
		{"quant_score == 75", true},
		{"quant_score != 75", false},
		{"balance < 500", false},
		{"mode == 'paper'", true},
		{"mode != \"live\"", true},
		{"quant_score >= 50 && balance > 500", true},
		{"quant_score >= 80 || balance > 500", true},
		{"quant_score >= 80 && balance > 500", false},
		{"(quant_score >= 80 || balance > 500) && mode == 'paper'", true},
		{"has_decision", true},
		{"has_decision == true", true},
		{"missing_field == 5", false},
		{"missing_field != 5", true}, // absent value is not equal to anything
	}

	for _, tc := range cases {
		got, err := EvalCondition(tc.expr, testResolver(fields))
		if err != nil {
			t.Errorf("%q: unexpected error %v", tc.expr, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvalConditionMalformed(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{
		"quant_score >=",
		"(balance > 1",
		"mode >= 'paper'", // ordered comparison on strings
		"balance > 1 extra",
	} {
		if _, err := EvalCondition(expr, testResolver(map[string]any{"mode": "paper"})); err == nil {
			t.Errorf("%q: expected error", expr)
		}
	}
}

func TestSymbolScopedFields(t *testing.T) {
	t.Parallel()
	fields := map[string]any{
		"runs.BTC/USDT.quant_score": 62.5,
	}
	got, err := EvalCondition("runs.BTC/USDT.quant_score > 50", testResolver(fields))
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("symbol-scoped field did not resolve")
	}
}
