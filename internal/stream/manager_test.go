package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
)

// fakeTransport records subscribe/unsubscribe calls and scripts failures.
type fakeTransport struct {
	mu         sync.Mutex
	subscribed map[string]int // "symbol/channel" → live count
	subCalls   int
	unsubCalls int
	failNext   map[string]int // remaining failures per key
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subscribed: make(map[string]int),
		failNext:   make(map[string]int),
	}
}

func key(symbol, channel string) string { return symbol + "/" + channel }

func (f *fakeTransport) Subscribe(ctx context.Context, symbol, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	k := key(symbol, channel)
	if f.failNext[k] > 0 {
		f.failNext[k]--
		return fmt.Errorf("subscribe %s: connection reset", k)
	}
	f.subscribed[k]++
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, symbol, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubCalls++
	delete(f.subscribed, key(symbol, channel))
	return nil
}

func (f *fakeTransport) liveCount(symbol, channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[key(symbol, channel)]
}

func newTestManager(tr Transport) *Manager {
	return NewManager(tr, slog.New(slog.DiscardHandler))
}

func TestReconcileSubscribesDesired(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	m := newTestManager(tr)

	stats := m.Reconcile(context.Background(), []string{"BTC/USDT", "ETH/USDT"})

	// 2 symbols × 2 channels.
	if stats.Active != 4 {
		t.Errorf("active = %d, want 4", stats.Active)
	}
	if got, _ := m.StateOf("BTC/USDT", "ticker"); got != StateActive {
		t.Errorf("state = %s, want active", got)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	m := newTestManager(tr)
	desired := []string{"BTC/USDT"}

	m.Reconcile(context.Background(), desired)
	first := tr.subCalls
	m.Reconcile(context.Background(), desired)

	if tr.subCalls != first {
		t.Errorf("second reconcile issued %d extra subscribes", tr.subCalls-first)
	}
	// Exactly one live subscription per pair.
	if n := tr.liveCount("BTC/USDT", "ticker"); n != 1 {
		t.Errorf("live count = %d, want 1", n)
	}
}

func TestReconcileUnsubscribesDropped(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	m := newTestManager(tr)

	m.Reconcile(context.Background(), []string{"BTC/USDT", "ETH/USDT"})
	stats := m.Reconcile(context.Background(), []string{"BTC/USDT"})

	if stats.Active != 2 {
		t.Errorf("active = %d, want 2", stats.Active)
	}
	if n := tr.liveCount("ETH/USDT", "ticker"); n != 0 {
		t.Error("dropped symbol still subscribed")
	}
	// Lock record released.
	if _, ok := m.StateOf("ETH/USDT", "ticker"); ok {
		t.Error("dropped pair still tracked")
	}
}

func TestFailedSubscriptionRetriedNextCycle(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	tr.failNext[key("ETH/USDT", "ticker")] = 1
	m := newTestManager(tr)

	stats := m.Reconcile(context.Background(), []string{"ETH/USDT"})
	if stats.FailedRetries != 1 {
		t.Errorf("failed_retries = %d, want 1", stats.FailedRetries)
	}
	if got, _ := m.StateOf("ETH/USDT", "ticker"); got != StateRetryScheduled {
		t.Errorf("state = %s, want retry_scheduled", got)
	}

	// Next cycle: the retry succeeds and the stat clears.
	stats = m.Reconcile(context.Background(), []string{"ETH/USDT"})
	if stats.FailedRetries != 0 {
		t.Errorf("failed_retries = %d after recovery, want 0", stats.FailedRetries)
	}
	if got, _ := m.StateOf("ETH/USDT", "ticker"); got != StateActive {
		t.Errorf("state = %s, want active", got)
	}
}

func TestSubscriptionDiesAfterMaxRetries(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	tr.failNext[key("DOGE/USDT", "ticker")] = 100
	tr.failNext[key("DOGE/USDT", "trades")] = 100
	m := newTestManager(tr)

	for i := 0; i < maxRetries+2; i++ {
		m.Reconcile(context.Background(), []string{"DOGE/USDT"})
	}
	if got, _ := m.StateOf("DOGE/USDT", "ticker"); got != StateDead {
		t.Errorf("state = %s, want dead", got)
	}
}

func TestDeadPairGarbageCollectedWhenUndesired(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	tr.failNext[key("DOGE/USDT", "ticker")] = 100
	tr.failNext[key("DOGE/USDT", "trades")] = 100
	m := newTestManager(tr)

	for i := 0; i < maxRetries; i++ {
		m.Reconcile(context.Background(), []string{"DOGE/USDT"})
	}
	m.Reconcile(context.Background(), nil)

	if _, ok := m.StateOf("DOGE/USDT", "ticker"); ok {
		t.Error("dead undesired pair not garbage-collected")
	}
}

func TestShutdownReleasesEverything(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	m := newTestManager(tr)

	m.Reconcile(context.Background(), []string{"BTC/USDT", "ETH/USDT"})
	m.Shutdown(context.Background())

	if len(tr.subscribed) != 0 {
		t.Errorf("still subscribed after shutdown: %v", tr.subscribed)
	}
	if m.countActive() != 0 {
		t.Error("active entries remain after shutdown")
	}
}

func TestConcurrentReconcilesKeepExclusivity(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	m := newTestManager(tr)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Reconcile(context.Background(), []string{"BTC/USDT"})
		}()
	}
	wg.Wait()

	if n := tr.liveCount("BTC/USDT", "ticker"); n != 1 {
		t.Errorf("live count = %d after concurrent reconciles, want 1", n)
	}
}
