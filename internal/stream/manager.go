// manager.go reconciles the live subscription set against the symbols the
// bot actually needs each cycle.
//
// Desired set D = symbols_trading ∪ position symbols, expanded to
// (symbol, channel) pairs for every watched channel. Each pair owns a small
// state machine (pending → active → failed → retry_scheduled → active|dead)
// and its own mutex so two reconcile passes can never race a connect against
// a disconnect on the same pair. Pairs that leave both the active and failed
// sets have their lock records garbage-collected during the pass.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Channels every trading symbol is subscribed on.
var DefaultChannels = []string{"ticker", "trades"}

// State is the lifecycle state of one subscription.
type State string

const (
	StatePending        State = "pending"
	StateActive         State = "active"
	StateFailed         State = "failed"
	StateRetryScheduled State = "retry_scheduled"
	StateDead           State = "dead"
)

// maxRetries before a subscription is declared dead and stops being retried.
const maxRetries = 5

type subKey struct {
	Symbol  string
	Channel string
}

// subscription is the tracked record for one (symbol, channel) pair.
// mu guards state transitions only; it is never held across the wire call's
// full duration by anyone but the transitioning goroutine.
type subscription struct {
	mu      sync.Mutex
	state   State
	retries int
}

// Stats is the reconcile summary exposed to the status publisher.
type Stats struct {
	Active          int       `json:"active"`
	FailedRetries   int       `json:"failed_retries"`
	LastReconcileAt time.Time `json:"last_reconcile_at"`
}

// Manager owns the subscription table for one bot worker.
type Manager struct {
	transport Transport
	channels  []string
	logger    *slog.Logger

	mu   sync.Mutex // guards the table itself (add/remove), not entries
	subs map[subKey]*subscription

	statsMu sync.Mutex
	stats   Stats
}

// NewManager creates a manager over a transport (normally a *Feed).
func NewManager(transport Transport, logger *slog.Logger) *Manager {
	return &Manager{
		transport: transport,
		channels:  DefaultChannels,
		subs:      make(map[subKey]*subscription),
		logger:    logger.With("component", "subscriptions"),
	}
}

// Reconcile drives the subscription table toward the desired symbol set.
// It is idempotent: reconciling the same set twice is a no-op. Returns the
// post-pass stats.
func (m *Manager) Reconcile(ctx context.Context, desired []string) Stats {
	want := make(map[subKey]bool, len(desired)*len(m.channels))
	for _, sym := range desired {
		for _, ch := range m.channels {
			want[subKey{Symbol: sym, Channel: ch}] = true
		}
	}

	// Collect work under the table lock, transition outside it.
	m.mu.Lock()
	var toSubscribe, toUnsubscribe []subKey
	for key := range want {
		sub, ok := m.subs[key]
		if !ok {
			m.subs[key] = &subscription{state: StatePending}
			toSubscribe = append(toSubscribe, key)
			continue
		}
		switch sub.state {
		case StateFailed, StateRetryScheduled:
			toSubscribe = append(toSubscribe, key) // previously-failed: retry
		}
	}
	for key, sub := range m.subs {
		if !want[key] {
			if sub.state == StateActive || sub.state == StatePending {
				toUnsubscribe = append(toUnsubscribe, key)
			} else {
				// Not live and not wanted: drop the lock record so the
				// table cannot grow without bound.
				delete(m.subs, key)
			}
		}
	}
	m.mu.Unlock()

	failedRetries := 0
	for _, key := range toSubscribe {
		if ctx.Err() != nil {
			break
		}
		if !m.subscribeOne(ctx, key) {
			failedRetries++
		}
	}
	for _, key := range toUnsubscribe {
		m.unsubscribeOne(ctx, key)
	}

	stats := Stats{
		Active:          m.countActive(),
		FailedRetries:   failedRetries,
		LastReconcileAt: time.Now().UTC(),
	}
	m.statsMu.Lock()
	m.stats = stats
	m.statsMu.Unlock()
	return stats
}

// subscribeOne attempts a single subscription under the entry lock.
// Reports whether the pair ended up active.
func (m *Manager) subscribeOne(ctx context.Context, key subKey) bool {
	m.mu.Lock()
	sub, ok := m.subs[key]
	m.mu.Unlock()
	if !ok {
		return false
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.state == StateActive || sub.state == StateDead {
		return sub.state == StateActive
	}

	if err := m.transport.Subscribe(ctx, key.Symbol, key.Channel); err != nil {
		sub.retries++
		if sub.retries >= maxRetries {
			sub.state = StateDead
			m.logger.Error("subscription dead after retries",
				"symbol", key.Symbol, "channel", key.Channel, "retries", sub.retries)
		} else {
			sub.state = StateRetryScheduled
			m.logger.Warn("subscribe failed, will retry next reconcile",
				"symbol", key.Symbol, "channel", key.Channel, "error", err)
		}
		return false
	}

	sub.state = StateActive
	sub.retries = 0
	return true
}

func (m *Manager) unsubscribeOne(ctx context.Context, key subKey) {
	m.mu.Lock()
	sub, ok := m.subs[key]
	m.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	if sub.state == StateActive || sub.state == StatePending {
		if err := m.transport.Unsubscribe(ctx, key.Symbol, key.Channel); err != nil {
			m.logger.Warn("unsubscribe failed",
				"symbol", key.Symbol, "channel", key.Channel, "error", err)
		}
	}
	sub.mu.Unlock()

	// Release the lock record: the pair left the desired set.
	m.mu.Lock()
	delete(m.subs, key)
	m.mu.Unlock()
}

func (m *Manager) countActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sub := range m.subs {
		sub.mu.Lock()
		if sub.state == StateActive {
			n++
		}
		sub.mu.Unlock()
	}
	return n
}

// Stats returns the summary from the latest reconcile pass.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// StateOf reports the state of one pair (for tests and diagnostics).
func (m *Manager) StateOf(symbol, channel string) (State, bool) {
	m.mu.Lock()
	sub, ok := m.subs[subKey{Symbol: symbol, Channel: channel}]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state, true
}

// Shutdown cancels every live subscription. Called when the worker stops.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	keys := make([]subKey, 0, len(m.subs))
	for key := range m.subs {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.unsubscribeOne(ctx, key)
	}
}
