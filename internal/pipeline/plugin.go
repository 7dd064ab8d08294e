// Package pipeline executes a bot's workflow graph over its CycleState.
//
// A workflow is a DAG of named plugins. At the start of each cycle the
// runtime freezes a Snapshot of the graph, then walks it in topological
// order: each node transforms the state, the runtime checkpoints the result,
// and conditional edges decide which branches stay live. Node failures carry
// a kind — Recoverable failures are recorded into the state and the default
// edges keep the cycle alive; Fatal failures abort it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aitrader/internal/cache"
	"aitrader/internal/debate"
	"aitrader/internal/exchange"
	"aitrader/internal/llm"
	"aitrader/internal/marketdata"
	"aitrader/internal/store"
	"aitrader/internal/stream"
	"aitrader/pkg/types"
)

// FailKind separates failures the cycle can absorb from ones that end it.
type FailKind string

const (
	Recoverable FailKind = "recoverable"
	Fatal       FailKind = "fatal"
)

// Failure is a typed node failure. Anything else a plugin returns is treated
// as Recoverable.
type Failure struct {
	Kind FailKind
	Err  error
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %v", f.Kind, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

// Fail wraps an error with an explicit kind.
func Fail(kind FailKind, format string, args ...any) error {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies any error a plugin returned. Context cancellation is
// never absorbed; it propagates as cancellation, not as a node failure.
func KindOf(err error) FailKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return Recoverable
}

// Metadata describes a registered plugin.
type Metadata struct {
	Name           string // registry key and workflow node reference
	DisplayName    string
	Category       string // "data", "filter", "decision", "execution"
	InsertAfter    string // suggested predecessor for the workflow editor
	SuggestedOrder int
	RequiresLLM    bool
	RequiresTrader bool
}

// Plugin is a hot-swappable pipeline node: metadata plus a transformation
// over CycleState. Run mutates the state it is given; the runtime owns
// checkpointing the result. Plugins must honour ctx at every suspension.
type Plugin interface {
	Metadata() Metadata
	Run(ctx context.Context, state *types.CycleState, pctx *Context) error
}

// Context threads the worker's collaborators into each node. One Context is
// built per cycle; NodeConfig is swapped in per node by the runner.
type Context struct {
	Exchange    exchange.Adapter
	Market      *marketdata.Poller
	Cache       *cache.Cache
	CacheTTL    func(namespace string) time.Duration
	Session     *store.Session
	Streams     *stream.Manager
	LLM         *llm.Factory
	PromptCache *llm.PromptCache
	Prompts     debate.Prompts

	// Debate tuning from process config.
	DebateMaxRounds   int
	DebateTimeout     time.Duration
	TradeHistoryLimit int

	// NodeConfig is the opaque config map of the node currently running.
	NodeConfig map[string]any

	Logger *slog.Logger
}

// NodeTimeout reads the node-level "timeout_s" override, 0 when unset.
func (c *Context) NodeTimeout() time.Duration {
	if c.NodeConfig == nil {
		return 0
	}
	if v, ok := c.NodeConfig["timeout_s"]; ok {
		switch n := v.(type) {
		case float64:
			return time.Duration(n) * time.Second
		case int:
			return time.Duration(n) * time.Second
		}
	}
	return 0
}

// Constructor builds a plugin instance. The registry maps names to
// constructors so workflows bind plugins late, by name.
type Constructor func() Plugin

// Registry is the name → constructor map populated at startup. It is built
// once, injected where needed, and read-only afterwards.
type Registry struct {
	constructors map[string]Constructor
	order        []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a plugin constructor. Registering a duplicate name panics:
// it is a programming error caught at startup, not a runtime condition.
func (r *Registry) Register(name string, c Constructor) {
	if _, dup := r.constructors[name]; dup {
		panic("pipeline: duplicate plugin " + name)
	}
	r.constructors[name] = c
	r.order = append(r.order, name)
}

// New instantiates a plugin by name.
func (r *Registry) New(name string) (Plugin, error) {
	c, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", name)
	}
	return c(), nil
}

// Names lists registered plugins in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// SyncNodeConfigs proposes node_configs rows for every registered plugin.
// Runs at startup; workflows themselves are never touched here, so a
// user-edited graph stays exactly as the user left it.
func (r *Registry) SyncNodeConfigs(ctx context.Context, se *store.Session) error {
	for _, name := range r.order {
		p, err := r.New(name)
		if err != nil {
			return err
		}
		md := p.Metadata()
		err = se.SyncNodeConfig(ctx, store.NodeConfig{
			PluginName:     md.Name,
			DisplayName:    md.DisplayName,
			Category:       md.Category,
			SuggestedOrder: md.SuggestedOrder,
			RequiresLLM:    md.RequiresLLM,
			RequiresTrader: md.RequiresTrader,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
