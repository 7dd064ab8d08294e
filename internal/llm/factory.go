package llm

import (
	"context"
	"fmt"

	"aitrader/pkg/types"
)

// ConfigSource resolves LLM config IDs from the durable store.
type ConfigSource interface {
	GetLLM(ctx context.Context, id string) (types.LLMConfig, error)
}

// Factory builds provider clients from durable configs and assembles the
// primary → with_fallbacks(...) chain. One factory is created at startup and
// threaded through the plugin context; built clients are memoised per ID.
type Factory struct {
	source  ConfigSource
	clients map[string]Client
}

// NewFactory creates a factory over a config source.
func NewFactory(source ConfigSource) *Factory {
	return &Factory{
		source:  source,
		clients: make(map[string]Client),
	}
}

// Client resolves one endpoint (no fallback chain). Not safe for concurrent
// use during resolution; the worker resolves its clients before fanning out.
func (f *Factory) Client(ctx context.Context, id string) (Client, error) {
	if c, ok := f.clients[id]; ok {
		return c, nil
	}
	cfg, err := f.source.GetLLM(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve llm %s: %w", id, err)
	}
	c, err := build(cfg)
	if err != nil {
		return nil, err
	}
	f.clients[id] = c
	return c, nil
}

// Chain resolves an endpoint together with its configured fallbacks.
func (f *Factory) Chain(ctx context.Context, id string) (Client, error) {
	primary, err := f.Client(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg, err := f.source.GetLLM(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(cfg.FallbackIDs) == 0 {
		return primary, nil
	}

	fallbacks := make([]Client, 0, len(cfg.FallbackIDs))
	for _, fid := range cfg.FallbackIDs {
		fb, err := f.Client(ctx, fid)
		if err != nil {
			return nil, fmt.Errorf("resolve fallback %s for %s: %w", fid, id, err)
		}
		fallbacks = append(fallbacks, fb)
	}
	return WithFallbacks(primary, fallbacks...), nil
}

func build(cfg types.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "openai", "custom":
		// "custom" is any OpenAI-compatible endpoint selected by base_url.
		return NewOpenAI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "ollama":
		return NewOllama(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q (id %s)", cfg.Provider, cfg.ID)
	}
}
