// anthropic.go implements the Client over the Anthropic Messages API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"aitrader/pkg/types"
)

const anthropicDefaultMaxTokens = 4096

// Anthropic is the Messages API provider.
type Anthropic struct {
	client anthropic.Client
	model  string
	name   string
}

// NewAnthropic builds the provider from a durable LLM config.
func NewAnthropic(cfg types.LLMConfig) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  cfg.ModelName,
		name:   cfg.ID,
	}
}

// Name implements Client.
func (a *Anthropic) Name() string { return a.name }

// Complete implements Client.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		System: []anthropic.TextBlockParam{
			{Text: withSchema(req.System, req.Schema)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return "", a.classify(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &Error{Kind: KindServer, Provider: a.name, Err: fmt.Errorf("empty response")}
	}
	return sb.String(), nil
}

func (a *Anthropic) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind := KindUnknown
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			kind = KindAuth
		case apiErr.StatusCode == 429:
			kind = KindRateLimited
		case apiErr.StatusCode >= 500:
			kind = KindServer
		case apiErr.StatusCode >= 400:
			kind = KindBadRequest
		}
		return &Error{Kind: kind, Provider: a.name, Err: err}
	}
	return &Error{Kind: KindUnknown, Provider: a.name, Err: err}
}
