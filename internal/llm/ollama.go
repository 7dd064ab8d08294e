// ollama.go implements the Client over a local Ollama server's /api/chat.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"aitrader/pkg/types"
)

const ollamaDefaultBaseURL = "http://localhost:11434"

// Ollama talks to a local model server. No API key; format=json pins the
// response to a single JSON value.
type Ollama struct {
	http  *resty.Client
	model string
	name  string
}

// NewOllama builds the provider from a durable LLM config.
func NewOllama(cfg types.LLMConfig) *Ollama {
	base := cfg.BaseURL
	if base == "" {
		base = ollamaDefaultBaseURL
	}
	httpClient := resty.New().
		SetBaseURL(base).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return r.StatusCode() >= 500
		})

	return &Ollama{
		http:  httpClient,
		model: cfg.ModelName,
		name:  cfg.ID,
	}
}

// Name implements Client.
func (o *Ollama) Name() string { return o.name }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Format   string          `json:"format,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error,omitempty"`
}

// Complete implements Client.
func (o *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	body := ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: withSchema(req.System, req.Schema)},
			{Role: "user", Content: req.Prompt},
		},
		Format: "json",
		Stream: false,
		Options: map[string]any{
			"temperature": req.Temperature,
		},
	}

	var result ollamaChatResponse
	resp, err := o.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/api/chat")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", &Error{Kind: KindUnknown, Provider: o.name, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		kind := KindServer
		if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
			kind = KindBadRequest
		}
		return "", &Error{Kind: kind, Provider: o.name,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}
	if result.Error != "" {
		return "", &Error{Kind: KindServer, Provider: o.name, Err: fmt.Errorf("%s", result.Error)}
	}
	return result.Message.Content, nil
}
