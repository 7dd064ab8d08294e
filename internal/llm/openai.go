// openai.go implements the Client over any OpenAI-compatible chat endpoint
// via the official SDK. A base_url in the config points the same provider at
// self-hosted or third-party compatible deployments.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"aitrader/pkg/types"
)

// OpenAI is the chat-completions provider.
type OpenAI struct {
	client openai.Client
	model  string
	name   string
}

// NewOpenAI builds the provider from a durable LLM config.
func NewOpenAI(cfg types.LLMConfig) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  cfg.ModelName,
		name:   cfg.ID,
	}
}

// Name implements Client.
func (o *OpenAI) Name() string { return o.name }

// Complete implements Client. JSON mode pins the response to a single JSON
// value; the schema itself travels in the system prompt. DecodeInto decodes
// the reply into the caller's type; it does not check the schema's required
// fields or enums.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       o.model,
		Temperature: openai.Float(req.Temperature),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(withSchema(req.System, req.Schema)),
			openai.UserMessage(req.Prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", o.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Kind: KindServer, Provider: o.name, Err: fmt.Errorf("no choices returned")}
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
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
		return &Error{Kind: kind, Provider: o.name, Err: err}
	}
	return &Error{Kind: KindUnknown, Provider: o.name, Err: err}
}

// withSchema appends the output contract to the system prompt.
func withSchema(system, schema string) string {
	if schema == "" {
		return system
	}
	return system + "\n\nRespond with a single JSON value matching this schema, and nothing else:\n" + schema
}
