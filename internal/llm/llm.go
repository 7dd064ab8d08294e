// Package llm adapts the LLM providers behind one structured-output client.
//
// A Client turns a prompt plus a JSON schema into a typed record. Providers
// covered: OpenAI-compatible chat endpoints (including any base_url+api_key
// deployment), Anthropic Messages, and local Ollama. Calls are wrapped as
// primary → fallbacks → timeout: the fallback chain absorbs provider
// outages, and the per-phase timeout turns a hung call into a typed error
// the debate engine can pattern-match for its safe fallbacks.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the parseable taxonomy every provider error maps onto.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"      // deadline hit; fallback already tried
	KindRateLimited ErrorKind = "rate_limited" // 429
	KindAuth        ErrorKind = "auth"         // 401/403, bad key
	KindBadRequest  ErrorKind = "bad_request"  // 4xx other than auth/429
	KindServer      ErrorKind = "server"       // 5xx
	KindBadOutput   ErrorKind = "bad_output"   // response did not match the schema
	KindUnknown     ErrorKind = "unknown"
)

// Error is a classified provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from any error in a wrap chain.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Request is one structured completion.
type Request struct {
	System      string  // role instructions (opaque prompt content)
	Prompt      string  // user content
	Schema      string  // JSON schema the output must satisfy
	Temperature float64 // 0 by default: decisions must be reproducible
	MaxTokens   int     // 0 selects the provider default
}

// Client is one LLM endpoint. Complete returns the raw model text; decoding
// into the typed record happens in DecodeInto so every provider shares the
// same repair path.
type Client interface {
	// Name identifies the endpoint for logs and debate artifacts.
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// WithTimeout wraps a client so every call carries its own deadline.
// Expiry surfaces as KindTimeout.
func WithTimeout(c Client, timeout time.Duration) Client {
	return &timeoutClient{inner: c, timeout: timeout}
}

type timeoutClient struct {
	inner   Client
	timeout time.Duration
}

func (t *timeoutClient) Name() string { return t.inner.Name() }

func (t *timeoutClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.inner.Complete(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded {
		return "", &Error{Kind: KindTimeout, Provider: t.inner.Name(), Err: err}
	}
	return out, err
}

// WithFallbacks chains clients: each is tried in order until one succeeds.
// Cancellation of the parent context stops the chain immediately; every
// other failure moves on to the next client. The name of the client that
// answered is reported so debate artifacts can show which model spoke.
func WithFallbacks(primary Client, fallbacks ...Client) Client {
	return &fallbackClient{chain: append([]Client{primary}, fallbacks...)}
}

type fallbackClient struct {
	chain []Client
}

func (f *fallbackClient) Name() string { return f.chain[0].Name() }

func (f *fallbackClient) Complete(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for _, c := range f.chain {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		out, err := c.Complete(ctx, req)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// CompleteWith runs a request through the chain and reports the responder
// name alongside the output.
func CompleteWith(ctx context.Context, c Client, req Request) (out, responder string, err error) {
	if fc, ok := c.(*fallbackClient); ok {
		var lastErr error
		for _, member := range fc.chain {
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			out, err := member.Complete(ctx, req)
			if err == nil {
				return out, member.Name(), nil
			}
			if errors.Is(err, context.Canceled) {
				return "", "", err
			}
			lastErr = err
		}
		return "", "", lastErr
	}
	out, err = c.Complete(ctx, req)
	return out, c.Name(), err
}
