package providers

import (
	"context"
	"errors"
	"fmt"
)

// DefaultMaxTokens is applied when a request does not set MaxTokens.
const DefaultMaxTokens = 4096

// Message is one turn of a conversation in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages  []Message
	System    string
	MaxTokens int
}

// Usage carries the token counts reported by a provider. Counts missing
// from an upstream response stay 0.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total is the billable token count for one exchange.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

type ChatResponse struct {
	Content string
	Usage   Usage
}

// StreamEvent is a tagged item delivered during a streaming chat: either a
// text delta, or exactly one terminal usage event when the stream completes.
type StreamEvent struct {
	Delta string
	Usage *Usage
}

// EmitFunc receives stream events in order. Returning an error tells the
// client the consumer is gone; the client stops reading upstream and
// returns whatever content it accumulated so far.
type EmitFunc func(StreamEvent) error

// Client is the uniform capability every LLM backend normalizes to. Each
// client owns one lazily-created HTTP transport, reused across calls.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream drives emit with deltas and a final usage event, and also
	// returns the accumulated full response for persistence.
	ChatStream(ctx context.Context, req ChatRequest, emit EmitFunc) (ChatResponse, error)
	// Available reports whether the backend can serve requests. Hosted
	// variants check credential presence; the local variant probes the host.
	Available(ctx context.Context) bool
	Name() string
}

var (
	// ErrAuthentication marks a bad or missing credential. Configuration
	// problem, never retried.
	ErrAuthentication = errors.New("authentication failed")
	// ErrRateLimited marks upstream throttling. Surfaced as-is, no backoff.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrStreamInterrupted marks a consumer disconnect mid-stream. The
	// response returned alongside it holds the partial content.
	ErrStreamInterrupted = errors.New("stream interrupted by consumer")
)

// APIError is a generic upstream failure that is neither an authentication
// nor a throttling problem.
type APIError struct {
	Provider string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
}

// StatusError maps a non-2xx HTTP status to the provider error taxonomy.
func StatusError(provider string, status int, message string) error {
	switch status {
	case 401, 403:
		return fmt.Errorf("%s: %w", provider, ErrAuthentication)
	case 429:
		return fmt.Errorf("%s: %w", provider, ErrRateLimited)
	default:
		return &APIError{Provider: provider, Status: status, Message: message}
	}
}
