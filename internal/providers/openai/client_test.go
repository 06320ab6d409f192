package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"embedchat/internal/providers"
)

func TestChatParsesChoiceAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Hello"}}],"usage":{"prompt_tokens":10,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "Hello" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 2 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestChatMissingKey(t *testing.T) {
	c := New(Config{})
	_, err := c.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, providers.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestChatRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, providers.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestChatUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "bad", BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, providers.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestChatStreamParsesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload["stream"] != true {
			t.Errorf("expected stream=true, got %#v", payload["stream"])
		}
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"Hel"}}]}

data: {"choices":[{"delta":{"content":"lo"}}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":3}}

data: [DONE]
`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	var deltas []string
	var usageEvents int
	var usage providers.Usage
	resp, err := c.ChatStream(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, func(ev providers.StreamEvent) error {
		if ev.Usage != nil {
			usageEvents++
			usage = *ev.Usage
			return nil
		}
		deltas = append(deltas, ev.Delta)
		return nil
	})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	if resp.Content != "Hello" {
		t.Fatalf("unexpected accumulated content %q", resp.Content)
	}
	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %#v", deltas)
	}
	if usageEvents != 1 {
		t.Fatalf("expected exactly one terminal usage event, got %d", usageEvents)
	}
	if usage.InputTokens != 9 || usage.OutputTokens != 3 {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func TestChatStreamUsageInTrailingChunk(t *testing.T) {
	// With stream_options.include_usage the totals arrive in a chunk of
	// their own, after finish_reason, with an empty choices array. The
	// terminal event must carry them.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"Hel"}}]}

data: {"choices":[{"delta":{"content":"lo"}}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}]}

data: {"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2}}

data: [DONE]
`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	var terminal []providers.Usage
	resp, err := c.ChatStream(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, func(ev providers.StreamEvent) error {
		if ev.Usage != nil {
			terminal = append(terminal, *ev.Usage)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	if len(terminal) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", len(terminal))
	}
	if terminal[0].InputTokens != 10 || terminal[0].OutputTokens != 2 {
		t.Fatalf("terminal event lost trailing usage: %+v", terminal[0])
	}
	if resp.Usage != terminal[0] {
		t.Fatalf("returned usage %+v disagrees with emitted %+v", resp.Usage, terminal[0])
	}
}

func TestChatStreamEmitsUsageWithoutFinishReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"hi"}}]}

data: [DONE]
`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	terminal := 0
	if _, err := c.ChatStream(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, func(ev providers.StreamEvent) error {
		if ev.Usage != nil {
			terminal++
		}
		return nil
	}); err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	if terminal != 1 {
		t.Fatalf("expected one terminal event, got %d", terminal)
	}
}

func TestChatStreamConsumerDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"par"}}]}

data: {"choices":[{"delta":{"content":"tial"}}]}
`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	resp, err := c.ChatStream(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, func(providers.StreamEvent) error {
		return errors.New("gone")
	})
	if !errors.Is(err, providers.ErrStreamInterrupted) {
		t.Fatalf("expected ErrStreamInterrupted, got %v", err)
	}
	if resp.Content != "par" {
		t.Fatalf("expected partial content, got %q", resp.Content)
	}
}
