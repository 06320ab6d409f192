package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"embedchat/internal/providers"
)

func TestChatParsesContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("unexpected api key header %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != apiVersion {
			t.Errorf("unexpected version header %q", got)
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Hello"}],"usage":{"input_tokens":11,"output_tokens":6}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
		System:   "be brief",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "Hello" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.Usage.InputTokens != 11 || resp.Usage.OutputTokens != 6 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestChatConcatenatesContentBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Hel"},{"type":"text","text":"lo"}],"usage":{"input_tokens":1,"output_tokens":2}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "Hello" {
		t.Fatalf("expected all text blocks joined, got %q", resp.Content)
	}
}

func TestChatSystemIsTopLevelField(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"content":[{"text":"ok"}],"usage":{}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	if _, err := c.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
		System:   "be brief",
	}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if payload["system"] != "be brief" {
		t.Fatalf("expected top-level system field, got %#v", payload["system"])
	}
	msgs, ok := payload["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("system prompt must not appear among messages: %#v", payload["messages"])
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

func TestChatStreamParsesEventTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":12}}}

event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}

event: message_delta
data: {"type":"message_delta","usage":{"output_tokens":4}}

event: message_stop
data: {"type":"message_stop"}
`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	var deltas []string
	var usage *providers.Usage
	resp, err := c.ChatStream(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, func(ev providers.StreamEvent) error {
		if ev.Usage != nil {
			usage = ev.Usage
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
	if usage == nil || usage.InputTokens != 12 || usage.OutputTokens != 4 {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func TestChatStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`event: error
data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}
`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.ChatStream(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, func(providers.StreamEvent) error { return nil })
	var apiErr *providers.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "overloaded" {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
}

func TestChatStreamConsumerDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`data: {"type":"content_block_delta","delta":{"text":"par"}}

data: {"type":"content_block_delta","delta":{"text":"tial"}}
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
