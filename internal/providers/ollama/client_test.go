package ollama

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
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload["stream"] != false {
			t.Errorf("expected stream=false, got %#v", payload["stream"])
		}
		_, _ = w.Write([]byte(`{"message":{"content":"Hello"},"prompt_eval_count":7,"eval_count":5,"done":true}`))
	}))
	defer srv.Close()

	c := New(Config{Host: srv.URL})
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
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestChatSystemPromptBecomesLeadingMessage(t *testing.T) {
	var got struct {
		Messages []providers.Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"message":{"content":"ok"},"done":true}`))
	}))
	defer srv.Close()

	c := New(Config{Host: srv.URL})
	if _, err := c.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
		System:   "be brief",
	}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != "system" || got.Messages[0].Content != "be brief" {
		t.Fatalf("expected leading system message, got %#v", got.Messages[0])
	}
}

func TestChatStreamAccumulatesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":"Hel"},"done":false}
not json at all
{"message":{"content":"lo"},"done":false}
{"message":{"content":""},"done":true,"prompt_eval_count":8,"eval_count":4}
`))
	}))
	defer srv.Close()

	c := New(Config{Host: srv.URL})
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
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Fatalf("unexpected deltas %#v", deltas)
	}
	if usage == nil || usage.InputTokens != 8 || usage.OutputTokens != 4 {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func TestChatStreamTerminalEventWithoutDoneChunk(t *testing.T) {
	// A stream that ends cleanly without a done chunk must still deliver
	// exactly one terminal usage event, even if the counts are unknown.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":"Hel"},"done":false}
{"message":{"content":"lo"},"done":false}
`))
	}))
	defer srv.Close()

	c := New(Config{Host: srv.URL})
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
	if resp.Content != "Hello" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if len(terminal) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", len(terminal))
	}
	if terminal[0].Total() != 0 {
		t.Fatalf("usage should be zero when the upstream never reported it, got %+v", terminal[0])
	}
}

func TestChatStreamConsumerDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":"par"},"done":false}
{"message":{"content":"tial"},"done":false}
{"message":{"content":" more"},"done":false}
`))
	}))
	defer srv.Close()

	c := New(Config{Host: srv.URL})
	calls := 0
	resp, err := c.ChatStream(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, func(providers.StreamEvent) error {
		calls++
		if calls == 2 {
			return errors.New("client went away")
		}
		return nil
	})
	if !errors.Is(err, providers.ErrStreamInterrupted) {
		t.Fatalf("expected ErrStreamInterrupted, got %v", err)
	}
	if resp.Content != "partial" {
		t.Fatalf("expected accumulated partial content, got %q", resp.Content)
	}
}

func TestChatUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	c := New(Config{Host: srv.URL})
	_, err := c.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	var apiErr *providers.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusInternalServerError || apiErr.Message != "model not found" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestAvailableProbesHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	if !New(Config{Host: srv.URL}).Available(context.Background()) {
		t.Fatal("expected reachable host to be available")
	}
	srv.Close()
	if New(Config{Host: srv.URL}).Available(context.Background()) {
		t.Fatal("expected closed host to be unavailable")
	}
}
