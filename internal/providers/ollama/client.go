package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"embedchat/internal/providers"
)

const (
	DefaultHost  = "http://localhost:11434"
	DefaultModel = "llama3.2"

	// Local inference can be slow on first token; keep a generous timeout.
	defaultTimeout = 120 * time.Second
)

type Config struct {
	Host       string
	Model      string
	HTTPClient *http.Client
}

// Client talks to a local Ollama inference server. It needs no credential;
// availability is a live reachability probe instead.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = DefaultHost
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	cfg.Host = strings.TrimSuffix(cfg.Host, "/")
	return &Client{cfg: cfg}
}

var _ providers.Client = (*Client)(nil)

func (c *Client) Name() string {
	return fmt.Sprintf("Ollama (%s)", c.cfg.Model)
}

func (c *Client) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode == http.StatusOK
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("read ollama response: %w", err)
	}

	var parsed struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		PromptEvalCount int `json:"prompt_eval_count"`
		EvalCount       int `json:"eval_count"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return providers.ChatResponse{}, fmt.Errorf("decode ollama response: %w", err)
	}

	return providers.ChatResponse{
		Content: parsed.Message.Content,
		Usage: providers.Usage{
			InputTokens:  parsed.PromptEvalCount,
			OutputTokens: parsed.EvalCount,
		},
	}, nil
}

func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest, emit providers.EmitFunc) (providers.ChatResponse, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var full strings.Builder
	var usage providers.Usage
	usageEmitted := false

	// Ollama streams newline-delimited JSON objects, one per chunk. A bad
	// line is skipped, never fatal.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Done            bool `json:"done"`
			PromptEvalCount int  `json:"prompt_eval_count"`
			EvalCount       int  `json:"eval_count"`
		}
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}

		if chunk.Message.Content != "" {
			full.WriteString(chunk.Message.Content)
			if err := emit(providers.StreamEvent{Delta: chunk.Message.Content}); err != nil {
				return providers.ChatResponse{Content: full.String()},
					fmt.Errorf("%w: %w", providers.ErrStreamInterrupted, err)
			}
		}
		if chunk.Done {
			usage = providers.Usage{InputTokens: chunk.PromptEvalCount, OutputTokens: chunk.EvalCount}
			if err := emit(providers.StreamEvent{Usage: &usage}); err != nil {
				return providers.ChatResponse{Content: full.String()},
					fmt.Errorf("%w: %w", providers.ErrStreamInterrupted, err)
			}
			usageEmitted = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return providers.ChatResponse{Content: full.String(), Usage: usage},
			fmt.Errorf("read ollama stream: %w", err)
	}

	// Stream ended without a done chunk; the consumer still gets its
	// terminal usage event.
	if !usageEmitted {
		if err := emit(providers.StreamEvent{Usage: &usage}); err != nil {
			return providers.ChatResponse{Content: full.String()},
				fmt.Errorf("%w: %w", providers.ErrStreamInterrupted, err)
		}
	}

	return providers.ChatResponse{Content: full.String(), Usage: usage}, nil
}

func (c *Client) post(ctx context.Context, req providers.ChatRequest, stream bool) (*http.Response, error) {
	messages := make([]providers.Message, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, providers.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	payload := map[string]any{
		"model":    c.cfg.Model,
		"messages": messages,
		"stream":   stream,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &providers.APIError{Provider: "ollama", Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg := readErrorMessage(resp.Body)
		return nil, providers.StatusError("ollama", resp.StatusCode, msg)
	}
	return resp, nil
}

func readErrorMessage(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return "unknown error"
	}
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return "unknown error"
}
