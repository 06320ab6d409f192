package anthropic

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
	DefaultBaseURL = "https://api.anthropic.com/v1/messages"
	DefaultModel   = "claude-sonnet-4-20250514"

	apiVersion = "2023-06-01"
)

type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to the Anthropic messages API. Unlike the OpenAI-shaped
// backends the system prompt is a top-level request field, not a message.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{cfg: cfg}
}

var _ providers.Client = (*Client)(nil)

func (c *Client) Name() string {
	return fmt.Sprintf("Anthropic (%s)", c.cfg.Model)
}

func (c *Client) Available(_ context.Context) bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("read anthropic response: %w", err)
	}

	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return providers.ChatResponse{}, fmt.Errorf("decode anthropic response: %w", err)
	}

	var content strings.Builder
	for _, block := range parsed.Content {
		content.WriteString(block.Text)
	}
	return providers.ChatResponse{
		Content: content.String(),
		Usage: providers.Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
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

	// Newline-delimited `data: <json>` events typed by the "type" field:
	// message_start carries input tokens, message_delta the running output
	// count, message_stop terminates. Bad payloads are skipped.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
			Message struct {
				Usage struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			usage.InputTokens = event.Message.Usage.InputTokens
		case "content_block_delta":
			if event.Delta.Text == "" {
				continue
			}
			full.WriteString(event.Delta.Text)
			if err := emit(providers.StreamEvent{Delta: event.Delta.Text}); err != nil {
				return providers.ChatResponse{Content: full.String()},
					fmt.Errorf("%w: %w", providers.ErrStreamInterrupted, err)
			}
		case "message_delta":
			usage.OutputTokens = event.Usage.OutputTokens
		case "message_stop":
			if err := emit(providers.StreamEvent{Usage: &usage}); err != nil {
				return providers.ChatResponse{Content: full.String()},
					fmt.Errorf("%w: %w", providers.ErrStreamInterrupted, err)
			}
			return providers.ChatResponse{Content: full.String(), Usage: usage}, nil
		case "error":
			msg := event.Error.Message
			if msg == "" {
				msg = "unknown streaming error"
			}
			return providers.ChatResponse{Content: full.String(), Usage: usage},
				&providers.APIError{Provider: "anthropic", Message: msg}
		}
	}
	if err := scanner.Err(); err != nil {
		return providers.ChatResponse{Content: full.String(), Usage: usage},
			fmt.Errorf("read anthropic stream: %w", err)
	}

	// Stream ended without message_stop; still give the consumer its
	// terminal usage event.
	if err := emit(providers.StreamEvent{Usage: &usage}); err != nil {
		return providers.ChatResponse{Content: full.String()},
			fmt.Errorf("%w: %w", providers.ErrStreamInterrupted, err)
	}
	return providers.ChatResponse{Content: full.String(), Usage: usage}, nil
}

func (c *Client) post(ctx context.Context, req providers.ChatRequest, stream bool) (*http.Response, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic api key not configured: %w", providers.ErrAuthentication)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	payload := map[string]any{
		"model":      c.cfg.Model,
		"max_tokens": maxTokens,
		"messages":   req.Messages,
	}
	if strings.TrimSpace(req.System) != "" {
		payload["system"] = req.System
	}
	if stream {
		payload["stream"] = true
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &providers.APIError{Provider: "anthropic", Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, providers.StatusError("anthropic", resp.StatusCode, readErrorMessage(resp.Body))
	}
	return resp, nil
}

func readErrorMessage(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return "unknown error"
	}
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return "unknown error"
}
