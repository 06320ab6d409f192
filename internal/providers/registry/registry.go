package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"embedchat/internal/providers"
	"embedchat/internal/providers/anthropic"
	"embedchat/internal/providers/ollama"
	"embedchat/internal/providers/openai"
)

// Provider names accepted in configuration. "claude" is an alias kept for
// older tenant configurations.
const (
	KindOllama    = "ollama"
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindClaude    = "claude"
)

// ErrUnknownProvider marks a configured provider name outside the known set.
var ErrUnknownProvider = errors.New("unknown llm provider")

func supportedKinds() string {
	return strings.Join([]string{KindOllama, KindOpenAI, KindAnthropic, KindClaude}, ", ")
}

// Settings carries every platform-wide credential and host the registry can
// draw on, made explicit instead of scattered env reads.
type Settings struct {
	// DefaultProvider is the platform-wide backend used for tenants without
	// their own credential. Empty means KindOllama.
	DefaultProvider string

	OllamaHost  string
	OllamaModel string

	OpenAIAPIKey string
	OpenAIModel  string

	AnthropicAPIKey string
	AnthropicModel  string

	// HTTPClient, when set, is shared by all constructed clients. Mostly
	// for tests; clients default their own transport otherwise.
	HTTPClient *http.Client
}

// TenantConfig is the slice of tenant state the selector needs: the
// decrypted tenant-owned credential, if any.
type TenantConfig struct {
	ProviderAPIKey string
}

type Registry struct {
	settings Settings
}

func New(settings Settings) *Registry {
	if strings.TrimSpace(settings.DefaultProvider) == "" {
		settings.DefaultProvider = KindOllama
	}
	settings.DefaultProvider = strings.ToLower(strings.TrimSpace(settings.DefaultProvider))
	return &Registry{settings: settings}
}

// ForTenant resolves the provider client for one exchange. A tenant-owned
// credential always selects Anthropic, the primary paid provider,
// bypassing the platform default entirely.
func (r *Registry) ForTenant(tc TenantConfig) (providers.Client, error) {
	if strings.TrimSpace(tc.ProviderAPIKey) != "" {
		return anthropic.New(anthropic.Config{
			APIKey:     tc.ProviderAPIKey,
			Model:      r.settings.AnthropicModel,
			HTTPClient: r.settings.HTTPClient,
		}), nil
	}
	return r.build(r.settings.DefaultProvider)
}

func (r *Registry) build(kind string) (providers.Client, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindOllama:
		return ollama.New(ollama.Config{
			Host:       r.settings.OllamaHost,
			Model:      r.settings.OllamaModel,
			HTTPClient: r.settings.HTTPClient,
		}), nil
	case KindOpenAI:
		return openai.New(openai.Config{
			APIKey:     r.settings.OpenAIAPIKey,
			Model:      r.settings.OpenAIModel,
			HTTPClient: r.settings.HTTPClient,
		}), nil
	case KindAnthropic, KindClaude:
		return anthropic.New(anthropic.Config{
			APIKey:     r.settings.AnthropicAPIKey,
			Model:      r.settings.AnthropicModel,
			HTTPClient: r.settings.HTTPClient,
		}), nil
	default:
		return nil, fmt.Errorf("%w %q, supported providers: %s", ErrUnknownProvider, kind, supportedKinds())
	}
}

// ProviderStatus describes one backend's readiness, for diagnostics.
type ProviderStatus struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// AvailableProviders probes every known backend with platform credentials.
func (r *Registry) AvailableProviders(ctx context.Context) []ProviderStatus {
	out := make([]ProviderStatus, 0, 3)
	for _, kind := range []string{KindOllama, KindOpenAI, KindAnthropic} {
		client, err := r.build(kind)
		if err != nil {
			continue
		}
		out = append(out, ProviderStatus{
			Kind:      kind,
			Name:      client.Name(),
			Available: client.Available(ctx),
		})
	}
	return out
}
