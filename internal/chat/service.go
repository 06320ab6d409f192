// Package chat drives one message exchange end to end: persist the user
// turn, build the tenant prompt, resolve a provider client, invoke it sync
// or streaming, and persist the reply with its token usage.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"embedchat/internal/crypto"
	"embedchat/internal/metrics"
	"embedchat/internal/prompt"
	"embedchat/internal/providers"
	"embedchat/internal/providers/registry"
	"embedchat/internal/storage"
)

// SessionStore is the slice of persistence the orchestrator needs.
type SessionStore interface {
	AppendMessage(ctx context.Context, sessionID int64, role, content string, tokens int) (storage.Message, error)
	MessagesInOrder(ctx context.Context, sessionID int64) ([]storage.Message, error)
}

// TenantStore provides read-only access to tenant configuration.
type TenantStore interface {
	GetTenantByID(ctx context.Context, id int64) (storage.Tenant, error)
}

// UsageSink receives fire-and-forget usage notifications. Implementations
// must never fail the exchange.
type UsageSink interface {
	MessageSent(ctx context.Context, tenantID int64, externalUserID string, tokens int)
}

// ClientResolver picks the provider client for a tenant.
type ClientResolver interface {
	ForTenant(tc registry.TenantConfig) (providers.Client, error)
}

// ChatError wraps any provider-level failure that happens after the user
// message was persisted. The user's turn is never rolled back.
type ChatError struct {
	Err error
}

func (e *ChatError) Error() string {
	return "failed to get AI response: " + e.Err.Error()
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one successful exchange.
type Result struct {
	Message storage.Message
	Usage   providers.Usage
}

type Service struct {
	sessions  SessionStore
	tenants   TenantStore
	usage     UsageSink
	resolver  ClientResolver
	crypto    *crypto.Manager
	prompts   prompt.Builder
	maxTokens int
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

type Config struct {
	Sessions  SessionStore
	Tenants   TenantStore
	Usage     UsageSink
	Resolver  ClientResolver
	Crypto    *crypto.Manager
	Prompts   prompt.Builder
	MaxTokens int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

func New(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = providers.DefaultMaxTokens
	}
	return &Service{
		sessions:  cfg.Sessions,
		tenants:   cfg.Tenants,
		usage:     cfg.Usage,
		resolver:  cfg.Resolver,
		crypto:    cfg.Crypto,
		prompts:   cfg.Prompts,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
		metrics:   m,
	}
}

// SendMessage runs one synchronous exchange.
func (s *Service) SendMessage(ctx context.Context, session storage.ChatSession, content string) (Result, error) {
	return s.send(ctx, session, content, nil)
}

// SendMessageStream runs one streaming exchange. emit receives zero or
// more delta events followed by exactly one usage event on success. On
// failure the call returns a ChatError and emit sees no terminal event.
func (s *Service) SendMessageStream(ctx context.Context, session storage.ChatSession, content string, emit providers.EmitFunc) (Result, error) {
	if emit == nil {
		return Result{}, fmt.Errorf("emit func is nil")
	}
	return s.send(ctx, session, content, emit)
}

func (s *Service) send(ctx context.Context, session storage.ChatSession, content string, emit providers.EmitFunc) (Result, error) {
	started := time.Now()
	defer func() {
		s.metrics.ChatDuration.Observe(time.Since(started).Seconds())
	}()

	// The user's turn is made durable before anything that can fail.
	userMsg, err := s.sessions.AppendMessage(ctx, session.ID, "user", content, 0)
	if err != nil {
		return Result{}, fmt.Errorf("persist user message: %w", err)
	}
	s.metrics.MessagesTotal.WithLabelValues("user").Inc()

	tenant, err := s.tenants.GetTenantByID(ctx, session.TenantID)
	if err != nil {
		return Result{}, &ChatError{Err: fmt.Errorf("load tenant: %w", err)}
	}

	system := s.prompts.SystemPrompt(tenant)
	if suffix := prompt.ContextSuffix(session.UserContext); suffix != "" {
		system += suffix
	}

	history, err := s.sessions.MessagesInOrder(ctx, session.ID)
	if err != nil {
		return Result{}, &ChatError{Err: fmt.Errorf("load history: %w", err)}
	}
	// Exclude the turn persisted above so it appears exactly once.
	prior := make([]storage.Message, 0, len(history))
	for _, m := range history {
		if m.ID == userMsg.ID {
			continue
		}
		prior = append(prior, m)
	}
	messages := append(prompt.History(prior), providers.Message{Role: "user", Content: content})

	client, err := s.resolveClient(tenant)
	if err != nil {
		return Result{}, &ChatError{Err: err}
	}

	req := providers.ChatRequest{
		Messages:  messages,
		System:    system,
		MaxTokens: s.maxTokens,
	}

	var resp providers.ChatResponse
	if emit == nil {
		resp, err = client.Chat(ctx, req)
	} else {
		resp, err = client.ChatStream(ctx, req, emit)
	}
	if err != nil {
		s.metrics.ProviderRequests.WithLabelValues(client.Name(), "error").Inc()
		s.logger.Error().Err(err).
			Int64("session_id", session.ID).
			Str("provider", client.Name()).
			Msg("provider chat failed")

		// A consumer that vanished mid-stream still gets its partial reply
		// persisted, with usage unknown. Nothing accumulated means nothing
		// to persist.
		if emit != nil && strings.TrimSpace(resp.Content) != "" {
			if _, persistErr := s.sessions.AppendMessage(ctx, session.ID, "assistant", resp.Content, 0); persistErr != nil {
				s.logger.Error().Err(persistErr).Int64("session_id", session.ID).Msg("failed to persist partial assistant message")
			} else {
				s.metrics.MessagesTotal.WithLabelValues("assistant").Inc()
			}
		}
		return Result{}, &ChatError{Err: err}
	}
	s.metrics.ProviderRequests.WithLabelValues(client.Name(), "ok").Inc()

	assistantMsg, err := s.sessions.AppendMessage(ctx, session.ID, "assistant", resp.Content, resp.Usage.Total())
	if err != nil {
		return Result{}, fmt.Errorf("persist assistant message: %w", err)
	}
	s.metrics.MessagesTotal.WithLabelValues("assistant").Inc()

	if s.usage != nil {
		s.usage.MessageSent(ctx, session.TenantID, session.ExternalUserID, resp.Usage.Total())
	}

	return Result{Message: assistantMsg, Usage: resp.Usage}, nil
}

// resolveClient decrypts the tenant-owned credential, if any, and asks the
// resolver for a client. A tenant credential always wins over the platform
// default provider.
func (s *Service) resolveClient(tenant storage.Tenant) (providers.Client, error) {
	tc := registry.TenantConfig{}
	if tenant.UsesOwnProviderKey() {
		if s.crypto == nil {
			return nil, errors.New("tenant has an encrypted credential but no crypto manager is configured")
		}
		apiKey, err := s.crypto.DecryptCredential(*tenant.EncProviderKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt tenant credential: %w", err)
		}
		tc.ProviderAPIKey = apiKey
	}
	return s.resolver.ForTenant(tc)
}
