// Package server exposes the embed widget API: session resumption,
// history, context updates, and message creation with optional SSE
// streaming.
package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"embedchat/internal/chat"
	"embedchat/internal/providers/registry"
	"embedchat/internal/storage"
	"embedchat/internal/usage"
)

const embedKeyHeader = "X-Embed-Key"

type Server struct {
	store    *storage.Store
	chat     *chat.Service
	usage    *usage.Recorder
	registry *registry.Registry
	logger   zerolog.Logger
}

type Config struct {
	Store    *storage.Store
	Chat     *chat.Service
	Usage    *usage.Recorder
	Registry *registry.Registry
	Logger   zerolog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		store:    cfg.Store,
		chat:     cfg.Chat,
		usage:    cfg.Usage,
		registry: cfg.Registry,
		logger:   cfg.Logger,
	}
}

// Mux wires all routes, including health and metrics, onto one handler.
func (s *Server) Mux(healthPath, metricsPath string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(metricsPath, promhttp.Handler())

	mux.HandleFunc("POST /embed/v1/sessions/resume", s.withTenant(s.handleResumeSession))
	mux.HandleFunc("GET /embed/v1/sessions/{token}/history", s.withTenant(s.handleHistory))
	mux.HandleFunc("PATCH /embed/v1/sessions/{token}/context", s.withTenant(s.handleUpdateContext))
	mux.HandleFunc("POST /embed/v1/sessions/{token}/messages", s.withTenant(s.handleCreateMessage))
	mux.HandleFunc("GET /embed/v1/providers", s.withTenant(s.handleProviders))
	return mux
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenant storage.Tenant)

// withTenant authenticates the widget request by embed key and enforces
// the tenant's registered embed domains against the request origin.
func (s *Server) withTenant(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		embedKey := strings.TrimSpace(r.Header.Get(embedKeyHeader))
		if embedKey == "" {
			writeError(w, http.StatusUnauthorized, "missing embed key")
			return
		}

		tenant, err := s.store.GetTenantByEmbedKey(r.Context(), embedKey)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid embed key")
			return
		}
		if !tenant.Active {
			writeError(w, http.StatusForbidden, "tenant is inactive")
			return
		}

		if origin := r.Header.Get("Origin"); origin != "" {
			allowed, err := s.store.DomainAllowed(r.Context(), tenant.ID, originHost(origin))
			if err != nil {
				s.logger.Error().Err(err).Int64("tenant_id", tenant.ID).Msg("embed domain check failed")
				writeError(w, http.StatusInternalServerError, "an unexpected error occurred")
				return
			}
			if !allowed {
				writeError(w, http.StatusForbidden, "origin not allowed for this tenant")
				return
			}
		}

		next(w, r, tenant)
	}
}

func originHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return origin
	}
	return u.Hostname()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
