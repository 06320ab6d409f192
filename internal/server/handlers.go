package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"embedchat/internal/chat"
	"embedchat/internal/providers"
	"embedchat/internal/storage"
)

type resumeRequest struct {
	ExternalUserID string            `json:"external_user_id"`
	SessionSecret  string            `json:"session_secret"`
	UserContext    map[string]string `json:"user_context"`
	Locale         string            `json:"locale"`
}

type messageJSON struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func toMessageJSON(m storage.Message) messageJSON {
	return messageJSON{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	}
}

// handleResumeSession resumes the caller's most recent open session when a
// valid session secret is presented, or creates a fresh session. The
// secret is returned only on creation; the client must store it to resume.
func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request, tenant storage.Tenant) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	existing, err := s.store.FindResumableSession(r.Context(), tenant.ID, req.ExternalUserID)
	resumed := false
	var session storage.ChatSession
	var secret string

	switch {
	case err == nil && existing.VerifySecret(req.SessionSecret):
		session = existing
		resumed = true
	case err == nil:
		// A session exists but the secret is missing or wrong. Refusing to
		// resume prevents hijacking by guessing external user ids.
		s.logger.Warn().
			Int64("tenant_id", tenant.ID).
			Str("external_user_id", req.ExternalUserID).
			Msg("session resumption rejected: invalid session secret")
		fallthrough
	case errors.Is(err, storage.ErrNotFound):
		session, secret, err = s.store.CreateSession(r.Context(), tenant.ID, req.ExternalUserID, req.UserContext, req.Locale)
		if err != nil {
			s.logger.Error().Err(err).Int64("tenant_id", tenant.ID).Msg("failed to create session")
			writeError(w, http.StatusInternalServerError, "an unexpected error occurred")
			return
		}
		if s.usage != nil {
			s.usage.SessionStarted(r.Context(), tenant.ID, req.ExternalUserID)
		}
	default:
		s.logger.Error().Err(err).Int64("tenant_id", tenant.ID).Msg("failed to look up session")
		writeError(w, http.StatusInternalServerError, "an unexpected error occurred")
		return
	}

	messages, err := s.store.MessagesInOrder(r.Context(), session.ID)
	if err != nil {
		s.logger.Error().Err(err).Int64("session_id", session.ID).Msg("failed to load session history")
		writeError(w, http.StatusInternalServerError, "an unexpected error occurred")
		return
	}

	body := map[string]any{
		"session_token":  session.SessionToken,
		"messages":       toMessagesJSON(messages),
		"is_new_session": !resumed,
	}
	if secret != "" {
		body["session_secret"] = secret
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, tenant storage.Tenant) {
	session, ok := s.sessionFromPath(w, r, tenant)
	if !ok {
		return
	}
	messages, err := s.store.MessagesInOrder(r.Context(), session.ID)
	if err != nil {
		s.logger.Error().Err(err).Int64("session_id", session.ID).Msg("failed to load session history")
		writeError(w, http.StatusInternalServerError, "an unexpected error occurred")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": toMessagesJSON(messages),
		"session": map[string]any{
			"started_at":    session.StartedAt.Format(time.RFC3339),
			"message_count": len(messages),
		},
	})
}

func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request, tenant storage.Tenant) {
	session, ok := s.sessionFromPath(w, r, tenant)
	if !ok {
		return
	}
	var req struct {
		Context map[string]string `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.UpdateSessionContext(r.Context(), session.ID, filterContext(req.Context)); err != nil {
		s.logger.Error().Err(err).Int64("session_id", session.ID).Msg("failed to update session context")
		writeError(w, http.StatusInternalServerError, "an unexpected error occurred")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request, _ storage.Tenant) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.registry.AvailableProviders(r.Context()),
	})
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request, tenant storage.Tenant) {
	session, ok := s.sessionFromPath(w, r, tenant)
	if !ok {
		return
	}

	var req struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	content := strings.TrimSpace(req.Message.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "message content is required")
		return
	}

	if r.URL.Query().Get("stream") == "true" {
		s.streamMessage(w, r, session, content)
		return
	}

	result, err := s.chat.SendMessage(r.Context(), session, content)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": toMessageJSON(result.Message),
		"usage":   result.Usage,
	})
}

// streamMessage relays provider deltas as SSE events: `{type:"chunk"}` per
// delta, one `{type:"done"}` carrying usage at the end. Write failures are
// treated as client disconnects and stop the upstream stream.
func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request, session storage.ChatSession, content string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	emit := func(ev providers.StreamEvent) error {
		var payload map[string]any
		if ev.Usage != nil {
			payload = map[string]any{"type": "done", "usage": ev.Usage}
		} else {
			payload = map[string]any{"type": "chunk", "content": ev.Delta}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if _, err := s.chat.SendMessageStream(r.Context(), session, content, emit); err != nil {
		// Headers are already out; emit a terminal error event in-band for
		// consumers that are still connected.
		s.logger.Error().Err(err).Int64("session_id", session.ID).Msg("streaming chat failed")
		data, _ := json.Marshal(map[string]any{"type": "error", "error": "failed to get AI response"})
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request, tenant storage.Tenant) (storage.ChatSession, bool) {
	token := r.PathValue("token")
	session, err := s.store.GetSessionByToken(r.Context(), tenant.ID, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			s.logger.Error().Err(err).Msg("failed to load session")
			writeError(w, http.StatusInternalServerError, "an unexpected error occurred")
		}
		return storage.ChatSession{}, false
	}
	return session, true
}

func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	var chatErr *chat.ChatError
	switch {
	case errors.Is(err, providers.ErrAuthentication):
		writeError(w, http.StatusServiceUnavailable, "AI service not configured")
	case errors.As(err, &chatErr):
		writeError(w, http.StatusServiceUnavailable, chatErr.Error())
	default:
		s.logger.Error().Err(err).Msg("unexpected error creating message")
		writeError(w, http.StatusInternalServerError, "an unexpected error occurred")
	}
}

func toMessagesJSON(messages []storage.Message) []messageJSON {
	out := make([]messageJSON, 0, len(messages))
	for _, m := range messages {
		out = append(out, toMessageJSON(m))
	}
	return out
}

// filterContext keeps only the user-context fields the prompt builder
// understands, plus focus_area which the widget sends.
func filterContext(in map[string]string) map[string]string {
	out := map[string]string{}
	for _, key := range []string{"role", "team", "experience_level", "focus_area"} {
		if v, ok := in[key]; ok && strings.TrimSpace(v) != "" {
			out[key] = v
		}
	}
	return out
}
