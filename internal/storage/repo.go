package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

const tenantColumns = "id, name, slug, embed_key, system_prompt, policies, coding_standards, work_culture, tech_stack_json, settings_json, enc_provider_key, active, created_at"

func (s *Store) CreateTenant(ctx context.Context, t Tenant) (Tenant, error) {
	techStack, err := json.Marshal(t.TechStack)
	if err != nil {
		return Tenant{}, fmt.Errorf("marshal tech stack: %w", err)
	}
	settings := t.Settings
	if settings == nil {
		settings = map[string]string{}
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return Tenant{}, fmt.Errorf("marshal settings: %w", err)
	}
	if t.TechStack == nil {
		techStack = []byte("[]")
	}

	t.CreatedAt = nowUTC()
	q := s.sql.Insert("tenants").
		Columns("name", "slug", "embed_key", "system_prompt", "policies", "coding_standards", "work_culture", "tech_stack_json", "settings_json", "enc_provider_key", "active", "created_at").
		Values(t.Name, t.Slug, t.EmbedKey, t.SystemPrompt, t.Policies, t.CodingStandards, t.WorkCulture, string(techStack), string(settingsJSON), t.EncProviderKey, t.Active, t.CreatedAt).
		Suffix("RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Tenant{}, fmt.Errorf("build create tenant query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&t.ID); err != nil {
		return Tenant{}, fmt.Errorf("create tenant: %w", err)
	}
	return t, nil
}

func (s *Store) GetTenantByEmbedKey(ctx context.Context, embedKey string) (Tenant, error) {
	return s.getTenant(ctx, sq.Eq{"embed_key": embedKey})
}

func (s *Store) GetTenantByID(ctx context.Context, id int64) (Tenant, error) {
	return s.getTenant(ctx, sq.Eq{"id": id})
}

func (s *Store) getTenant(ctx context.Context, where sq.Sqlizer) (Tenant, error) {
	q := s.sql.Select(strings.Split(tenantColumns, ", ")...).From("tenants").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Tenant{}, fmt.Errorf("build tenant query: %w", err)
	}

	var t Tenant
	var techStackJSON, settingsJSON string
	var encKey sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&t.ID,
		&t.Name,
		&t.Slug,
		&t.EmbedKey,
		&t.SystemPrompt,
		&t.Policies,
		&t.CodingStandards,
		&t.WorkCulture,
		&techStackJSON,
		&settingsJSON,
		&encKey,
		&t.Active,
		&t.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	if encKey.Valid && strings.TrimSpace(encKey.String) != "" {
		t.EncProviderKey = &encKey.String
	}
	if err := json.Unmarshal([]byte(techStackJSON), &t.TechStack); err != nil {
		t.TechStack = nil
	}
	if err := json.Unmarshal([]byte(settingsJSON), &t.Settings); err != nil {
		t.Settings = nil
	}
	return t, nil
}

func (s *Store) SetTenantProviderKey(ctx context.Context, tenantID int64, encKey *string) error {
	q := s.sql.Update("tenants").Set("enc_provider_key", encKey).Where(sq.Eq{"id": tenantID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set provider key query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set provider key: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) AddEmbedDomain(ctx context.Context, tenantID int64, domain string) error {
	q := s.sql.Insert("embed_domains").
		Columns("tenant_id", "domain", "active", "created_at").
		Values(tenantID, strings.ToLower(strings.TrimSpace(domain)), true, nowUTC()).
		Suffix("ON CONFLICT(tenant_id, domain) DO UPDATE SET active=TRUE")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build add embed domain query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("add embed domain: %w", err)
	}
	return nil
}

// DomainAllowed reports whether a widget origin is registered and active
// for the tenant. Tenants with no registered domains allow all origins.
func (s *Store) DomainAllowed(ctx context.Context, tenantID int64, domain string) (bool, error) {
	countQ := s.sql.Select("COUNT(*)").From("embed_domains").Where(sq.Eq{"tenant_id": tenantID, "active": true})
	sqlStr, args, err := countQ.ToSql()
	if err != nil {
		return false, fmt.Errorf("build domain count query: %w", err)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&total); err != nil {
		return false, fmt.Errorf("count embed domains: %w", err)
	}
	if total == 0 {
		return true, nil
	}

	q := s.sql.Select("COUNT(*)").From("embed_domains").
		Where(sq.Eq{"tenant_id": tenantID, "domain": strings.ToLower(strings.TrimSpace(domain)), "active": true})
	sqlStr, args, err = q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build domain allowed query: %w", err)
	}
	var matched int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&matched); err != nil {
		return false, fmt.Errorf("check embed domain: %w", err)
	}
	return matched > 0, nil
}

// CreateSession persists a new chat session and returns it together with
// the plaintext resumption secret, which is never stored.
func (s *Store) CreateSession(ctx context.Context, tenantID int64, externalUserID string, userContext map[string]string, locale string) (ChatSession, string, error) {
	secret, err := NewSessionSecret()
	if err != nil {
		return ChatSession{}, "", err
	}
	if userContext == nil {
		userContext = map[string]string{}
	}
	contextJSON, err := json.Marshal(userContext)
	if err != nil {
		return ChatSession{}, "", fmt.Errorf("marshal user context: %w", err)
	}
	if strings.TrimSpace(locale) == "" {
		locale = "en"
	}

	session := ChatSession{
		TenantID:       tenantID,
		SessionToken:   NewSessionToken(),
		SecretHash:     HashSecret(secret),
		ExternalUserID: externalUserID,
		UserContext:    userContext,
		Locale:         locale,
		StartedAt:      nowUTC(),
		CreatedAt:      nowUTC(),
	}

	q := s.sql.Insert("chat_sessions").
		Columns("tenant_id", "session_token", "secret_hash", "external_user_id", "user_context_json", "locale", "started_at", "created_at").
		Values(session.TenantID, session.SessionToken, session.SecretHash, session.ExternalUserID, string(contextJSON), session.Locale, session.StartedAt, session.CreatedAt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatSession{}, "", fmt.Errorf("build create session query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&session.ID); err != nil {
		return ChatSession{}, "", fmt.Errorf("create session: %w", err)
	}
	return session, secret, nil
}

const sessionColumns = "id, tenant_id, session_token, secret_hash, external_user_id, user_context_json, locale, started_at, ended_at, created_at"

func (s *Store) GetSessionByToken(ctx context.Context, tenantID int64, token string) (ChatSession, error) {
	return s.getSession(ctx, sq.Eq{"tenant_id": tenantID, "session_token": token}, "")
}

// FindResumableSession returns the most recent open session for an external
// user, if any.
func (s *Store) FindResumableSession(ctx context.Context, tenantID int64, externalUserID string) (ChatSession, error) {
	if strings.TrimSpace(externalUserID) == "" {
		return ChatSession{}, ErrNotFound
	}
	return s.getSession(ctx, sq.And{
		sq.Eq{"tenant_id": tenantID, "external_user_id": externalUserID},
		sq.Eq{"ended_at": nil},
	}, "created_at DESC")
}

func (s *Store) getSession(ctx context.Context, where sq.Sqlizer, orderBy string) (ChatSession, error) {
	q := s.sql.Select(strings.Split(sessionColumns, ", ")...).From("chat_sessions").Where(where)
	if orderBy != "" {
		q = q.OrderBy(orderBy).Limit(1)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatSession{}, fmt.Errorf("build session query: %w", err)
	}

	var session ChatSession
	var contextJSON string
	var endedAt sql.NullTime
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&session.ID,
		&session.TenantID,
		&session.SessionToken,
		&session.SecretHash,
		&session.ExternalUserID,
		&contextJSON,
		&session.Locale,
		&session.StartedAt,
		&endedAt,
		&session.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatSession{}, ErrNotFound
		}
		return ChatSession{}, fmt.Errorf("get session: %w", err)
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal([]byte(contextJSON), &session.UserContext); err != nil {
		session.UserContext = nil
	}
	return session, nil
}

func (s *Store) UpdateSessionContext(ctx context.Context, sessionID int64, userContext map[string]string) error {
	if userContext == nil {
		userContext = map[string]string{}
	}
	contextJSON, err := json.Marshal(userContext)
	if err != nil {
		return fmt.Errorf("marshal user context: %w", err)
	}
	q := s.sql.Update("chat_sessions").Set("user_context_json", string(contextJSON)).Where(sq.Eq{"id": sessionID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update context query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update session context: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID int64) error {
	q := s.sql.Update("chat_sessions").Set("ended_at", nowUTC()).Where(sq.Eq{"id": sessionID, "ended_at": nil})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build end session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, sessionID int64, role, content string, tokens int) (Message, error) {
	msg := Message{
		ChatSessionID: sessionID,
		Role:          role,
		Content:       content,
		TokensUsed:    tokens,
		CreatedAt:     nowUTC(),
	}
	q := s.sql.Insert("messages").
		Columns("chat_session_id", "role", "content", "tokens_used", "created_at").
		Values(msg.ChatSessionID, msg.Role, msg.Content, msg.TokensUsed, msg.CreatedAt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build append message query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&msg.ID); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *Store) MessagesInOrder(ctx context.Context, sessionID int64) ([]Message, error) {
	q := s.sql.Select("id", "chat_session_id", "role", "content", "tokens_used", "created_at").
		From("messages").
		Where(sq.Eq{"chat_session_id": sessionID}).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatSessionID, &m.Role, &m.Content, &m.TokensUsed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// UpsertDailyUsage increments the tenant's counters for one day.
// uniqueUsers is an absolute count (from the HyperLogLog estimate) and
// only ever moves the stored value up.
func (s *Store) UpsertDailyUsage(ctx context.Context, tenantID int64, date string, sessions, messages, tokens, uniqueUsers int) error {
	q := s.sql.Insert("usage_logs").
		Columns("tenant_id", "date", "sessions_count", "messages_count", "unique_users_count", "tokens_used").
		Values(tenantID, date, sessions, messages, uniqueUsers, tokens).
		Suffix(`ON CONFLICT(tenant_id, date) DO UPDATE SET
sessions_count = usage_logs.sessions_count + excluded.sessions_count,
messages_count = usage_logs.messages_count + excluded.messages_count,
tokens_used = usage_logs.tokens_used + excluded.tokens_used,
unique_users_count = CASE WHEN excluded.unique_users_count > usage_logs.unique_users_count THEN excluded.unique_users_count ELSE usage_logs.unique_users_count END`)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build usage upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert daily usage: %w", err)
	}
	return nil
}

func (s *Store) GetDailyUsage(ctx context.Context, tenantID int64, date string) (UsageDay, error) {
	q := s.sql.Select("tenant_id", "date", "sessions_count", "messages_count", "unique_users_count", "tokens_used").
		From("usage_logs").
		Where(sq.Eq{"tenant_id": tenantID, "date": date})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UsageDay{}, fmt.Errorf("build daily usage query: %w", err)
	}
	var u UsageDay
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&u.TenantID, &u.Date, &u.SessionsCount, &u.MessagesCount, &u.UniqueUsersCount, &u.TokensUsed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UsageDay{}, ErrNotFound
		}
		return UsageDay{}, fmt.Errorf("get daily usage: %w", err)
	}
	return u, nil
}
