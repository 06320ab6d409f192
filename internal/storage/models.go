package storage

import "time"

// Tenant is one company account, the data isolation boundary. EmbedKey is
// globally unique and identifies the tenant on widget requests.
type Tenant struct {
	ID              int64
	Name            string
	Slug            string
	EmbedKey        string
	SystemPrompt    string
	Policies        string
	CodingStandards string
	WorkCulture     string
	TechStack       []string
	Settings        map[string]string
	// EncProviderKey holds the tenant-owned Anthropic credential as an
	// encrypted envelope, nil when the tenant rides the platform default.
	EncProviderKey *string
	Active         bool
	CreatedAt      time.Time
}

// UsesOwnProviderKey reports whether the tenant supplied its own hosted
// provider credential.
func (t Tenant) UsesOwnProviderKey() bool {
	return t.EncProviderKey != nil && *t.EncProviderKey != ""
}

// ChatSession is one end-user's continuous conversation with the widget.
// SessionToken is public; the secret is stored only as a hash and
// authorizes resumption.
type ChatSession struct {
	ID             int64
	TenantID       int64
	SessionToken   string
	SecretHash     string
	ExternalUserID string
	UserContext    map[string]string
	Locale         string
	StartedAt      time.Time
	EndedAt        *time.Time
	CreatedAt      time.Time
}

// Message is immutable once created; ordering is strictly creation order.
type Message struct {
	ID            int64
	ChatSessionID int64
	Role          string
	Content       string
	TokensUsed    int
	CreatedAt     time.Time
}

type EmbedDomain struct {
	ID        int64
	TenantID  int64
	Domain    string
	Active    bool
	CreatedAt time.Time
}

// UsageDay is one tenant's daily usage counters. Date is YYYY-MM-DD.
type UsageDay struct {
	TenantID         int64
	Date             string
	SessionsCount    int
	MessagesCount    int
	UniqueUsersCount int
	TokensUsed       int
}
