// Package usage implements the fire-and-forget usage accounting sink. The
// usage_logs table is authoritative; redis HyperLogLogs estimate unique
// widget users per tenant and day, since the store cannot count distinct
// users cheaply on every message.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"embedchat/internal/metrics"
	"embedchat/internal/storage"
)

// uniqueUserTTL keeps daily HyperLogLog keys around long enough for late
// flushes across a day boundary.
const uniqueUserTTL = 48 * time.Hour

type Recorder struct {
	redis   *redis.Client
	store   *storage.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewRecorder(rdb *redis.Client, store *storage.Store, m *metrics.Metrics, logger zerolog.Logger) *Recorder {
	if m == nil {
		m = metrics.Global()
	}
	return &Recorder{redis: rdb, store: store, metrics: m, logger: logger}
}

// SessionStarted records one new session. Errors are logged and swallowed;
// callers never depend on the result.
func (r *Recorder) SessionStarted(ctx context.Context, tenantID int64, externalUserID string) {
	r.metrics.SessionsStarted.Inc()
	date := today()
	unique := r.trackUniqueUser(ctx, tenantID, date, externalUserID)
	if err := r.store.UpsertDailyUsage(ctx, tenantID, date, 1, 0, 0, unique); err != nil {
		r.logger.Error().Err(err).Int64("tenant_id", tenantID).Msg("failed to record session start")
	}
}

// MessageSent records one completed exchange and its billable token count.
func (r *Recorder) MessageSent(ctx context.Context, tenantID int64, externalUserID string, tokens int) {
	r.metrics.TokensConsumed.Add(float64(tokens))
	date := today()
	unique := r.trackUniqueUser(ctx, tenantID, date, externalUserID)
	if err := r.store.UpsertDailyUsage(ctx, tenantID, date, 0, 1, tokens, unique); err != nil {
		r.logger.Error().Err(err).Int64("tenant_id", tenantID).Msg("failed to record message usage")
	}
}

// trackUniqueUser adds the external user to the tenant's daily HyperLogLog
// and returns the current estimate. Returns 0 when redis is unavailable or
// the user is anonymous, leaving the stored count untouched.
func (r *Recorder) trackUniqueUser(ctx context.Context, tenantID int64, date, externalUserID string) int {
	if r.redis == nil || strings.TrimSpace(externalUserID) == "" {
		return 0
	}
	key := fmt.Sprintf("embedchat:uniq:%d:%s", tenantID, date)
	if err := r.redis.PFAdd(ctx, key, externalUserID).Err(); err != nil {
		r.logger.Warn().Err(err).Int64("tenant_id", tenantID).Msg("failed to track unique user")
		return 0
	}
	_ = r.redis.Expire(ctx, key, uniqueUserTTL).Err()
	count, err := r.redis.PFCount(ctx, key).Result()
	if err != nil {
		r.logger.Warn().Err(err).Int64("tenant_id", tenantID).Msg("failed to count unique users")
		return 0
	}
	return int(count)
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}
