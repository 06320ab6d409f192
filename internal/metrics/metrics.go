package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SessionsStarted  prometheus.Counter
	MessagesTotal    *prometheus.CounterVec
	TokensConsumed   prometheus.Counter
	ProviderRequests *prometheus.CounterVec
	ChatDuration     prometheus.Histogram
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "embedchat",
				Name:      "sessions_started_total",
				Help:      "Total chat sessions created",
			}),
			MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "embedchat",
				Name:      "messages_total",
				Help:      "Total messages persisted, by role",
			}, []string{"role"}),
			TokensConsumed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "embedchat",
				Name:      "tokens_consumed_total",
				Help:      "Total provider tokens consumed across tenants",
			}),
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "embedchat",
				Name:      "provider_requests_total",
				Help:      "Provider chat invocations, by provider and outcome",
			}, []string{"provider", "outcome"}),
			ChatDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "embedchat",
				Name:      "chat_duration_seconds",
				Help:      "Wall time of one chat exchange including streaming",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			}),
		}
		prometheus.MustRegister(
			global.SessionsStarted,
			global.MessagesTotal,
			global.TokensConsumed,
			global.ProviderRequests,
			global.ChatDuration,
		)
	})
	return global
}
