// Package metrics exposes Prometheus instruments for the vault guardian service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CreditsGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_credits_granted_total",
		Help: "Task-completion grants issued",
	})
	CreditsSpent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_credits_spent_total",
		Help: "Credits consumed by chat messages",
	})
	CreditsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_credits_rejected_total",
		Help: "Spend attempts rejected for insufficient credits",
	})
	FollowChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_follow_checks_total",
		Help: "Follow checks by outcome",
	}, []string{"outcome"})
	UpstreamRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_upstream_retries_total",
		Help: "Retry attempts against upstream APIs",
	}, []string{"endpoint"})
	ChatReplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_chat_replies_total",
		Help: "Chat relay completions by result",
	}, []string{"result"})
	ChatDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vault_chat_duration_seconds",
		Help:    "Time from relay start to last chunk",
		Buckets: prometheus.DefBuckets,
	})
	Purchases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_purchases_total",
		Help: "Credit purchases by result",
	}, []string{"result"})
	SweptOAuthStates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_oauth_states_swept_total",
		Help: "Expired OAuth states removed by the sweeper",
	})
)

func init() {
	prometheus.MustRegister(
		CreditsGranted, CreditsSpent, CreditsRejected,
		FollowChecks, UpstreamRetries,
		ChatReplies, ChatDuration,
		Purchases, SweptOAuthStates,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveChatDuration records a relay duration.
func ObserveChatDuration(start time.Time) {
	ChatDuration.Observe(time.Since(start).Seconds())
}

// IncUpstreamRetry increments the retry counter for an endpoint.
func IncUpstreamRetry(endpoint string) { UpstreamRetries.WithLabelValues(endpoint).Inc() }
