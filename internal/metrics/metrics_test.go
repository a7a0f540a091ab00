package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposure(t *testing.T) {
	CreditsGranted.Inc()
	CreditsSpent.Inc()
	CreditsRejected.Inc()
	FollowChecks.WithLabelValues("following").Inc()
	IncUpstreamRetry("/following-ids")
	ChatReplies.WithLabelValues("ok").Inc()
	ObserveChatDuration(time.Now().Add(-250 * time.Millisecond))
	Purchases.WithLabelValues("ok").Inc()
	SweptOAuthStates.Add(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, m := range []string{
		"vault_credits_granted_total",
		"vault_credits_spent_total",
		"vault_credits_rejected_total",
		"vault_follow_checks_total",
		"vault_upstream_retries_total",
		"vault_chat_replies_total",
		"vault_chat_duration_seconds",
		"vault_purchases_total",
		"vault_oauth_states_swept_total",
	} {
		if !strings.Contains(body, m) {
			t.Fatalf("expected metric %s in body", m)
		}
	}
}
