package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/store/storetest"
)

func newTestProvider(t *testing.T) (*Provider, *httptest.Server, context.Context) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			if r.Form.Get("code_verifier") == "" {
				t.Error("expected PKCE code_verifier in exchange")
			}
			_, _ = w.Write([]byte(`{"access_token":"at1","token_type":"bearer","refresh_token":"rt1","expires_in":7200}`))
		case "refresh_token":
			_, _ = w.Write([]byte(`{"access_token":"at2","token_type":"bearer","expires_in":7200}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/2/users/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"id":"42","name":"Alice A","username":"alice"}}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	p := NewProvider(Config{
		ClientID:    "cid",
		RedirectURL: "http://localhost/auth/twitter/callback",
		Scopes:      []string{"tweet.read", "users.read"},
		APIBaseURL:  ts.URL + "/2",
		Endpoint: oauth2.Endpoint{
			AuthURL:   ts.URL + "/authorize",
			TokenURL:  ts.URL + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		HTTPClient: ts.Client(),
	}, storetest.New(t), nil)
	return p, ts, context.Background()
}

func TestBeginAndComplete(t *testing.T) {
	p, _, ctx := newTestProvider(t)

	authURL, err := p.Begin(ctx, "anon_1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Fatalf("expected PKCE challenge in %s", authURL)
	}
	state := q.Get("state")

	acct, err := p.Complete(ctx, state, "code")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if acct.Identity != "anon_1" || acct.Handle != "alice" || acct.TwitterUserID != "42" {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if acct.AccessToken != "at1" || acct.RefreshToken != "rt1" {
		t.Fatalf("unexpected tokens: %+v", acct)
	}

	if _, err := p.Complete(ctx, state, "code"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected state to be single use, got %v", err)
	}
}

func TestCompleteRejectsUnknownState(t *testing.T) {
	p, _, ctx := newTestProvider(t)
	if _, err := p.Complete(ctx, "nope", "code"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestGetTwitterAccountRefreshesExpiredToken(t *testing.T) {
	p, _, ctx := newTestProvider(t)

	if err := p.store.UpsertTwitterAccount(ctx, &domain.TwitterAccount{
		Identity: "anon_1", TwitterUserID: "42", Handle: "alice",
		AccessToken: "old", RefreshToken: "rt1", Expiry: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	acct, err := p.GetTwitterAccount(ctx, "anon_1")
	if err != nil {
		t.Fatalf("GetTwitterAccount: %v", err)
	}
	if acct.AccessToken != "at2" {
		t.Fatalf("expected refreshed token, got %q", acct.AccessToken)
	}
	if acct.RefreshToken != "rt1" {
		t.Fatalf("refresh token should be kept, got %q", acct.RefreshToken)
	}
}
