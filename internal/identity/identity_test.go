package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/clusterprotocol/vault-guardian/internal/store/storetest"
)

func TestMiddlewareMintsAnonymousIdentity(t *testing.T) {
	repo := storetest.New(t)

	var got string
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if !isValidAnonID(got) {
		t.Fatalf("expected anonymous identity, got %q", got)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == AnonCookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != got {
		t.Fatalf("expected cookie with identity %q, got %+v", got, cookie)
	}

	user, err := repo.GetUser(context.Background(), got)
	if err != nil || user == nil {
		t.Fatalf("expected user row to be created, got %+v, %v", user, err)
	}
	if user.Credits != 0 {
		t.Fatalf("new users start with 0 credits, got %d", user.Credits)
	}
}

func TestMiddlewareReusesCookie(t *testing.T) {
	repo := storetest.New(t)
	anon := "anon_" + strings.Repeat("ab", 16)

	var got string
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: anon})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != anon {
		t.Fatalf("expected %q, got %q", anon, got)
	}
}

func TestMiddlewarePrefersWalletAddress(t *testing.T) {
	repo := storetest.New(t)

	var id, anon string
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id = FromContext(r.Context())
		anon = AnonIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(WalletHeaderName, "0xABC")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if id != "0xabc" {
		t.Fatalf("expected lower-cased wallet identity, got %q", id)
	}
	if !isValidAnonID(anon) {
		t.Fatalf("anonymous id should still be set, got %q", anon)
	}

	req = httptest.NewRequest(http.MethodGet, "/?walletAddress=0xDEF", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if id != "0xdef" {
		t.Fatalf("expected wallet from query, got %q", id)
	}
}

func TestMiddlewareIgnoresMalformedWallet(t *testing.T) {
	repo := storetest.New(t)

	var id string
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(WalletHeaderName, "not-a-wallet")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !isValidAnonID(id) {
		t.Fatalf("expected fallback to anonymous id, got %q", id)
	}
}

func TestIPFromRequest(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"203.0.113.7:51234", "203.0.113.7"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"203.0.113.7", "203.0.113.7"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if got := IPFromRequest(req); got != tt.want {
			t.Errorf("IPFromRequest(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}
