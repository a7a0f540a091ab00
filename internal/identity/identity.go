// Package identity resolves the credit-owning identity of a request: a
// connected wallet address when the client presents one, otherwise an
// anonymous per-browser id kept in a cookie.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/store"
)

const (
	AnonCookieName   = "vg_anon_id"
	WalletHeaderName = "X-Wallet-Address"
	WalletQueryParam = "walletAddress"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	identityKey contextKey = iota
	anonIDKey
)

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// FromContext returns the resolved identity, or "" outside the middleware.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey).(string); ok {
		return v
	}
	return ""
}

// AnonIDFromContext returns the browser's anonymous id even when a wallet is connected.
func AnonIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(anonIDKey).(string); ok {
		return v
	}
	return ""
}

// WithIdentity returns a context carrying id. Used by tests and background jobs.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey, domain.NormalizeIdentity(id))
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return domain.AnonPrefix + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func ensureUser(ctx context.Context, repo store.Repository, id string) error {
	user, err := repo.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if user != nil {
		if err := repo.TouchUser(ctx, id, time.Now()); err != nil {
			slog.Warn("failed to touch user", "identity", id, "error", err)
		}
		return nil
	}

	return repo.UpsertUser(ctx, &domain.User{Identity: id})
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// walletFromRequest returns the normalized wallet address the client
// presented, or "" when none or an invalid one was sent.
func walletFromRequest(r *http.Request) string {
	addr := r.Header.Get(WalletHeaderName)
	if addr == "" {
		addr = r.URL.Query().Get(WalletQueryParam)
	}
	addr = domain.NormalizeIdentity(addr)
	if addr == "" || !domain.IsWalletAddress(addr) {
		return ""
	}
	return addr
}

// Middleware injects the request identity and makes sure a user row exists for it.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			anonID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			id := anonID
			if wallet := walletFromRequest(r); wallet != "" {
				id = wallet
			}

			if err := ensureUser(r.Context(), repo, id); err != nil {
				slog.Error("failed to initialize user", "identity", id, "error", err)
				http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, id)
			ctx = context.WithValue(ctx, anonIDKey, anonID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return strings.TrimSpace(host)
}
