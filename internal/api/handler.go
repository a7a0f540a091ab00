// Package api provides HTTP handlers for the vault guardian API.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clusterprotocol/vault-guardian/internal/chat"
	"github.com/clusterprotocol/vault-guardian/internal/community"
	"github.com/clusterprotocol/vault-guardian/internal/credits"
	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/follow"
	"github.com/clusterprotocol/vault-guardian/internal/oauth"
	"github.com/clusterprotocol/vault-guardian/internal/payment"
	"github.com/clusterprotocol/vault-guardian/internal/store"
	"github.com/clusterprotocol/vault-guardian/internal/taskgate"
)

// AdminTokenHeader carries the admin secret for privileged endpoints.
const AdminTokenHeader = "X-Admin-Token"

// Settings are the public values the front end needs.
type Settings struct {
	TwitterEnabled     bool   `json:"twitter_enabled"`
	FollowTargetHandle string `json:"follow_target_handle"`
	Allowance          int    `json:"credit_allowance"`
	PersonaName        string `json:"persona_name"`
	Window             int    `json:"transcript_window"`
}

// Deps are the services behind the handlers.
type Deps struct {
	Repo      store.Repository
	Gate      *taskgate.Gate
	Ledger    *credits.Ledger
	Follow    *follow.Verifier
	Community *community.Service
	// OAuth is nil when no Twitter client is configured.
	OAuth    *oauth.Provider
	Chat     *chat.Service
	Payments *payment.Bridge

	Settings    Settings
	AdminToken  string
	FrontendURL string
	Logger      *slog.Logger
}

// Handler serves the JSON API.
type Handler struct {
	Deps
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{Deps: d}
}

// RegisterRoutes registers the API routes. Identity middleware must already be applied.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Get("/api/config", h.GetConfig)

	r.Get("/api/tasks", h.GetTasks)
	r.Post("/api/tasks/community", h.JoinCommunity)
	r.Post("/api/tasks/follow/check", h.CheckFollow)
	r.Post("/api/tasks/follow/attest", h.AttestFollow)

	r.Get("/api/credits", h.GetCredits)
	r.With(h.requireAdmin).Post("/api/credits", h.AdjustCredits)

	r.Get("/api/vaults", h.ListVaults)
	r.With(h.requireAdmin).Post("/api/vaults", h.CreateVault)
	r.Get("/api/vaults/{vaultID}", h.GetVault)
	r.With(h.requireAdmin).Patch("/api/vaults/{vaultID}", h.PatchVault)
	r.Get("/api/vaults/{vaultID}/conversation", h.GetConversation)
	r.Get("/api/vaults/{vaultID}/purchase", h.GetPurchaseSpec)
	r.Post("/api/vaults/{vaultID}/purchase", h.Purchase)

	r.Get("/api/transactions", h.ListTransactions)

	r.Get("/auth/twitter/login", h.TwitterLogin)
	r.Get("/auth/twitter/callback", h.TwitterCallback)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a service error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrVerificationIndeterminate):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUpstreamUnavailable), errors.Is(err, domain.ErrTransactionFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrDuplicateTransaction), errors.Is(err, domain.ErrOverrideUnavailable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, oauth.ErrInvalidState),
		errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs unexpected failures and writes the mapped status.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "path", r.URL.Path, "error", err)
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// requireAdmin rejects requests without the configured admin token.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.AdminToken == "" {
			Error(w, http.StatusForbidden, "admin endpoints disabled")
			return
		}
		got := r.Header.Get(AdminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminToken)) != 1 {
			Error(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
