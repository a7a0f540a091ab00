package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/clusterprotocol/vault-guardian/internal/identity"
)

// TwitterLogin starts the OAuth2 PKCE flow for the caller.
func (h *Handler) TwitterLogin(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil {
		Error(w, http.StatusServiceUnavailable, "twitter login is not configured")
		return
	}
	authURL, err := h.OAuth.Begin(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// TwitterCallback finishes the OAuth2 flow, marks the Twitter task and
// sends the browser back to the front end.
func (h *Handler) TwitterCallback(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil {
		Error(w, http.StatusServiceUnavailable, "twitter login is not configured")
		return
	}
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		h.Logger.Info("twitter authorization denied", "reason", denied)
		http.Redirect(w, r, h.frontendRedirect("error"), http.StatusFound)
		return
	}

	acct, err := h.OAuth.Complete(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		h.Logger.Warn("twitter callback failed", "error", err)
		http.Redirect(w, r, h.frontendRedirect("error"), http.StatusFound)
		return
	}
	if _, err := h.Gate.MarkTwitterConnected(r.Context(), acct.Identity); err != nil {
		h.Logger.Error("failed to mark twitter connected", "identity", acct.Identity, "error", err)
		http.Redirect(w, r, h.frontendRedirect("error"), http.StatusFound)
		return
	}
	http.Redirect(w, r, h.frontendRedirect("connected"), http.StatusFound)
}

func (h *Handler) frontendRedirect(status string) string {
	base := strings.TrimRight(h.FrontendURL, "/")
	return base + "/vault/play?twitter=" + url.QueryEscape(status)
}
