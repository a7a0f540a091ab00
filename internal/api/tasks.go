package api

import (
	"errors"
	"net/http"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/identity"
)

// GetMe returns the caller's identity, balance and task progress.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	balance, err := h.Ledger.Balance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.Gate.State(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := map[string]interface{}{
		"identity":  id,
		"anonymous": !domain.IsWalletAddress(id),
		"credits":   balance,
		"tasks":     st,
		"all_tasks": st.AllTasksComplete(),
		"twitter":   nil,
	}
	acct, err := h.Repo.GetTwitterAccount(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if acct != nil {
		resp["twitter"] = map[string]string{"handle": acct.Handle, "user_id": acct.TwitterUserID}
	}
	JSON(w, http.StatusOK, resp)
}

// GetConfig returns the public server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.Settings)
}

// GetTasks returns task progress.
func (h *Handler) GetTasks(w http.ResponseWriter, r *http.Request) {
	st, err := h.Gate.State(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// JoinCommunity marks the community task and returns the group link.
func (h *Handler) JoinCommunity(w http.ResponseWriter, r *http.Request) {
	link, st, err := h.Community.Join(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"invite_link": link,
		"tasks":       st,
	})
}

// CheckFollow runs the follow verifier for the caller.
func (h *Handler) CheckFollow(w http.ResponseWriter, r *http.Request) {
	res, err := h.Follow.CheckIdentity(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		if errors.Is(err, domain.ErrVerificationIndeterminate) && res != nil {
			JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error":  err.Error(),
				"result": res,
			})
			return
		}
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// AttestFollow applies the manual follow override.
func (h *Handler) AttestFollow(w http.ResponseWriter, r *http.Request) {
	st, err := h.Follow.ManualAttest(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, st)
}
