package api

import (
	"net/http"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/identity"
)

type adjustCreditsRequest struct {
	Identity string          `json:"identity"`
	Op       domain.CreditOp `json:"op"`
	Amount   int             `json:"amount"`
}

// GetCredits returns the caller's balance.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	balance, err := h.Ledger.Balance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"identity": id, "credits": balance})
}

// AdjustCredits adds or removes credits for any identity. Admin only.
func (h *Handler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req adjustCreditsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if domain.NormalizeIdentity(req.Identity) == "" {
		Error(w, http.StatusBadRequest, "identity is required")
		return
	}
	if !req.Op.Valid() {
		Error(w, http.StatusBadRequest, "op must be 'add' or 'remove'")
		return
	}

	balance, err := h.Ledger.Adjust(r.Context(), req.Identity, req.Op, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("admin credit adjustment", "identity", domain.NormalizeIdentity(req.Identity), "op", req.Op, "amount", req.Amount, "balance", balance)
	JSON(w, http.StatusOK, map[string]interface{}{
		"identity": domain.NormalizeIdentity(req.Identity),
		"credits":  balance,
	})
}
