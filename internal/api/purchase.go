package api

import (
	"net/http"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/identity"
	"github.com/clusterprotocol/vault-guardian/internal/payment"
)

type purchaseRequest struct {
	Hash string `json:"hash"`
}

// GetPurchaseSpec returns the transfer the browser wallet should sign.
func (h *Handler) GetPurchaseSpec(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.loadVault(w, r); !ok {
		return
	}
	JSON(w, http.StatusOK, h.Payments.Transfer())
}

// Purchase confirms a submitted transfer and credits the caller.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	v, ok := h.loadVault(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id := identity.FromContext(r.Context())
	h.Logger.Info("purchase request", "identity", id, "vault_id", v.ID, "hash", req.Hash, "ip", identity.IPFromRequest(r))

	receipt, err := h.Payments.Purchase(r.Context(), id, v.ID, payment.SubmittedWallet{Hash: req.Hash})
	if err != nil {
		status := StatusFor(err)
		if status == http.StatusBadGateway {
			JSON(w, status, map[string]string{"error": err.Error(), "message": payment.FailureMessage})
			return
		}
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, receipt)
}

// ListTransactions returns the caller's purchase history, optionally
// narrowed to one vault with ?vault_id=.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Repo.ListTransactions(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := []*domain.Transaction{}
	vaultID := domain.NormalizeVaultID(r.URL.Query().Get("vault_id"))
	for _, tx := range txs {
		if vaultID == "" || tx.VaultID == vaultID {
			out = append(out, tx)
		}
	}
	JSON(w, http.StatusOK, out)
}
