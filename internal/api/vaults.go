package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/identity"
)

var vaultIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// vaultFile is the YAML seed layout.
type vaultFile struct {
	Vaults []domain.Vault `yaml:"vaults"`
}

// VaultStore is the persistence the seeder needs.
type VaultStore interface {
	GetVault(ctx context.Context, id string) (*domain.Vault, error)
	UpsertVault(ctx context.Context, vault *domain.Vault) error
}

// SeedVaults loads vaults from a YAML file and inserts the ones that do
// not exist yet. Existing rows are left alone so admin edits survive restarts.
// A missing file is not an error.
func SeedVaults(ctx context.Context, repo VaultStore, path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read vault seed: %w", err)
	}

	var file vaultFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse vault seed %s: %w", path, err)
	}

	inserted := 0
	for i := range file.Vaults {
		v := &file.Vaults[i]
		if err := validateVault(v); err != nil {
			return inserted, fmt.Errorf("vault %d in %s: %w", i, path, err)
		}
		existing, err := repo.GetVault(ctx, v.ID)
		if err != nil {
			return inserted, err
		}
		if existing != nil {
			continue
		}
		if err := repo.UpsertVault(ctx, v); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

func validateVault(v *domain.Vault) error {
	v.ID = domain.NormalizeVaultID(v.ID)
	if !vaultIDPattern.MatchString(v.ID) {
		return fmt.Errorf("invalid vault id %q", v.ID)
	}
	if strings.TrimSpace(v.Name) == "" {
		return fmt.Errorf("vault %s: name is required", v.ID)
	}
	if v.TotalPrize < 0 || v.AvailablePrize < 0 || v.AvailablePrize > v.TotalPrize {
		return fmt.Errorf("vault %s: prizes must satisfy 0 <= available <= total", v.ID)
	}
	return nil
}

// ListVaults returns every vault.
func (h *Handler) ListVaults(w http.ResponseWriter, r *http.Request) {
	vaults, err := h.Repo.ListVaults(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if vaults == nil {
		vaults = []*domain.Vault{}
	}
	JSON(w, http.StatusOK, vaults)
}

func (h *Handler) loadVault(w http.ResponseWriter, r *http.Request) (*domain.Vault, bool) {
	id := domain.NormalizeVaultID(chi.URLParam(r, "vaultID"))
	v, err := h.Repo.GetVault(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if v == nil {
		Error(w, http.StatusNotFound, "vault not found")
		return nil, false
	}
	return v, true
}

// GetVault returns one vault.
func (h *Handler) GetVault(w http.ResponseWriter, r *http.Request) {
	if v, ok := h.loadVault(w, r); ok {
		JSON(w, http.StatusOK, v)
	}
}

// CreateVault creates or replaces a vault. Admin only.
func (h *Handler) CreateVault(w http.ResponseWriter, r *http.Request) {
	var v domain.Vault
	if !decodeJSON(w, r, &v) {
		return
	}
	if err := validateVault(&v); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Repo.UpsertVault(r.Context(), &v); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("vault saved", "vault_id", v.ID)
	JSON(w, http.StatusCreated, v)
}

type vaultPatch struct {
	Name           *string   `json:"name"`
	TotalPrize     *float64  `json:"total_prize"`
	AvailablePrize *float64  `json:"available_prize"`
	Sponsor        *string   `json:"vault_sponsor"`
	SponsorLinks   *[]string `json:"sponsor_links"`
}

// PatchVault updates the given fields of a vault. Admin only.
func (h *Handler) PatchVault(w http.ResponseWriter, r *http.Request) {
	v, ok := h.loadVault(w, r)
	if !ok {
		return
	}
	var p vaultPatch
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.Name != nil {
		v.Name = *p.Name
	}
	if p.TotalPrize != nil {
		v.TotalPrize = *p.TotalPrize
	}
	if p.AvailablePrize != nil {
		v.AvailablePrize = *p.AvailablePrize
	}
	if p.Sponsor != nil {
		v.Sponsor = *p.Sponsor
	}
	if p.SponsorLinks != nil {
		v.SponsorLinks = *p.SponsorLinks
	}
	if err := validateVault(v); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Repo.UpsertVault(r.Context(), v); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, v)
}

// GetConversation returns the caller's transcript for a vault and the active window.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	v, ok := h.loadVault(w, r)
	if !ok {
		return
	}
	conv, err := h.Chat.Transcript(r.Context(), identity.FromContext(r.Context()), v.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	messages := conv.Messages
	if messages == nil {
		messages = domain.Transcript{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"vault_id": v.ID,
		"messages": messages,
		"window":   messages.Window(h.Chat.Window()),
	})
}
