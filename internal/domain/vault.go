package domain

import (
	"strings"
	"time"
)

// NormalizeVaultID lower-cases and trims a vault id the way vaults are stored.
func NormalizeVaultID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Vault is a prize pool guarded by the chat persona.
type Vault struct {
	ID             string    `json:"id" yaml:"id"`
	Name           string    `json:"name" yaml:"name"`
	TotalPrize     float64   `json:"total_prize" yaml:"totalPrize"`
	AvailablePrize float64   `json:"available_prize" yaml:"availablePrize"`
	Sponsor        string    `json:"vault_sponsor" yaml:"vaultSponsor"`
	SponsorLinks   []string  `json:"sponsor_links" yaml:"sponsorLinks"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// Transaction records an on-chain purchase that was credited.
type Transaction struct {
	Hash         string    `json:"hash"`
	Identity     string    `json:"identity"`
	VaultID      string    `json:"vault_id"`
	AmountOctas  uint64    `json:"amount_octas"`
	CreditsAdded int       `json:"credits_added"`
	CreatedAt    time.Time `json:"created_at"`
}

// TwitterAccount is the OAuth-linked social identity of a user.
type TwitterAccount struct {
	Identity      string    `json:"identity"`
	TwitterUserID string    `json:"twitter_user_id"`
	Handle        string    `json:"handle"`
	AccessToken   string    `json:"-"`
	RefreshToken  string    `json:"-"`
	Expiry        time.Time `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OAuthState is a pending authorization round trip.
type OAuthState struct {
	State     string
	Identity  string
	Verifier  string
	CreatedAt time.Time
}
