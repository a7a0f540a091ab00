// Package domain contains core domain types for the vault guardian service.
package domain

import (
	"regexp"
	"strings"
	"time"
)

// AnonPrefix marks identities minted for browsers without a connected wallet.
const AnonPrefix = "anon_"

var walletAddressPattern = regexp.MustCompile(`^0x[0-9a-f]{1,64}$`)

// NormalizeIdentity lower-cases and trims an identity key.
func NormalizeIdentity(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// IsWalletAddress reports whether id looks like an Aptos account address.
func IsWalletAddress(id string) bool {
	return walletAddressPattern.MatchString(NormalizeIdentity(id))
}

// User is the per-identity record that owns the credit balance.
type User struct {
	Identity   string    `json:"identity"`
	Credits    int       `json:"credits"`
	LastActive time.Time `json:"last_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CreditOp is the direction of a credit adjustment.
type CreditOp string

const (
	// CreditAdd increments the balance.
	CreditAdd CreditOp = "add"
	// CreditRemove decrements the balance, flooring at zero.
	CreditRemove CreditOp = "remove"
)

// Valid reports whether op is a known adjustment.
func (op CreditOp) Valid() bool {
	return op == CreditAdd || op == CreditRemove
}
