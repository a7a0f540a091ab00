// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
)

// Repository defines the interface for persisting users, task progress,
// conversations, vaults and purchases. Lookups that find nothing return
// a nil value and a nil error.
type Repository interface {
	// GetUser retrieves a user by identity.
	GetUser(ctx context.Context, identity string) (*domain.User, error)

	// UpsertUser creates or updates a user record including its balance.
	UpsertUser(ctx context.Context, user *domain.User) error

	// AdjustCredits applies op to the stored balance and returns the result.
	// A missing user is created with a zero balance first.
	AdjustCredits(ctx context.Context, identity string, op domain.CreditOp, amount int) (int, error)

	// TouchUser updates the last_active timestamp for a user.
	TouchUser(ctx context.Context, identity string, at time.Time) error

	// GetTaskState retrieves task progress for an identity.
	GetTaskState(ctx context.Context, identity string) (*domain.TaskState, error)

	// SaveTaskState creates or replaces task progress.
	SaveTaskState(ctx context.Context, state *domain.TaskState) error

	// GetConversation retrieves the full transcript for an identity in a vault.
	GetConversation(ctx context.Context, identity, vaultID string) (*domain.Conversation, error)

	// PutConversation stores the full transcript.
	PutConversation(ctx context.Context, conv *domain.Conversation) error

	// ListVaults returns all vaults ordered by id.
	ListVaults(ctx context.Context) ([]*domain.Vault, error)

	// GetVault retrieves a vault by id.
	GetVault(ctx context.Context, id string) (*domain.Vault, error)

	// UpsertVault creates or updates a vault.
	UpsertVault(ctx context.Context, vault *domain.Vault) error

	// InsertTransaction records a credited purchase. A hash that was
	// already recorded yields domain.ErrDuplicateTransaction.
	InsertTransaction(ctx context.Context, tx *domain.Transaction) error

	// GetTransaction retrieves a purchase by hash.
	GetTransaction(ctx context.Context, hash string) (*domain.Transaction, error)

	// ListTransactions returns an identity's purchases, newest first.
	ListTransactions(ctx context.Context, identity string) ([]*domain.Transaction, error)

	// GetTwitterAccount retrieves the linked Twitter account for an identity.
	GetTwitterAccount(ctx context.Context, identity string) (*domain.TwitterAccount, error)

	// UpsertTwitterAccount links or refreshes a Twitter account.
	UpsertTwitterAccount(ctx context.Context, acct *domain.TwitterAccount) error

	// SaveOAuthState stores a pending authorization round trip.
	SaveOAuthState(ctx context.Context, st *domain.OAuthState) error

	// ConsumeOAuthState returns and deletes a pending state.
	ConsumeOAuthState(ctx context.Context, state string) (*domain.OAuthState, error)

	// DeleteExpiredOAuthStates removes states older than ttl.
	DeleteExpiredOAuthStates(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
