// Package credits implements the per-identity chat credit ledger.
//
// Balances are read, checked and written back through the repository
// without cross-request locking. Two tabs spending at once can both
// succeed against the same last credit.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/metrics"
)

// UserStore is the persistence the ledger needs.
type UserStore interface {
	GetUser(ctx context.Context, identity string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	AdjustCredits(ctx context.Context, identity string, op domain.CreditOp, amount int) (int, error)
}

// Ledger enforces spend, grant and replenish rules on credit balances.
type Ledger struct {
	users  UserStore
	logger *slog.Logger
}

// NewLedger creates a ledger over users.
func NewLedger(users UserStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{users: users, logger: logger}
}

func (l *Ledger) load(ctx context.Context, id string) (*domain.User, error) {
	id = domain.NormalizeIdentity(id)
	if id == "" {
		return nil, domain.ErrUnauthenticated
	}
	user, err := l.users.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	if user == nil {
		user = &domain.User{Identity: id}
	}
	return user, nil
}

// Balance returns the current balance; unknown identities have zero.
func (l *Ledger) Balance(ctx context.Context, id string) (int, error) {
	user, err := l.load(ctx, id)
	if err != nil {
		return 0, err
	}
	return user.Credits, nil
}

// Grant sets the balance to amount. It is not additive.
func (l *Ledger) Grant(ctx context.Context, id string, amount int) error {
	if amount < 0 {
		return domain.ErrInvalidAmount
	}
	user, err := l.load(ctx, id)
	if err != nil {
		return err
	}
	user.Credits = amount
	if err := l.users.UpsertUser(ctx, user); err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	l.logger.Info("credits granted", "identity", user.Identity, "balance", amount)
	return nil
}

// Add increments the balance by a positive amount and returns the new balance.
func (l *Ledger) Add(ctx context.Context, id string, amount int) (int, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	id = domain.NormalizeIdentity(id)
	if id == "" {
		return 0, domain.ErrUnauthenticated
	}
	balance, err := l.users.AdjustCredits(ctx, id, domain.CreditAdd, amount)
	if err != nil {
		return 0, fmt.Errorf("add credits: %w", err)
	}
	l.logger.Info("credits added", "identity", id, "amount", amount, "balance", balance)
	return balance, nil
}

// Spend decrements the balance by amount only when it covers the amount.
// Otherwise it returns domain.ErrInsufficientCredits and leaves the balance alone.
func (l *Ledger) Spend(ctx context.Context, id string, amount int) (int, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	user, err := l.load(ctx, id)
	if err != nil {
		return 0, err
	}
	if user.Credits < amount {
		metrics.CreditsRejected.Inc()
		return user.Credits, fmt.Errorf("spend %d with balance %d: %w", amount, user.Credits, domain.ErrInsufficientCredits)
	}

	user.Credits -= amount
	if err := l.users.UpsertUser(ctx, user); err != nil {
		return 0, fmt.Errorf("spend credits: %w", err)
	}
	metrics.CreditsSpent.Add(float64(amount))
	return user.Credits, nil
}

// Remove decrements the balance, flooring at zero.
func (l *Ledger) Remove(ctx context.Context, id string, amount int) (int, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	id = domain.NormalizeIdentity(id)
	if id == "" {
		return 0, domain.ErrUnauthenticated
	}
	balance, err := l.users.AdjustCredits(ctx, id, domain.CreditRemove, amount)
	if err != nil {
		return 0, fmt.Errorf("remove credits: %w", err)
	}
	l.logger.Info("credits removed", "identity", id, "amount", amount, "balance", balance)
	return balance, nil
}

// Adjust applies an admin credit operation.
func (l *Ledger) Adjust(ctx context.Context, id string, op domain.CreditOp, amount int) (int, error) {
	switch op {
	case domain.CreditAdd:
		return l.Add(ctx, id, amount)
	case domain.CreditRemove:
		return l.Remove(ctx, id, amount)
	default:
		return 0, errors.New("unknown credit operation: " + string(op))
	}
}
