// Package taskgate tracks the three verification tasks that unlock the
// one-time credit allowance.
package taskgate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/metrics"
)

// DefaultAllowance is the balance set by the task-completion grant.
const DefaultAllowance = 5

// GrantPolicy decides what happens on re-evaluation after the grant was issued.
type GrantPolicy string

const (
	// GrantOnce sets the allowance a single time and never tops it up.
	GrantOnce GrantPolicy = "once"
	// GrantFloor restores a below-allowance balance on every re-evaluation.
	GrantFloor GrantPolicy = "floor"
)

// StateStore persists task progress.
type StateStore interface {
	GetTaskState(ctx context.Context, identity string) (*domain.TaskState, error)
	SaveTaskState(ctx context.Context, state *domain.TaskState) error
}

// Granter is the part of the credit ledger the gate writes to.
type Granter interface {
	Balance(ctx context.Context, id string) (int, error)
	Grant(ctx context.Context, id string, amount int) error
}

// Gate is the task state machine for every identity.
type Gate struct {
	states    StateStore
	ledger    Granter
	policy    GrantPolicy
	allowance int
	logger    *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithPolicy selects the re-evaluation policy.
func WithPolicy(p GrantPolicy) Option {
	return func(g *Gate) { g.policy = p }
}

// WithAllowance overrides the granted balance.
func WithAllowance(n int) Option {
	return func(g *Gate) { g.allowance = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a gate with the GrantOnce policy.
func New(states StateStore, ledger Granter, opts ...Option) *Gate {
	g := &Gate{
		states:    states,
		ledger:    ledger,
		policy:    GrantOnce,
		allowance: DefaultAllowance,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate returns the next state and whether the grant must be issued now.
// creditsAwarded flips to true only when all three tasks are done, and only once.
func Evaluate(st domain.TaskState) (domain.TaskState, bool) {
	if st.CreditsAwarded || !st.AllTasksComplete() {
		return st, false
	}
	st.CreditsAwarded = true
	return st, true
}

// State returns the stored progress for id, or a fresh all-false state.
func (g *Gate) State(ctx context.Context, id string) (*domain.TaskState, error) {
	id = domain.NormalizeIdentity(id)
	if id == "" {
		return nil, domain.ErrUnauthenticated
	}
	st, err := g.states.GetTaskState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load task state: %w", err)
	}
	if st == nil {
		st = &domain.TaskState{Identity: id}
	}
	return st, nil
}

func (g *Gate) mutate(ctx context.Context, id string, fn func(*domain.TaskState)) (*domain.TaskState, error) {
	st, err := g.State(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(st)
	if err := g.states.SaveTaskState(ctx, st); err != nil {
		return nil, fmt.Errorf("save task state: %w", err)
	}
	return g.EvaluateAndGrant(ctx, st.Identity)
}

// MarkTwitterConnected records a completed OAuth round trip.
func (g *Gate) MarkTwitterConnected(ctx context.Context, id string) (*domain.TaskState, error) {
	return g.mutate(ctx, id, func(st *domain.TaskState) { st.TwitterConnected = true })
}

// MarkCommunityJoined records that the user was sent to the community link.
// The signal is client-asserted and never verified.
func (g *Gate) MarkCommunityJoined(ctx context.Context, id string) (*domain.TaskState, error) {
	return g.mutate(ctx, id, func(st *domain.TaskState) { st.CommunityJoined = true })
}

// MarkFollowVerified records a positive follow check and clears the failure count.
func (g *Gate) MarkFollowVerified(ctx context.Context, id string) (*domain.TaskState, error) {
	return g.mutate(ctx, id, func(st *domain.TaskState) {
		st.FollowVerified = true
		st.FollowFailures = 0
	})
}

// RecordFollowFailure bumps the indeterminate follow-check counter.
func (g *Gate) RecordFollowFailure(ctx context.Context, id string) (*domain.TaskState, error) {
	st, err := g.State(ctx, id)
	if err != nil {
		return nil, err
	}
	st.FollowFailures++
	if err := g.states.SaveTaskState(ctx, st); err != nil {
		return nil, fmt.Errorf("save task state: %w", err)
	}
	return st, nil
}

// EvaluateAndGrant issues the allowance when all tasks are complete and it
// has not been issued yet. Safe to call any number of times.
func (g *Gate) EvaluateAndGrant(ctx context.Context, id string) (*domain.TaskState, error) {
	st, err := g.State(ctx, id)
	if err != nil {
		return nil, err
	}

	next, grant := Evaluate(*st)
	if grant {
		// The awarded flag is stored before the balance is set so a failed
		// save can never lead to a second grant.
		if err := g.states.SaveTaskState(ctx, &next); err != nil {
			return nil, fmt.Errorf("save task state: %w", err)
		}
		if err := g.ledger.Grant(ctx, next.Identity, g.allowance); err != nil {
			if rbErr := g.states.SaveTaskState(context.WithoutCancel(ctx), st); rbErr != nil {
				g.logger.Error("failed to clear awarded flag after grant error", "identity", next.Identity, "error", rbErr)
			}
			return nil, fmt.Errorf("issue grant: %w", err)
		}
		metrics.CreditsGranted.Inc()
		g.logger.Info("task grant issued", "identity", next.Identity, "allowance", g.allowance)
		return &next, nil
	}

	if g.policy == GrantFloor && st.CreditsAwarded {
		if err := g.floor(ctx, st.Identity); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (g *Gate) floor(ctx context.Context, id string) error {
	bal, err := g.ledger.Balance(ctx, id)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if bal >= g.allowance {
		return nil
	}
	if err := g.ledger.Grant(ctx, id, g.allowance); err != nil {
		return fmt.Errorf("floor balance: %w", err)
	}
	g.logger.Info("balance floored to allowance", "identity", id, "previous", bal, "allowance", g.allowance)
	return nil
}
