// Package follow decides whether a user follows the project's account.
//
// A successful social-graph lookup is authoritative. A 403 carrying the
// provider's OAuth2 restriction marker is treated as following. Any other
// failure is indeterminate; after a bounded number of those the user may
// attest manually.
package follow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/metrics"
)

// DefaultTargetID is the account users are asked to follow.
const DefaultTargetID = "1647049883924807680"

// OAuth2RestrictionMarker identifies the provider's read-scope limitation.
const OAuth2RestrictionMarker = "You are not permitted to use OAuth2 on this endpoint"

// NotFollowingMessage is shown when the lookup says the user does not follow.
const NotFollowingMessage = "You are not following the account yet. Follow it and check again."

// Tasks is the task-state surface the verifier drives.
type Tasks interface {
	State(ctx context.Context, id string) (*domain.TaskState, error)
	MarkFollowVerified(ctx context.Context, id string) (*domain.TaskState, error)
	RecordFollowFailure(ctx context.Context, id string) (*domain.TaskState, error)
}

// Accounts resolves the linked social account of an identity.
type Accounts interface {
	GetTwitterAccount(ctx context.Context, identity string) (*domain.TwitterAccount, error)
}

// Result is the outcome of one follow check.
type Result struct {
	Outcome           domain.FollowOutcome `json:"outcome"`
	Following         bool                 `json:"is_following"`
	Fallback          bool                 `json:"fallback,omitempty"`
	Message           string               `json:"message,omitempty"`
	Failures          int                  `json:"failures"`
	OverrideAvailable bool                 `json:"override_available"`
	State             *domain.TaskState    `json:"task_state,omitempty"`
}

// Config tunes the verifier.
type Config struct {
	TargetID    string
	ResultLimit int
	MaxFailures int
}

// Verifier runs follow checks and records their effect on task state.
type Verifier struct {
	lookup   Lookup
	tasks    Tasks
	accounts Accounts
	cfg      Config
	logger   *slog.Logger
}

// NewVerifier creates a verifier. Zero config values take the defaults.
func NewVerifier(lookup Lookup, tasks Tasks, accounts Accounts, cfg Config, logger *slog.Logger) *Verifier {
	if cfg.TargetID == "" {
		cfg.TargetID = DefaultTargetID
	}
	cfg.ResultLimit = clampLimit(cfg.ResultLimit)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{lookup: lookup, tasks: tasks, accounts: accounts, cfg: cfg, logger: logger}
}

// IsPermissionError reports whether err is the provider's OAuth2 read-scope rejection.
func IsPermissionError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == 403 && strings.Contains(se.Body, OAuth2RestrictionMarker)
}

// PrincipalFor loads the linked account of id. It returns
// domain.ErrUnauthenticated when no account has been connected.
func (v *Verifier) PrincipalFor(ctx context.Context, id string) (Principal, error) {
	id = domain.NormalizeIdentity(id)
	if id == "" {
		return Principal{}, domain.ErrUnauthenticated
	}
	acct, err := v.accounts.GetTwitterAccount(ctx, id)
	if err != nil {
		return Principal{}, fmt.Errorf("load twitter account: %w", err)
	}
	if acct == nil {
		return Principal{}, domain.ErrUnauthenticated
	}
	return Principal{
		Identity:      id,
		Handle:        acct.Handle,
		TwitterUserID: acct.TwitterUserID,
		AccessToken:   acct.AccessToken,
	}, nil
}

// CheckIdentity resolves the principal for id and runs Check.
func (v *Verifier) CheckIdentity(ctx context.Context, id string) (*Result, error) {
	p, err := v.PrincipalFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return v.Check(ctx, p)
}

// Check runs one follow check for p.
//
// On an indeterminate result the returned error wraps
// domain.ErrVerificationIndeterminate and the Result carries the failure
// count and whether the manual override is now available.
func (v *Verifier) Check(ctx context.Context, p Principal) (*Result, error) {
	if p.Identity == "" || (p.Handle == "" && p.AccessToken == "") {
		return nil, domain.ErrUnauthenticated
	}

	ids, err := v.lookup.FollowingIDs(ctx, p, v.cfg.ResultLimit)
	switch {
	case err == nil:
		if slices.Contains(ids, v.cfg.TargetID) {
			metrics.FollowChecks.WithLabelValues(string(domain.FollowFollowing)).Inc()
			return v.verified(ctx, p, false)
		}
		metrics.FollowChecks.WithLabelValues(string(domain.FollowNotFollowing)).Inc()
		st, err := v.tasks.State(ctx, p.Identity)
		if err != nil {
			return nil, err
		}
		v.logger.Info("follow check negative", "identity", p.Identity, "handle", p.Handle, "ids", len(ids))
		return &Result{
			Outcome:           domain.FollowNotFollowing,
			Message:           NotFollowingMessage,
			Failures:          st.FollowFailures,
			OverrideAvailable: st.FollowFailures >= v.cfg.MaxFailures,
			State:             st,
		}, nil

	case IsPermissionError(err):
		metrics.FollowChecks.WithLabelValues("fallback").Inc()
		v.logger.Warn("follow lookup rejected by provider scope, assuming following",
			"identity", p.Identity, "handle", p.Handle)
		return v.verified(ctx, p, true)

	case ctx.Err() != nil:
		return nil, ctx.Err()

	default:
		metrics.FollowChecks.WithLabelValues(string(domain.FollowIndeterminate)).Inc()
		st, recErr := v.tasks.RecordFollowFailure(ctx, p.Identity)
		if recErr != nil {
			return nil, recErr
		}
		v.logger.Warn("follow lookup failed",
			"identity", p.Identity, "failures", st.FollowFailures, "error", err)
		return &Result{
			Outcome:           domain.FollowIndeterminate,
			Message:           "We could not verify your follow right now. Please try again.",
			Failures:          st.FollowFailures,
			OverrideAvailable: st.FollowFailures >= v.cfg.MaxFailures,
			State:             st,
		}, fmt.Errorf("%w: %v", domain.ErrVerificationIndeterminate, err)
	}
}

func (v *Verifier) verified(ctx context.Context, p Principal, fallback bool) (*Result, error) {
	st, err := v.tasks.MarkFollowVerified(ctx, p.Identity)
	if err != nil {
		return nil, err
	}
	return &Result{
		Outcome:   domain.FollowFollowing,
		Following: true,
		Fallback:  fallback,
		State:     st,
	}, nil
}

// ManualAttest lets the user self-attest the follow once enough checks
// have come back indeterminate. It is only ever invoked by an explicit
// user action.
func (v *Verifier) ManualAttest(ctx context.Context, id string) (*domain.TaskState, error) {
	st, err := v.tasks.State(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.FollowVerified {
		return st, nil
	}
	if st.FollowFailures < v.cfg.MaxFailures {
		return nil, fmt.Errorf("%d of %d failed checks: %w", st.FollowFailures, v.cfg.MaxFailures, domain.ErrOverrideUnavailable)
	}
	v.logger.Info("follow manually attested", "identity", st.Identity, "failures", st.FollowFailures)
	return v.tasks.MarkFollowVerified(ctx, st.Identity)
}
