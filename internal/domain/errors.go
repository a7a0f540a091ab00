package domain

import "errors"

var (
	// ErrUnauthenticated means no valid identity or linked social account.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInsufficientCredits means a spend exceeded the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrVerificationIndeterminate means a follow check got no authoritative answer.
	ErrVerificationIndeterminate = errors.New("verification indeterminate")
	// ErrUpstreamUnavailable means the agent, social graph or chain RPC failed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrTransactionFailed means a wallet transfer could not be signed, submitted or confirmed.
	ErrTransactionFailed = errors.New("transaction failed")

	ErrNotFound             = errors.New("not found")
	ErrInvalidAmount        = errors.New("amount must be a positive integer")
	ErrOverrideUnavailable  = errors.New("manual follow override not available yet")
	ErrDuplicateTransaction = errors.New("transaction already credited")
)
