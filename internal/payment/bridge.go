// Package payment credits on-chain Aptos transfers.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/metrics"
)

const (
	// TransferFunction is the Move entry function used for purchases.
	TransferFunction = "0x1::aptos_account::transfer"
	// DefaultRecipient receives purchase payments.
	DefaultRecipient = "0xbb629c088b696f8c3500d0133692a1ad98a90baef9d957056ec4067523181e9a"
	// DefaultPriceOctas is 0.5 APT.
	DefaultPriceOctas uint64 = 50_000_000

	// FailureMessage is appended to the conversation when a purchase fails.
	FailureMessage = "Transaction failed. Please try again later."
)

// SuccessMessage is appended to the conversation after a credited purchase.
func SuccessMessage(credits int) string {
	plural := ""
	if credits != 1 {
		plural = "s"
	}
	return fmt.Sprintf("Thank you for your purchase! %d credit%s added to your balance.", credits, plural)
}

// TransferSpec is the entry function payload the wallet signs.
type TransferSpec struct {
	Function          string   `json:"function"`
	TypeArguments     []string `json:"typeArguments"`
	FunctionArguments []string `json:"functionArguments"`
}

// Wallet signs and submits a transfer, returning the transaction hash.
type Wallet interface {
	SignAndSubmitTransaction(ctx context.Context, spec TransferSpec) (string, error)
}

// SubmittedWallet is a wallet whose signing already happened in the
// browser; it hands back the hash the client reported.
type SubmittedWallet struct {
	Hash string
}

// SignAndSubmitTransaction implements Wallet.
func (w SubmittedWallet) SignAndSubmitTransaction(context.Context, TransferSpec) (string, error) {
	hash := strings.ToLower(strings.TrimSpace(w.Hash))
	if !strings.HasPrefix(hash, "0x") || len(hash) < 3 {
		return "", errors.New("missing or malformed transaction hash")
	}
	return hash, nil
}

// Confirmer waits for a submitted transaction to commit.
type Confirmer interface {
	Confirm(ctx context.Context, hash string) (*ChainTransaction, error)
}

// Crediter is the slice of the credit ledger the bridge needs.
type Crediter interface {
	Add(ctx context.Context, id string, amount int) (int, error)
}

// Transactions records credited purchases.
type Transactions interface {
	GetTransaction(ctx context.Context, hash string) (*domain.Transaction, error)
	InsertTransaction(ctx context.Context, tx *domain.Transaction) error
}

// Notifier appends an assistant notice to a vault conversation.
type Notifier interface {
	AppendAssistant(ctx context.Context, identity, vaultID, content string) (*domain.Conversation, error)
}

// Config describes the purchase transfer.
type Config struct {
	Recipient     string
	PriceOctas    uint64
	CreditsPerBuy int
}

// Receipt describes a credited purchase.
type Receipt struct {
	Hash         string `json:"hash"`
	CreditsAdded int    `json:"credits_added"`
	Balance      int    `json:"balance"`
	Message      string `json:"message"`
}

// Bridge turns a confirmed transfer into credits.
type Bridge struct {
	ledger    Crediter
	txs       Transactions
	notes     Notifier
	confirmer Confirmer
	cfg       Config
	logger    *slog.Logger
}

// NewBridge creates a payment bridge.
func NewBridge(ledger Crediter, txs Transactions, notes Notifier, confirmer Confirmer, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.Recipient == "" {
		cfg.Recipient = DefaultRecipient
	}
	if cfg.PriceOctas == 0 {
		cfg.PriceOctas = DefaultPriceOctas
	}
	if cfg.CreditsPerBuy <= 0 {
		cfg.CreditsPerBuy = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{ledger: ledger, txs: txs, notes: notes, confirmer: confirmer, cfg: cfg, logger: logger}
}

// Transfer returns the payload the wallet must sign.
func (b *Bridge) Transfer() TransferSpec {
	return TransferSpec{
		Function:          TransferFunction,
		TypeArguments:     []string{},
		FunctionArguments: []string{b.cfg.Recipient, strconv.FormatUint(b.cfg.PriceOctas, 10)},
	}
}

// Purchase has wallet sign the transfer, waits for it to commit and then
// credits identity, which must be the sending wallet address. Anonymous
// identities get domain.ErrUnauthenticated before anything is submitted. Any
// other failure leaves the balance untouched, appends
// FailureMessage to the conversation and returns an error wrapping
// domain.ErrTransactionFailed. A hash that was already credited returns
// domain.ErrDuplicateTransaction.
func (b *Bridge) Purchase(ctx context.Context, identity, vaultID string, wallet Wallet) (*Receipt, error) {
	identity = domain.NormalizeIdentity(identity)
	if !domain.IsWalletAddress(identity) {
		return nil, fmt.Errorf("purchase requires a connected wallet: %w", domain.ErrUnauthenticated)
	}

	hash, err := wallet.SignAndSubmitTransaction(ctx, b.Transfer())
	if err != nil {
		return nil, b.fail(ctx, identity, vaultID, "", fmt.Errorf("submit: %w", err))
	}

	existing, err := b.txs.GetTransaction(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("lookup transaction: %w", err)
	}
	if existing != nil {
		metrics.Purchases.WithLabelValues("duplicate").Inc()
		return nil, fmt.Errorf("%s: %w", hash, domain.ErrDuplicateTransaction)
	}

	tx, err := b.confirmer.Confirm(ctx, hash)
	if err != nil {
		return nil, b.fail(ctx, identity, vaultID, hash, err)
	}
	if err := b.verify(identity, tx); err != nil {
		return nil, b.fail(ctx, identity, vaultID, hash, err)
	}

	record := &domain.Transaction{
		Hash:         hash,
		Identity:     identity,
		VaultID:      vaultID,
		AmountOctas:  b.cfg.PriceOctas,
		CreditsAdded: b.cfg.CreditsPerBuy,
		CreatedAt:    time.Now().UTC(),
	}
	if err := b.txs.InsertTransaction(ctx, record); err != nil {
		if errors.Is(err, domain.ErrDuplicateTransaction) {
			metrics.Purchases.WithLabelValues("duplicate").Inc()
		}
		return nil, fmt.Errorf("record transaction: %w", err)
	}

	balance, err := b.ledger.Add(ctx, identity, b.cfg.CreditsPerBuy)
	if err != nil {
		b.logger.Error("transaction recorded but credit failed", "identity", identity, "hash", hash, "error", err)
		return nil, fmt.Errorf("credit purchase: %w", err)
	}

	msg := SuccessMessage(b.cfg.CreditsPerBuy)
	if _, err := b.notes.AppendAssistant(ctx, identity, vaultID, msg); err != nil {
		b.logger.Warn("failed to append purchase receipt", "identity", identity, "vault_id", vaultID, "error", err)
	}
	metrics.Purchases.WithLabelValues("ok").Inc()
	b.logger.Info("purchase credited", "identity", identity, "vault_id", vaultID, "hash", hash, "credits", b.cfg.CreditsPerBuy, "balance", balance)

	return &Receipt{Hash: hash, CreditsAdded: b.cfg.CreditsPerBuy, Balance: balance, Message: msg}, nil
}

// verify checks that tx is the expected transfer from identity.
func (b *Bridge) verify(identity string, tx *ChainTransaction) error {
	if tx == nil || !tx.Success {
		status := ""
		if tx != nil {
			status = tx.VMStatus
		}
		return fmt.Errorf("transaction not successful: %s", status)
	}
	if tx.Payload.Function != TransferFunction {
		return fmt.Errorf("unexpected function %q", tx.Payload.Function)
	}
	recipient, ok := tx.StringArgument(0)
	if !ok || !sameAddress(recipient, b.cfg.Recipient) {
		return fmt.Errorf("unexpected recipient %q", recipient)
	}
	amount, ok := tx.StringArgument(1)
	if !ok {
		return errors.New("missing transfer amount")
	}
	octas, err := strconv.ParseUint(amount, 10, 64)
	if err != nil || octas < b.cfg.PriceOctas {
		return fmt.Errorf("transfer amount %q below price %d", amount, b.cfg.PriceOctas)
	}
	if !sameAddress(tx.Sender, identity) {
		return fmt.Errorf("sender %s does not match %s", tx.Sender, identity)
	}
	return nil
}

// sameAddress compares Aptos addresses ignoring case and leading zero padding.
func sameAddress(a, b string) bool {
	norm := func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
		s = strings.TrimLeft(s, "0")
		return s
	}
	return norm(a) == norm(b)
}

func (b *Bridge) fail(ctx context.Context, identity, vaultID, hash string, cause error) error {
	metrics.Purchases.WithLabelValues("failed").Inc()
	b.logger.Warn("purchase failed", "identity", identity, "vault_id", vaultID, "hash", hash, "error", cause)
	if _, err := b.notes.AppendAssistant(context.WithoutCancel(ctx), identity, vaultID, FailureMessage); err != nil {
		b.logger.Warn("failed to append purchase failure notice", "identity", identity, "error", err)
	}
	return fmt.Errorf("%w: %w", domain.ErrTransactionFailed, cause)
}
