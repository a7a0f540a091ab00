package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetryPolicy sets the retry policy used for writes.
func WithRetryPolicy(p shared.RetryPolicy) Option {
	return func(s *SQLiteStore) { s.retry = p }
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		identity TEXT PRIMARY KEY,
		credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
		last_active INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_states (
		identity TEXT PRIMARY KEY,
		twitter_connected INTEGER NOT NULL DEFAULT 0,
		community_joined INTEGER NOT NULL DEFAULT 0,
		follow_verified INTEGER NOT NULL DEFAULT 0,
		credits_awarded INTEGER NOT NULL DEFAULT 0,
		follow_failures INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		identity TEXT NOT NULL,
		vault_id TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (identity, vault_id)
	);

	CREATE TABLE IF NOT EXISTS vaults (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		total_prize REAL NOT NULL DEFAULT 0,
		available_prize REAL NOT NULL DEFAULT 0,
		sponsor TEXT NOT NULL DEFAULT '',
		sponsor_links_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		hash TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		vault_id TEXT NOT NULL,
		amount_octas INTEGER NOT NULL,
		credits_added INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_identity ON transactions(identity, created_at);

	CREATE TABLE IF NOT EXISTS twitter_accounts (
		identity TEXT PRIMARY KEY,
		twitter_user_id TEXT NOT NULL,
		handle TEXT NOT NULL,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expiry INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS oauth_states (
		state TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		verifier TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_oauth_states_created ON oauth_states(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := shared.RetryOnConflict(ctx, s.retry, op, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// GetUser retrieves a user by identity.
func (s *SQLiteStore) GetUser(ctx context.Context, identity string) (*domain.User, error) {
	query := `
		SELECT identity, credits, last_active, created_at, updated_at
		FROM users WHERE identity = ?`

	row := s.db.QueryRowContext(ctx, query, domain.NormalizeIdentity(identity))

	var user domain.User
	var lastActive, createdAt, updatedAt int64
	err := row.Scan(&user.Identity, &user.Credits, &lastActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastActive = time.Unix(lastActive, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	if user.Credits < 0 {
		return fmt.Errorf("upsert user: %w", domain.ErrInvalidAmount)
	}
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.LastActive.IsZero() {
		user.LastActive = now
	}
	user.Identity = domain.NormalizeIdentity(user.Identity)
	user.UpdatedAt = now

	query := `
	INSERT INTO users (identity, credits, last_active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(identity) DO UPDATE SET
		credits = excluded.credits,
		last_active = excluded.last_active,
		updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "upsert user", query,
		user.Identity, user.Credits, user.LastActive.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	return err
}

// AdjustCredits applies op to the stored balance, flooring removal at zero.
func (s *SQLiteStore) AdjustCredits(ctx context.Context, identity string, op domain.CreditOp, amount int) (int, error) {
	if !op.Valid() || amount <= 0 {
		return 0, fmt.Errorf("adjust credits: %w", domain.ErrInvalidAmount)
	}
	identity = domain.NormalizeIdentity(identity)
	now := time.Now().Unix()

	delta := amount
	if op == domain.CreditRemove {
		delta = -amount
	}

	query := `
	INSERT INTO users (identity, credits, last_active, created_at, updated_at)
	VALUES (?, MAX(0, ?), ?, ?, ?)
	ON CONFLICT(identity) DO UPDATE SET
		credits = MAX(0, users.credits + ?),
		updated_at = excluded.updated_at`

	if _, err := s.exec(ctx, "adjust credits", query, identity, delta, now, now, now, delta); err != nil {
		return 0, err
	}

	user, err := s.GetUser(ctx, identity)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, fmt.Errorf("adjust credits: user %s vanished", identity)
	}
	return user.Credits, nil
}

// TouchUser updates the last_active timestamp for a user.
func (s *SQLiteStore) TouchUser(ctx context.Context, identity string, at time.Time) error {
	query := `UPDATE users SET last_active = ?, updated_at = ? WHERE identity = ?`
	result, err := s.exec(ctx, "touch user", query, at.Unix(), time.Now().Unix(), domain.NormalizeIdentity(identity))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("TouchUser affected 0 rows", "identity", identity)
	}
	return nil
}

// GetTaskState retrieves task progress for an identity.
func (s *SQLiteStore) GetTaskState(ctx context.Context, identity string) (*domain.TaskState, error) {
	query := `
		SELECT identity, twitter_connected, community_joined, follow_verified,
		       credits_awarded, follow_failures, updated_at
		FROM task_states WHERE identity = ?`

	row := s.db.QueryRowContext(ctx, query, domain.NormalizeIdentity(identity))

	var st domain.TaskState
	var updatedAt int64
	err := row.Scan(
		&st.Identity, &st.TwitterConnected, &st.CommunityJoined, &st.FollowVerified,
		&st.CreditsAwarded, &st.FollowFailures, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task state: %w", err)
	}
	st.UpdatedAt = time.Unix(updatedAt, 0)
	return &st, nil
}

// SaveTaskState creates or replaces task progress. credits_awarded is
// sticky: once stored as true it is never cleared.
func (s *SQLiteStore) SaveTaskState(ctx context.Context, st *domain.TaskState) error {
	st.Identity = domain.NormalizeIdentity(st.Identity)
	st.UpdatedAt = time.Now()

	query := `
	INSERT INTO task_states (
		identity, twitter_connected, community_joined, follow_verified,
		credits_awarded, follow_failures, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(identity) DO UPDATE SET
		twitter_connected = excluded.twitter_connected,
		community_joined = excluded.community_joined,
		follow_verified = excluded.follow_verified,
		credits_awarded = MAX(task_states.credits_awarded, excluded.credits_awarded),
		follow_failures = excluded.follow_failures,
		updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "save task state", query,
		st.Identity, st.TwitterConnected, st.CommunityJoined, st.FollowVerified,
		st.CreditsAwarded, st.FollowFailures, st.UpdatedAt.Unix(),
	)
	return err
}

// GetConversation retrieves the full transcript for an identity in a vault.
func (s *SQLiteStore) GetConversation(ctx context.Context, identity, vaultID string) (*domain.Conversation, error) {
	query := `
		SELECT identity, vault_id, messages_json, created_at, updated_at
		FROM conversations WHERE identity = ? AND vault_id = ?`

	row := s.db.QueryRowContext(ctx, query, domain.NormalizeIdentity(identity), vaultID)

	var conv domain.Conversation
	var messagesJSON string
	var createdAt, updatedAt int64
	err := row.Scan(&conv.Identity, &conv.VaultID, &messagesJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &conv.Messages); err != nil {
		return nil, fmt.Errorf("decode conversation messages: %w", err)
	}
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)
	return &conv, nil
}

// PutConversation stores the full transcript.
func (s *SQLiteStore) PutConversation(ctx context.Context, conv *domain.Conversation) error {
	messages := conv.Messages
	if messages == nil {
		messages = domain.Transcript{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode conversation messages: %w", err)
	}

	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.Identity = domain.NormalizeIdentity(conv.Identity)
	conv.UpdatedAt = now

	query := `
	INSERT INTO conversations (identity, vault_id, messages_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(identity, vault_id) DO UPDATE SET
		messages_json = excluded.messages_json,
		updated_at = excluded.updated_at`

	_, err = s.exec(ctx, "put conversation", query,
		conv.Identity, conv.VaultID, string(data), conv.CreatedAt.Unix(), conv.UpdatedAt.Unix(),
	)
	return err
}

const vaultColumns = `id, name, total_prize, available_prize, sponsor, sponsor_links_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVault(row rowScanner) (*domain.Vault, error) {
	var v domain.Vault
	var linksJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&v.ID, &v.Name, &v.TotalPrize, &v.AvailablePrize, &v.Sponsor, &linksJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(linksJSON), &v.SponsorLinks); err != nil {
		return nil, fmt.Errorf("decode sponsor links: %w", err)
	}
	v.CreatedAt = time.Unix(createdAt, 0)
	v.UpdatedAt = time.Unix(updatedAt, 0)
	return &v, nil
}

// ListVaults returns all vaults ordered by id.
func (s *SQLiteStore) ListVaults(ctx context.Context) ([]*domain.Vault, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vaultColumns+` FROM vaults ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query vaults: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close vault rows", "error", closeErr)
		}
	}()

	vaults := []*domain.Vault{}
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vault row: %w", err)
		}
		vaults = append(vaults, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vaults: %w", err)
	}
	return vaults, nil
}

// GetVault retrieves a vault by id.
func (s *SQLiteStore) GetVault(ctx context.Context, id string) (*domain.Vault, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+vaultColumns+` FROM vaults WHERE id = ?`, id)
	v, err := scanVault(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan vault: %w", err)
	}
	return v, nil
}

// UpsertVault creates or updates a vault.
func (s *SQLiteStore) UpsertVault(ctx context.Context, v *domain.Vault) error {
	links := v.SponsorLinks
	if links == nil {
		links = []string{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("encode sponsor links: %w", err)
	}

	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	query := `
	INSERT INTO vaults (` + vaultColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		total_prize = excluded.total_prize,
		available_prize = excluded.available_prize,
		sponsor = excluded.sponsor,
		sponsor_links_json = excluded.sponsor_links_json,
		updated_at = excluded.updated_at`

	_, err = s.exec(ctx, "upsert vault", query,
		v.ID, v.Name, v.TotalPrize, v.AvailablePrize, v.Sponsor, string(linksJSON),
		v.CreatedAt.Unix(), v.UpdatedAt.Unix(),
	)
	return err
}

// InsertTransaction records a credited purchase exactly once per hash.
func (s *SQLiteStore) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	tx.Hash = domain.NormalizeIdentity(tx.Hash)
	tx.Identity = domain.NormalizeIdentity(tx.Identity)

	query := `
	INSERT INTO transactions (hash, identity, vault_id, amount_octas, credits_added, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(hash) DO NOTHING`

	result, err := s.exec(ctx, "insert transaction", query,
		tx.Hash, tx.Identity, tx.VaultID, int64(tx.AmountOctas), tx.CreditsAdded, tx.CreatedAt.Unix(),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("insert transaction %s: %w", tx.Hash, domain.ErrDuplicateTransaction)
	}
	return nil
}

const transactionColumns = `hash, identity, vault_id, amount_octas, credits_added, created_at`

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var amount, createdAt int64
	if err := row.Scan(&tx.Hash, &tx.Identity, &tx.VaultID, &amount, &tx.CreditsAdded, &createdAt); err != nil {
		return nil, err
	}
	tx.AmountOctas = uint64(amount)
	tx.CreatedAt = time.Unix(createdAt, 0)
	return &tx, nil
}

// GetTransaction retrieves a purchase by hash.
func (s *SQLiteStore) GetTransaction(ctx context.Context, hash string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE hash = ?`, domain.NormalizeIdentity(hash))
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return tx, nil
}

// ListTransactions returns an identity's purchases, newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, identity string) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE identity = ? ORDER BY created_at DESC, hash`
	rows, err := s.db.QueryContext(ctx, query, domain.NormalizeIdentity(identity))
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transaction rows", "error", closeErr)
		}
	}()

	txs := []*domain.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

// GetTwitterAccount retrieves the linked Twitter account for an identity.
func (s *SQLiteStore) GetTwitterAccount(ctx context.Context, identity string) (*domain.TwitterAccount, error) {
	query := `
		SELECT identity, twitter_user_id, handle, access_token, refresh_token,
		       expiry, created_at, updated_at
		FROM twitter_accounts WHERE identity = ?`

	row := s.db.QueryRowContext(ctx, query, domain.NormalizeIdentity(identity))

	var acct domain.TwitterAccount
	var expiry, createdAt, updatedAt int64
	err := row.Scan(
		&acct.Identity, &acct.TwitterUserID, &acct.Handle, &acct.AccessToken,
		&acct.RefreshToken, &expiry, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan twitter account: %w", err)
	}

	if expiry > 0 {
		acct.Expiry = time.Unix(expiry, 0)
	}
	acct.CreatedAt = time.Unix(createdAt, 0)
	acct.UpdatedAt = time.Unix(updatedAt, 0)
	return &acct, nil
}

// UpsertTwitterAccount links or refreshes a Twitter account.
func (s *SQLiteStore) UpsertTwitterAccount(ctx context.Context, acct *domain.TwitterAccount) error {
	now := time.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.Identity = domain.NormalizeIdentity(acct.Identity)
	acct.UpdatedAt = now

	var expiry int64
	if !acct.Expiry.IsZero() {
		expiry = acct.Expiry.Unix()
	}

	query := `
	INSERT INTO twitter_accounts (
		identity, twitter_user_id, handle, access_token, refresh_token,
		expiry, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(identity) DO UPDATE SET
		twitter_user_id = excluded.twitter_user_id,
		handle = excluded.handle,
		access_token = excluded.access_token,
		refresh_token = CASE WHEN excluded.refresh_token = '' THEN twitter_accounts.refresh_token ELSE excluded.refresh_token END,
		expiry = excluded.expiry,
		updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "upsert twitter account", query,
		acct.Identity, acct.TwitterUserID, acct.Handle, acct.AccessToken, acct.RefreshToken,
		expiry, acct.CreatedAt.Unix(), acct.UpdatedAt.Unix(),
	)
	return err
}

// SaveOAuthState stores a pending authorization round trip.
func (s *SQLiteStore) SaveOAuthState(ctx context.Context, st *domain.OAuthState) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	query := `INSERT INTO oauth_states (state, identity, verifier, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.exec(ctx, "save oauth state", query,
		st.State, domain.NormalizeIdentity(st.Identity), st.Verifier, st.CreatedAt.Unix(),
	)
	return err
}

// ConsumeOAuthState returns and deletes a pending state.
func (s *SQLiteStore) ConsumeOAuthState(ctx context.Context, state string) (*domain.OAuthState, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE state = ? RETURNING state, identity, verifier, created_at`, state)

	var st domain.OAuthState
	var createdAt int64
	err := row.Scan(&st.State, &st.Identity, &st.Verifier, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	st.CreatedAt = time.Unix(createdAt, 0)
	return &st, nil
}

// DeleteExpiredOAuthStates removes states older than ttl.
func (s *SQLiteStore) DeleteExpiredOAuthStates(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.exec(ctx, "delete expired oauth states", `DELETE FROM oauth_states WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
