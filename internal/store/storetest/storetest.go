// Package storetest opens throwaway SQLite repositories for tests.
package storetest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/clusterprotocol/vault-guardian/internal/shared"
	"github.com/clusterprotocol/vault-guardian/internal/store"
)

// New returns a repository backed by a fresh database in t.TempDir.
func New(t testing.TB) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(
		filepath.Join(t.TempDir(), "vault.db"),
		store.WithRetryPolicy(shared.RetryPolicy{MaxRetries: 5, BaseDelay: 5 * time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
