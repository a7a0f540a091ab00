package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/store/storetest"
)

func TestSweepOAuthStatesRemovesExpired(t *testing.T) {
	repo := storetest.New(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveOAuthState(ctx, &domain.OAuthState{State: "old", Identity: "anon_1", Verifier: "v", CreatedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, repo.SaveOAuthState(ctx, &domain.OAuthState{State: "new", Identity: "anon_1", Verifier: "v"}))

	require.NoError(t, SweepOAuthStates(ctx, repo, 10*time.Minute, slog.Default()))

	old, err := repo.ConsumeOAuthState(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, old)
	fresh, err := repo.ConsumeOAuthState(ctx, "new")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
}

type busyStore struct {
	calls atomic.Int32
}

func (b *busyStore) DeleteExpiredOAuthStates(context.Context, time.Duration) (int64, error) {
	b.calls.Add(1)
	return 0, errors.New("database is locked (5) (SQLITE_BUSY)")
}

func TestSweepOAuthStatesCallsStoreOnce(t *testing.T) {
	store := &busyStore{}

	err := SweepOAuthStates(context.Background(), store, time.Minute, slog.Default())
	require.Error(t, err)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestAddRejectsBadSchedule(t *testing.T) {
	s := New(nil)
	err := s.Add("not a schedule", "bad", func(context.Context) error { return nil })
	require.Error(t, err)
}

func TestSweeperRunsJobsAndStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Add("@every 1s", "count", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
}
