//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/clusterprotocol/vault-guardian/internal/agent"
	"github.com/clusterprotocol/vault-guardian/internal/chat"
	"github.com/clusterprotocol/vault-guardian/internal/community"
	"github.com/clusterprotocol/vault-guardian/internal/credits"
	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/follow"
	"github.com/clusterprotocol/vault-guardian/internal/identity"
	"github.com/clusterprotocol/vault-guardian/internal/payment"
	"github.com/clusterprotocol/vault-guardian/internal/relay"
	"github.com/clusterprotocol/vault-guardian/internal/store"
	"github.com/clusterprotocol/vault-guardian/internal/store/storetest"
	"github.com/clusterprotocol/vault-guardian/internal/taskgate"
)

const (
	testWallet     = "0xabc"
	testAdminToken = "s3cret"
)

type fakeLookup struct {
	ids []string
	err error
}

func (f *fakeLookup) FollowingIDs(context.Context, follow.Principal, int) ([]string, error) {
	return f.ids, f.err
}

type fakeConfirmer struct {
	tx  *payment.ChainTransaction
	err error
}

func (f *fakeConfirmer) Confirm(context.Context, string) (*payment.ChainTransaction, error) {
	return f.tx, f.err
}

type testEnv struct {
	repo    *store.SQLiteStore
	ledger  *credits.Ledger
	gate    *taskgate.Gate
	lookup  *fakeLookup
	confirm *fakeConfirmer
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := storetest.New(t)
	ctx := context.Background()
	if err := repo.UpsertVault(ctx, &domain.Vault{ID: "genesis", Name: "Genesis", TotalPrize: 10, AvailablePrize: 10}); err != nil {
		t.Fatalf("seed vault: %v", err)
	}

	ledger := credits.NewLedger(repo, nil)
	gate := taskgate.New(repo, ledger)
	lookup := &fakeLookup{}
	confirm := &fakeConfirmer{err: errors.New("not configured")}
	chatSvc := chat.NewService(ledger, relay.New(agent.NewScripted(0), 4), repo, nil, nil)

	h := NewHandler(Deps{
		Repo:       repo,
		Gate:       gate,
		Ledger:     ledger,
		Follow:     follow.NewVerifier(lookup, gate, repo, follow.Config{}, nil),
		Community:  community.NewService(nil, 0, "https://t.me/example", gate, nil),
		Chat:       chatSvc,
		Payments:   payment.NewBridge(ledger, repo, chatSvc, confirm, payment.Config{}, nil),
		AdminToken: testAdminToken,
		Settings:   Settings{Allowance: taskgate.DefaultAllowance},
	})

	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, true))
	h.RegisterRoutes(r)
	NewHealthHandler(repo, 0).RegisterHealth(r)

	return &testEnv{repo: repo, ledger: ledger, gate: gate, lookup: lookup, confirm: confirm, router: r}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(identity.WalletHeaderName, testWallet)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return got
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("spend: %w", domain.ErrInsufficientCredits), http.StatusPaymentRequired},
		{domain.ErrVerificationIndeterminate, http.StatusServiceUnavailable},
		{domain.ErrUpstreamUnavailable, http.StatusBadGateway},
		{domain.ErrTransactionFailed, http.StatusBadGateway},
		{domain.ErrDuplicateTransaction, http.StatusConflict},
		{domain.ErrOverrideUnavailable, http.StatusConflict},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidAmount, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestTaskFlowGrantsAllowanceOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	if w := e.do(t, http.MethodPost, "/api/tasks/community", ""); w.Code != http.StatusOK {
		t.Fatalf("community: status %d", w.Code)
	}

	// No linked account yet.
	if w := e.do(t, http.MethodPost, "/api/tasks/follow/check", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("follow check without account: expected 401, got %d", w.Code)
	}

	if err := e.repo.UpsertTwitterAccount(ctx, &domain.TwitterAccount{Identity: testWallet, TwitterUserID: "42", Handle: "alice", AccessToken: "tok"}); err != nil {
		t.Fatalf("UpsertTwitterAccount: %v", err)
	}
	if _, err := e.gate.MarkTwitterConnected(ctx, testWallet); err != nil {
		t.Fatalf("MarkTwitterConnected: %v", err)
	}

	e.lookup.ids = []string{"1", follow.DefaultTargetID}
	w := e.do(t, http.MethodPost, "/api/tasks/follow/check", "")
	if w.Code != http.StatusOK {
		t.Fatalf("follow check: status %d body %s", w.Code, w.Body.String())
	}
	if got := decode(t, w); got["is_following"] != true {
		t.Fatalf("expected following, got %v", got)
	}

	me := decode(t, e.do(t, http.MethodGet, "/api/me", ""))
	if me["credits"] != float64(5) {
		t.Fatalf("expected 5 credits, got %v", me["credits"])
	}
	if me["all_tasks"] != true {
		t.Fatalf("expected all tasks complete, got %v", me["all_tasks"])
	}

	// A second check does not grant again.
	e.do(t, http.MethodPost, "/api/tasks/follow/check", "")
	if bal, _ := e.ledger.Balance(ctx, testWallet); bal != 5 {
		t.Fatalf("expected balance to stay 5, got %d", bal)
	}
}

func TestFollowIndeterminateThenAttest(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	if err := e.repo.UpsertTwitterAccount(ctx, &domain.TwitterAccount{Identity: testWallet, Handle: "alice", AccessToken: "tok"}); err != nil {
		t.Fatalf("UpsertTwitterAccount: %v", err)
	}
	e.lookup.err = errors.New("timeout")

	if w := e.do(t, http.MethodPost, "/api/tasks/follow/attest", ""); w.Code != http.StatusConflict {
		t.Fatalf("attest before failures: expected 409, got %d", w.Code)
	}

	var last map[string]any
	for i := 0; i < 2; i++ {
		w := e.do(t, http.MethodPost, "/api/tasks/follow/check", "")
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("check %d: expected 503, got %d", i, w.Code)
		}
		last = decode(t, w)
	}
	result, _ := last["result"].(map[string]any)
	if result["override_available"] != true {
		t.Fatalf("expected override to be available, got %v", last)
	}

	w := e.do(t, http.MethodPost, "/api/tasks/follow/attest", "")
	if w.Code != http.StatusOK {
		t.Fatalf("attest: expected 200, got %d", w.Code)
	}
	if got := decode(t, w); got["follow_verified"] != true {
		t.Fatalf("expected follow verified, got %v", got)
	}
}

func TestAdminCredits(t *testing.T) {
	e := newTestEnv(t)

	body := `{"identity":"0xDEF","op":"add","amount":3}`
	if w := e.do(t, http.MethodPost, "/api/credits", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("without token: expected 401, got %d", w.Code)
	}

	w := e.do(t, http.MethodPost, "/api/credits", body, AdminTokenHeader, testAdminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("add: expected 200, got %d", w.Code)
	}
	if got := decode(t, w); got["credits"] != float64(3) || got["identity"] != "0xdef" {
		t.Fatalf("unexpected add response: %v", got)
	}

	w = e.do(t, http.MethodPost, "/api/credits", `{"identity":"0xdef","op":"remove","amount":10}`, AdminTokenHeader, testAdminToken)
	if got := decode(t, w); got["credits"] != float64(0) {
		t.Fatalf("remove should floor at zero, got %v", got)
	}

	w = e.do(t, http.MethodPost, "/api/credits", `{"identity":"0xdef","op":"add","amount":0}`, AdminTokenHeader, testAdminToken)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("zero amount: expected 400, got %d", w.Code)
	}
}

func TestVaultEndpoints(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/vaults/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/api/vaults/Genesis", "")
	if w.Code != http.StatusOK {
		t.Fatalf("mixed-case id: expected 200, got %d", w.Code)
	}

	w = e.do(t, http.MethodPost, "/api/vaults", `{"id":"Second","name":"Second","total_prize":5,"available_prize":5}`, AdminTokenHeader, testAdminToken)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d body %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPatch, "/api/vaults/second", `{"available_prize":2.5}`, AdminTokenHeader, testAdminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d", w.Code)
	}
	if got := decode(t, w); got["available_prize"] != 2.5 || got["name"] != "Second" {
		t.Fatalf("unexpected patched vault: %v", got)
	}

	w = e.do(t, http.MethodPatch, "/api/vaults/second", `{"available_prize":50}`, AdminTokenHeader, testAdminToken)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("available above total: expected 400, got %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/api/vaults", "")
	var vaults []domain.Vault
	if err := json.NewDecoder(w.Body).Decode(&vaults); err != nil {
		t.Fatalf("decode vaults: %v", err)
	}
	if len(vaults) != 2 {
		t.Fatalf("expected 2 vaults, got %d", len(vaults))
	}
}

func TestPurchaseEndpoint(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/vaults/genesis/purchase", `{"hash":"0x01"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("failed confirmation: expected 502, got %d", w.Code)
	}

	tx := &payment.ChainTransaction{Hash: "0x02", Type: "user_transaction", Sender: testWallet, Success: true}
	tx.Payload.Function = payment.TransferFunction
	tx.Payload.Arguments = []json.RawMessage{
		json.RawMessage(`"` + payment.DefaultRecipient + `"`),
		json.RawMessage(`"50000000"`),
	}
	e.confirm.tx, e.confirm.err = tx, nil

	w = e.do(t, http.MethodPost, "/api/vaults/genesis/purchase", `{"hash":"0x02"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("purchase: expected 200, got %d body %s", w.Code, w.Body.String())
	}
	if got := decode(t, w); got["balance"] != float64(1) {
		t.Fatalf("expected balance 1, got %v", got)
	}

	w = e.do(t, http.MethodPost, "/api/vaults/genesis/purchase", `{"hash":"0x02"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("replay: expected 409, got %d", w.Code)
	}

	conv := decode(t, e.do(t, http.MethodGet, "/api/vaults/genesis/conversation", ""))
	messages, _ := conv["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected failure and receipt notices, got %v", messages)
	}

	w = e.do(t, http.MethodGet, "/api/transactions", "")
	var txs []domain.Transaction
	if err := json.NewDecoder(w.Body).Decode(&txs); err != nil || len(txs) != 1 {
		t.Fatalf("expected one transaction, got %v (%v)", txs, err)
	}
}

func TestPurchaseRequiresWallet(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/vaults/genesis/purchase", strings.NewReader(`{"hash":"0x02"}`))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous purchase: expected 401, got %d body %s", w.Code, w.Body.String())
	}
}

func TestListTransactionsFiltersByVault(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	for _, tx := range []*domain.Transaction{
		{Hash: "0x01", Identity: testWallet, VaultID: "genesis", AmountOctas: 1, CreditsAdded: 1},
		{Hash: "0x02", Identity: testWallet, VaultID: "second", AmountOctas: 1, CreditsAdded: 1},
	} {
		if err := e.repo.InsertTransaction(ctx, tx); err != nil {
			t.Fatalf("insert transaction: %v", err)
		}
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?vault_id=genesis", 1},
		{"?vault_id=Genesis", 1},
		{"?vault_id=missing", 0},
	}
	for _, tt := range tests {
		w := e.do(t, http.MethodGet, "/api/transactions"+tt.query, "")
		var txs []domain.Transaction
		if err := json.NewDecoder(w.Body).Decode(&txs); err != nil {
			t.Fatalf("%q: decode: %v", tt.query, err)
		}
		if len(txs) != tt.want {
			t.Errorf("%q: expected %d transactions, got %d", tt.query, tt.want, len(txs))
		}
	}
}

func TestTwitterLoginDisabled(t *testing.T) {
	e := newTestEnv(t)
	if w := e.do(t, http.MethodGet, "/auth/twitter/login", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSeedVaultsKeepsExisting(t *testing.T) {
	repo := storetest.New(t)
	ctx := context.Background()
	if err := repo.UpsertVault(ctx, &domain.Vault{ID: "genesis", Name: "Edited", TotalPrize: 1, AvailablePrize: 1}); err != nil {
		t.Fatalf("UpsertVault: %v", err)
	}

	path := filepath.Join(t.TempDir(), "vaults.yaml")
	seed := `vaults:
  - id: genesis
    name: Genesis Vault
    totalPrize: 100
    availablePrize: 100
  - id: aptos-core
    name: Aptos Core
    totalPrize: 50
    availablePrize: 25
    vaultSponsor: Cluster Protocol
    sponsorLinks:
      - https://x.com/ClusterProtocol
`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	n, err := SeedVaults(ctx, repo, path)
	if err != nil {
		t.Fatalf("SeedVaults: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 inserted, got %d", n)
	}
	g, _ := repo.GetVault(ctx, "genesis")
	if g.Name != "Edited" {
		t.Fatalf("existing vault overwritten: %+v", g)
	}
	a, _ := repo.GetVault(ctx, "aptos-core")
	if a == nil || a.Sponsor != "Cluster Protocol" || len(a.SponsorLinks) != 1 {
		t.Fatalf("unexpected seeded vault: %+v", a)
	}

	if n, err := SeedVaults(ctx, repo, filepath.Join(t.TempDir(), "missing.yaml")); err != nil || n != 0 {
		t.Fatalf("missing file: n=%d err=%v", n, err)
	}
}
