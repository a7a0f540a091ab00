// Package oauth runs the Twitter OAuth2 (PKCE) connect flow and keeps the
// linked account's tokens fresh.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
)

// Endpoint is Twitter's OAuth2 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://twitter.com/i/oauth2/authorize",
	TokenURL:  "https://api.twitter.com/2/oauth2/token",
	AuthStyle: oauth2.AuthStyleInHeader,
}

// ErrInvalidState means the callback carried an unknown or expired state.
var ErrInvalidState = errors.New("invalid or expired oauth state")

// Store is the persistence the provider needs.
type Store interface {
	SaveOAuthState(ctx context.Context, st *domain.OAuthState) error
	ConsumeOAuthState(ctx context.Context, state string) (*domain.OAuthState, error)
	GetTwitterAccount(ctx context.Context, identity string) (*domain.TwitterAccount, error)
	UpsertTwitterAccount(ctx context.Context, acct *domain.TwitterAccount) error
}

// Config configures a Provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	StateTTL     time.Duration
	// APIBaseURL is the X API v2 root used for the profile lookup.
	APIBaseURL string
	// Endpoint overrides the OAuth2 endpoint; zero means Twitter's.
	Endpoint   oauth2.Endpoint
	HTTPClient *http.Client
}

// Provider implements the Auth collaborator for Twitter.
type Provider struct {
	cfg        *oauth2.Config
	store      Store
	apiBase    string
	stateTTL   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewProvider creates a provider.
func NewProvider(cfg Config, store Store, logger *slog.Logger) *Provider {
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = Endpoint
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.twitter.com/2"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		store:      store,
		apiBase:    strings.TrimRight(cfg.APIBaseURL, "/"),
		stateTTL:   cfg.StateTTL,
		httpClient: cfg.HTTPClient,
		logger:     logger,
	}
}

// StateTTL is how long a login round trip may take.
func (p *Provider) StateTTL() time.Duration { return p.stateTTL }

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Begin starts a login for identity and returns the authorization URL.
func (p *Provider) Begin(ctx context.Context, identity string) (string, error) {
	identity = domain.NormalizeIdentity(identity)
	if identity == "" {
		return "", domain.ErrUnauthenticated
	}
	state, err := randomState()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	if err := p.store.SaveOAuthState(ctx, &domain.OAuthState{
		State:    state,
		Identity: identity,
		Verifier: verifier,
	}); err != nil {
		return "", fmt.Errorf("save oauth state: %w", err)
	}

	return p.cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

func (p *Provider) client(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// Complete exchanges code for tokens, looks up the profile and links the
// account to the identity that started the login.
func (p *Provider) Complete(ctx context.Context, state, code string) (*domain.TwitterAccount, error) {
	pending, err := p.store.ConsumeOAuthState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("load oauth state: %w", err)
	}
	if pending == nil || time.Since(pending.CreatedAt) > p.stateTTL {
		return nil, ErrInvalidState
	}

	tok, err := p.cfg.Exchange(p.client(ctx), code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: token exchange: %v", domain.ErrUpstreamUnavailable, err)
	}

	profile, err := p.fetchProfile(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	handle, ok := ExtractHandle(profile)
	if !ok {
		return nil, fmt.Errorf("%w: profile has no handle", domain.ErrUnauthenticated)
	}
	userID, _ := lookupString(profile, []string{"data", "id"})

	acct := &domain.TwitterAccount{
		Identity:      pending.Identity,
		TwitterUserID: userID,
		Handle:        handle,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		Expiry:        tok.Expiry,
	}
	if err := p.store.UpsertTwitterAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("store twitter account: %w", err)
	}
	p.logger.Info("twitter account linked", "identity", acct.Identity, "handle", handle)
	return acct, nil
}

func (p *Provider) fetchProfile(ctx context.Context, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/users/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: profile lookup: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: profile lookup status %d: %s", domain.ErrUpstreamUnavailable, resp.StatusCode, body)
	}

	var profile map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

// GetTwitterAccount returns the linked account of identity, refreshing
// its access token first when it has expired.
func (p *Provider) GetTwitterAccount(ctx context.Context, identity string) (*domain.TwitterAccount, error) {
	acct, err := p.store.GetTwitterAccount(ctx, identity)
	if err != nil || acct == nil {
		return acct, err
	}
	if acct.RefreshToken == "" || acct.Expiry.IsZero() || time.Until(acct.Expiry) > time.Minute {
		return acct, nil
	}

	src := p.cfg.TokenSource(p.client(ctx), &oauth2.Token{
		AccessToken:  acct.AccessToken,
		RefreshToken: acct.RefreshToken,
		Expiry:       acct.Expiry,
	})
	tok, err := src.Token()
	if err != nil {
		p.logger.Warn("twitter token refresh failed", "identity", acct.Identity, "error", err)
		return acct, nil
	}

	acct.AccessToken = tok.AccessToken
	acct.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		acct.RefreshToken = tok.RefreshToken
	}
	if err := p.store.UpsertTwitterAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("store refreshed token: %w", err)
	}
	return acct, nil
}
