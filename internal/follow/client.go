package follow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/clusterprotocol/vault-guardian/internal/metrics"
)

// MaxResultLimit is the largest page a lookup may request.
const MaxResultLimit = 5000

// Principal is the authenticated social identity a follow check runs for.
type Principal struct {
	Identity      string
	Handle        string
	TwitterUserID string
	AccessToken   string
}

// Lookup returns the ids an account follows, up to limit.
type Lookup interface {
	FollowingIDs(ctx context.Context, p Principal, limit int) ([]string, error)
}

// StatusError is a non-success response from a social-graph API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("social graph status %d: %s", e.StatusCode, body)
}

// ClientOptions tunes an HTTP lookup client.
type ClientOptions struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestsPerSec float64
	Burst          int
	MaxAttempts    int
	BaseBackoff    time.Duration
}

type apiClient struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
}

func newAPIClient(opts ClientOptions, defaultBase string) apiClient {
	c := apiClient{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		httpClient:  opts.HTTPClient,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBase
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.baseBackoff <= 0 {
		c.baseBackoff = 500 * time.Millisecond
	}
	rps, burst := opts.RequestsPerSec, opts.Burst
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 10
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return c
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxResultLimit {
		return MaxResultLimit
	}
	return limit
}

// getJSON performs a rate-limited GET and decodes a 2xx body into out.
// Non-2xx responses come back as *StatusError.
func (c *apiClient) getJSON(ctx context.Context, endpoint string, req *http.Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.doWithRetry(ctx, endpoint, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// doWithRetry retries 429 and 5xx responses, honoring Retry-After.
func (c *apiClient) doWithRetry(ctx context.Context, endpoint string, req *http.Request) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err == nil {
			retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
			if !retryable || attempt == c.maxAttempts {
				return resp, nil
			}
			wait := retryAfter(resp.Header.Get("Retry-After"), backoff)
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			metrics.IncUpstreamRetry(endpoint)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			continue
		}

		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		metrics.IncUpstreamRetry(endpoint)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func retryAfter(header string, fallback time.Duration) time.Duration {
	if header == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return fallback
}

// RapidAPIClient looks up following ids through the RapidAPI Twitter proxy.
type RapidAPIClient struct {
	apiClient
	apiKey string
	host   string
}

// NewRapidAPIClient creates a client for host (e.g. twitter241.p.rapidapi.com).
func NewRapidAPIClient(apiKey, host string, opts ClientOptions) *RapidAPIClient {
	return &RapidAPIClient{
		apiClient: newAPIClient(opts, "https://"+host),
		apiKey:    apiKey,
		host:      host,
	}
}

// FollowingIDs calls GET /following-ids?username=&count=.
func (c *RapidAPIClient) FollowingIDs(ctx context.Context, p Principal, limit int) ([]string, error) {
	if p.Handle == "" {
		return nil, fmt.Errorf("rapidapi lookup: empty handle")
	}
	q := url.Values{}
	q.Set("username", p.Handle)
	q.Set("count", strconv.Itoa(clampLimit(limit)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/following-ids?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-rapidapi-key", c.apiKey)
	req.Header.Set("x-rapidapi-host", c.host)
	req.Header.Set("Accept", "application/json")

	var raw struct {
		IDs []json.Number `json:"ids"`
	}
	if err := c.getJSON(ctx, "/following-ids", req, &raw); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(raw.IDs))
	for _, id := range raw.IDs {
		ids = append(ids, id.String())
	}
	return ids, nil
}

// TwitterClient looks up following ids with the user's own OAuth2 token.
type TwitterClient struct {
	apiClient
}

// NewTwitterClient creates an X API v2 client.
func NewTwitterClient(opts ClientOptions) *TwitterClient {
	return &TwitterClient{apiClient: newAPIClient(opts, "https://api.twitter.com/2")}
}

// FollowingIDs calls GET /users/{id}/following, paging until limit ids were read.
func (c *TwitterClient) FollowingIDs(ctx context.Context, p Principal, limit int) ([]string, error) {
	if p.TwitterUserID == "" || p.AccessToken == "" {
		return nil, fmt.Errorf("twitter lookup: missing user id or token")
	}
	limit = clampLimit(limit)

	var ids []string
	pageToken := ""
	for len(ids) < limit {
		q := url.Values{}
		q.Set("max_results", strconv.Itoa(min(1000, limit-len(ids))))
		if pageToken != "" {
			q.Set("pagination_token", pageToken)
		}
		u := fmt.Sprintf("%s/users/%s/following?%s", c.baseURL, url.PathEscape(p.TwitterUserID), q.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.AccessToken)
		req.Header.Set("Accept", "application/json")

		var raw struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
			Meta struct {
				NextToken string `json:"next_token"`
			} `json:"meta"`
		}
		if err := c.getJSON(ctx, "/users/following", req, &raw); err != nil {
			return nil, err
		}
		for _, d := range raw.Data {
			ids = append(ids, d.ID)
		}
		if raw.Meta.NextToken == "" {
			break
		}
		pageToken = raw.Meta.NextToken
	}
	return ids, nil
}
