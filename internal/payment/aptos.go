package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/clusterprotocol/vault-guardian/internal/metrics"
)

// ChainTransaction is the subset of a fullnode transaction the bridge inspects.
type ChainTransaction struct {
	Hash     string `json:"hash"`
	Type     string `json:"type"`
	Sender   string `json:"sender"`
	Success  bool   `json:"success"`
	VMStatus string `json:"vm_status"`
	Payload  struct {
		Function      string            `json:"function"`
		TypeArguments []string          `json:"type_arguments"`
		Arguments     []json.RawMessage `json:"arguments"`
	} `json:"payload"`
}

// StringArgument returns argument i when it is a JSON string.
func (t *ChainTransaction) StringArgument(i int) (string, bool) {
	if i >= len(t.Payload.Arguments) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(t.Payload.Arguments[i], &s); err != nil {
		return "", false
	}
	return s, true
}

var errPending = errors.New("transaction not yet committed")

// AptosClient confirms transactions against an Aptos fullnode REST API.
type AptosClient struct {
	baseURL  string
	http     *http.Client
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// AptosOptions configures an AptosClient.
type AptosOptions struct {
	HTTPClient *http.Client
	// Timeout bounds the whole confirmation wait.
	Timeout time.Duration
	// Interval is the first polling delay; later delays grow exponentially.
	Interval time.Duration
	Logger   *slog.Logger
}

// NewAptosClient creates a client for nodeURL, e.g. https://fullnode.testnet.aptoslabs.com/v1.
func NewAptosClient(nodeURL string, opts AptosOptions) *AptosClient {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AptosClient{
		baseURL:  strings.TrimRight(nodeURL, "/"),
		http:     opts.HTTPClient,
		timeout:  opts.Timeout,
		interval: opts.Interval,
		logger:   opts.Logger,
	}
}

// TransactionByHash fetches a transaction once. A transaction the node does
// not know yet, or still holds as pending, yields errPending.
func (c *AptosClient) TransactionByHash(ctx context.Context, hash string) (*ChainTransaction, error) {
	endpoint := c.baseURL + "/transactions/by_hash/" + url.PathEscape(hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read transaction: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errPending
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("fullnode returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("fullnode returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var tx ChainTransaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode transaction: %w", err))
	}
	if tx.Type == "pending_transaction" {
		return nil, errPending
	}
	return &tx, nil
}

// Confirm polls until hash is committed, the timeout elapses, or ctx ends.
func (c *AptosClient) Confirm(ctx context.Context, hash string) (*ChainTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.interval
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = c.timeout

	var tx *ChainTransaction
	op := func() error {
		var err error
		tx, err = c.TransactionByHash(ctx, hash)
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.IncUpstreamRetry("aptos_by_hash")
		c.logger.Debug("waiting for transaction", "hash", hash, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("confirm %s: %w", hash, err)
	}
	return tx, nil
}
