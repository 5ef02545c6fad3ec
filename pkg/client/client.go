package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

// maxResponseBytes bounds how much of a response body is read. Block pages
// and history views can be large; error bodies are small.
const maxResponseBytes = 32 << 20

// APIError is a non-2xx response from the ledger service.
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is set from the Retry-After header on 503 responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API %d: %s", e.StatusCode, e.Message)
}

// IsNotReady reports whether err is a 503 from a service that has not
// finished loading its chain.
func IsNotReady(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusServiceUnavailable
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// Client is the Go SDK for the medledger HTTP API.
type Client struct {
	base       string
	httpClient *http.Client

	mu          sync.RWMutex
	bearerToken string
	tokenExpiry time.Time
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client must not be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken sets an admin token obtained earlier, e.g. from AdminToken.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client for the service at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Token returns the current admin token and its expiry, if any.
func (c *Client) Token() (string, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearerToken, c.tokenExpiry
}

// ── Events ─────────────────────────────────────────────────────────────

// RecordEvent submits one event. A resubmitted event_id returns the original
// receipt with Duplicate set.
func (c *Client) RecordEvent(ctx context.Context, e ledger.Event) (*ledger.Receipt, error) {
	var rc ledger.Receipt
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/ledger/events", nil, e, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

// RecordBatch submits events sealed together into one block.
func (c *Client) RecordBatch(ctx context.Context, events []ledger.Event) ([]ledger.Receipt, error) {
	var out struct {
		Receipts []ledger.Receipt `json:"receipts"`
	}
	body := map[string]any{"events": events}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/ledger/events/batch", nil, body, &out); err != nil {
		return nil, err
	}
	return out.Receipts, nil
}

// ── Reads ──────────────────────────────────────────────────────────────

// Stats returns the chain summary.
func (c *Client) Stats(ctx context.Context) (*ledger.Stats, error) {
	var st ledger.Stats
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// DashboardStats is the summary served on /api/v1/stats.
type DashboardStats struct {
	BlockchainBlocks uint64       `json:"blockchainBlocks"`
	HeadHash         ledger.Hash  `json:"headHash"`
	LastSealedAt     *time.Time   `json:"lastSealedAt,omitempty"`
	Integrity        string       `json:"integrity"`
	State            ledger.State `json:"state"`
}

// DashboardStats returns the dashboard summary.
func (c *Client) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	var ds DashboardStats
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

type blockPage struct {
	Blocks []*ledger.Block `json:"blocks"`
}

// Blocks returns up to limit blocks starting at from.
func (c *Client) Blocks(ctx context.Context, from uint64, limit int) ([]*ledger.Block, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page blockPage
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/blocks", q, nil, &page); err != nil {
		return nil, err
	}
	return page.Blocks, nil
}

// Tail returns the newest n blocks in chain order.
func (c *Client) Tail(ctx context.Context, n int) ([]*ledger.Block, error) {
	q := url.Values{}
	q.Set("tail", strconv.Itoa(n))
	var page blockPage
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/blocks", q, nil, &page); err != nil {
		return nil, err
	}
	return page.Blocks, nil
}

// Block returns the block at index.
func (c *Client) Block(ctx context.Context, index uint64) (*ledger.Block, error) {
	var b ledger.Block
	path := "/api/v1/ledger/blocks/" + strconv.FormatUint(index, 10)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// History returns every block that touches recordID, oldest first.
func (c *Client) History(ctx context.Context, recordID string) ([]*ledger.Block, error) {
	var page blockPage
	path := "/api/v1/ledger/records/" + url.PathEscape(recordID) + "/history"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &page); err != nil {
		return nil, err
	}
	return page.Blocks, nil
}

// ── Verification ───────────────────────────────────────────────────────

// VerifyRequest narrows a verification run. The zero value verifies from the
// checkpoint (or genesis) to the head.
type VerifyRequest struct {
	From    *uint64
	To      *uint64
	Timeout time.Duration
}

// VerifyResult is the report plus the server's error string when the run
// was cut short.
type VerifyResult struct {
	Report *ledger.Report `json:"report"`
	Error  string         `json:"error,omitempty"`
}

// Verify asks the service to verify the chain. A corrupted chain is not an
// error: inspect Report.Valid and Report.Complete.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	q := url.Values{}
	if req.From != nil {
		q.Set("from", strconv.FormatUint(*req.From, 10))
	}
	if req.To != nil {
		q.Set("to", strconv.FormatUint(*req.To, 10))
	}
	if req.Timeout > 0 {
		q.Set("timeout", req.Timeout.String())
	}
	var res VerifyResult
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/verify", q, nil, &res); err != nil {
		return nil, err
	}
	if res.Report == nil {
		return nil, errors.New("verify response carried no report")
	}
	return &res, nil
}

// Checkpoint returns the asserted checkpoint, or nil when none exists.
func (c *Client) Checkpoint(ctx context.Context) (*ledger.Checkpoint, error) {
	var cp ledger.Checkpoint
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/checkpoint", nil, nil, &cp)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// SetCheckpoint asserts block index as trusted. Requires an admin token.
func (c *Client) SetCheckpoint(ctx context.Context, index uint64) (*ledger.Checkpoint, error) {
	var cp ledger.Checkpoint
	body := map[string]uint64{"index": index}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/ledger/checkpoint", nil, body, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ── Admin ──────────────────────────────────────────────────────────────

// AdminToken exchanges the admin secret for a short-lived token and stores
// it on the client for subsequent admin calls.
func (c *Client) AdminToken(ctx context.Context, secret, operator string) (string, time.Time, error) {
	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	body := map[string]string{"secret": secret, "operator": operator}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/admin/token", nil, body, &out); err != nil {
		return "", time.Time{}, err
	}
	c.mu.Lock()
	c.bearerToken = out.Token
	c.tokenExpiry = out.ExpiresAt
	c.mu.Unlock()
	return out.Token, out.ExpiresAt, nil
}

// ── HTTP helpers ───────────────────────────────────────────────────────

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, reqBody, respBody any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	data, err := c.do(req)
	if err != nil {
		return err
	}
	if respBody == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	c.mu.RLock()
	token := c.bearerToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp, body)
	}
	return body, nil
}

func decodeError(resp *http.Response, body []byte) *APIError {
	ae := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		ae.Message = payload.Error
	} else {
		ae.Message = strings.TrimSpace(string(body))
	}
	if ae.Message == "" {
		ae.Message = http.StatusText(resp.StatusCode)
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			ae.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return ae
}
