// Package walletclient calls the internal wallet routes with HMAC signed
// requests.
package walletclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/hmacauth"
	"github.com/punchamoorthee/walletcore/internal/retry"
)

// DefaultRetry retries transport failures and 5xx answers. Attempts are at
// least a second apart so each re-signed request carries a new timestamp and
// is not taken for a replay.
var DefaultRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Factor: 2, MaxDelay: 4 * time.Second}

type Client struct {
	baseURL string
	secret  string
	service string
	http    *http.Client
	retry   retry.Policy
	now     func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithService sets X-Service-Name, which scopes idempotency keys server side.
func WithService(name string) Option {
	return func(c *Client) { c.service = name }
}

func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(baseURL, secret string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 10 * time.Second},
		retry:   DefaultRetry,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type RequestInput struct {
	From     string            `json:"from_phone"`
	FromKind string            `json:"from_kind,omitempty"`
	To       string            `json:"to_phone"`
	Amount   int64             `json:"amount_cents"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type InvoiceInput struct {
	Issuer     string     `json:"issuer"`
	IssuerKind string     `json:"issuer_kind,omitempty"`
	Payer      string     `json:"payer"`
	Amount     int64      `json:"amount_cents"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	Reference  string     `json:"reference,omitempty"`
}

type TransferInput struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount_cents"`
	Reference string `json:"reference,omitempty"`
	KYCLevel  int    `json:"kyc_level,omitempty"`
}

// CreateRequest asks in.To to pay in.From. A non-empty key makes the call
// safe to repeat.
func (c *Client) CreateRequest(ctx context.Context, key string, in RequestInput) (*domain.PaymentRequest, error) {
	var out domain.PaymentRequest
	if err := c.do(ctx, http.MethodPost, "/internal/requests", key, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetRequest(ctx context.Context, id int64) (*domain.PaymentRequest, error) {
	var out domain.PaymentRequest
	if err := c.do(ctx, http.MethodGet, "/internal/requests/"+strconv.FormatInt(id, 10), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateInvoice(ctx context.Context, key string, in InvoiceInput) (*domain.Invoice, error) {
	var out domain.Invoice
	if err := c.do(ctx, http.MethodPost, "/internal/invoices", key, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transfer moves money between two owners. The key is required.
func (c *Client) Transfer(ctx context.Context, key string, in TransferInput) (*domain.TransferResult, error) {
	var out domain.TransferResult
	if err := c.do(ctx, http.MethodPost, "/internal/transfer", key, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Wallet(ctx context.Context, owner string) (*domain.Wallet, error) {
	var out domain.Wallet
	if err := c.do(ctx, http.MethodGet, "/internal/wallet?owner="+url.QueryEscape(owner), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type envelope struct {
	Error *domain.Error `json:"error"`
}

// do signs and sends one call. Unkeyed writes are sent once; everything else
// is retried on transport errors and 5xx answers.
func (c *Client) do(ctx context.Context, method, path, key string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	policy := c.retry
	if method != http.MethodGet && key == "" {
		policy.MaxAttempts = 1
	}

	res := retry.Do(ctx, policy, func(ctx context.Context, attempt int) retry.Result[[]byte] {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return retry.Fail[[]byte](retry.Permanent, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.service != "" {
			req.Header.Set("X-Service-Name", c.service)
		}
		if key != "" {
			req.Header.Set(hmacauth.HeaderIdempotency, key)
		}
		hmacauth.SignRequest(req, c.secret, c.now(), body)

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.Fail[[]byte](retry.Retryable, err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return retry.Fail[[]byte](retry.Retryable, err)
		}
		if resp.StatusCode < 300 {
			return retry.Ok(raw)
		}
		kind := retry.Permanent
		if resp.StatusCode >= 500 {
			kind = retry.Retryable
		}
		return retry.Fail[[]byte](kind, decodeError(resp.StatusCode, raw))
	})
	if !res.OK() {
		return res.Err
	}
	if out == nil || len(res.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil && env.Error.Code != "" {
		return env.Error
	}
	return fmt.Errorf("wallet service returned %d: %s", status, strings.TrimSpace(string(raw)))
}
