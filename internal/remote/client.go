// Package remote is the device-side client of the activity service.
//
// The client performs no retries of its own: every failure is classified into a Kind and
// handed back to the sync orchestrator, which decides whether the record stays pending.
// Concurrent submits of the same idempotency key from one client are rejected with
// KindDuplicate via the client's in-flight Ledger.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/observability"
	"example.com/fitsync/internal/recordstore"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultPageSize = 100
	maxPages        = 1000
	maxErrorBody    = 64 << 10
)

// RemoteRecord is one activity as the service reports it.
type RemoteRecord struct {
	RemoteID       string
	UserID         string
	IdempotencyKey string
	CreatedAt      time.Time // capture time on the originating device
	UpdatedAt      time.Time
	Payload        activity.Payload
}

// Client talks to the activity service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	timeout    time.Duration
	pageSize   int
	ledger     *Ledger
	logger     *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPageSize sets the listing page size.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a Client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		pageSize:   defaultPageSize,
		ledger:     NewLedger(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ledger exposes the client's in-flight key set.
func (c *Client) Ledger() *Ledger {
	return c.ledger
}

// Submit creates the record remotely under key and returns the remote id. Submitting a key
// the service has already seen returns the existing id.
func (c *Client) Submit(ctx context.Context, rec recordstore.Record, key string) (string, error) {
	if !c.ledger.Acquire(key) {
		return "", &Error{Kind: KindDuplicate, Err: ErrDuplicateInFlight}
	}
	defer c.ledger.Release(key)

	body, err := json.Marshal(NewSubmitRequest(rec, key))
	if err != nil {
		return "", &Error{Kind: KindRejected, Err: fmt.Errorf("encode request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/activities", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	var resp SubmitResponse
	if err := c.do(req, "submit", &resp); err != nil {
		return "", err
	}
	if resp.ActivityID == "" {
		return "", &Error{Kind: KindUnavailable, Err: errors.New("response without activity_id")}
	}
	if resp.Replay {
		c.logger.Debug("submit replayed", "idempotency_key", key, "remote_id", resp.ActivityID)
	}
	return resp.ActivityID, nil
}

// ListActivities returns every activity of userID, following pagination to the end.
func (c *Client) ListActivities(ctx context.Context, userID string) ([]RemoteRecord, error) {
	var (
		out    []RemoteRecord
		cursor string
	)
	for page := 0; page < maxPages; page++ {
		resp, err := c.listPage(ctx, userID, cursor)
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			out = append(out, item.toRemote())
		}
		if resp.NextCursor == "" {
			return out, nil
		}
		if resp.NextCursor == cursor {
			return nil, &Error{Kind: KindUnavailable, Err: errors.New("pagination cursor did not advance")}
		}
		cursor = resp.NextCursor
	}
	return nil, &Error{Kind: KindUnavailable, Err: fmt.Errorf("listing exceeded %d pages", maxPages)}
}

// Healthy probes the service health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return &Error{Kind: KindUnavailable, Err: err}
	}
	return c.do(req, "healthz", nil)
}

func (c *Client) listPage(ctx context.Context, userID, cursor string) (*ListResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/activities?"+q.Encode(), nil)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}

	var resp ListResponse
	if err := c.do(req, "list", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends req and decodes a 2xx JSON body into out (when non-nil). Failures come back as *Error.
func (c *Client) do(req *http.Request, operation string, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.ObserveRemote(operation, "error", time.Since(start))
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	observability.ObserveRemote(operation, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyStatus(resp.StatusCode, errorDetail(resp.Status, raw))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return classifyTransport(err)
		}
		return &Error{Kind: KindUnavailable, Status: resp.StatusCode, Err: fmt.Errorf("decode %s response: %w", operation, err)}
	}
	return nil
}

func errorDetail(status string, raw []byte) string {
	var body ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		return body.Type + ": " + body.Detail
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		return string(bytes.TrimSpace(raw))
	}
	return status
}
