package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/fitsync/internal/trigger"
)

const (
	defaultHealthTimeout = 500 * time.Millisecond
	maxErrorBody         = 64 << 10
)

// ErrSyncFailed is returned by Client.Sync when the agent ran the pass but it aborted.
// The partial result is still returned.
var ErrSyncFailed = errors.New("sync failed, will retry")

// APIError is a non-success answer from the local API.
type APIError struct {
	Status int
	Type   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("agent returned %d %s: %s", e.Status, e.Type, e.Detail)
	}
	return fmt.Sprintf("agent returned %d", e.Status)
}

// Client calls a running agent's local API so other processes on the device do not
// touch the store behind its back.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	healthTimeout time.Duration
}

// NewClient returns a Client for the agent listening on address, given as host:port or a
// full URL.
func NewClient(address string) *Client {
	base := strings.TrimRight(address, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, httpClient: &http.Client{}, healthTimeout: defaultHealthTimeout}
}

// Health identifies the agent. It fails fast when nothing listens.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	var out HealthResponse
	if err := c.call(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return HealthResponse{}, err
	}
	if out.Service != ServiceName {
		return HealthResponse{}, fmt.Errorf("%s is not a sync agent (service %q)", c.baseURL, out.Service)
	}
	return out, nil
}

// Sync runs or joins a pass on the agent and returns its result.
func (c *Client) Sync(ctx context.Context) (SyncResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sync", nil)
	if err != nil {
		return SyncResponse{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SyncResponse{}, fmt.Errorf("call agent: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out SyncResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return SyncResponse{}, fmt.Errorf("decode sync response: %w", err)
		}
		return out, nil
	case http.StatusConflict:
		return SyncResponse{}, trigger.ErrNoUser
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode == http.StatusServiceUnavailable {
		var partial SyncResponse
		if json.Unmarshal(body, &partial) == nil && partial.Detail != "" {
			return partial, ErrSyncFailed
		}
	}
	return SyncResponse{}, decodeAPIError(resp.StatusCode, body)
}

// RetryFailed moves userID's failed records back to pending.
func (c *Client) RetryFailed(ctx context.Context, userID string) (int, error) {
	var out struct {
		Moved int `json:"moved"`
	}
	path := "/v1/sync/retry-failed?user_id=" + url.QueryEscape(userID)
	if err := c.call(ctx, http.MethodPost, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Moved, nil
}

// Clear deletes userID's local records, or every record when userID is empty.
func (c *Client) Clear(ctx context.Context, userID string) error {
	path := "/v1/records"
	if userID != "" {
		path += "?user_id=" + url.QueryEscape(userID)
	}
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	var problem struct {
		Type   string `json:"type"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &problem) == nil {
		apiErr.Type, apiErr.Detail = problem.Type, problem.Detail
	}
	return apiErr
}
