// Package backend is the client for the remote resource interface the sync
// engine reconciles against. The backend is opaque to the engine: it
// accepts operations on named resources, enforces version checks, and
// reports conflicts; everything else about it is someone else's schema.
//
// Errors are classified into the engine's taxonomy (transient, validation,
// not-found) as typed sentinels usable with errors.Is. Version conflicts
// are not errors here: Push reports them in its result so the orchestrator
// can reconcile.
package backend

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
	"time"
)

// Error classes. The orchestrator branches on these with errors.Is.
var (
	// ErrTransient covers network failures, timeouts, 429 and 5xx: retry
	// with backoff.
	ErrTransient = errors.New("transient backend failure")
	// ErrValidation covers 400/422: fatal per-item, never retried.
	ErrValidation = errors.New("backend rejected mutation")
	// ErrNotFound covers 404 on a resource that should exist.
	ErrNotFound = errors.New("resource not found")
)

// HTTPError carries the raw status for logging and tests. It wraps one of
// the class sentinels via Unwrap.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	class      error
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error { return e.class }

// TokenProvider supplies the bearer token for each request. Passed in by
// the surrounding app so the engine never owns credentials.
type TokenProvider func(ctx context.Context) (string, error)

// PushRequest is one mutation sent to the backend.
type PushRequest struct {
	ResourceType   string          `json:"-"`
	ResourceID     string          `json:"-"`
	Operation      string          `json:"operation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	BaseVersion    int64           `json:"baseVersion"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// PushResult is the backend's answer to a Push.
type PushResult struct {
	// Applied is true when the mutation landed; the authoritative body and
	// version follow. When false the push hit a version conflict and
	// ServerBody/ServerVersion carry the backend's current state.
	Applied       bool            `json:"-"`
	Body          json.RawMessage `json:"body,omitempty"`
	Version       int64           `json:"version,omitempty"`
	ServerBody    json.RawMessage `json:"serverBody,omitempty"`
	ServerVersion int64           `json:"serverVersion,omitempty"`
	// ServerUpdatedAt is when the conflicting server write happened. The
	// orchestrator's last-write-wins merge compares it against the local
	// mutation's creation time.
	ServerUpdatedAt time.Time `json:"serverUpdatedAt,omitempty"`
}

// Resource is one pulled resource state.
type Resource struct {
	ResourceID string          `json:"resourceId"`
	Body       json.RawMessage `json:"body,omitempty"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updatedAt,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// Client talks to the backend over HTTP.
type Client struct {
	baseURL    string
	token      TokenProvider
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New creates a Client. httpClient may be nil; the default carries a 15s
// timeout so no call can hang a sync cycle.
func New(baseURL string, token TokenProvider, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if token == nil {
		token = func(context.Context) (string, error) { return "", nil }
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Push sends one mutation. The idempotency key travels both in the body
// and as a header so a retried send that already succeeded server-side is
// deduplicated.
func (c *Client) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	path := fmt.Sprintf("/v1/resources/%s/%s",
		url.PathEscape(req.ResourceType), url.PathEscape(req.ResourceID))
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}

	var out PushResult
	status, err := c.doJSON(ctx, http.MethodPost, path, headers, req, &out)
	if err == nil {
		out.Applied = true
		return out, nil
	}
	if status == http.StatusConflict {
		// Conflict payload rides on the error response body; doJSON has
		// decoded it into out already.
		return out, nil
	}
	return PushResult{}, err
}

// Pull fetches the current state of one resource.
func (c *Client) Pull(ctx context.Context, resourceType, resourceID string) (Resource, error) {
	path := fmt.Sprintf("/v1/resources/%s/%s",
		url.PathEscape(resourceType), url.PathEscape(resourceID))
	var out Resource
	if _, err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return Resource{}, err
	}
	if out.ResourceID == "" {
		out.ResourceID = resourceID
	}
	return out, nil
}

// PullSince fetches every resource of a type changed after sinceVersion.
// sinceVersion 0 pulls everything.
func (c *Client) PullSince(ctx context.Context, resourceType string, sinceVersion int64) ([]Resource, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(sinceVersion, 10))
	path := fmt.Sprintf("/v1/resources/%s?%s", url.PathEscape(resourceType), q.Encode())

	var out struct {
		Resources []Resource `json:"resources"`
	}
	if _, err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Resources, nil
}

// Probe checks backend reachability. Used by the connectivity monitor.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: "health probe failed", class: ErrTransient}
}

// doJSON issues one request with bounded quick retries for 429/5xx and
// network errors. It returns the final HTTP status alongside the error so
// Push can recognize conflicts; on 409 the response body is decoded into
// out before the error is returned.
func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) (int, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, err
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return 0, err
		}
		token, err := c.token(ctx)
		if err != nil {
			return 0, fmt.Errorf("token provider: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return 0, waitErr
				}
				continue
			}
			return 0, fmt.Errorf("%w: %v", ErrTransient, err)
		}

		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.StatusCode, fmt.Errorf("%w: %v", ErrTransient, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return resp.StatusCode, nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
			return resp.StatusCode, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return resp.StatusCode, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)

		if resp.StatusCode == http.StatusConflict && out != nil {
			_ = json.Unmarshal(payloadBytes, out)
		}

		return resp.StatusCode, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
			class:      classify(resp.StatusCode),
		}
	}
}

// classify maps an HTTP status to the engine's error taxonomy.
func classify(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrValidation
	case status == http.StatusTooManyRequests || status >= 500:
		return ErrTransient
	case status == http.StatusConflict:
		return nil // handled by the caller, never surfaced as an error class
	default:
		return ErrValidation
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
