// Package httputil provides the JSON HTTP client shared by provider adapters
// and collaborator clients.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/inkframe/backend/internal/retry"
)

const (
	defaultBodyLimit  = 8 << 20
	errorBodyLimit    = 64 << 10
	defaultAPITimeout = 60 * time.Second
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// ErrBodyTooLarge is returned when a response exceeds the read limit.
var ErrBodyTooLarge = errors.New("httputil: response body too large")

// IsTransient reports whether err is worth retrying: network failures,
// 5xx and 429 responses. Context cancellation and other 4xx are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// =============================================================================
// Client
// =============================================================================

// Client issues JSON requests against one base URL with fixed headers.
type Client struct {
	httpClient *http.Client
	baseURL    string
	header     http.Header
	policy     retry.Policy
}

// ClientConfig configures a Client. HTTPClient is shared when set, so that
// every adapter reuses one connection pool.
type ClientConfig struct {
	HTTPClient *http.Client
	BaseURL    string
	Header     map[string]string
	Timeout    time.Duration
	Retry      retry.Policy
}

// NewClient creates a client.
func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultAPITimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.Outbound
	}
	header := make(http.Header, len(cfg.Header))
	for k, v := range cfg.Header {
		header.Set(k, v)
	}
	return &Client{
		httpClient: hc,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		header:     header,
		policy:     policy,
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Do executes one attempt. path may be absolute.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	return c.do(ctx, method, path, payload, body != nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, hasBody bool) (*http.Response, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + path
	}

	var bodyReader io.Reader
	if hasBody {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// JSON performs a request under the client's retry policy and returns the
// raw 2xx body. Non-2xx responses become *StatusError.
func (c *Client) JSON(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	return retry.Do(ctx, c.policy, IsTransient, nil, func(ctx context.Context) ([]byte, error) {
		return c.once(ctx, method, path, payload, body != nil)
	})
}

// JSONOnce is JSON without retries, for callers that classify failures
// themselves.
func (c *Client) JSONOnce(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	return c.once(ctx, method, path, payload, body != nil)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, hasBody bool) ([]byte, error) {
	resp, err := c.do(ctx, method, path, payload, hasBody)
	if err != nil {
		return nil, err
	}
	return ReadResponse(resp, defaultBodyLimit)
}

// Get performs a retried GET and decodes the body into target.
func (c *Client) Get(ctx context.Context, path string, target interface{}) error {
	raw, err := c.JSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decode(raw, target)
}

// Post performs a retried POST with a JSON body and decodes into target.
func (c *Client) Post(ctx context.Context, path string, body, target interface{}) error {
	raw, err := c.JSON(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return decode(raw, target)
}

func decode(raw []byte, target interface{}) error {
	if target == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Fetch downloads an absolute URL under the client's retry policy. It
// returns the body and its content type.
func (c *Client) Fetch(ctx context.Context, url string, limit int64) ([]byte, string, error) {
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	type fetched struct {
		data        []byte
		contentType string
	}
	out, err := retry.Do(ctx, c.policy, IsTransient, nil, func(ctx context.Context) (fetched, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fetched{}, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fetched{}, fmt.Errorf("fetch %s: %w", url, err)
		}
		data, err := ReadResponse(resp, limit)
		if err != nil {
			return fetched{}, err
		}
		return fetched{data: data, contentType: resp.Header.Get("Content-Type")}, nil
	})
	return out.data, out.contentType, err
}

// ReadResponse drains and closes resp. Non-2xx statuses are reported as
// *StatusError carrying a truncated body.
func ReadResponse(resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, truncated, err := ReadAllWithLimit(resp.Body, errorBodyLimit)
		if err != nil {
			return nil, fmt.Errorf("read error response body: %w", err)
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}
	return ReadAllStrict(resp.Body, limit)
}

// ReadAllWithLimit reads at most limit bytes and reports whether more were
// available.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// ReadAllStrict reads r fully and fails when it exceeds limit bytes.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}
