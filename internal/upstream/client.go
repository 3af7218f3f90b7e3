// Package upstream forwards gateway requests to the course-generation API.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amu-labs/gatekeep/internal/config"
	"github.com/amu-labs/gatekeep/internal/metrics"
)

// ErrNotConfigured is returned when no upstream base URL is set.
var ErrNotConfigured = errors.New("upstream base_url is not configured")

// maxResponseBytes bounds how much of an upstream body is buffered.
const maxResponseBytes = 16 << 20

// forwardedHeaders are copied from the inbound request.
var forwardedHeaders = []string{"Accept", "Content-Type", "X-Request-ID"}

// relayedHeaders are copied back from the upstream response.
var relayedHeaders = []string{"Content-Type", "Retry-After", "Cache-Control"}

// Client calls the upstream API. A zero Timeout falls back to 90s.
type Client struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
	Clock   func() time.Time
}

// Response is a fully buffered upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// New builds a Client from configuration.
func New(cfg config.UpstreamConfig) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	}
}

// Configured reports whether a base URL is set.
func (c *Client) Configured() bool {
	return c != nil && c.BaseURL != ""
}

// Forward sends body to path on the upstream with the given method. route is
// the low-cardinality label used for metrics. Non-2xx upstream replies are
// returned as a Response, not an error; errors mean the call itself failed.
func (c *Client) Forward(ctx context.Context, route, method, path string, header http.Header, body []byte) (*Response, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for _, name := range forwardedHeaders {
		if value := header.Get(name); value != "" {
			req.Header.Set(name, value)
		}
	}
	if req.Header.Get("Content-Type") == "" && len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	start := c.now()
	resp, err := c.client().Do(req)
	if err != nil {
		metrics.RecordUpstreamRequest(route, "error", c.now().Sub(start))
		return nil, fmt.Errorf("upstream %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	metrics.RecordUpstreamRequest(route, statusClass(resp.StatusCode), c.now().Sub(start))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: make(http.Header), Body: payload}
	for _, name := range relayedHeaders {
		if value := resp.Header.Get(name); value != "" {
			out.Header.Set(name, value)
		}
	}
	return out, nil
}

func (c *Client) resolve(path string) (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse upstream base_url: %w", err)
	}
	return base.JoinPath(path).String(), nil
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
