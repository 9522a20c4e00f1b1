// Package client talks to the upstream data API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/iTrooz/resilient-loader/internal/api"

	"github.com/sirupsen/logrus"
)

// ErrNetworkUnreachable is returned when a request never produced a response
var ErrNetworkUnreachable = errors.New("network unreachable")

// HTTPError is returned for non-2xx responses
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d", e.StatusCode)
}

// Client fetches the data and health endpoints
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Option configures a Client
type Option func(*http.Client)

// WithTransport sends requests through rt
func WithTransport(rt http.RoundTripper) Option {
	return func(c *http.Client) { c.Transport = rt }
}

// WithProxy sends requests through the HTTP proxy at proxyURL
func WithProxy(proxyURL *url.URL) Option {
	return func(c *http.Client) {
		c.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
}

// New creates a client for the API at baseURL. Every request is bounded by timeout.
func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute: %s", baseURL)
	}

	httpClient := &http.Client{Timeout: timeout}
	for _, opt := range opts {
		opt(httpClient)
	}

	return &Client{baseURL: u, httpClient: httpClient}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	target := c.baseURL.JoinPath(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %w", ErrNetworkUnreachable, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", target, err)
	}

	logrus.Debugf("Fetched %s -> %d (X-Cache: %s)", target, resp.StatusCode, resp.Header.Get("X-Cache"))
	return nil
}

// FetchData performs GET /api/data
func (c *Client) FetchData(ctx context.Context) (*api.DataResponse, error) {
	var data api.DataResponse
	if err := c.getJSON(ctx, "/api/data", &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Health performs GET /api/health
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var health api.HealthResponse
	if err := c.getJSON(ctx, "/api/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}
