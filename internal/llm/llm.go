// Package llm talks to an OpenRouter-compatible completions API: it streams
// chat completions as incremental text deltas and lists the model catalog.
package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/comigor/chatstream/internal/config"
)

// ErrNoStream is reported when a successful response carries no body to read.
var ErrNoStream = errors.New("completion response has no readable stream")

// APIError is a non-success HTTP status returned by the provider.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completions API returned status %d: %s", e.Status, e.Body)
}

// StatusCode reports provider failures as a bad gateway.
func (e *APIError) StatusCode() int { return http.StatusBadGateway }

// Client is a completions API client. Credentials are passed per call so the
// key can be rotated without rebuilding the client.
type Client struct {
	baseURL string
	referer string
	title   string
	http    *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a new completions client
func NewClient(cfg config.LLMConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		referer: cfg.Referer,
		title:   cfg.Title,
		// no timeout: a streamed reply runs until it finishes or the caller's context ends
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}
}
