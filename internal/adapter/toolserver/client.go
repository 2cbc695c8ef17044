// Package toolserver calls external tool servers over HTTP:
// POST {endpoint}/tools/{name} with the tool arguments as the JSON body.
package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Strob0t/ReplyForge/internal/port/toolserver"
	"github.com/Strob0t/ReplyForge/internal/resilience"
)

// maxResponseBytes bounds a tool result read into memory.
const maxResponseBytes = 4 << 20

// Client implements toolserver.Client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breakers   *resilience.Group
}

// NewClient creates a tool-server client. baseURL is used for bindings that do
// not override the endpoint. Timeouts come from the caller's context.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// SetBreakers attaches a breaker group; one breaker is kept per tool-server host
// so a failing server does not trip tools hosted elsewhere.
func (c *Client) SetBreakers(g *resilience.Group) {
	c.breakers = g
}

// Invoke posts args to the tool endpoint and returns the JSON result.
func (c *Client) Invoke(ctx context.Context, endpoint, toolName string, args json.RawMessage) (json.RawMessage, error) {
	base := strings.TrimRight(endpoint, "/")
	if base == "" {
		base = c.baseURL
	}
	if base == "" {
		return nil, toolserver.ErrNotConfigured
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	target := base + "/tools/" + url.PathEscape(toolName)

	var result json.RawMessage
	call := func(ctx context.Context) error {
		out, err := c.post(ctx, target, args)
		if err != nil {
			return err
		}
		result = out
		return nil
	}

	if c.breakers != nil {
		if err := c.breakers.Get(hostOf(base)).ExecuteContext(ctx, call); err != nil {
			return nil, err
		}
		return result, nil
	}
	if err := call(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, target string, args json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(args))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // endpoint from bot configuration
	if err != nil {
		return nil, fmt.Errorf("tool server request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read tool response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &toolserver.StatusError{Status: resp.StatusCode, Body: truncate(data, 256)}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("tool server returned malformed JSON: %s", truncate(data, 64))
	}
	return json.RawMessage(data), nil
}

// IsClientError reports whether err is a 4xx from the tool server that
// reflects the call itself, typically arguments the model got wrong. 408 and
// 429 report server capacity and are not client errors.
func IsClientError(err error) bool {
	var se *toolserver.StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.Status >= 400 && se.Status < 500
}

// NewBreakerGroup returns the breaker group tool-server calls should use: one
// breaker per host that only counts failures of the server, never rejected
// arguments.
func NewBreakerGroup(maxFailures int, timeout time.Duration) *resilience.Group {
	return resilience.NewGroup(maxFailures, timeout, IsClientError)
}

func hostOf(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	return u.Host
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
