// Package litellm provides an HTTP client for the LiteLLM Proxy, used to embed
// retrieval queries with the same model the knowledge base was ingested with.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/ReplyForge/internal/resilience"
)

// Client talks to the LiteLLM Proxy and implements embedding.Embedder.
type Client struct {
	baseURL    string
	masterKey  string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a LiteLLM client that embeds with the given model.
func NewClient(baseURL, masterKey, model string) *Client {
	return &Client{
		baseURL:   baseURL,
		masterKey: masterKey,
		model:     model,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Model returns the embedding model name.
func (c *Client) Model() string { return c.model }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, ordered like the input.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/embeddings", body)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	var result embeddingResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal embeddings: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d inputs", len(result.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			return nil, fmt.Errorf("embed: bad index %d in response", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Health checks if LiteLLM is healthy.
func (c *Client) Health(ctx context.Context) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodGet, "/health/liveliness", nil)
	return err == nil, err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.masterKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.masterKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("litellm API error %d: %s", resp.StatusCode, truncate(data, 256))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.ExecuteContext(ctx, func(context.Context) error { return call() }); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
