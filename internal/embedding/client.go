// Package embedding talks to the CLIP similarity service and turns its image
// embeddings into a secondary check on perceptual-hash pairs.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const batchSize = 32

// Client calls the similarity service
type Client struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// NewClient creates a client for the service at endpoint (e.g. http://127.0.0.1:8765)
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 2 * time.Minute},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HealthStatus is the service health report
type HealthStatus struct {
	Status string `json:"status"`
	Device string `json:"device"`
}

// Health checks that the service is up
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var out HealthStatus
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.Status != "healthy" {
		return &out, fmt.Errorf("similarity service unhealthy: %q", out.Status)
	}
	return &out, nil
}

type embeddingsRequest struct {
	Paths []string `json:"paths"`
}

type embeddingsResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embeddings returns one vector per path, in order. An image the service
// could not read yields a nil vector.
func (c *Client) Embeddings(ctx context.Context, paths []string) ([][]float32, error) {
	out := make([][]float32, 0, len(paths))
	for start := 0; start < len(paths); start += batchSize {
		end := min(start+batchSize, len(paths))
		batch := paths[start:end]

		body, err := json.Marshal(embeddingsRequest{Paths: batch})
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		var resp embeddingsResponse
		if err := c.do(req, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != len(batch) {
			return nil, fmt.Errorf("service returned %d embeddings for %d paths", len(resp.Embeddings), len(batch))
		}
		out = append(out, resp.Embeddings...)
		c.logger.Debug("embedded batch", zap.Int("from", start), zap.Int("count", len(batch)))
	}
	return out, nil
}

type similarityRequest struct {
	Emb1 []float32 `json:"emb1"`
	Emb2 []float32 `json:"emb2"`
}

type similarityResponse struct {
	Similarity float64 `json:"similarity"`
}

// Similarity asks the service for the similarity of two normalised
// embeddings. It matches Cosine for unit vectors.
func (c *Client) Similarity(ctx context.Context, a, b []float32) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("embeddings must be non-empty and of equal length, got %d and %d", len(a), len(b))
	}
	body, err := json.Marshal(similarityRequest{Emb1: a, Emb2: b})
	if err != nil {
		return 0, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/similarity", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp similarityResponse
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.Similarity, nil
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("similarity service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("similarity service returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
