// Package vectordb is a minimal Qdrant HTTP client used by the vector
// search provider.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/circuitbreaker"
)

// Config holds vector index connection settings.
type Config struct {
	Host       string
	Port       int
	Collection string
	Timeout    time.Duration
}

// Client talks to a Qdrant-compatible HTTP endpoint. Safe for concurrent use.
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// New builds a client; zero-value config fields get defaults.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "knowledge_base"
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:   cfg,
		base:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "vectordb", logger),
		log:   logger,
	}
}

// Collection returns the configured collection name.
func (c *Client) Collection() string { return c.cfg.Collection }

// Point is one scored hit with its payload.
type Point struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type queryRequest struct {
	Query       []float32 `json:"query"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
}

type queryResponse struct {
	Result struct {
		Points []Point `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

type legacySearchResponse struct {
	Result []Point `json:"result"`
	Status string  `json:"status"`
}

// Search runs a similarity query against the configured collection. It
// prefers the modern /points/query endpoint and falls back to
// /points/search for older servers.
func (c *Client) Search(ctx context.Context, vec []float32, limit int) ([]Point, error) {
	buf, err := json.Marshal(queryRequest{Query: vec, Limit: limit, WithPayload: true})
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, fmt.Sprintf("%s/collections/%s/points/query", c.base, c.cfg.Collection), buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var qr queryResponse
		if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
			return nil, err
		}
		return qr.Result.Points, nil
	}

	legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
	buf2, _ := json.Marshal(legacy)
	resp2, err := c.post(ctx, fmt.Sprintf("%s/collections/%s/points/search", c.base, c.cfg.Collection), buf2)
	if err != nil {
		return nil, fmt.Errorf("vectordb query/search failed: %w", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vectordb status %d", resp2.StatusCode)
	}
	var lr legacySearchResponse
	if err := json.NewDecoder(resp2.Body).Decode(&lr); err != nil {
		return nil, err
	}
	return lr.Result, nil
}

// Healthy pings the collection endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/collections/%s", c.base, c.cfg.Collection), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vectordb status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpw.Do(req)
}
