// Package embeddings calls the embeddings sidecar service to vectorize
// query text for the vector search provider.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config holds embeddings service settings.
type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Service generates embeddings over HTTP. Safe for concurrent use.
type Service struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// New builds a service client; zero-value config fields get defaults.
func New(cfg Config, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "text-embedding-3-small"
	}
	return &Service{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger,
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.cfg.BaseURL == "" {
		return nil, fmt.Errorf("embeddings: service not configured")
	}

	buf, err := json.Marshal(embedRequest{Texts: []string{text}, Model: s.cfg.DefaultModel})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/embeddings/", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embeddings: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("embeddings: parse response: %w", err)
	}
	if len(er.Embeddings) == 0 {
		return nil, fmt.Errorf("embeddings: empty response")
	}
	return er.Embeddings[0], nil
}
