package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/models"
)

// KnowledgeProvider searches the internal knowledge base over its JSON API.
// It requires an endpoint and bearer key; an unconfigured provider returns
// empty rather than failing the aggregate.
type KnowledgeProvider struct {
	apiURL string
	apiKey string
	client *http.Client
	logger *zap.Logger
}

// NewKnowledgeProvider builds the internal knowledge base provider.
func NewKnowledgeProvider(apiURL, apiKey string, client *http.Client, logger *zap.Logger) *KnowledgeProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &KnowledgeProvider{apiURL: apiURL, apiKey: apiKey, client: client, logger: logger}
}

func (p *KnowledgeProvider) Name() string { return "knowledge" }

// Search posts the query to the knowledge API and maps its hits. Missing
// per-hit scores fall back to a rank ladder so merged ranking stays stable.
func (p *KnowledgeProvider) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	if p.apiURL == "" || p.apiKey == "" {
		p.logger.Debug("Knowledge API not configured, skipping internal search")
		return nil, nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"query":           query,
		"limit":           k,
		"include_content": true,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge search: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("knowledge search: HTTP %d", resp.StatusCode)
	}

	var body struct {
		Results []struct {
			Title   string  `json:"title"`
			URL     string  `json:"url"`
			Content string  `json:"content"`
			Snippet string  `json:"snippet"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("knowledge search: parse response: %w", err)
	}

	results := make([]models.SearchResult, 0, len(body.Results))
	for i, item := range body.Results {
		if i >= k {
			break
		}
		content := item.Content
		if content == "" {
			content = item.Snippet
		}
		score := item.Score
		if score == 0 {
			score = 0.90 - float64(i)*0.05
		}
		results = append(results, models.SearchResult{
			Source:         "knowledge",
			Title:          item.Title,
			URL:            item.URL,
			Content:        content,
			RelevanceScore: score,
		})
	}
	return results, nil
}
