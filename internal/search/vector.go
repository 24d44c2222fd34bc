package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/embeddings"
	"github.com/repflow/orchestrator/internal/models"
	"github.com/repflow/orchestrator/internal/vectordb"
)

// VectorProvider searches previously indexed documentation through the
// vector index: embed the query, then run a similarity lookup.
type VectorProvider struct {
	embedder *embeddings.Service
	index    *vectordb.Client
	logger   *zap.Logger
}

// NewVectorProvider builds the vector similarity provider.
func NewVectorProvider(embedder *embeddings.Service, index *vectordb.Client, logger *zap.Logger) *VectorProvider {
	return &VectorProvider{embedder: embedder, index: index, logger: logger}
}

func (p *VectorProvider) Name() string { return "vector" }

// Search embeds the query and maps similarity hits to search results.
// Hits without a usable score carry the conservative 0.5 default so they
// rank below direct index matches.
func (p *VectorProvider) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	points, err := p.index.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]models.SearchResult, 0, len(points))
	for _, pt := range points {
		url := payloadString(pt.Payload, "url")
		if url == "" {
			continue
		}
		score := pt.Score
		if score == 0 {
			score = 0.5
		}
		results = append(results, models.SearchResult{
			Source:         "vector",
			Title:          payloadString(pt.Payload, "title"),
			URL:            url,
			Content:        payloadString(pt.Payload, "content"),
			RelevanceScore: score,
		})
	}
	return results, nil
}

func payloadString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
