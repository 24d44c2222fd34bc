// Package search implements the multi-source retrieval layer: independent
// providers queried concurrently, merged into a ranked, URL-unique result
// set. Provider failures are isolated; the aggregate never fails outright.
package search

import (
	"context"

	"github.com/repflow/orchestrator/internal/models"
)

// Provider is a single search-capable source. Implementations must be safe
// for concurrent use across runs. Returned results are ordered best-first
// from the provider's own perspective.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, k int) ([]models.SearchResult, error)
}

// outcome is the settled result of one provider task: either a result list
// or a failure reason, never both.
type outcome struct {
	provider string
	results  []models.SearchResult
	err      error
}

// ResultCache is an optional read-through cache over the full aggregate.
type ResultCache interface {
	Get(ctx context.Context, query string) ([]models.SearchResult, bool)
	Set(ctx context.Context, query string, results []models.SearchResult)
}
