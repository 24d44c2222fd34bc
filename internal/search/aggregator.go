package search

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/extract"
	"github.com/repflow/orchestrator/internal/metrics"
	"github.com/repflow/orchestrator/internal/models"
)

// Aggregator fans a query out to all configured providers, isolates
// per-provider failure, and merges the survivors into a deduplicated,
// relevance-ranked window of results.
//
// Provider priority is registration order: on a URL collision the entry
// from the earlier-registered provider wins.
type Aggregator struct {
	providers       []Provider
	providerTimeout time.Duration
	windowMult      int
	cache           ResultCache
	extractor       *extract.Extractor
	logger          *zap.Logger
}

// AggregatorOption customizes an Aggregator.
type AggregatorOption func(*Aggregator)

// WithCache attaches a read-through result cache.
func WithCache(c ResultCache) AggregatorOption {
	return func(a *Aggregator) { a.cache = c }
}

// WithEnrichment attaches best-effort full-text enrichment for merged
// results whose snippet is short.
func WithEnrichment(e *extract.Extractor) AggregatorOption {
	return func(a *Aggregator) { a.extractor = e }
}

// NewAggregator builds an aggregator over providers in priority order.
func NewAggregator(providers []Provider, providerTimeout time.Duration, windowMult int, logger *zap.Logger, opts ...AggregatorOption) *Aggregator {
	if providerTimeout <= 0 {
		providerTimeout = 10 * time.Second
	}
	if windowMult <= 0 {
		windowMult = 2
	}
	a := &Aggregator{
		providers:       providers,
		providerTimeout: providerTimeout,
		windowMult:      windowMult,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Search executes the fan-out/fan-in for one attempt. It always returns a
// (possibly empty) result set; per-provider failures come back as the
// second value for observability, never as an error. The result set is
// unique by URL, sorted by relevance descending (stable for ties, which
// preserves provider priority order), and truncated to windowMult*k.
func (a *Aggregator) Search(ctx context.Context, query string, k int) ([]models.SearchResult, []string) {
	if query == "" {
		return nil, []string{"no search query available"}
	}
	if k <= 0 {
		k = 5
	}

	if a.cache != nil {
		if cached, ok := a.cache.Get(ctx, query); ok {
			metrics.SearchCacheHits.WithLabelValues("hit").Inc()
			a.logger.Debug("Search cache hit", zap.String("query", query), zap.Int("results", len(cached)))
			return cached, nil
		}
		metrics.SearchCacheHits.WithLabelValues("miss").Inc()
	}

	outcomes := a.fanOut(ctx, query, k)

	var searchErrors []string
	merged := make([]models.SearchResult, 0, len(a.providers)*k)
	seen := make(map[string]struct{})

	// Merge in provider-priority order; first occurrence of a URL wins.
	for _, o := range outcomes {
		if o.err != nil {
			searchErrors = append(searchErrors, fmt.Sprintf("provider %s failed: %v", o.provider, o.err))
			continue
		}
		for _, r := range o.results {
			if r.URL == "" {
				continue
			}
			if _, dup := seen[r.URL]; dup {
				continue
			}
			seen[r.URL] = struct{}{}
			merged = append(merged, r)
		}
	}

	// Stable sort keeps merge order (provider priority) for equal scores.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].RelevanceScore > merged[j].RelevanceScore
	})

	window := k * a.windowMult
	if len(merged) > window {
		merged = merged[:window]
	}

	if len(merged) == 0 {
		searchErrors = append(searchErrors, "no search results found")
	} else if a.extractor != nil {
		a.enrich(ctx, merged)
	}

	metrics.SearchResultsReturned.Observe(float64(len(merged)))
	a.logger.Info("Search aggregation completed",
		zap.String("query", query),
		zap.Int("unique_results", len(merged)),
		zap.Int("provider_errors", len(searchErrors)),
	)

	if a.cache != nil && len(merged) > 0 {
		a.cache.Set(ctx, query, merged)
	}
	return merged, searchErrors
}

// fanOut runs every provider concurrently under its own timeout and waits
// for all tasks to settle. Outcomes come back in provider order.
func (a *Aggregator) fanOut(ctx context.Context, query string, k int) []outcome {
	outcomes := make([]outcome, len(a.providers))
	var wg sync.WaitGroup
	for i, p := range a.providers {
		wg.Add(1)
		go func(idx int, prov Provider) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, a.providerTimeout)
			defer cancel()

			start := time.Now()
			results, err := func() (rs []models.SearchResult, err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("panic: %v", r)
					}
				}()
				return prov.Search(pctx, query, k)
			}()
			metrics.ProviderSearchDuration.WithLabelValues(prov.Name()).Observe(time.Since(start).Seconds())

			if err != nil {
				metrics.ProviderSearches.WithLabelValues(prov.Name(), "error").Inc()
				a.logger.Warn("Search provider failed",
					zap.String("provider", prov.Name()),
					zap.Error(err),
				)
				outcomes[idx] = outcome{provider: prov.Name(), err: err}
				return
			}
			metrics.ProviderSearches.WithLabelValues(prov.Name(), "ok").Inc()
			outcomes[idx] = outcome{provider: prov.Name(), results: results}
		}(i, p)
	}
	wg.Wait()
	return outcomes
}

// enrich replaces short snippets with extracted page text where possible.
// Failures keep the provider snippet; enrichment never fails the search.
func (a *Aggregator) enrich(ctx context.Context, results []models.SearchResult) {
	const snippetFloor = 200

	var wg sync.WaitGroup
	for i := range results {
		if len(results[i].Content) >= snippetFloor {
			continue
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if text := a.extractor.Fetch(ctx, results[idx].URL); text != "" {
				results[idx].Content = text
			}
		}(i)
	}
	wg.Wait()
}
