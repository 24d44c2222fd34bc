// Package citations recovers cited URLs from generated resolution text and
// enriches them against the search results that grounded the draft.
package citations

import (
	"regexp"
	"strings"

	"github.com/repflow/orchestrator/internal/models"
)

// citationPattern matches the inline marker syntax the generator is
// instructed to emit: [Source: <url>].
var citationPattern = regexp.MustCompile(`\[Source:\s*(https?://[^\]]+)\]`)

const snippetLimit = 200

// unmatchedConfidence is assigned when the model cites a URL that no
// search result backs. Matched citations inherit the result's relevance.
const unmatchedConfidence = 0.7

// Extract returns one Citation per unique cited URL, in first-occurrence
// order. A citation whose URL appears in results inherits that result's
// source metadata, relevance score as confidence, and a bounded snippet.
// A URL the model cited without a backing result is kept but flagged with
// reduced confidence so the evaluator can penalize it.
func Extract(text string, results []models.SearchResult) []models.Citation {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	byURL := make(map[string]models.SearchResult, len(results))
	for _, r := range results {
		byURL[r.URL] = r
	}

	seen := make(map[string]struct{}, len(matches))
	citations := make([]models.Citation, 0, len(matches))
	for _, m := range matches {
		url := strings.TrimSpace(m[1])
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}

		if r, ok := byURL[url]; ok {
			citations = append(citations, models.Citation{
				Source:     r.Title,
				URL:        url,
				Snippet:    truncate(r.Content, snippetLimit),
				Confidence: r.RelevanceScore,
			})
			continue
		}
		citations = append(citations, models.Citation{
			Source:     "Referenced source",
			URL:        url,
			Confidence: unmatchedConfidence,
		})
	}
	return citations
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
