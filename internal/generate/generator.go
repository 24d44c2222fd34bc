// Package generate synthesizes a cited resolution draft from search results.
package generate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/llm"
	"github.com/repflow/orchestrator/internal/models"
)

// FallbackMessage is substituted when no search results are available and
// generation is bypassed to avoid an ungrounded answer.
const FallbackMessage = "I wasn't able to find relevant documentation for this issue. " +
	"Please escalate to a specialist or try rephrasing the customer's question."

const systemPrompt = `You are drafting a response for a customer support representative.
Write a clear, accurate resolution to the customer's issue using ONLY the provided search results.

Rules:
- Every factual claim must cite its source inline using the exact syntax [Source: <url>], where <url> is one of the result URLs.
- Do not invent information that is not in the results.
- If the results partially cover the issue, answer what they cover and say what remains open.
- Write in a professional, helpful tone the representative can send as-is.`

// CompletionClient is the language-model capability the generator consumes.
type CompletionClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, llm.Usage, error)
}

// Generator is safe for concurrent use.
type Generator struct {
	client CompletionClient
	logger *zap.Logger
}

func New(client CompletionClient, logger *zap.Logger) *Generator {
	return &Generator{client: client, logger: logger}
}

// Generate produces the resolution text for one attempt. Failures here are
// fatal to the attempt; the caller must not retry on an error return.
func (g *Generator) Generate(ctx context.Context, query string, results []models.SearchResult, feedbackHistory []string) (string, error) {
	if len(results) == 0 {
		return "", fmt.Errorf("generate: no search results supplied")
	}

	text, _, err := g.client.Complete(ctx, systemPrompt, buildPrompt(query, results, feedbackHistory))
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("generate: model returned empty response")
	}

	g.logger.Debug("Resolution generated",
		zap.Int("length", len(text)),
		zap.Int("results_used", len(results)),
	)
	return text, nil
}

func buildPrompt(query string, results []models.SearchResult, feedbackHistory []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Customer issue: %s\n\nSearch results:\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   URL: %s\n   %s\n", i+1, r.Title, r.URL, r.Content)
	}
	if len(feedbackHistory) > 0 {
		sb.WriteString("\nEarlier drafts were rejected for these reasons; fix them in this draft:\n")
		for i, f := range feedbackHistory {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, f)
		}
	}
	return sb.String()
}
