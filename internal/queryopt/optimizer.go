// Package queryopt turns a raw conversation transcript into an optimized
// search query. It is the only pipeline stage that degrades instead of
// failing: when the language model is unavailable the last customer message
// becomes the query verbatim (truncated) and the run continues.
package queryopt

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/llm"
	"github.com/repflow/orchestrator/internal/metrics"
	"github.com/repflow/orchestrator/internal/models"
)

// fallbackQueryLimit bounds the degraded-mode query taken from the raw
// customer message.
const fallbackQueryLimit = 100

const systemPrompt = `You are a search query optimizer for a customer support system.
Given a conversation between a customer and a support representative, produce the single best search query for finding documentation that resolves the customer's issue.

Respond with a JSON object:
{
  "optimized_query": "the search query",
  "keywords": ["key", "terms"],
  "entities": ["products", "features", "identifiers mentioned"],
  "intent": "short label for what the customer wants",
  "context": "one-sentence summary of the situation"
}`

// CompletionClient is the language-model capability the optimizer consumes.
type CompletionClient interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, result any) (llm.Usage, error)
}

// Optimizer is safe for concurrent use.
type Optimizer struct {
	client CompletionClient
	logger *zap.Logger
}

func New(client CompletionClient, logger *zap.Logger) *Optimizer {
	return &Optimizer{client: client, logger: logger}
}

// Optimize produces a search query and metadata from the transcript. Prior
// attempts' evaluator feedback is folded into the prompt so retries steer
// away from what already failed. A model failure degrades to the raw
// customer message instead of returning an error.
func (o *Optimizer) Optimize(ctx context.Context, transcript []models.ConversationMessage, feedbackHistory []string) (string, models.QueryMetadata) {
	userPrompt := buildPrompt(transcript, feedbackHistory)

	var out struct {
		OptimizedQuery string   `json:"optimized_query"`
		Keywords       []string `json:"keywords"`
		Entities       []string `json:"entities"`
		Intent         string   `json:"intent"`
		Context        string   `json:"context"`
	}
	_, err := o.client.CompleteJSON(ctx, systemPrompt, userPrompt, &out)
	if err == nil && strings.TrimSpace(out.OptimizedQuery) != "" {
		o.logger.Debug("Query optimized",
			zap.String("query", out.OptimizedQuery),
			zap.String("intent", out.Intent),
		)
		return strings.TrimSpace(out.OptimizedQuery), models.QueryMetadata{
			Keywords: out.Keywords,
			Entities: out.Entities,
			Intent:   out.Intent,
			Context:  out.Context,
		}
	}

	metrics.OptimizerFallbacks.Inc()
	fallback := FallbackQuery(transcript)
	o.logger.Warn("Query optimization degraded, using raw customer message",
		zap.Error(err),
		zap.String("fallback_query", fallback),
	)
	return fallback, models.QueryMetadata{Intent: "unknown"}
}

// FallbackQuery returns the most recent customer message truncated to the
// degraded-mode limit, or empty when the transcript has none.
func FallbackQuery(transcript []models.ConversationMessage) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role != models.RoleCustomer {
			continue
		}
		msg := strings.TrimSpace(transcript[i].Content)
		if len(msg) > fallbackQueryLimit {
			msg = msg[:fallbackQueryLimit]
		}
		return msg
	}
	return ""
}

func buildPrompt(transcript []models.ConversationMessage, feedbackHistory []string) string {
	var sb strings.Builder
	sb.WriteString("Conversation:\n")
	for _, m := range transcript {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
	}
	if len(feedbackHistory) > 0 {
		sb.WriteString("\nPrevious attempts were rejected with this feedback; produce a query that addresses it:\n")
		for i, f := range feedbackHistory {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, f)
		}
	}
	return sb.String()
}
