// Package evaluate scores a resolution draft on five quality axes and runs
// the deterministic guardrail. The model instance used here must be
// separate from the generator's so the evaluator cannot inherit the
// generator's conversational bias.
package evaluate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/llm"
	"github.com/repflow/orchestrator/internal/models"
)

const systemPrompt = `You are a strict quality evaluator for customer support resolutions.
Score the draft resolution against the customer's issue and the search results it was grounded on.

Respond with a JSON object:
{
  "accuracy": 1-5,
  "relevancy": 1-5,
  "factual_grounding": 1-5,
  "citation_quality": 1-5,
  "clarity": 1-5,
  "feedback": "specific, actionable critique of what must improve"
}

Scoring:
- accuracy: are the stated facts correct per the search results?
- relevancy: does it address the customer's actual issue?
- factual_grounding: is every claim supported by a cited result?
- citation_quality: are citations present, correct, and well placed?
- clarity: is it clear and ready to send?
Be harsh. A 5 means nothing could be improved.`

// CompletionClient is the language-model capability the evaluator consumes.
type CompletionClient interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, result any) (llm.Usage, error)
}

// Evaluator is safe for concurrent use.
type Evaluator struct {
	client    CompletionClient
	guardrail *Guardrail
	logger    *zap.Logger
}

func New(client CompletionClient, guardrail *Guardrail, logger *zap.Logger) *Evaluator {
	return &Evaluator{client: client, guardrail: guardrail, logger: logger}
}

// Evaluate scores the resolution. The guardrail verdict is computed locally
// and is authoritative regardless of what the model returns. An adapter
// failure yields floor scores with guardrail false and a non-nil error so
// the engine can treat the attempt as fatally failed.
func (e *Evaluator) Evaluate(ctx context.Context, query, resolution string, results []models.SearchResult) (models.EvaluationScores, error) {
	guardrailPassed := e.guardrail.Check(resolution)

	var out struct {
		Accuracy         int    `json:"accuracy"`
		Relevancy        int    `json:"relevancy"`
		FactualGrounding int    `json:"factual_grounding"`
		CitationQuality  int    `json:"citation_quality"`
		Clarity          int    `json:"clarity"`
		Feedback         string `json:"feedback"`
	}
	_, err := e.client.CompleteJSON(ctx, systemPrompt, buildPrompt(query, resolution, results), &out)
	if err != nil {
		return models.EvaluationScores{
			Accuracy:         1,
			Relevancy:        1,
			FactualGrounding: 1,
			CitationQuality:  1,
			Clarity:          1,
			GuardrailPassed:  false,
			Feedback:         "evaluation failed",
		}, fmt.Errorf("evaluate: %w", err)
	}

	scores := models.EvaluationScores{
		Accuracy:         clamp(out.Accuracy),
		Relevancy:        clamp(out.Relevancy),
		FactualGrounding: clamp(out.FactualGrounding),
		CitationQuality:  clamp(out.CitationQuality),
		Clarity:          clamp(out.Clarity),
		GuardrailPassed:  guardrailPassed,
		Feedback:         out.Feedback,
	}
	e.logger.Debug("Resolution evaluated",
		zap.Int("accuracy", scores.Accuracy),
		zap.Int("relevancy", scores.Relevancy),
		zap.Int("factual_grounding", scores.FactualGrounding),
		zap.Bool("guardrail_passed", guardrailPassed),
	)
	return scores, nil
}

func clamp(score int) int {
	if score < 1 {
		return 1
	}
	if score > 5 {
		return 5
	}
	return score
}

func buildPrompt(query, resolution string, results []models.SearchResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Customer issue: %s\n\nDraft resolution:\n%s\n\nSearch results the draft must be grounded on:\n", query, resolution)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s (%s)\n   %s\n", i+1, r.Title, r.URL, r.Content)
	}
	return sb.String()
}
