package evaluate

import (
	"strings"

	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/metrics"
)

// Guardrail is the deterministic, non-model safety check applied to every
// resolution draft. It never consults a model and fails closed: any
// internal error counts as a guardrail failure.
type Guardrail struct {
	forbiddenPhrases []string
	minLength        int
	logger           *zap.Logger
}

// NewGuardrail builds the checker. Phrases are matched case-insensitively
// as substrings.
func NewGuardrail(forbiddenPhrases []string, minLength int, logger *zap.Logger) *Guardrail {
	return &Guardrail{
		forbiddenPhrases: forbiddenPhrases,
		minLength:        minLength,
		logger:           logger,
	}
}

// Check returns true only when the text passes every rule: no forbidden
// phrase, minimum length, and at least one inline citation marker.
func (g *Guardrail) Check(text string) (passed bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.GuardrailFailures.WithLabelValues("internal_error").Inc()
			g.logger.Error("Guardrail check panicked, failing closed", zap.Any("panic", r))
			passed = false
		}
	}()

	lower := strings.ToLower(text)
	for _, phrase := range g.forbiddenPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			metrics.GuardrailFailures.WithLabelValues("forbidden_phrase").Inc()
			g.logger.Info("Guardrail failed: forbidden phrase", zap.String("phrase", phrase))
			return false
		}
	}
	if len(text) < g.minLength {
		metrics.GuardrailFailures.WithLabelValues("too_short").Inc()
		g.logger.Info("Guardrail failed: response too short", zap.Int("length", len(text)))
		return false
	}
	if !strings.Contains(text, "[Source:") {
		metrics.GuardrailFailures.WithLabelValues("no_citation").Inc()
		g.logger.Info("Guardrail failed: no citation marker present")
		return false
	}
	return true
}
