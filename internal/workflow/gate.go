package workflow

import "github.com/repflow/orchestrator/internal/models"

// Decision is the quality gate's verdict for one evaluated attempt.
type Decision int

const (
	DecisionPass Decision = iota
	DecisionRetry
	DecisionExhausted
)

func (d Decision) String() string {
	switch d {
	case DecisionPass:
		return "pass"
	case DecisionRetry:
		return "retry"
	case DecisionExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// GatePassed reports whether the scores clear the quality gate. Only
// accuracy, relevancy and factual grounding gate against minScore; citation
// quality and clarity are advisory. The guardrail verdict is absolute: a
// perfect score still fails when the guardrail failed.
func GatePassed(scores models.EvaluationScores, minScore int) bool {
	return scores.Accuracy >= minScore &&
		scores.Relevancy >= minScore &&
		scores.FactualGrounding >= minScore &&
		scores.GuardrailPassed
}

// Decide applies the gate and the retry budget. It is a pure function of
// its inputs so the control flow it drives is exhaustively testable.
func Decide(scores models.EvaluationScores, minScore, retryCount, maxRetries int) Decision {
	if GatePassed(scores, minScore) {
		return DecisionPass
	}
	if retryCount < maxRetries {
		return DecisionRetry
	}
	return DecisionExhausted
}
