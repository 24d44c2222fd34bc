package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/repflow/orchestrator/internal/models"
)

func scores(acc, rel, fact int, guardrail bool) models.EvaluationScores {
	return models.EvaluationScores{
		Accuracy:         acc,
		Relevancy:        rel,
		FactualGrounding: fact,
		CitationQuality:  1,
		Clarity:          1,
		GuardrailPassed:  guardrail,
	}
}

func TestGatePassedAllAxesAtThreshold(t *testing.T) {
	assert.True(t, GatePassed(scores(3, 3, 3, true), 3))
}

func TestGatePassedOneAxisBelow(t *testing.T) {
	assert.False(t, GatePassed(scores(4, 4, 2, true), 3))
}

func TestGatePassedGuardrailOverridesPerfectScores(t *testing.T) {
	assert.False(t, GatePassed(scores(5, 5, 5, false), 3))
}

func TestGateAdvisoryAxesDoNotGate(t *testing.T) {
	s := scores(3, 3, 3, true)
	s.CitationQuality = 1
	s.Clarity = 1
	assert.True(t, GatePassed(s, 3))
}

func TestDecide(t *testing.T) {
	pass := scores(4, 4, 4, true)
	fail := scores(2, 2, 2, true)

	assert.Equal(t, DecisionPass, Decide(pass, 3, 0, 3))
	assert.Equal(t, DecisionRetry, Decide(fail, 3, 0, 3))
	assert.Equal(t, DecisionRetry, Decide(fail, 3, 2, 3))
	assert.Equal(t, DecisionExhausted, Decide(fail, 3, 3, 3))
	assert.Equal(t, DecisionExhausted, Decide(fail, 3, 0, 0))
}
