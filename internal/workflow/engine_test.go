package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/generate"
	"github.com/repflow/orchestrator/internal/models"
)

type fakeTrigger struct{ triggered bool }

func (f *fakeTrigger) Detect([]models.ConversationMessage) bool { return f.triggered }

type fakeOptimizer struct {
	calls     int
	feedbacks [][]string
}

func (f *fakeOptimizer) Optimize(_ context.Context, _ []models.ConversationMessage, feedback []string) (string, models.QueryMetadata) {
	f.calls++
	fb := make([]string, len(feedback))
	copy(fb, feedback)
	f.feedbacks = append(f.feedbacks, fb)
	return "optimized query", models.QueryMetadata{Intent: "test"}
}

type fakeSearcher struct {
	results []models.SearchResult
	errs    []string
	calls   int
}

func (f *fakeSearcher) Search(context.Context, string, int) ([]models.SearchResult, []string) {
	f.calls++
	return f.results, f.errs
}

type fakeGenerator struct {
	text  string
	err   error
	calls int
}

func (f *fakeGenerator) Generate(context.Context, string, []models.SearchResult, []string) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeEvaluator struct {
	scores []models.EvaluationScores // consumed per call, last repeats
	err    error
	calls  int
}

func (f *fakeEvaluator) Evaluate(context.Context, string, string, []models.SearchResult) (models.EvaluationScores, error) {
	idx := f.calls
	f.calls++
	if f.err != nil {
		return models.EvaluationScores{Accuracy: 1, Relevancy: 1, FactualGrounding: 1}, f.err
	}
	if idx >= len(f.scores) {
		idx = len(f.scores) - 1
	}
	return f.scores[idx], nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []StageEvent
}

func (r *recordingSink) Publish(_ context.Context, ev StageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Stage
	}
	return out
}

func passingScores() models.EvaluationScores {
	return models.EvaluationScores{Accuracy: 4, Relevancy: 4, FactualGrounding: 4,
		CitationQuality: 4, Clarity: 4, GuardrailPassed: true, Feedback: "good"}
}

func failingScores(feedback string) models.EvaluationScores {
	return models.EvaluationScores{Accuracy: 2, Relevancy: 2, FactualGrounding: 2,
		CitationQuality: 2, Clarity: 2, GuardrailPassed: true, Feedback: feedback}
}

func searchHit() []models.SearchResult {
	return []models.SearchResult{{Title: "Doc", URL: "https://docs.example.com/a", Content: "c", RelevanceScore: 0.9}}
}

func transcript() []models.ConversationMessage {
	return []models.ConversationMessage{
		{Role: models.RoleCustomer, Content: "I was double charged"},
		{Role: models.RoleRep, Content: "Let me check on that"},
	}
}

func newTestEngine(trigger *fakeTrigger, opt *fakeOptimizer, search *fakeSearcher, gen *fakeGenerator, eval *fakeEvaluator, cfg Config, opts ...EngineOption) *Engine {
	return NewEngine(trigger, opt, search, gen, eval, cfg, zap.NewNop(), opts...)
}

func TestRunNotTriggered(t *testing.T) {
	opt := &fakeOptimizer{}
	search := &fakeSearcher{}
	gen := &fakeGenerator{}
	eval := &fakeEvaluator{scores: []models.EvaluationScores{passingScores()}}
	e := newTestEngine(&fakeTrigger{triggered: false}, opt, search, gen, eval, Config{})

	_, err := e.Run(context.Background(), "conv-1", "run-1", transcript())
	require.ErrorIs(t, err, ErrNotTriggered)

	// the early exit must incur no downstream cost
	assert.Zero(t, opt.calls)
	assert.Zero(t, search.calls)
	assert.Zero(t, gen.calls)
	assert.Zero(t, eval.calls)
}

func TestRunSingleAttemptSuccess(t *testing.T) {
	opt := &fakeOptimizer{}
	gen := &fakeGenerator{text: "answer [Source: https://docs.example.com/a]"}
	eval := &fakeEvaluator{scores: []models.EvaluationScores{passingScores()}}
	sink := &recordingSink{}
	e := newTestEngine(&fakeTrigger{triggered: true}, opt, &fakeSearcher{results: searchHit()}, gen, eval,
		Config{MinScore: 3, MaxRetries: 3, TopK: 5}, WithEventSink(sink))

	out, err := e.Run(context.Background(), "conv-1", "run-1", transcript())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, out.Status)
	assert.Equal(t, 0, out.RetryCount)
	assert.Equal(t, "conv-1", out.ConversationID)
	assert.Equal(t, "run-1", out.RunID)
	require.Len(t, out.Citations, 1)
	assert.Equal(t, "https://docs.example.com/a", out.Citations[0].URL)
	assert.GreaterOrEqual(t, out.ExecutionTimeSeconds, 0.0)

	assert.Equal(t, []string{"query", "search", "generate", "evaluate", "finalize"}, sink.stages())
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	opt := &fakeOptimizer{}
	gen := &fakeGenerator{text: "answer [Source: https://docs.example.com/a]"}
	eval := &fakeEvaluator{scores: []models.EvaluationScores{
		failingScores("missing refund timeline"),
		passingScores(),
	}}
	e := newTestEngine(&fakeTrigger{triggered: true}, opt, &fakeSearcher{results: searchHit()}, gen, eval,
		Config{MinScore: 3, MaxRetries: 3})

	out, err := e.Run(context.Background(), "conv-1", "run-1", transcript())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, out.Status)
	assert.Equal(t, 1, out.RetryCount)
	assert.Equal(t, 2, eval.calls)
	// the second optimization pass sees the first attempt's feedback
	require.Len(t, opt.feedbacks, 2)
	assert.Empty(t, opt.feedbacks[0])
	assert.Equal(t, []string{"missing refund timeline"}, opt.feedbacks[1])
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	opt := &fakeOptimizer{}
	gen := &fakeGenerator{text: "answer [Source: https://docs.example.com/a]"}
	eval := &fakeEvaluator{scores: []models.EvaluationScores{failingScores("still bad")}}
	e := newTestEngine(&fakeTrigger{triggered: true}, opt, &fakeSearcher{results: searchHit()}, gen, eval,
		Config{MinScore: 3, MaxRetries: 3})

	out, err := e.Run(context.Background(), "conv-1", "run-1", transcript())
	require.NoError(t, err)

	assert.Equal(t, models.StatusMaxRetriesExceeded, out.Status)
	assert.Equal(t, 3, out.RetryCount)
	// exactly max_retries+1 full passes, last attempt's output kept
	assert.Equal(t, 4, eval.calls)
	assert.Equal(t, 4, gen.calls)
	assert.NotEmpty(t, out.Resolution)
	assert.Equal(t, "still bad", out.EvaluationScores.Feedback)
}

func TestRunFeedbackHistoryMatchesRetryCount(t *testing.T) {
	opt := &fakeOptimizer{}
	gen := &fakeGenerator{text: "answer [Source: https://docs.example.com/a]"}
	eval := &fakeEvaluator{scores: []models.EvaluationScores{failingScores("fb")}}
	e := newTestEngine(&fakeTrigger{triggered: true}, opt, &fakeSearcher{results: searchHit()}, gen, eval,
		Config{MinScore: 3, MaxRetries: 2})

	out, err := e.Run(context.Background(), "conv-1", "run-1", transcript())
	require.NoError(t, err)
	assert.Equal(t, 2, out.RetryCount)
	// feedback accumulated once per issued retry, visible via the optimizer
	require.Len(t, opt.feedbacks, 3)
	assert.Len(t, opt.feedbacks[2], 2)
}

func TestRunNoSearchResultsBypassesGenerator(t *testing.T) {
	opt := &fakeOptimizer{}
	gen := &fakeGenerator{text: "should not be called"}
	// fallback text has no citation so the guardrail fails each attempt
	eval := &fakeEvaluator{scores: []models.EvaluationScores{
		{Accuracy: 3, Relevancy: 3, FactualGrounding: 3, GuardrailPassed: false, Feedback: "no citations"},
	}}
	e := newTestEngine(&fakeTrigger{triggered: true}, opt, &fakeSearcher{errs: []string{"no search results found"}}, gen, eval,
		Config{MinScore: 3, MaxRetries: 1})

	out, err := e.Run(context.Background(), "conv-1", "run-1", transcript())
	require.NoError(t, err)

	assert.Zero(t, gen.calls)
	assert.Equal(t, models.StatusMaxRetriesExceeded, out.Status)
	assert.Equal(t, generate.FallbackMessage, out.Resolution)
	assert.Empty(t, out.Citations)
}

func TestRunGenerationFailureIsFatal(t *testing.T) {
	opt := &fakeOptimizer{}
	gen := &fakeGenerator{err: errors.New("model exploded")}
	eval := &fakeEvaluator{scores: []models.EvaluationScores{passingScores()}}
	e := newTestEngine(&fakeTrigger{triggered: true}, opt, &fakeSearcher{results: searchHit()}, gen, eval,
		Config{MinScore: 3, MaxRetries: 3})

	out, err := e.Run(context.Background(), "conv-1", "run-1", transcript())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, 0, out.RetryCount) // no retry on fatal failure
	assert.Equal(t, 1, gen.calls)
	assert.Zero(t, eval.calls)
}

func TestRunEvaluationFailureIsFatal(t *testing.T) {
	opt := &fakeOptimizer{}
	gen := &fakeGenerator{text: "answer [Source: https://docs.example.com/a]"}
	eval := &fakeEvaluator{err: errors.New("judge down")}
	e := newTestEngine(&fakeTrigger{triggered: true}, opt, &fakeSearcher{results: searchHit()}, gen, eval,
		Config{MinScore: 3, MaxRetries: 3})

	out, err := e.Run(context.Background(), "conv-1", "run-1", transcript())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, 1, eval.calls)
}

func TestRunDoesNotMutateCallerTranscript(t *testing.T) {
	ts := transcript()
	orig := make([]models.ConversationMessage, len(ts))
	copy(orig, ts)

	gen := &fakeGenerator{text: "answer [Source: https://docs.example.com/a]"}
	eval := &fakeEvaluator{scores: []models.EvaluationScores{passingScores()}}
	e := newTestEngine(&fakeTrigger{triggered: true}, &fakeOptimizer{}, &fakeSearcher{results: searchHit()}, gen, eval,
		Config{MinScore: 3, MaxRetries: 0})

	_, err := e.Run(context.Background(), "conv-1", "run-1", ts)
	require.NoError(t, err)
	assert.Equal(t, orig, ts)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := &fakeGenerator{text: "x"}
	eval := &fakeEvaluator{scores: []models.EvaluationScores{passingScores()}}
	e := newTestEngine(&fakeTrigger{triggered: true}, &fakeOptimizer{}, &fakeSearcher{results: searchHit()}, gen, eval,
		Config{MinScore: 3, MaxRetries: 3})

	out, err := e.Run(ctx, "conv-1", "run-1", transcript())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Empty(t, out.Resolution)
}
