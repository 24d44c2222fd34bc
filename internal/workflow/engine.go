// Package workflow contains the state machine that sequences the resolution
// pipeline: trigger check, query optimization, search fan-out, generation,
// evaluation, and the retry loop behind the quality gate.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/citations"
	"github.com/repflow/orchestrator/internal/generate"
	"github.com/repflow/orchestrator/internal/metrics"
	"github.com/repflow/orchestrator/internal/models"
)

// ErrNotTriggered is returned when the transcript contains no trigger
// phrase. It is a normal early exit: no model calls and no search happened.
var ErrNotTriggered = errors.New("workflow: trigger phrase not detected")

// State is the engine's position in one run.
type State int

const (
	StateTriggerCheck State = iota
	StateQuery
	StateSearch
	StateGenerate
	StateEvaluate
	StateFinalize
	StateDone
)

func (s State) String() string {
	switch s {
	case StateTriggerCheck:
		return "trigger_check"
	case StateQuery:
		return "query"
	case StateSearch:
		return "search"
	case StateGenerate:
		return "generate"
	case StateEvaluate:
		return "evaluate"
	case StateFinalize:
		return "finalize"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is what a stage handler observed; the transition table maps it to
// the next state.
type Event int

const (
	EventTriggered Event = iota
	EventNotTriggered
	EventQueryReady
	EventSearchDone
	EventDraftReady
	EventGatePass
	EventGateRetry
	EventGateExhausted
	EventFatal
	EventFinalized
)

func (e Event) String() string {
	switch e {
	case EventTriggered:
		return "triggered"
	case EventNotTriggered:
		return "not_triggered"
	case EventQueryReady:
		return "query_ready"
	case EventSearchDone:
		return "search_done"
	case EventDraftReady:
		return "draft_ready"
	case EventGatePass:
		return "gate_pass"
	case EventGateRetry:
		return "gate_retry"
	case EventGateExhausted:
		return "gate_exhausted"
	case EventFatal:
		return "fatal"
	case EventFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// transitions is the full state machine. Every legal (state, event) pair is
// listed here; a handler emitting anything else is a programming error that
// fails the run instead of wedging it.
var transitions = map[State]map[Event]State{
	StateTriggerCheck: {
		EventTriggered:    StateQuery,
		EventNotTriggered: StateDone,
	},
	StateQuery: {
		EventQueryReady: StateSearch,
	},
	StateSearch: {
		EventSearchDone: StateGenerate,
	},
	StateGenerate: {
		EventDraftReady: StateEvaluate,
		EventFatal:      StateFinalize,
	},
	StateEvaluate: {
		EventGatePass:      StateFinalize,
		EventGateRetry:     StateQuery,
		EventGateExhausted: StateFinalize,
		EventFatal:         StateFinalize,
	},
	StateFinalize: {
		EventFinalized: StateDone,
	},
}

// Collaborator capabilities the engine sequences. Concrete implementations
// live in their own packages; the engine only sees these contracts.
type (
	TriggerGate interface {
		Detect(transcript []models.ConversationMessage) bool
	}
	QueryOptimizer interface {
		Optimize(ctx context.Context, transcript []models.ConversationMessage, feedbackHistory []string) (string, models.QueryMetadata)
	}
	Searcher interface {
		Search(ctx context.Context, query string, k int) ([]models.SearchResult, []string)
	}
	Generator interface {
		Generate(ctx context.Context, query string, results []models.SearchResult, feedbackHistory []string) (string, error)
	}
	Evaluator interface {
		Evaluate(ctx context.Context, query, resolution string, results []models.SearchResult) (models.EvaluationScores, error)
	}
)

// StageEvent is broadcast to subscribers as a run progresses.
type StageEvent struct {
	RunID          string    `json:"run_id"`
	ConversationID string    `json:"conversation_id"`
	Stage          string    `json:"stage"`
	Message        string    `json:"message"`
	Attempt        int       `json:"attempt"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventSink receives stage events. Implementations must not block.
type EventSink interface {
	Publish(ctx context.Context, ev StageEvent)
}

// MultiSink fans one event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev StageEvent) {
	for _, s := range m {
		s.Publish(ctx, ev)
	}
}

// Config bounds one engine instance.
type Config struct {
	MinScore   int
	MaxRetries int
	TopK       int
}

// Engine sequences the pipeline. It holds no per-run state, so a single
// instance is safe for concurrent runs.
type Engine struct {
	trigger   TriggerGate
	optimizer QueryOptimizer
	searcher  Searcher
	generator Generator
	evaluator Evaluator
	sink      EventSink
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithEventSink attaches a progress event sink.
func WithEventSink(s EventSink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// NewEngine wires the collaborators into an engine.
func NewEngine(trigger TriggerGate, optimizer QueryOptimizer, searcher Searcher, generator Generator, evaluator Evaluator, cfg Config, logger *zap.Logger, opts ...EngineOption) *Engine {
	if cfg.MinScore <= 0 {
		cfg.MinScore = 3
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	e := &Engine{
		trigger:   trigger,
		optimizer: optimizer,
		searcher:  searcher,
		generator: generator,
		evaluator: evaluator,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("workflow"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one full workflow for a conversation. It returns
// ErrNotTriggered when the transcript does not authorize the pipeline; any
// other outcome, including failed and exhausted runs, comes back as an
// output record with a nil error.
func (e *Engine) Run(ctx context.Context, conversationID, runID string, transcript []models.ConversationMessage) (models.WorkflowOutput, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("conversation_id", conversationID),
			attribute.String("run_id", runID),
		))
	defer span.End()

	metrics.WorkflowsStarted.Inc()
	st := models.NewWorkflowState(conversationID, runID, transcript)
	logger := e.logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("run_id", runID),
	)

	cur := StateTriggerCheck
	for cur != StateDone {
		if err := ctx.Err(); err != nil {
			st.Status = models.StatusFailed
			st.ErrorMessage = err.Error()
			e.finalize(ctx, st, logger)
			return st.Output(), nil
		}

		ev := e.step(ctx, cur, st, logger)
		next, ok := transitions[cur][ev]
		if !ok {
			st.Status = models.StatusFailed
			st.ErrorMessage = fmt.Sprintf("illegal transition: %s on %s", ev, cur)
			logger.Error("Illegal state transition", zap.String("state", cur.String()), zap.String("event", ev.String()))
			e.finalize(ctx, st, logger)
			return st.Output(), nil
		}
		cur = next
	}

	if !st.TriggerDetected {
		metrics.WorkflowsUntriggered.Inc()
		logger.Info("Workflow not triggered, skipping pipeline")
		return models.WorkflowOutput{}, ErrNotTriggered
	}
	return st.Output(), nil
}

// step runs the handler for the current state and reports what happened.
func (e *Engine) step(ctx context.Context, cur State, st *models.WorkflowState, logger *zap.Logger) Event {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(cur.String()).Observe(time.Since(start).Seconds())
	}()

	ctx, span := e.tracer.Start(ctx, "workflow."+cur.String())
	defer span.End()

	switch cur {
	case StateTriggerCheck:
		return e.stepTrigger(st, logger)
	case StateQuery:
		return e.stepQuery(ctx, st, logger)
	case StateSearch:
		return e.stepSearch(ctx, st, logger)
	case StateGenerate:
		return e.stepGenerate(ctx, st, logger)
	case StateEvaluate:
		return e.stepEvaluate(ctx, st, logger)
	case StateFinalize:
		e.finalize(ctx, st, logger)
		return EventFinalized
	default:
		return EventFatal
	}
}

func (e *Engine) stepTrigger(st *models.WorkflowState, logger *zap.Logger) Event {
	st.TriggerDetected = e.trigger.Detect(st.Transcript)
	if !st.TriggerDetected {
		return EventNotTriggered
	}
	logger.Info("Trigger phrase detected, starting pipeline")
	return EventTriggered
}

func (e *Engine) stepQuery(ctx context.Context, st *models.WorkflowState, logger *zap.Logger) Event {
	e.publish(ctx, st, "query", "optimizing search query")
	st.OptimizedQuery, st.QueryMetadata = e.optimizer.Optimize(ctx, st.Transcript, st.FeedbackHistory)
	logger.Info("Search query ready",
		zap.String("query", st.OptimizedQuery),
		zap.Int("attempt", st.RetryCount+1),
	)
	return EventQueryReady
}

func (e *Engine) stepSearch(ctx context.Context, st *models.WorkflowState, logger *zap.Logger) Event {
	e.publish(ctx, st, "search", "searching documentation sources")
	// Each attempt's results fully replace the previous attempt's.
	st.SearchResults, st.SearchErrors = e.searcher.Search(ctx, st.OptimizedQuery, e.cfg.TopK)
	logger.Info("Search completed",
		zap.Int("results", len(st.SearchResults)),
		zap.Int("search_errors", len(st.SearchErrors)),
	)
	return EventSearchDone
}

func (e *Engine) stepGenerate(ctx context.Context, st *models.WorkflowState, logger *zap.Logger) Event {
	e.publish(ctx, st, "generate", "drafting resolution")

	if len(st.SearchResults) == 0 {
		// No grounding material: substitute the fixed fallback instead of
		// letting the model answer from nothing.
		st.ResolutionText = generate.FallbackMessage
		st.Citations = []models.Citation{}
		st.GenerationTimestamp = time.Now().UTC()
		logger.Warn("No search results, substituting fallback resolution")
		return EventDraftReady
	}

	text, err := e.generator.Generate(ctx, st.OptimizedQuery, st.SearchResults, st.FeedbackHistory)
	if err != nil {
		st.Status = models.StatusFailed
		st.ErrorMessage = err.Error()
		logger.Error("Generation failed", zap.Error(err))
		return EventFatal
	}
	st.ResolutionText = text
	st.Citations = citations.Extract(text, st.SearchResults)
	st.GenerationTimestamp = time.Now().UTC()
	logger.Info("Resolution drafted", zap.Int("citations", len(st.Citations)))
	return EventDraftReady
}

func (e *Engine) stepEvaluate(ctx context.Context, st *models.WorkflowState, logger *zap.Logger) Event {
	e.publish(ctx, st, "evaluate", "scoring resolution quality")

	scores, err := e.evaluator.Evaluate(ctx, st.OptimizedQuery, st.ResolutionText, st.SearchResults)
	st.EvaluationScores = scores
	if err != nil {
		st.Status = models.StatusFailed
		st.ErrorMessage = err.Error()
		logger.Error("Evaluation failed", zap.Error(err))
		return EventFatal
	}

	decision := Decide(scores, e.cfg.MinScore, st.RetryCount, e.cfg.MaxRetries)
	metrics.QualityGateDecisions.WithLabelValues(decision.String()).Inc()
	st.EvaluationPassed = decision == DecisionPass
	logger.Info("Quality gate decided",
		zap.String("decision", decision.String()),
		zap.Int("accuracy", scores.Accuracy),
		zap.Int("relevancy", scores.Relevancy),
		zap.Int("factual_grounding", scores.FactualGrounding),
		zap.Bool("guardrail_passed", scores.GuardrailPassed),
		zap.Int("retry_count", st.RetryCount),
	)

	switch decision {
	case DecisionPass:
		st.Status = models.StatusSuccess
		return EventGatePass
	case DecisionRetry:
		st.FeedbackHistory = append(st.FeedbackHistory, scores.Feedback)
		st.RetryCount++
		e.publish(ctx, st, "retry", "quality below threshold, retrying")
		return EventGateRetry
	default:
		// The last attempt's output is kept and surfaced for human review.
		st.Status = models.StatusMaxRetriesExceeded
		return EventGateExhausted
	}
}

func (e *Engine) finalize(ctx context.Context, st *models.WorkflowState, logger *zap.Logger) {
	st.CompletedAt = time.Now().UTC()
	metrics.WorkflowsCompleted.WithLabelValues(string(st.Status)).Inc()
	metrics.WorkflowDuration.Observe(st.CompletedAt.Sub(st.StartedAt).Seconds())
	metrics.WorkflowRetries.Observe(float64(st.RetryCount))
	e.publish(ctx, st, "finalize", "workflow "+string(st.Status))
	logger.Info("Workflow finalized",
		zap.String("status", string(st.Status)),
		zap.Int("retry_count", st.RetryCount),
		zap.Float64("duration_seconds", st.CompletedAt.Sub(st.StartedAt).Seconds()),
	)
}

func (e *Engine) publish(ctx context.Context, st *models.WorkflowState, stage, message string) {
	if e.sink == nil {
		return
	}
	e.sink.Publish(ctx, StageEvent{
		RunID:          st.RunID,
		ConversationID: st.ConversationID,
		Stage:          stage,
		Message:        message,
		Attempt:        st.RetryCount + 1,
		Timestamp:      time.Now().UTC(),
	})
}
