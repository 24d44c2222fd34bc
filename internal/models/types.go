package models

import "time"

// MessageRole identifies who authored a conversation message.
type MessageRole string

const (
	RoleCustomer MessageRole = "customer"
	RoleRep      MessageRole = "rep"
	RoleSystem   MessageRole = "system"
)

// ConversationMessage is a single turn in a support conversation.
// Transcripts are ordered and immutable once handed to the engine.
type ConversationMessage struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// SearchResult is one candidate document returned by a search provider.
// URL is the canonical dedup key within a single attempt.
type SearchResult struct {
	Source         string  `json:"source"`
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Citation links a URL cited in generated text to its supporting source.
type Citation struct {
	Source     string  `json:"source"`
	URL        string  `json:"url"`
	Snippet    string  `json:"snippet"`
	Confidence float64 `json:"confidence"`
}

// EvaluationScores holds the judge's 1-5 axis scores plus the deterministic
// guardrail verdict. Accuracy, relevancy and factual grounding gate the
// workflow; citation quality and clarity are recorded but advisory only.
type EvaluationScores struct {
	Accuracy         int    `json:"accuracy"`
	Relevancy        int    `json:"relevancy"`
	FactualGrounding int    `json:"factual_grounding"`
	CitationQuality  int    `json:"citation_quality"`
	Clarity          int    `json:"clarity"`
	GuardrailPassed  bool   `json:"guardrail_passed"`
	Feedback         string `json:"feedback"`
}

// QueryMetadata carries optimizer annotations alongside the optimized query.
// The engine treats it as opaque.
type QueryMetadata struct {
	Keywords []string `json:"keywords,omitempty"`
	Entities []string `json:"entities,omitempty"`
	Intent   string   `json:"intent,omitempty"`
	Context  string   `json:"context,omitempty"`
}

// WorkflowStatus is the terminal disposition of a run.
type WorkflowStatus string

const (
	StatusPending            WorkflowStatus = "pending"
	StatusSuccess            WorkflowStatus = "success"
	StatusFailed             WorkflowStatus = "failed"
	StatusMaxRetriesExceeded WorkflowStatus = "max_retries_exceeded"
)

// RepAction records the human reviewer's decision on a finalized resolution.
type RepAction string

const (
	RepActionPending  RepAction = "pending"
	RepActionApproved RepAction = "approved"
	RepActionEdited   RepAction = "edited"
	RepActionRejected RepAction = "rejected"
)

// WorkflowState is the single mutable aggregate threaded through one run.
// It is owned exclusively by the engine; stages never execute concurrently
// against the same state. The caller's transcript is copied at run start
// and never mutated.
type WorkflowState struct {
	ConversationID string                `json:"conversation_id"`
	RunID          string                `json:"run_id"`
	Transcript     []ConversationMessage `json:"transcript"`

	TriggerDetected bool `json:"trigger_detected"`

	OptimizedQuery string        `json:"optimized_query"`
	QueryMetadata  QueryMetadata `json:"query_metadata"`

	SearchResults []SearchResult `json:"search_results"`
	SearchErrors  []string       `json:"search_errors"`

	ResolutionText      string     `json:"resolution_text"`
	Citations           []Citation `json:"citations"`
	GenerationTimestamp time.Time  `json:"generation_timestamp"`

	EvaluationScores EvaluationScores `json:"evaluation_scores"`
	EvaluationPassed bool             `json:"evaluation_passed"`

	RetryCount      int      `json:"retry_count"`
	FeedbackHistory []string `json:"feedback_history"`

	Status       WorkflowStatus `json:"status"`
	ErrorMessage string         `json:"error_message"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// WorkflowOutput is the immutable record handed back to callers once a run
// reaches a terminal state.
type WorkflowOutput struct {
	ConversationID       string           `json:"conversation_id"`
	RunID                string           `json:"run_id"`
	Resolution           string           `json:"resolution"`
	Citations            []Citation       `json:"citations"`
	EvaluationScores     EvaluationScores `json:"evaluation_scores"`
	RetryCount           int              `json:"retry_count"`
	Status               WorkflowStatus   `json:"status"`
	ExecutionTimeSeconds float64          `json:"execution_time_seconds"`
}

// NewWorkflowState builds the initial state for a run, copying the caller's
// transcript so later appends never alias the input slice.
func NewWorkflowState(conversationID, runID string, transcript []ConversationMessage) *WorkflowState {
	now := time.Now().UTC()
	ts := make([]ConversationMessage, len(transcript))
	copy(ts, transcript)
	return &WorkflowState{
		ConversationID:  conversationID,
		RunID:           runID,
		Transcript:      ts,
		Status:          StatusPending,
		FeedbackHistory: []string{},
		SearchResults:   []SearchResult{},
		SearchErrors:    []string{},
		Citations:       []Citation{},
		StartedAt:       now,
		CompletedAt:     now,
	}
}

// Output converts a terminal state into the caller-facing record.
func (s *WorkflowState) Output() WorkflowOutput {
	return WorkflowOutput{
		ConversationID:       s.ConversationID,
		RunID:                s.RunID,
		Resolution:           s.ResolutionText,
		Citations:            s.Citations,
		EvaluationScores:     s.EvaluationScores,
		RetryCount:           s.RetryCount,
		Status:               s.Status,
		ExecutionTimeSeconds: s.CompletedAt.Sub(s.StartedAt).Seconds(),
	}
}
