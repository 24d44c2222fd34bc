// Package store persists finalized workflow outputs and per-stage events
// to Postgres. Writes from the hot path go through an async queue with a
// synchronous fallback so persistence never blocks a run.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/metrics"
	"github.com/repflow/orchestrator/internal/models"
	"github.com/repflow/orchestrator/internal/workflow"
)

// ErrNotFound is returned when no record exists for a run.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyReviewed is returned when a review decision has already been
// recorded for the run.
var ErrAlreadyReviewed = errors.New("store: already reviewed")

// Config holds database configuration.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// RunRecord is one persisted workflow output row.
type RunRecord struct {
	RunID                string          `db:"run_id" json:"run_id"`
	ConversationID       string          `db:"conversation_id" json:"conversation_id"`
	Resolution           string          `db:"resolution" json:"resolution"`
	Citations            json.RawMessage `db:"citations" json:"citations"`
	EvaluationScores     json.RawMessage `db:"evaluation_scores" json:"evaluation_scores"`
	RetryCount           int             `db:"retry_count" json:"retry_count"`
	Status               string          `db:"status" json:"status"`
	RepAction            string          `db:"rep_action" json:"rep_action"`
	RepResolution        sql.NullString  `db:"rep_resolution" json:"rep_resolution,omitempty"`
	ExecutionTimeSeconds float64         `db:"execution_time_seconds" json:"execution_time_seconds"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`
}

// RunEvent is one persisted stage event row.
type RunEvent struct {
	ID             int64     `db:"id" json:"id"`
	RunID          string    `db:"run_id" json:"run_id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Stage          string    `db:"stage" json:"stage"`
	Message        string    `db:"message" json:"message"`
	Attempt        int       `db:"attempt" json:"attempt"`
	OccurredAt     time.Time `db:"occurred_at" json:"occurred_at"`
}

type writeKind int

const (
	writeOutput writeKind = iota
	writeEvent
)

type writeRequest struct {
	kind   writeKind
	output *models.WorkflowOutput
	event  *workflow.StageEvent
}

// Store manages the connection pool and the async write workers.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeQueue chan writeRequest
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// New opens a connection pool and starts the write workers.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := newWithDB(db, logger)
	logger.Info("Store initialized",
		zap.String("host", cfg.Host),
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return s, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return newWithDB(db, logger)
}

func newWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	s := &Store{
		db:         db,
		logger:     logger,
		writeQueue: make(chan writeRequest, 1000),
		stopCh:     make(chan struct{}),
	}
	const workers = 4
	for i := 0; i < workers; i++ {
		s.workerWg.Add(1)
		go s.writeWorker()
	}
	return s
}

func (s *Store) writeWorker() {
	defer s.workerWg.Done()
	for {
		select {
		case <-s.stopCh:
			s.drainQueue()
			return
		case req := <-s.writeQueue:
			s.processWrite(req)
		}
	}
}

func (s *Store) processWrite(req writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch req.kind {
	case writeOutput:
		err = s.SaveOutput(ctx, *req.output)
	case writeEvent:
		err = s.saveEvent(ctx, *req.event)
	}
	if err != nil {
		s.logger.Error("Async write failed", zap.Error(err))
	}
}

func (s *Store) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-s.writeQueue:
			s.processWrite(req)
		case <-timeout:
			s.logger.Warn("Timeout draining store write queue")
			return
		default:
			return
		}
	}
}

// QueueSaveOutput enqueues an output write. A full queue falls back to a
// synchronous write so finalized runs are never dropped.
func (s *Store) QueueSaveOutput(out models.WorkflowOutput) {
	select {
	case s.writeQueue <- writeRequest{kind: writeOutput, output: &out}:
	default:
		s.logger.Warn("Store write queue full, writing output synchronously",
			zap.String("run_id", out.RunID))
		s.processWrite(writeRequest{kind: writeOutput, output: &out})
	}
}

// SaveOutput upserts one finalized run.
func (s *Store) SaveOutput(ctx context.Context, out models.WorkflowOutput) error {
	citations, err := json.Marshal(out.Citations)
	if err != nil {
		return fmt.Errorf("store: marshal citations: %w", err)
	}
	scores, err := json.Marshal(out.EvaluationScores)
	if err != nil {
		return fmt.Errorf("store: marshal evaluation scores: %w", err)
	}

	const query = `
		INSERT INTO run_outputs (
			run_id, conversation_id, resolution, citations, evaluation_scores,
			retry_count, status, rep_action, execution_time_seconds, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (run_id) DO UPDATE SET
			resolution = EXCLUDED.resolution,
			citations = EXCLUDED.citations,
			evaluation_scores = EXCLUDED.evaluation_scores,
			retry_count = EXCLUDED.retry_count,
			status = EXCLUDED.status,
			execution_time_seconds = EXCLUDED.execution_time_seconds,
			updated_at = NOW()`

	_, err = s.db.ExecContext(ctx, query,
		out.RunID, out.ConversationID, out.Resolution, citations, scores,
		out.RetryCount, string(out.Status), string(models.RepActionPending),
		out.ExecutionTimeSeconds,
	)
	if err != nil {
		metrics.StoreWrites.WithLabelValues("output", "error").Inc()
		return fmt.Errorf("store: save output %s: %w", out.RunID, err)
	}
	metrics.StoreWrites.WithLabelValues("output", "ok").Inc()
	return nil
}

// GetOutput fetches one run record.
func (s *Store) GetOutput(ctx context.Context, runID string) (*RunRecord, error) {
	const query = `
		SELECT run_id, conversation_id, resolution, citations, evaluation_scores,
		       retry_count, status, rep_action, rep_resolution,
		       execution_time_seconds, created_at, updated_at
		FROM run_outputs WHERE run_id = $1`

	var rec RunRecord
	if err := s.db.GetContext(ctx, &rec, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get output %s: %w", runID, err)
	}
	return &rec, nil
}

// GetEvaluation fetches only the evaluation scores for a run.
func (s *Store) GetEvaluation(ctx context.Context, runID string) (models.EvaluationScores, error) {
	const query = `SELECT evaluation_scores FROM run_outputs WHERE run_id = $1`

	var raw json.RawMessage
	if err := s.db.GetContext(ctx, &raw, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EvaluationScores{}, ErrNotFound
		}
		return models.EvaluationScores{}, fmt.Errorf("store: get evaluation %s: %w", runID, err)
	}
	var scores models.EvaluationScores
	if err := json.Unmarshal(raw, &scores); err != nil {
		return models.EvaluationScores{}, fmt.Errorf("store: decode evaluation %s: %w", runID, err)
	}
	return scores, nil
}

// UpdateReview records the representative's decision on a finalized run.
// Only pending runs can be reviewed; an edited decision stores the rep's
// replacement text alongside the original resolution.
func (s *Store) UpdateReview(ctx context.Context, runID string, action models.RepAction, editedResolution string) error {
	switch action {
	case models.RepActionApproved, models.RepActionEdited, models.RepActionRejected:
	default:
		return fmt.Errorf("store: invalid rep action %q", action)
	}
	if action == models.RepActionEdited && editedResolution == "" {
		return errors.New("store: edited review requires replacement text")
	}

	const query = `
		UPDATE run_outputs
		SET rep_action = $2, rep_resolution = NULLIF($3, ''), updated_at = NOW()
		WHERE run_id = $1 AND rep_action = 'pending'`

	res, err := s.db.ExecContext(ctx, query, runID, string(action), editedResolution)
	if err != nil {
		return fmt.Errorf("store: update review %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update review %s: %w", runID, err)
	}
	if n == 0 {
		// The pending guard rejected the update; tell a missing run apart
		// from one that was already decided.
		var current string
		err := s.db.GetContext(ctx, &current,
			`SELECT rep_action FROM run_outputs WHERE run_id = $1`, runID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: update review %s: %w", runID, err)
		}
		return ErrAlreadyReviewed
	}
	return nil
}

// Publish implements the engine's event sink: stage events are queued for
// insertion and never block the run. Overflow drops the event.
func (s *Store) Publish(_ context.Context, ev workflow.StageEvent) {
	select {
	case s.writeQueue <- writeRequest{kind: writeEvent, event: &ev}:
	default:
		s.logger.Debug("Store write queue full, dropping stage event",
			zap.String("run_id", ev.RunID), zap.String("stage", ev.Stage))
	}
}

func (s *Store) saveEvent(ctx context.Context, ev workflow.StageEvent) error {
	const query = `
		INSERT INTO run_events (run_id, conversation_id, stage, message, attempt, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		ev.RunID, ev.ConversationID, ev.Stage, ev.Message, ev.Attempt, ev.Timestamp)
	if err != nil {
		metrics.StoreWrites.WithLabelValues("event", "error").Inc()
		return fmt.Errorf("store: save event: %w", err)
	}
	metrics.StoreWrites.WithLabelValues("event", "ok").Inc()
	return nil
}

// ListEvents returns a run's stage events in order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	const query = `
		SELECT id, run_id, conversation_id, stage, message, attempt, occurred_at
		FROM run_events WHERE run_id = $1 ORDER BY id`

	var events []RunEvent
	if err := s.db.SelectContext(ctx, &events, query, runID); err != nil {
		return nil, fmt.Errorf("store: list events %s: %w", runID, err)
	}
	return events, nil
}

// Healthy reports whether Postgres is reachable.
func (s *Store) Healthy(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close drains the write queue and closes the pool.
func (s *Store) Close() error {
	close(s.stopCh)
	s.workerWg.Wait()
	return s.db.Close()
}
