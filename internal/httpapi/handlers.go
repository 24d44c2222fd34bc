// Package httpapi exposes the orchestrator over HTTP: submitting
// conversations for resolution, fetching finalized outputs, recording rep
// review decisions, and streaming run progress over WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/models"
	"github.com/repflow/orchestrator/internal/store"
	"github.com/repflow/orchestrator/internal/workflow"
)

// Runner executes one workflow run.
type Runner interface {
	Run(ctx context.Context, conversationID, runID string, transcript []models.ConversationMessage) (models.WorkflowOutput, error)
}

// OutputStore is the persistence surface the handlers need.
type OutputStore interface {
	QueueSaveOutput(out models.WorkflowOutput)
	GetOutput(ctx context.Context, runID string) (*store.RunRecord, error)
	GetEvaluation(ctx context.Context, runID string) (models.EvaluationScores, error)
	UpdateReview(ctx context.Context, runID string, action models.RepAction, editedResolution string) error
	ListEvents(ctx context.Context, runID string) ([]store.RunEvent, error)
}

// Handler serves the resolution API.
type Handler struct {
	runner  Runner
	outputs OutputStore
	logger  *zap.Logger
}

// NewHandler builds the API handler.
func NewHandler(runner Runner, outputs OutputStore, logger *zap.Logger) *Handler {
	return &Handler{runner: runner, outputs: outputs, logger: logger}
}

// RegisterRoutes installs all API routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/conversations/{id}/resolve", h.handleResolve)
	mux.HandleFunc("GET /api/v1/resolutions/{run_id}", h.handleGetResolution)
	mux.HandleFunc("GET /api/v1/resolutions/{run_id}/events", h.handleListEvents)
	mux.HandleFunc("PATCH /api/v1/resolutions/{run_id}/review", h.handleReview)
	mux.HandleFunc("GET /api/v1/evaluations/{run_id}", h.handleGetEvaluation)
}

type resolveRequest struct {
	Transcript []models.ConversationMessage `json:"transcript"`
}

type resolveResponse struct {
	Triggered bool                   `json:"triggered"`
	Output    *models.WorkflowOutput `json:"output,omitempty"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	var req resolveRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("Resolve decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Transcript) == 0 {
		writeError(w, http.StatusBadRequest, "transcript is required")
		return
	}

	runID := uuid.New().String()
	out, err := h.runner.Run(r.Context(), conversationID, runID, req.Transcript)
	if errors.Is(err, workflow.ErrNotTriggered) {
		writeJSON(w, http.StatusOK, resolveResponse{Triggered: false})
		return
	}
	if err != nil {
		h.logger.Error("Workflow run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "workflow execution failed")
		return
	}

	h.outputs.QueueSaveOutput(out)
	writeJSON(w, http.StatusOK, resolveResponse{Triggered: true, Output: &out})
}

func (h *Handler) handleGetResolution(w http.ResponseWriter, r *http.Request) {
	rec, err := h.outputs.GetOutput(r.Context(), r.PathValue("run_id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "resolution not found")
		return
	}
	if err != nil {
		h.logger.Error("Get resolution failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	scores, err := h.outputs.GetEvaluation(r.Context(), r.PathValue("run_id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	if err != nil {
		h.logger.Error("Get evaluation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, scores)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.outputs.ListEvents(r.Context(), r.PathValue("run_id"))
	if err != nil {
		h.logger.Error("List events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type reviewRequest struct {
	Action     models.RepAction `json:"action"`
	Resolution string           `json:"resolution,omitempty"`
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	var req reviewRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	err := h.outputs.UpdateReview(r.Context(), runID, req.Action, req.Resolution)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "resolution not found")
	case errors.Is(err, store.ErrAlreadyReviewed):
		writeError(w, http.StatusConflict, "resolution already reviewed")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Info("Review recorded",
			zap.String("run_id", runID),
			zap.String("action", string(req.Action)),
		)
		writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "rep_action": string(req.Action)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
