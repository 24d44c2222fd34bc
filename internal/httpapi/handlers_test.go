package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/models"
	"github.com/repflow/orchestrator/internal/store"
	"github.com/repflow/orchestrator/internal/streaming"
	"github.com/repflow/orchestrator/internal/workflow"
)

type fakeRunner struct {
	out        models.WorkflowOutput
	err        error
	lastConvID string
}

func (f *fakeRunner) Run(_ context.Context, conversationID, runID string, _ []models.ConversationMessage) (models.WorkflowOutput, error) {
	f.lastConvID = conversationID
	if f.err != nil {
		return models.WorkflowOutput{}, f.err
	}
	out := f.out
	out.ConversationID = conversationID
	out.RunID = runID
	return out, nil
}

type fakeStore struct {
	saved      []models.WorkflowOutput
	record     *store.RunRecord
	scores     models.EvaluationScores
	events     []store.RunEvent
	getErr     error
	reviewErr  error
	lastAction models.RepAction
}

func (f *fakeStore) QueueSaveOutput(out models.WorkflowOutput) { f.saved = append(f.saved, out) }

func (f *fakeStore) GetOutput(context.Context, string) (*store.RunRecord, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.record, nil
}

func (f *fakeStore) GetEvaluation(context.Context, string) (models.EvaluationScores, error) {
	if f.getErr != nil {
		return models.EvaluationScores{}, f.getErr
	}
	return f.scores, nil
}

func (f *fakeStore) UpdateReview(_ context.Context, _ string, action models.RepAction, _ string) error {
	if f.reviewErr != nil {
		return f.reviewErr
	}
	f.lastAction = action
	return nil
}

func (f *fakeStore) ListEvents(context.Context, string) ([]store.RunEvent, error) {
	return f.events, nil
}

func newTestServer(runner *fakeRunner, st *fakeStore) *httptest.Server {
	mux := http.NewServeMux()
	NewHandler(runner, st, zap.NewNop()).RegisterRoutes(mux)
	return httptest.NewServer(mux)
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestResolveSuccess(t *testing.T) {
	runner := &fakeRunner{out: models.WorkflowOutput{
		Resolution: "answer [Source: https://x/a]",
		Status:     models.StatusSuccess,
	}}
	st := &fakeStore{}
	srv := newTestServer(runner, st)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/conversations/conv-1/resolve",
		`{"transcript":[{"role":"customer","content":"problem"},{"role":"rep","content":"let me check"}]}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body resolveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Triggered)
	require.NotNil(t, body.Output)
	assert.Equal(t, "conv-1", body.Output.ConversationID)
	assert.NotEmpty(t, body.Output.RunID)
	assert.Equal(t, models.StatusSuccess, body.Output.Status)

	require.Len(t, st.saved, 1)
	assert.Equal(t, body.Output.RunID, st.saved[0].RunID)
}

func TestResolveNotTriggered(t *testing.T) {
	runner := &fakeRunner{err: workflow.ErrNotTriggered}
	st := &fakeStore{}
	srv := newTestServer(runner, st)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/conversations/conv-1/resolve",
		`{"transcript":[{"role":"customer","content":"hello"}]}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body resolveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Triggered)
	assert.Nil(t, body.Output)
	assert.Empty(t, st.saved)
}

func TestResolveValidation(t *testing.T) {
	srv := newTestServer(&fakeRunner{}, &fakeStore{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/conversations/conv-1/resolve", `{"transcript":[]}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/v1/conversations/conv-1/resolve", `not json`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveRunnerError(t *testing.T) {
	srv := newTestServer(&fakeRunner{err: errors.New("boom")}, &fakeStore{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/conversations/conv-1/resolve",
		`{"transcript":[{"role":"customer","content":"x"}]}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGetResolution(t *testing.T) {
	st := &fakeStore{record: &store.RunRecord{RunID: "run-1", Status: "success"}}
	srv := newTestServer(&fakeRunner{}, st)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/resolutions/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec store.RunRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, "run-1", rec.RunID)
}

func TestGetResolutionNotFound(t *testing.T) {
	st := &fakeStore{getErr: store.ErrNotFound}
	srv := newTestServer(&fakeRunner{}, st)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/resolutions/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetEvaluation(t *testing.T) {
	st := &fakeStore{scores: models.EvaluationScores{Accuracy: 4, GuardrailPassed: true}}
	srv := newTestServer(&fakeRunner{}, st)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/evaluations/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var scores models.EvaluationScores
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&scores))
	assert.Equal(t, 4, scores.Accuracy)
}

func TestReview(t *testing.T) {
	st := &fakeStore{}
	srv := newTestServer(&fakeRunner{}, st)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPatch,
		srv.URL+"/api/v1/resolutions/run-1/review",
		strings.NewReader(`{"action":"approved"}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.RepActionApproved, st.lastAction)
}

func TestReviewConflict(t *testing.T) {
	st := &fakeStore{reviewErr: store.ErrAlreadyReviewed}
	srv := newTestServer(&fakeRunner{}, st)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPatch,
		srv.URL+"/api/v1/resolutions/run-1/review",
		strings.NewReader(`{"action":"rejected"}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReviewUnknownRun(t *testing.T) {
	st := &fakeStore{reviewErr: store.ErrNotFound}
	srv := newTestServer(&fakeRunner{}, st)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPatch,
		srv.URL+"/api/v1/resolutions/missing/review",
		strings.NewReader(`{"action":"rejected"}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	mgr := streaming.NewManager(16)
	mux := http.NewServeMux()
	NewStreamHandler(mgr, zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?run_id=run-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the server loop a moment to subscribe before publishing
	time.Sleep(50 * time.Millisecond)
	mgr.Publish(context.Background(), workflow.StageEvent{
		RunID: "run-1", ConversationID: "conv-1", Stage: "search", Timestamp: time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev streaming.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "search", ev.Stage)
	assert.Equal(t, "run-1", ev.RunID)
}

func TestWebSocketRequiresRunID(t *testing.T) {
	mux := http.NewServeMux()
	NewStreamHandler(streaming.NewManager(16), zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
