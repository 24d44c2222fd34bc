package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("test-signing-key", time.Hour)

	token, err := m.Generate("user-1", "Alex")
	require.NoError(t, err)

	p, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.Subject)
	assert.Equal(t, "Alex", p.Name)
	assert.False(t, p.IsAPIKey)
}

func TestJWTRejectsWrongKey(t *testing.T) {
	token, err := NewJWTManager("key-a", time.Hour).Generate("user-1", "Alex")
	require.NoError(t, err)

	_, err = NewJWTManager("key-b", time.Hour).Validate(token)
	assert.Error(t, err)
}

func TestJWTRejectsExpired(t *testing.T) {
	m := NewJWTManager("test-signing-key", -time.Minute)
	token, err := m.Generate("user-1", "Alex")
	require.NoError(t, err)

	_, err = m.Validate(token)
	assert.Error(t, err)
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := ExtractBearerToken("Bearer abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", tok)

	_, err = ExtractBearerToken("Basic abc123")
	assert.Error(t, err)
}

func TestAPIKeyValidator(t *testing.T) {
	hash, err := HashAPIKey("rk_testkey123")
	require.NoError(t, err)
	v := NewAPIKeyValidator([]APIKeyEntry{{Name: "ci-bot", Hash: hash}})

	p, err := v.Validate("rk_testkey123")
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", p.Subject)
	assert.True(t, p.IsAPIKey)

	_, err = v.Validate("rk_wrongkey")
	assert.Error(t, err)

	_, err = v.Validate("not-prefixed")
	assert.Error(t, err)
}

func newTestMiddleware(t *testing.T) *Middleware {
	t.Helper()
	hash, err := HashAPIKey("rk_testkey123")
	require.NoError(t, err)
	return NewMiddleware(
		NewJWTManager("test-signing-key", time.Hour),
		NewAPIKeyValidator([]APIKeyEntry{{Name: "ci-bot", Hash: hash}}),
		false, 100, 100, zap.NewNop(),
	)
}

func okHandler(t *testing.T, wantSubject string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, wantSubject, p.Subject)
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareJWT(t *testing.T) {
	m := newTestMiddleware(t)
	token, err := m.jwt.Generate("user-1", "Alex")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/resolutions/r1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	m.Wrap(okHandler(t, "user-1")).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareAPIKeyHeader(t *testing.T) {
	m := newTestMiddleware(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/resolutions/r1", nil)
	req.Header.Set("X-API-Key", "rk_testkey123")
	rec := httptest.NewRecorder()
	m.Wrap(okHandler(t, "ci-bot")).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareStreamQueryParam(t *testing.T) {
	m := newTestMiddleware(t)

	req := httptest.NewRequest(http.MethodGet, "/stream/ws?run_id=r1&api_key=rk_testkey123", nil)
	rec := httptest.NewRecorder()
	m.Wrap(okHandler(t, "ci-bot")).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsAnonymous(t *testing.T) {
	m := newTestMiddleware(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/resolutions/r1", nil)
	rec := httptest.NewRecorder()
	m.Wrap(okHandler(t, "")).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRateLimits(t *testing.T) {
	hash, err := HashAPIKey("rk_testkey123")
	require.NoError(t, err)
	m := NewMiddleware(
		NewJWTManager("test-signing-key", time.Hour),
		NewAPIKeyValidator([]APIKeyEntry{{Name: "ci-bot", Hash: hash}}),
		false, 1, 1, zap.NewNop(),
	)
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/resolutions/r1", nil)
	req.Header.Set("X-API-Key", "rk_testkey123")
	handler.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req.Clone(req.Context()))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestMiddlewareSkipAuth(t *testing.T) {
	m := NewMiddleware(NewJWTManager("k", time.Hour), NewAPIKeyValidator(nil), true, 100, 100, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/resolutions/r1", nil)
	rec := httptest.NewRecorder()
	m.Wrap(okHandler(t, "dev")).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
