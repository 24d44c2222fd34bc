package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okChecker(name string, critical bool) Checker {
	return NewPingChecker(name, critical, func(context.Context) error { return nil })
}

func failChecker(name string, critical bool) Checker {
	return NewPingChecker(name, critical, func(context.Context) error { return errors.New("down") })
}

func TestCheckAllHealthy(t *testing.T) {
	m := NewManager(time.Second, zap.NewNop())
	m.Register(okChecker("postgres", true))
	m.Register(okChecker("redis", false))

	overall := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.True(t, overall.Ready)
	assert.Len(t, overall.Components, 2)
}

func TestCheckNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(time.Second, zap.NewNop())
	m.Register(okChecker("postgres", true))
	m.Register(failChecker("redis", false))

	overall := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
}

func TestCheckCriticalFailureNotReady(t *testing.T) {
	m := NewManager(time.Second, zap.NewNop())
	m.Register(failChecker("postgres", true))

	overall := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, overall.Ready)
	assert.Equal(t, "down", overall.Components["postgres"].Error)
}

func TestCheckHonorsTimeout(t *testing.T) {
	m := NewManager(20*time.Millisecond, zap.NewNop())
	m.Register(NewPingChecker("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	overall := m.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, overall.Ready)
}

func TestHandlerEndpoints(t *testing.T) {
	m := NewManager(time.Second, zap.NewNop())
	m.Register(okChecker("postgres", true))
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/health"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestHandlerNotReady(t *testing.T) {
	m := NewManager(time.Second, zap.NewNop())
	m.Register(failChecker("postgres", true))
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)
}
