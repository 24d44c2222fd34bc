package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker.
type HTTPWrapper struct {
	client *http.Client
	cb     *CircuitBreaker
	name   string
	logger *zap.Logger
}

// NewHTTPWrapper creates a new HTTP wrapper with circuit breaker.
func NewHTTPWrapper(client *http.Client, name string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	cb := New(name, DefaultConfig(), logger)
	return &HTTPWrapper{client: client, cb: cb, name: name, logger: logger}
}

// Do executes an HTTP request through the circuit breaker. 5xx responses
// count as breaker failures; 4xx do not trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var err2 error
		resp, err2 = hw.client.Do(req)
		if err2 != nil {
			return err2
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	// A 5xx already produced a valid response; hand it to the caller and
	// keep the failure for breaker accounting only.
	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// State exposes the breaker state for health reporting.
func (hw *HTTPWrapper) State() State {
	return hw.cb.State()
}

// httpStatusError marks 5xx responses for breaker accounting
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
