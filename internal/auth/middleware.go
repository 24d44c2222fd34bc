package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// Middleware authenticates HTTP requests with a JWT bearer token or an
// API key, then rate limits per principal.
type Middleware struct {
	jwt      *JWTManager
	apiKeys  *APIKeyValidator
	skipAuth bool
	logger   *zap.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rps       rate.Limit
	burst     int
}

// NewMiddleware builds the middleware. skipAuth installs a static dev
// principal and is only for local development.
func NewMiddleware(jwt *JWTManager, apiKeys *APIKeyValidator, skipAuth bool, rps float64, burst int, logger *zap.Logger) *Middleware {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Middleware{
		jwt:      jwt,
		apiKeys:  apiKeys,
		skipAuth: skipAuth,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Wrap applies authentication and rate limiting to a handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := m.authenticate(r)
		if principal == nil {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		if !m.allow(principal.Subject) {
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) authenticate(r *http.Request) *Principal {
	if m.skipAuth {
		return &Principal{Subject: "dev", Name: "dev"}
	}

	if header := r.Header.Get("Authorization"); header != "" {
		token, err := ExtractBearerToken(header)
		if err == nil {
			if p, err := m.jwt.Validate(token); err == nil {
				return p
			}
			m.logger.Debug("JWT validation failed", zap.String("path", r.URL.Path))
			return nil
		}
	}

	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" && strings.Contains(r.URL.Path, "/stream/") {
		// browser WebSocket clients cannot set custom headers
		apiKey = r.URL.Query().Get("api_key")
	}
	if apiKey != "" {
		p, err := m.apiKeys.Validate(apiKey)
		if err != nil {
			m.logger.Debug("API key validation failed", zap.String("path", r.URL.Path))
			return nil
		}
		return p
	}
	return nil
}

func (m *Middleware) allow(subject string) bool {
	m.limiterMu.Lock()
	lim, ok := m.limiters[subject]
	if !ok {
		lim = rate.NewLimiter(m.rps, m.burst)
		m.limiters[subject] = lim
	}
	m.limiterMu.Unlock()
	return lim.Allow()
}
