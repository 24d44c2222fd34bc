// Package health aggregates per-dependency health checks into liveness and
// readiness signals.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the outcome of one check or of the aggregate.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckResult is one component's verdict.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Critical  bool          `json:"critical"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
	Critical() bool
}

// Overall is the aggregate health report.
type Overall struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checkers. A failing critical checker makes the
// service not ready; a failing non-critical one only degrades it.
type Manager struct {
	mu           sync.RWMutex
	checkers     []Checker
	checkTimeout time.Duration
	logger       *zap.Logger
}

func NewManager(checkTimeout time.Duration, logger *zap.Logger) *Manager {
	if checkTimeout <= 0 {
		checkTimeout = 5 * time.Second
	}
	return &Manager{checkTimeout: checkTimeout, logger: logger}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Check probes every dependency concurrently and aggregates.
func (m *Manager) Check(ctx context.Context) Overall {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(idx int, c Checker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{
				Component: c.Name(),
				Status:    StatusHealthy,
				Critical:  c.Critical(),
				Duration:  time.Since(start),
				Timestamp: time.Now().UTC(),
			}
			if err != nil {
				res.Error = err.Error()
				if c.Critical() {
					res.Status = StatusUnhealthy
				} else {
					res.Status = StatusDegraded
				}
				m.logger.Warn("Health check failed",
					zap.String("component", c.Name()),
					zap.Bool("critical", c.Critical()),
					zap.Error(err),
				)
			}
			results[idx] = res
		}(i, c)
	}
	wg.Wait()

	overall := Overall{
		Status:     StatusHealthy,
		Ready:      true,
		Components: make(map[string]CheckResult, len(results)),
		Timestamp:  time.Now().UTC(),
	}
	for _, r := range results {
		overall.Components[r.Component] = r
		switch r.Status {
		case StatusUnhealthy:
			overall.Status = StatusUnhealthy
			overall.Ready = false
		case StatusDegraded:
			if overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
			}
		}
	}
	return overall
}

// PingChecker adapts a plain ping function into a Checker.
type PingChecker struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

func NewPingChecker(name string, critical bool, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, critical: critical, ping: ping}
}

func (p *PingChecker) Name() string                    { return p.name }
func (p *PingChecker) Critical() bool                  { return p.critical }
func (p *PingChecker) Check(ctx context.Context) error { return p.ping(ctx) }
