// Package trigger decides whether a conversation turn authorizes the
// resolution pipeline to run at all.
package trigger

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/models"
)

// Gate matches configured trigger phrases against the most recent
// rep-authored messages. It holds no per-run state and is safe for
// concurrent use.
type Gate struct {
	patterns []*regexp.Regexp
	window   int
	logger   *zap.Logger
}

// NewGate compiles the phrase list. Phrases are matched case-insensitively
// as regular expressions, so plain substrings work as-is.
func NewGate(phrases []string, window int, logger *zap.Logger) (*Gate, error) {
	if window <= 0 {
		window = 3
	}
	patterns := make([]*regexp.Regexp, 0, len(phrases))
	for _, p := range phrases {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("trigger: compile phrase %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &Gate{patterns: patterns, window: window, logger: logger}, nil
}

// Detect reports whether any of the last `window` rep messages contains a
// trigger phrase. It never mutates the transcript and has no side effects.
func (g *Gate) Detect(transcript []models.ConversationMessage) bool {
	var repMessages []string
	for _, msg := range transcript {
		if msg.Role == models.RoleRep {
			repMessages = append(repMessages, msg.Content)
		}
	}
	if len(repMessages) > g.window {
		repMessages = repMessages[len(repMessages)-g.window:]
	}

	for _, content := range repMessages {
		lower := strings.ToLower(content)
		for _, re := range g.patterns {
			if re.MatchString(lower) {
				g.logger.Debug("Trigger phrase detected",
					zap.String("pattern", re.String()),
				)
				return true
			}
		}
	}
	return false
}

// SwappableGate lets configuration reloads replace the active gate while
// in-flight workflows keep the gate they started with.
type SwappableGate struct {
	gate atomic.Pointer[Gate]
}

// NewSwappableGate wraps an initial gate.
func NewSwappableGate(g *Gate) *SwappableGate {
	var s SwappableGate
	s.gate.Store(g)
	return &s
}

// Swap installs a new gate for subsequent Detect calls.
func (s *SwappableGate) Swap(g *Gate) {
	s.gate.Store(g)
}

// Detect delegates to the currently installed gate.
func (s *SwappableGate) Detect(transcript []models.ConversationMessage) bool {
	return s.gate.Load().Detect(transcript)
}
