// Package streaming provides in-memory pub/sub for workflow progress
// events, with a per-run ring buffer for replay after reconnect.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/repflow/orchestrator/internal/metrics"
	"github.com/repflow/orchestrator/internal/workflow"
)

// Event is one broadcast workflow progress event. Seq is assigned at
// publish time and is monotonically increasing per run.
type Event struct {
	workflow.StageEvent
	Seq uint64 `json:"seq"`
}

// Marshal returns the event's JSON payload for websocket frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager fans workflow events out to subscribers keyed by run ID. It
// implements the engine's event sink; publishing never blocks, slow
// subscribers drop events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager builds a manager whose per-run replay buffer holds capacity
// events.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe registers a channel for one run's events. The caller must
// drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes and closes the channel.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.StreamSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish assigns a sequence number, records the event for replay, and
// fans it out to current subscribers. Fan-out happens under the lock so
// Unsubscribe cannot close a channel mid-send; sends are non-blocking, so
// the lock is never held waiting on a subscriber.
func (m *Manager) Publish(_ context.Context, ev workflow.StageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[ev.RunID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[ev.RunID] = rg
	}
	evt := Event{StageEvent: ev, Seq: rg.nextSeq}
	rg.nextSeq++
	rg.push(evt)

	for ch := range m.subscribers[ev.RunID] {
		select {
		case ch <- evt:
		default:
			// slow subscriber, drop
		}
	}
}

// ReplaySince returns buffered events with Seq > since, best-effort within
// the ring capacity.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops a run's replay history once no consumer can need it.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, runID)
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
