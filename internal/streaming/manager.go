package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the pipeline.
const (
	EventRunStarted      = "run_started"
	EventPhaseStarted    = "phase_started"
	EventPhaseCompleted  = "phase_completed"
	EventAgentOutcome    = "agent_outcome"
	EventReviewRequested = "review_requested"
	EventReviewResolved  = "review_resolved"
	EventRunCompleted    = "run_completed"
	EventRunFailed       = "run_failed"
)

// Event is a minimal streaming event used by the websocket feed.
type Event struct {
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	Phase     string                 `json:"phase,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads on the wire or in logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub for run events with a per-run
// ring buffer so reconnecting clients can replay missed events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager with the given replay capacity per run.
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

// Subscribe adds a subscriber channel for a run; caller must drain and
// call Unsubscribe.
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
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish stamps, records, and fans out an event (non-blocking).
func (m *Manager) Publish(runID string, evt Event) {
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	// Sends never block, so the whole fan-out stays inside the critical
	// section; Unsubscribe cannot close a channel mid-send.
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)

	for ch := range m.subscribers[runID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow; the ring covers the gap.
		}
	}
}

// ReplaySince returns events with Seq > since, best-effort within the
// ring capacity.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history for a finished run.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	delete(m.history, runID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events
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
