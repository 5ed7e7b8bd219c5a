package engine

import (
	"sync"
	"time"

	"github.com/alem-hub/warning-engine/internal/domain/warning"
)

// TrackedEvent is the processing record of one recent event.
type TrackedEvent struct {
	ID          string                  `json:"id"`
	Type        warning.EventType       `json:"type"`
	EntityID    string                  `json:"entityId"`
	State       warning.ProcessingState `json:"state"`
	ReceivedAt  time.Time               `json:"receivedAt"`
	StartedAt   *time.Time              `json:"startedAt,omitempty"`
	FinishedAt  *time.Time              `json:"finishedAt,omitempty"`
	Affected    int                     `json:"affected"`
	Triggered   int                     `json:"triggered"`
	FailedRules int                     `json:"failedRules"`
	Error       string                  `json:"error,omitempty"`
}

// tracker keeps the last N events in a ring plus the engine counters.
type tracker struct {
	mu    sync.Mutex
	size  int
	ring  []string
	next  int
	byID  map[string]*TrackedEvent
	state Status
}

func newTracker(size int) *tracker {
	return &tracker{
		size: size,
		ring: make([]string, 0, size),
		byID: make(map[string]*TrackedEvent, size),
	}
}

func (t *tracker) received(event warning.DataChangeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[event.ID]; !ok {
		if len(t.ring) < t.size {
			t.ring = append(t.ring, event.ID)
		} else {
			delete(t.byID, t.ring[t.next])
			t.ring[t.next] = event.ID
			t.next = (t.next + 1) % t.size
		}
	}

	t.byID[event.ID] = &TrackedEvent{
		ID:         event.ID,
		Type:       event.Type,
		EntityID:   event.EntityID,
		State:      warning.StateReceived,
		ReceivedAt: event.Timestamp,
	}
}

// ensure tracks events that bypassed the queue.
func (t *tracker) ensure(event warning.DataChangeEvent) {
	t.mu.Lock()
	_, ok := t.byID[event.ID]
	t.mu.Unlock()
	if !ok {
		t.received(event)
	}
}

func (t *tracker) transition(id string, state warning.ProcessingState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev, ok := t.byID[id]; ok && !ev.State.IsTerminal() {
		ev.State = state
	}
}

func (t *tracker) start(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.IsProcessing = true
	t.state.CurrentEventID = id
	if ev, ok := t.byID[id]; ok {
		ev.State = warning.StateProcessing
		ev.StartedAt = &at
	}
}

func (t *tracker) finish(id string, state warning.ProcessingState, errMsg string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(id, state, errMsg, at)
}

func (t *tracker) complete(id string, o *Outcome, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.TriggeredTotal += int64(o.Triggered)
	if ev, ok := t.byID[id]; ok {
		ev.Affected = len(o.AffectedEntityIDs)
		ev.Triggered = o.Triggered
		ev.FailedRules = o.FailedRules
	}
	t.finishLocked(id, warning.StateCompleted, "", at)
}

func (t *tracker) finishLocked(id string, state warning.ProcessingState, errMsg string, at time.Time) {
	if t.state.CurrentEventID == id {
		t.state.IsProcessing = false
		t.state.CurrentEventID = ""
	}

	ev, ok := t.byID[id]
	wasProcessing := ok && ev.State == warning.StateProcessing
	if ok {
		ev.State = state
		ev.FinishedAt = &at
		ev.Error = errMsg
	}

	// Only events that reached the worker count as processed or failed.
	if !wasProcessing {
		return
	}
	t.state.LastProcessedAt = &at
	if state == warning.StateFailed {
		t.state.Failed++
	} else {
		t.state.Processed++
	}
}

func (t *tracker) status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state
	if s.LastProcessedAt != nil {
		at := *s.LastProcessedAt
		s.LastProcessedAt = &at
	}
	return s
}

func (t *tracker) get(id string) (TrackedEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.byID[id]
	if !ok {
		return TrackedEvent{}, false
	}
	return *ev, true
}

func (t *tracker) recent() []TrackedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TrackedEvent, 0, len(t.ring))
	// walk backwards from the most recently written slot
	n := len(t.ring)
	for i := 0; i < n; i++ {
		idx := (t.next - 1 - i + n) % n
		if len(t.ring) < t.size {
			idx = n - 1 - i
		}
		if ev, ok := t.byID[t.ring[idx]]; ok {
			out = append(out, *ev)
		}
	}
	return out
}
