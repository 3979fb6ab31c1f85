package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types published by the orchestrator.
const (
	WorkspaceCreated     = "workspace.created"
	DocumentStored       = "document.stored"
	AssetStored          = "asset.stored"
	ValidationMissing    = "validation.incomplete"
	CompilationStarted   = "compilation.started"
	CompilationSucceeded = "compilation.succeeded"
	CompilationFailed    = "compilation.failed"
	CompilationError     = "compilation.error"

	RetentionSwept  = "retention.swept"
	RetentionFailed = "retention.failed"
)

type Event struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	At          time.Time       `json:"at"`
	Data        json.RawMessage `json:"data"`
}

// Filter selects events for a subscriber. The zero value matches everything.
type Filter struct {
	WorkspaceID string
}

func (f Filter) match(ev Event) bool {
	return f.WorkspaceID == "" || f.WorkspaceID == ev.WorkspaceID
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
	closed    bool
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish records an event for workspaceID. Empty workspaceID marks a
// service-wide event.
func (h *Hub) Publish(eventType, workspaceID string, data any) {
	id := h.nextID.Add(1)

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:          id,
		Type:        eventType,
		WorkspaceID: workspaceID,
		At:          time.Now().UTC(),
		Data:        payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if !sub.filter.match(ev) {
			continue
		}
		// Don't let slow clients block producers.
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events matching f and a cancel func.
// The channel is closed by cancel or Close.
func (h *Hub) Subscribe(f Filter) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 64)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = subscriber{ch: ch, filter: f}

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events matching f with ID > lastID,
// oldest-first.
func (h *Hub) SnapshotSince(lastID int64, f Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID && f.match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Close disconnects all subscribers. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
