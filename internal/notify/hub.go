// Package notify implements publish-subscribe fanout of task
// state-change events. Delivery is best-effort: slow subscribers lose
// events rather than stalling the pipeline. Events for a single task
// are delivered in the order they were published.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies an event type.
type Kind string

const (
	KindTaskCreated       Kind = "task_created"
	KindTaskStateChanged  Kind = "task_state_changed"
	KindTaskProgress      Kind = "task_progress"
	KindCheckpointCreated Kind = "checkpoint_created"
	KindErrorRegistered   Kind = "error_registered"
	KindTaskDeleted       Kind = "task_deleted"
	KindChunkIndexed      Kind = "chunk_indexed"
)

// Event is one task state-change notification.
type Event struct {
	TaskID    string    `json:"task_id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// StateChange is the payload for KindTaskStateChanged.
type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Progress is the payload for KindTaskProgress.
type Progress struct {
	Fraction float64 `json:"fraction"`
	Page     int     `json:"page"`
	Total    int     `json:"total"`
}

// ErrorInfo is the payload for KindErrorRegistered.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Hub fans events out to subscribers. The hub does not retain events
// for late subscribers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	dropped uint64
	logger  *slog.Logger
}

type subscriber struct {
	ch chan Event
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[int]*subscriber),
		logger: logger.With("component", "notify"),
	}
}

// Subscribe registers a new subscriber with the given channel buffer
// (minimum 1). The returned cancel function unregisters and closes the
// channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	sub := &subscriber{ch: make(chan Event, buffer)}
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber. Full subscriber
// buffers drop the event. Callers publish a given task's events from a
// single goroutine, which preserves per-task order.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped++
			h.logger.Debug("event dropped for slow subscriber", "task_id", ev.TaskID, "kind", ev.Kind)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
