// Package queue schedules tasks through a priority-ordered queue and a
// bounded worker pool. Higher-priority tasks are dispatched strictly
// before lower ones; ties break FIFO on added_at order. The manager
// owns the task state machine around execution: it moves tasks into
// the worker pool and applies the terminal transition when the runner
// returns.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mgiraud/papermill/internal/notify"
	"github.com/mgiraud/papermill/internal/processor"
	"github.com/mgiraud/papermill/internal/store"
	"github.com/mgiraud/papermill/internal/task"
)

// Runner executes one task attempt cycle. paused is polled at safe
// points; returning processor.ErrPaused or processor.ErrCancelled
// signals an interruption rather than a failure.
type Runner interface {
	Run(ctx context.Context, t *task.Task, paused func() bool) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, t *task.Task, paused func() bool) error

func (f RunnerFunc) Run(ctx context.Context, t *task.Task, paused func() bool) error {
	return f(ctx, t, paused)
}

// Config configures the queue manager.
type Config struct {
	// MaxConcurrent bounds tasks in Processing. Default 3.
	MaxConcurrent int

	// Retention is how long terminal tasks stay queryable. Default 24h.
	Retention time.Duration

	// SweepInterval is the retention GC period. Default 10m.
	SweepInterval time.Duration

	Logger *slog.Logger
}

// Manager is the priority queue plus its worker pool.
type Manager struct {
	store  *store.Store
	hub    *notify.Hub
	runner Runner
	logger *slog.Logger

	retention  time.Duration
	sweepEvery time.Duration

	mu            sync.Mutex
	maxConcurrent int
	inFlight      int
	items         taskHeap
	seq           uint64
	tasks         map[string]*task.Task
	active        map[string]context.CancelFunc
	ctxs          map[string]context.Context
	pauseReq      map[string]bool

	completed int
	procTime  time.Duration
	procCount int

	notifyCh chan struct{}
	slotCh   chan struct{}
}

// NewManager creates a queue manager. Start must be called before
// enqueued tasks are executed.
func NewManager(st *store.Store, hub *notify.Hub, runner Runner, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	sweepEvery := cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = 10 * time.Minute
	}

	m := &Manager{
		store:         st,
		hub:           hub,
		runner:        runner,
		logger:        logger.With("component", "queue"),
		maxConcurrent: maxConcurrent,
		retention:     retention,
		sweepEvery:    sweepEvery,
		tasks:         make(map[string]*task.Task),
		active:        make(map[string]context.CancelFunc),
		ctxs:          make(map[string]context.Context),
		pauseReq:      make(map[string]bool),
		notifyCh:      make(chan struct{}, 1),
		slotCh:        make(chan struct{}, 1),
	}
	heap.Init(&m.items)
	return m
}

// Start launches the dispatcher and the retention sweeper. Both stop
// when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go m.dispatch(ctx)
	go m.sweepLoop(ctx)
}

// Enqueue validates and admits a task. The task is persisted before
// any notification fires.
func (m *Manager) Enqueue(ctx context.Context, t *task.Task) error {
	if t == nil {
		return errors.New("nil task")
	}
	if t.InputPath == "" {
		return errors.New("task has no input path")
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", t.Priority)
	}

	if err := m.store.PutTask(ctx, t); err != nil {
		return fmt.Errorf("failed to persist task: %w", err)
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.push(t)
	m.mu.Unlock()

	m.hub.Publish(notify.Event{TaskID: t.ID, Kind: notify.KindTaskCreated})
	m.signal()

	m.logger.Info("task enqueued",
		"task_id", t.ID,
		"priority", t.Priority.String(),
		"input", t.InputPath,
	)
	return nil
}

// Get returns a known task by id.
func (m *Manager) Get(id string) (*task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Recover reloads persisted tasks after a restart. Tasks interrupted
// mid-flight (queued, preprocessing, processing, waiting) are
// re-queued; their open attempt resumes from its checkpoint. Paused
// and terminal tasks are loaded for visibility only. Returns the
// number of re-queued tasks.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	snaps, err := m.store.ListTasks(ctx, store.Filter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list persisted tasks: %w", err)
	}

	var requeued []*task.Task
	m.mu.Lock()
	for _, snap := range snaps {
		if _, ok := m.tasks[snap.ID]; ok {
			continue
		}
		switch snap.Status {
		case task.StatusQueued, task.StatusPreprocessing,
			task.StatusProcessing, task.StatusWaitingForResources:
			snap.Status = task.StatusQueued
			t := task.FromSnapshot(snap)
			m.tasks[t.ID] = t
			m.push(t)
			requeued = append(requeued, t)
		default:
			m.tasks[snap.ID] = task.FromSnapshot(snap)
		}
	}
	m.mu.Unlock()

	for _, t := range requeued {
		if err := m.store.PutTask(ctx, t); err != nil {
			m.logger.Error("failed to persist recovered task", "task_id", t.ID, "error", err)
		}
	}
	if len(requeued) > 0 {
		m.signal()
		m.logger.Info("recovered interrupted tasks",
			"requeued", len(requeued), "loaded", len(snaps))
	}
	return len(requeued), nil
}

// List returns snapshots of every known task, newest first.
func (m *Manager) List() []task.Snapshot {
	m.mu.Lock()
	out := make([]task.Snapshot, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.After(out[j].AddedAt) })
	return out
}

// Pause requests suspension. A queued task moves to Paused immediately;
// a running task is paused at its next chunk boundary. Pausing an
// already paused task is a no-op returning true. Terminal tasks return
// false.
func (m *Manager) Pause(ctx context.Context, id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	switch st := t.CurrentStatus(); {
	case st.Terminal():
		return false
	case st == task.StatusPaused:
		return true
	case st == task.StatusQueued, st == task.StatusWaitingForResources:
		if m.transition(ctx, t, task.StatusPaused) {
			return true
		}
		// Lost the race with dispatch pickup; pause mid-run instead.
		fallthrough
	default: // preprocessing, processing
		m.mu.Lock()
		m.pauseReq[id] = true
		m.mu.Unlock()
		m.logger.Info("pause requested", "task_id", id)
		return true
	}
}

// Resume re-queues a paused task. Resuming a non-paused task returns
// false without side effects.
func (m *Manager) Resume(ctx context.Context, id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok || t.CurrentStatus() != task.StatusPaused {
		return false
	}

	m.transition(ctx, t, task.StatusQueued)

	m.mu.Lock()
	delete(m.pauseReq, id)
	m.push(t)
	m.mu.Unlock()
	m.signal()

	m.logger.Info("task resumed", "task_id", id)
	return true
}

// Cancel terminates a task. Queued and paused tasks cancel immediately;
// running tasks cancel at the next safe point. Cancelling a terminal
// task returns false.
func (m *Manager) Cancel(ctx context.Context, id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	cancel := m.active[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	st := t.CurrentStatus()
	if st.Terminal() {
		return false
	}

	if cancel != nil {
		// The worker applies the Cancelled transition when the runner
		// observes the signal at a chunk boundary.
		cancel()
		m.logger.Info("cancellation requested", "task_id", id)
		return true
	}

	m.transition(ctx, t, task.StatusCancelled)
	m.logger.Info("task cancelled", "task_id", id)
	return true
}

// Stats reports a point-in-time view of the queue.
type Stats struct {
	QueueLength       int            `json:"queue_length"`
	Active            int            `json:"active"`
	Completed         int            `json:"completed"`
	Paused            int            `json:"paused"`
	MaxConcurrent     int            `json:"max_concurrent"`
	StatusHistogram   map[string]int `json:"status_histogram"`
	PriorityHistogram map[string]int `json:"priority_histogram"`
	AvgProcessingTime float64        `json:"avg_processing_time_seconds"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Stats returns queue statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Active:            len(m.active),
		Completed:         m.completed,
		MaxConcurrent:     m.maxConcurrent,
		StatusHistogram:   make(map[string]int),
		PriorityHistogram: make(map[string]int),
		Timestamp:         time.Now().UTC(),
	}
	for _, t := range m.tasks {
		st := t.CurrentStatus()
		s.StatusHistogram[string(st)]++
		s.PriorityHistogram[t.Priority.String()]++
		switch st {
		case task.StatusQueued:
			s.QueueLength++
		case task.StatusPaused:
			s.Paused++
		}
	}
	if m.procCount > 0 {
		s.AvgProcessingTime = m.procTime.Seconds() / float64(m.procCount)
	}
	return s
}

// push assumes m.mu is held.
func (m *Manager) push(t *task.Task) {
	m.seq++
	heap.Push(&m.items, &taskItem{t: t, seq: m.seq})
}

func (m *Manager) signal() {
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
}

// pop blocks until a dispatchable task is available or ctx is done.
// Stale heap entries (paused or cancelled while queued) are discarded.
// Tasks parked in waiting_for_resources re-enter the heap during slot
// waits and stay dispatchable.
func (m *Manager) pop(ctx context.Context) *task.Task {
	for {
		m.mu.Lock()
		for m.items.Len() > 0 {
			item := heap.Pop(&m.items).(*taskItem)
			switch item.t.CurrentStatus() {
			case task.StatusQueued, task.StatusWaitingForResources:
				m.mu.Unlock()
				return item.t
			}
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-m.notifyCh:
		}
	}
}

// dispatch pops tasks in priority order and hands them to workers,
// never exceeding maxConcurrent in flight.
func (m *Manager) dispatch(ctx context.Context) {
	for {
		t := m.pop(ctx)
		if t == nil {
			return
		}

		if !m.tryAcquireSlot() {
			// Pool saturated; surface the wait as a distinct state.
			m.transition(ctx, t, task.StatusWaitingForResources)
			if !m.acquireSlot(ctx) {
				return
			}
			// Higher-priority work may have arrived during the wait:
			// put the task back and dispatch the current best.
			m.mu.Lock()
			m.push(t)
			m.mu.Unlock()
			t = m.pop(ctx)
			if t == nil {
				m.releaseSlot()
				return
			}
		}

		if !m.beginWork(ctx, t) {
			m.releaseSlot()
			continue
		}
		go m.runTask(ctx, t)
	}
}

// SetMaxConcurrent resizes the worker pool bound. Shrinking never
// interrupts running tasks; the pool drains down to the new bound as
// they finish.
func (m *Manager) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	changed := n != m.maxConcurrent
	m.maxConcurrent = n
	m.mu.Unlock()
	if changed {
		m.signalSlot()
		m.logger.Info("worker pool resized", "max_concurrent", n)
	}
}

func (m *Manager) tryAcquireSlot() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight >= m.maxConcurrent {
		return false
	}
	m.inFlight++
	return true
}

// acquireSlot blocks until a slot frees up or ctx is done.
func (m *Manager) acquireSlot(ctx context.Context) bool {
	for {
		if m.tryAcquireSlot() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-m.slotCh:
		}
	}
}

func (m *Manager) releaseSlot() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
	m.signalSlot()
}

// signalSlot wakes the dispatcher. Only the dispatcher waits on
// slotCh, so a single buffered token is enough.
func (m *Manager) signalSlot() {
	select {
	case m.slotCh <- struct{}{}:
	default:
	}
}

// beginWork transitions the task into the pool. Returns false if the
// task was paused or cancelled between pop and pickup.
func (m *Manager) beginWork(ctx context.Context, t *task.Task) bool {
	m.mu.Lock()
	st := t.CurrentStatus()
	if st != task.StatusQueued && st != task.StatusWaitingForResources {
		m.mu.Unlock()
		return false
	}
	tctx, cancel := context.WithCancel(ctx)
	m.active[t.ID] = cancel
	m.ctxs[t.ID] = tctx
	m.mu.Unlock()

	if !m.transition(ctx, t, task.StatusPreprocessing) {
		m.mu.Lock()
		cancel()
		delete(m.active, t.ID)
		delete(m.ctxs, t.ID)
		m.mu.Unlock()
		return false
	}
	return true
}

// runTask drives the runner and applies the terminal transition.
func (m *Manager) runTask(ctx context.Context, t *task.Task) {
	m.mu.Lock()
	tctx := m.ctxs[t.ID]
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if cancel := m.active[t.ID]; cancel != nil {
			cancel()
		}
		delete(m.active, t.ID)
		delete(m.pauseReq, t.ID)
		delete(m.ctxs, t.ID)
		m.mu.Unlock()
		m.releaseSlot()
	}()

	err := m.runner.Run(tctx, t, func() bool { return m.pauseRequested(t.ID) })

	switch {
	case err == nil:
		m.transition(ctx, t, task.StatusCompleted)
		m.recordCompletion(t)

	case errors.Is(err, processor.ErrPaused):
		m.transition(ctx, t, task.StatusPaused)
		m.mu.Lock()
		delete(m.pauseReq, t.ID)
		m.mu.Unlock()
		m.logger.Info("task paused", "task_id", t.ID)

	case errors.Is(err, processor.ErrCancelled), tctx.Err() != nil:
		m.transition(ctx, t, task.StatusCancelled)
		m.logger.Info("task cancelled", "task_id", t.ID)

	default:
		m.transition(ctx, t, task.StatusFailed)
		m.logger.Error("task failed", "task_id", t.ID, "error", err)
	}
}

func (m *Manager) pauseRequested(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseReq[id]
}

func (m *Manager) recordCompletion(t *task.Task) {
	s := t.Snapshot()
	m.mu.Lock()
	m.completed++
	if s.StartedAt != nil && s.CompletedAt != nil {
		m.procTime += s.CompletedAt.Sub(*s.StartedAt)
		m.procCount++
	}
	m.mu.Unlock()
	m.logger.Info("task completed", "task_id", t.ID, "pages", s.TotalPages)
}

// transition applies a state change, persists it, then notifies.
// Persistence precedes notification so observers never see a state
// that isn't durable. Returns false if the state machine rejected the
// change, which callers treat as losing a benign race.
func (m *Manager) transition(ctx context.Context, t *task.Task, to task.Status) bool {
	from := t.CurrentStatus()
	if err := t.Transition(to); err != nil {
		m.logger.Warn("transition rejected", "task_id", t.ID, "from", from, "to", to, "error", err)
		return false
	}
	if err := m.store.PutTask(ctx, t); err != nil {
		m.logger.Error("failed to persist transition", "task_id", t.ID, "to", to, "error", err)
	}
	m.hub.Publish(notify.Event{TaskID: t.ID, Kind: notify.KindTaskStateChanged, Payload: notify.StateChange{
		From: string(from), To: string(to),
	}})
	return true
}

// sweepLoop garbage-collects terminal tasks past the retention window.
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep removes terminal tasks whose retention has expired.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-m.retention)

	m.mu.Lock()
	var expired []*task.Task
	for _, t := range m.tasks {
		s := t.Snapshot()
		if s.Status.Terminal() && s.CompletedAt != nil && s.CompletedAt.Before(cutoff) {
			expired = append(expired, t)
		}
	}
	for _, t := range expired {
		delete(m.tasks, t.ID)
		delete(m.pauseReq, t.ID)
	}
	m.mu.Unlock()

	for _, t := range expired {
		if err := m.store.DeleteTask(ctx, t.ID); err != nil {
			m.logger.Error("failed to delete expired task", "task_id", t.ID, "error", err)
			continue
		}
		m.hub.Publish(notify.Event{TaskID: t.ID, Kind: notify.KindTaskDeleted})
		m.logger.Info("expired task removed", "task_id", t.ID)
	}
	return len(expired)
}
