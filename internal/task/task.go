package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued              Status = "queued"
	StatusPreprocessing       Status = "preprocessing"
	StatusProcessing          Status = "processing"
	StatusPaused              Status = "paused"
	StatusWaitingForResources Status = "waiting_for_resources"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// Terminal returns true if the status is final. Terminal tasks are immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusPreprocessing, StatusProcessing, StatusPaused,
		StatusWaitingForResources, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// allowedTransitions enumerates the legal status transitions.
var allowedTransitions = map[Status][]Status{
	StatusQueued:              {StatusPreprocessing, StatusWaitingForResources, StatusPaused, StatusCancelled},
	StatusWaitingForResources: {StatusQueued, StatusPreprocessing, StatusPaused, StatusCancelled},
	StatusPreprocessing:       {StatusProcessing, StatusPaused, StatusFailed, StatusCancelled},
	StatusProcessing:          {StatusCompleted, StatusFailed, StatusPaused, StatusCancelled},
	StatusPaused:              {StatusQueued, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is returned when a status change violates the state machine.
type ErrIllegalTransition struct {
	From, To Status
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// ErrorKind classifies a processing failure. The set is closed.
type ErrorKind string

const (
	ErrKindSystem     ErrorKind = "system"
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindValidation ErrorKind = "validation"
	ErrKindOCR        ErrorKind = "ocr"
	ErrKindNetwork    ErrorKind = "network"
	ErrKindUnknown    ErrorKind = "unknown"
)

// TaskError is one recorded failure on a task.
type TaskError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Transient bool      `json:"transient"`
	Attempt   int       `json:"attempt"`
	At        time.Time `json:"at"`
}

// Task is the unit of work: one document driven through the pipeline.
// Access is synchronized internally; callers never lock.
type Task struct {
	mu sync.RWMutex

	ID         string            `json:"id"`
	InputPath  string            `json:"input_path"`
	OutputPath string            `json:"output_path,omitempty"`
	Options    Options           `json:"options"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	Priority Priority  `json:"priority"`
	AddedAt  time.Time `json:"added_at"`

	Status      Status     `json:"status"`
	Progress    float64    `json:"progress"`
	CurrentPage int        `json:"current_page"`
	TotalPages  int        `json:"total_pages"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Attempts    []*Attempt  `json:"attempts,omitempty"`
	Errors      []TaskError `json:"errors,omitempty"`
	LastError   *TaskError  `json:"last_error,omitempty"`
	BestAttempt string      `json:"best_attempt,omitempty"`
}

// New creates a queued task for the given document.
func New(inputPath string, priority Priority, opts Options) *Task {
	return &Task{
		ID:        uuid.NewString(),
		InputPath: inputPath,
		Options:   opts,
		Priority:  priority,
		AddedAt:   time.Now().UTC(),
		Status:    StatusQueued,
	}
}

// Transition moves the task to a new status, enforcing the state machine
// and terminal immutability. Timestamps are maintained as a side effect.
func (t *Task) Transition(to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status.Terminal() {
		return &ErrIllegalTransition{From: t.Status, To: to}
	}
	if !CanTransition(t.Status, to) {
		return &ErrIllegalTransition{From: t.Status, To: to}
	}

	now := time.Now().UTC()
	switch to {
	case StatusProcessing:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusCompleted, StatusFailed, StatusCancelled:
		t.CompletedAt = &now
	}
	t.Status = to
	return nil
}

// CurrentStatus returns the task's status (thread-safe).
func (t *Task) CurrentStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// SetProgress updates fractional progress and the page cursor.
// Progress is monotonic within an attempt; regressions are ignored
// unless reset by BeginAttempt.
func (t *Task) SetProgress(fraction float64, page, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fraction > 1 {
		fraction = 1
	}
	if fraction >= t.Progress {
		t.Progress = fraction
	}
	if page > t.CurrentPage {
		t.CurrentPage = page
	}
	if total > 0 {
		t.TotalPages = total
	}
}

// BeginAttempt appends a new attempt and resets per-attempt progress.
// Attempt N+1 may only begin once attempt N is terminal.
func (t *Task) BeginAttempt(engines []string, params map[string]string) (*Attempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.Attempts); n > 0 && t.Attempts[n-1].CompletedAt == nil {
		return nil, fmt.Errorf("attempt %d still in flight", n)
	}

	a := &Attempt{
		ID:        uuid.NewString(),
		Number:    len(t.Attempts) + 1,
		Engines:   append([]string(nil), engines...),
		Params:    cloneParams(params),
		StartedAt: time.Now().UTC(),
	}
	t.Attempts = append(t.Attempts, a)
	t.Progress = 0
	t.CurrentPage = 0
	return a, nil
}

// RecordError appends an error to the task's history and updates LastError.
func (t *Task) RecordError(e TaskError) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	t.Errors = append(t.Errors, e)
	last := e
	t.LastError = &last
}

// LatestAttempt returns the most recent attempt, or nil if none exist.
func (t *Task) LatestAttempt() *Attempt {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.Attempts) == 0 {
		return nil
	}
	return t.Attempts[len(t.Attempts)-1]
}

// EstimatedRemaining extrapolates remaining processing time from the
// current attempt's elapsed time and progress. Estimates are recomputed
// from the attempt's own start, so a resume that lowers progress simply
// yields a fresh estimate. Returns 0 when no estimate is possible.
func (t *Task) EstimatedRemaining(now time.Time) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.Progress <= 0 || t.Progress >= 1 || len(t.Attempts) == 0 {
		return 0
	}
	start := t.Attempts[len(t.Attempts)-1].StartedAt
	elapsed := now.Sub(start)
	if elapsed <= 0 {
		return 0
	}
	total := time.Duration(float64(elapsed) / t.Progress)
	return total - elapsed
}

func cloneParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
