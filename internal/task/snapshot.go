package task

import "time"

// Snapshot is a plain, lock-free copy of a task, used for persistence
// and for status reporting. Field layout matches Task.
type Snapshot struct {
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

	// Derived, not persisted back.
	EstimatedRemaining time.Duration `json:"estimated_time_remaining,omitempty"`
}

// Snapshot returns a consistent copy of the task.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		ID:          t.ID,
		InputPath:   t.InputPath,
		OutputPath:  t.OutputPath,
		Options:     t.Options,
		Metadata:    cloneParams(t.Metadata),
		Priority:    t.Priority,
		AddedAt:     t.AddedAt,
		Status:      t.Status,
		Progress:    t.Progress,
		CurrentPage: t.CurrentPage,
		TotalPages:  t.TotalPages,
		BestAttempt: t.BestAttempt,
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		s.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		s.CompletedAt = &v
	}
	for _, a := range t.Attempts {
		cp := *a
		s.Attempts = append(s.Attempts, &cp)
	}
	s.Errors = append(s.Errors, t.Errors...)
	if t.LastError != nil {
		v := *t.LastError
		s.LastError = &v
	}
	if t.Progress > 0 && t.Progress < 1 && len(t.Attempts) > 0 && !t.Status.Terminal() {
		start := t.Attempts[len(t.Attempts)-1].StartedAt
		if elapsed := time.Now().UTC().Sub(start); elapsed > 0 {
			s.EstimatedRemaining = time.Duration(float64(elapsed)/t.Progress) - elapsed
		}
	}
	return s
}

// FromSnapshot rebuilds a task from a persisted snapshot.
func FromSnapshot(s Snapshot) *Task {
	return &Task{
		ID:          s.ID,
		InputPath:   s.InputPath,
		OutputPath:  s.OutputPath,
		Options:     s.Options,
		Metadata:    s.Metadata,
		Priority:    s.Priority,
		AddedAt:     s.AddedAt,
		Status:      s.Status,
		Progress:    s.Progress,
		CurrentPage: s.CurrentPage,
		TotalPages:  s.TotalPages,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		Attempts:    s.Attempts,
		Errors:      s.Errors,
		LastError:   s.LastError,
		BestAttempt: s.BestAttempt,
	}
}

// SetBestAttempt records the attempt id holding the best result.
func (t *Task) SetBestAttempt(attemptID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.BestAttempt = attemptID
}

// SetMeta sets one metadata key on the task.
func (t *Task) SetMeta(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata[key] = value
}
