package task

import "time"

// Checkpoint is a durable snapshot of an attempt's progress, sufficient
// to resume without redoing completed chunks. At most the latest
// checkpoint per (task, attempt) is retained.
type Checkpoint struct {
	TaskID    string    `json:"task_id"`
	AttemptID string    `json:"attempt_id"`
	CreatedAt time.Time `json:"created_at"`

	// State is an opaque blob owned by the component that wrote it.
	State []byte `json:"state,omitempty"`

	CurrentPage int     `json:"current_page"`
	TotalPages  int     `json:"total_pages"`
	Progress    float64 `json:"progress"`
}
