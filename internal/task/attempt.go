package task

import "time"

// Attempt is one execution pass of a task with a frozen strategy.
// Attempts are append-only.
type Attempt struct {
	ID     string `json:"id"`
	Number int    `json:"number"`

	// Strategy snapshot.
	Engines []string          `json:"engines"`
	Params  map[string]string `json:"params,omitempty"`

	// Result summary.
	Success        bool               `json:"success"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	ProcessingTime time.Duration      `json:"processing_time"`
	PagesProcessed int                `json:"pages_processed"`
	Confidence     map[string]float64 `json:"confidence,omitempty"`
}

// Finish marks the attempt terminal with the given outcome.
func (a *Attempt) Finish(success bool, pagesProcessed int, confidence map[string]float64) {
	now := time.Now().UTC()
	a.CompletedAt = &now
	a.ProcessingTime = now.Sub(a.StartedAt)
	a.Success = success
	a.PagesProcessed = pagesProcessed
	a.Confidence = confidence
}

// Terminal reports whether the attempt has finished.
func (a *Attempt) Terminal() bool {
	return a.CompletedAt != nil
}

// OverallConfidence returns the mean of the per-metric confidences,
// or 0 when none were recorded.
func (a *Attempt) OverallConfidence() float64 {
	if len(a.Confidence) == 0 {
		return 0
	}
	var sum float64
	for _, v := range a.Confidence {
		sum += v
	}
	return sum / float64(len(a.Confidence))
}
