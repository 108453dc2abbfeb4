package ocr

import (
	"sort"
	"sync"
)

// Preferences carries user hints for engine ranking.
type Preferences struct {
	// PreferSpeed sorts candidates by estimated cost ascending.
	// Otherwise the complexity-mapped accuracy order is preserved.
	PreferSpeed bool

	// EngineHint forces a specific engine to the front when available.
	EngineHint string
}

// Candidate is one ranked engine with its estimated processing cost.
type Candidate struct {
	Name          string  `json:"name"`
	EstimatedCost float64 `json:"estimated_cost"`
	Accuracy      float64 `json:"accuracy"`
}

// Selection is the selector's output: an ordered preference list.
type Selection struct {
	Complexity Complexity  `json:"complexity"`
	NoOCR      bool        `json:"no_ocr"` // plain text input, skip OCR entirely
	Candidates []Candidate `json:"candidates"`
}

// Engines returns the candidate names in preference order.
func (s Selection) Engines() []string {
	names := make([]string, len(s.Candidates))
	for i, c := range s.Candidates {
		names[i] = c.Name
	}
	return names
}

// Select ranks the available engines for a document. It is a pure
// function over the metrics, preferences, tracker state, and engine set.
func Select(m DocumentMetrics, prefs Preferences, tracker *Tracker, available []Engine) Selection {
	sel := Selection{Complexity: Classify(m)}
	if m.IsPlainText() {
		sel.NoOCR = true
		return sel
	}

	pages := m.PageCount
	if pages < 1 {
		pages = 1
	}

	for _, e := range available {
		acc := e.Accuracy(sel.Complexity)
		if tracker != nil {
			// Past performance nudges the static profile.
			acc = 0.7*acc + 0.3*tracker.MeanConfidence(e.Name(), sel.Complexity, acc)
		}
		sel.Candidates = append(sel.Candidates, Candidate{
			Name:          e.Name(),
			EstimatedCost: e.CostPerPage() * float64(pages),
			Accuracy:      acc,
		})
	}

	if prefs.PreferSpeed {
		sort.SliceStable(sel.Candidates, func(i, j int) bool {
			return sel.Candidates[i].EstimatedCost < sel.Candidates[j].EstimatedCost
		})
	} else {
		sort.SliceStable(sel.Candidates, func(i, j int) bool {
			return sel.Candidates[i].Accuracy > sel.Candidates[j].Accuracy
		})
	}

	if prefs.EngineHint != "" && prefs.EngineHint != "auto" {
		for i, c := range sel.Candidates {
			if c.Name == prefs.EngineHint && i > 0 {
				hinted := sel.Candidates[i]
				copy(sel.Candidates[1:i+1], sel.Candidates[0:i])
				sel.Candidates[0] = hinted
				break
			}
		}
	}

	return sel
}

// Tracker accumulates observed per-engine confidence by complexity
// class, feeding past performance back into selection.
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]map[Complexity]*runningMean
}

type runningMean struct {
	sum   float64
	count int
}

// NewTracker creates an empty performance tracker.
func NewTracker() *Tracker {
	return &Tracker{stats: make(map[string]map[Complexity]*runningMean)}
}

// Record registers an observed confidence for an engine run.
func (t *Tracker) Record(engine string, c Complexity, confidence float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byComplexity := t.stats[engine]
	if byComplexity == nil {
		byComplexity = make(map[Complexity]*runningMean)
		t.stats[engine] = byComplexity
	}
	rm := byComplexity[c]
	if rm == nil {
		rm = &runningMean{}
		byComplexity[c] = rm
	}
	rm.sum += confidence
	rm.count++
}

// MeanConfidence returns the observed mean confidence for an engine on
// a complexity class, or fallback when no observations exist.
func (t *Tracker) MeanConfidence(engine string, c Complexity, fallback float64) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if byComplexity, ok := t.stats[engine]; ok {
		if rm, ok := byComplexity[c]; ok && rm.count > 0 {
			return rm.sum / float64(rm.count)
		}
	}
	return fallback
}
