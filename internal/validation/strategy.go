package validation

import (
	"strconv"

	"github.com/mgiraud/papermill/internal/ocr"
	"github.com/mgiraud/papermill/internal/task"
)

// Reprocessing knobs carried through attempt params.
const (
	ParamDPI           = "dpi"
	ParamPreprocessing = "preprocessing"

	PreprocessingAggressive = "aggressive"

	DefaultMaxAttempts = 3

	baseDPI = 300
	dpiStep = 150
	maxDPI  = 600
)

// Strategy describes how the next attempt should run.
type Strategy struct {
	Engines []string          `json:"engines"`
	Params  map[string]string `json:"params,omitempty"`
}

// Planner derives the strategy for attempt N+1 from attempts [0..N]
// and the latest validation report.
type Planner struct {
	registry    *ocr.Registry
	maxAttempts int
}

// NewPlanner creates a planner over the available engines.
func NewPlanner(registry *ocr.Registry, maxAttempts int) *Planner {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Planner{registry: registry, maxAttempts: maxAttempts}
}

// Next returns the strategy for another attempt, or false when the job
// should stop retrying: the result is acceptable, or attempts are
// exhausted.
func (p *Planner) Next(attempts []*task.Attempt, report Report) (*Strategy, bool) {
	if !report.RequiresReprocessing || len(attempts) == 0 {
		return nil, false
	}
	if len(attempts) >= p.maxAttempts {
		return nil, false
	}

	last := attempts[len(attempts)-1]

	// Specialized processor settings survive across attempts; only the
	// knobs below are rewritten.
	params := make(map[string]string, len(last.Params)+2)
	for k, v := range last.Params {
		params[k] = v
	}

	engines := append([]string(nil), last.Engines...)
	if len(attempts) == 1 && hasLowTextConfidence(report) {
		engines = p.switchEngine(engines)
	}

	params[ParamDPI] = strconv.Itoa(bumpDPI(last.Params[ParamDPI]))
	params[ParamPreprocessing] = PreprocessingAggressive

	return &Strategy{Engines: engines, Params: params}, true
}

// Exhausted reports whether no further attempts may run.
func (p *Planner) Exhausted(attempts []*task.Attempt) bool {
	return len(attempts) >= p.maxAttempts
}

// BestAttempt picks the terminal attempt with the highest overall
// confidence; successful attempts beat failed ones at equal confidence.
func BestAttempt(attempts []*task.Attempt) *task.Attempt {
	var best *task.Attempt
	for _, a := range attempts {
		if !a.Terminal() {
			continue
		}
		if best == nil || betterAttempt(a, best) {
			best = a
		}
	}
	return best
}

func betterAttempt(a, b *task.Attempt) bool {
	ac, bc := a.OverallConfidence(), b.OverallConfidence()
	if ac != bc {
		return ac > bc
	}
	return a.Success && !b.Success
}

func hasLowTextConfidence(report Report) bool {
	for _, is := range report.Issues {
		if is.ContentType == ContentText {
			return true
		}
	}
	return false
}

// switchEngine replaces the lead engine with an alternative: an
// available engine absent from the list when one exists, otherwise the
// next-ranked fallback is promoted. Without any alternative the list is
// returned unchanged.
func (p *Planner) switchEngine(engines []string) []string {
	if p.registry == nil {
		return engines
	}
	listed := make(map[string]bool, len(engines))
	for _, e := range engines {
		listed[e] = true
	}
	for _, name := range p.registry.Names() {
		if !listed[name] {
			return append([]string{name}, engines...)
		}
	}
	for i := 1; i < len(engines); i++ {
		if engines[i] != engines[0] {
			out := append([]string{engines[i]}, engines[:i]...)
			return append(out, engines[i+1:]...)
		}
	}
	return engines
}

func bumpDPI(current string) int {
	dpi, err := strconv.Atoi(current)
	if err != nil || dpi <= 0 {
		dpi = baseDPI
	}
	dpi += dpiStep
	if dpi > maxDPI {
		dpi = maxDPI
	}
	return dpi
}
