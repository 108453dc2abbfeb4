package validation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mgiraud/papermill/internal/store"
)

// SampleStrategy selects how audit samples are drawn.
type SampleStrategy string

const (
	SampleRandom        SampleStrategy = "random"
	SampleRecent        SampleStrategy = "recent"
	SampleStratified    SampleStrategy = "stratified"
	SampleLowConfidence SampleStrategy = "low_confidence"
	SampleCriticalOnly  SampleStrategy = "critical_only"
)

// Record is the per-document validation outcome persisted for audits.
type Record struct {
	ID                   string         `json:"id"`
	TaskID               string         `json:"task_id"`
	Engine               string         `json:"engine"`
	DocType              string         `json:"doc_type,omitempty"`
	Confidence           float64        `json:"confidence"`
	Issues               []ContentIssue `json:"issues,omitempty"`
	RequiresReprocessing bool           `json:"requires_reprocessing"`
	RequiresManualReview bool           `json:"requires_manual_review"`
	Attempts             int            `json:"attempts"`
	ErrorKinds           []string       `json:"error_kinds,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// EngineStats aggregates one engine's showing in a sample.
type EngineStats struct {
	Count          int     `json:"count"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// SampleStats are the aggregate statistics of one audit sample.
type SampleStats struct {
	MeanConfidence   float64                `json:"mean_confidence"`
	MedianConfidence float64                `json:"median_confidence"`
	ByEngine         map[string]EngineStats `json:"by_engine"`
	ReprocessingRate float64                `json:"reprocessing_rate"`
	IssueHistogram   map[string]int         `json:"issue_histogram"`
	RecurringTerms   []string               `json:"recurring_terms,omitempty"`
}

// Sample is one persisted audit run.
type Sample struct {
	ID              string         `json:"id"`
	Strategy        SampleStrategy `json:"strategy"`
	Size            int            `json:"size"`
	TakenAt         time.Time      `json:"taken_at"`
	RecordIDs       []string       `json:"record_ids"`
	Stats           SampleStats    `json:"stats"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// Auditor draws samples of validation records and derives aggregate
// statistics and recommendations.
type Auditor struct {
	store  *store.Store
	rng    *rand.Rand
	logger *slog.Logger
}

// NewAuditor creates an auditor over the given store.
func NewAuditor(st *store.Store, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		store:  st,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger.With("component", "audit"),
	}
}

// RecordValidation persists one validation outcome. Missing id and
// timestamp are filled in.
func (a *Auditor) RecordValidation(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := a.store.PutValidation(ctx, rec.ID, rec); err != nil {
		return "", fmt.Errorf("failed to persist validation record: %w", err)
	}
	return rec.ID, nil
}

// Sample draws size records using the given strategy, computes the
// aggregate statistics, and persists the sample.
func (a *Auditor) Sample(ctx context.Context, strategy SampleStrategy, size int) (*Sample, error) {
	if size <= 0 {
		size = 20
	}

	records, err := a.loadRecords(ctx)
	if err != nil {
		return nil, err
	}

	picked, err := a.pick(records, strategy, size)
	if err != nil {
		return nil, err
	}

	sample := &Sample{
		ID:       uuid.NewString(),
		Strategy: strategy,
		Size:     len(picked),
		TakenAt:  time.Now().UTC(),
	}
	for _, r := range picked {
		sample.RecordIDs = append(sample.RecordIDs, r.ID)
	}
	sample.Stats = computeStats(picked)
	sample.Recommendations = recommend(sample.Stats)

	if err := a.store.PutSample(ctx, sample.ID, sample); err != nil {
		return nil, fmt.Errorf("failed to persist audit sample: %w", err)
	}
	a.logger.Info("audit sample taken",
		"sample_id", sample.ID,
		"strategy", strategy,
		"size", sample.Size,
		"mean_confidence", sample.Stats.MeanConfidence,
	)
	return sample, nil
}

func (a *Auditor) loadRecords(ctx context.Context) ([]Record, error) {
	ids, err := a.store.ListValidationIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list validation records: %w", err)
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		var rec Record
		if err := a.store.GetValidation(ctx, id, &rec); err != nil {
			a.logger.Warn("skipping unreadable validation record", "id", id, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (a *Auditor) pick(records []Record, strategy SampleStrategy, size int) ([]Record, error) {
	switch strategy {
	case SampleRandom, "":
		shuffled := append([]Record(nil), records...)
		a.rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return truncate(shuffled, size), nil

	case SampleRecent:
		sorted := append([]Record(nil), records...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
		return truncate(sorted, size), nil

	case SampleLowConfidence:
		sorted := append([]Record(nil), records...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Confidence < sorted[j].Confidence })
		return truncate(sorted, size), nil

	case SampleCriticalOnly:
		var critical []Record
		for _, r := range records {
			for _, is := range r.Issues {
				if is.Severity == SeverityCritical {
					critical = append(critical, r)
					break
				}
			}
		}
		return truncate(critical, size), nil

	case SampleStratified:
		return stratify(records, size), nil
	}
	return nil, fmt.Errorf("unknown sample strategy %q", strategy)
}

// stratify draws round-robin across engines so small engines are not
// drowned out by the dominant one.
func stratify(records []Record, size int) []Record {
	groups := make(map[string][]Record)
	var engines []string
	for _, r := range records {
		if _, ok := groups[r.Engine]; !ok {
			engines = append(engines, r.Engine)
		}
		groups[r.Engine] = append(groups[r.Engine], r)
	}
	sort.Strings(engines)

	var picked []Record
	for i := 0; len(picked) < size; i++ {
		progress := false
		for _, e := range engines {
			if i < len(groups[e]) && len(picked) < size {
				picked = append(picked, groups[e][i])
				progress = true
			}
		}
		if !progress {
			break
		}
	}
	return picked
}

func truncate(records []Record, size int) []Record {
	if len(records) > size {
		return records[:size]
	}
	return records
}

func computeStats(records []Record) SampleStats {
	stats := SampleStats{
		ByEngine:       make(map[string]EngineStats),
		IssueHistogram: make(map[string]int),
	}
	if len(records) == 0 {
		return stats
	}

	confidences := make([]float64, 0, len(records))
	engineSum := make(map[string]float64)
	reprocessed := 0
	termFreq := make(map[string]int)

	for _, r := range records {
		confidences = append(confidences, r.Confidence)
		stats.MeanConfidence += r.Confidence

		es := stats.ByEngine[r.Engine]
		es.Count++
		stats.ByEngine[r.Engine] = es
		engineSum[r.Engine] += r.Confidence

		if r.RequiresReprocessing {
			reprocessed++
		}
		for _, is := range r.Issues {
			stats.IssueHistogram[string(is.ContentType)]++
			countTerms(termFreq, is.Description)
		}
		for _, kind := range r.ErrorKinds {
			stats.IssueHistogram["error:"+kind]++
		}
	}

	stats.MeanConfidence /= float64(len(records))
	sort.Float64s(confidences)
	mid := len(confidences) / 2
	if len(confidences)%2 == 1 {
		stats.MedianConfidence = confidences[mid]
	} else {
		stats.MedianConfidence = (confidences[mid-1] + confidences[mid]) / 2
	}
	stats.ReprocessingRate = float64(reprocessed) / float64(len(records))

	for engine, es := range stats.ByEngine {
		es.MeanConfidence = engineSum[engine] / float64(es.Count)
		stats.ByEngine[engine] = es
	}

	stats.RecurringTerms = topTerms(termFreq, 10)
	return stats
}

func countTerms(freq map[string]int, description string) {
	for _, w := range strings.Fields(strings.ToLower(description)) {
		w = strings.Trim(w, ".,;:!?()")
		if len(w) <= 3 || auditNoiseWords[w] {
			continue
		}
		freq[w]++
	}
}

func topTerms(freq map[string]int, limit int) []string {
	terms := make([]string, 0, len(freq))
	for w, n := range freq {
		if n >= 2 {
			terms = append(terms, w)
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}

// recommend derives operator guidance from sample statistics.
func recommend(stats SampleStats) []string {
	var recs []string

	if stats.ReprocessingRate > 0.3 {
		recs = append(recs, fmt.Sprintf(
			"reprocessing rate %.0f%% is high; increase default render resolution or enable aggressive preprocessing",
			stats.ReprocessingRate*100))
	}

	for _, ct := range []ContentType{ContentFormula, ContentSchema, ContentTable} {
		if stats.IssueHistogram[string(ct)] >= 3 {
			recs = append(recs, fmt.Sprintf(
				"recurring %s extraction issues; route %s-heavy documents through a higher-accuracy engine",
				ct, ct))
		}
	}

	var worst string
	worstConf := 1.0
	for engine, es := range stats.ByEngine {
		if es.Count >= 3 && es.MeanConfidence < worstConf {
			worst, worstConf = engine, es.MeanConfidence
		}
	}
	if worst != "" && worstConf < 0.6 && len(stats.ByEngine) > 1 {
		recs = append(recs, fmt.Sprintf(
			"engine %s averages %.2f confidence on this corpus; prefer an alternative engine",
			worst, worstConf))
	}

	return recs
}

// auditNoiseWords are generic words excluded from recurring-term
// extraction over issue descriptions.
var auditNoiseWords = map[string]bool{
	"with": true, "page": true, "confidence": true, "exceeds": true,
	"length": true, "ratio": true, "character": true, "sur": true,
	"avec": true, "dans": true, "pour": true,
}
