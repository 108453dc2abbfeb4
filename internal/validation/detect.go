// Package validation scores processing results, drives the
// reprocessing loop when confidence is too low, and runs sampling
// audits over recent results.
package validation

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/mgiraud/papermill/internal/ocr"
)

// Severity orders content issues.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

// ContentType identifies what kind of content an issue concerns.
type ContentType string

const (
	ContentText    ContentType = "text"
	ContentFormula ContentType = "formula"
	ContentSchema  ContentType = "schema"
	ContentTable   ContentType = "table"
)

// Thresholds define the acceptable/warning/critical confidence levels
// for one content type.
type Thresholds struct {
	Acceptable float64
	Warning    float64
	Critical   float64
}

// DefaultThresholds is the design-time threshold table.
var DefaultThresholds = map[ContentType]Thresholds{
	ContentText:    {Acceptable: 0.70, Warning: 0.50, Critical: 0.30},
	ContentFormula: {Acceptable: 0.75, Warning: 0.60, Critical: 0.40},
	ContentSchema:  {Acceptable: 0.65, Warning: 0.50, Critical: 0.35},
	ContentTable:   {Acceptable: 0.70, Warning: 0.55, Critical: 0.40},
}

// ContentIssue is one detected quality problem.
type ContentIssue struct {
	Severity         Severity    `json:"severity"`
	ContentType      ContentType `json:"content_type"`
	Page             int         `json:"page"`
	Confidence       float64     `json:"confidence"`
	Description      string      `json:"description"`
	Excerpt          string      `json:"excerpt,omitempty"`
	SuggestedActions []string    `json:"suggested_actions,omitempty"`
}

// Report is the outcome of issue detection over one result.
type Report struct {
	GlobalConfidence     float64        `json:"global_confidence"`
	Issues               []ContentIssue `json:"issues"`
	RequiresReprocessing bool           `json:"requires_reprocessing"`
	RequiresManualReview bool           `json:"requires_manual_review"`
}

// Detector finds low-confidence and structurally suspect content.
type Detector struct {
	mu         sync.RWMutex
	thresholds map[ContentType]Thresholds
}

// NewDetector creates a detector. Missing threshold entries fall back
// to the defaults.
func NewDetector(thresholds map[ContentType]Thresholds) *Detector {
	d := &Detector{}
	d.SetThresholds(thresholds)
	return d
}

// SetThresholds replaces the threshold table. Missing entries fall
// back to the defaults. Safe to call while detections run.
func (d *Detector) SetThresholds(thresholds map[ContentType]Thresholds) {
	merged := make(map[ContentType]Thresholds, len(DefaultThresholds))
	for ct, th := range DefaultThresholds {
		merged[ct] = th
	}
	for ct, th := range thresholds {
		merged[ct] = th
	}
	d.mu.Lock()
	d.thresholds = merged
	d.mu.Unlock()
}

func (d *Detector) thresholdsFor(ct ContentType) Thresholds {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.thresholds[ct]
}

// Detect scores a processing result and derives the reprocessing and
// manual-review verdicts.
func (d *Detector) Detect(res *ocr.Result) Report {
	var issues []ContentIssue

	issues = append(issues, d.pageIssues(res)...)
	issues = append(issues, d.regionIssues(res)...)
	issues = append(issues, d.textHeuristics(res.Text)...)

	global := res.TextConfidence()
	report := Report{
		GlobalConfidence: global,
		Issues:           issues,
	}

	critical, severe := 0, 0
	criticalFormulaOrSchema := false
	for _, is := range issues {
		switch is.Severity {
		case SeverityCritical:
			critical++
			if is.ContentType == ContentFormula || is.ContentType == ContentSchema {
				criticalFormulaOrSchema = true
			}
		case SeveritySevere:
			severe++
		}
	}

	report.RequiresReprocessing = critical > 0 || severe >= 3 || global < 0.5
	report.RequiresManualReview = criticalFormulaOrSchema || global < 0.3
	return report
}

// severityFor maps a confidence to a severity under the content type's
// thresholds, or false when the confidence is acceptable.
func (d *Detector) severityFor(ct ContentType, confidence float64) (Severity, bool) {
	th := d.thresholdsFor(ct)
	switch {
	case confidence < th.Critical:
		return SeverityCritical, true
	case confidence < th.Warning:
		return SeveritySevere, true
	case confidence < th.Acceptable:
		return SeverityWarning, true
	}
	return "", false
}

func (d *Detector) pageIssues(res *ocr.Result) []ContentIssue {
	var issues []ContentIssue

	// Without per-page data the aggregate confidence is scored as one
	// document-level text issue.
	if len(res.PageConfidences) == 0 {
		conf := res.TextConfidence()
		if sev, ok := d.severityFor(ContentText, conf); ok {
			issues = append(issues, ContentIssue{
				Severity:    sev,
				ContentType: ContentText,
				Confidence:  conf,
				Description: fmt.Sprintf("low text confidence %.2f for document", conf),
				SuggestedActions: []string{
					"retry with a higher-accuracy engine",
					"increase render resolution",
				},
			})
		}
		return issues
	}

	for i, conf := range res.PageConfidences {
		sev, ok := d.severityFor(ContentText, conf)
		if !ok {
			continue
		}
		issues = append(issues, ContentIssue{
			Severity:    sev,
			ContentType: ContentText,
			Page:        i + 1,
			Confidence:  conf,
			Description: fmt.Sprintf("low text confidence %.2f on page %d", conf, i+1),
			SuggestedActions: []string{
				"retry with a higher-accuracy engine",
				"increase render resolution",
			},
		})
	}
	return issues
}

func (d *Detector) regionIssues(res *ocr.Result) []ContentIssue {
	var issues []ContentIssue
	for _, region := range res.Regions {
		ct := ContentType(region.Type)

		conf := region.Confidence
		if ct == ContentTable && region.EmptyCellRatio > 0.5 {
			// Mostly empty tables read as extraction failures even when
			// the engine reports decent confidence.
			conf = minFloat(conf, d.thresholdsFor(ContentTable).Warning-0.01)
		}

		sev, ok := d.severityFor(ct, conf)
		if !ok {
			continue
		}
		issue := ContentIssue{
			Severity:    sev,
			ContentType: ct,
			Page:        region.Page,
			Confidence:  conf,
			Description: fmt.Sprintf("low %s confidence %.2f on page %d", ct, conf, region.Page),
			Excerpt:     region.Excerpt,
		}
		switch ct {
		case ContentFormula:
			issue.SuggestedActions = []string{"route through the formula processor", "manual review"}
		case ContentSchema:
			issue.SuggestedActions = []string{"route through the schema processor", "manual review"}
		case ContentTable:
			issue.SuggestedActions = []string{"retry table extraction", "increase render resolution"}
		}
		issues = append(issues, issue)
	}
	return issues
}

// Heuristic bounds over extracted text.
const (
	maxNonAlnumRatio     = 0.40
	maxAvgWordLength     = 14.0
	maxNonLatinRunLength = 6
	maxRepeatPunctRun    = 4
	heuristicMinLength   = 40
)

// textHeuristics flags garbled extraction the confidence numbers may
// miss: too many symbols, absurd word lengths, non-Latin runs, and
// repeated punctuation.
func (d *Detector) textHeuristics(text string) []ContentIssue {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < heuristicMinLength {
		return nil
	}

	var issues []ContentIssue
	add := func(desc, excerpt string) {
		issues = append(issues, ContentIssue{
			Severity:    SeveritySevere,
			ContentType: ContentText,
			Confidence:  0,
			Description: desc,
			Excerpt:     excerpt,
			SuggestedActions: []string{
				"retry with aggressive preprocessing",
				"manual review",
			},
		})
	}

	if ratio := nonAlnumRatio(trimmed); ratio > maxNonAlnumRatio {
		add(fmt.Sprintf("non-alphanumeric ratio %.2f exceeds %.2f", ratio, maxNonAlnumRatio), clip(trimmed, 60))
	}
	if avg := avgWordLength(trimmed); avg > maxAvgWordLength {
		add(fmt.Sprintf("average word length %.1f exceeds %.1f", avg, maxAvgWordLength), clip(trimmed, 60))
	}
	if run := longestNonLatinRun(trimmed); run > maxNonLatinRunLength {
		add(fmt.Sprintf("non-Latin character run of length %d", run), clip(trimmed, 60))
	}
	if run, excerpt := longestPunctRun(trimmed); run > maxRepeatPunctRun {
		add(fmt.Sprintf("repeated punctuation run of length %d", run), excerpt)
	}
	return issues
}

func nonAlnumRatio(text string) float64 {
	total, nonAlnum := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) {
			nonAlnum++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(nonAlnum) / float64(total)
}

func avgWordLength(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	total := 0
	for _, w := range words {
		total += len([]rune(w))
	}
	return float64(total) / float64(len(words))
}

func longestNonLatinRun(text string) int {
	longest, run := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Latin, r) {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	return longest
}

func longestPunctRun(text string) (int, string) {
	longest, run := 0, 0
	var prev rune
	excerptEnd := 0
	for i, r := range text {
		if unicode.IsPunct(r) && r == prev {
			run++
		} else if unicode.IsPunct(r) {
			run = 1
		} else {
			run = 0
		}
		if run > longest {
			longest = run
			excerptEnd = i
		}
		prev = r
	}
	lo := excerptEnd - longest + 1
	if lo < 0 {
		lo = 0
	}
	return longest, text[lo : excerptEnd+1]
}

func clip(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n]
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
