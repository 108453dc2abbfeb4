// Package ocr defines the engine capabilities consumed by the pipeline
// and the selector that picks engines from document metrics. Concrete
// OCR backends live outside this repository; they plug in through the
// Engine interface.
package ocr

import (
	"context"
	"time"
)

// Engine is the OCR capability consumed by the chunked processor.
type Engine interface {
	// Name returns the engine identifier used in configs and strategies.
	Name() string

	// ProcessFile runs OCR over the pages of the given file.
	ProcessFile(ctx context.Context, path string, req Request) (*Result, error)

	// CostPerPage is the engine's estimated relative cost per page.
	// Lower is faster/cheaper. Used for speed-preference ranking.
	CostPerPage() float64

	// Accuracy is the engine's expected confidence for a complexity
	// class, in [0,1]. Drives accuracy-preference ranking.
	Accuracy(c Complexity) float64
}

// VisionEngine analyzes page images to produce document metrics. It is
// a separate capability because not every OCR backend exposes one.
type VisionEngine interface {
	Name() string
	AnalyzeImage(ctx context.Context, path string) (*ImageAnalysis, error)
}

// Request carries per-call OCR options.
type Request struct {
	Language  string            // ISO 639-2, e.g. "fra"
	DPI       int               // render resolution, 0 for engine default
	PageStart int               // 1-indexed, 0 means whole file
	PageEnd   int               // inclusive
	Params    map[string]string // engine-specific knobs (frozen per attempt)
}

// RegionType classifies a detected non-text region.
type RegionType string

const (
	RegionFormula RegionType = "formula"
	RegionSchema  RegionType = "schema"
	RegionTable   RegionType = "table"
)

// Region is a detected special-content region with its own confidence.
type Region struct {
	Type       RegionType `json:"type"`
	Page       int        `json:"page"`
	Confidence float64    `json:"confidence"`
	Excerpt    string     `json:"excerpt,omitempty"`

	// EmptyCellRatio is set for tables: share of cells with no content.
	EmptyCellRatio float64 `json:"empty_cell_ratio,omitempty"`
}

// Result is the outcome of one OCR call.
type Result struct {
	Success        bool          `json:"success"`
	Text           string        `json:"text"`
	Engine         string        `json:"engine"`
	PagesProcessed int           `json:"pages_processed"`
	TotalPages     int           `json:"total_pages"`
	ProcessingTime time.Duration `json:"processing_time"`

	// Confidence holds per-metric confidences ("text", "formula", ...).
	Confidence map[string]float64 `json:"confidence,omitempty"`

	// PageConfidences is indexed by page order within the call.
	PageConfidences []float64 `json:"page_confidences,omitempty"`

	Regions []Region `json:"regions,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// TextConfidence returns the overall text confidence, falling back to
// the mean of page confidences when no aggregate was reported.
func (r *Result) TextConfidence() float64 {
	if v, ok := r.Confidence["text"]; ok {
		return v
	}
	if len(r.PageConfidences) == 0 {
		return 0
	}
	var sum float64
	for _, c := range r.PageConfidences {
		sum += c
	}
	return sum / float64(len(r.PageConfidences))
}

// ImageAnalysis holds vision metrics for a single page image.
type ImageAnalysis struct {
	Contrast      float64 `json:"contrast"`
	Sharpness     float64 `json:"sharpness"`
	EdgeDensity   float64 `json:"edge_density"`
	TableContours int     `json:"table_contours"`
	ResolutionDPI int     `json:"resolution_dpi"`
}
