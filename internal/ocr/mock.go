package ocr

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// MockEngine is an Engine for testing and for one-shot local runs
// without a real OCR backend.
type MockEngine struct {
	// Configurable behavior
	EngineName string
	Latency    time.Duration
	ShouldFail bool
	FailFirst  int // fail the first N calls, then succeed
	FailErr    error

	// Result shaping
	Text           string
	TextConfidence float64
	PageConfidence float64
	Regions        []Region

	// Profile
	PageCost    float64
	AccuracyMap map[Complexity]float64

	// State
	callCount atomic.Int64
}

// NewMockEngine creates a mock engine with sensible defaults.
func NewMockEngine(name string) *MockEngine {
	return &MockEngine{
		EngineName:     name,
		Latency:        time.Millisecond,
		Text:           "mock ocr text",
		TextConfidence: 0.9,
		PageConfidence: 0.9,
		PageCost:       1.0,
	}
}

// Name returns the engine identifier.
func (e *MockEngine) Name() string {
	return e.EngineName
}

// CostPerPage returns the configured relative cost.
func (e *MockEngine) CostPerPage() float64 {
	return e.PageCost
}

// Accuracy returns the configured accuracy for the complexity class,
// defaulting to 0.8.
func (e *MockEngine) Accuracy(c Complexity) float64 {
	if v, ok := e.AccuracyMap[c]; ok {
		return v
	}
	return 0.8
}

// Calls returns the number of ProcessFile invocations.
func (e *MockEngine) Calls() int {
	return int(e.callCount.Load())
}

// ProcessFile returns a synthetic OCR result.
func (e *MockEngine) ProcessFile(ctx context.Context, path string, req Request) (*Result, error) {
	start := time.Now()
	count := e.callCount.Add(1)

	select {
	case <-time.After(e.Latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if e.ShouldFail || (e.FailFirst > 0 && int(count) <= e.FailFirst) {
		if e.FailErr != nil {
			return nil, e.FailErr
		}
		return &Result{
			Success:      false,
			Engine:       e.EngineName,
			ErrorMessage: fmt.Sprintf("mock engine %s configured to fail", e.EngineName),
		}, fmt.Errorf("mock engine %s configured to fail", e.EngineName)
	}

	pages := 1
	if req.PageStart > 0 && req.PageEnd >= req.PageStart {
		pages = req.PageEnd - req.PageStart + 1
	}

	var sb strings.Builder
	for p := 0; p < pages; p++ {
		if p > 0 {
			sb.WriteString("\n\n")
		}
		pageNum := req.PageStart + p
		if req.PageStart == 0 {
			pageNum = p + 1
		}
		if e.Text != "" {
			fmt.Fprintf(&sb, "%s (page %d)", e.Text, pageNum)
		}
	}

	pageConfs := make([]float64, pages)
	for i := range pageConfs {
		pageConfs[i] = e.PageConfidence
	}

	return &Result{
		Success:        true,
		Text:           sb.String(),
		Engine:         e.EngineName,
		PagesProcessed: pages,
		TotalPages:     pages,
		ProcessingTime: time.Since(start),
		Confidence:     map[string]float64{"text": e.TextConfidence},
		PageConfidences: pageConfs,
		Regions:        e.Regions,
	}, nil
}

// MockVisionEngine is a VisionEngine returning fixed metrics.
type MockVisionEngine struct {
	EngineName string
	Analysis   ImageAnalysis
	Err        error
}

// Name returns the engine identifier.
func (e *MockVisionEngine) Name() string {
	if e.EngineName == "" {
		return "mock-vision"
	}
	return e.EngineName
}

// AnalyzeImage returns the configured analysis.
func (e *MockVisionEngine) AnalyzeImage(ctx context.Context, path string) (*ImageAnalysis, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	a := e.Analysis
	return &a, nil
}
