// Package processor implements chunked document processing: a document
// is split into page ranges, each range is OCRed independently, and the
// results are merged in page order. A checkpoint is written after every
// successful chunk so a crashed or interrupted run resumes without
// redoing completed work.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mgiraud/papermill/internal/notify"
	"github.com/mgiraud/papermill/internal/ocr"
	"github.com/mgiraud/papermill/internal/pdf"
	"github.com/mgiraud/papermill/internal/store"
	"github.com/mgiraud/papermill/internal/task"
)

// Interruption sentinels, observed at chunk boundaries.
var (
	ErrPaused    = errors.New("processing paused")
	ErrCancelled = errors.New("processing cancelled")
)

// Config configures the chunked processor.
type Config struct {
	// WorkDir holds per-task temp chunk files.
	WorkDir string

	// InnerConcurrency bounds parallel chunk processing within one
	// task. Default 1 (sequential).
	InnerConcurrency int

	Logger *slog.Logger
}

// Processor drives chunked OCR for a single task at a time.
type Processor struct {
	store    *store.Store
	registry *ocr.Registry
	tracker  *ocr.Tracker
	hub      *notify.Hub
	workDir  string
	inner    int
	logger   *slog.Logger

	// cpMu serializes checkpoint writes when the inner pool is active.
	cpMu sync.Mutex
}

// New creates a chunked processor.
func New(st *store.Store, reg *ocr.Registry, tracker *ocr.Tracker, hub *notify.Hub, cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inner := cfg.InnerConcurrency
	if inner <= 0 {
		inner = 1
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "papermill-chunks")
	}
	return &Processor{
		store:    st,
		registry: reg,
		tracker:  tracker,
		hub:      hub,
		workDir:  workDir,
		inner:    inner,
		logger:   logger.With("component", "processor"),
	}
}

// Plan is everything Process needs for one attempt.
type Plan struct {
	Task      *task.Task
	Attempt   *task.Attempt
	Selection ocr.Selection
	Metrics   ocr.DocumentMetrics

	// PauseRequested is polled at chunk boundaries. Nil means never.
	PauseRequested func() bool
}

// checkpointState is the opaque blob stored in checkpoints. It records
// the full chunk list, including completed chunk texts, so a resumed
// run can merge without reprocessing.
type checkpointState struct {
	SourcePath string           `json:"source_path"`
	TotalPages int              `json:"total_pages"`
	Chunks     []task.PageChunk `json:"chunks"`
}

// Process runs chunked OCR for the plan's task and returns the merged
// result. Failed chunks do not corrupt successful ones: if at least one
// chunk succeeded the result is a partial success with a non-empty
// error message.
func (p *Processor) Process(ctx context.Context, plan Plan) (*ocr.Result, error) {
	t := plan.Task
	start := time.Now()

	if plan.Selection.NoOCR {
		return p.readPlainText(t)
	}

	chunks, totalPages, err := p.chunkList(ctx, plan)
	if err != nil {
		return nil, err
	}
	if totalPages == 0 {
		// Zero-page documents succeed with empty text.
		t.SetProgress(1, 0, 0)
		return &ocr.Result{Success: true, TotalPages: 0, ProcessingTime: time.Since(start)}, nil
	}

	t.SetProgress(p.progressOf(chunks, totalPages), p.lastDonePage(chunks), totalPages)

	if err := p.runChunks(ctx, plan, chunks, totalPages); err != nil {
		return nil, err
	}

	return p.merge(t, plan.Selection.Complexity, chunks, totalPages, start)
}

// chunkList builds or restores the chunk list. A checkpoint whose
// recorded source and page count still match is replayed; anything else
// starts fresh.
func (p *Processor) chunkList(ctx context.Context, plan Plan) ([]task.PageChunk, int, error) {
	t := plan.Task

	totalPages := plan.Metrics.PageCount
	if totalPages == 0 && plan.Metrics.IsImage() {
		totalPages = 1
	}

	if cp, ok, err := p.store.LatestCheckpoint(ctx, t.ID); err == nil && ok && len(cp.State) > 0 {
		var st checkpointState
		if err := json.Unmarshal(cp.State, &st); err == nil &&
			st.SourcePath == t.InputPath && st.TotalPages == totalPages && len(st.Chunks) > 0 {
			p.logger.Info("resuming from checkpoint",
				"task_id", t.ID,
				"done_chunks", countProcessed(st.Chunks),
				"total_chunks", len(st.Chunks),
			)
			return st.Chunks, st.TotalPages, nil
		}
		p.logger.Warn("checkpoint state unusable, starting fresh", "task_id", t.ID)
	} else if err != nil {
		return nil, 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	size := t.Options.ChunkSize
	if !pdf.IsMultiPage(plan.Metrics.MIMEType) {
		// Single-image inputs become a one-chunk job.
		size = totalPages
	}
	return task.SplitPages(t.InputPath, totalPages, size), totalPages, nil
}

// runChunks processes every unprocessed chunk, sequentially or with a
// bounded inner pool. Interruptions are observed between chunks.
func (p *Processor) runChunks(ctx context.Context, plan Plan, chunks []task.PageChunk, totalPages int) error {
	if p.inner <= 1 {
		for i := range chunks {
			if chunks[i].Processed {
				continue
			}
			if err := p.interrupted(ctx, plan); err != nil {
				return err
			}
			p.processChunk(ctx, plan, chunks, i, totalPages)
		}
		return p.interrupted(ctx, plan)
	}

	// Inner pool: chunk slots are disjoint, checkpoint writes are
	// serialized inside processChunk.
	sem := make(chan struct{}, p.inner)
	var wg sync.WaitGroup
	for i := range chunks {
		if chunks[i].Processed {
			continue
		}
		if err := p.interrupted(ctx, plan); err != nil {
			wg.Wait()
			return err
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			p.processChunk(ctx, plan, chunks, i, totalPages)
		}(i)
	}
	wg.Wait()
	return p.interrupted(ctx, plan)
}

func (p *Processor) interrupted(ctx context.Context, plan Plan) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if plan.PauseRequested != nil && plan.PauseRequested() {
		return ErrPaused
	}
	return nil
}

// processChunk OCRs one chunk and, on success, persists a checkpoint
// covering the whole chunk list. Chunk failures are recorded in place.
func (p *Processor) processChunk(ctx context.Context, plan Plan, chunks []task.PageChunk, i, totalPages int) {
	t := plan.Task
	c := &chunks[i]

	path := c.SourcePath
	if len(chunks) > 1 && plan.Metrics.MIMEType == "application/pdf" {
		if out, err := pdf.ExtractPageRange(c.SourcePath, filepath.Join(p.workDir, t.ID), c.StartPage, c.EndPage); err == nil {
			p.cpMu.Lock()
			c.OutputPath = out
			p.cpMu.Unlock()
			path = out
		} else {
			// Extraction is an optimization; engines accept ranges.
			p.logger.Debug("page extraction failed, processing source range", "task_id", t.ID, "error", err)
		}
	}

	engine, name := p.pickEngine(plan.Selection)
	if engine == nil {
		p.cpMu.Lock()
		c.Error = "no available engine"
		p.cpMu.Unlock()
		return
	}

	res, err := engine.ProcessFile(ctx, path, ocr.Request{
		Language:  t.Options.Language,
		PageStart: c.StartPage,
		PageEnd:   c.EndPage,
		Params:    plan.Attempt.Params,
	})
	if err != nil || res == nil || !res.Success {
		msg := "ocr failed"
		if err != nil {
			msg = err.Error()
		} else if res != nil && res.ErrorMessage != "" {
			msg = res.ErrorMessage
		}
		p.cpMu.Lock()
		c.Error = msg
		c.Engine = name
		p.cpMu.Unlock()
		p.logger.Warn("chunk failed", "task_id", t.ID, "pages", fmt.Sprintf("%d-%d", c.StartPage, c.EndPage), "error", msg)
		return
	}

	// Every chunk mutation happens under cpMu: a concurrent chunk's
	// checkpoint write marshals the whole slice.
	p.cpMu.Lock()
	defer p.cpMu.Unlock()

	c.Processed = true
	c.Error = ""
	c.Engine = name
	c.Text = res.Text
	c.Confidence = res.TextConfidence()
	c.PageConfidences = res.PageConfidences
	c.Regions = res.Regions

	done := p.lastDonePage(chunks)
	fraction := p.progressOf(chunks, totalPages)
	t.SetProgress(fraction, done, totalPages)

	if err := p.writeCheckpoint(ctx, plan, chunks, totalPages); err != nil {
		p.logger.Error("checkpoint write failed", "task_id", t.ID, "error", err)
	}

	if p.hub != nil {
		p.hub.Publish(notify.Event{TaskID: t.ID, Kind: notify.KindTaskProgress, Payload: notify.Progress{
			Fraction: fraction, Page: done, Total: totalPages,
		}})
	}
}

func (p *Processor) writeCheckpoint(ctx context.Context, plan Plan, chunks []task.PageChunk, totalPages int) error {
	state, err := json.Marshal(checkpointState{
		SourcePath: plan.Task.InputPath,
		TotalPages: totalPages,
		Chunks:     chunks,
	})
	if err != nil {
		return err
	}

	cp := task.Checkpoint{
		TaskID:      plan.Task.ID,
		AttemptID:   plan.Attempt.ID,
		State:       state,
		CurrentPage: p.lastDonePage(chunks),
		TotalPages:  totalPages,
		Progress:    p.progressOf(chunks, totalPages),
	}
	if err := p.store.PutCheckpoint(ctx, cp); err != nil {
		return err
	}
	if p.hub != nil {
		p.hub.Publish(notify.Event{TaskID: plan.Task.ID, Kind: notify.KindCheckpointCreated})
	}
	return nil
}

// pickEngine returns the first selection candidate present in the
// registry.
func (p *Processor) pickEngine(sel ocr.Selection) (ocr.Engine, string) {
	for _, name := range sel.Engines() {
		if e, ok := p.registry.Get(name); ok {
			return e, name
		}
	}
	return nil, ""
}

// merge combines processed chunks in start_page order.
func (p *Processor) merge(t *task.Task, complexity ocr.Complexity, chunks []task.PageChunk, totalPages int, start time.Time) (*ocr.Result, error) {
	var (
		texts      []string
		failures   []string
		pageConfs  []float64
		regions    []ocr.Region
		confSum    float64
		confPages  int
		pagesDone  int
		engineUsed string
	)

	for _, c := range chunks {
		if c.Processed {
			texts = append(texts, c.Text)
			pagesDone += c.Pages()
			confSum += c.Confidence * float64(c.Pages())
			confPages += c.Pages()
			pageConfs = append(pageConfs, c.PageConfidences...)
			regions = append(regions, c.Regions...)
			if engineUsed == "" {
				engineUsed = c.Engine
			}
		} else {
			failures = append(failures, fmt.Sprintf("pages %d-%d: %s", c.StartPage, c.EndPage, c.Error))
		}
	}

	if pagesDone == 0 {
		return nil, task.NewFailure(task.ErrKindOCR, true,
			fmt.Errorf("all %d chunks failed: %s", len(chunks), strings.Join(failures, "; ")))
	}

	res := &ocr.Result{
		Success:         true,
		Text:            strings.Join(texts, "\n\n"),
		Engine:          engineUsed,
		PagesProcessed:  pagesDone,
		TotalPages:      totalPages,
		ProcessingTime:  time.Since(start),
		Confidence:      map[string]float64{"text": confSum / float64(confPages)},
		PageConfidences: pageConfs,
		Regions:         regions,
	}
	if len(failures) > 0 {
		res.ErrorMessage = strings.Join(failures, "; ")
	}

	// Format-specific merge of chunk artifacts when an output is wanted.
	if t.OutputPath != "" {
		var parts []string
		for _, c := range chunks {
			if c.Processed && c.OutputPath != "" {
				parts = append(parts, c.OutputPath)
			}
		}
		if len(parts) > 0 {
			if err := pdf.Merge(parts, t.OutputPath); err != nil {
				p.logger.Warn("merged output write failed", "task_id", t.ID, "error", err)
			}
		}
	}

	if p.tracker != nil && engineUsed != "" {
		p.tracker.Record(engineUsed, complexity, res.TextConfidence())
	}

	return res, nil
}

func (p *Processor) readPlainText(t *task.Task) (*ocr.Result, error) {
	data, err := os.ReadFile(t.InputPath)
	if err != nil {
		return nil, task.NewFailure(task.ErrKindValidation, false,
			fmt.Errorf("failed to read text input: %w", err))
	}
	t.SetProgress(1, 1, 1)
	return &ocr.Result{
		Success:        true,
		Text:           string(data),
		PagesProcessed: 1,
		TotalPages:     1,
		Confidence:     map[string]float64{"text": 1.0},
	}, nil
}

func (p *Processor) progressOf(chunks []task.PageChunk, totalPages int) float64 {
	if totalPages == 0 {
		return 1
	}
	done := 0
	for _, c := range chunks {
		if c.Processed {
			done += c.Pages()
		}
	}
	return float64(done) / float64(totalPages)
}

func (p *Processor) lastDonePage(chunks []task.PageChunk) int {
	last := 0
	for _, c := range chunks {
		if c.Processed && c.EndPage > last {
			last = c.EndPage
		}
	}
	return last
}

func countProcessed(chunks []task.PageChunk) int {
	n := 0
	for _, c := range chunks {
		if c.Processed {
			n++
		}
	}
	return n
}
