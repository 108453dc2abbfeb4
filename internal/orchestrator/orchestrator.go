// Package orchestrator drives one task through the whole pipeline:
// probe, engine selection, chunked OCR under the retry supervisor,
// validation, the reprocessing loop, and relational chunking of the
// best result into the index.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mgiraud/papermill/internal/chunker"
	"github.com/mgiraud/papermill/internal/notify"
	"github.com/mgiraud/papermill/internal/ocr"
	"github.com/mgiraud/papermill/internal/processor"
	"github.com/mgiraud/papermill/internal/retry"
	"github.com/mgiraud/papermill/internal/store"
	"github.com/mgiraud/papermill/internal/task"
	"github.com/mgiraud/papermill/internal/validation"
)

// MetaManualReview marks tasks whose result needs a human look.
const MetaManualReview = "manual_review"

// PassThrough reports interruption sentinels that the retry supervisor
// must surface unchanged.
func PassThrough(err error) bool {
	return errors.Is(err, processor.ErrPaused) || errors.Is(err, processor.ErrCancelled)
}

// Deps are the orchestrator's collaborators. Supervisor may be nil, in
// which case one is built with the default policy and the interruption
// pass-through.
type Deps struct {
	Store      *store.Store
	Registry   *ocr.Registry
	Tracker    *ocr.Tracker
	Hub        *notify.Hub
	Processor  *processor.Processor
	Chunker    *chunker.Chunker
	Detector   *validation.Detector
	Planner    *validation.Planner
	Auditor    *validation.Auditor
	Supervisor *retry.Supervisor
	Sink       *Sink
	Vision     ocr.VisionEngine
	Logger     *slog.Logger
}

// Orchestrator implements queue.Runner.
type Orchestrator struct {
	store      *store.Store
	registry   *ocr.Registry
	tracker    *ocr.Tracker
	hub        *notify.Hub
	processor  *processor.Processor
	chunker    *chunker.Chunker
	detector   *validation.Detector
	planner    *validation.Planner
	auditor    *validation.Auditor
	supervisor *retry.Supervisor
	sink       *Sink
	vision     ocr.VisionEngine
	logger     *slog.Logger
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Supervisor == nil {
		d.Supervisor = retry.New(d.Store, d.Hub, retry.Policy{PassThrough: PassThrough}, logger)
	}
	if d.Detector == nil {
		d.Detector = validation.NewDetector(nil)
	}
	if d.Planner == nil {
		d.Planner = validation.NewPlanner(d.Registry, 0)
	}
	return &Orchestrator{
		store:      d.Store,
		registry:   d.Registry,
		tracker:    d.Tracker,
		hub:        d.Hub,
		processor:  d.Processor,
		chunker:    d.Chunker,
		detector:   d.Detector,
		planner:    d.Planner,
		auditor:    d.Auditor,
		supervisor: d.Supervisor,
		sink:       d.Sink,
		vision:     d.Vision,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Run processes one task end to end. Pause and cancellation sentinels
// are returned unchanged so the queue manager can park or drop the
// task; any other error marks it failed.
func (o *Orchestrator) Run(ctx context.Context, t *task.Task, paused func() bool) error {
	metrics, err := processor.Probe(ctx, t.InputPath, o.vision)
	if err != nil {
		return err
	}

	prefs := ocr.Preferences{
		PreferSpeed: t.Options.PreferredStrategy == task.StrategySpeed,
		EngineHint:  t.Options.Engine,
	}
	sel := ocr.Select(metrics, prefs, o.tracker, o.registry.Available())

	if err := o.transition(ctx, t, task.StatusProcessing); err != nil {
		return err
	}

	engines := sel.Engines()
	var params map[string]string
	results := make(map[string]*ocr.Result)
	var lastReport validation.Report

	for {
		// A paused or interrupted run leaves its attempt open; resume
		// picks it back up and replays from the checkpoint.
		attempt := t.LatestAttempt()
		if attempt == nil || attempt.Terminal() {
			attempt, err = t.BeginAttempt(engines, params)
			if err != nil {
				return task.NewFailure(task.ErrKindSystem, false, err)
			}
		}
		o.persist(ctx, t)

		var res *ocr.Result
		runErr := o.supervisor.Run(ctx, t, func(actx context.Context, n int) error {
			if n > 1 {
				// Each retry pass is its own attempt. The failed pass is
				// closed out and a fresh attempt resumes from the
				// checkpoint.
				attempt.Finish(false, 0, nil)
				var aerr error
				attempt, aerr = t.BeginAttempt(engines, params)
				if aerr != nil {
					return task.NewFailure(task.ErrKindSystem, false, aerr)
				}
				o.persist(ctx, t)
			}
			r, perr := o.processor.Process(actx, processor.Plan{
				Task:           t,
				Attempt:        attempt,
				Selection:      selectionFor(attempt.Engines, sel),
				Metrics:        metrics,
				PauseRequested: paused,
			})
			if perr != nil {
				return perr
			}
			res = r
			return nil
		})

		if runErr != nil {
			if PassThrough(runErr) || errors.Is(runErr, context.Canceled) {
				// The attempt stays open; a resume replays from the
				// checkpoint.
				return runErr
			}
			if !attempt.Terminal() {
				attempt.Finish(false, 0, nil)
			}
			o.persist(ctx, t)
			if best := validation.BestAttempt(t.Attempts); best != nil && best.Success {
				// An earlier attempt produced usable output; ship that
				// instead of failing the task.
				o.logger.Warn("reprocessing attempt failed, keeping best earlier result",
					"task_id", t.ID, "attempt", attempt.Number, "error", runErr)
				break
			}
			return runErr
		}

		attempt.Finish(true, res.PagesProcessed, res.Confidence)
		results[attempt.ID] = res

		lastReport = o.detector.Detect(res)
		o.recordValidation(ctx, t, res, lastReport)
		o.persist(ctx, t)

		strategy, again := o.planner.Next(t.Attempts, lastReport)
		if !again {
			break
		}

		o.logger.Info("scheduling reprocessing attempt",
			"task_id", t.ID,
			"attempt", attempt.Number+1,
			"engines", strategy.Engines,
			"global_confidence", lastReport.GlobalConfidence,
		)
		// The next attempt starts from scratch; its pages must not be
		// satisfied by the previous attempt's checkpoint.
		if err := o.store.DeleteCheckpoint(ctx, t.ID); err != nil {
			o.logger.Error("failed to clear checkpoint", "task_id", t.ID, "error", err)
		}
		engines, params = strategy.Engines, strategy.Params
	}

	best := validation.BestAttempt(t.Attempts)
	if best == nil {
		return task.NewFailure(task.ErrKindSystem, false, fmt.Errorf("no terminal attempt to select"))
	}
	t.SetBestAttempt(best.ID)

	if lastReport.RequiresManualReview {
		t.SetMeta(MetaManualReview, "true")
		o.logger.Warn("result flagged for manual review",
			"task_id", t.ID, "global_confidence", lastReport.GlobalConfidence)
	}
	o.persist(ctx, t)

	res := results[best.ID]
	if res == nil {
		// Best attempt predates this process (resumed task); its text
		// was not retained, so indexing is skipped.
		o.logger.Warn("best attempt result unavailable, skipping indexing", "task_id", t.ID)
		return nil
	}
	if err := o.index(ctx, t, res.Text); err != nil {
		return err
	}

	if err := o.store.DeleteCheckpoint(ctx, t.ID); err != nil {
		o.logger.Error("failed to clear checkpoint", "task_id", t.ID, "error", err)
	}
	return nil
}

// index chunks the text and queues the chunks for the store, waiting on
// the final write so completion implies a durable index.
func (o *Orchestrator) index(ctx context.Context, t *task.Task, text string) error {
	if o.chunker == nil {
		return nil
	}
	chunks, err := o.chunker.Chunk(ctx, text)
	if err != nil {
		return task.NewFailure(task.ErrKindSystem, true, fmt.Errorf("chunking failed: %w", err))
	}
	if len(chunks) == 0 {
		return nil
	}

	if o.sink == nil {
		for _, ch := range chunks {
			if err := o.store.PutChunk(ctx, t.ID, ch.ID, ch); err != nil {
				return task.NewFailure(task.ErrKindSystem, true, fmt.Errorf("chunk write failed: %w", err))
			}
		}
		return nil
	}

	for _, ch := range chunks[:len(chunks)-1] {
		o.sink.Enqueue(t.ID, ch)
	}
	if err := o.sink.EnqueueWait(ctx, t.ID, chunks[len(chunks)-1]); err != nil {
		return task.NewFailure(task.ErrKindSystem, true, fmt.Errorf("chunk index flush failed: %w", err))
	}
	o.logger.Info("document indexed", "task_id", t.ID, "chunks", len(chunks))
	return nil
}

func (o *Orchestrator) recordValidation(ctx context.Context, t *task.Task, res *ocr.Result, report validation.Report) {
	if o.auditor == nil {
		return
	}
	var kinds []string
	for _, e := range t.Errors {
		kinds = append(kinds, string(e.Kind))
	}
	_, err := o.auditor.RecordValidation(ctx, validation.Record{
		TaskID:               t.ID,
		Engine:               res.Engine,
		DocType:              t.Options.Language,
		Confidence:           report.GlobalConfidence,
		Issues:               report.Issues,
		RequiresReprocessing: report.RequiresReprocessing,
		RequiresManualReview: report.RequiresManualReview,
		Attempts:             len(t.Attempts),
		ErrorKinds:           kinds,
	})
	if err != nil {
		o.logger.Error("failed to record validation", "task_id", t.ID, "error", err)
	}
}

func (o *Orchestrator) transition(ctx context.Context, t *task.Task, to task.Status) error {
	from := t.CurrentStatus()
	if err := t.Transition(to); err != nil {
		return err
	}
	o.persist(ctx, t)
	if o.hub != nil {
		o.hub.Publish(notify.Event{TaskID: t.ID, Kind: notify.KindTaskStateChanged, Payload: notify.StateChange{
			From: string(from), To: string(to),
		}})
	}
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, t *task.Task) {
	if err := o.store.PutTask(ctx, t); err != nil {
		o.logger.Error("failed to persist task", "task_id", t.ID, "error", err)
	}
}

// selectionFor reorders the base selection's candidates to the
// attempt's engine preference, keeping per-candidate estimates.
func selectionFor(engines []string, base ocr.Selection) ocr.Selection {
	if len(engines) == 0 {
		return base
	}
	byName := make(map[string]ocr.Candidate, len(base.Candidates))
	for _, c := range base.Candidates {
		byName[c.Name] = c
	}
	out := ocr.Selection{Complexity: base.Complexity, NoOCR: base.NoOCR}
	seen := make(map[string]bool, len(engines))
	for _, name := range engines {
		if seen[name] {
			continue
		}
		seen[name] = true
		if c, ok := byName[name]; ok {
			out.Candidates = append(out.Candidates, c)
		} else {
			out.Candidates = append(out.Candidates, ocr.Candidate{Name: name})
		}
	}
	return out
}
