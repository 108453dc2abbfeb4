package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mgiraud/papermill/internal/chunker"
	"github.com/mgiraud/papermill/internal/notify"
	"github.com/mgiraud/papermill/internal/ocr"
	"github.com/mgiraud/papermill/internal/processor"
	"github.com/mgiraud/papermill/internal/retry"
	"github.com/mgiraud/papermill/internal/store"
	"github.com/mgiraud/papermill/internal/task"
	"github.com/mgiraud/papermill/internal/validation"
)

type harness struct {
	store *store.Store
	hub   *notify.Hub
	orch  *Orchestrator
	sink  *Sink
}

func newHarness(t *testing.T, engines ...ocr.Engine) *harness {
	t.Helper()

	st, err := store.Open(store.Config{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg := ocr.NewRegistry()
	for _, e := range engines {
		if err := reg.Register(e); err != nil {
			t.Fatal(err)
		}
	}

	hub := notify.NewHub(nil)
	proc := processor.New(st, reg, ocr.NewTracker(), hub, processor.Config{WorkDir: t.TempDir()})
	sink := NewSink(SinkConfig{Store: st, Hub: hub, FlushInterval: 10 * time.Millisecond})
	sink.Start(context.Background())
	t.Cleanup(sink.Stop)

	supervisor := retry.New(st, hub, retry.Policy{
		MaxRetries:   1,
		BackoffCap:   time.Millisecond,
		SoftDeadline: 5 * time.Second,
		HardDeadline: 10 * time.Second,
		PassThrough:  PassThrough,
	}, nil)

	orch := New(Deps{
		Store:      st,
		Registry:   reg,
		Tracker:    ocr.NewTracker(),
		Hub:        hub,
		Processor:  proc,
		Chunker:    chunker.New(chunker.Config{MaxChunkSize: 200, Overlap: 20}),
		Auditor:    validation.NewAuditor(st, nil),
		Supervisor: supervisor,
		Sink:       sink,
	})
	return &harness{store: st, hub: hub, orch: orch, sink: sink}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// preprocessing returns a task parked where the queue manager hands it
// to the runner.
func preprocessing(t *testing.T, path string, opts task.Options) *task.Task {
	t.Helper()
	tk := task.New(path, task.PriorityNormal, opts.WithDefaults())
	if err := tk.Transition(task.StatusPreprocessing); err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestRunPlainTextIndexesChunks(t *testing.T) {
	h := newHarness(t)
	path := writeFile(t, "doc.txt",
		"Premier paragraphe du document avec du contenu utile.\n\nDeuxième paragraphe qui complète le premier.")
	tk := preprocessing(t, path, task.Options{})

	if err := h.orch.Run(context.Background(), tk, nil); err != nil {
		t.Fatal(err)
	}

	if len(tk.Attempts) != 1 || !tk.Attempts[0].Success {
		t.Fatalf("attempts = %+v, want one successful", tk.Attempts)
	}
	if tk.BestAttempt != tk.Attempts[0].ID {
		t.Errorf("best attempt = %q, want %q", tk.BestAttempt, tk.Attempts[0].ID)
	}

	ids, err := h.store.ListChunkIDs(context.Background(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) == 0 {
		t.Error("no chunks persisted")
	}
	var ch chunker.TextChunk
	if err := h.store.GetChunk(context.Background(), tk.ID, ids[0], &ch); err != nil {
		t.Fatal(err)
	}
	if ch.Text == "" {
		t.Error("persisted chunk has empty text")
	}

	vids, err := h.store.ListValidationIDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(vids) != 1 {
		t.Errorf("validation records = %d, want 1", len(vids))
	}
}

func TestRunMissingInputIsValidationFailure(t *testing.T) {
	h := newHarness(t, ocr.NewMockEngine("alpha"))
	tk := preprocessing(t, "/tmp/does-not-exist/doc.pdf", task.Options{})

	err := h.orch.Run(context.Background(), tk, nil)
	if err == nil {
		t.Fatal("expected error for missing input")
	}
	f, ok := task.AsFailure(err)
	if !ok || f.Kind != task.ErrKindValidation {
		t.Errorf("error = %v, want validation failure", err)
	}
}

func TestRunReprocessingPromotesFallbackEngine(t *testing.T) {
	alpha := ocr.NewMockEngine("alpha")
	alpha.TextConfidence = 0.4
	alpha.PageConfidence = 0.4
	alpha.PageCost = 1
	beta := ocr.NewMockEngine("beta")
	beta.PageCost = 2

	h := newHarness(t, alpha, beta)
	path := writeFile(t, "scan.png", "png bytes")
	tk := preprocessing(t, path, task.Options{PreferredStrategy: task.StrategySpeed})

	if err := h.orch.Run(context.Background(), tk, nil); err != nil {
		t.Fatal(err)
	}

	if len(tk.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(tk.Attempts))
	}
	if tk.Attempts[0].Engines[0] != "alpha" {
		t.Errorf("first attempt lead = %q, want alpha", tk.Attempts[0].Engines[0])
	}
	second := tk.Attempts[1]
	if second.Engines[0] != "beta" {
		t.Errorf("second attempt lead = %q, want beta", second.Engines[0])
	}
	if second.Params[validation.ParamDPI] != "450" {
		t.Errorf("second attempt dpi = %q, want 450", second.Params[validation.ParamDPI])
	}
	if second.Params[validation.ParamPreprocessing] != validation.PreprocessingAggressive {
		t.Errorf("second attempt preprocessing = %q", second.Params[validation.ParamPreprocessing])
	}

	if tk.BestAttempt != second.ID {
		t.Errorf("best attempt = %q, want the high-confidence second", tk.BestAttempt)
	}
	if alpha.Calls() != 1 || beta.Calls() != 1 {
		t.Errorf("calls alpha=%d beta=%d, want 1 each", alpha.Calls(), beta.Calls())
	}

	vids, err := h.store.ListValidationIDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(vids) != 2 {
		t.Errorf("validation records = %d, want one per attempt", len(vids))
	}
}

func TestRunManualReviewExhaustsAttempts(t *testing.T) {
	engine := ocr.NewMockEngine("alpha")
	engine.Regions = []ocr.Region{
		{Type: ocr.RegionFormula, Page: 1, Confidence: 0.1},
	}

	h := newHarness(t, engine)
	path := writeFile(t, "scan.png", "png bytes")
	tk := preprocessing(t, path, task.Options{})

	if err := h.orch.Run(context.Background(), tk, nil); err != nil {
		t.Fatal(err)
	}

	if len(tk.Attempts) != validation.DefaultMaxAttempts {
		t.Fatalf("attempts = %d, want %d", len(tk.Attempts), validation.DefaultMaxAttempts)
	}
	if tk.Attempts[2].Params[validation.ParamDPI] != "600" {
		t.Errorf("third attempt dpi = %q, want 600 cap", tk.Attempts[2].Params[validation.ParamDPI])
	}
	if tk.Metadata[MetaManualReview] != "true" {
		t.Errorf("metadata = %v, want manual review flag", tk.Metadata)
	}
	if tk.BestAttempt == "" {
		t.Error("no best attempt selected")
	}
}

func TestRunFailureReturnsClassifiedError(t *testing.T) {
	engine := ocr.NewMockEngine("alpha")
	engine.ShouldFail = true

	h := newHarness(t, engine)
	path := writeFile(t, "scan.png", "png bytes")
	tk := preprocessing(t, path, task.Options{})

	err := h.orch.Run(context.Background(), tk, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	f, ok := task.AsFailure(err)
	if !ok || f.Kind != task.ErrKindOCR {
		t.Errorf("error = %v, want OCR failure", err)
	}
	// MaxRetries 1: the supervisor ran the attempt body twice.
	if engine.Calls() != 2 {
		t.Errorf("engine calls = %d, want 2", engine.Calls())
	}
	if len(tk.Errors) == 0 {
		t.Error("no errors recorded on the task")
	}
	if tk.LatestAttempt().Success {
		t.Error("failed attempt marked successful")
	}
}

// A transient failure and its re-run are separate execution passes, so
// each must leave its own attempt record.
func TestRunRetryOpensNewAttempt(t *testing.T) {
	engine := ocr.NewMockEngine("alpha")
	engine.FailFirst = 1
	engine.FailErr = task.NewFailure(task.ErrKindTimeout, true, errors.New("engine timed out"))

	h := newHarness(t, engine)
	path := writeFile(t, "scan.png", "png bytes")
	tk := preprocessing(t, path, task.Options{})

	if err := h.orch.Run(context.Background(), tk, nil); err != nil {
		t.Fatal(err)
	}

	if len(tk.Attempts) != 2 {
		t.Fatalf("attempts = %d, want one per execution pass", len(tk.Attempts))
	}
	first, second := tk.Attempts[0], tk.Attempts[1]
	if first.Success || !first.Terminal() {
		t.Errorf("first attempt = %+v, want a closed failure", first)
	}
	if !second.Success {
		t.Error("retried attempt not marked successful")
	}
	if tk.BestAttempt != second.ID {
		t.Errorf("best attempt = %q, want the retried one", tk.BestAttempt)
	}
	if len(tk.Errors) != 1 || !tk.Errors[0].Transient {
		t.Errorf("errors = %+v, want the one recorded transient failure", tk.Errors)
	}
}

func TestRunPauseLeavesAttemptOpenAndResumes(t *testing.T) {
	engine := ocr.NewMockEngine("alpha")
	h := newHarness(t, engine)
	path := writeFile(t, "scan.png", "png bytes")
	tk := preprocessing(t, path, task.Options{})

	err := h.orch.Run(context.Background(), tk, func() bool { return true })
	if !errors.Is(err, processor.ErrPaused) {
		t.Fatalf("err = %v, want ErrPaused", err)
	}
	open := tk.LatestAttempt()
	if open == nil || open.Terminal() {
		t.Fatal("pause closed the attempt")
	}

	// Resume: the manager routes the task back through the queue.
	for _, s := range []task.Status{task.StatusPaused, task.StatusQueued, task.StatusPreprocessing} {
		if err := tk.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.orch.Run(context.Background(), tk, nil); err != nil {
		t.Fatal(err)
	}
	if len(tk.Attempts) != 1 {
		t.Errorf("attempts = %d, want the open attempt reused", len(tk.Attempts))
	}
	if !tk.Attempts[0].Success {
		t.Error("resumed attempt not marked successful")
	}
}

func TestRunCancellationPassesThrough(t *testing.T) {
	engine := ocr.NewMockEngine("alpha")
	engine.Latency = 50 * time.Millisecond

	h := newHarness(t, engine)
	path := writeFile(t, "scan.png", "png bytes")
	tk := preprocessing(t, path, task.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := h.orch.Run(ctx, tk, nil)
	if !errors.Is(err, processor.ErrCancelled) && !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if len(tk.Errors) != 0 {
		t.Errorf("cancellation recorded as error: %+v", tk.Errors)
	}
}

func TestSelectionFor(t *testing.T) {
	base := ocr.Selection{Candidates: []ocr.Candidate{
		{Name: "alpha", EstimatedCost: 1, Accuracy: 0.9},
		{Name: "beta", EstimatedCost: 2, Accuracy: 0.8},
	}}

	sel := selectionFor([]string{"beta", "alpha", "beta"}, base)
	if len(sel.Candidates) != 2 {
		t.Fatalf("candidates = %+v, want deduplicated pair", sel.Candidates)
	}
	if sel.Candidates[0].Name != "beta" || sel.Candidates[0].EstimatedCost != 2 {
		t.Errorf("lead candidate = %+v, want beta with its estimate", sel.Candidates[0])
	}

	if got := selectionFor(nil, base); len(got.Candidates) != 2 || got.Candidates[0].Name != "alpha" {
		t.Errorf("empty preference changed the selection: %+v", got.Candidates)
	}
}
