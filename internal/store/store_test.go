package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mgiraud/papermill/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("/tmp/doc.pdf", task.PriorityHigh, task.Options{}.WithDefaults())
	if err := s.PutTask(ctx, tk); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != tk.ID || got.Priority != task.PriorityHigh || got.Status != task.StatusQueued {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Options.Language != "fra" || got.Options.ChunkSize != 5 {
		t.Errorf("options lost defaults: %+v", got.Options)
	}
}

func TestPutTask_IdempotentUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("/tmp/doc.pdf", task.PriorityNormal, task.Options{})
	if err := s.PutTask(ctx, tk); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tk.Transition(task.StatusPreprocessing); err != nil {
		t.Fatal(err)
	}
	if err := s.PutTask(ctx, tk); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusPreprocessing {
		t.Errorf("status = %s, want preprocessing", got.Status)
	}

	all, err := s.ListTasks(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("upsert created duplicate records: %d", len(all))
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListTasks_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		tk := task.New("/tmp/doc.pdf", task.PriorityNormal, task.Options{})
		tk.AddedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 1 {
			if err := tk.Transition(task.StatusCancelled); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.PutTask(ctx, tk); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	queued, err := s.ListTasks(ctx, Filter{Status: task.StatusQueued})
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(queued) != 3 {
		t.Errorf("queued = %d, want 3", len(queued))
	}
	for i := 1; i < len(queued); i++ {
		if queued[i].AddedAt.Before(queued[i-1].AddedAt) {
			t.Error("list not ordered by added_at ascending")
		}
	}

	limited, err := s.ListTasks(ctx, Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}
}

func TestCheckpointLatestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LatestCheckpoint(ctx, "t1")
	if err != nil || ok {
		t.Fatalf("expected no checkpoint, got ok=%v err=%v", ok, err)
	}

	for page := 5; page <= 15; page += 5 {
		err := s.PutCheckpoint(ctx, task.Checkpoint{
			TaskID:      "t1",
			AttemptID:   "a1",
			CurrentPage: page,
			TotalPages:  20,
			Progress:    float64(page) / 20,
			State:       []byte(`{"chunks":[]}`),
		})
		if err != nil {
			t.Fatalf("put checkpoint page %d: %v", page, err)
		}
	}

	cp, ok, err := s.LatestCheckpoint(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("latest checkpoint: ok=%v err=%v", ok, err)
	}
	if cp.CurrentPage != 15 {
		t.Errorf("current page = %d, want 15 (latest wins)", cp.CurrentPage)
	}
	if cp.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}
}

func TestDeleteTask_Cascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("/tmp/doc.pdf", task.PriorityNormal, task.Options{})
	a, _ := tk.BeginAttempt([]string{"fast"}, nil)
	a.Finish(false, 0, nil)
	tk.RecordError(task.TaskError{Kind: task.ErrKindTimeout, Message: "soft deadline", Transient: true})
	if err := s.PutTask(ctx, tk); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutCheckpoint(ctx, task.Checkpoint{TaskID: tk.ID, AttemptID: a.ID, CurrentPage: 5, TotalPages: 10}); err != nil {
		t.Fatalf("put checkpoint: %v", err)
	}

	if err := s.DeleteTask(ctx, tk.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.GetTask(ctx, tk.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("task survived delete: %v", err)
	}
	if _, ok, _ := s.LatestCheckpoint(ctx, tk.ID); ok {
		t.Error("checkpoint survived cascade delete")
	}
}

func TestOpenDefaultsToSyncedWrites(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if !s.db.Opts().SyncWrites {
		t.Error("on-disk store opened without synced writes")
	}
}

func TestTerminalPutSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	tk := task.New("/tmp/doc.pdf", task.PriorityNormal, task.Options{})
	for _, st := range []task.Status{task.StatusPreprocessing, task.StatusProcessing, task.StatusCompleted} {
		if err := tk.Transition(st); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PutTask(ctx, tk); err != nil {
		t.Fatalf("put terminal: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("status after reopen = %s, want completed", got.Status)
	}
}

func TestAuditRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	type sample struct {
		Strategy string `json:"strategy"`
		Size     int    `json:"size"`
	}
	if err := s.PutSample(ctx, "s1", sample{Strategy: "random", Size: 10}); err != nil {
		t.Fatalf("put sample: %v", err)
	}
	if err := s.PutValidation(ctx, "v1", map[string]any{"confidence": 0.8}); err != nil {
		t.Fatalf("put validation: %v", err)
	}

	ids, err := s.ListSampleIDs(ctx)
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Errorf("sample ids = %v, want [s1]", ids)
	}

	var out map[string]any
	if err := s.GetValidation(ctx, "v1", &out); err != nil {
		t.Fatalf("get validation: %v", err)
	}
	if out["confidence"] != 0.8 {
		t.Errorf("validation content = %v", out)
	}
}
