package task

import (
	"testing"
	"time"
)

func TestTransition_LegalPath(t *testing.T) {
	tk := New("/tmp/doc.pdf", PriorityNormal, Options{}.WithDefaults())

	steps := []Status{StatusPreprocessing, StatusProcessing, StatusCompleted}
	for _, s := range steps {
		if err := tk.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if tk.StartedAt == nil || tk.CompletedAt == nil {
		t.Fatal("expected timestamps to be set")
	}
	if tk.StartedAt.After(*tk.CompletedAt) {
		t.Errorf("started_at %v after completed_at %v", tk.StartedAt, tk.CompletedAt)
	}
}

func TestTransition_TerminalIsImmutable(t *testing.T) {
	tk := New("/tmp/doc.pdf", PriorityNormal, Options{})
	if err := tk.Transition(StatusCancelled); err != nil {
		t.Fatalf("cancel queued task: %v", err)
	}
	if err := tk.Transition(StatusQueued); err == nil {
		t.Error("expected error transitioning out of cancelled")
	}
	if err := tk.Transition(StatusCancelled); err == nil {
		t.Error("expected error re-cancelling a terminal task")
	}
}

func TestTransition_IllegalJump(t *testing.T) {
	tk := New("/tmp/doc.pdf", PriorityNormal, Options{})
	if err := tk.Transition(StatusCompleted); err == nil {
		t.Error("queued -> completed should be rejected")
	}
	var ill *ErrIllegalTransition
	err := tk.Transition(StatusProcessing)
	if err == nil {
		t.Fatal("queued -> processing should be rejected")
	}
	if e, ok := err.(*ErrIllegalTransition); ok {
		ill = e
	}
	if ill == nil || ill.From != StatusQueued || ill.To != StatusProcessing {
		t.Errorf("unexpected error detail: %v", err)
	}
}

func TestTransition_PauseResumeCycle(t *testing.T) {
	tk := New("/tmp/doc.pdf", PriorityHigh, Options{})

	for _, s := range []Status{StatusPaused, StatusQueued, StatusPreprocessing, StatusPaused, StatusQueued} {
		if err := tk.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}

func TestSetProgress_MonotonicWithinAttempt(t *testing.T) {
	tk := New("/tmp/doc.pdf", PriorityNormal, Options{})
	if _, err := tk.BeginAttempt([]string{"fast"}, nil); err != nil {
		t.Fatalf("begin attempt: %v", err)
	}

	tk.SetProgress(0.5, 5, 10)
	tk.SetProgress(0.3, 3, 10) // regression ignored
	if tk.Progress != 0.5 {
		t.Errorf("progress = %v, want 0.5", tk.Progress)
	}
	tk.SetProgress(0.8, 8, 10)
	if tk.Progress != 0.8 {
		t.Errorf("progress = %v, want 0.8", tk.Progress)
	}
	tk.SetProgress(1.5, 10, 10)
	if tk.Progress != 1.0 {
		t.Errorf("progress = %v, want clamp to 1.0", tk.Progress)
	}
}

func TestBeginAttempt_AppendOnly(t *testing.T) {
	tk := New("/tmp/doc.pdf", PriorityNormal, Options{})

	a1, err := tk.BeginAttempt([]string{"fast"}, map[string]string{"dpi": "300"})
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if _, err := tk.BeginAttempt([]string{"accurate"}, nil); err == nil {
		t.Fatal("expected error starting attempt 2 while attempt 1 in flight")
	}

	tk.SetProgress(0.9, 9, 10)
	a1.Finish(false, 9, map[string]float64{"text": 0.4})

	a2, err := tk.BeginAttempt([]string{"accurate"}, nil)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if a2.Number != 2 {
		t.Errorf("attempt number = %d, want 2", a2.Number)
	}
	if tk.Progress != 0 {
		t.Errorf("progress not reset on new attempt: %v", tk.Progress)
	}
	if len(tk.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(tk.Attempts))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tk := New("/tmp/doc.pdf", PriorityCritical, Options{Language: "eng"}.WithDefaults())
	tk.Metadata = map[string]string{"client": "test"}
	a, _ := tk.BeginAttempt([]string{"fast", "accurate"}, nil)
	a.Finish(true, 10, map[string]float64{"text": 0.92})
	tk.SetBestAttempt(a.ID)

	snap := tk.Snapshot()
	back := FromSnapshot(snap)

	if back.ID != tk.ID || back.Priority != tk.Priority || back.BestAttempt != a.ID {
		t.Error("snapshot round trip lost identity fields")
	}
	if len(back.Attempts) != 1 || back.Attempts[0].PagesProcessed != 10 {
		t.Error("snapshot round trip lost attempts")
	}

	// Snapshot must be an isolated copy.
	snap.Metadata["client"] = "mutated"
	if tk.Metadata["client"] != "test" {
		t.Error("snapshot shares metadata map with task")
	}
}

func TestEstimatedRemaining(t *testing.T) {
	tk := New("/tmp/doc.pdf", PriorityNormal, Options{})
	if got := tk.EstimatedRemaining(time.Now()); got != 0 {
		t.Errorf("no attempt: estimate = %v, want 0", got)
	}

	a, _ := tk.BeginAttempt([]string{"fast"}, nil)
	a.StartedAt = time.Now().UTC().Add(-10 * time.Second)
	tk.SetProgress(0.5, 5, 10)

	got := tk.EstimatedRemaining(time.Now())
	if got < 8*time.Second || got > 12*time.Second {
		t.Errorf("estimate = %v, want ~10s", got)
	}
}

func TestSplitPages(t *testing.T) {
	tests := []struct {
		name       string
		totalPages int
		size       int
		wantChunks int
		wantLast   [2]int
	}{
		{"even split", 10, 5, 2, [2]int{6, 10}},
		{"remainder", 12, 5, 3, [2]int{11, 12}},
		{"single page", 1, 5, 1, [2]int{1, 1}},
		{"zero pages", 0, 5, 0, [2]int{0, 0}},
		{"default size", 7, 0, 2, [2]int{6, 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := SplitPages("/tmp/doc.pdf", tt.totalPages, tt.size)
			if len(chunks) != tt.wantChunks {
				t.Fatalf("chunks = %d, want %d", len(chunks), tt.wantChunks)
			}
			if tt.wantChunks == 0 {
				return
			}

			// Coverage: disjoint, contiguous, sums to totalPages.
			covered := 0
			for i, c := range chunks {
				covered += c.Pages()
				if i > 0 && c.StartPage != chunks[i-1].EndPage+1 {
					t.Errorf("chunk %d not contiguous: starts at %d after end %d", i, c.StartPage, chunks[i-1].EndPage)
				}
			}
			if covered != tt.totalPages {
				t.Errorf("covered %d pages, want %d", covered, tt.totalPages)
			}
			last := chunks[len(chunks)-1]
			if last.StartPage != tt.wantLast[0] || last.EndPage != tt.wantLast[1] {
				t.Errorf("last chunk = [%d,%d], want %v", last.StartPage, last.EndPage, tt.wantLast)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := ParsePriority("critical"); err != nil || p != PriorityCritical {
		t.Errorf("ParsePriority(critical) = %v, %v", p, err)
	}
	if p, err := ParsePriority(""); err != nil || p != PriorityNormal {
		t.Errorf("ParsePriority(empty) = %v, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
}
