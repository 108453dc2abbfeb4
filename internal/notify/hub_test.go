package notify

import (
	"fmt"
	"testing"
	"time"
)

func TestHub_FanOut(t *testing.T) {
	h := NewHub(nil)

	ch1, cancel1 := h.Subscribe(10)
	ch2, cancel2 := h.Subscribe(10)
	defer cancel1()
	defer cancel2()

	h.Publish(Event{TaskID: "t1", Kind: KindTaskCreated})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.TaskID != "t1" || ev.Kind != KindTaskCreated {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
			if ev.Timestamp.IsZero() {
				t.Error("timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestHub_PerTaskOrderPreserved(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe(100)
	defer cancel()

	kinds := []Kind{KindTaskCreated, KindTaskStateChanged, KindTaskProgress, KindTaskStateChanged}
	for _, k := range kinds {
		h.Publish(Event{TaskID: "t1", Kind: k})
	}

	for i, want := range kinds {
		ev := <-ch
		if ev.Kind != want {
			t.Errorf("event %d = %s, want %s", i, ev.Kind, want)
		}
	}
}

func TestHub_SlowSubscriberDropsNotBlocks(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			h.Publish(Event{TaskID: fmt.Sprintf("t%d", i), Kind: KindTaskProgress})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	// Exactly the buffered event is available.
	select {
	case <-ch:
	default:
		t.Error("expected one buffered event")
	}
}

func TestHub_CancelIdempotent(t *testing.T) {
	h := NewHub(nil)
	_, cancel := h.Subscribe(1)

	cancel()
	cancel() // must not panic

	if n := h.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}

	// Publishing with no subscribers is a no-op.
	h.Publish(Event{TaskID: "t1", Kind: KindTaskDeleted})
}

func TestHub_LateSubscriberSeesNothing(t *testing.T) {
	h := NewHub(nil)
	h.Publish(Event{TaskID: "t1", Kind: KindTaskCreated})

	ch, cancel := h.Subscribe(10)
	defer cancel()

	select {
	case ev := <-ch:
		t.Errorf("late subscriber received retained event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
