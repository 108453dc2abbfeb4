package queue

import (
	"github.com/mgiraud/papermill/internal/task"
)

// taskItem wraps a task with a sequence number for FIFO ordering within
// one priority class.
type taskItem struct {
	t   *task.Task
	seq uint64
}

// taskHeap implements heap.Interface. Lower Priority values are more
// urgent and come first; equal priorities use FIFO (lower seq first).
type taskHeap []*taskItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].t.Priority != h[j].t.Priority {
		return h[i].t.Priority < h[j].t.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*taskItem))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return item
}
