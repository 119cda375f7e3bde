package scheduler

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// timerEntry is a pending wake-up for a schedule. Entries are never
// removed from the middle of the heap; instead each schedule carries a
// generation counter and stale entries are skipped when popped.
type timerEntry struct {
	at  time.Time
	id  uuid.UUID
	gen uint64
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

func (h *timerHeap) push(entry timerEntry) {
	heap.Push(h, entry)
}

func (h *timerHeap) peek() (timerEntry, bool) {
	if len(*h) == 0 {
		return timerEntry{}, false
	}
	return (*h)[0], true
}

func (h *timerHeap) pop() (timerEntry, bool) {
	if len(*h) == 0 {
		return timerEntry{}, false
	}
	return heap.Pop(h).(timerEntry), true
}
