package task

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// orderedBefore reports whether a should leave the queue before b. The
// comparison is a strict total order: priority tier descending, then arrival
// time ascending, then insertion sequence ascending. No two distinct tasks
// ever compare equal, which keeps extraction deterministic when timestamps
// collide.
func orderedBefore(a, b *DownloadTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

// taskHeap implements heap.Interface over pending tasks.
type taskHeap []*DownloadTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return orderedBefore(h[i], h[j]) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(*DownloadTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// pendingQueue holds the set of pending tasks ordered for extraction.
// It is a plain data structure with no locking; the Manager is its only
// owner and serializes all access.
type pendingQueue struct {
	h taskHeap
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{h: make(taskHeap, 0)}
}

// insert adds a task in O(log n). The caller must not insert a task whose ID
// is already present.
func (q *pendingQueue) insert(t *DownloadTask) {
	heap.Push(&q.h, t)
}

// extractEligible removes and returns the highest-ordered task whose
// NotBefore time has passed. Tasks still in their backoff window are skipped
// over and retained. Returns nil when no task is eligible.
func (q *pendingQueue) extractEligible(now time.Time) *DownloadTask {
	var held []*DownloadTask
	var picked *DownloadTask

	for q.h.Len() > 0 {
		t := heap.Pop(&q.h).(*DownloadTask)
		if t.NotBefore.IsZero() || !t.NotBefore.After(now) {
			picked = t
			break
		}
		held = append(held, t)
	}

	for _, t := range held {
		heap.Push(&q.h, t)
	}
	return picked
}

// peek returns the highest-ordered task without removing it, or nil when the
// queue is empty. Backoff eligibility is ignored here; peek serves ordering
// inspection, not dispatch.
func (q *pendingQueue) peek() *DownloadTask {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0]
}

func (q *pendingQueue) len() int {
	return q.h.Len()
}

// position returns the 1-based rank of the task with the given ID in
// extraction order, or 0 if the task is not pending. O(n) by design; this is
// a read path for progress display, not the dispatch path.
func (q *pendingQueue) position(t *DownloadTask) int {
	found := false
	rank := 1
	for _, other := range q.h {
		if other.ID == t.ID {
			found = true
			continue
		}
		if orderedBefore(other, t) {
			rank++
		}
	}
	if !found {
		return 0
	}
	return rank
}

// nextWake returns the earliest NotBefore among tasks currently inside their
// backoff window, or the zero time if every pending task is eligible now.
func (q *pendingQueue) nextWake(now time.Time) time.Time {
	var earliest time.Time
	for _, t := range q.h {
		if t.NotBefore.After(now) {
			if earliest.IsZero() || t.NotBefore.Before(earliest) {
				earliest = t.NotBefore
			}
		}
	}
	return earliest
}

// remove deletes the task with the given ID from the queue, returning it if
// present. Used for cancellation and expiry sweeps.
func (q *pendingQueue) remove(id uuid.UUID) *DownloadTask {
	for i, t := range q.h {
		if t.ID == id {
			removed := heap.Remove(&q.h, i).(*DownloadTask)
			return removed
		}
	}
	return nil
}

// removeOlderThan removes every pending task created before the cutoff and
// returns them. The heap is rebuilt once rather than per removal.
func (q *pendingQueue) removeOlderThan(cutoff time.Time) []*DownloadTask {
	var removed []*DownloadTask
	kept := q.h[:0]
	for _, t := range q.h {
		if t.CreatedAt.Before(cutoff) {
			removed = append(removed, t)
		} else {
			kept = append(kept, t)
		}
	}
	if len(removed) > 0 {
		q.h = kept
		heap.Init(&q.h)
	}
	return removed
}
