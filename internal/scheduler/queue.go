package scheduler

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

type queued struct {
	id    uuid.UUID
	at    time.Time
	index int
}

type fireHeap []*queued

func (h fireHeap) Len() int { return len(h) }

func (h fireHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h fireHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *fireHeap) Push(x any) {
	item := x.(*queued)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// fireQueue is a min-heap of activation fire times with at most one entry per
// activation. Not safe for concurrent use.
type fireQueue struct {
	heap fireHeap
	byID map[uuid.UUID]*queued
}

func newFireQueue() *fireQueue {
	return &fireQueue{byID: make(map[uuid.UUID]*queued)}
}

// Upsert adds the activation or moves it to the new fire time.
func (q *fireQueue) Upsert(id uuid.UUID, at time.Time) {
	if item, ok := q.byID[id]; ok {
		if !item.at.Equal(at) {
			item.at = at
			heap.Fix(&q.heap, item.index)
		}
		return
	}
	item := &queued{id: id, at: at}
	heap.Push(&q.heap, item)
	q.byID[id] = item
}

// PopDue removes and returns every activation due at or before now, earliest first.
func (q *fireQueue) PopDue(now time.Time) []uuid.UUID {
	var ids []uuid.UUID
	for q.heap.Len() > 0 && !q.heap[0].at.After(now) {
		item := heap.Pop(&q.heap).(*queued)
		delete(q.byID, item.id)
		ids = append(ids, item.id)
	}
	return ids
}

// Peek returns the earliest fire time.
func (q *fireQueue) Peek() (time.Time, bool) {
	if q.heap.Len() == 0 {
		return time.Time{}, false
	}
	return q.heap[0].at, true
}

func (q *fireQueue) Len() int { return q.heap.Len() }
