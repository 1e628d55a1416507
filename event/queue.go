package event

import "container/heap"

// Queue delivers events in timestamp order across all variants. Events with
// equal timestamps come out in insertion order.
type Queue struct {
	h eventHeap
}

// NewQueue creates an empty ordered queue.
func NewQueue() *Queue {
	q := &Queue{}
	heap.Init(&q.h)
	return q
}

// Push adds an event.
func (q *Queue) Push(ev Event) {
	heap.Push(&q.h, queued{ev: ev, seq: q.h.nextSeq})
	q.h.nextSeq++
}

// Pop removes and returns the earliest event. The second return is false
// when the queue is empty.
func (q *Queue) Pop() (Event, bool) {
	if q.h.Len() == 0 {
		return Event{}, false
	}
	return heap.Pop(&q.h).(queued).ev, true
}

// Peek returns the earliest event without removing it.
func (q *Queue) Peek() (Event, bool) {
	if q.h.Len() == 0 {
		return Event{}, false
	}
	return q.h.items[0].ev, true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return q.h.Len()
}

type queued struct {
	ev  Event
	seq uint64
}

type eventHeap struct {
	items   []queued
	nextSeq uint64
}

func (h *eventHeap) Len() int { return len(h.items) }

func (h *eventHeap) Less(i, j int) bool {
	ti, tj := h.items[i].ev.Time, h.items[j].ev.Time
	if ti.Equal(tj) {
		return h.items[i].seq < h.items[j].seq
	}
	return ti.Before(tj)
}

func (h *eventHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *eventHeap) Push(x any) { h.items = append(h.items, x.(queued)) }

func (h *eventHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}
