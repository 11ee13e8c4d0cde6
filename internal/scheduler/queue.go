package scheduler

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"

	"github.com/reef-io/reef/internal/db"
)

// Target kinds a queue item can dispatch to.
const (
	TargetJob    = "job"
	TargetExport = "export"
	TargetImport = "import"
)

// Item is one unit of due work. An empty Trigger means schedule-driven.
type Item struct {
	TargetKind string
	TargetID   uuid.UUID
	Priority   int
	Trigger    db.TriggerSource

	seq uint64 // FIFO tie-break within a priority
}

// Queue is a blocking priority queue ordered by priority descending with
// FIFO tie-break. Enqueue is idempotent per target id: an item stays "held"
// from enqueue until Done, so duplicate discoveries of queued or running work
// are dropped.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  itemHeap
	held   map[uuid.UUID]bool
	seq    uint64
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{held: make(map[uuid.UUID]bool)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds an item unless its target is already queued or running.
// Returns false for duplicates and after Close.
func (q *Queue) Enqueue(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.held[item.TargetID] {
		return false
	}
	q.held[item.TargetID] = true
	q.seq++
	item.seq = q.seq
	heap.Push(&q.items, item)
	q.cond.Signal()
	return true
}

// Dequeue blocks until an item is available or the queue is closed. The
// second return is false only after Close with an empty queue.
func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Item{}, false
	}
	return heap.Pop(&q.items).(Item), true
}

// Done releases the duplicate guard for a target after its run finished.
func (q *Queue) Done(targetID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.held, targetID)
}

// Close wakes all blocked consumers and drops pending items.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	q.held = make(map[uuid.UUID]bool)
	q.cond.Broadcast()
}

// Len reports queued (not yet dequeued) items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// itemHeap orders by priority descending, then enqueue sequence ascending.
type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
