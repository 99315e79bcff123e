package queue

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"

	"krauler/pkg/models"
)

// pqItem is a frontier entry. Lower depth pops first; seq keeps discovery order within a depth.
type pqItem struct {
	work  models.WorkItem
	depth int
	seq   uint64
	index int
}

// frontierHeap implements heap.Interface
type frontierHeap []*pqItem

func (h frontierHeap) Len() int { return len(h) }

func (h frontierHeap) Less(i, j int) bool {
	if h[i].depth != h[j].depth {
		return h[i].depth < h[j].depth
	}
	return h[i].seq < h[j].seq
}

func (h frontierHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *frontierHeap) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *frontierHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// ThreadSafePriorityQueue is the crawl frontier: a blocking, closable, depth-ordered queue.
type ThreadSafePriorityQueue struct {
	h       frontierHeap
	nextSeq uint64
	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
	log     *logrus.Entry
}

// NewThreadSafePriorityQueue creates an empty frontier
func NewThreadSafePriorityQueue(logger *logrus.Entry) *ThreadSafePriorityQueue {
	q := &ThreadSafePriorityQueue{log: logger}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.h)
	return q
}

// Add pushes a work item. Returns false if the queue is closed.
func (q *ThreadSafePriorityQueue) Add(item models.WorkItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.log.Debugf("Dropping item for closed queue: %s", item.URL)
		return false
	}

	heap.Push(&q.h, &pqItem{work: item, depth: item.Depth(), seq: q.nextSeq})
	q.nextSeq++
	q.cond.Signal()
	return true
}

// Pop removes the shallowest, oldest work item.
// It blocks while the queue is empty and open; it returns false once the queue is closed and drained.
func (q *ThreadSafePriorityQueue) Pop() (models.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.h) == 0 {
		if q.closed {
			return models.WorkItem{}, false
		}
		q.cond.Wait()
	}

	return heap.Pop(&q.h).(*pqItem).work, true
}

// Close stops accepting items and wakes every waiting Pop.
func (q *ThreadSafePriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
}

// Drain closes the queue and discards whatever is left, returning the number of items dropped.
func (q *ThreadSafePriorityQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.h)
	q.h = q.h[:0]
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	return n
}

// Len returns the current number of queued items
func (q *ThreadSafePriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
