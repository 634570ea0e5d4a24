package engine

import (
	"container/heap"
	"time"
)

// readyItem is one queued execution.
type readyItem struct {
	executionID string
	weight      int       // priority weight, higher wins
	readyTime   time.Time // earliest dispatch instant
	seq         uint64    // insertion counter, FIFO tiebreaker
	index       int
}

// readyHeap orders executions by (-priority, ready_time, seq).
type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	if !h[i].readyTime.Equal(h[j].readyTime) {
		return h[i].readyTime.Before(h[j].readyTime)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x interface{}) {
	item := x.(*readyItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// readyQueue wraps the heap with a membership index so an execution is
// queued at most once and can be removed in place on cancel.
type readyQueue struct {
	heap  readyHeap
	items map[string]*readyItem
	seq   uint64
}

func newReadyQueue() *readyQueue {
	return &readyQueue{items: make(map[string]*readyItem)}
}

func (q *readyQueue) len() int {
	return len(q.heap)
}

func (q *readyQueue) contains(executionID string) bool {
	_, found := q.items[executionID]
	return found
}

// push enqueues the execution unless it is already queued.
func (q *readyQueue) push(executionID string, weight int, readyTime time.Time) bool {
	if q.contains(executionID) {
		return false
	}
	q.seq++
	item := &readyItem{
		executionID: executionID,
		weight:      weight,
		readyTime:   readyTime,
		seq:         q.seq,
	}
	q.items[executionID] = item
	heap.Push(&q.heap, item)
	return true
}

func (q *readyQueue) peek() *readyItem {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

func (q *readyQueue) pop() *readyItem {
	if len(q.heap) == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*readyItem)
	delete(q.items, item.executionID)
	return item
}

// remove takes the execution out of the queue in place.
func (q *readyQueue) remove(executionID string) bool {
	item, found := q.items[executionID]
	if !found {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.items, executionID)
	return true
}

// promote moves an already queued execution's ready time earlier, so a
// dependency completion wakes a waiting dependent without re-queueing it.
func (q *readyQueue) promote(executionID string, readyTime time.Time) bool {
	item, found := q.items[executionID]
	if !found {
		return false
	}
	if item.readyTime.After(readyTime) {
		item.readyTime = readyTime
		heap.Fix(&q.heap, item.index)
	}
	return true
}

// restore re-inserts an item popped during a dispatch pass, keeping its
// original seq so FIFO order within equal priority holds.
func (q *readyQueue) restore(item *readyItem) {
	if q.contains(item.executionID) {
		return
	}
	q.items[item.executionID] = item
	heap.Push(&q.heap, item)
}
