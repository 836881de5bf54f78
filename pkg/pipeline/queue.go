// Package pipeline implements the Command Pipeline: a bounded
// four-band priority queue, a fixed worker pool, per-session FIFO
// serialization, and retry-with-fresh-selection dispatch.
package pipeline

import (
	"container/heap"
	"sync"

	"github.com/voicecore/orchestrator/pkg/models"
)

type queueItem struct {
	request *models.CommandRequest
	seq     uint64 // breaks FIFO ties within a priority band
	index   int    // heap.Interface bookkeeping
}

// priorityHeap orders by (band ascending, seq ascending) — lower band
// number is higher priority.
type priorityHeap []*queueItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	bi, bj := h[i].request.Priority.Band(), h[j].request.Priority.Band()
	if bi != bj {
		return bi < bj
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// AdmissionQueue is the bounded four-band priority queue.
type AdmissionQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	heap     priorityHeap
	capacity int
	nextSeq  uint64
	closed   bool
}

func NewAdmissionQueue(capacity int) *AdmissionQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &AdmissionQueue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	heap.Init(&q.heap)
	return q
}

// Enqueue admits req: a full queue rejects normal/low immediately,
// while critical/high displace the oldest low item. On success without
// displacement it returns (true, nil). A displaced low-priority request is returned as
// the second value so the caller can complete it with rejected-overload
// without holding the queue lock.
func (q *AdmissionQueue) Enqueue(req *models.CommandRequest) (accepted bool, displaced *models.CommandRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, nil
	}

	if len(q.heap) < q.capacity {
		q.push(req)
		q.notEmpty.Signal()
		return true, nil
	}

	// Queue full.
	if req.Priority == models.PriorityCritical || req.Priority == models.PriorityHigh {
		if victim := q.evictOldestLow(); victim != nil {
			q.push(req)
			q.notEmpty.Signal()
			return true, victim
		}
	}
	return false, nil
}

func (q *AdmissionQueue) push(req *models.CommandRequest) {
	q.nextSeq++
	heap.Push(&q.heap, &queueItem{request: req, seq: q.nextSeq})
}

// evictOldestLow removes the oldest PriorityLow item, if any, by linear
// scan (displacement is rare relative to steady-state throughput, so an
// O(n) scan over the bounded capacity is acceptable).
func (q *AdmissionQueue) evictOldestLow() *models.CommandRequest {
	var victimIdx = -1
	for i, it := range q.heap {
		if it.request.Priority != models.PriorityLow {
			continue
		}
		if victimIdx == -1 || it.seq < q.heap[victimIdx].seq {
			victimIdx = i
		}
	}
	if victimIdx == -1 {
		return nil
	}
	victim := heap.Remove(&q.heap, victimIdx).(*queueItem)
	return victim.request
}

// Dequeue blocks until an item is available or the queue is closed.
func (q *AdmissionQueue) Dequeue() (*models.CommandRequest, bool) {
	req, _, ok := q.DequeueRouted(nil)
	return req, ok
}

// DequeueRouted blocks for the next item and, when route is non-nil,
// invokes it while still holding the queue lock. Pop order and routing
// order are therefore identical, which is what lets callers maintain
// per-session FIFO structures without a window where a later pop can
// overtake an earlier one. route's verdict is returned as the second
// value.
func (q *AdmissionQueue) DequeueRouted(route func(*models.CommandRequest) bool) (*models.CommandRequest, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.heap) == 0 {
		return nil, false, false
	}
	item := heap.Pop(&q.heap).(*queueItem)
	verdict := true
	if route != nil {
		verdict = route(item.request)
	}
	return item.request, verdict, true
}

// Close stops accepting new items and wakes every blocked Dequeue.
func (q *AdmissionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}

// Len reports the current queue depth, used by drain-on-shutdown.
func (q *AdmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// DrainAll removes and returns every remaining item, used at shutdown to
// complete them with rejected-overload rather than leaking goroutines.
func (q *AdmissionQueue) DrainAll() []*models.CommandRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.CommandRequest, 0, len(q.heap))
	for len(q.heap) > 0 {
		item := heap.Pop(&q.heap).(*queueItem)
		out = append(out, item.request)
	}
	return out
}
