package executor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// Poll priorities. Lower is served first.
const (
	PriorityExit  = 0
	PriorityEntry = 1
)

// PollItem is one order awaiting a status poll.
type PollItem struct {
	OrderID       string
	BrokerOrderID string
	StrategyID    string
	StrategyKind  domain.StrategyKind
	UserID        string
	IsEntry       bool
	ExitReason    domain.ExitReason
	RetryCount    int
	PendingPolls  int
	Priority      int

	// Order carries the full row when it could not be saved at placement.
	// The poller writes it back before routing the outcome.
	Order *domain.Order

	seq uint64
}

type itemHeap []*PollItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*PollItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// PriorityQueue orders poll items by priority, then insertion order.
type PriorityQueue struct {
	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	notify chan struct{}
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{notify: make(chan struct{}, 1)}
}

// Enqueue adds an item. Its sequence number is reassigned so a re-enqueued
// item goes to the back of its priority class.
func (q *PriorityQueue) Enqueue(it PollItem) {
	q.mu.Lock()
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, &it)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryDequeue pops the head item without waiting.
func (q *PriorityQueue) TryDequeue() (PollItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return PollItem{}, false
	}
	return *heap.Pop(&q.items).(*PollItem), true
}

// Dequeue pops the head item, waiting at most wait for one to arrive.
func (q *PriorityQueue) Dequeue(ctx context.Context, wait time.Duration) (PollItem, bool) {
	if it, ok := q.TryDequeue(); ok {
		return it, true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return PollItem{}, false
		case <-timer.C:
			return q.TryDequeue()
		case <-q.notify:
			if it, ok := q.TryDequeue(); ok {
				return it, true
			}
		}
	}
}

// Len returns the queue depth.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
