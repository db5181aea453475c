package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueue_ExitBeforeEntryThenFIFO(t *testing.T) {
	q := NewPriorityQueue()
	q.Enqueue(PollItem{OrderID: "e1", Priority: PriorityEntry})
	q.Enqueue(PollItem{OrderID: "x1", Priority: PriorityExit})
	q.Enqueue(PollItem{OrderID: "e2", Priority: PriorityEntry})
	q.Enqueue(PollItem{OrderID: "x2", Priority: PriorityExit})

	var got []string
	for q.Len() > 0 {
		it, ok := q.TryDequeue()
		require.True(t, ok)
		got = append(got, it.OrderID)
	}
	assert.Equal(t, []string{"x1", "x2", "e1", "e2"}, got)
}

func TestPriorityQueue_RequeueGoesToBack(t *testing.T) {
	q := NewPriorityQueue()
	q.Enqueue(PollItem{OrderID: "a", Priority: PriorityEntry})
	q.Enqueue(PollItem{OrderID: "b", Priority: PriorityEntry})

	it, _ := q.TryDequeue()
	q.Enqueue(it)

	first, _ := q.TryDequeue()
	second, _ := q.TryDequeue()
	assert.Equal(t, "b", first.OrderID)
	assert.Equal(t, "a", second.OrderID)
}

func TestPriorityQueue_DequeueWaitsBounded(t *testing.T) {
	q := NewPriorityQueue()

	start := time.Now()
	_, ok := q.Dequeue(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(PollItem{OrderID: "late", Priority: PriorityEntry})
	}()
	it, ok := q.Dequeue(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, "late", it.OrderID)
}
