package pipeline

import "sync"

// TaskQueue is an unbounded FIFO queue. Producers never block, so enqueuing
// from an event handler or a verifier can never stall the pipeline; workers
// block in Get until an item arrives. A nil item is the shutdown sentinel:
// one is enqueued per worker so idle workers wake to exit instead of
// blocking forever.
//
// Go channels are bounded, which is why this is not a channel: a verifier
// must be able to hand off an upload task immediately even when every upload
// worker is busy.
type TaskQueue[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []T
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue[T any]() *TaskQueue[T] {
	q := &TaskQueue[T]{}
	q.cond = sync.NewCond(&q.mu)

	return q
}

// Put appends an item. Never blocks.
func (q *TaskQueue[T]) Put(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.cond.Signal()
}

// Get removes and returns the oldest item, blocking until one is available.
func (q *TaskQueue[T]) Get() T {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		q.cond.Wait()
	}

	item := q.items[0]
	q.items = q.items[1:]

	return item
}

// Len returns the number of queued items.
func (q *TaskQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
