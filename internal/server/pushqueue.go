package server

import (
	"sync"

	"github.com/postalsys/cipherline/internal/store"
)

// pushQueue is an unbounded FIFO of messages waiting to be pushed to a
// connected client. The reference design leaves it unbounded (§5); a
// bounded drop-oldest or block-sender policy is a documented, acceptable
// refinement that is not implemented here.
type pushQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []store.Message
	closed bool
}

func newPushQueue() *pushQueue {
	q := &pushQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends m. Safe to call after Close; the item is simply
// dropped since nothing will ever dequeue it.
func (q *pushQueue) Enqueue(m store.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, m)
	q.cond.Signal()
}

// Dequeue blocks until an item is available or the queue is closed. The
// boolean result is false only once the queue has been drained and
// closed.
func (q *pushQueue) Dequeue() (store.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return store.Message{}, false
	}

	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

// Len reports the current queue depth, for metrics.
func (q *pushQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes any blocked Dequeue call and marks the queue closed.
func (q *pushQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
