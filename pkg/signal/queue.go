package signal

import (
	"sync"
	"time"
)

// Queue is the single-producer/single-consumer link between an acquisition
// goroutine and its consumer. Put never blocks the producer: when the queue
// is at capacity the oldest unread frame is evicted to admit the newest.
// The policy favors freshness over completeness: a consumer that falls
// behind loses old data instead of stalling acquisition or growing memory
// without bound.
//
// Capacity 0 means unbounded queueing (nothing is ever evicted).
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	frames   []Frame
	head     int
	capacity int
	lost     uint64
	closed   bool
}

// NewQueue creates a queue holding at most capacity frames, or unbounded
// when capacity is 0.
func NewQueue(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put inserts f, evicting the oldest frame first when the queue is full.
// It never blocks. Put on a closed queue is a no-op.
func (q *Queue) Put(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.capacity > 0 && q.len() >= q.capacity {
		q.pop()
		q.lost++
	}
	q.frames = append(q.frames, f)
	q.cond.Signal()
}

// Get blocks until a frame is available or timeout elapses. The second
// return value is false on timeout or when the queue was closed and
// drained; either way the stream has ended for the consumer.
func (q *Queue) Get(timeout time.Duration) (Frame, bool) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.len() == 0 {
		if q.closed || !time.Now().Before(deadline) {
			return Frame{}, false
		}
		q.cond.Wait()
	}
	return q.pop(), true
}

// Close wakes any blocked consumer. Frames already queued remain readable;
// subsequent Put calls are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of frames currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len()
}

// Lost returns how many frames were evicted under backpressure.
func (q *Queue) Lost() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lost
}

// Capacity returns the configured capacity (0 = unbounded).
func (q *Queue) Capacity() int { return q.capacity }

func (q *Queue) len() int { return len(q.frames) - q.head }

func (q *Queue) pop() Frame {
	f := q.frames[q.head]
	q.frames[q.head] = Frame{}
	q.head++
	// Compact once the dead prefix dominates so the backing array cannot
	// grow without bound on an unbounded queue.
	if q.head > 32 && q.head*2 >= len(q.frames) {
		n := copy(q.frames, q.frames[q.head:])
		q.frames = q.frames[:n]
		q.head = 0
	}
	return f
}
