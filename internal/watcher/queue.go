package watcher

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

// SourceRecord couples a raw record with its opaque position token and the
// producer-assigned sequence number used for in-order commits.
type SourceRecord struct {
	Seq      uint64
	Record   core.RawRecord
	Position []byte
}

// Queue is a bounded FIFO with drop-oldest backpressure. One producer,
// any number of consumers.
type Queue struct {
	mu     sync.Mutex
	items  []SourceRecord
	head   int
	count  int
	closed bool

	dropped uint64
	wakeup  chan struct{}
	done    chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:  make([]SourceRecord, capacity),
		wakeup: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push enqueues a record. At capacity the oldest record is dropped and the
// drop counter incremented.
func (q *Queue) Push(rec SourceRecord) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.count == len(q.items) {
		q.head = (q.head + 1) % len(q.items)
		q.count--
		atomic.AddUint64(&q.dropped, 1)
	}
	q.items[(q.head+q.count)%len(q.items)] = rec
	q.count++
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// Pop dequeues the oldest record, blocking until one is available, the
// queue is closed and drained, or the context ends.
func (q *Queue) Pop(ctx context.Context) (SourceRecord, bool) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			rec := q.items[q.head]
			q.items[q.head] = SourceRecord{}
			q.head = (q.head + 1) % len(q.items)
			q.count--
			remaining := q.count
			q.mu.Unlock()

			if remaining > 0 {
				select {
				case q.wakeup <- struct{}{}:
				default:
				}
			}
			return rec, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return SourceRecord{}, false
		}
		select {
		case <-q.wakeup:
		case <-q.done:
		case <-ctx.Done():
			return SourceRecord{}, false
		}
	}
}

// Close stops accepting new records. Consumers drain what remains, then
// Pop returns false.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns the number of records dropped at capacity.
func (q *Queue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}
