package broadcast

import "sync"

// Close reasons reported by Queue.Reason.
const (
	ReasonUnregistered = "unregistered"
	ReasonEvicted      = "observer too slow"
	ReasonShutdown     = "server shutting down"
)

// Queue buffers serialized records for one observer. The bus pushes, the
// observer's writer drains.
type Queue struct {
	mu     sync.Mutex
	items  [][]byte
	limit  int
	reason string
	closed chan struct{}
}

func newQueue(limit int) *Queue {
	return &Queue{limit: limit, closed: make(chan struct{})}
}

// push appends data. It reports false when the queue is full or closed.
func (q *Queue) push(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reason != "" || len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, data)
	return true
}

// Drain removes and returns everything buffered, oldest first.
func (q *Queue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len is the number of buffered records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed is closed once the bus drops the observer.
func (q *Queue) Closed() <-chan struct{} { return q.closed }

// Reason explains why the queue was closed, or "" while it is open.
func (q *Queue) Reason() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reason
}

// close discards buffered records and marks the queue closed.
func (q *Queue) close(reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reason != "" {
		return
	}
	q.reason = reason
	q.items = nil
	close(q.closed)
}
