package agent

import (
	"errors"
	"sync"
	"time"
)

// DefaultQueueCapacity is used when a profile gives no queue size.
const DefaultQueueCapacity = 4

// ErrBusy is returned when a profile's queue is at capacity. The caller
// gets an immediate rejection rather than an unbounded buffer.
var ErrBusy = errors.New("agent profile is busy")

// queuedRequest is a request waiting for its profile to free up.
type queuedRequest struct {
	req        Request
	enqueuedAt time.Time
}

// requestQueue is a thread-safe bounded FIFO of pending requests for one
// profile.
type requestQueue struct {
	entries  []queuedRequest
	mu       sync.Mutex
	capacity int
}

func newRequestQueue(capacity int) *requestQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &requestQueue{
		entries:  make([]queuedRequest, 0),
		capacity: capacity,
	}
}

// Enqueue adds a request to the back of the queue.
// Returns ErrBusy if the queue is at capacity.
func (q *requestQueue) Enqueue(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		return ErrBusy
	}

	q.entries = append(q.entries, queuedRequest{req: req, enqueuedAt: time.Now()})
	return nil
}

// Dequeue removes and returns the request at the front of the queue.
// Returns (zero value, false) if the queue is empty.
func (q *requestQueue) Dequeue() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Request{}, false
	}

	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry.req, true
}

// Remove deletes the queued request with the given id, if present.
func (q *requestQueue) Remove(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, entry := range q.entries {
		if entry.req.ID == requestID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the current number of queued requests.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Clear drops all queued requests and returns them.
func (q *requestQueue) Clear() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := make([]Request, 0, len(q.entries))
	for _, entry := range q.entries {
		dropped = append(dropped, entry.req)
	}
	q.entries = q.entries[:0]
	return dropped
}
