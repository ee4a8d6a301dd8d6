package engine

import "sync"

// readyQueue is the dispatcher's FIFO of envelopes awaiting dispatch.
//
// The queue is unbounded so consumers can send follow-on envelopes from
// inside their callbacks without blocking the dispatcher. It has its own
// mutex, independent of the timer set, and supports removal of an
// arbitrary envelope for recall.
type readyQueue struct {
	mu     sync.Mutex
	items  []*Envelope
	closed bool
}

// newReadyQueue creates an empty ready queue.
func newReadyQueue() *readyQueue {
	return &readyQueue{
		items: make([]*Envelope, 0, 64),
	}
}

// push appends an envelope. Returns false if the queue is closed.
func (q *readyQueue) push(ev *Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, ev)
	return true
}

// pop removes and returns the front envelope.
// Returns (nil, false) if the queue is empty.
func (q *readyQueue) pop() (*Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	ev := q.items[0]
	// Clear the slot so the backing array does not pin released envelopes.
	q.items[0] = nil
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return ev, true
}

// remove takes ev out of the queue if present, preserving the order of
// the remaining envelopes.
func (q *readyQueue) remove(ev *Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item != ev {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = nil
		q.items = q.items[:len(q.items)-1]
		return true
	}
	return false
}

// len returns the current queue length.
func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close rejects further pushes and returns whatever was still queued.
func (q *readyQueue) close() []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}
