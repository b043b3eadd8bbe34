package bus

import "sync"

// ring is a bounded FIFO that evicts the oldest element when full.
type ring struct {
	mu     sync.Mutex
	buf    []Event
	head   int
	size   int
	closed bool
	ready  chan struct{}
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{
		buf:   make([]Event, capacity),
		ready: make(chan struct{}, 1),
	}
}

// push appends e and reports whether an older event had to be evicted.
func (r *ring) push(e Event) (evicted bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if r.size == len(r.buf) {
		r.buf[r.head] = Event{}
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		evicted = true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = e
	r.size++
	r.mu.Unlock()
	r.signal()
	return evicted
}

// pop removes the oldest event. ok is false when the ring is empty.
func (r *ring) pop() (e Event, ok bool, closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return Event{}, false, r.closed
	}
	e = r.buf[r.head]
	r.buf[r.head] = Event{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return e, true, r.closed
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *ring) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.signal()
}

func (r *ring) signal() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}
