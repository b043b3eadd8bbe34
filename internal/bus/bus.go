package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"bookstream/internal/metrics"
	"bookstream/logger"
	"bookstream/models"
)

var (
	ErrClosed        = errors.New("bus closed")
	ErrNoSubscribers = errors.New("bus has no subscribers")
)

// DefaultCapacity is the per-subscriber queue size used when none is given.
const DefaultCapacity = 1024

// Event is one published update stamped with its bus-wide sequence number.
type Event struct {
	Seq    uint64
	Update models.BookUpdate
}

type Stats struct {
	Published   uint64 `json:"published"`
	Undelivered uint64 `json:"undelivered"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Bus fans every published BookUpdate out to all current subscribers. Each
// subscriber owns a bounded queue; when it lags the oldest unread events are
// evicted so publishers never block.
type Bus struct {
	mu       sync.Mutex
	subs     map[uint64]*Subscription
	nextID   uint64
	seq      uint64
	capacity int
	closed   bool
	stats    Stats

	limiter *rate.Limiter
	log     *logger.Log
}

type Option func(*Bus)

// WithDropLogInterval limits lag warnings to one per interval.
func WithDropLogInterval(d time.Duration) Option {
	return func(b *Bus) {
		b.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

func New(capacity int, opts ...Option) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		subs:     make(map[uint64]*Subscription),
		capacity: capacity,
		limiter:  rate.NewLimiter(rate.Every(5*time.Second), 1),
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.log.WithComponent("bus").WithFields(logger.Fields{
		"capacity": capacity,
	}).Info("distribution bus initialized")
	return b
}

// Publish delivers u to every current subscriber and returns how many were
// reached. The whole fan-out happens under the bus lock, so a concurrent
// Subscribe sees either all of it or none of it.
func (b *Bus) Publish(u models.BookUpdate) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	if len(b.subs) == 0 {
		b.stats.Undelivered++
		return 0, ErrNoSubscribers
	}

	b.seq++
	ev := Event{Seq: b.seq, Update: u}
	for _, s := range b.subs {
		if s.queue.push(ev) {
			s.dropped.Add(1)
			b.stats.Dropped++
			metrics.BusDropped.Inc()
			if b.limiter.Allow() {
				b.log.WithComponent("bus").WithFields(logger.Fields{
					"subscriber": s.id,
					"dropped":    s.dropped.Load(),
					"capacity":   b.capacity,
				}).Warn("subscriber lagging, dropping oldest events")
			}
		}
	}
	b.stats.Published++
	metrics.BusPublished.Inc()
	return len(b.subs), nil
}

// Subscribe returns a handle observing events published after this call.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	s := &Subscription{
		id:    b.nextID,
		bus:   b,
		queue: newRing(b.capacity),
	}
	b.subs[s.id] = s
	b.stats.Subscribers = len(b.subs)
	metrics.BusSubscribers.Set(float64(len(b.subs)))
	return s, nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	b.stats.Subscribers = len(b.subs)
	metrics.BusSubscribers.Set(float64(len(b.subs)))
}

// Close stops accepting events. Subscribers drain what is queued and then
// receive ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.stats.Subscribers = 0
	b.mu.Unlock()

	for _, s := range subs {
		s.queue.close()
	}
	metrics.BusSubscribers.Set(0)
	b.log.WithComponent("bus").Info("distribution bus closed")
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Subscription is a single consumer's view of the bus. It must be used by one
// goroutine at a time.
type Subscription struct {
	id      uint64
	bus     *Bus
	queue   *ring
	dropped atomic.Uint64
	once    sync.Once
}

func (s *Subscription) ID() uint64 { return s.id }

// Recv blocks until an event is available, the bus is closed and drained, the
// subscription is closed or ctx is done.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	for {
		ev, ok, closed := s.queue.pop()
		if ok {
			return ev, nil
		}
		if closed {
			return Event{}, ErrClosed
		}
		select {
		case <-s.queue.ready:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Pending is the number of queued, unread events.
func (s *Subscription) Pending() int {
	return s.queue.len()
}

// Dropped is the number of events evicted from this subscription's queue.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus. Recv still returns events
// queued before Close, then ErrClosed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		s.queue.close()
	})
}
