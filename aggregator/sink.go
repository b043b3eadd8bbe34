package aggregator

import (
	"context"
	"errors"
	"sync"

	"bookstream/models"
)

// ErrSubscriberGone is returned when the outbound side of a session can no
// longer accept summaries.
var ErrSubscriberGone = errors.New("subscriber gone")

// Sink is the outbound handle of a session.
type Sink interface {
	Send(ctx context.Context, s models.Summary) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, s models.Summary) error

func (f SinkFunc) Send(ctx context.Context, s models.Summary) error { return f(ctx, s) }

// ChanSink is a bounded channel between a session and a transport goroutine.
// Send blocks while the buffer is full and fails once the sink is closed.
type ChanSink struct {
	ch     chan models.Summary
	done   chan struct{}
	closed sync.Once
}

func NewChanSink(buffer int) *ChanSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChanSink{
		ch:   make(chan models.Summary, buffer),
		done: make(chan struct{}),
	}
}

func (c *ChanSink) Send(ctx context.Context, s models.Summary) error {
	select {
	case <-c.done:
		return ErrSubscriberGone
	default:
	}
	select {
	case c.ch <- s:
		return nil
	case <-c.done:
		return ErrSubscriberGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C is the receive side read by the transport.
func (c *ChanSink) C() <-chan models.Summary { return c.ch }

// Close marks the receiver as gone. Pending and future sends fail.
func (c *ChanSink) Close() {
	c.closed.Do(func() { close(c.done) })
}
