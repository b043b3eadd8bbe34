package aggregator

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"bookstream/internal/bus"
	"bookstream/models"
)

func startSession(t *testing.T, b *bus.Bus, sink Sink) (*Session, context.CancelFunc, <-chan error) {
	t.Helper()
	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(sub, sink, SessionOptions{Kind: "test"})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return s, cancel, done
}

func publish(t *testing.T, b *bus.Bus, u models.BookUpdate) {
	t.Helper()
	if _, err := b.Publish(u); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

func TestSessionForwardsRankedSummaries(t *testing.T) {
	b := bus.New(16)
	sink := NewChanSink(4)
	s, cancel, done := startSession(t, b, sink)
	defer cancel()

	publish(t, b, models.BookUpdate{
		Source: models.SourceBinance,
		Asks:   levels(65, 1, 60, 1),
		Bids:   levels(50, 1, 53, 1),
	})

	select {
	case sum := <-sink.C():
		if got := prices(sum.Asks); !reflect.DeepEqual(got, []float64{60, 65}) {
			t.Errorf("asks = %v", got)
		}
		if sum.Spread != 7 {
			t.Errorf("spread = %v, want 7", sum.Spread)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no summary received")
	}
	if s.State() != StateActive {
		t.Errorf("state = %v, want active", s.State())
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}
	if s.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", s.State())
	}
	if s.Sent() != 1 {
		t.Errorf("sent = %d, want 1", s.Sent())
	}
}

func TestSessionEndsWhenBusCloses(t *testing.T) {
	b := bus.New(16)
	s, cancel, done := startSession(t, b, NewChanSink(1))
	defer cancel()

	b.Close()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run returned %v after bus close", err)
	}
	if s.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", s.State())
	}
}

func TestSessionEndsOnSinkFailure(t *testing.T) {
	b := bus.New(16)
	failing := SinkFunc(func(context.Context, models.Summary) error {
		return errors.New("stream reset")
	})
	s, cancel, done := startSession(t, b, failing)
	defer cancel()

	publish(t, b, models.BookUpdate{Source: models.SourceBitstamp, Asks: levels(1, 1)})

	if err := waitDone(t, done); !errors.Is(err, ErrSubscriberGone) {
		t.Fatalf("expected ErrSubscriberGone, got %v", err)
	}
	if s.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", s.State())
	}

	// the subscription is released, other publishers are unaffected
	if n := b.Stats().Subscribers; n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}

func TestSessionEndsWhenChanSinkClosed(t *testing.T) {
	b := bus.New(16)
	sink := NewChanSink(0)
	sink.Close()
	_, cancel, done := startSession(t, b, sink)
	defer cancel()

	publish(t, b, models.BookUpdate{Source: models.SourceBinance, Bids: levels(1, 1)})

	if err := waitDone(t, done); !errors.Is(err, ErrSubscriberGone) {
		t.Fatalf("expected ErrSubscriberGone, got %v", err)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	b := bus.New(16)
	failing := SinkFunc(func(context.Context, models.Summary) error { return ErrSubscriberGone })
	_, cancelA, doneA := startSession(t, b, failing)
	defer cancelA()
	healthy := NewChanSink(4)
	_, cancelB, doneB := startSession(t, b, healthy)
	defer cancelB()

	publish(t, b, models.BookUpdate{Source: models.SourceBinance, Asks: levels(1, 1)})
	if err := waitDone(t, doneA); !errors.Is(err, ErrSubscriberGone) {
		t.Fatalf("expected ErrSubscriberGone, got %v", err)
	}

	publish(t, b, models.BookUpdate{Source: models.SourceBinance, Asks: levels(2, 1)})

	for _, want := range []float64{1, 2} {
		select {
		case sum := <-healthy.C():
			if sum.Asks[0].Price != want {
				t.Errorf("best ask = %v, want %v", sum.Asks[0].Price, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("healthy session stalled")
		}
	}

	cancelB()
	if err := waitDone(t, doneB); err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}
}
