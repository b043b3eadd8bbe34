package bus

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"bookstream/models"
)

func update(src models.Source, price float64) models.BookUpdate {
	return models.BookUpdate{
		Source: src,
		Symbol: "ethbtc",
		Asks:   []models.OfferLevel{{Price: price, Quantity: 1}},
	}
}

func recvN(t *testing.T, s *Subscription, n int) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := s.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d of %d: %v", i+1, n, err)
		}
		out = append(out, ev)
	}
	return out
}

func subscribe(t *testing.T, b *Bus) *Subscription {
	t.Helper()
	s, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return s
}

func mustPublish(t *testing.T, b *Bus, u models.BookUpdate) int {
	t.Helper()
	n, err := b.Publish(u)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return n
}

func askPrice(ev Event) float64 {
	return ev.Update.Asks[0].Price
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New(4)
	n, err := b.Publish(update(models.SourceBinance, 1))
	if !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("expected ErrNoSubscribers, got %v", err)
	}
	if n != 0 {
		t.Errorf("delivered to %d subscribers", n)
	}
	if u := b.Stats().Undelivered; u != 1 {
		t.Errorf("undelivered = %d, want 1", u)
	}
}

func TestSubscribeDoesNotReplay(t *testing.T) {
	b := New(8)
	early := subscribe(t, b)
	mustPublish(t, b, update(models.SourceBinance, 1))

	late := subscribe(t, b)
	if n := mustPublish(t, b, update(models.SourceBinance, 2)); n != 2 {
		t.Fatalf("delivered to %d subscribers, want 2", n)
	}

	if got := recvN(t, late, 1); askPrice(got[0]) != 2 {
		t.Errorf("late subscriber saw %v first, want 2", askPrice(got[0]))
	}
	if p := late.Pending(); p != 0 {
		t.Errorf("late subscriber has %d pending", p)
	}

	got := recvN(t, early, 2)
	if askPrice(got[0]) != 1 || askPrice(got[1]) != 2 {
		t.Errorf("early subscriber saw %v, %v", askPrice(got[0]), askPrice(got[1]))
	}
}

func TestDropOldestKeepsNewest(t *testing.T) {
	b := New(3)
	s := subscribe(t, b)

	for i := 1; i <= 5; i++ {
		mustPublish(t, b, update(models.SourceBitstamp, float64(i)))
	}

	if d := s.Dropped(); d != 2 {
		t.Errorf("subscription dropped %d, want 2", d)
	}
	if d := b.Stats().Dropped; d != 2 {
		t.Errorf("bus dropped %d, want 2", d)
	}

	for i, ev := range recvN(t, s, 3) {
		if askPrice(ev) != float64(i+3) {
			t.Errorf("event %d has price %v, want %v", i, askPrice(ev), i+3)
		}
	}
}

func TestSequenceStrictlyIncreases(t *testing.T) {
	b := New(64)
	s := subscribe(t, b)

	for i := 0; i < 50; i++ {
		mustPublish(t, b, update(models.SourceBinance, float64(i)))
	}

	var last uint64
	for _, ev := range recvN(t, s, 50) {
		if ev.Seq <= last {
			t.Fatalf("seq %d not after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestConcurrentSubscribersSeeSameOrder(t *testing.T) {
	b := New(DefaultCapacity)
	subs := make([]*Subscription, 2)
	var wg sync.WaitGroup
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := b.Subscribe()
			if err != nil {
				t.Errorf("Subscribe: %v", err)
				return
			}
			subs[i] = s
		}(i)
	}
	wg.Wait()
	if subs[0] == nil || subs[1] == nil {
		t.FailNow()
	}

	const perSource = 200
	for _, src := range models.Sources() {
		wg.Add(1)
		go func(src models.Source) {
			defer wg.Done()
			for i := 0; i < perSource; i++ {
				if _, err := b.Publish(update(src, float64(i))); err != nil {
					t.Errorf("Publish %s #%d: %v", src, i, err)
					return
				}
			}
		}(src)
	}
	wg.Wait()

	var sequences [2][]uint64
	for i, s := range subs {
		next := map[models.Source]float64{}
		for _, ev := range recvN(t, s, perSource*len(models.Sources())) {
			src := ev.Update.Source
			if askPrice(ev) != next[src] {
				t.Fatalf("out of order for %s: got %v, want %v", src, askPrice(ev), next[src])
			}
			next[src]++
			sequences[i] = append(sequences[i], ev.Seq)
		}
	}
	if !reflect.DeepEqual(sequences[0], sequences[1]) {
		t.Error("subscribers observed different event orders")
	}
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	b := New(4)
	s := subscribe(t, b)
	mustPublish(t, b, update(models.SourceBinance, 1))
	b.Close()

	if _, err := b.Publish(update(models.SourceBinance, 2)); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after close: %v", err)
	}
	if _, err := b.Subscribe(); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after close: %v", err)
	}

	if got := recvN(t, s, 1); askPrice(got[0]) != 1 {
		t.Errorf("drained price %v, want 1", askPrice(got[0]))
	}

	if _, err := s.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Recv after drain: %v", err)
	}
}

func TestRecvUnblocksOnPublishAndCancel(t *testing.T) {
	b := New(4)
	s := subscribe(t, b)

	done := make(chan Event, 1)
	go func() {
		ev, err := s.Recv(context.Background())
		if err == nil {
			done <- ev
		}
	}()
	time.Sleep(10 * time.Millisecond)
	mustPublish(t, b, update(models.SourceBinance, 7))

	select {
	case ev := <-done:
		if askPrice(ev) != 7 {
			t.Errorf("price %v, want 7", askPrice(ev))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not wake up")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSubscriptionCloseRemovesFromFanOut(t *testing.T) {
	b := New(4)
	s := subscribe(t, b)
	if n := b.Stats().Subscribers; n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}

	s.Close()
	s.Close()
	if n := b.Stats().Subscribers; n != 0 {
		t.Errorf("subscribers = %d after close, want 0", n)
	}

	if _, err := b.Publish(update(models.SourceBinance, 1)); !errors.Is(err, ErrNoSubscribers) {
		t.Errorf("expected ErrNoSubscribers, got %v", err)
	}
	if _, err := s.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
