package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bookstream/internal/bus"
	"bookstream/models"
	"bookstream/reader/readertest"
)

type testCodec struct {
	url   string
	sub   []byte
	unsub []byte
}

func (testCodec) Source() models.Source { return models.SourceBinance }

func (c testCodec) Endpoint(string) string { return c.url }

func (c testCodec) SubscribeMessage(string) []byte { return c.sub }

func (c testCodec) UnsubscribeMessage(string) []byte { return c.unsub }

func (testCodec) Decode(raw []byte) (models.Payload, error) {
	var d models.BinanceDepth
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return d, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []models.BookUpdate
	err     error
}

func (p *recordingPublisher) Publish(u models.BookUpdate) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.updates = append(p.updates, u)
	return 1, nil
}

func (p *recordingPublisher) Updates() []models.BookUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.BookUpdate(nil), p.updates...)
}

func depthFrame(ask float64) string {
	return fmt.Sprintf(`{"lastUpdateId":1,"bids":[["1.0","2"]],"asks":[["%g","3"]]}`, ask)
}

func runReader(t *testing.T, r *Reader) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("reader did not return")
		return nil
	}
}

func TestReaderPublishesAndSkipsMalformed(t *testing.T) {
	srv := readertest.NewServer(depthFrame(2), "not json", `{"lastUpdateId":2,"bids":[],"asks":[]}`, depthFrame(3))
	defer srv.Close()

	pub := &recordingPublisher{}
	r := New(testCodec{url: srv.URL()}, pub, Options{Symbol: "ethbtc"})
	cancel, done := runReader(t, r)

	waitFor(t, 2*time.Second, func() bool { return len(pub.Updates()) == 2 }, "two published updates")
	if !r.Connected() {
		t.Error("reader should report connected")
	}

	updates := pub.Updates()
	if updates[0].Asks[0].Price != 2 || updates[1].Asks[0].Price != 3 {
		t.Errorf("unexpected ask prices: %v, %v", updates[0].Asks, updates[1].Asks)
	}
	if updates[0].Source != models.SourceBinance || updates[0].Symbol != "ethbtc" {
		t.Errorf("unexpected update header: %+v", updates[0])
	}

	want := Stats{Received: 4, DecodeErrors: 1, Heartbeats: 1, Published: 2}
	if stats := r.Stats(); stats.Received != want.Received || stats.DecodeErrors != want.DecodeErrors ||
		stats.Heartbeats != want.Heartbeats || stats.Published != want.Published {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}
	if r.Connected() {
		t.Error("reader should report disconnected after stop")
	}
}

func TestReaderKeepsReadingWithoutSubscribers(t *testing.T) {
	srv := readertest.NewServer(depthFrame(1), depthFrame(2), depthFrame(3))
	defer srv.Close()

	pub := &recordingPublisher{err: bus.ErrNoSubscribers}
	r := New(testCodec{url: srv.URL()}, pub, Options{Symbol: "ethbtc", PublishWarnThreshold: 2})
	cancel, done := runReader(t, r)

	waitFor(t, 2*time.Second, func() bool { return r.Stats().PublishFailures == 3 }, "three publish failures")
	if !r.Connected() {
		t.Error("reader should stay connected without subscribers")
	}

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}
}

func TestReaderStopsWhenBusClosed(t *testing.T) {
	srv := readertest.NewServer(depthFrame(1))
	defer srv.Close()

	pub := &recordingPublisher{err: bus.ErrClosed}
	r := New(testCodec{url: srv.URL()}, pub, Options{Symbol: "ethbtc"})
	_, done := runReader(t, r)

	if err := waitErr(t, done); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected bus.ErrClosed, got %v", err)
	}
}

func expectMessage(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case msg := <-ch:
		if msg != want {
			t.Fatalf("server received %q, want %q", msg, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s message", want)
	}
}

func TestReaderSubscribesAndUnsubscribes(t *testing.T) {
	srv := readertest.NewServer()
	defer srv.Close()

	codec := testCodec{url: srv.URL(), sub: []byte("subscribe"), unsub: []byte("unsubscribe")}
	r := New(codec, &recordingPublisher{}, Options{Symbol: "ethbtc"})
	cancel, done := runReader(t, r)

	expectMessage(t, srv.Received, "subscribe")

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}

	expectMessage(t, srv.Received, "unsubscribe")
}

func TestReaderTransportErrors(t *testing.T) {
	srv := readertest.NewServer()
	url := srv.URL()
	srv.Close()

	r := New(testCodec{url: url}, &recordingPublisher{}, Options{Symbol: "ethbtc", HandshakeTimeout: time.Second})
	err := r.Run(context.Background())

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.Op != "dial" || te.Source != models.SourceBinance {
		t.Errorf("unexpected transport error: %+v", te)
	}

	closing := readertest.NewClosingServer(depthFrame(1))
	defer closing.Close()
	r = New(testCodec{url: closing.URL()}, &recordingPublisher{}, Options{Symbol: "ethbtc"})
	err = r.Run(context.Background())
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.Op != "read" {
		t.Errorf("op = %q, want read", te.Op)
	}
}

func TestReaderReadTimeout(t *testing.T) {
	srv := readertest.NewServer()
	defer srv.Close()

	r := New(testCodec{url: srv.URL()}, &recordingPublisher{}, Options{Symbol: "ethbtc", ReadTimeout: 50 * time.Millisecond})
	_, done := runReader(t, r)

	var te *TransportError
	if err := waitErr(t, done); !errors.As(err, &te) || te.Op != "read" {
		t.Fatalf("expected read TransportError, got %v", err)
	}
}
