package bitstamp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"bookstream/config"
	"bookstream/models"
	"bookstream/reader"
	"bookstream/reader/readertest"
)

type collector struct {
	mu      sync.Mutex
	updates []models.BookUpdate
}

func (c *collector) Publish(u models.BookUpdate) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
	return 1, nil
}

func (c *collector) first() models.BookUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates[0]
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

func decodeControl(t *testing.T, raw []byte) models.BitstampControl {
	t.Helper()
	var msg models.BitstampControl
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode control message %s: %v", raw, err)
	}
	return msg
}

func TestControlMessages(t *testing.T) {
	c := NewCodec(config.BitstampSourceConfig{})
	if got := c.Endpoint("ethbtc"); got != "wss://ws.bitstamp.net" {
		t.Fatalf("endpoint = %s", got)
	}

	sub := decodeControl(t, c.SubscribeMessage("ETHBTC"))
	if sub.Event != models.BitstampEventSubscribe || sub.Data.Channel != "order_book_ethbtc" {
		t.Errorf("unexpected subscribe message: %+v", sub)
	}

	unsub := decodeControl(t, c.UnsubscribeMessage("ethbtc"))
	if unsub.Event != models.BitstampEventUnsubscribe || unsub.Data.Channel != "order_book_ethbtc" {
		t.Errorf("unexpected unsubscribe message: %+v", unsub)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	c := NewCodec(config.BitstampSourceConfig{})
	for _, raw := range []string{`nope`, `{"channel":"x"}`, `{"event":"data","data":{"bids":[["a","b"]]}}`} {
		if _, err := c.Decode([]byte(raw)); !errors.Is(err, reader.ErrDecode) {
			t.Errorf("%s: expected ErrDecode, got %v", raw, err)
		}
	}
}

func nextMessage(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no control message from reader")
		return ""
	}
}

func TestReaderAgainstFeed(t *testing.T) {
	srv := readertest.NewServer(
		`{"event":"bts:subscription_succeeded","channel":"order_book_ethbtc","data":{}}`,
		`{"event":"bts:heartbeat","channel":"","data":{"status":"success"}}`,
		`{"event":"data","channel":"order_book_ethbtc","data":{"timestamp":"1643643584","microtimestamp":"1643643584684047","bids":[["0.0712","1"]],"asks":[["0.0713","2"]]}}`,
	)
	defer srv.Close()

	pub := &collector{}
	r := reader.New(NewCodec(config.BitstampSourceConfig{URL: srv.URL()}), pub, reader.Options{Symbol: "ethbtc"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	sub := decodeControl(t, []byte(nextMessage(t, srv.Received)))
	if sub.Event != models.BitstampEventSubscribe || sub.Data.Channel != "order_book_ethbtc" {
		t.Errorf("unexpected subscribe message: %+v", sub)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 update, got %d", pub.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hb := r.Stats().Heartbeats; hb != 2 {
		t.Errorf("heartbeats = %d, want 2", hb)
	}
	if src := pub.first().Source; src != models.SourceBitstamp {
		t.Errorf("source = %v, want bitstamp", src)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}

	if msg := nextMessage(t, srv.Received); !strings.Contains(msg, "bts:unsubscribe") {
		t.Errorf("expected unsubscribe, got %s", msg)
	}
}

func TestReconnectRequestEndsConnection(t *testing.T) {
	srv := readertest.NewServer(`{"event":"bts:request_reconnect","channel":"","data":""}`)
	defer srv.Close()

	r := reader.New(NewCodec(config.BitstampSourceConfig{URL: srv.URL()}), &collector{}, reader.Options{Symbol: "ethbtc"})
	if err := r.Run(context.Background()); !errors.Is(err, reader.ErrReconnectRequested) {
		t.Fatalf("expected ErrReconnectRequested, got %v", err)
	}
}
