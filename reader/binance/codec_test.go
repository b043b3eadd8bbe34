package binance

import (
	"errors"
	"testing"
	"time"

	"bookstream/config"
	"bookstream/models"
	"bookstream/reader"
)

func TestEndpoint(t *testing.T) {
	c := NewCodec(config.BinanceSourceConfig{URL: "wss://stream.binance.com:9443/"})
	want := "wss://stream.binance.com:9443/ws/ethbtc@depth20@100ms"
	if got := c.Endpoint("ETHBTC"); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if c.SubscribeMessage("ethbtc") != nil || c.UnsubscribeMessage("ethbtc") != nil {
		t.Fatal("binance has no control handshake")
	}
}

func TestDecode(t *testing.T) {
	c := NewCodec(config.BinanceSourceConfig{})
	p, err := c.Decode([]byte(`{"lastUpdateId":160,"bids":[["0.0024","10"]],"asks":[["0.0026","100"]]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Source() != models.SourceBinance {
		t.Fatalf("unexpected source %v", p.Source())
	}
	u, ok := p.Normalize("ethbtc", time.Now())
	if !ok || len(u.Asks) != 1 || u.Bids[0].Quantity != 10 {
		t.Fatalf("unexpected update: %+v", u)
	}

	if _, err := c.Decode([]byte(`{"bids":[["x","1"]]}`)); !errors.Is(err, reader.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}
