package orderbook

import (
	"bytes"
	"reflect"
	"testing"

	"bookstream/models"
)

func TestDescriptorMatchesSchema(t *testing.T) {
	svc := File.Services().ByName("OrderbookAggregator")
	if svc == nil {
		t.Fatal("service OrderbookAggregator not found")
	}
	m := svc.Methods().ByName("BookSummary")
	if m == nil {
		t.Fatal("method BookSummary not found")
	}
	if !m.IsStreamingServer() || m.IsStreamingClient() {
		t.Error("BookSummary must be server streaming only")
	}
	if got := string(m.Output().FullName()); got != "orderbook.Summary" {
		t.Errorf("output = %s", got)
	}

	fields := map[string]int{
		"spread":       int(fdSpread.Number()),
		"bids":         int(fdBids.Number()),
		"asks":         int(fdAsks.Number()),
		"level amount": int(fdLevelAmount.Number()),
	}
	want := map[string]int{"spread": 1, "bids": 2, "asks": 3, "level amount": 3}
	if !reflect.DeepEqual(fields, want) {
		t.Errorf("field numbers = %v, want %v", fields, want)
	}
}

func TestSummaryWireEncoding(t *testing.T) {
	in := models.Summary{
		Spread: 7,
		Asks:   []models.RankedLevel{{Source: models.SourceBinance, Price: 60, Quantity: 5.5}},
		Bids: []models.RankedLevel{
			{Source: models.SourceBitstamp, Price: 53, Quantity: 1.5},
			{Source: models.SourceBinance, Price: 51, Quantity: 7.2},
		},
	}

	raw, err := FromModel(in).Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	out, err := UnmarshalSummary(raw)
	if err != nil {
		t.Fatalf("UnmarshalSummary: %v", err)
	}
	if out.Bids[0].Exchange != "bitstamp" {
		t.Errorf("exchange = %q, want bitstamp", out.Bids[0].Exchange)
	}
	if got := out.Model(); !reflect.DeepEqual(got, in) {
		t.Errorf("decoded %+v, want %+v", got, in)
	}
}

func TestSpreadFieldEncoding(t *testing.T) {
	// field 1, wire type 1 (64-bit), little-endian 1.0
	raw, err := (&Summary{Spread: 1}).Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if want := []byte{0x09, 0, 0, 0, 0, 0, 0, 0xf0, 0x3f}; !bytes.Equal(raw, want) {
		t.Errorf("encoded % x, want % x", raw, want)
	}
}
