package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Payload is a decoded, source-specific feed message. The set of
// implementations is closed: every feed gets exactly one type here and the
// rest of the pipeline only sees the BookUpdate produced by Normalize.
type Payload interface {
	Source() Source
	// Normalize converts the payload into a BookUpdate. It returns false when
	// the payload is not a book update (heartbeats, acks, empty books).
	Normalize(symbol string, receivedAt time.Time) (BookUpdate, bool)

	payload()
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BINANCE ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BinanceDepth mirrors Binance's partial book depth stream
// (<symbol>@depth<levels>@<speed>).
type BinanceDepth struct {
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []OfferLevel `json:"bids"`
	Asks         []OfferLevel `json:"asks"`
}

func (BinanceDepth) Source() Source { return SourceBinance }

func (BinanceDepth) payload() {}

func (p BinanceDepth) Normalize(symbol string, receivedAt time.Time) (BookUpdate, bool) {
	u := BookUpdate{
		Source:     SourceBinance,
		Symbol:     symbol,
		Asks:       p.Asks,
		Bids:       p.Bids,
		ReceivedAt: receivedAt,
	}
	return u, !u.Empty()
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BITSTAMP //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

const (
	BitstampEventData             = "data"
	BitstampEventSubscribe        = "bts:subscribe"
	BitstampEventUnsubscribe      = "bts:unsubscribe"
	BitstampEventSubscribed       = "bts:subscription_succeeded"
	BitstampEventHeartbeat        = "bts:heartbeat"
	BitstampEventRequestReconnect = "bts:request_reconnect"
)

// BitstampBook is the data section of an order_book channel event.
// Timestamp and the level arrays are absent on control events.
type BitstampBook struct {
	Timestamp      string       `json:"timestamp,omitempty"`
	Microtimestamp string       `json:"microtimestamp,omitempty"`
	Bids           []OfferLevel `json:"bids,omitempty"`
	Asks           []OfferLevel `json:"asks,omitempty"`
}

func (b *BitstampBook) UnmarshalJSON(data []byte) error {
	// control events such as bts:request_reconnect carry "" as data
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(`"`)) {
		*b = BitstampBook{}
		return nil
	}
	type plain BitstampBook
	return json.Unmarshal(data, (*plain)(b))
}

// BitstampMessage is the envelope of every Bitstamp websocket event.
type BitstampMessage struct {
	Event   string       `json:"event"`
	Channel string       `json:"channel"`
	Data    BitstampBook `json:"data"`
}

func (BitstampMessage) Source() Source { return SourceBitstamp }

func (BitstampMessage) payload() {}

func (p BitstampMessage) Normalize(symbol string, receivedAt time.Time) (BookUpdate, bool) {
	if p.Data.Timestamp == "" || p.Data.Bids == nil || p.Data.Asks == nil {
		return BookUpdate{}, false
	}
	u := BookUpdate{
		Source:     SourceBitstamp,
		Symbol:     symbol,
		Asks:       p.Data.Asks,
		Bids:       p.Data.Bids,
		ReceivedAt: receivedAt,
	}
	return u, !u.Empty()
}

// ReconnectRequested reports whether Bitstamp asked the client to reconnect.
func (p BitstampMessage) ReconnectRequested() bool {
	return p.Event == BitstampEventRequestReconnect
}

// BitstampControl is the subscribe/unsubscribe request sent by the client.
type BitstampControl struct {
	Event string              `json:"event"`
	Data  BitstampControlData `json:"data"`
}

type BitstampControlData struct {
	Channel string `json:"channel"`
}
