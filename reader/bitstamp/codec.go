// Package bitstamp decodes Bitstamp order_book channel events.
package bitstamp

import (
	"encoding/json"
	"fmt"
	"strings"

	"bookstream/config"
	"bookstream/models"
	"bookstream/reader"
)

const defaultURL = "wss://ws.bitstamp.net"

// Codec subscribes to order_book_<symbol> after connecting and unsubscribes
// before closing.
type Codec struct {
	URL string
}

func NewCodec(cfg config.BitstampSourceConfig) Codec {
	c := Codec{URL: cfg.URL}
	if c.URL == "" {
		c.URL = defaultURL
	}
	return c
}

// Channel is the order book channel name for symbol.
func Channel(symbol string) string {
	return "order_book_" + strings.ToLower(symbol)
}

func (Codec) Source() models.Source { return models.SourceBitstamp }

func (c Codec) Endpoint(string) string { return c.URL }

func (Codec) SubscribeMessage(symbol string) []byte {
	return control(models.BitstampEventSubscribe, symbol)
}

func (Codec) UnsubscribeMessage(symbol string) []byte {
	return control(models.BitstampEventUnsubscribe, symbol)
}

func control(event, symbol string) []byte {
	msg, _ := json.Marshal(models.BitstampControl{
		Event: event,
		Data:  models.BitstampControlData{Channel: Channel(symbol)},
	})
	return msg
}

func (Codec) Decode(raw []byte) (models.Payload, error) {
	var msg models.BitstampMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: bitstamp event: %v", reader.ErrDecode, err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("%w: bitstamp event: missing event name", reader.ErrDecode)
	}
	return msg, nil
}

var _ reader.Codec = Codec{}
