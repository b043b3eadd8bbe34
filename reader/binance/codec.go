// Package binance decodes Binance partial book depth streams.
package binance

import (
	"encoding/json"
	"fmt"
	"strings"

	"bookstream/config"
	"bookstream/models"
	"bookstream/reader"
)

const (
	defaultURL   = "wss://stream.binance.com:9443"
	defaultDepth = "depth20"
	defaultSpeed = "100ms"
)

// Codec subscribes through the URL path (<symbol>@<depth>@<speed>); there is
// no control handshake.
type Codec struct {
	BaseURL string
	Depth   string
	Speed   string
}

func NewCodec(cfg config.BinanceSourceConfig) Codec {
	c := Codec{BaseURL: cfg.URL, Depth: cfg.Depth, Speed: cfg.Speed}
	if c.BaseURL == "" {
		c.BaseURL = defaultURL
	}
	if c.Depth == "" {
		c.Depth = defaultDepth
	}
	if c.Speed == "" {
		c.Speed = defaultSpeed
	}
	return c
}

func (Codec) Source() models.Source { return models.SourceBinance }

func (c Codec) Endpoint(symbol string) string {
	return fmt.Sprintf("%s/ws/%s@%s@%s", strings.TrimSuffix(c.BaseURL, "/"), strings.ToLower(symbol), c.Depth, c.Speed)
}

func (Codec) SubscribeMessage(string) []byte { return nil }

func (Codec) UnsubscribeMessage(string) []byte { return nil }

func (Codec) Decode(raw []byte) (models.Payload, error) {
	var depth models.BinanceDepth
	if err := json.Unmarshal(raw, &depth); err != nil {
		return nil, fmt.Errorf("%w: binance depth: %v", reader.ErrDecode, err)
	}
	return depth, nil
}

var _ reader.Codec = Codec{}
