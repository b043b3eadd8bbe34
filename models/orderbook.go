package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Source identifies the upstream feed a book update came from.
type Source int

const (
	SourceUnknown Source = iota
	SourceBinance
	SourceBitstamp
)

var sourceNames = map[Source]string{
	SourceBinance:  "binance",
	SourceBitstamp: "bitstamp",
}

// Sources lists every known feed in declaration order.
func Sources() []Source {
	return []Source{SourceBinance, SourceBitstamp}
}

func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseSource maps a feed name (case-insensitive) to its Source.
func ParseSource(name string) (Source, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for src, n := range sourceNames {
		if n == name {
			return src, nil
		}
	}
	return SourceUnknown, fmt.Errorf("unknown source %q", name)
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(text []byte) error {
	src, err := ParseSource(string(text))
	if err != nil {
		return err
	}
	*s = src
	return nil
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// INBOUND ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// OfferLevel is a single price level as published by a feed.
// On the wire both feeds encode it as a ["price","quantity"] string pair.
type OfferLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

func (l *OfferLevel) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("offer level: %w", err)
	}
	if len(pair) < 2 {
		return fmt.Errorf("offer level: expected [price, quantity], got %d elements", len(pair))
	}
	price, err := parseFinite(pair[0])
	if err != nil {
		return fmt.Errorf("offer level price: %w", err)
	}
	qty, err := parseFinite(pair[1])
	if err != nil {
		return fmt.Errorf("offer level quantity: %w", err)
	}
	l.Price = price
	l.Quantity = qty
	return nil
}

func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

// BookUpdate is one self-contained batch of levels emitted by a single feed.
// It is never merged with other updates.
type BookUpdate struct {
	Source     Source       `json:"source"`
	Symbol     string       `json:"symbol"`
	Asks       []OfferLevel `json:"asks"`
	Bids       []OfferLevel `json:"bids"`
	ReceivedAt time.Time    `json:"received_at"`
}

// Empty reports whether the update carries no levels on either side.
func (u BookUpdate) Empty() bool {
	return len(u.Asks) == 0 && len(u.Bids) == 0
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// OUTBOUND //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// RankedLevel is a level retained after ranking, tagged with its origin.
type RankedLevel struct {
	Source   Source  `json:"exchange"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"amount"`
}

// Summary is the ranked, truncated view of one BookUpdate.
// Asks are ascending by price, bids descending.
type Summary struct {
	Spread float64       `json:"spread"`
	Asks   []RankedLevel `json:"asks"`
	Bids   []RankedLevel `json:"bids"`
}

// BestAsk returns the lowest ask, if any.
func (s Summary) BestAsk() (RankedLevel, bool) {
	if len(s.Asks) == 0 {
		return RankedLevel{}, false
	}
	return s.Asks[0], true
}

// BestBid returns the highest bid, if any.
func (s Summary) BestBid() (RankedLevel, bool) {
	if len(s.Bids) == 0 {
		return RankedLevel{}, false
	}
	return s.Bids[0], true
}
