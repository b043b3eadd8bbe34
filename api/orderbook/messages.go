// Package orderbook holds the OrderbookAggregator RPC schema and its Go
// message types.
package orderbook

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"bookstream/models"
)

type Empty struct{}

type Level struct {
	Exchange string
	Price    float64
	Amount   float64
}

type Summary struct {
	Spread float64
	Bids   []*Level
	Asks   []*Level
}

// FromModel converts a ranked summary to its wire form.
func FromModel(s models.Summary) *Summary {
	return &Summary{
		Spread: s.Spread,
		Bids:   levelsFromModel(s.Bids),
		Asks:   levelsFromModel(s.Asks),
	}
}

func levelsFromModel(in []models.RankedLevel) []*Level {
	out := make([]*Level, len(in))
	for i, l := range in {
		out[i] = &Level{Exchange: l.Source.String(), Price: l.Price, Amount: l.Quantity}
	}
	return out
}

// Model converts back to the domain type. Unknown exchange names map to
// models.SourceUnknown.
func (s *Summary) Model() models.Summary {
	return models.Summary{
		Spread: s.Spread,
		Bids:   levelsToModel(s.Bids),
		Asks:   levelsToModel(s.Asks),
	}
}

func levelsToModel(in []*Level) []models.RankedLevel {
	out := make([]models.RankedLevel, len(in))
	for i, l := range in {
		src, _ := models.ParseSource(l.Exchange)
		out[i] = models.RankedLevel{Source: src, Price: l.Price, Quantity: l.Amount}
	}
	return out
}

func (s *Summary) message() *dynamicpb.Message {
	m := dynamicpb.NewMessage(summaryDesc)
	m.Set(fdSpread, protoreflect.ValueOfFloat64(s.Spread))
	appendLevels(m.Mutable(fdBids).List(), s.Bids)
	appendLevels(m.Mutable(fdAsks).List(), s.Asks)
	return m
}

func appendLevels(list protoreflect.List, levels []*Level) {
	for _, l := range levels {
		lm := dynamicpb.NewMessage(levelDesc)
		lm.Set(fdExchange, protoreflect.ValueOfString(l.Exchange))
		lm.Set(fdPrice, protoreflect.ValueOfFloat64(l.Price))
		lm.Set(fdLevelAmount, protoreflect.ValueOfFloat64(l.Amount))
		list.Append(protoreflect.ValueOfMessage(lm))
	}
}

func summaryFromMessage(m protoreflect.Message) *Summary {
	return &Summary{
		Spread: m.Get(fdSpread).Float(),
		Bids:   levelsFromList(m.Get(fdBids).List()),
		Asks:   levelsFromList(m.Get(fdAsks).List()),
	}
}

func levelsFromList(list protoreflect.List) []*Level {
	out := make([]*Level, list.Len())
	for i := 0; i < list.Len(); i++ {
		lm := list.Get(i).Message()
		out[i] = &Level{
			Exchange: lm.Get(fdExchange).String(),
			Price:    lm.Get(fdPrice).Float(),
			Amount:   lm.Get(fdLevelAmount).Float(),
		}
	}
	return out
}

// Marshal encodes s in the protobuf wire format.
func (s *Summary) Marshal() ([]byte, error) {
	return proto.Marshal(s.message())
}

// UnmarshalSummary decodes a protobuf encoded Summary.
func UnmarshalSummary(b []byte) (*Summary, error) {
	m := dynamicpb.NewMessage(summaryDesc)
	if err := proto.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return summaryFromMessage(m), nil
}
