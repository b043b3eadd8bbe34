package aggregator

import (
	"sort"

	"bookstream/models"
)

// DefaultDepth is the number of levels kept per side.
const DefaultDepth = 10

// Rank sorts asks ascending and bids descending, keeps the best depth levels
// of each side and tags them with the update's source. Equal prices keep their
// input order. The update is not modified.
//
// Spread is best ask minus best bid, or 0 when either side is empty.
func Rank(u models.BookUpdate, depth int) models.Summary {
	if depth <= 0 {
		depth = DefaultDepth
	}

	asks := rankSide(u.Source, u.Asks, depth, func(a, b float64) bool { return a < b })
	bids := rankSide(u.Source, u.Bids, depth, func(a, b float64) bool { return a > b })

	var spread float64
	if len(asks) > 0 && len(bids) > 0 {
		spread = asks[0].Price - bids[0].Price
	}

	return models.Summary{
		Spread: spread,
		Asks:   asks,
		Bids:   bids,
	}
}

func rankSide(src models.Source, levels []models.OfferLevel, depth int, less func(a, b float64) bool) []models.RankedLevel {
	sorted := make([]models.OfferLevel, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool {
		return less(sorted[i].Price, sorted[j].Price)
	})

	if len(sorted) > depth {
		sorted = sorted[:depth]
	}

	out := make([]models.RankedLevel, len(sorted))
	for i, l := range sorted {
		out[i] = models.RankedLevel{
			Source:   src,
			Price:    l.Price,
			Quantity: l.Quantity,
		}
	}
	return out
}
