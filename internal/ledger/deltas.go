package ledger

import "stockledger/backend/internal/domain"

// direction is the stock sign a record kind applies per unit.
func direction(kind string) int {
	switch kind {
	case domain.KindSale, domain.ReturnKindPurchase:
		return -1
	case domain.KindPurchase, domain.ReturnKindSale:
		return 1
	default:
		return 0
	}
}

type deltaSet struct {
	order []string
	sum   map[string]int
}

func newDeltaSet() *deltaSet {
	return &deltaSet{sum: make(map[string]int)}
}

func (d *deltaSet) add(productID string, qty int) {
	if _, seen := d.sum[productID]; !seen {
		d.order = append(d.order, productID)
	}
	d.sum[productID] += qty
}

func (d *deltaSet) list() []domain.StockDelta {
	out := make([]domain.StockDelta, 0, len(d.order))
	for _, id := range d.order {
		if d.sum[id] == 0 {
			continue
		}
		out = append(out, domain.StockDelta{ProductID: id, Delta: d.sum[id]})
	}
	return out
}

// Deltas derives the stock movement of a sale or purchase: one entry per
// product in order of first appearance, zero entries dropped.
func Deltas(kind string, items []domain.LineItem) []domain.StockDelta {
	sign := direction(kind)
	set := newDeltaSet()
	for _, item := range items {
		set.add(item.ProductID, sign*item.Quantity)
	}
	return set.list()
}

// ReturnDeltas is Deltas for return lines; kind is a return kind.
func ReturnDeltas(kind string, lines []domain.ReturnLine) []domain.StockDelta {
	sign := direction(kind)
	set := newDeltaSet()
	for _, line := range lines {
		set.add(line.ProductID, sign*line.Quantity)
	}
	return set.list()
}

// EditDeltas is the movement that turns the effect of previous into the effect
// of next for the same transaction kind.
func EditDeltas(kind string, previous []domain.LineItem, next []domain.LineItem) []domain.StockDelta {
	sign := direction(kind)
	set := newDeltaSet()
	for _, item := range next {
		set.add(item.ProductID, sign*item.Quantity)
	}
	for _, item := range previous {
		set.add(item.ProductID, -sign*item.Quantity)
	}
	return set.list()
}
