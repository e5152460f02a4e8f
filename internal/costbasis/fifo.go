package costbasis

import (
	"sort"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

// dust below which a lot counts as consumed
var dust = decimal.New(1, -8)

type Lot struct {
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
}

// Book replays executions into a FIFO lot queue.
type Book struct {
	base  string
	quote string
	lots  []Lot
}

func NewBook(base, quote string) *Book {
	return &Book{base: base, quote: quote}
}

func (b *Book) Apply(t core.Trade) {
	if t.Qty.Cmp(decimal.Zero) <= 0 {
		return
	}
	switch t.Side {
	case core.Buy:
		qty := t.Qty
		cost := t.Qty.Mul(t.Price)
		switch t.FeeAsset {
		case b.base:
			qty = qty.Sub(t.Fee)
		case b.quote:
			cost = cost.Add(t.Fee)
		}
		if qty.Cmp(decimal.Zero) <= 0 {
			return
		}
		b.lots = append(b.lots, Lot{Qty: qty, UnitCost: cost.Div(qty)})
	case core.Sell:
		remaining := t.Qty
		if t.FeeAsset == b.base {
			remaining = decimal.Max(decimal.Zero, remaining.Sub(t.Fee))
		}
		for remaining.Cmp(decimal.Zero) > 0 && len(b.lots) > 0 {
			take := decimal.Min(remaining, b.lots[0].Qty)
			b.lots[0].Qty = b.lots[0].Qty.Sub(take)
			remaining = remaining.Sub(take)
			if b.lots[0].Qty.Cmp(dust) <= 0 {
				b.lots = b.lots[1:]
			}
		}
	}
}

func (b *Book) Lots() []Lot {
	out := make([]Lot, len(b.lots))
	copy(out, b.lots)
	return out
}

func (b *Book) Qty() decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.lots {
		total = total.Add(l.Qty)
	}
	return total
}

// Average returns the quantity weighted unit cost of the remaining lots, or
// false when nothing is left.
func (b *Book) Average() (decimal.Decimal, bool) {
	qty := decimal.Zero
	cost := decimal.Zero
	for _, l := range b.lots {
		qty = qty.Add(l.Qty)
		cost = cost.Add(l.Qty.Mul(l.UnitCost))
	}
	if qty.Cmp(dust) <= 0 {
		return decimal.Zero, false
	}
	return cost.Div(qty), true
}

// AverageCost replays trades in sequence order and returns the average cost
// of what is still held.
func AverageCost(trades []core.Trade, base, quote string) (decimal.Decimal, bool) {
	ordered := make([]core.Trade, len(trades))
	copy(ordered, trades)
	SortTrades(ordered)
	book := NewBook(base, quote)
	for _, t := range ordered {
		book.Apply(t)
	}
	return book.Average()
}

// SortTrades orders by time, then by exchange sequence.
func SortTrades(trades []core.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].Time.Equal(trades[j].Time) {
			return trades[i].Time.Before(trades[j].Time)
		}
		return trades[i].Seq < trades[j].Seq
	})
}
