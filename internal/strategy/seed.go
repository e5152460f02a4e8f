package strategy

import (
	"sort"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

// Seed adopts open orders that sit exactly where an idle node would have
// placed them. It is only meant for a start with no persisted node state.
// Orders that match no node are reported, never adopted.
func Seed(state EngineState, params Params, filters core.SymbolFilters, open []core.Order) (EngineState, []Event) {
	out := state.Clone()
	if out.Grid.Empty() {
		return out, nil
	}
	if len(out.Nodes) != out.Grid.NodeCount() {
		out = out.WithNodes(out.Nodes)
	}
	orders := make([]core.Order, len(open))
	copy(orders, open)
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].Price.LessThan(orders[j].Price) })

	owned := out.OwnedOrderIDs()
	var events []Event
	for _, o := range orders {
		out.LastOpenIDs[o.ID] = struct{}{}
		if _, ok := owned[o.ID]; ok {
			continue
		}
		idx, ok := seedTarget(out, params, filters, o)
		if !ok {
			events = append(events, Event{Node: -1, Kind: EventUnrecognizedOrder, Side: o.Side, OrderID: o.ID, Price: o.Price, Qty: o.Qty})
			continue
		}
		n := out.Nodes[idx]
		switch o.Side {
		case core.Buy:
			n.Mode = ModeBuyPlaced
			n.BuyOrderID = o.ID
		case core.Sell:
			n.Mode = ModeSellPlaced
			n.SellOrderID = o.ID
			n.AcquiredQty = o.Qty.Sub(o.ExecutedQty)
			n.AcquiredAvgPrice = decimal.Zero
		}
		out.Nodes[idx] = n
		owned[o.ID] = idx
		events = append(events, Event{Node: idx, Kind: EventNodeSeeded, Side: o.Side, OrderID: o.ID, Price: o.Price, Qty: o.Qty})
	}
	return out, events
}

func seedTarget(state EngineState, params Params, filters core.SymbolFilters, o core.Order) (int, bool) {
	g := state.Grid
	for i := 0; i < g.NodeCount(); i++ {
		if state.Nodes[i].Mode != ModeIdle {
			continue
		}
		lower, upper, _ := g.Bounds(i)
		switch o.Side {
		case core.Buy:
			if filters.RoundPriceDown(lower).Equal(o.Price) {
				return i, true
			}
		case core.Sell:
			if params.SellStrategy == SellFixedMargin {
				continue
			}
			if filters.RoundPriceDown(upper.Sub(params.SellOffset)).Equal(o.Price) {
				return i, true
			}
		}
	}
	if o.Side == core.Sell && params.SellStrategy == SellFixedMargin {
		// the acquisition price is gone, so attribute the sell to the node
		// its margin would have been added to
		idx, ok := g.FindNode(o.Price.Sub(params.SellMargin))
		if ok && state.Nodes[idx].Mode == ModeIdle {
			return idx, true
		}
	}
	return 0, false
}
