package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

// Reconciler advances every node's buy/hold/sell lifecycle against a fresh
// snapshot of the venue. It keeps no state of its own between passes.
type Reconciler struct {
	filters core.SymbolFilters
	orders  OrderPort
	costs   CostResolver
	now     func() time.Time
}

// NewReconciler builds a reconciler. costs may be nil, in which case holdings
// without a known fill price are never sold.
func NewReconciler(filters core.SymbolFilters, orders OrderPort, costs CostResolver) *Reconciler {
	return &Reconciler{filters: filters, orders: orders, costs: costs, now: time.Now}
}

func (r *Reconciler) Filters() core.SymbolFilters { return r.filters }

// Reconcile runs one pass over all nodes in ascending order and returns the
// advanced state. On error the returned state still holds every transition
// made before the failure, including ids of orders already placed.
func (r *Reconciler) Reconcile(ctx context.Context, params Params, in EngineState, snap Snapshot) (EngineState, Report, error) {
	if err := params.validate(); err != nil {
		return in, Report{}, err
	}
	if in.Grid.Empty() {
		return in, Report{}, ErrNoGrid
	}
	state := in.Clone()
	if len(state.Nodes) != state.Grid.NodeCount() {
		state = state.WithNodes(state.Nodes)
	}
	state.Cycle++
	p := &pass{
		r:         r,
		ctx:       ctx,
		params:    params,
		state:     state,
		open:      snap.openIDs(),
		snap:      snap,
		quoteFree: snap.QuoteFree,
		baseFree:  snap.BaseFree,
		now:       r.now().UTC(),
		report:    Report{Cycle: state.Cycle},
	}
	p.reportVanishedUntracked()
	for i := range p.state.Nodes {
		if err := ctx.Err(); err != nil {
			return p.state, p.report, err
		}
		if err := p.advance(i); err != nil {
			return p.state, p.report, fmt.Errorf("node %d: %w", i, err)
		}
	}
	ids := make(map[string]struct{}, len(snap.OpenOrders))
	for _, o := range snap.OpenOrders {
		ids[o.ID] = struct{}{}
	}
	p.state.LastOpenIDs = ids
	return p.state, p.report, nil
}

type pass struct {
	r         *Reconciler
	ctx       context.Context
	params    Params
	state     EngineState
	snap      Snapshot
	open      map[string]core.Order
	placed    []core.Order
	quoteFree decimal.Decimal
	baseFree  decimal.Decimal
	now       time.Time
	report    Report

	costChecked bool
	cost        decimal.Decimal
	costOK      bool
	costErr     error
}

func (p *pass) owner(id string) (int, bool) {
	for _, n := range p.state.Nodes {
		if id != "" && (n.BuyOrderID == id || n.SellOrderID == id) {
			return n.Index, true
		}
	}
	return 0, false
}

func (p *pass) reportVanishedUntracked() {
	for _, id := range p.state.LastOpenIDList() {
		if _, still := p.open[id]; still {
			continue
		}
		if _, ok := p.owner(id); ok {
			continue
		}
		p.report.add(Event{Node: -1, Kind: EventUntrackedOrderClosed, OrderID: id})
	}
}

// orderAt returns any open order, or order placed earlier in this pass,
// resting at price.
func (p *pass) orderAt(price decimal.Decimal) (core.Order, bool) {
	for _, o := range p.snap.OpenOrders {
		if o.Price.Equal(price) {
			return o, true
		}
	}
	for _, o := range p.placed {
		if o.Price.Equal(price) {
			return o, true
		}
	}
	return core.Order{}, false
}

func (p *pass) set(n NodeState) {
	n.UpdatedAt = p.now
	p.state.Nodes[n.Index] = n
}

// advance walks node i until it either waits or has used its single placement.
// Waiting modes can fall through to IDLE or HOLDING, which always end the turn.
func (p *pass) advance(i int) error {
	for {
		n := p.state.Nodes[i]
		switch n.Mode {
		case ModeIdle:
			return p.idle(n)
		case ModeHolding:
			return p.holding(n)
		case ModeBuyPlaced:
			moved, err := p.buyPlaced(n)
			if err != nil || !moved {
				return err
			}
		case ModeSellPlaced:
			moved, err := p.sellPlaced(n)
			if err != nil || !moved {
				return err
			}
		default:
			n.Mode = ModeIdle
			p.set(n)
		}
	}
}

func (p *pass) idle(n NodeState) error {
	f := p.r.filters
	lower, _, _ := p.state.Grid.Bounds(n.Index)
	price := f.RoundPriceDown(lower)
	if o, busy := p.orderAt(price); busy {
		if _, owned := p.owner(o.ID); !owned {
			if _, seen := p.state.LastOpenIDs[o.ID]; !seen {
				p.report.add(Event{Node: n.Index, Kind: EventUnrecognizedOrder, Side: o.Side, OrderID: o.ID, Price: o.Price, Qty: o.Qty})
			}
		}
		return nil
	}
	if p.quoteFree.Cmp(p.params.TradeSize) < 0 {
		p.report.add(Event{Node: n.Index, Kind: EventInsufficientQuote, Side: core.Buy, Price: price, Detail: "free " + p.quoteFree.String()})
		return nil
	}
	qty := f.RoundQtyDown(p.params.TradeSize.Div(price))
	if f.MinQty.Cmp(decimal.Zero) > 0 && qty.Cmp(f.MinQty) < 0 {
		qty = f.MinQty
	}
	if err := f.Validate(price, qty); err != nil {
		p.report.add(Event{Node: n.Index, Kind: EventOrderInvalid, Side: core.Buy, Price: price, Qty: qty, Detail: err.Error()})
		return nil
	}
	cost := price.Mul(qty)
	if cost.Cmp(p.quoteFree) > 0 {
		p.report.add(Event{Node: n.Index, Kind: EventInsufficientQuote, Side: core.Buy, Price: price, Qty: qty, Detail: "free " + p.quoteFree.String()})
		return nil
	}
	placed, err := p.place(n.Index, core.Buy, price, qty)
	if err != nil {
		return err
	}
	if placed.ID == "" {
		return nil
	}
	p.quoteFree = p.quoteFree.Sub(cost)
	n.Mode = ModeBuyPlaced
	n.BuyOrderID = placed.ID
	n.SellOrderID = ""
	n.AcquiredQty = decimal.Zero
	n.AcquiredAvgPrice = decimal.Zero
	p.set(n)
	p.report.add(Event{Node: n.Index, Kind: EventBuyPlaced, Side: core.Buy, OrderID: placed.ID, Price: price, Qty: qty})
	return nil
}

func (p *pass) holding(n NodeState) error {
	f := p.r.filters
	qty := f.RoundQtyDown(n.AcquiredQty)
	if qty.Cmp(decimal.Zero) <= 0 {
		n.Mode = ModeIdle
		n.AcquiredQty = decimal.Zero
		n.AcquiredAvgPrice = decimal.Zero
		p.set(n)
		return nil
	}
	if !n.CostKnown() {
		avg, ok, err := p.costBasis()
		if err != nil || !ok {
			ev := Event{Node: n.Index, Kind: EventCostBasisUnknown, Qty: qty}
			if err != nil {
				ev.Detail = err.Error()
			}
			p.report.add(ev)
			return nil
		}
		n.AcquiredAvgPrice = avg
		p.set(n)
	}
	price := p.sellPrice(n)
	if p.baseFree.Cmp(qty) < 0 {
		capped := f.RoundQtyDown(p.baseFree)
		floor := qty.Mul(decimal.NewFromInt(1).Sub(p.params.FeeAllowance))
		if capped.Cmp(decimal.Zero) <= 0 || capped.Cmp(floor) < 0 {
			p.report.add(Event{Node: n.Index, Kind: EventInsufficientBase, Side: core.Sell, Price: price, Qty: qty, Detail: "free " + p.baseFree.String()})
			return nil
		}
		qty = capped
	}
	if err := f.Validate(price, qty); err != nil {
		p.report.add(Event{Node: n.Index, Kind: EventOrderInvalid, Side: core.Sell, Price: price, Qty: qty, Detail: err.Error()})
		return nil
	}
	placed, err := p.place(n.Index, core.Sell, price, qty)
	if err != nil {
		return err
	}
	if placed.ID == "" {
		return nil
	}
	p.baseFree = p.baseFree.Sub(qty)
	n.Mode = ModeSellPlaced
	n.SellOrderID = placed.ID
	n.AcquiredQty = qty
	p.set(n)
	p.report.add(Event{Node: n.Index, Kind: EventSellPlaced, Side: core.Sell, OrderID: placed.ID, Price: price, Qty: qty})
	return nil
}

func (p *pass) sellPrice(n NodeState) decimal.Decimal {
	f := p.r.filters
	if p.params.SellStrategy == SellFixedMargin {
		return f.ClampPrice(f.RoundPriceUp(n.AcquiredAvgPrice.Add(p.params.SellMargin)))
	}
	_, upper, _ := p.state.Grid.Bounds(n.Index)
	return f.RoundPriceDown(upper.Sub(p.params.SellOffset))
}

func (p *pass) buyPlaced(n NodeState) (bool, error) {
	if n.BuyOrderID == "" {
		n.Mode = ModeIdle
		p.set(n)
		return true, nil
	}
	if _, open := p.open[n.BuyOrderID]; open {
		return false, nil
	}
	o, err := p.r.orders.QueryOrder(p.ctx, p.params.Symbol, n.BuyOrderID)
	if errors.Is(err, core.ErrOrderNotFound) {
		p.report.add(Event{Node: n.Index, Kind: EventBuyClosed, Side: core.Buy, OrderID: n.BuyOrderID, Detail: "order not found"})
		n.Mode = ModeIdle
		n.BuyOrderID = ""
		p.set(n)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("query buy %s: %w", n.BuyOrderID, err)
	}
	if !o.Status.Terminal() {
		return false, nil
	}
	executed := o.ExecutedQty
	if o.Status == core.OrderFilled && executed.Cmp(decimal.Zero) <= 0 {
		executed = o.Qty
	}
	if executed.Cmp(decimal.Zero) <= 0 {
		p.report.add(Event{Node: n.Index, Kind: EventBuyClosed, Side: core.Buy, OrderID: o.ID, Price: o.Price, Detail: string(o.Status)})
		n.Mode = ModeIdle
		n.BuyOrderID = ""
		p.set(n)
		return true, nil
	}
	avg, ok := o.AvgFillPrice()
	if !ok {
		avg = decimal.Zero
	}
	n.Mode = ModeHolding
	n.AcquiredQty = executed
	n.AcquiredAvgPrice = avg
	n.BuyOrderID = ""
	p.set(n)
	ev := Event{Node: n.Index, Kind: EventBuyFilled, Side: core.Buy, OrderID: o.ID, Price: avg, Qty: executed}
	if o.Status != core.OrderFilled {
		ev.Detail = "partial fill, " + string(o.Status)
	}
	p.report.add(ev)
	return true, nil
}

func (p *pass) sellPlaced(n NodeState) (bool, error) {
	if n.SellOrderID == "" {
		n.Mode = ModeHolding
		p.set(n)
		return true, nil
	}
	if _, open := p.open[n.SellOrderID]; open {
		return false, nil
	}
	o, err := p.r.orders.QueryOrder(p.ctx, p.params.Symbol, n.SellOrderID)
	if errors.Is(err, core.ErrOrderNotFound) {
		p.report.add(Event{Node: n.Index, Kind: EventSellClosed, Side: core.Sell, OrderID: n.SellOrderID, Detail: "order not found"})
		n.Mode = ModeHolding
		n.SellOrderID = ""
		p.set(n)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("query sell %s: %w", n.SellOrderID, err)
	}
	if !o.Status.Terminal() {
		return false, nil
	}
	if o.Status == core.OrderFilled {
		executed := o.ExecutedQty
		if executed.Cmp(decimal.Zero) <= 0 {
			executed = o.Qty
		}
		ev := Event{Node: n.Index, Kind: EventSellFilled, Side: core.Sell, OrderID: o.ID, Qty: executed}
		if avg, ok := o.AvgFillPrice(); ok {
			ev.Price = avg
			if n.CostKnown() {
				ev.PnL = avg.Sub(n.AcquiredAvgPrice).Mul(executed)
			}
		} else {
			ev.Price = o.Price
		}
		p.report.add(ev)
		p.set(NodeState{Index: n.Index, Mode: ModeIdle})
		return true, nil
	}
	remaining := n.AcquiredQty.Sub(o.ExecutedQty)
	p.report.add(Event{Node: n.Index, Kind: EventSellClosed, Side: core.Sell, OrderID: o.ID, Price: o.Price, Qty: o.ExecutedQty, Detail: string(o.Status)})
	if p.r.filters.RoundQtyDown(remaining).Cmp(decimal.Zero) <= 0 {
		p.set(NodeState{Index: n.Index, Mode: ModeIdle})
		return true, nil
	}
	n.Mode = ModeHolding
	n.SellOrderID = ""
	n.AcquiredQty = remaining
	p.set(n)
	return true, nil
}

// place submits a limit order. A venue rejection is reported and yields a
// zero order; anything else aborts the pass.
func (p *pass) place(node int, side core.Side, price, qty decimal.Decimal) (core.Order, error) {
	order := core.Order{
		Symbol:    p.params.Symbol,
		Side:      side,
		Type:      core.Limit,
		Price:     price,
		Qty:       qty,
		GridIndex: node,
	}
	placed, err := p.r.orders.PlaceOrder(p.ctx, order)
	if err != nil {
		if venueRejected(err) {
			p.report.add(Event{Node: node, Kind: EventOrderRejected, Side: side, Price: price, Qty: qty, Detail: err.Error()})
			return core.Order{}, nil
		}
		return core.Order{}, fmt.Errorf("place %s: %w", side, err)
	}
	if placed.ID == "" {
		return core.Order{}, fmt.Errorf("place %s: venue returned no order id", side)
	}
	if placed.Price.IsZero() {
		placed.Price = price
	}
	p.placed = append(p.placed, placed)
	return placed, nil
}

func venueRejected(err error) bool {
	return core.IsRejection(err) ||
		errors.Is(err, core.ErrInsufficientBalance) ||
		errors.Is(err, core.ErrOrderRejected) ||
		errors.Is(err, core.ErrDuplicateOrder)
}

func (p *pass) costBasis() (decimal.Decimal, bool, error) {
	if p.costChecked {
		return p.cost, p.costOK, p.costErr
	}
	p.costChecked = true
	if p.r.costs == nil {
		return decimal.Zero, false, nil
	}
	p.cost, p.costOK, p.costErr = p.r.costs.Resolve(p.ctx)
	return p.cost, p.costOK, p.costErr
}
