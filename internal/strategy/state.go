package strategy

import (
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
	"spot-grid/internal/grid"
)

type NodeMode string

const (
	ModeIdle       NodeMode = "IDLE"
	ModeBuyPlaced  NodeMode = "BUY_PLACED"
	ModeHolding    NodeMode = "HOLDING"
	ModeSellPlaced NodeMode = "SELL_PLACED"
)

var AllModes = []NodeMode{ModeIdle, ModeBuyPlaced, ModeHolding, ModeSellPlaced}

// NodeState tracks one grid interval. A zero AcquiredAvgPrice means the cost
// of the holding is not known.
type NodeState struct {
	Index            int             `json:"index"`
	Mode             NodeMode        `json:"mode"`
	BuyOrderID       string          `json:"buy_order_id,omitempty"`
	SellOrderID      string          `json:"sell_order_id,omitempty"`
	AcquiredQty      decimal.Decimal `json:"acquired_qty"`
	AcquiredAvgPrice decimal.Decimal `json:"acquired_avg_price"`
	UpdatedAt        time.Time       `json:"updated_at,omitempty"`
}

func (n NodeState) CostKnown() bool {
	return n.AcquiredAvgPrice.Cmp(decimal.Zero) > 0
}

// OpenOrderID is the id the node is currently waiting on, if any.
func (n NodeState) OpenOrderID() string {
	switch n.Mode {
	case ModeBuyPlaced:
		return n.BuyOrderID
	case ModeSellPlaced:
		return n.SellOrderID
	default:
		return ""
	}
}

// EngineState is everything the reconciler carries from one cycle to the next.
type EngineState struct {
	Grid        grid.Grid
	Nodes       []NodeState
	LastOpenIDs map[string]struct{}
	Cycle       int64
}

func NewEngineState(g grid.Grid) EngineState {
	nodes := make([]NodeState, g.NodeCount())
	for i := range nodes {
		nodes[i] = NodeState{Index: i, Mode: ModeIdle}
	}
	return EngineState{Grid: g, Nodes: nodes, LastOpenIDs: map[string]struct{}{}}
}

// Clone deep copies the mutable parts so a pass never aliases its input.
func (s EngineState) Clone() EngineState {
	out := EngineState{Grid: s.Grid, Cycle: s.Cycle}
	out.Nodes = make([]NodeState, len(s.Nodes))
	copy(out.Nodes, s.Nodes)
	out.LastOpenIDs = make(map[string]struct{}, len(s.LastOpenIDs))
	for id := range s.LastOpenIDs {
		out.LastOpenIDs[id] = struct{}{}
	}
	return out
}

// WithNodes installs persisted node records, ignoring indexes the grid lacks.
func (s EngineState) WithNodes(nodes []NodeState) EngineState {
	out := NewEngineState(s.Grid)
	out.Cycle = s.Cycle
	out.LastOpenIDs = s.Clone().LastOpenIDs
	for _, n := range nodes {
		if n.Index < 0 || n.Index >= len(out.Nodes) {
			continue
		}
		if n.Mode == "" {
			n.Mode = ModeIdle
		}
		out.Nodes[n.Index] = n
	}
	return out
}

func (s EngineState) ModeCounts() map[NodeMode]int {
	counts := make(map[NodeMode]int, len(AllModes))
	for _, m := range AllModes {
		counts[m] = 0
	}
	for _, n := range s.Nodes {
		counts[n.Mode]++
	}
	return counts
}

// OwnedOrderIDs maps every order id a node is waiting on to that node.
func (s EngineState) OwnedOrderIDs() map[string]int {
	out := make(map[string]int)
	for _, n := range s.Nodes {
		if id := n.OpenOrderID(); id != "" {
			out[id] = n.Index
		}
	}
	return out
}

func (s EngineState) LastOpenIDList() []string {
	ids := make([]string, 0, len(s.LastOpenIDs))
	for id := range s.LastOpenIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot is the freshly fetched view of the venue for one cycle.
type Snapshot struct {
	Price      decimal.Decimal
	QuoteFree  decimal.Decimal
	BaseFree   decimal.Decimal
	OpenOrders []core.Order
	At         time.Time
}

func (s Snapshot) openIDs() map[string]core.Order {
	out := make(map[string]core.Order, len(s.OpenOrders))
	for _, o := range s.OpenOrders {
		out[o.ID] = o
	}
	return out
}

type EventKind string

const (
	EventBuyPlaced            EventKind = "buy_placed"
	EventBuyFilled            EventKind = "buy_filled"
	EventBuyClosed            EventKind = "buy_closed_unfilled"
	EventSellPlaced           EventKind = "sell_placed"
	EventSellFilled           EventKind = "sell_filled"
	EventSellClosed           EventKind = "sell_closed_unfilled"
	EventOrderInvalid         EventKind = "order_invalid"
	EventOrderRejected        EventKind = "order_rejected"
	EventInsufficientQuote    EventKind = "insufficient_quote"
	EventInsufficientBase     EventKind = "insufficient_base"
	EventCostBasisUnknown     EventKind = "cost_basis_unknown"
	EventUnrecognizedOrder    EventKind = "node_unrecognized_order"
	EventUntrackedOrderClosed EventKind = "untracked_order_closed"
	EventNodeSeeded           EventKind = "node_seeded_from_open_order"
)

// Event is one reportable outcome of a pass. Node is -1 when the event is
// not tied to a node.
type Event struct {
	Node    int
	Kind    EventKind
	Side    core.Side
	OrderID string
	Price   decimal.Decimal
	Qty     decimal.Decimal
	PnL     decimal.Decimal
	Detail  string
}

// Important reports whether the event deserves an operator notification
// rather than only a log line.
func (e Event) Important() bool {
	switch e.Kind {
	case EventBuyFilled, EventSellFilled, EventBuyClosed, EventSellClosed,
		EventOrderRejected, EventUnrecognizedOrder, EventNodeSeeded:
		return true
	default:
		return false
	}
}

func (e Event) Fields() map[string]string {
	fields := map[string]string{}
	if e.Node >= 0 {
		fields["node"] = strconv.Itoa(e.Node)
	}
	if e.Side != "" {
		fields["side"] = string(e.Side)
	}
	if e.OrderID != "" {
		fields["order_id"] = e.OrderID
	}
	if !e.Price.IsZero() {
		fields["price"] = e.Price.String()
	}
	if !e.Qty.IsZero() {
		fields["qty"] = e.Qty.String()
	}
	if !e.PnL.IsZero() {
		fields["pnl"] = e.PnL.String()
	}
	if e.Detail != "" {
		fields["detail"] = e.Detail
	}
	return fields
}

// Report collects what one pass did, in node order.
type Report struct {
	Cycle  int64
	Events []Event
}

func (r *Report) add(e Event) {
	r.Events = append(r.Events, e)
}

func (r Report) Count(kind EventKind) int {
	n := 0
	for _, e := range r.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r Report) Placed() int {
	return r.Count(EventBuyPlaced) + r.Count(EventSellPlaced)
}
