package strategy

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-grid/internal/core"
	"spot-grid/internal/grid"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testFilters = core.SymbolFilters{
	PriceTick:   d("0.01"),
	QtyStep:     d("0.0001"),
	MinQty:      d("0.0001"),
	MinPrice:    d("0.01"),
	MaxPrice:    d("100000"),
	MinNotional: d("10"),
}

type fakeVenue struct {
	queries  map[string]core.Order
	queryErr map[string]error
	placeErr error
	placed   []core.Order
	queried  []string
	nextID   int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{queries: map[string]core.Order{}, queryErr: map[string]error{}, nextID: 100}
}

func (f *fakeVenue) QueryOrder(_ context.Context, _ string, id string) (core.Order, error) {
	f.queried = append(f.queried, id)
	if err, ok := f.queryErr[id]; ok {
		return core.Order{}, err
	}
	o, ok := f.queries[id]
	if !ok {
		return core.Order{}, core.ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeVenue) PlaceOrder(_ context.Context, o core.Order) (core.Order, error) {
	if f.placeErr != nil {
		return core.Order{}, f.placeErr
	}
	f.nextID++
	o.ID = strconv.Itoa(f.nextID)
	o.Status = core.OrderNew
	f.placed = append(f.placed, o)
	return o, nil
}

type fakeCosts struct {
	avg   decimal.Decimal
	ok    bool
	err   error
	calls int
}

func (f *fakeCosts) Resolve(context.Context) (decimal.Decimal, bool, error) {
	f.calls++
	return f.avg, f.ok, f.err
}

func testParams() Params {
	return Params{
		Symbol:       "PAXGUSDT",
		TradeSize:    d("80"),
		SellStrategy: SellNodeUpper,
	}
}

func testState(t *testing.T) EngineState {
	t.Helper()
	g, err := grid.BuildFixed(d("1900"), d("1960"), 3, testFilters)
	require.NoError(t, err)
	return NewEngineState(g)
}

func TestIdleNodesPlaceBuysUntilQuoteRunsOut(t *testing.T) {
	venue := newFakeVenue()
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)

	out, report, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{
		Price:     d("1950"),
		QuoteFree: d("170"),
	})
	require.NoError(t, err)
	require.Len(t, venue.placed, 2)

	first := venue.placed[0]
	assert.Equal(t, core.Buy, first.Side)
	assert.True(t, first.Price.Equal(d("1900")))
	assert.True(t, first.Qty.Equal(d("0.0421")), "qty = %s", first.Qty)
	assert.Equal(t, 0, first.GridIndex)

	assert.Equal(t, ModeBuyPlaced, out.Nodes[0].Mode)
	assert.Equal(t, first.ID, out.Nodes[0].BuyOrderID)
	assert.Equal(t, ModeBuyPlaced, out.Nodes[1].Mode)
	assert.Equal(t, ModeIdle, out.Nodes[2].Mode)
	assert.Equal(t, 2, report.Placed())
	assert.Equal(t, 1, report.Count(EventInsufficientQuote))
	assert.Equal(t, int64(1), out.Cycle)

	// the input is never mutated
	assert.Equal(t, ModeIdle, state.Nodes[0].Mode)
	assert.Equal(t, int64(0), state.Cycle)
}

func TestBuyFilledMovesToHoldingAndSells(t *testing.T) {
	venue := newFakeVenue()
	venue.queries["7"] = core.Order{
		ID:                 "7",
		Side:               core.Buy,
		Price:              d("1900"),
		Qty:                d("0.0421"),
		ExecutedQty:        d("0.0421"),
		CumulativeQuoteQty: d("79.99"),
		Status:             core.OrderFilled,
	}
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeBuyPlaced, BuyOrderID: "7"}

	out, report, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{
		Price:    d("1925"),
		BaseFree: d("0.0421"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, venue.queried)
	require.Equal(t, 1, report.Count(EventBuyFilled))
	require.Len(t, venue.placed, 1)

	sell := venue.placed[0]
	assert.Equal(t, core.Sell, sell.Side)
	assert.True(t, sell.Price.Equal(d("1920")), "sell price = %s", sell.Price)
	assert.True(t, sell.Qty.Equal(d("0.0421")))

	n := out.Nodes[0]
	assert.Equal(t, ModeSellPlaced, n.Mode)
	assert.Equal(t, sell.ID, n.SellOrderID)
	assert.True(t, n.AcquiredAvgPrice.Equal(d("1900")), "avg = %s", n.AcquiredAvgPrice)
}

func TestBuyFilledWithoutBaseStaysHolding(t *testing.T) {
	venue := newFakeVenue()
	venue.queries["7"] = core.Order{
		ID:                 "7",
		ExecutedQty:        d("0.0421"),
		CumulativeQuoteQty: d("79.99"),
		Status:             core.OrderFilled,
	}
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeBuyPlaced, BuyOrderID: "7"}

	out, report, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{Price: d("1925")})
	require.NoError(t, err)
	assert.Equal(t, ModeHolding, out.Nodes[0].Mode)
	assert.True(t, out.Nodes[0].AcquiredQty.Equal(d("0.0421")))
	assert.Equal(t, 1, report.Count(EventInsufficientBase))
	assert.Empty(t, venue.placed)
}

func TestHoldingShrinksSellWithinFeeAllowance(t *testing.T) {
	venue := newFakeVenue()
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[1] = NodeState{Index: 1, Mode: ModeHolding, AcquiredQty: d("0.0421"), AcquiredAvgPrice: d("1920")}
	params := testParams()
	params.FeeAllowance = d("0.005")

	out, _, err := r.Reconcile(context.Background(), params, state, Snapshot{Price: d("1930"), BaseFree: d("0.04205")})
	require.NoError(t, err)
	require.Len(t, venue.placed, 1)
	assert.True(t, venue.placed[0].Qty.Equal(d("0.042")), "qty = %s", venue.placed[0].Qty)
	assert.True(t, out.Nodes[1].AcquiredQty.Equal(d("0.042")))
}

func TestCanceledBuyRevertsToIdleWithoutSell(t *testing.T) {
	venue := newFakeVenue()
	venue.queries["7"] = core.Order{ID: "7", Side: core.Buy, Price: d("1900"), Status: core.OrderCanceled}
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeBuyPlaced, BuyOrderID: "7"}

	out, report, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{
		Price:    d("1925"),
		BaseFree: d("5"),
	})
	require.NoError(t, err)
	assert.Equal(t, ModeIdle, out.Nodes[0].Mode)
	assert.Empty(t, out.Nodes[0].BuyOrderID)
	assert.Equal(t, 1, report.Count(EventBuyClosed))
	for _, o := range venue.placed {
		assert.NotEqual(t, core.Sell, o.Side)
	}
}

func TestCanceledBuyWithPartialFillHolds(t *testing.T) {
	venue := newFakeVenue()
	venue.queries["7"] = core.Order{
		ID:                 "7",
		ExecutedQty:        d("0.02"),
		CumulativeQuoteQty: d("38"),
		Status:             core.OrderCanceled,
	}
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeBuyPlaced, BuyOrderID: "7"}

	out, _, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{Price: d("1925")})
	require.NoError(t, err)
	assert.Equal(t, ModeHolding, out.Nodes[0].Mode)
	assert.True(t, out.Nodes[0].AcquiredQty.Equal(d("0.02")))
	assert.True(t, out.Nodes[0].AcquiredAvgPrice.Equal(d("1900")))
}

func TestOpenOrderNeedsNoQuery(t *testing.T) {
	venue := newFakeVenue()
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeBuyPlaced, BuyOrderID: "7"}
	state.Nodes[2] = NodeState{Index: 2, Mode: ModeSellPlaced, SellOrderID: "9", AcquiredQty: d("0.04")}

	out, _, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{
		Price: d("1925"),
		OpenOrders: []core.Order{
			{ID: "7", Side: core.Buy, Price: d("1900")},
			{ID: "9", Side: core.Sell, Price: d("1960")},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, venue.queried)
	assert.Equal(t, ModeBuyPlaced, out.Nodes[0].Mode)
	assert.Equal(t, ModeSellPlaced, out.Nodes[2].Mode)
	_, seen := out.LastOpenIDs["9"]
	assert.True(t, seen)
}

func TestPendingStatusAbsentFromSnapshotWaits(t *testing.T) {
	venue := newFakeVenue()
	venue.queries["7"] = core.Order{ID: "7", Status: core.OrderNew}
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeBuyPlaced, BuyOrderID: "7"}

	out, _, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{Price: d("1925")})
	require.NoError(t, err)
	assert.Equal(t, ModeBuyPlaced, out.Nodes[0].Mode)
	assert.Empty(t, venue.placed)
}

func TestUnknownCostBasisSkipsSell(t *testing.T) {
	venue := newFakeVenue()
	costs := &fakeCosts{ok: false}
	r := NewReconciler(testFilters, venue, costs)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeHolding, AcquiredQty: d("0.04")}
	state.Nodes[1] = NodeState{Index: 1, Mode: ModeHolding, AcquiredQty: d("0.04")}

	out, report, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{Price: d("1925"), BaseFree: d("1")})
	require.NoError(t, err)
	assert.Empty(t, venue.placed)
	assert.Equal(t, 2, report.Count(EventCostBasisUnknown))
	assert.Equal(t, 1, costs.calls, "cost basis is resolved once per pass")
	assert.Equal(t, ModeHolding, out.Nodes[0].Mode)
	assert.False(t, out.Nodes[0].CostKnown())
}

func TestResolvedCostBasisFeedsFixedMargin(t *testing.T) {
	venue := newFakeVenue()
	costs := &fakeCosts{avg: d("1901.004"), ok: true}
	r := NewReconciler(testFilters, venue, costs)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeHolding, AcquiredQty: d("0.04")}
	params := testParams()
	params.SellStrategy = SellFixedMargin
	params.SellMargin = d("5")

	out, _, err := r.Reconcile(context.Background(), params, state, Snapshot{Price: d("1925"), BaseFree: d("1")})
	require.NoError(t, err)
	require.Len(t, venue.placed, 1)
	assert.True(t, venue.placed[0].Price.Equal(d("1906.01")), "price = %s", venue.placed[0].Price)
	assert.True(t, out.Nodes[0].AcquiredAvgPrice.Equal(d("1901.004")))
}

func TestSellOffsetFromNodeUpper(t *testing.T) {
	venue := newFakeVenue()
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[2] = NodeState{Index: 2, Mode: ModeHolding, AcquiredQty: d("0.04"), AcquiredAvgPrice: d("1940")}
	params := testParams()
	params.SellOffset = d("0.505")

	_, _, err := r.Reconcile(context.Background(), params, state, Snapshot{Price: d("1945"), BaseFree: d("1")})
	require.NoError(t, err)
	require.Len(t, venue.placed, 1)
	assert.True(t, venue.placed[0].Price.Equal(d("1959.49")), "price = %s", venue.placed[0].Price)
}

func TestSellFilledReturnsToIdleWithPnL(t *testing.T) {
	venue := newFakeVenue()
	venue.queries["9"] = core.Order{
		ID:                 "9",
		Side:               core.Sell,
		Price:              d("1920"),
		ExecutedQty:        d("0.04"),
		CumulativeQuoteQty: d("76.8"),
		Status:             core.OrderFilled,
	}
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeSellPlaced, SellOrderID: "9", AcquiredQty: d("0.04"), AcquiredAvgPrice: d("1900")}

	out, report, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{Price: d("1925")})
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(EventSellFilled))
	var filled Event
	for _, e := range report.Events {
		if e.Kind == EventSellFilled {
			filled = e
		}
	}
	assert.True(t, filled.PnL.Equal(d("0.8")), "pnl = %s", filled.PnL)
	n := out.Nodes[0]
	assert.Equal(t, ModeIdle, n.Mode)
	assert.True(t, n.AcquiredQty.IsZero())
	assert.Empty(t, n.SellOrderID)
}

func TestSellCanceledRevertsToHolding(t *testing.T) {
	venue := newFakeVenue()
	venue.queries["9"] = core.Order{ID: "9", ExecutedQty: d("0.01"), Status: core.OrderExpired}
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeSellPlaced, SellOrderID: "9", AcquiredQty: d("0.04"), AcquiredAvgPrice: d("1900")}

	out, report, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{Price: d("1925")})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(EventSellClosed))
	n := out.Nodes[0]
	assert.Equal(t, ModeHolding, n.Mode)
	assert.True(t, n.AcquiredQty.Equal(d("0.03")))
	assert.True(t, n.AcquiredAvgPrice.Equal(d("1900")))
}

func TestSellNotFoundRevertsToHolding(t *testing.T) {
	venue := newFakeVenue()
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeSellPlaced, SellOrderID: "404", AcquiredQty: d("0.04"), AcquiredAvgPrice: d("1900")}

	out, _, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{Price: d("1925")})
	require.NoError(t, err)
	assert.Equal(t, ModeHolding, out.Nodes[0].Mode)
}

func TestTransientQueryFailureKeepsEarlierPlacements(t *testing.T) {
	venue := newFakeVenue()
	venue.queryErr["8"] = errors.New("i/o timeout")
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[1] = NodeState{Index: 1, Mode: ModeBuyPlaced, BuyOrderID: "8"}

	out, _, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{Price: d("1925"), QuoteFree: d("1000")})
	require.Error(t, err)
	require.Len(t, venue.placed, 1)
	assert.Equal(t, ModeBuyPlaced, out.Nodes[0].Mode)
	assert.Equal(t, venue.placed[0].ID, out.Nodes[0].BuyOrderID)
	assert.Equal(t, ModeBuyPlaced, out.Nodes[1].Mode)
	assert.Equal(t, ModeIdle, out.Nodes[2].Mode)
}

func TestVenueRejectionIsReportedNotFatal(t *testing.T) {
	venue := newFakeVenue()
	venue.placeErr = errors.Join(errors.New("binance api error -2010"), core.ErrInsufficientBalance)
	r := NewReconciler(testFilters, venue, nil)

	out, report, err := r.Reconcile(context.Background(), testParams(), testState(t), Snapshot{Price: d("1925"), QuoteFree: d("1000")})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(EventOrderRejected))
	for _, n := range out.Nodes {
		assert.Equal(t, ModeIdle, n.Mode)
	}
}

func TestValidationFailureKeepsNodeIdle(t *testing.T) {
	venue := newFakeVenue()
	r := NewReconciler(testFilters, venue, nil)
	params := testParams()
	params.TradeSize = d("5")

	out, report, err := r.Reconcile(context.Background(), params, testState(t), Snapshot{Price: d("1925"), QuoteFree: d("1000")})
	require.NoError(t, err)
	assert.Empty(t, venue.placed)
	assert.Equal(t, 3, report.Count(EventOrderInvalid))
	assert.Equal(t, ModeIdle, out.Nodes[0].Mode)
}

func TestUnrecognizedOrderAtBuyPriceIsReportedOnce(t *testing.T) {
	venue := newFakeVenue()
	r := NewReconciler(testFilters, venue, nil)
	snap := Snapshot{
		Price:      d("1925"),
		QuoteFree:  d("80"),
		OpenOrders: []core.Order{{ID: "55", Side: core.Buy, Price: d("1900"), Qty: d("0.05")}},
	}

	out, report, err := r.Reconcile(context.Background(), testParams(), testState(t), snap)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(EventUnrecognizedOrder))
	assert.Equal(t, ModeIdle, out.Nodes[0].Mode)
	require.Len(t, venue.placed, 1)
	assert.Equal(t, 1, venue.placed[0].GridIndex)

	venue.placed = nil
	snap.QuoteFree = decimal.Zero
	_, report, err = r.Reconcile(context.Background(), testParams(), out, snap)
	require.NoError(t, err)
	assert.Zero(t, report.Count(EventUnrecognizedOrder))
}

func TestVanishedUntrackedOrderIsReported(t *testing.T) {
	venue := newFakeVenue()
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.LastOpenIDs["manual-1"] = struct{}{}

	out, report, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{Price: d("1925")})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(EventUntrackedOrderClosed))
	assert.Empty(t, out.LastOpenIDs)
}

func TestAtMostOneOrderPerNodePerPass(t *testing.T) {
	venue := newFakeVenue()
	venue.queries["9"] = core.Order{ID: "9", ExecutedQty: d("0.04"), CumulativeQuoteQty: d("76.8"), Status: core.OrderFilled}
	venue.queries["7"] = core.Order{ID: "7", ExecutedQty: d("0.04"), CumulativeQuoteQty: d("76"), Status: core.OrderFilled}
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeSellPlaced, SellOrderID: "9", AcquiredQty: d("0.04"), AcquiredAvgPrice: d("1900")}
	state.Nodes[1] = NodeState{Index: 1, Mode: ModeBuyPlaced, BuyOrderID: "7"}

	_, _, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{Price: d("1930"), QuoteFree: d("1000"), BaseFree: d("1")})
	require.NoError(t, err)
	perNode := map[int]int{}
	for _, o := range venue.placed {
		perNode[o.GridIndex]++
	}
	for node, n := range perNode {
		assert.Equal(t, 1, n, "node %d placed %d orders", node, n)
	}
}

func TestNodeSellAtNextBuyPriceBlocksNeighbour(t *testing.T) {
	venue := newFakeVenue()
	r := NewReconciler(testFilters, venue, nil)
	state := testState(t)
	state.Nodes[0] = NodeState{Index: 0, Mode: ModeHolding, AcquiredQty: d("0.04"), AcquiredAvgPrice: d("1900")}

	out, report, err := r.Reconcile(context.Background(), testParams(), state, Snapshot{Price: d("1930"), QuoteFree: d("80"), BaseFree: d("1")})
	require.NoError(t, err)
	// node 0 sells at 1920, which is node 1's buy price
	assert.Equal(t, ModeSellPlaced, out.Nodes[0].Mode)
	assert.Equal(t, ModeIdle, out.Nodes[1].Mode)
	assert.Equal(t, ModeBuyPlaced, out.Nodes[2].Mode)
	assert.Zero(t, report.Count(EventUnrecognizedOrder))
}

func TestReconcileRejectsBadInput(t *testing.T) {
	r := NewReconciler(testFilters, newFakeVenue(), nil)
	_, _, err := r.Reconcile(context.Background(), testParams(), EngineState{}, Snapshot{})
	assert.ErrorIs(t, err, ErrNoGrid)

	params := testParams()
	params.TradeSize = decimal.Zero
	_, _, err = r.Reconcile(context.Background(), params, testState(t), Snapshot{})
	assert.Error(t, err)
}
