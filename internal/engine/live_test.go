package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-grid/internal/core"
	"spot-grid/internal/costbasis"
	"spot-grid/internal/exchange"
	"spot-grid/internal/exchange/paper"
	"spot-grid/internal/grid"
	"spot-grid/internal/metrics"
	"spot-grid/internal/safety"
	"spot-grid/internal/store"
	"spot-grid/internal/strategy"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *alertSpy) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e == event {
			n++
		}
	}
	return n
}

// flakyExchange fails TickerPrice while fail is set.
type flakyExchange struct {
	*paper.Exchange
	fail atomic.Bool
}

func (f *flakyExchange) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if f.fail.Load() {
		return decimal.Zero, errors.New("ticker unavailable")
	}
	return f.Exchange.TickerPrice(ctx, symbol)
}

func newPaper(t *testing.T, quote string) *paper.Exchange {
	t.Helper()
	ex, err := paper.New(paper.Options{
		Info: core.SymbolInfo{
			Symbol:     "ETHUSDC",
			BaseAsset:  "ETH",
			QuoteAsset: "USDC",
			Filters: core.SymbolFilters{
				PriceTick:   d("0.01"),
				QtyStep:     d("0.0001"),
				MinQty:      d("0.0001"),
				MinPrice:    d("0.01"),
				MinNotional: d("5"),
			},
		},
		InitialQuote: d(quote),
	})
	require.NoError(t, err)
	return ex
}

type runnerDeps struct {
	store   *store.Store
	alerts  *alertSpy
	metrics *metrics.Metrics
	notes   *[]string
}

func newRunner(t *testing.T, ex exchange.Exchange, st *store.Store, breaker *safety.Breaker) (*LiveRunner, runnerDeps) {
	t.Helper()
	if st == nil {
		var err error
		st, err = store.New(t.TempDir(), nil)
		require.NoError(t, err)
	}
	deps := runnerDeps{store: st, alerts: &alertSpy{}, metrics: metrics.New(), notes: &[]string{}}
	var notesMu sync.Mutex
	r := &LiveRunner{
		Exchange:   ex,
		Symbol:     "ETHUSDC",
		Mode:       "paper",
		InstanceID: "test",
		GridMode:   string(grid.ModeFixed),
		Builder: grid.NewBuilder(grid.Spec{
			Mode:  grid.ModeFixed,
			Min:   d("1800"),
			Max:   d("2000"),
			Nodes: 2,
		}),
		Interval:  10 * time.Millisecond,
		CostBasis: costbasis.Options{UseVenueField: true, MaxPages: 5},
		Store:     st,
		Status:    st,
		Breaker:   breaker,
		Alerts:    deps.alerts,
		Metrics:   deps.metrics,
		now:       func() time.Time { return testNow },
		notify: func(state string) {
			notesMu.Lock()
			defer notesMu.Unlock()
			*deps.notes = append(*deps.notes, state)
		},
	}
	r.SetParams(strategy.Params{
		TradeSize:    d("100"),
		SellStrategy: strategy.SellNodeUpper,
		FeeAllowance: d("0.005"),
	})
	return r, deps
}

func TestCycleRunsBuySellRoundTrip(t *testing.T) {
	ctx := context.Background()
	ex := newPaper(t, "1000")
	ex.Observe(d("2050"))
	r, deps := newRunner(t, ex, nil, nil)

	report, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(strategy.EventBuyPlaced))
	open, err := ex.OpenOrders(ctx, "ETHUSDC")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.True(t, open[0].Price.Equal(d("1800")))
	assert.True(t, open[0].Qty.Equal(d("0.0555")))
	assert.True(t, open[1].Price.Equal(d("1900")))
	assert.True(t, open[1].Qty.Equal(d("0.0526")))

	ex.Observe(d("1890"))
	report, err = r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(strategy.EventBuyFilled))
	assert.Equal(t, 1, report.Count(strategy.EventSellPlaced))
	node := r.state.Nodes[1]
	assert.Equal(t, strategy.ModeSellPlaced, node.Mode)
	assert.True(t, node.AcquiredAvgPrice.Equal(d("1900")))

	ex.Observe(d("2010"))
	report, err = r.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(strategy.EventSellFilled))
	for _, ev := range report.Events {
		if ev.Kind == strategy.EventSellFilled {
			assert.True(t, ev.PnL.Equal(d("5.26")), "pnl %s", ev.PnL)
		}
	}
	// the freed node buys again at its lower bound in the same pass
	assert.Equal(t, 1, report.Count(strategy.EventBuyPlaced))
	assert.Equal(t, strategy.ModeBuyPlaced, r.state.Nodes[1].Mode)

	bal, err := ex.Balances(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Free("USDC").Equal(d("805.42")), "usdc %s", bal.Free("USDC"))

	fills, err := deps.store.ReadFills(testNow)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, core.Buy, fills[0].Side)
	assert.True(t, fills[0].CostKnown)
	assert.Equal(t, core.Sell, fills[1].Side)
	assert.True(t, fills[1].CostKnown)
	assert.True(t, fills[1].PnL.Equal(d("5.26")))

	assert.Equal(t, 3.0, testutil.ToFloat64(deps.metrics.Cycles.WithLabelValues(resultOK)))
	assert.Equal(t, 3.0, testutil.ToFloat64(deps.metrics.OrdersPlaced.WithLabelValues(string(core.Buy))))
	assert.InDelta(t, 5.26, testutil.ToFloat64(deps.metrics.RealizedPnL), 1e-9)
	assert.Equal(t, 2010.0, testutil.ToFloat64(deps.metrics.LastPrice))
	assert.Equal(t, 1, deps.alerts.count(string(strategy.EventBuyFilled)))
	assert.Equal(t, 1, deps.alerts.count(string(strategy.EventSellFilled)))

	status, ok, err := deps.store.LoadRuntimeStatus()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "running", status.State)
	assert.Equal(t, int64(3), status.Cycle)
	assert.Equal(t, 2, status.NodeModes[string(strategy.ModeBuyPlaced)])

	assert.Equal(t, []string{"READY=1", "WATCHDOG=1", "WATCHDOG=1", "WATCHDOG=1"}, *deps.notes)
}

func TestRestartRestoresPersistedNodes(t *testing.T) {
	ctx := context.Background()
	ex := newPaper(t, "1000")
	ex.Observe(d("2050"))
	first, deps := newRunner(t, ex, nil, nil)
	_, err := first.RunCycle(ctx)
	require.NoError(t, err)

	second, _ := newRunner(t, ex, deps.store, nil)
	report, err := second.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Placed())
	assert.Zero(t, report.Count(strategy.EventUnrecognizedOrder))
	assert.Zero(t, report.Count(strategy.EventNodeSeeded))
	assert.Equal(t, int64(2), report.Cycle)

	open, err := ex.OpenOrders(ctx, "ETHUSDC")
	require.NoError(t, err)
	assert.Len(t, open, 2)
	assert.Equal(t, first.state.Nodes[0].BuyOrderID, second.state.Nodes[0].BuyOrderID)
}

func TestFirstCycleSeedsFromMatchingOpenOrder(t *testing.T) {
	ctx := context.Background()
	ex := newPaper(t, "1000")
	ex.Observe(d("2050"))
	manual, err := ex.PlaceOrder(ctx, core.Order{
		Symbol: "ETHUSDC",
		Side:   core.Buy,
		Type:   core.Limit,
		Price:  d("1800"),
		Qty:    d("0.05"),
	})
	require.NoError(t, err)

	r, deps := newRunner(t, ex, nil, nil)
	report, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(strategy.EventNodeSeeded))
	assert.Equal(t, 1, report.Count(strategy.EventBuyPlaced))
	assert.Equal(t, manual.ID, r.state.Nodes[0].BuyOrderID)
	assert.Equal(t, strategy.ModeBuyPlaced, r.state.Nodes[1].Mode)
	assert.Equal(t, 1, deps.alerts.count(string(strategy.EventNodeSeeded)))

	open, err := ex.OpenOrders(ctx, "ETHUSDC")
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestFailingCyclesTripBreaker(t *testing.T) {
	ctx := context.Background()
	ex := &flakyExchange{Exchange: newPaper(t, "1000")}
	ex.Observe(d("2050"))
	ex.fail.Store(true)
	breaker := safety.NewBreaker(safety.Options{
		Enabled:          true,
		MaxPlaceFailures: 5,
		MaxCycleFailures: 2,
		Cooldown:         time.Hour,
	}, nil)
	r, deps := newRunner(t, ex, nil, breaker)

	for i := 0; i < 2; i++ {
		_, err := r.RunCycle(ctx)
		require.Error(t, err)
	}
	ex.fail.Store(false)
	_, err := r.RunCycle(ctx)
	require.ErrorIs(t, err, safety.ErrCircuitOpen)

	open, err := ex.OpenOrders(ctx, "ETHUSDC")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 2.0, testutil.ToFloat64(deps.metrics.Cycles.WithLabelValues(resultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.Cycles.WithLabelValues(resultSkipped)))
	assert.Equal(t, 2, deps.alerts.count("cycle_failed"))

	status := r.RuntimeStatus()
	assert.Equal(t, "degraded", status.State)
	assert.Equal(t, 2, status.ConsecutiveFail)
	assert.Equal(t, "open", status.Circuits["cycle"])
	assert.NotContains(t, *deps.notes, "READY=1")
}

func TestCycleWithoutParamsFails(t *testing.T) {
	ex := newPaper(t, "1000")
	ex.Observe(d("2050"))
	r, _ := newRunner(t, ex, nil, nil)
	r.params.Store(nil)

	_, err := r.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trading params not set")
}

func TestParamsSwapAppliesToNextPlacement(t *testing.T) {
	ctx := context.Background()
	ex := newPaper(t, "1000")
	ex.Observe(d("2050"))
	r, _ := newRunner(t, ex, nil, nil)
	r.SetParams(strategy.Params{
		TradeSize:    d("50"),
		SellStrategy: strategy.SellNodeUpper,
		FeeAllowance: d("0.005"),
	})

	_, err := r.RunCycle(ctx)
	require.NoError(t, err)
	open, err := ex.OpenOrders(ctx, "ETHUSDC")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.True(t, open[0].Qty.Equal(d("0.0277")))
}

func TestRunStopsOnCancel(t *testing.T) {
	ex := newPaper(t, "1000")
	ex.Observe(d("2050"))
	r, deps := newRunner(t, ex, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	status, ok, err := deps.store.LoadRuntimeStatus()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "stopped", status.State)
	assert.Equal(t, "ETHUSDC", status.Symbol)
	assert.Equal(t, "test", status.InstanceID)
	assert.Contains(t, *deps.notes, "READY=1")
	assert.Equal(t, "STOPPING=1", (*deps.notes)[len(*deps.notes)-1])
}
