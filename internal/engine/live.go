package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spot-grid/internal/alert"
	"spot-grid/internal/core"
	"spot-grid/internal/costbasis"
	"spot-grid/internal/exchange"
	"spot-grid/internal/grid"
	"spot-grid/internal/logging"
	"spot-grid/internal/metrics"
	"spot-grid/internal/safety"
	"spot-grid/internal/store"
	"spot-grid/internal/strategy"
)

var ErrInvalidPrice = errors.New("ticker price must be positive")

const (
	resultOK      = "ok"
	resultFailed  = "failed"
	resultSkipped = "skipped"
)

// StatusSink receives the runtime status after every cycle.
type StatusSink interface {
	SaveRuntimeStatus(status store.RuntimeStatus) error
}

// LiveRunner drives one reconciliation cycle per tick. Cycles never overlap;
// a tick that arrives while a cycle runs is dropped by the ticker.
type LiveRunner struct {
	Exchange   exchange.Exchange
	Symbol     string
	Mode       string
	InstanceID string
	GridMode   string
	Builder    *grid.Builder
	Interval   time.Duration
	CostBasis  costbasis.Options
	Store      store.Persister
	Status     StatusSink
	Breaker    *safety.Breaker
	Alerts     alert.Alerter
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	params atomic.Pointer[strategy.Params]
	notify func(state string)
	now    func() time.Time

	mu          sync.Mutex
	info        core.SymbolInfo
	reconciler  *strategy.Reconciler
	state       strategy.EngineState
	loaded      bool
	ready       bool
	startedAt   time.Time
	lastCycleAt time.Time
	lastErr     string
	failures    int
	phase       string
}

// SetParams installs the tunables read at the start of the next cycle.
func (r *LiveRunner) SetParams(p strategy.Params) {
	if p.Symbol == "" {
		p.Symbol = r.Symbol
	}
	r.params.Store(&p)
}

func (r *LiveRunner) currentParams() (strategy.Params, error) {
	p := r.params.Load()
	if p == nil {
		return strategy.Params{}, errors.New("trading params not set")
	}
	return *p, nil
}

func (r *LiveRunner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *LiveRunner) clock() time.Time {
	if r.now != nil {
		return r.now().UTC()
	}
	return time.Now().UTC()
}

func (r *LiveRunner) sdNotify(state string) {
	if r.notify != nil {
		r.notify(state)
		return
	}
	if _, err := daemon.SdNotify(false, state); err != nil {
		r.logger().Debug("sd_notify_failed", zap.Error(err))
	}
}

// Run cycles until ctx is done. Cycle failures are reported and retried on
// the next tick; only ctx cancellation ends the loop.
func (r *LiveRunner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.mu.Lock()
	r.startedAt = r.clock()
	r.phase = "starting"
	r.mu.Unlock()
	r.persistStatus()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.RunCycle(ctx)
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.phase = "stopped"
			r.mu.Unlock()
			r.persistStatus()
			r.sdNotify(daemon.SdNotifyStopping)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle runs one cycle and does all of its reporting. The returned error
// is informational; the runner state already reflects it.
func (r *LiveRunner) RunCycle(ctx context.Context) (strategy.Report, error) {
	started := time.Now()
	if err := r.Breaker.AllowCycle(); err != nil {
		r.logger().Warn("cycle_skipped",
			zap.Error(err),
			zap.Duration("cooldown_remaining", r.Breaker.CycleCooldownRemaining()),
		)
		r.observe(resultSkipped, started)
		r.mu.Lock()
		r.phase = "degraded"
		r.lastErr = err.Error()
		r.mu.Unlock()
		r.persistStatus()
		return strategy.Report{}, err
	}

	report, err := r.cycle(ctx)
	r.reportEvents(report)
	if tripErr := r.Breaker.RecordCycle(err); tripErr != nil && err != nil {
		err = errors.Join(err, tripErr)
	}

	r.mu.Lock()
	r.lastCycleAt = r.clock()
	if err != nil {
		r.failures++
		r.lastErr = err.Error()
		r.phase = "degraded"
	} else {
		r.failures = 0
		r.lastErr = ""
		r.phase = "running"
	}
	failures := r.failures
	firstReady := err == nil && !r.ready
	if firstReady {
		r.ready = true
	}
	modes := r.state.ModeCounts()
	r.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			r.logger().Error("cycle_failed", zap.Error(err), zap.Int("consecutive_failures", failures))
			r.alertImportant("cycle_failed", map[string]string{
				"error":                err.Error(),
				"consecutive_failures": fmt.Sprint(failures),
			})
		}
		r.observe(resultFailed, started)
	} else {
		r.logger().Debug("cycle_done",
			zap.Int64("cycle", report.Cycle),
			zap.Int("events", len(report.Events)),
			zap.Int("placed", report.Placed()),
			zap.Duration("took", time.Since(started)),
		)
		r.observe(resultOK, started)
	}
	if r.Metrics != nil {
		counts := make(map[string]int, len(modes))
		for _, m := range strategy.AllModes {
			counts[string(m)] = modes[m]
		}
		r.Metrics.SetNodeModes(counts)
	}
	r.persistStatus()
	if firstReady {
		r.sdNotify(daemon.SdNotifyReady)
	}
	r.sdNotify(daemon.SdNotifyWatchdog)
	return report, err
}

func (r *LiveRunner) observe(result string, started time.Time) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.ObserveCycle(result, time.Since(started), r.clock())
}

func (r *LiveRunner) cycle(ctx context.Context) (strategy.Report, error) {
	params, err := r.currentParams()
	if err != nil {
		return strategy.Report{}, err
	}
	rec, info, err := r.ensureReconciler(ctx)
	if err != nil {
		return strategy.Report{}, err
	}
	snap, err := r.fetchSnapshot(ctx, info)
	if err != nil {
		return strategy.Report{}, err
	}
	if r.Metrics != nil {
		r.Metrics.LastPrice.Set(snap.Price.InexactFloat64())
	}

	state, seeded, err := r.ensureState(snap, params, rec.Filters())
	if err != nil {
		return strategy.Report{}, err
	}
	next, report, passErr := rec.Reconcile(ctx, params, state, snap)
	if len(seeded) > 0 {
		report.Events = append(seeded, report.Events...)
	}

	// a failed pass still advanced some nodes; keep and persist that
	r.mu.Lock()
	r.state = next
	r.mu.Unlock()
	if err := r.persist(state, next, report, snap.At); err != nil {
		if passErr != nil {
			return report, errors.Join(passErr, err)
		}
		return report, err
	}
	return report, passErr
}

func (r *LiveRunner) ensureReconciler(ctx context.Context) (*strategy.Reconciler, core.SymbolInfo, error) {
	r.mu.Lock()
	rec, info := r.reconciler, r.info
	r.mu.Unlock()
	if rec != nil && info.Filters.Loaded() {
		return rec, info, nil
	}
	info, err := r.Exchange.SymbolInfo(ctx, r.Symbol)
	if err != nil {
		return nil, core.SymbolInfo{}, fmt.Errorf("symbol info: %w", err)
	}
	if info.BaseAsset == "" || info.QuoteAsset == "" {
		return nil, core.SymbolInfo{}, fmt.Errorf("symbol info: %s has no base/quote asset", r.Symbol)
	}
	opts := r.CostBasis
	opts.Symbol, opts.BaseAsset, opts.QuoteAsset = r.Symbol, info.BaseAsset, info.QuoteAsset
	var source exchange.CostBasisSource
	if s, ok := r.Exchange.(exchange.CostBasisSource); ok {
		source = s
	}
	resolver := costbasis.NewResolver(opts, r.Exchange, source, r.logger())
	rec = strategy.NewReconciler(info.Filters, r.Exchange, resolver)

	r.mu.Lock()
	r.reconciler, r.info = rec, info
	r.mu.Unlock()
	r.logger().Info("symbol_filters_loaded",
		zap.String("symbol", info.Symbol),
		zap.String("price_tick", info.Filters.PriceTick.String()),
		zap.String("qty_step", info.Filters.QtyStep.String()),
		zap.String("min_notional", info.Filters.MinNotional.String()),
	)
	return rec, info, nil
}

func (r *LiveRunner) fetchSnapshot(ctx context.Context, info core.SymbolInfo) (strategy.Snapshot, error) {
	var (
		price    decimal.Decimal
		balances core.Balances
		open     []core.Order
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := r.Exchange.TickerPrice(gctx, r.Symbol)
		if err != nil {
			return fmt.Errorf("ticker price: %w", err)
		}
		price = p
		return nil
	})
	g.Go(func() error {
		b, err := r.Exchange.Balances(gctx, info.BaseAsset, info.QuoteAsset)
		if err != nil {
			return fmt.Errorf("balances: %w", err)
		}
		balances = b
		return nil
	})
	g.Go(func() error {
		o, err := r.Exchange.OpenOrders(gctx, r.Symbol)
		if err != nil {
			return fmt.Errorf("open orders: %w", err)
		}
		open = o
		return nil
	})
	if err := g.Wait(); err != nil {
		return strategy.Snapshot{}, err
	}
	if price.Cmp(decimal.Zero) <= 0 {
		return strategy.Snapshot{}, fmt.Errorf("%w: got %s", ErrInvalidPrice, price)
	}
	return strategy.Snapshot{
		Price:      price,
		QuoteFree:  balances.Free(info.QuoteAsset),
		BaseFree:   balances.Free(info.BaseAsset),
		OpenOrders: open,
		At:         r.clock(),
	}, nil
}

// ensureState builds the grid on the first valid price and restores node
// state once per process: from the store when it has a record, otherwise by
// seeding idle nodes from matching open orders.
func (r *LiveRunner) ensureState(snap strategy.Snapshot, params strategy.Params, filters core.SymbolFilters) (strategy.EngineState, []strategy.Event, error) {
	r.mu.Lock()
	loaded, state := r.loaded, r.state
	r.mu.Unlock()
	if loaded {
		return state, nil, nil
	}

	var persisted store.GridState
	var found bool
	if r.Store != nil {
		var err error
		persisted, found, err = r.Store.LoadGridState()
		if err != nil {
			return strategy.EngineState{}, nil, fmt.Errorf("load grid state: %w", err)
		}
		if found && persisted.Grid().Empty() {
			found = false
		}
		if found {
			r.Builder.Restore(persisted.Grid())
		}
	}
	g, err := r.Builder.Ensure(snap.Price, filters)
	if err != nil {
		return strategy.EngineState{}, nil, fmt.Errorf("build grid: %w", err)
	}

	var seeded []strategy.Event
	if found {
		state = persisted.Engine(g)
		r.logger().Info("grid_state_restored",
			zap.Int("nodes", g.NodeCount()),
			zap.Int64("cycle", state.Cycle),
		)
	} else {
		state, seeded = strategy.Seed(strategy.NewEngineState(g), params, filters, snap.OpenOrders)
		r.logger().Info("grid_built",
			zap.Int("nodes", g.NodeCount()),
			zap.String("low", g.PriceAt(0).String()),
			zap.String("high", g.PriceAt(len(g.Prices)-1).String()),
			zap.Int("seeded_events", len(seeded)),
		)
	}

	r.mu.Lock()
	r.state = state
	r.loaded = true
	r.mu.Unlock()
	return state, seeded, nil
}

func (r *LiveRunner) persist(prev, next strategy.EngineState, report strategy.Report, at time.Time) error {
	if r.Store == nil {
		return nil
	}
	gs := store.FromEngine(r.Symbol, r.GridMode, next)
	gs.UpdatedAt = at
	if err := r.Store.SaveGridState(gs); err != nil {
		return fmt.Errorf("save grid state: %w", err)
	}
	for _, ev := range report.Events {
		fill, ok := fillFromEvent(r.Symbol, prev, ev, at)
		if !ok {
			continue
		}
		if err := r.Store.AppendFill(fill); err != nil {
			return fmt.Errorf("journal fill: %w", err)
		}
	}
	return nil
}

func fillFromEvent(symbol string, prev strategy.EngineState, ev strategy.Event, at time.Time) (store.Fill, bool) {
	if ev.OrderID == "" {
		return store.Fill{}, false
	}
	fill := store.Fill{
		Node:    ev.Node,
		Symbol:  symbol,
		Side:    ev.Side,
		OrderID: ev.OrderID,
		Price:   ev.Price,
		Qty:     ev.Qty,
		PnL:     ev.PnL,
		Time:    at,
		Partial: ev.Detail != "",
	}
	switch ev.Kind {
	case strategy.EventBuyFilled:
		fill.CostKnown = ev.Price.Cmp(decimal.Zero) > 0
	case strategy.EventSellFilled:
		if ev.Node >= 0 && ev.Node < len(prev.Nodes) {
			fill.CostKnown = prev.Nodes[ev.Node].CostKnown()
		}
	case strategy.EventSellClosed:
		if ev.Qty.Cmp(decimal.Zero) <= 0 {
			return store.Fill{}, false
		}
		fill.Partial = true
	default:
		return store.Fill{}, false
	}
	return fill, true
}

func (r *LiveRunner) reportEvents(report strategy.Report) {
	logger := r.logger()
	for _, ev := range report.Events {
		fields := ev.Fields()
		zf := append(logging.StringMap(fields), zap.Int64("cycle", report.Cycle))
		switch ev.Kind {
		case strategy.EventOrderRejected, strategy.EventUnrecognizedOrder, strategy.EventCostBasisUnknown,
			strategy.EventInsufficientBase, strategy.EventOrderInvalid:
			logger.Warn(string(ev.Kind), zf...)
		default:
			logger.Info(string(ev.Kind), zf...)
		}
		if r.Metrics != nil {
			r.Metrics.Events.WithLabelValues(string(ev.Kind)).Inc()
			switch ev.Kind {
			case strategy.EventBuyPlaced, strategy.EventSellPlaced:
				r.Metrics.OrdersPlaced.WithLabelValues(string(ev.Side)).Inc()
			case strategy.EventBuyFilled, strategy.EventSellFilled:
				r.Metrics.Fills.WithLabelValues(string(ev.Side)).Inc()
				if !ev.PnL.IsZero() {
					r.Metrics.RealizedPnL.Add(ev.PnL.InexactFloat64())
				}
			}
		}
		if ev.Important() {
			fields["symbol"] = r.Symbol
			r.alertImportant(string(ev.Kind), fields)
		}
	}
}

func (r *LiveRunner) alertImportant(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}

// RuntimeStatus is the health view of the runner.
func (r *LiveRunner) RuntimeStatus() store.RuntimeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	mode := r.Mode
	if mode == "" {
		mode = "live"
	}
	instanceID := r.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}
	modes := r.state.ModeCounts()
	nodeModes := make(map[string]int, len(modes))
	for m, n := range modes {
		nodeModes[string(m)] = n
	}
	return store.RuntimeStatus{
		Mode:            mode,
		Symbol:          r.Symbol,
		InstanceID:      instanceID,
		PID:             os.Getpid(),
		State:           r.phase,
		StartedAt:       r.startedAt,
		UpdatedAt:       r.clock(),
		LastCycleAt:     r.lastCycleAt,
		Cycle:           r.state.Cycle,
		LastError:       r.lastErr,
		ConsecutiveFail: r.failures,
		NodeModes:       nodeModes,
		Circuits:        r.Breaker.State(),
	}
}

func (r *LiveRunner) persistStatus() {
	if r.Status == nil {
		return
	}
	if err := r.Status.SaveRuntimeStatus(r.RuntimeStatus()); err != nil {
		r.logger().Warn("runtime_status_write_failed", zap.Error(err))
	}
}
