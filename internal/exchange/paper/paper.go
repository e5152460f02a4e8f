// Package paper is an in-process venue. Limit orders rest until the observed
// price crosses them and then fill completely at the limit price.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid/internal/core"
	"spot-grid/internal/exchange"
)

const tradesPageLimit = 500

var ErrUnknownSymbol = errors.New("unknown symbol")

type Options struct {
	Info         core.SymbolInfo
	InitialBase  decimal.Decimal
	InitialQuote decimal.Decimal
	// FeeRate is charged in the received asset: base on buys, quote on sells.
	FeeRate           decimal.Decimal
	ClientOrderPrefix string
	// Prices drives matching. Nil means the price only moves through Observe.
	Prices exchange.MarketData
	Logger *zap.Logger
}

type Exchange struct {
	info    core.SymbolInfo
	feeRate decimal.Decimal
	prefix  string
	prices  exchange.MarketData
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	free      map[string]decimal.Decimal
	locked    map[string]decimal.Decimal
	orders    map[string]*core.Order
	byClient  map[string]string
	trades    []core.Trade
	tradeSeq  int64
	lastPrice decimal.Decimal
}

func New(opts Options) (*Exchange, error) {
	if opts.Info.Symbol == "" || opts.Info.BaseAsset == "" || opts.Info.QuoteAsset == "" {
		return nil, errors.New("paper: symbol, base and quote asset required")
	}
	if opts.InitialBase.IsNegative() || opts.InitialQuote.IsNegative() {
		return nil, errors.New("paper: initial balances must be >= 0")
	}
	if opts.FeeRate.IsNegative() {
		return nil, errors.New("paper: fee rate must be >= 0")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exchange{
		info:    opts.Info,
		feeRate: opts.FeeRate,
		prefix:  exchange.NormalizeClientPrefix(opts.ClientOrderPrefix),
		prices:  opts.Prices,
		logger:  logger.With(zap.String("venue", "paper")),
		now:     time.Now,
		free: map[string]decimal.Decimal{
			opts.Info.BaseAsset:  opts.InitialBase,
			opts.Info.QuoteAsset: opts.InitialQuote,
		},
		locked:   make(map[string]decimal.Decimal),
		orders:   make(map[string]*core.Order),
		byClient: make(map[string]string),
	}, nil
}

func (e *Exchange) Name() string { return "paper" }

func (e *Exchange) checkSymbol(symbol string) error {
	if symbol != e.info.Symbol {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return nil
}

func (e *Exchange) SymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	if err := e.checkSymbol(symbol); err != nil {
		return core.SymbolInfo{}, err
	}
	return e.info, nil
}

// TickerPrice samples the price source and matches resting orders against it.
func (e *Exchange) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := e.checkSymbol(symbol); err != nil {
		return decimal.Zero, err
	}
	if e.prices == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.lastPrice.Cmp(decimal.Zero) <= 0 {
			return decimal.Zero, errors.New("paper: no price observed yet")
		}
		return e.lastPrice, nil
	}
	price, err := e.prices.TickerPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	e.Observe(price)
	return price, nil
}

// Observe records price as the latest trade and fills every resting order it
// crosses. It returns the fills it produced.
func (e *Exchange) Observe(price decimal.Decimal) []core.Trade {
	if price.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPrice = price
	return e.matchLocked()
}

func (e *Exchange) matchLocked() []core.Trade {
	var crossed []*core.Order
	for _, ord := range e.orders {
		if ord.Status == core.OrderNew && crosses(ord, e.lastPrice) {
			crossed = append(crossed, ord)
		}
	}
	sort.Slice(crossed, func(i, j int) bool {
		return crossed[i].CreatedAt.Before(crossed[j].CreatedAt)
	})
	fills := make([]core.Trade, 0, len(crossed))
	for _, ord := range crossed {
		fills = append(fills, e.fillLocked(ord))
	}
	return fills
}

func crosses(ord *core.Order, price decimal.Decimal) bool {
	switch ord.Side {
	case core.Buy:
		return price.Cmp(ord.Price) <= 0
	case core.Sell:
		return price.Cmp(ord.Price) >= 0
	default:
		return false
	}
}

func (e *Exchange) fillLocked(ord *core.Order) core.Trade {
	base, quote := e.info.BaseAsset, e.info.QuoteAsset
	notional := ord.Price.Mul(ord.Qty)
	trade := core.Trade{
		OrderID: ord.ID,
		Symbol:  ord.Symbol,
		Side:    ord.Side,
		Price:   ord.Price,
		Qty:     ord.Qty,
		Time:    e.now(),
	}
	switch ord.Side {
	case core.Buy:
		fee := ord.Qty.Mul(e.feeRate)
		e.locked[quote] = e.locked[quote].Sub(notional)
		e.free[base] = e.free[base].Add(ord.Qty.Sub(fee))
		trade.Fee, trade.FeeAsset = fee, base
	case core.Sell:
		fee := notional.Mul(e.feeRate)
		e.locked[base] = e.locked[base].Sub(ord.Qty)
		e.free[quote] = e.free[quote].Add(notional.Sub(fee))
		trade.Fee, trade.FeeAsset = fee, quote
	}
	e.tradeSeq++
	trade.Seq = e.tradeSeq
	trade.ID = strconv.FormatInt(e.tradeSeq, 10)
	e.trades = append(e.trades, trade)

	ord.Status = core.OrderFilled
	ord.ExecutedQty = ord.Qty
	ord.CumulativeQuoteQty = notional
	ord.UpdatedAt = trade.Time
	e.logger.Info("paper_order_filled",
		zap.String("order_id", ord.ID),
		zap.String("side", string(ord.Side)),
		zap.String("price", ord.Price.String()),
		zap.String("qty", ord.Qty.String()),
	)
	return trade
}

// PlaceOrder reserves funds for a limit order. An order that already crosses
// the last observed price fills immediately.
func (e *Exchange) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := e.checkSymbol(order.Symbol); err != nil {
		return core.Order{}, err
	}
	if order.Type == "" {
		order.Type = core.Limit
	}
	if order.Type != core.Limit {
		return core.Order{}, fmt.Errorf("%w: only limit orders are supported", core.ErrOrderRejected)
	}
	if err := e.info.Filters.Validate(order.Price, order.Qty); err != nil {
		return core.Order{}, errors.Join(err, core.ErrOrderRejected)
	}
	if order.ClientID == "" {
		order.ClientID = exchange.NewClientOrderID(e.prefix)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byClient[order.ClientID]; ok {
		return core.Order{}, fmt.Errorf("%w: client id %s", core.ErrDuplicateOrder, order.ClientID)
	}
	asset, need := e.info.QuoteAsset, order.Price.Mul(order.Qty)
	if order.Side == core.Sell {
		asset, need = e.info.BaseAsset, order.Qty
	} else if order.Side != core.Buy {
		return core.Order{}, fmt.Errorf("%w: side %q", core.ErrOrderRejected, order.Side)
	}
	if e.free[asset].Cmp(need) < 0 {
		return core.Order{}, fmt.Errorf("%w: need %s %s, free %s", core.ErrInsufficientBalance, need, asset, e.free[asset])
	}
	e.free[asset] = e.free[asset].Sub(need)
	e.locked[asset] = e.locked[asset].Add(need)

	now := e.now()
	order.ID = uuid.NewString()
	order.Status = core.OrderNew
	order.ExecutedQty = decimal.Zero
	order.CumulativeQuoteQty = decimal.Zero
	order.CreatedAt = now
	order.UpdatedAt = now
	stored := order
	e.orders[order.ID] = &stored
	e.byClient[order.ClientID] = order.ID

	if e.lastPrice.Cmp(decimal.Zero) > 0 && crosses(&stored, e.lastPrice) {
		e.fillLocked(&stored)
	}
	return stored, nil
}

// Cancel releases the reserved funds of a resting order.
func (e *Exchange) Cancel(ctx context.Context, symbol, orderID string) error {
	if err := e.checkSymbol(symbol); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ord, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
	}
	if ord.Status.Terminal() {
		return fmt.Errorf("%w: order %s is %s", core.ErrOrderRejected, orderID, ord.Status)
	}
	asset, held := e.info.QuoteAsset, ord.Price.Mul(ord.Qty)
	if ord.Side == core.Sell {
		asset, held = e.info.BaseAsset, ord.Qty
	}
	e.locked[asset] = e.locked[asset].Sub(held)
	e.free[asset] = e.free[asset].Add(held)
	ord.Status = core.OrderCanceled
	ord.UpdatedAt = e.now()
	return nil
}

func (e *Exchange) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	if err := e.checkSymbol(symbol); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Order, 0, len(e.orders))
	for _, ord := range e.orders {
		if !ord.Status.Terminal() {
			out = append(out, *ord)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (e *Exchange) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	if err := e.checkSymbol(symbol); err != nil {
		return core.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ord, ok := e.orders[orderID]
	if !ok {
		return core.Order{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
	}
	return *ord, nil
}

// Balances reports free amounts. Named assets are always present.
func (e *Exchange) Balances(ctx context.Context, assets ...string) (core.Balances, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(core.Balances)
	if len(assets) > 0 {
		for _, a := range assets {
			out[a] = e.free[a]
		}
		return out, nil
	}
	for a, v := range e.free {
		if !v.IsZero() {
			out[a] = v
		}
	}
	return out, nil
}

// ListTrades pages by trade sequence. The cursor is the first sequence to return.
func (e *Exchange) ListTrades(ctx context.Context, symbol, cursor string) ([]core.Trade, string, error) {
	if err := e.checkSymbol(symbol); err != nil {
		return nil, "", err
	}
	from := int64(1)
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("paper: bad trade cursor %q: %w", cursor, err)
		}
		from = v
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	start := int(from - 1)
	if start < 0 {
		start = 0
	}
	if start >= len(e.trades) {
		return nil, "", nil
	}
	end := start + tradesPageLimit
	next := ""
	if end < len(e.trades) {
		next = strconv.FormatInt(e.trades[end].Seq, 10)
	} else {
		end = len(e.trades)
	}
	page := make([]core.Trade, end-start)
	copy(page, e.trades[start:end])
	return page, next, nil
}
