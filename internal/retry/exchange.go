package retry

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"spot-grid/internal/core"
	"spot-grid/internal/exchange"
)

// Exchange decorates a venue so every call is rate limited, bounded in time
// and retried under one Policy.
type Exchange struct {
	next     exchange.Exchange
	policy   Policy
	limiter  *rate.Limiter
	idPrefix string
}

// Wrap decorates next. A nil limiter disables rate limiting.
func Wrap(next exchange.Exchange, policy Policy, limiter *rate.Limiter, clientIDPrefix string) *Exchange {
	return &Exchange{next: next, policy: policy, limiter: limiter, idPrefix: clientIDPrefix}
}

func (e *Exchange) Name() string { return e.next.Name() }

func (e *Exchange) Unwrap() exchange.Exchange { return e.next }

func (e *Exchange) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

func call[T any](ctx context.Context, e *Exchange, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return DoValue(ctx, e.policy, op, func(ctx context.Context) (T, error) {
		if err := e.wait(ctx); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx)
	})
}

func (e *Exchange) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return call(ctx, e, "ticker_price", func(ctx context.Context) (decimal.Decimal, error) {
		return e.next.TickerPrice(ctx, symbol)
	})
}

func (e *Exchange) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	return call(ctx, e, "open_orders", func(ctx context.Context) ([]core.Order, error) {
		return e.next.OpenOrders(ctx, symbol)
	})
}

func (e *Exchange) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	return call(ctx, e, "query_order", func(ctx context.Context) (core.Order, error) {
		return e.next.QueryOrder(ctx, symbol, orderID)
	})
}

func (e *Exchange) Balances(ctx context.Context, assets ...string) (core.Balances, error) {
	return call(ctx, e, "balances", func(ctx context.Context) (core.Balances, error) {
		return e.next.Balances(ctx, assets...)
	})
}

// PlaceOrder fixes the client order id before the first attempt so a retry
// after an ambiguous failure resolves to the same order on the venue.
func (e *Exchange) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if order.ClientID == "" {
		order.ClientID = exchange.NewClientOrderID(e.idPrefix)
	}
	return call(ctx, e, "place_order", func(ctx context.Context) (core.Order, error) {
		return e.next.PlaceOrder(ctx, order)
	})
}

type tradePage struct {
	trades []core.Trade
	next   string
}

func (e *Exchange) ListTrades(ctx context.Context, symbol, cursor string) ([]core.Trade, string, error) {
	page, err := call(ctx, e, "list_trades", func(ctx context.Context) (tradePage, error) {
		trades, next, err := e.next.ListTrades(ctx, symbol, cursor)
		return tradePage{trades: trades, next: next}, err
	})
	return page.trades, page.next, err
}

func (e *Exchange) SymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	return call(ctx, e, "symbol_info", func(ctx context.Context) (core.SymbolInfo, error) {
		return e.next.SymbolInfo(ctx, symbol)
	})
}

// AverageCost forwards to the venue when it exposes a cost basis field.
func (e *Exchange) AverageCost(ctx context.Context, asset string) (decimal.Decimal, error) {
	src, ok := e.next.(exchange.CostBasisSource)
	if !ok {
		return decimal.Zero, core.ErrCostBasisUnavailable
	}
	return call(ctx, e, "average_cost", func(ctx context.Context) (decimal.Decimal, error) {
		return src.AverageCost(ctx, asset)
	})
}
