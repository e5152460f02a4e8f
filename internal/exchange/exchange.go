package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

type MarketData interface {
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type Account interface {
	OpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
	// QueryOrder returns core.ErrOrderNotFound when the venue no longer knows the id.
	QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error)
	Balances(ctx context.Context, assets ...string) (core.Balances, error)
}

type OrderSubmitter interface {
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
}

// TradeHistory pages through executions oldest first. An empty next cursor
// means there are no more pages.
type TradeHistory interface {
	ListTrades(ctx context.Context, symbol, cursor string) ([]core.Trade, string, error)
}

type SymbolMetadata interface {
	SymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error)
}

// CostBasisSource exposes a venue-maintained average acquisition price.
// Implementations return core.ErrCostBasisUnavailable when they have none.
type CostBasisSource interface {
	AverageCost(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Exchange is everything a live cycle needs from a venue.
type Exchange interface {
	Name() string
	MarketData
	Account
	OrderSubmitter
	TradeHistory
	SymbolMetadata
}
