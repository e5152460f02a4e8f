package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit OrderType = "LIMIT"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the exchange will never touch the order again.
// Unknown statuses are treated as pending.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

type Order struct {
	ID                 string
	ClientID           string
	Symbol             string
	Side               Side
	Type               OrderType
	Price              decimal.Decimal
	Qty                decimal.Decimal
	ExecutedQty        decimal.Decimal
	CumulativeQuoteQty decimal.Decimal
	Status             OrderStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
	GridIndex          int
}

// AvgFillPrice returns cumulativeQuote/executedQty, or false when nothing executed.
func (o Order) AvgFillPrice() (decimal.Decimal, bool) {
	if o.ExecutedQty.Cmp(decimal.Zero) <= 0 || o.CumulativeQuoteQty.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, false
	}
	return o.CumulativeQuoteQty.Div(o.ExecutedQty), true
}

// Trade is one execution from the account's history. Seq orders trades
// for the same symbol (the exchange trade id).
type Trade struct {
	ID       string
	OrderID  string
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Fee      decimal.Decimal
	FeeAsset string
	Seq      int64
	Time     time.Time
}

// Balances maps asset name to free amount.
type Balances map[string]decimal.Decimal

func (b Balances) Free(asset string) decimal.Decimal {
	if b == nil {
		return decimal.Zero
	}
	return b[asset]
}

type SymbolInfo struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Filters    SymbolFilters
}
