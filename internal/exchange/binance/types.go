package binance

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type orderResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Time               int64  `json:"time"`
	TransactTime       int64  `json:"transactTime"`
	UpdateTime         int64  `json:"updateTime"`
}

// toOrder keeps origQty as Qty; callers derive the remainder from ExecutedQty.
func (r orderResponse) toOrder() core.Order {
	o := core.Order{
		ID:                 strconv.FormatInt(r.OrderID, 10),
		ClientID:           r.ClientOrderID,
		Symbol:             r.Symbol,
		Side:               core.Side(r.Side),
		Type:               core.OrderType(r.Type),
		Price:              parseDecimal(r.Price),
		Qty:                parseDecimal(r.OrigQty),
		ExecutedQty:        parseDecimal(r.ExecutedQty),
		CumulativeQuoteQty: parseDecimal(r.CumulativeQuoteQty),
		Status:             core.OrderStatus(r.Status),
	}
	if o.Status == "" {
		o.Status = core.OrderNew
	}
	switch {
	case r.Time > 0:
		o.CreatedAt = time.UnixMilli(r.Time).UTC()
	case r.TransactTime > 0:
		o.CreatedAt = time.UnixMilli(r.TransactTime).UTC()
	}
	if r.UpdateTime > 0 {
		o.UpdatedAt = time.UnixMilli(r.UpdateTime).UTC()
	}
	return o
}

type tradeResponse struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Symbol          string `json:"symbol"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
}

func (r tradeResponse) toTrade() core.Trade {
	side := core.Sell
	if r.IsBuyer {
		side = core.Buy
	}
	return core.Trade{
		ID:       strconv.FormatInt(r.ID, 10),
		OrderID:  strconv.FormatInt(r.OrderID, 10),
		Symbol:   r.Symbol,
		Side:     side,
		Price:    parseDecimal(r.Price),
		Qty:      parseDecimal(r.Qty),
		Fee:      parseDecimal(r.Commission),
		FeeAsset: r.CommissionAsset,
		Seq:      r.ID,
		Time:     time.UnixMilli(r.Time).UTC(),
	}
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// capitalCoinResponse is one entry of /sapi/v1/capital/config/getall. The
// average cost field is not documented and its name has varied, so every
// known spelling is read.
type capitalCoinResponse struct {
	Coin      string `json:"coin"`
	Asset     string `json:"asset"`
	AvgPrice  string `json:"avgPrice"`
	Price     string `json:"price"`
	CostPrice string `json:"costPrice"`
}

func (r capitalCoinResponse) averageCost() decimal.Decimal {
	for _, raw := range []string{r.AvgPrice, r.Price, r.CostPrice} {
		if v := parseDecimal(raw); v.Cmp(decimal.Zero) > 0 {
			return v
		}
	}
	return decimal.Zero
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolFilterResponse struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	StepSize    string `json:"stepSize"`
	MinPrice    string `json:"minPrice"`
	MaxPrice    string `json:"maxPrice"`
	TickSize    string `json:"tickSize"`
	MinNotional string `json:"minNotional"`
}

type symbolInfoResponse struct {
	Symbol     string                 `json:"symbol"`
	Status     string                 `json:"status"`
	BaseAsset  string                 `json:"baseAsset"`
	QuoteAsset string                 `json:"quoteAsset"`
	Filters    []symbolFilterResponse `json:"filters"`
}

func parseSymbolInfo(src symbolInfoResponse) core.SymbolInfo {
	info := core.SymbolInfo{
		Symbol:     src.Symbol,
		BaseAsset:  src.BaseAsset,
		QuoteAsset: src.QuoteAsset,
	}
	f := &info.Filters
	for _, flt := range src.Filters {
		switch flt.FilterType {
		case "LOT_SIZE":
			f.MinQty = parseDecimal(flt.MinQty)
			f.MaxQty = parseDecimal(flt.MaxQty)
			f.QtyStep = parseDecimal(flt.StepSize)
		case "PRICE_FILTER":
			f.MinPrice = parseDecimal(flt.MinPrice)
			f.MaxPrice = parseDecimal(flt.MaxPrice)
			f.PriceTick = parseDecimal(flt.TickSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			// both may be present; keep the stricter minimum
			if v := parseDecimal(flt.MinNotional); v.Cmp(f.MinNotional) > 0 {
				f.MinNotional = v
			}
		}
	}
	return info
}

// parseDecimal maps blanks and garbage to zero, which every filter treats as
// "no constraint".
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
