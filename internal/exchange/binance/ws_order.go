package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid/internal/core"
	"spot-grid/internal/exchange"
)

type wsOrderResult struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cummulativeQuoteQty"`
}

type orderWSConn struct {
	conn *websocket.Conn
	stop chan struct{}
}

// PlaceOrder submits a GTC limit order. A venue rejection from the socket is
// final; only transport trouble falls back to REST, reusing the client id so
// the venue can de-duplicate.
func (c *Client) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if order.ClientID == "" {
		order.ClientID = exchange.NewClientOrderID(c.clientOrderPrefix)
	}
	if order.Type == "" {
		order.Type = core.Limit
	}
	placed, err := c.placeOrderWS(ctx, order)
	if err == nil {
		if c.clearWSDegraded() {
			c.logger.Info("ws_order_recovered", zap.String("symbol", order.Symbol))
			c.alertImportant("ws_order_recovered", map[string]string{
				"symbol": order.Symbol,
			})
		}
		return placed, nil
	}
	if _, ok := AsAPIError(err); ok {
		return core.Order{}, err
	}
	if c.markWSDegraded() {
		c.logger.Warn("ws_order_fallback_to_rest",
			zap.String("symbol", order.Symbol),
			zap.String("client_id", order.ClientID),
			zap.Error(err),
		)
		c.alertImportant("ws_order_fallback_to_rest", map[string]string{
			"symbol":    order.Symbol,
			"side":      string(order.Side),
			"price":     order.Price.String(),
			"qty":       order.Qty.String(),
			"client_id": order.ClientID,
			"ws_error":  err.Error(),
		})
	}
	return c.placeOrderREST(ctx, order)
}

func (c *Client) placeOrderWS(ctx context.Context, order core.Order) (core.Order, error) {
	if c.wsBaseURL == "" {
		return core.Order{}, errors.New("ws base url required")
	}
	params, err := c.wsOrderParams(order)
	if err != nil {
		return core.Order{}, err
	}

	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	conn, err := c.ensureOrderConn(ctx)
	if err != nil {
		return core.Order{}, err
	}
	resp, err := sendWSRequest(ctx, conn, "order.place", params)
	if err != nil {
		if _, ok := AsAPIError(err); !ok {
			c.resetOrderConn()
		}
		return core.Order{}, err
	}
	var result wsOrderResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return core.Order{}, err
	}
	order.ID = strconv.FormatInt(result.OrderID, 10)
	order.Status = core.OrderNew
	if result.Status != "" {
		order.Status = core.OrderStatus(result.Status)
	}
	order.ExecutedQty = parseDecimal(result.ExecutedQty)
	order.CumulativeQuoteQty = parseDecimal(result.CumQuote)
	if result.ClientOrderID != "" {
		order.ClientID = result.ClientOrderID
	}
	return order, nil
}

// orderFields renders price and quantity at the symbol's step precision when
// the filters are known, so the venue never sees a trailing-digit mismatch.
func (c *Client) orderFields(order core.Order) (price, qty string) {
	if filters, ok := c.cachedFilters(order.Symbol); ok {
		return filters.FormatPrice(order.Price), filters.FormatQty(order.Qty)
	}
	return order.Price.String(), order.Qty.String()
}

func validateOrder(order core.Order) error {
	if order.Symbol == "" {
		return errors.New("symbol required")
	}
	if order.Type != core.Limit {
		return errors.New("only limit orders are supported")
	}
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return errors.New("invalid order quantity")
	}
	if order.Price.Cmp(decimal.Zero) <= 0 {
		return errors.New("invalid order price")
	}
	return nil
}

func (c *Client) wsOrderParams(order core.Order) (map[string]interface{}, error) {
	if err := validateOrder(order); err != nil {
		return nil, err
	}
	price, qty := c.orderFields(order)
	ts := time.Now().UnixMilli()
	params := map[string]interface{}{
		"symbol":      order.Symbol,
		"side":        string(order.Side),
		"type":        string(order.Type),
		"timeInForce": "GTC",
		"price":       price,
		"quantity":    qty,
		"timestamp":   ts,
	}
	if order.ClientID != "" {
		params["newClientOrderId"] = order.ClientID
	}
	if c.recvWindow > 0 {
		params["recvWindow"] = c.recvWindow.Milliseconds()
	}

	if c.wsAuth != "session" {
		if c.apiKey == "" || c.apiSecret == "" {
			return nil, errors.New("api_key/api_secret required")
		}
		values := url.Values{}
		values.Set("apiKey", c.apiKey)
		values.Set("symbol", order.Symbol)
		values.Set("side", string(order.Side))
		values.Set("type", string(order.Type))
		values.Set("timeInForce", "GTC")
		values.Set("price", price)
		values.Set("quantity", qty)
		values.Set("timestamp", strconv.FormatInt(ts, 10))
		if order.ClientID != "" {
			values.Set("newClientOrderId", order.ClientID)
		}
		if c.recvWindow > 0 {
			values.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params["apiKey"] = c.apiKey
		params["signature"] = sign(c.apiSecret, values.Encode())
	}

	return params, nil
}

func (c *Client) placeOrderREST(ctx context.Context, order core.Order) (core.Order, error) {
	if err := validateOrder(order); err != nil {
		return core.Order{}, err
	}
	price, qty := c.orderFields(order)
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	params.Set("timeInForce", "GTC")
	params.Set("price", price)
	params.Set("quantity", qty)
	params.Set("newOrderRespType", "RESULT")
	if order.ClientID != "" {
		params.Set("newClientOrderId", order.ClientID)
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, AuthSigned)
	if err != nil {
		// an earlier attempt may have landed; adopt it instead of failing
		if errors.Is(err, core.ErrDuplicateOrder) && order.ClientID != "" {
			if existing, qerr := c.getOrderByClientID(ctx, order.Symbol, order.ClientID); qerr == nil {
				c.logger.Info("order_duplicate_adopted",
					zap.String("client_id", order.ClientID),
					zap.String("order_id", existing.ID),
				)
				return existing, nil
			}
		}
		if apiErr, ok := AsAPIError(err); ok {
			c.alertImportant("order_rejected", map[string]string{
				"symbol":     order.Symbol,
				"side":       string(order.Side),
				"client_id":  order.ClientID,
				"error_code": strconv.Itoa(apiErr.Code),
				"error_msg":  apiErr.Msg,
			})
		}
		return core.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	placed := resp.toOrder()
	if placed.ClientID == "" {
		placed.ClientID = order.ClientID
	}
	if placed.Price.IsZero() {
		placed.Price = order.Price
	}
	if placed.Qty.IsZero() {
		placed.Qty = order.Qty
	}
	if placed.Symbol == "" {
		placed.Symbol = order.Symbol
	}
	if placed.Side == "" {
		placed.Side = order.Side
	}
	placed.Type = core.Limit
	placed.GridIndex = order.GridIndex
	return placed, nil
}

func (c *Client) ensureOrderConn(ctx context.Context) (*websocket.Conn, error) {
	if c.orderConn != nil {
		return c.orderConn.conn, nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL, nil)
	if err != nil {
		return nil, err
	}
	if c.wsAuth == "session" {
		if err := c.sessionLogon(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	ow := &orderWSConn{conn: conn, stop: make(chan struct{})}
	c.orderConn = ow
	if c.orderWSKeepalive > 0 {
		go c.orderKeepaliveLoop(ow)
	}
	return conn, nil
}

func (c *Client) resetOrderConn() {
	if c.orderConn == nil {
		return
	}
	close(c.orderConn.stop)
	_ = c.orderConn.conn.Close()
	c.orderConn = nil
}

func (c *Client) orderKeepaliveLoop(ow *orderWSConn) {
	ticker := time.NewTicker(c.orderWSKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.orderMu.Lock()
			if c.orderConn == nil || c.orderConn != ow {
				c.orderMu.Unlock()
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := sendWSRequest(ctx, ow.conn, "ping", nil)
			cancel()
			if err != nil {
				c.logger.Warn("ws_order_keepalive_failed", zap.Error(err))
				c.resetOrderConn()
				c.orderMu.Unlock()
				return
			}
			c.orderMu.Unlock()
		case <-ow.stop:
			return
		}
	}
}
