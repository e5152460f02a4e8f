package binance

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid/internal/alert"
	"spot-grid/internal/config"
	"spot-grid/internal/core"
	"spot-grid/internal/exchange"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

const (
	tradesPageLimit = 1000

	DefaultRestBaseURL        = "https://api.binance.com"
	DefaultWSBaseURL          = "wss://ws-api.binance.com:443/ws-api/v3"
	DefaultTestnetRestBaseURL = "https://testnet.binance.vision"
	DefaultTestnetWSBaseURL   = "wss://ws-api.testnet.binance.vision/ws-api/v3"
)

// Client talks to the Binance spot REST API and places orders over the
// WebSocket API, falling back to REST when the socket is unavailable.
type Client struct {
	apiKey            string
	apiSecret         string
	baseURL           string
	wsBaseURL         string
	clientOrderPrefix string
	onlyOwnOrders     bool
	wsAuth            string
	wsKey             ed25519.PrivateKey
	orderMu           sync.Mutex
	orderConn         *orderWSConn
	orderWSKeepalive  time.Duration
	logger            *zap.Logger

	recvWindow time.Duration
	httpClient *http.Client

	mu          sync.Mutex
	alerter     alert.Alerter
	symbolCache map[string]core.SymbolInfo
	wsDegraded  bool
}

type Options struct {
	APIKey            string
	APISecret         string
	RestBaseURL       string
	WSBaseURL         string
	ClientOrderPrefix string
	// OnlyOwnOrders hides open orders whose client id was not minted with
	// ClientOrderPrefix.
	OnlyOwnOrders bool
	// WSAuth is "signature" (HMAC per request) or "session" (ed25519 logon).
	WSAuth              string
	WSEd25519KeyPath    string
	RecvWindowMs        int64
	HTTPTimeoutSec      int64
	OrderWSKeepaliveSec int64
	Logger              *zap.Logger
}

func OptionsFromConfig(ex config.ExchangeConfig, logger *zap.Logger) Options {
	return Options{
		APIKey:              ex.APIKey,
		APISecret:           ex.APISecret,
		RestBaseURL:         ex.RestBaseURL,
		WSBaseURL:           ex.WSBaseURL,
		ClientOrderPrefix:   ex.ClientOrderPrefix,
		OnlyOwnOrders:       ex.OnlyOwnOrders,
		WSAuth:              string(ex.WSAuth),
		WSEd25519KeyPath:    ex.WSEd25519KeyPath,
		RecvWindowMs:        ex.RecvWindowMs,
		HTTPTimeoutSec:      ex.HTTPTimeoutSec,
		OrderWSKeepaliveSec: ex.OrderWSKeepaliveSec,
		Logger:              logger,
	}
}

// NewClient validates credentials and loads the session key when one is needed.
func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	client := NewClientWithOptions(opts)
	if client.wsAuth == "session" {
		key, err := loadSessionKey(opts.WSEd25519KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load ws session key: %w", err)
		}
		client.wsKey = key
	}
	return client, nil
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	wsAuth := strings.ToLower(strings.TrimSpace(opts.WSAuth))
	if wsAuth == "" {
		wsAuth = "signature"
	}
	baseURL := opts.RestBaseURL
	if baseURL == "" {
		baseURL = DefaultRestBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:            opts.APIKey,
		apiSecret:         opts.APISecret,
		baseURL:           strings.TrimRight(baseURL, "/"),
		wsBaseURL:         strings.TrimRight(opts.WSBaseURL, "/"),
		clientOrderPrefix: exchange.NormalizeClientPrefix(opts.ClientOrderPrefix),
		onlyOwnOrders:     opts.OnlyOwnOrders,
		wsAuth:            wsAuth,
		recvWindow:        time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient:        &http.Client{Timeout: timeout},
		symbolCache:       make(map[string]core.SymbolInfo),
		orderWSKeepalive:  time.Duration(opts.OrderWSKeepaliveSec) * time.Second,
		logger:            logger.With(zap.String("venue", "binance")),
	}
}

func (c *Client) SetAlerter(alerter alert.Alerter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerter = alerter
}

func (c *Client) alertImportant(event string, fields map[string]string) {
	c.mu.Lock()
	alerter := c.alerter
	c.mu.Unlock()
	if alerter == nil {
		return
	}
	alerter.Important(event, fields)
}

func (c *Client) markWSDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsDegraded {
		return false
	}
	c.wsDegraded = true
	return true
}

func (c *Client) clearWSDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.wsDegraded {
		return false
	}
	c.wsDegraded = false
	return true
}

func (c *Client) OwnsClientID(clientID string) bool {
	return exchange.OwnsClientID(c.clientOrderPrefix, clientID)
}

func (c *Client) Name() string { return "binance" }

func (c *Client) Close() error {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	c.resetOrderConn()
	return nil
}

func (c *Client) SymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	return c.getSymbolInfo(ctx, symbol, false)
}

// RefreshSymbolInfo bypasses the cache.
func (c *Client) RefreshSymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	return c.getSymbolInfo(ctx, symbol, true)
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, ord := range resp {
		if c.onlyOwnOrders && !c.OwnsClientID(ord.ClientOrderID) {
			continue
		}
		orders = append(orders, ord.toOrder())
	}
	return orders, nil
}

func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	if symbol == "" {
		return core.Order{}, errors.New("symbol required")
	}
	if orderID == "" {
		return core.Order{}, errors.New("orderID required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return c.fetchOrder(ctx, params)
}

func (c *Client) getOrderByClientID(ctx context.Context, symbol, clientID string) (core.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	return c.fetchOrder(ctx, params)
}

func (c *Client) fetchOrder(ctx context.Context, params url.Values) (core.Order, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return core.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	return resp.toOrder(), nil
}

// Balances returns free balances. With no assets every non-zero balance is
// returned; named assets are always present, zero when the account lacks them.
func (c *Client) Balances(ctx context.Context, assets ...string) (core.Balances, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	out := make(core.Balances, len(assets))
	for _, a := range assets {
		out[a] = decimal.Zero
	}
	for _, b := range resp.Balances {
		free := parseDecimal(b.Free)
		if len(assets) == 0 {
			if !free.IsZero() {
				out[b.Asset] = free
			}
			continue
		}
		if _, wanted := out[b.Asset]; wanted {
			out[b.Asset] = free
		}
	}
	return out, nil
}

func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, AuthNone)
	if err != nil {
		return decimal.Zero, err
	}
	var resp tickerPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse ticker price %q: %w", resp.Price, err)
	}
	return price, nil
}

// ListTrades pages /api/v3/myTrades by trade id. The cursor is the next
// fromId; a short page ends the history. An empty cursor starts at fromId=0:
// without fromId the endpoint answers with the newest trades.
func (c *Client) ListTrades(ctx context.Context, symbol, cursor string) ([]core.Trade, string, error) {
	if cursor == "" {
		cursor = "0"
	}
	if _, err := strconv.ParseInt(cursor, 10, 64); err != nil {
		return nil, "", fmt.Errorf("invalid trade cursor %q: %w", cursor, err)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(tradesPageLimit))
	params.Set("fromId", cursor)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/myTrades", params, AuthSigned)
	if err != nil {
		return nil, "", err
	}
	var resp []tradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", err
	}
	trades := make([]core.Trade, 0, len(resp))
	for _, tr := range resp {
		trades = append(trades, tr.toTrade())
	}
	next := ""
	if len(resp) >= tradesPageLimit {
		next = strconv.FormatInt(resp[len(resp)-1].ID+1, 10)
	}
	return trades, next, nil
}

// AverageCost reads the account-level average cost some accounts expose via
// the capital config endpoint.
func (c *Client) AverageCost(ctx context.Context, asset string) (decimal.Decimal, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/sapi/v1/capital/config/getall", url.Values{}, AuthSigned)
	if err != nil {
		return decimal.Zero, err
	}
	var resp []capitalCoinResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, err
	}
	for _, coin := range resp {
		if coin.Coin != asset && coin.Asset != asset {
			continue
		}
		if avg := coin.averageCost(); avg.Cmp(decimal.Zero) > 0 {
			return avg, nil
		}
		break
	}
	return decimal.Zero, core.ErrCostBasisUnavailable
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params.Set("signature", sign(c.apiSecret, params.Encode()))
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(params.Encode()))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("binance_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(started)),
	)
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return wrapAPIError(apiErr.Code, apiErr.Msg)
	}
	return fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) getSymbolInfo(ctx context.Context, symbol string, refresh bool) (core.SymbolInfo, error) {
	if symbol == "" {
		return core.SymbolInfo{}, errors.New("symbol is required")
	}
	if !refresh {
		c.mu.Lock()
		info, ok := c.symbolCache[symbol]
		c.mu.Unlock()
		if ok {
			return info, nil
		}
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, AuthNone)
	if err != nil {
		return core.SymbolInfo{}, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.SymbolInfo{}, err
	}
	if len(resp.Symbols) == 0 {
		return core.SymbolInfo{}, fmt.Errorf("symbol %s not found", symbol)
	}
	info := parseSymbolInfo(resp.Symbols[0])
	c.mu.Lock()
	c.symbolCache[symbol] = info
	c.mu.Unlock()
	return info, nil
}

// cachedFilters returns the filters for symbol if they were fetched before.
func (c *Client) cachedFilters(symbol string) (core.SymbolFilters, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.symbolCache[symbol]
	return info.Filters, ok
}
