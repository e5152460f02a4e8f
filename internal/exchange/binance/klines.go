package binance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const klinesPageLimit = 1000

type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Klines returns up to limit candles opening in [start, end], oldest first.
// It is a public endpoint; no credentials are needed.
func (c *Client) Klines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]Kline, error) {
	if limit <= 0 || limit > klinesPageLimit {
		limit = klinesPageLimit
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/klines", params, AuthNone)
	if err != nil {
		return nil, err
	}
	return parseKlines(body)
}

// parseKlines reads the positional array rows; rows too short or without an
// open time are dropped.
func parseKlines(body []byte) ([]Kline, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		var openMs, closeMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			continue
		}
		_ = json.Unmarshal(row[6], &closeMs)
		out = append(out, Kline{
			OpenTime:  time.UnixMilli(openMs).UTC(),
			CloseTime: time.UnixMilli(closeMs).UTC(),
			Open:      rawDecimal(row[1]),
			High:      rawDecimal(row[2]),
			Low:       rawDecimal(row[3]),
			Close:     rawDecimal(row[4]),
			Volume:    rawDecimal(row[5]),
		})
	}
	return out, nil
}

func rawDecimal(raw json.RawMessage) decimal.Decimal {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseDecimal(s)
	}
	return parseDecimal(strings.TrimSpace(string(bytes.Trim(raw, `"`))))
}
