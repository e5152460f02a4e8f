package binance

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsResponseTimeout = 10 * time.Second

type wsRequest struct {
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type wsResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *apiError       `json:"error,omitempty"`
}

// sendWSRequest writes one request and reads until its response arrives.
// Venue errors come back classified like REST errors.
func sendWSRequest(ctx context.Context, conn *websocket.Conn, method string, params map[string]interface{}) (wsResponse, error) {
	reqID := uuid.NewString()
	req := wsRequest{
		ID:     reqID,
		Method: method,
		Params: params,
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteJSON(req); err != nil {
		return wsResponse{}, err
	}
	return waitForWSResponse(ctx, conn, reqID)
}

func waitForWSResponse(ctx context.Context, conn *websocket.Conn, reqID string) (wsResponse, error) {
	deadline := time.Now().Add(wsResponseTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return wsResponse{}, err
		}
		var resp wsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.ID != reqID {
			continue
		}
		if resp.Status != 200 {
			if resp.Error != nil {
				return resp, wrapAPIError(resp.Error.Code, resp.Error.Msg)
			}
			return resp, fmt.Errorf("binance ws error status %d", resp.Status)
		}
		return resp, nil
	}
}

func (c *Client) sessionLogon(ctx context.Context, conn *websocket.Conn) error {
	params, err := c.sessionLogonParams()
	if err != nil {
		return err
	}
	_, err = sendWSRequest(ctx, conn, "session.logon", params)
	return err
}

func (c *Client) sessionLogonParams() (map[string]interface{}, error) {
	if c.apiKey == "" {
		return nil, errors.New("api_key required")
	}
	if c.wsKey == nil {
		return nil, errors.New("ed25519 key not loaded")
	}
	ts := time.Now().UnixMilli()
	values := url.Values{}
	values.Set("apiKey", c.apiKey)
	values.Set("timestamp", strconv.FormatInt(ts, 10))
	if c.recvWindow > 0 {
		values.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	}
	params := map[string]interface{}{
		"apiKey":    c.apiKey,
		"timestamp": ts,
		"signature": signEd25519(values.Encode(), c.wsKey),
	}
	if c.recvWindow > 0 {
		params["recvWindow"] = c.recvWindow.Milliseconds()
	}
	return params, nil
}

func signEd25519(payload string, key ed25519.PrivateKey) string {
	signature := ed25519.Sign(key, []byte(payload))
	return base64.StdEncoding.EncodeToString(signature)
}
