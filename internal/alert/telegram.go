package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Telegram rejects messages longer than this.
const telegramMaxText = 4096

var ErrTelegramConfig = errors.New("telegram notifier misconfigured")

type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier returns nil when the notifier is disabled so callers can
// hand the result straight to NewManager.
func NewTelegramNotifier(enabled bool, botToken, chatID, baseURL string, timeout time.Duration) (*TelegramNotifier, error) {
	if !enabled {
		return nil, nil
	}
	if strings.TrimSpace(botToken) == "" || strings.TrimSpace(chatID) == "" {
		return nil, fmt.Errorf("%w: bot token and chat id are required", ErrTelegramConfig)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil {
		return nil
	}
	body, err := json.Marshal(telegramSendMessageRequest{
		ChatID:                t.chatID,
		Text:                  truncateText(msg, telegramMaxText),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}
	endpoint := t.baseURL + "/bot" + t.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// the URL carries the bot token, keep it out of logs
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if len(respBody) == 0 {
		return nil
	}
	var parsed telegramSendMessageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil
	}
	if !parsed.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	const marker = "\n..."
	cut := max - len(marker)
	// do not split a multi-byte rune
	for cut > 0 && cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + marker
}

type telegramSendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}
