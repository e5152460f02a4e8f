package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewTelegramNotifierDisabledReturnsNil(t *testing.T) {
	n, err := NewTelegramNotifier(false, "", "", "", 0)
	if err != nil || n != nil {
		t.Fatalf("NewTelegramNotifier(disabled) = %v, %v; want nil, nil", n, err)
	}
}

func TestNewTelegramNotifierRequiresCredentials(t *testing.T) {
	_, err := NewTelegramNotifier(true, "token", "", "", 0)
	if !errors.Is(err, ErrTelegramConfig) {
		t.Fatalf("error = %v, want ErrTelegramConfig", err)
	}
}

func TestTelegramNotifierPostsMessage(t *testing.T) {
	var got telegramSendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n, err := NewTelegramNotifier(true, "abc", "42", srv.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("NewTelegramNotifier() error = %v", err)
	}
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if path != "/botabc/sendMessage" {
		t.Fatalf("path = %q", path)
	}
	if got.ChatID != "42" || got.Text != "hello" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestTelegramNotifierReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	n, _ := NewTelegramNotifier(true, "abc", "42", srv.URL, time.Second)
	err := n.Notify(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Notify() error = %v, want api error", err)
	}
}

func TestTelegramNotifierReportsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n, _ := NewTelegramNotifier(true, "abc", "42", srv.URL, time.Second)
	err := n.Notify(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "status=429") {
		t.Fatalf("Notify() error = %v, want status error", err)
	}
}

func TestTruncateText(t *testing.T) {
	long := strings.Repeat("a", 5000)
	out := truncateText(long, telegramMaxText)
	if len(out) > telegramMaxText {
		t.Fatalf("len = %d, want <= %d", len(out), telegramMaxText)
	}
	if !strings.HasSuffix(out, "...") {
		t.Fatalf("missing truncation marker")
	}
	if truncateText("short", telegramMaxText) != "short" {
		t.Fatalf("short text changed")
	}
}
