package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"perp-ledger/internal/config"
)

func TestSendDisabledIsNoop(t *testing.T) {
	tg := newTelegram(config.TelegramConfig{Enabled: false}, nil, "http://unused", nil)
	if err := tg.Send(context.Background(), "message"); err != nil {
		t.Fatalf("expected disabled send to succeed, got %v", err)
	}
}

func TestSendRequiresCredentials(t *testing.T) {
	tg := newTelegram(config.TelegramConfig{Enabled: true}, nil, "http://unused", nil)
	if err := tg.Send(context.Background(), "message"); err == nil {
		t.Fatalf("expected error for missing token and chat id")
	}
}

func TestSendPostsMessage(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "42"}
	tg := newTelegram(cfg, nil, server.URL, server.Client())
	if err := tg.Send(context.Background(), "position liquidated"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["chat_id"] != "42" || got["text"] != "position liquidated" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestSendSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "42"}
	tg := newTelegram(cfg, nil, server.URL, server.Client())
	if err := tg.Send(context.Background(), "message"); err == nil {
		t.Fatalf("expected api error to surface")
	}
}
