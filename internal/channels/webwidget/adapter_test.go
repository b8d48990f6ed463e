package webwidget

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loopgateway/loopgw/pkg/models"
)

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.ListenPath != "/widget/ws" {
		t.Errorf("ListenPath = %q, want default", cfg.ListenPath)
	}
	if cfg.RateLimit == 0 || cfg.RateBurst == 0 {
		t.Error("expected rate limit defaults to be set")
	}
}

func TestAdapter_CheckOrigin(t *testing.T) {
	t.Run("empty allowlist permits any origin", func(t *testing.T) {
		adapter, err := NewAdapter(Config{})
		if err != nil {
			t.Fatalf("NewAdapter() error = %v", err)
		}
		req := httptest.NewRequest("GET", "/widget/ws", nil)
		req.Header.Set("Origin", "https://anything.example")
		if !adapter.checkOrigin(req) {
			t.Error("expected origin to be allowed when allowlist is empty")
		}
	})

	t.Run("allowlist restricts origin", func(t *testing.T) {
		adapter, err := NewAdapter(Config{AllowedOrigins: []string{"https://trusted.example"}})
		if err != nil {
			t.Fatalf("NewAdapter() error = %v", err)
		}
		allowed := httptest.NewRequest("GET", "/widget/ws", nil)
		allowed.Header.Set("Origin", "https://trusted.example")
		if !adapter.checkOrigin(allowed) {
			t.Error("expected trusted origin to be allowed")
		}

		denied := httptest.NewRequest("GET", "/widget/ws", nil)
		denied.Header.Set("Origin", "https://evil.example")
		if adapter.checkOrigin(denied) {
			t.Error("expected untrusted origin to be denied")
		}
	})
}

func TestAdapter_UpgradeAndRoundTrip(t *testing.T) {
	adapter, err := NewAdapter(Config{})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}

	server := httptest.NewServer(adapter.Handler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?session=visitor-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(inboundEnvelope{Text: "hello widget"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	select {
	case msg := <-adapter.Messages():
		if msg.Content != "hello widget" {
			t.Errorf("Content = %q, want %q", msg.Content, "hello widget")
		}
		if msg.ChannelID != "visitor-1" {
			t.Errorf("ChannelID = %q, want %q", msg.ChannelID, "visitor-1")
		}
		if msg.Direction != models.DirectionInbound {
			t.Errorf("Direction = %v, want inbound", msg.Direction)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an inbound message")
	}

	// Give the adapter a moment to register the connection before sending.
	time.Sleep(50 * time.Millisecond)

	reply := &models.Message{ChannelID: "visitor-1", Content: "hi back"}
	if err := adapter.Send(context.Background(), reply); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if !strings.Contains(string(data), "hi back") {
		t.Errorf("reply body = %s, want it to contain %q", data, "hi back")
	}
}

func TestAdapter_SendToUnknownVisitor(t *testing.T) {
	adapter, err := NewAdapter(Config{})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	msg := &models.Message{ChannelID: "ghost", Content: "hi"}
	if err := adapter.Send(context.Background(), msg); err == nil {
		t.Error("expected error sending to an unconnected visitor")
	}
}

func TestAdapter_Type(t *testing.T) {
	adapter, err := NewAdapter(Config{})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if adapter.Type() != models.ChannelWebWidget {
		t.Errorf("Type() = %v, want %v", adapter.Type(), models.ChannelWebWidget)
	}
}
