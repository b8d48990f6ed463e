package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loopgateway/loopgw/pkg/models"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		cfg := &Config{}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if cfg.ListenPath != "/webhook/incoming" {
			t.Errorf("ListenPath = %q, want default", cfg.ListenPath)
		}
		if cfg.Mode != ModeSync {
			t.Errorf("Mode = %q, want %q", cfg.Mode, ModeSync)
		}
		if cfg.SyncTimeout != defaultSyncTimeout {
			t.Errorf("SyncTimeout = %v, want %v", cfg.SyncTimeout, defaultSyncTimeout)
		}
	})

	t.Run("rejects invalid mode", func(t *testing.T) {
		cfg := &Config{Mode: "bogus"}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for invalid mode")
		}
	})

	t.Run("async mode requires callback url", func(t *testing.T) {
		cfg := &Config{Mode: ModeAsync}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for missing callback_url")
		}
	})
}

func TestAdapter_AsyncMode_AcceptsAndEmits(t *testing.T) {
	adapter, err := NewAdapter(Config{Mode: ModeAsync, CallbackURL: "http://example.com/cb"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}

	body := bytes.NewBufferString(`{"text":"hello there"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/incoming/acme", body)
	rec := httptest.NewRecorder()

	adapter.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	select {
	case msg := <-adapter.Messages():
		if msg.Content != "hello there" {
			t.Errorf("Content = %q, want %q", msg.Content, "hello there")
		}
		if msg.ChannelID != "acme" {
			t.Errorf("ChannelID = %q, want %q", msg.ChannelID, "acme")
		}
		if msg.Direction != models.DirectionInbound {
			t.Errorf("Direction = %v, want inbound", msg.Direction)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a message to be emitted")
	}
}

func TestAdapter_SyncMode_ResolvesReply(t *testing.T) {
	adapter, err := NewAdapter(Config{Mode: ModeSync, SyncTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}

	body := bytes.NewBufferString(`{"text":"ping"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/incoming/acme", body)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		adapter.Handler().ServeHTTP(rec, req)
		close(done)
	}()

	msg := <-adapter.Messages()
	requestID, _ := msg.Metadata["webhook_request_id"].(string)
	if requestID == "" {
		t.Fatal("expected a webhook_request_id in metadata")
	}

	reply := &models.Message{
		ChannelID: "acme",
		Content:   "pong",
		Metadata:  map[string]any{"webhook_request_id": requestID},
	}
	if err := adapter.Send(req.Context(), reply); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	<-done
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if out["text"] != "pong" {
		t.Errorf("text = %q, want %q", out["text"], "pong")
	}
}

func TestAdapter_RejectsBadSignature(t *testing.T) {
	adapter, err := NewAdapter(Config{SharedSecret: "s3cr3t"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}

	bodyBytes := []byte(`{"text":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/incoming/acme", bytes.NewReader(bodyBytes))
	req.Header.Set("X-Loopgw-Signature", "sha256=deadbeef")
	rec := httptest.NewRecorder()

	adapter.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAdapter_AcceptsGoodSignature(t *testing.T) {
	secret := "s3cr3t"
	adapter, err := NewAdapter(Config{SharedSecret: secret, Mode: ModeAsync, CallbackURL: "http://example.com/cb"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}

	bodyBytes := []byte(`{"text":"hi"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(bodyBytes)
	sig := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook/incoming/acme", bytes.NewReader(bodyBytes))
	req.Header.Set("X-Loopgw-Signature", "sha256="+sig)
	rec := httptest.NewRecorder()

	adapter.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestAdapter_AcceptsBearerToken(t *testing.T) {
	adapter, err := NewAdapter(Config{SharedSecret: "s3cr3t", Mode: ModeAsync, CallbackURL: "http://example.com/cb"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook/incoming/acme", bytes.NewReader([]byte(`{"text":"hi"}`)))
	req.Header.Set("Authorization", "Bearer s3cr3t")
	rec := httptest.NewRecorder()

	adapter.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestAdapter_RejectsNonPost(t *testing.T) {
	adapter, err := NewAdapter(Config{})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/webhook/incoming/acme", nil)
	rec := httptest.NewRecorder()
	adapter.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestAdapter_Type(t *testing.T) {
	adapter, err := NewAdapter(Config{})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if adapter.Type() != models.ChannelWebhook {
		t.Errorf("Type() = %v, want %v", adapter.Type(), models.ChannelWebhook)
	}
}
