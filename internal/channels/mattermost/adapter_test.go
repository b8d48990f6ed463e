package mattermost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/loopgateway/loopgw/pkg/models"
)

func newTestAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	if cfg.SlashToken == "" && cfg.OutgoingWebhookURL == "" && cfg.ServerURL == "" {
		cfg.SlashToken = "tok"
	}
	a, err := NewAdapter(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func postSlash(t *testing.T, a *Adapter, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/mattermost", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSlashCommandAcksAndEmits(t *testing.T) {
	a := newTestAdapter(t, Config{SlashToken: "tok"})

	rec := postSlash(t, a, url.Values{
		"token":      {"tok"},
		"channel_id": {"chan-1"},
		"user_name":  {"jo"},
		"text":       {"hello there"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var ack map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("ack not JSON: %v", err)
	}
	if ack["text"] != "Thinking..." {
		t.Fatalf("ack = %v, want Thinking...", ack)
	}

	select {
	case msg := <-a.Messages():
		if msg.Channel != models.ChannelMattermost || msg.ChannelID != "chan-1" || msg.Content != "hello there" {
			t.Fatalf("emitted message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message emitted")
	}
}

func TestSlashCommandRejectsBadToken(t *testing.T) {
	a := newTestAdapter(t, Config{SlashToken: "tok"})
	rec := postSlash(t, a, url.Values{
		"token":      {"wrong"},
		"channel_id": {"chan-1"},
		"text":       {"hi"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSendDeliversToResponseURL(t *testing.T) {
	var got []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		got = append(got, payload.Text)
	}))
	defer upstream.Close()

	a := newTestAdapter(t, Config{SlashToken: "tok"})
	postSlash(t, a, url.Values{
		"token":        {"tok"},
		"channel_id":   {"chan-1"},
		"text":         {"question"},
		"response_url": {upstream.URL},
	})
	<-a.Messages()

	err := a.Send(context.Background(), &models.Message{
		Channel:   models.ChannelMattermost,
		ChannelID: "chan-1",
		Content:   "the answer",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got) != 1 || got[0] != "the answer" {
		t.Fatalf("delivered = %v", got)
	}
}

func TestSendFallsBackToOutgoingWebhook(t *testing.T) {
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer upstream.Close()

	a := newTestAdapter(t, Config{SlashToken: "tok", OutgoingWebhookURL: upstream.URL})
	err := a.Send(context.Background(), &models.Message{ChannelID: "never-seen", Content: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if hits != 1 {
		t.Fatalf("outgoing webhook hits = %d, want 1", hits)
	}
}

func TestSplitParagraphs(t *testing.T) {
	text := strings.Repeat("a", 30) + "\n\n" + strings.Repeat("b", 30) + "\n\n" + strings.Repeat("c", 30)
	chunks := splitParagraphs(text, 70)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2 (paragraph-boundary split)", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > 70 {
			t.Fatalf("chunk exceeds limit: %d", len(c))
		}
	}

	oversized := strings.Repeat("x", 150)
	chunks = splitParagraphs(oversized, 70)
	if len(chunks) != 3 {
		t.Fatalf("oversized paragraph chunks = %d, want 3", len(chunks))
	}
}
