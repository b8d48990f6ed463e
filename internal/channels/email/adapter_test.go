package email

import (
	"strings"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("requires hosts and credentials", func(t *testing.T) {
		cfg := &Config{}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for missing imap_host/smtp_host")
		}

		cfg = &Config{IMAPHost: "imap.example.com", SMTPHost: "smtp.example.com"}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for missing credentials")
		}
	})

	t.Run("applies defaults", func(t *testing.T) {
		cfg := &Config{
			IMAPHost: "imap.example.com",
			SMTPHost: "smtp.example.com",
			Username: "bot@example.com",
			Password: "secret",
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if cfg.IMAPPort != 993 {
			t.Errorf("IMAPPort = %d, want 993", cfg.IMAPPort)
		}
		if cfg.SMTPPort != 587 {
			t.Errorf("SMTPPort = %d, want 587", cfg.SMTPPort)
		}
		if cfg.Mailbox != "INBOX" {
			t.Errorf("Mailbox = %q, want INBOX", cfg.Mailbox)
		}
		if cfg.PollInterval != 30*time.Second {
			t.Errorf("PollInterval = %v, want 30s", cfg.PollInterval)
		}
	})
}

func TestParseMessageBody(t *testing.T) {
	raw := "From: Alice <alice@example.com>\r\nSubject: Hi\r\n\r\nHello there.\r\n"
	text, from := parseMessageBody(strings.NewReader(raw))
	if from != "alice@example.com" {
		t.Errorf("from = %q, want %q", from, "alice@example.com")
	}
	if text != "Hello there." {
		t.Errorf("text = %q, want %q", text, "Hello there.")
	}
}

func TestStringMetadata(t *testing.T) {
	meta := map[string]any{"email_subject": "Order #1"}
	if got := stringMetadata(meta, "email_subject", "fallback"); got != "Order #1" {
		t.Errorf("got %q, want %q", got, "Order #1")
	}
	if got := stringMetadata(meta, "missing", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}
