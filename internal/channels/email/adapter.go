// Package email provides an IMAP/SMTP email channel adapter. It polls an
// IMAP mailbox for unseen messages on a fixed interval and sends replies
// with net/smtp's SendMail, which upgrades with STARTTLS when the server
// offers it.
package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/google/uuid"

	"github.com/loopgateway/loopgw/internal/channels"
	"github.com/loopgateway/loopgw/pkg/models"
)

// Config holds configuration for the email adapter.
type Config struct {
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	Mailbox  string // defaults to INBOX

	PollInterval time.Duration

	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.IMAPHost == "" || c.SMTPHost == "" {
		return channels.ErrConfig("imap_host and smtp_host are required", nil)
	}
	if c.Username == "" || c.Password == "" {
		return channels.ErrConfig("username and password are required", nil)
	}
	if c.IMAPPort == 0 {
		c.IMAPPort = 993
	}
	if c.SMTPPort == 0 {
		c.SMTPPort = 587
	}
	if c.Mailbox == "" {
		c.Mailbox = "INBOX"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements the channels.Adapter family for IMAP/SMTP email.
type Adapter struct {
	config      Config
	messages    chan *models.Message
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	rateLimiter *channels.RateLimiter
	logger      *slog.Logger
	health      *channels.BaseHealthAdapter

	seenMu  sync.Mutex
	seenUID uint32 // highest UID processed so far
}

// NewAdapter creates an email adapter with the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	a := &Adapter{
		config:      config,
		messages:    make(chan *models.Message, 100),
		rateLimiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		logger:      config.Logger.With("adapter", "email"),
	}
	a.health = channels.NewBaseHealthAdapter(models.ChannelEmail, a.logger)
	return a, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelEmail }

// Start begins polling the IMAP mailbox for unseen messages.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Establish the initial high-water mark so Start doesn't replay the
	// entire mailbox history on first connect.
	if err := a.markExistingAsSeen(); err != nil {
		a.health.RecordError(channels.ErrCodeConnection)
		return channels.ErrConnection("failed to connect to IMAP server", err)
	}

	a.wg.Add(1)
	go a.pollLoop(runCtx)

	a.health.SetStatus(true, "")
	a.health.RecordConnectionOpened()
	a.logger.Info("email adapter started", "imap_host", a.config.IMAPHost, "poll_interval", a.config.PollInterval)
	return nil
}

// Stop halts the poll loop and closes the message channel.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(a.messages)
		a.health.SetStatus(false, "")
		a.health.RecordConnectionClosed()
		return nil
	case <-ctx.Done():
		close(a.messages)
		a.health.RecordError(channels.ErrCodeTimeout)
		return channels.ErrTimeout("shutdown timeout", ctx.Err())
	}
}

func (a *Adapter) dial() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", a.config.IMAPHost, a.config.IMAPPort)
	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial imap: %w", err)
	}
	if err := c.Login(a.config.Username, a.config.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	return c, nil
}

// markExistingAsSeen records the mailbox's current highest UID so the poll
// loop only reports messages that arrive afterward.
func (a *Adapter) markExistingAsSeen() error {
	c, err := a.dial()
	if err != nil {
		return err
	}
	defer c.Logout()

	mbox, err := c.Select(a.config.Mailbox, false)
	if err != nil {
		return fmt.Errorf("select mailbox: %w", err)
	}

	a.seenMu.Lock()
	a.seenUID = mbox.UidNext - 1
	a.seenMu.Unlock()
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.pollOnce(ctx); err != nil {
				a.logger.Warn("email poll failed", "error", err)
				a.health.RecordError(channels.ErrCodeConnection)
			}
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context) error {
	c, err := a.dial()
	if err != nil {
		return err
	}
	defer c.Logout()

	if _, err := c.Select(a.config.Mailbox, false); err != nil {
		return fmt.Errorf("select mailbox: %w", err)
	}

	a.seenMu.Lock()
	since := a.seenUID
	a.seenMu.Unlock()

	seqset := new(imap.SeqSet)
	seqset.AddRange(since+1, 0) // 0 means "no upper bound" in go-imap's SeqSet

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	msgCh := make(chan *imap.Message, 10)
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- c.UidFetch(seqset, items, msgCh)
	}()

	var highestUID uint32
	for msg := range msgCh {
		if msg.Uid > highestUID {
			highestUID = msg.Uid
		}
		a.emit(msg, section)
	}
	if err := <-fetchErr; err != nil {
		return fmt.Errorf("uid fetch: %w", err)
	}

	if highestUID > since {
		a.seenMu.Lock()
		a.seenUID = highestUID
		a.seenMu.Unlock()
	}
	return nil
}

func (a *Adapter) emit(msg *imap.Message, section *imap.BodySectionName) {
	body := msg.GetBody(section)
	if body == nil {
		return
	}

	text, from := parseMessageBody(body)
	if strings.TrimSpace(text) == "" && msg.Envelope != nil {
		text = msg.Envelope.Subject
	}
	if from == "" && msg.Envelope != nil && len(msg.Envelope.From) > 0 {
		addr := msg.Envelope.From[0]
		from = addr.MailboxName + "@" + addr.HostName
	}

	message := &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelEmail,
		ChannelID: from,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   text,
		Metadata: map[string]any{
			"email_from":    from,
			"email_subject": envelopeSubject(msg),
			"email_uid":     msg.Uid,
		},
		CreatedAt: time.Now(),
	}
	a.health.RecordMessageReceived()
	a.messages <- message
}

func envelopeSubject(msg *imap.Message) string {
	if msg.Envelope == nil {
		return ""
	}
	return msg.Envelope.Subject
}

// parseMessageBody extracts the plain-text body and sender address from a
// raw RFC 822 message reader. Multipart bodies are not decoded: the whole
// raw body, part boundaries included, is returned as the text.
func parseMessageBody(r io.Reader) (text string, from string) {
	m, err := mail.ReadMessage(r)
	if err != nil {
		return "", ""
	}
	from = m.Header.Get("From")
	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
	}

	data, err := io.ReadAll(m.Body)
	if err != nil {
		return "", from
	}
	return strings.TrimSpace(string(data)), from
}

// Messages returns the channel of inbound email messages.
func (a *Adapter) Messages() <-chan *models.Message { return a.messages }

// Send emails msg to msg.ChannelID (or the email_from metadata address).
// The subject is "Re: " plus the email_subject metadata, and an
// email_message_id metadata value is sent as In-Reply-To.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	startTime := time.Now()

	if err := a.rateLimiter.Wait(ctx); err != nil {
		a.health.RecordError(channels.ErrCodeTimeout)
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	to := msg.ChannelID
	if to == "" {
		if addr, ok := msg.Metadata["email_from"].(string); ok {
			to = addr
		}
	}
	if to == "" {
		a.health.RecordMessageFailed()
		a.health.RecordError(channels.ErrCodeInvalidInput)
		return channels.ErrInvalidInput("missing recipient address", nil)
	}

	subject := "Re: " + stringMetadata(msg.Metadata, "email_subject", "your message")

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", a.config.Username)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	if inReplyTo, ok := msg.Metadata["email_message_id"].(string); ok && inReplyTo != "" {
		fmt.Fprintf(&buf, "In-Reply-To: %s\r\n", inReplyTo)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	buf.WriteString(msg.Content)

	auth := smtp.PlainAuth("", a.config.Username, a.config.Password, a.config.SMTPHost)
	addr := fmt.Sprintf("%s:%d", a.config.SMTPHost, a.config.SMTPPort)
	if err := smtp.SendMail(addr, auth, a.config.Username, []string{to}, buf.Bytes()); err != nil {
		a.health.RecordMessageFailed()
		a.health.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("failed to send email", err)
	}

	a.health.RecordMessageSent()
	a.health.RecordSendLatency(time.Since(startTime))
	return nil
}

func stringMetadata(meta map[string]any, key, fallback string) string {
	if v, ok := meta[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status { return a.health.Status() }

// HealthCheck performs a lightweight IMAP login/logout to verify connectivity.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	c, err := a.dial()
	if err != nil {
		return channels.HealthStatus{Healthy: false, Latency: time.Since(start), Message: err.Error(), LastCheck: time.Now()}
	}
	_ = c.Logout()
	return channels.HealthStatus{Healthy: true, Latency: time.Since(start), Message: "ok", LastCheck: time.Now()}
}

// Metrics returns a snapshot of adapter metrics.
func (a *Adapter) Metrics() channels.MetricsSnapshot { return a.health.Metrics() }
