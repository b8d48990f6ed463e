// Package mattermost implements the Mattermost channel as an HTTP
// surface rather than a persistent connection: the server's slash command
// POSTs to the gateway, which acks immediately with "Thinking..." and
// delivers the agent's reply to the payload's response_url (or to a
// configured outgoing webhook when the response_url has expired).
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattermost/mattermost/server/public/model"

	"github.com/loopgateway/loopgw/internal/channels"
	"github.com/loopgateway/loopgw/pkg/models"
)

// maxPostLen is Mattermost's message length cap; replies beyond it are
// chunked on paragraph boundaries.
const maxPostLen = 16000

// responseURLTTL is how long a recorded response_url is trusted.
// Mattermost expires them after 30 minutes; expired entries fall back to
// the outgoing webhook.
const responseURLTTL = 25 * time.Minute

// Config holds configuration for the Mattermost adapter.
type Config struct {
	// SlashToken is the token Mattermost generated for the slash command;
	// every inbound request must carry it.
	SlashToken string

	// OutgoingWebhookURL, when set, receives replies whose originating
	// response_url is gone (gateway restart, TTL expiry).
	OutgoingWebhookURL string

	// ServerURL is kept for health checks against /api/v4/system/ping;
	// optional, since the adapter never holds a connection.
	ServerURL string

	RateLimit float64
	RateBurst int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.SlashToken == "" && c.OutgoingWebhookURL == "" && c.ServerURL == "" {
		return channels.ErrConfig("mattermost: slash_token, outgoing_webhook_url, or server_url is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// pendingReply is where a conversation's next reply should be POSTed.
type pendingReply struct {
	responseURL string
	recordedAt  time.Time
}

// Adapter implements the channels.Adapter family for Mattermost slash
// commands. There is no socket to reconnect; Start and Stop only flip
// the health state.
type Adapter struct {
	cfg         Config
	messages    chan *models.Message
	rateLimiter *channels.RateLimiter
	logger      *slog.Logger
	health      *channels.BaseHealthAdapter

	mu      sync.Mutex
	replies map[string]pendingReply // mattermost channel id -> delivery target
}

// NewAdapter creates a Mattermost adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Adapter{
		cfg:         cfg,
		messages:    make(chan *models.Message, 100),
		rateLimiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:      cfg.Logger.With("adapter", "mattermost"),
		replies:     make(map[string]pendingReply),
	}
	a.health = channels.NewBaseHealthAdapter(models.ChannelMattermost, a.logger)
	return a, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelMattermost }

// Start marks the adapter live. The HTTP surface is mounted by the
// gateway's shared server via Handler.
func (a *Adapter) Start(ctx context.Context) error {
	a.health.SetStatus(true, "")
	a.logger.Info("mattermost slash-command endpoint active")
	return nil
}

// Stop marks the adapter stopped and closes the inbound stream.
func (a *Adapter) Stop(ctx context.Context) error {
	a.health.SetStatus(false, "")
	close(a.messages)
	return nil
}

// Messages returns the inbound message stream.
func (a *Adapter) Messages() <-chan *models.Message { return a.messages }

// Handler returns the HTTP handler for the slash-command POST.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(a.handleSlashCommand)
}

// handleSlashCommand parses the form payload, verifies the slash token,
// acks inline with "Thinking...", and emits the incoming message. The
// payload's response_url is recorded so Send can deliver the eventual
// reply out of band.
func (a *Adapter) handleSlashCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form payload", http.StatusBadRequest)
		return
	}

	if a.cfg.SlashToken != "" && r.PostFormValue("token") != a.cfg.SlashToken {
		a.health.RecordError(channels.ErrCodeAuthentication)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	channelID := r.PostFormValue("channel_id")
	text := strings.TrimSpace(r.PostFormValue("text"))
	if channelID == "" || text == "" {
		http.Error(w, "channel_id and text are required", http.StatusBadRequest)
		return
	}

	if responseURL := r.PostFormValue("response_url"); responseURL != "" {
		a.mu.Lock()
		a.replies[channelID] = pendingReply{responseURL: responseURL, recordedAt: time.Now()}
		a.mu.Unlock()
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelMattermost,
		ChannelID: channelID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
		Metadata: map[string]any{
			"mattermost_channel": channelID,
			"sender_id":          r.PostFormValue("user_id"),
			"sender_name":        r.PostFormValue("user_name"),
			"team_id":            r.PostFormValue("team_id"),
		},
	}

	select {
	case a.messages <- msg:
		a.health.RecordMessageReceived()
	default:
		a.logger.Warn("mattermost inbound buffer full, dropping", "channel_id", channelID)
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}

	// Immediate inline ack; the real reply arrives via response_url.
	w.Header().Set("Content-Type", "application/json")
	ack := &model.CommandResponse{
		ResponseType: model.CommandResponseTypeEphemeral,
		Text:         "Thinking...",
	}
	_ = json.NewEncoder(w).Encode(ack)
}

// Send posts the reply to the conversation's recorded response_url,
// falling back to the configured outgoing webhook. Long replies are
// chunked on paragraph boundaries.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.Content == "" {
		return channels.ErrInvalidInput("message content is required", nil)
	}

	target := a.deliveryTarget(msg.ChannelID)
	if target == "" {
		return channels.ErrUnavailable("no response_url or outgoing webhook for this conversation", nil)
	}

	start := time.Now()
	for _, chunk := range splitParagraphs(msg.Content, maxPostLen) {
		if err := a.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		if err := a.postResponse(ctx, target, chunk); err != nil {
			a.health.RecordMessageFailed()
			return err
		}
	}
	a.health.RecordMessageSent()
	a.health.RecordSendLatency(time.Since(start))
	return nil
}

// deliveryTarget picks the response_url if still fresh, else the
// outgoing webhook.
func (a *Adapter) deliveryTarget(channelID string) string {
	a.mu.Lock()
	pending, ok := a.replies[channelID]
	if ok && time.Since(pending.recordedAt) > responseURLTTL {
		delete(a.replies, channelID)
		ok = false
	}
	a.mu.Unlock()

	if ok {
		return pending.responseURL
	}
	return a.cfg.OutgoingWebhookURL
}

// postResponse sends one chunk as an in-channel command response payload.
func (a *Adapter) postResponse(ctx context.Context, url, text string) error {
	payload := &model.CommandResponse{
		ResponseType: model.CommandResponseTypeInChannel,
		Text:         text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return channels.ErrInternal("encode response payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return channels.ErrInternal("build response request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return channels.ErrConnection("deliver reply", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return channels.ErrInternal(fmt.Sprintf("reply delivery returned status %d", resp.StatusCode), nil)
	}
	return nil
}

// Status reports the adapter's state.
func (a *Adapter) Status() channels.Status { return a.health.Status() }

// HealthCheck pings the server when a URL is configured; with none, the
// adapter is healthy whenever it is started (it holds no connection).
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	if a.cfg.ServerURL != "" {
		pingURL := strings.TrimRight(a.cfg.ServerURL, "/") + "/api/v4/system/ping"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingURL, nil)
		if err == nil {
			resp, err := a.cfg.HTTPClient.Do(req)
			if err != nil {
				a.health.SetStatus(false, err.Error())
			} else {
				resp.Body.Close()
				a.health.SetStatus(resp.StatusCode < 300, "")
				a.health.UpdateLastPing()
			}
		}
	}
	return a.health.HealthCheck(ctx)
}

// Metrics exposes the adapter's counters.
func (a *Adapter) Metrics() channels.MetricsSnapshot { return a.health.Metrics() }

// splitParagraphs chunks text at limit, preferring paragraph breaks and
// falling back to a hard cut for a single oversized paragraph.
func splitParagraphs(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	current := ""
	for _, para := range strings.Split(text, "\n\n") {
		for len(para) > limit {
			if current != "" {
				chunks = append(chunks, current)
				current = ""
			}
			chunks = append(chunks, para[:limit])
			para = para[limit:]
		}
		switch {
		case current == "":
			current = para
		case len(current)+len(para)+2 <= limit:
			current += "\n\n" + para
		default:
			chunks = append(chunks, current)
			current = para
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}
