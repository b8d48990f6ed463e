// Package webhook implements the generic inbound/outbound HTTP webhook
// channel. Unlike the persistent-connection adapters, it holds no socket of
// its own: each inbound message arrives as a POST to a mounted HTTP path,
// and the reply is delivered either by holding that request open (sync
// mode) or by POSTing to a configured callback URL (async mode).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopgateway/loopgw/internal/channels"
	"github.com/loopgateway/loopgw/pkg/models"
)

// Mode selects how a reply is delivered back to the webhook caller.
type Mode string

const (
	// ModeSync holds the originating HTTP request open until a reply is
	// sent or SyncTimeout elapses.
	ModeSync Mode = "sync"

	// ModeAsync acknowledges the inbound POST immediately and delivers the
	// reply later via an HTTP POST to CallbackURL.
	ModeAsync Mode = "async"
)

const defaultSyncTimeout = 120 * time.Second

// Config holds configuration for the webhook adapter.
type Config struct {
	// ListenPath is the path prefix mounted on the gateway's shared HTTP
	// server. Inbound requests are POST <ListenPath>/<channelID>.
	ListenPath string

	// SharedSecret, when set, must authenticate every inbound request,
	// either as an HMAC-SHA256 signature of the request body in the
	// X-Loopgw-Signature header or as an Authorization: Bearer token.
	SharedSecret string

	Mode        Mode
	SyncTimeout time.Duration
	CallbackURL string

	RateLimit float64
	RateBurst int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.ListenPath == "" {
		c.ListenPath = "/webhook/incoming"
	}
	if c.Mode == "" {
		c.Mode = ModeSync
	}
	if c.Mode != ModeSync && c.Mode != ModeAsync {
		return channels.ErrConfig("mode must be sync or async", nil)
	}
	if c.Mode == ModeAsync && c.CallbackURL == "" {
		return channels.ErrConfig("callback_url is required in async mode", nil)
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = defaultSyncTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = 20
	}
	if c.RateBurst == 0 {
		c.RateBurst = 40
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// inboundPayload is the JSON body a webhook caller POSTs.
type inboundPayload struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// pendingReply tracks one sync-mode request awaiting a reply.
type pendingReply struct {
	replyCh chan string
	once    sync.Once
}

func (p *pendingReply) resolve(text string) {
	p.once.Do(func() { p.replyCh <- text })
}

// Adapter implements the channels.Adapter family for generic webhooks.
type Adapter struct {
	cfg         Config
	messages    chan *models.Message
	rateLimiter *channels.RateLimiter
	logger      *slog.Logger
	health      *channels.BaseHealthAdapter

	mu      sync.Mutex
	pending map[string]*pendingReply // requestID -> pending reply (sync mode)
}

// NewAdapter creates a webhook adapter. Call Handler to obtain the HTTP
// handler to mount on the gateway's shared server.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Adapter{
		cfg:         cfg,
		messages:    make(chan *models.Message, 100),
		rateLimiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:      cfg.Logger.With("adapter", "webhook"),
		pending:     make(map[string]*pendingReply),
	}
	a.health = channels.NewBaseHealthAdapter(models.ChannelWebhook, a.logger)
	return a, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelWebhook }

// Start marks the adapter ready. The HTTP listener itself is owned by the
// gateway's shared server; callers must mount a.Handler() onto it.
func (a *Adapter) Start(ctx context.Context) error {
	a.health.SetStatus(true, "")
	a.logger.Info("webhook adapter ready", "listen_path", a.cfg.ListenPath, "mode", a.cfg.Mode)
	return nil
}

// Stop releases any requests still waiting for a reply.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	for id, p := range a.pending {
		p.resolve("")
		delete(a.pending, id)
	}
	a.mu.Unlock()

	close(a.messages)
	a.health.SetStatus(false, "")
	return nil
}

// Handler returns the HTTP handler for inbound webhook POSTs. Mount it at
// a.cfg.ListenPath (with subtree routing, e.g. "<ListenPath>/") on the
// gateway's shared mux; the trailing path segment is the channel ID.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(a.handleInbound)
}

func (a *Adapter) handleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channelID := strings.TrimPrefix(r.URL.Path, a.cfg.ListenPath)
	channelID = strings.Trim(channelID, "/")
	if channelID == "" {
		http.Error(w, "missing channel id in path", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if a.cfg.SharedSecret != "" {
		// Either an HMAC signature over the body or a plain bearer token
		// authenticates the caller; the bearer form suits curl-style
		// integrations that can't compute the signature.
		if !a.verifySignature(body, r.Header.Get("X-Loopgw-Signature")) && !a.verifyBearer(r.Header.Get("Authorization")) {
			a.health.RecordError(channels.ErrCodeAuthentication)
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
	}

	var payload inboundPayload
	if err := json.Unmarshal(body, &payload); err != nil || strings.TrimSpace(payload.Text) == "" {
		http.Error(w, "body must be JSON with a non-empty text field", http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	metadata := map[string]any{"webhook_request_id": requestID, "webhook_mode": string(a.cfg.Mode)}
	for k, v := range payload.Metadata {
		metadata[k] = v
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelWebhook,
		ChannelID: channelID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   payload.Text,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	a.health.RecordMessageReceived()

	if a.cfg.Mode == ModeAsync {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"accepted","request_id":"` + requestID + `"}`))
		a.messages <- msg
		return
	}

	pending := &pendingReply{replyCh: make(chan string, 1)}
	a.mu.Lock()
	a.pending[requestID] = pending
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, requestID)
		a.mu.Unlock()
	}()

	a.messages <- msg

	select {
	case reply := <-pending.replyCh:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": reply})
	case <-time.After(a.cfg.SyncTimeout):
		a.health.RecordError(channels.ErrCodeTimeout)
		http.Error(w, "timed out waiting for a reply", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

// verifyBearer checks an Authorization: Bearer <secret> header against
// the shared secret in constant time.
func (a *Adapter) verifyBearer(header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	return hmac.Equal([]byte(token), []byte(a.cfg.SharedSecret))
}

func (a *Adapter) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.SharedSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Messages returns the channel of inbound webhook messages.
func (a *Adapter) Messages() <-chan *models.Message { return a.messages }

// Send delivers a reply: in sync mode it resolves the originating HTTP
// request's pending channel; in async mode it POSTs to CallbackURL.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	startTime := time.Now()

	if err := a.rateLimiter.Wait(ctx); err != nil {
		a.health.RecordError(channels.ErrCodeTimeout)
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	requestID, _ := msg.Metadata["webhook_request_id"].(string)

	if a.cfg.Mode == ModeSync {
		a.mu.Lock()
		pending, ok := a.pending[requestID]
		a.mu.Unlock()
		if !ok {
			a.health.RecordMessageFailed()
			a.health.RecordError(channels.ErrCodeNotFound)
			return channels.ErrNotFound("no pending webhook request for reply", nil)
		}
		pending.resolve(msg.Content)
		a.health.RecordMessageSent()
		a.health.RecordSendLatency(time.Since(startTime))
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"channel_id": msg.ChannelID,
		"request_id": requestID,
		"text":       msg.Content,
	})
	if err != nil {
		a.health.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("failed to marshal callback payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		a.health.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("failed to build callback request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		a.health.RecordMessageFailed()
		a.health.RecordError(channels.ErrCodeConnection)
		return channels.ErrConnection("failed to post callback", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		a.health.RecordMessageFailed()
		a.health.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("callback endpoint rejected reply", nil)
	}

	a.health.RecordMessageSent()
	a.health.RecordSendLatency(time.Since(startTime))
	return nil
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status { return a.health.Status() }

// HealthCheck reports whether the adapter can currently accept requests.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	return a.health.HealthCheck(ctx)
}

// Metrics returns a snapshot of adapter metrics.
func (a *Adapter) Metrics() channels.MetricsSnapshot { return a.health.Metrics() }
