// Package webwidget implements the embeddable web-chat channel: a
// gorilla/websocket connection per visitor session, mounted onto the
// gateway's shared HTTP server rather than binding its own listener.
package webwidget

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loopgateway/loopgw/internal/channels"
	"github.com/loopgateway/loopgw/pkg/models"
)

// Config holds configuration for the web widget adapter.
type Config struct {
	// ListenPath is the HTTP path the websocket upgrade is served on.
	ListenPath string

	// AllowedOrigins restricts which Origin headers may open a connection.
	// Empty allows any origin.
	AllowedOrigins []string

	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.ListenPath == "" {
		c.ListenPath = "/widget/ws"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// inboundEnvelope is the JSON frame a visitor's browser sends over the socket.
type inboundEnvelope struct {
	Text string `json:"text"`
}

// outboundEnvelope is the JSON frame written back to the visitor.
type outboundEnvelope struct {
	Type string `json:"type"` // "message" or "typing"
	Text string `json:"text,omitempty"`
}

// safeConn serializes writes to a single websocket connection, since
// gorilla/websocket forbids concurrent writers on the same connection.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *safeConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Adapter implements the channels.Adapter family for embeddable web chat.
type Adapter struct {
	cfg         Config
	upgrader    websocket.Upgrader
	messages    chan *models.Message
	rateLimiter *channels.RateLimiter
	logger      *slog.Logger
	health      *channels.BaseHealthAdapter

	mu    sync.RWMutex
	conns map[string]*safeConn // visitor session ID -> connection
}

// NewAdapter creates a web widget adapter. Call Handler to obtain the HTTP
// handler to mount on the gateway's shared server.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:         cfg,
		messages:    make(chan *models.Message, 100),
		rateLimiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:      cfg.Logger.With("adapter", "web_widget"),
		conns:       make(map[string]*safeConn),
	}
	a.health = channels.NewBaseHealthAdapter(models.ChannelWebWidget, a.logger)
	a.upgrader = websocket.Upgrader{
		CheckOrigin: a.checkOrigin,
	}
	return a, nil
}

func (a *Adapter) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range a.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelWebWidget }

// Start marks the adapter ready for connections. The actual HTTP listener
// is owned by the gateway's shared server; callers must mount a.Handler()
// onto it themselves.
func (a *Adapter) Start(ctx context.Context) error {
	a.health.SetStatus(true, "")
	a.health.RecordConnectionOpened()
	a.logger.Info("web widget adapter ready", "listen_path", a.cfg.ListenPath)
	return nil
}

// Stop closes every open visitor connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	for id, conn := range a.conns {
		_ = conn.Close()
		delete(a.conns, id)
	}
	a.mu.Unlock()

	close(a.messages)
	a.health.SetStatus(false, "")
	a.logger.Info("web widget adapter stopped")
	return nil
}

// Handler returns the HTTP handler that upgrades visitor connections. Mount
// it at a.cfg.ListenPath on the gateway's shared mux.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(a.handleUpgrade)
}

func (a *Adapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	rawConn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := &safeConn{Conn: rawConn}

	visitorID := r.URL.Query().Get("session")
	if visitorID == "" {
		visitorID = uuid.NewString()
	}

	a.mu.Lock()
	a.conns[visitorID] = conn
	a.mu.Unlock()
	a.health.RecordConnectionOpened()

	defer func() {
		a.mu.Lock()
		delete(a.conns, visitorID)
		a.mu.Unlock()
		_ = conn.Close()
		a.health.RecordConnectionClosed()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Fall back to treating the raw frame as plain text.
			env.Text = string(data)
		}
		if strings.TrimSpace(env.Text) == "" {
			continue
		}

		msg := &models.Message{
			ID:        uuid.NewString(),
			Channel:   models.ChannelWebWidget,
			ChannelID: visitorID,
			Direction: models.DirectionInbound,
			Role:      models.RoleUser,
			Content:   env.Text,
			Metadata:  map[string]any{"web_widget_session": visitorID},
			CreatedAt: time.Now(),
		}
		a.health.RecordMessageReceived()
		a.messages <- msg
	}
}

// Messages returns the channel of inbound visitor messages.
func (a *Adapter) Messages() <-chan *models.Message { return a.messages }

// Send delivers msg to the visitor connection named by msg.ChannelID.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	startTime := time.Now()

	if err := a.rateLimiter.Wait(ctx); err != nil {
		a.health.RecordError(channels.ErrCodeTimeout)
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	a.mu.RLock()
	conn, ok := a.conns[msg.ChannelID]
	a.mu.RUnlock()
	if !ok {
		a.health.RecordMessageFailed()
		a.health.RecordError(channels.ErrCodeUnavailable)
		return channels.ErrUnavailable("visitor is not connected", nil)
	}

	if err := conn.writeJSON(outboundEnvelope{Type: "message", Text: msg.Content}); err != nil {
		a.health.RecordMessageFailed()
		a.health.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("failed to write websocket message", err)
	}

	a.health.RecordMessageSent()
	a.health.RecordSendLatency(time.Since(startTime))
	return nil
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status { return a.health.Status() }

// HealthCheck reports whether the adapter can currently accept connections.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	return a.health.HealthCheck(ctx)
}

// Metrics returns a snapshot of adapter metrics.
func (a *Adapter) Metrics() channels.MetricsSnapshot { return a.health.Metrics() }
