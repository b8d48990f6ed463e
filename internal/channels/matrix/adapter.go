// Package matrix implements the Matrix channel adapter over
// maunium.net/go/mautrix: a long-running /sync loop for inbound room
// messages and room-send for outbound, with optional auto-join on invite.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/loopgateway/loopgw/internal/channels"
	"github.com/loopgateway/loopgw/pkg/models"
)

// Config holds configuration for the Matrix adapter.
type Config struct {
	// Homeserver is the base URL of the Matrix homeserver.
	Homeserver string

	// UserID is the full Matrix user id (@bot:example.org).
	UserID string

	// AccessToken authenticates the bot account.
	AccessToken string

	// DeviceID pins the session's device id; empty lets the server assign.
	DeviceID string

	// AllowedRooms restricts inbound handling to these room ids. Empty
	// allows every joined room.
	AllowedRooms []string

	// AllowedUsers restricts inbound handling to these sender ids.
	AllowedUsers []string

	// JoinOnInvite auto-joins rooms the bot is invited to.
	JoinOnInvite bool

	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate applies defaults and checks required fields.
func (c *Config) Validate() error {
	if c.Homeserver == "" {
		return fmt.Errorf("matrix: homeserver is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("matrix: user_id is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("matrix: access_token is required")
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements the channels.Adapter family for Matrix.
type Adapter struct {
	cfg         Config
	client      *mautrix.Client
	rateLimiter *channels.RateLimiter
	logger      *slog.Logger
	health      *channels.BaseHealthAdapter

	messages     chan *models.Message
	allowedRooms map[string]bool
	allowedUsers map[string]bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewAdapter creates a Matrix adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if cfg.DeviceID != "" {
		client.DeviceID = id.DeviceID(cfg.DeviceID)
	}

	a := &Adapter{
		cfg:         cfg,
		client:      client,
		rateLimiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:      cfg.Logger.With("adapter", "matrix"),
		messages:    make(chan *models.Message, 100),
		stopCh:      make(chan struct{}),
	}
	a.health = channels.NewBaseHealthAdapter(models.ChannelMatrix, a.logger)

	if len(cfg.AllowedRooms) > 0 {
		a.allowedRooms = make(map[string]bool, len(cfg.AllowedRooms))
		for _, room := range cfg.AllowedRooms {
			a.allowedRooms[room] = true
		}
	}
	if len(cfg.AllowedUsers) > 0 {
		a.allowedUsers = make(map[string]bool, len(cfg.AllowedUsers))
		for _, user := range cfg.AllowedUsers {
			a.allowedUsers[user] = true
		}
	}
	return a, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelMatrix }

// Start registers sync handlers and launches the sync loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	syncer := a.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		a.handleMessage(evt)
	})
	if a.cfg.JoinOnInvite {
		syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
			a.handleMemberEvent(ctx, evt)
		})
	}

	go a.syncLoop(ctx)
	a.health.SetStatus(true, "")
	a.logger.Info("matrix adapter started", "homeserver", a.cfg.Homeserver, "user_id", a.cfg.UserID)
	return nil
}

// Stop halts the sync loop.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	close(a.stopCh)
	a.mu.Unlock()

	a.client.StopSync()
	a.health.SetStatus(false, "")
	a.logger.Info("matrix adapter stopped")
	return nil
}

// Messages returns the inbound message stream.
func (a *Adapter) Messages() <-chan *models.Message { return a.messages }

// Send delivers msg to its room, upgrading to an HTML body when the text
// carries markdown the plain body would mangle.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return channels.ErrInvalidInput("message is nil", nil)
	}
	roomID := id.RoomID(msg.ChannelID)
	if roomID == "" {
		return channels.ErrInvalidInput("room id is required", nil)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Content,
	}
	if strings.Contains(msg.Content, "**") || strings.Contains(msg.Content, "```") {
		content.Format = event.FormatHTML
		content.FormattedBody = markdownToHTML(msg.Content)
	}
	if msg.Metadata != nil {
		if replyTo, ok := msg.Metadata["reply_to"].(string); ok && replyTo != "" {
			content.RelatesTo = &event.RelatesTo{
				InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)},
			}
		}
	}

	if _, err := a.client.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		a.health.RecordMessageFailed()
		a.health.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal(fmt.Sprintf("send message to %s", roomID), err)
	}
	a.health.RecordMessageSent()
	a.health.RecordSendLatency(time.Since(start))
	return nil
}

// Status reports the adapter's connection state.
func (a *Adapter) Status() channels.Status { return a.health.Status() }

// HealthCheck verifies the session with a whoami round trip.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	if _, err := a.client.Whoami(ctx); err != nil {
		a.health.SetStatus(false, err.Error())
	} else {
		a.health.SetStatus(true, "")
		a.health.UpdateLastPing()
	}
	return a.health.HealthCheck(ctx)
}

// Metrics exposes the adapter's counters.
func (a *Adapter) Metrics() channels.MetricsSnapshot { return a.health.Metrics() }

// syncLoop runs /sync until stopped, backing off briefly on errors.
func (a *Adapter) syncLoop(ctx context.Context) {
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := a.client.SyncWithContext(ctx); err != nil {
			a.logger.Error("matrix sync error", "error", err)
			a.health.RecordReconnectAttempt()
			select {
			case <-time.After(5 * time.Second):
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleMessage converts an inbound room message into the gateway's
// message model, applying the allowlists.
func (a *Adapter) handleMessage(evt *event.Event) {
	if string(evt.Sender) == a.cfg.UserID {
		return
	}
	if a.allowedRooms != nil && !a.allowedRooms[string(evt.RoomID)] {
		return
	}
	if a.allowedUsers != nil && !a.allowedUsers[string(evt.Sender)] {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if content.MsgType != event.MsgText && content.MsgType != event.MsgNotice {
		return
	}

	metadata := map[string]any{
		"room_id": string(evt.RoomID),
		"sender":  string(evt.Sender),
	}
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		metadata["reply_to"] = string(content.RelatesTo.InReplyTo.EventID)
	}

	msg := &models.Message{
		ID:        string(evt.ID),
		Channel:   models.ChannelMatrix,
		ChannelID: string(evt.RoomID),
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   content.Body,
		CreatedAt: time.UnixMilli(evt.Timestamp),
		Metadata:  metadata,
	}

	a.health.RecordMessageReceived()
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("matrix message buffer full, dropping", "event_id", evt.ID)
	}
}

// handleMemberEvent auto-joins rooms the bot was invited to.
func (a *Adapter) handleMemberEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return
	}
	if content.Membership != event.MembershipInvite || evt.GetStateKey() != a.cfg.UserID {
		return
	}
	if _, err := a.client.JoinRoom(ctx, string(evt.RoomID), nil); err != nil {
		a.logger.Error("matrix room join failed", "room_id", evt.RoomID, "error", err)
		return
	}
	a.logger.Info("joined matrix room", "room_id", evt.RoomID)
}

// markdownToHTML converts the markdown subset the agent emits to Matrix
// HTML. Code fences are protected first so the bold pass can't touch
// their contents.
func markdownToHTML(text string) string {
	var sb strings.Builder
	parts := strings.Split(text, "```")
	for i, part := range parts {
		if i%2 == 1 {
			sb.WriteString("<pre><code>")
			sb.WriteString(strings.TrimPrefix(part, "\n"))
			sb.WriteString("</code></pre>")
			continue
		}
		bold := strings.Split(part, "**")
		for j, seg := range bold {
			if j%2 == 1 {
				sb.WriteString("<strong>")
				sb.WriteString(seg)
				sb.WriteString("</strong>")
			} else {
				sb.WriteString(seg)
			}
		}
	}
	return sb.String()
}
