package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopgateway/loopgw/internal/storage"
	"github.com/loopgateway/loopgw/pkg/models"
)

// chatIDMetadataKey names, per channel type, the msg.Metadata key an
// adapter stores the external chat/peer/channel identifier under. Each
// adapter picks its own name for this (see extractChatID in telegram,
// msg.Metadata["discord_channel_id"] in discord, and so on); the router
// needs a single conversation key regardless of channel, so it looks the
// key up here instead of hardcoding one metadata name.
var chatIDMetadataKey = map[models.ChannelType]string{
	models.ChannelTelegram:   "chat_id",
	models.ChannelDiscord:    "discord_channel_id",
	models.ChannelSlack:      "slack_channel",
	models.ChannelMattermost: "mattermost_channel",
	models.ChannelWhatsApp:   "peer_id",
	models.ChannelMatrix:     "room_id",
}

// conversationKey derives the external chat identifier the router uses to
// resolve a conversation, falling back to ChannelID when a channel has no
// registered metadata key (or the key wasn't present on this message).
func conversationKey(msg *models.Message) string {
	if key, ok := chatIDMetadataKey[msg.Channel]; ok {
		if v, ok := msg.Metadata[key]; ok {
			switch t := v.(type) {
			case string:
				if t != "" {
					return t
				}
			case fmt.Stringer:
				return t.String()
			default:
				return fmt.Sprintf("%v", t)
			}
		}
	}
	return msg.ChannelID
}

// getOrCreateConversation resolves the session backing a (channel,
// externalChatID) pair, creating one on first contact.
func (r *Router) getOrCreateConversation(ctx context.Context, channel models.ChannelType, externalChatID, chatTitle string) (*models.Session, error) {
	existing, err := r.sessions.GetByKey(ctx, channel, externalChatID, externalChatID)
	if err == nil {
		return existing, nil
	}
	if err != storage.ErrNotFound {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		Channel:   channel,
		ChannelID: externalChatID,
		Key:       externalChatID,
		Title:     chatTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.sessions.Create(ctx, session); err != nil {
		if err == storage.ErrAlreadyExists {
			return r.sessions.GetByKey(ctx, channel, externalChatID, externalChatID)
		}
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return session, nil
}
