package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/loopgateway/loopgw/internal/channels"
	"github.com/loopgateway/loopgw/pkg/models"
)

// Discord supports message components, so approval prompts carry an
// Approve/Reject button pair. A button press arrives as a component
// interaction and is translated into a synthetic /approve or /reject
// message on the inbound stream, resolved by the router's slash-command
// handling.

// SendApprovalPrompt posts the prompt with approve/reject buttons.
func (a *Adapter) SendApprovalPrompt(ctx context.Context, msg *models.Message, approvalID, toolName string) error {
	channelID := extractDiscordChannelID(msg)
	if channelID == "" {
		return channels.ErrInvalidInput("discord channel id missing from message metadata", nil)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	send := &discordgo.MessageSend{
		Content: fmt.Sprintf("approval required: the assistant wants to run %s.", toolName),
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Approve",
						Style:    discordgo.SuccessButton,
						CustomID: "approve:" + approvalID,
					},
					discordgo.Button{
						Label:    "Reject",
						Style:    discordgo.DangerButton,
						CustomID: "reject:" + approvalID,
					},
				},
			},
		},
	}
	if _, err := a.session.ChannelMessageSendComplex(channelID, send); err != nil {
		a.metrics.RecordMessageFailed()
		return channels.ErrInternal("send approval prompt", err)
	}
	a.metrics.RecordMessageSent()
	return nil
}

// handleApprovalInteraction translates an approve:/reject: button press
// into the matching slash command.
func (a *Adapter) handleApprovalInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	verb, id, ok := strings.Cut(i.MessageComponentData().CustomID, ":")
	if !ok || (verb != "approve" && verb != "reject") || id == "" {
		return
	}

	// Ack the press so the client clears its pending state.
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: verb + "d",
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})

	userID, username := "", ""
	if i.Member != nil && i.Member.User != nil {
		userID, username = i.Member.User.ID, i.Member.User.Username
	} else if i.User != nil {
		userID, username = i.User.ID, i.User.Username
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelDiscord,
		ChannelID: i.ChannelID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   "/" + verb + " " + id,
		CreatedAt: time.Now(),
		Metadata: map[string]any{
			"discord_channel_id": i.ChannelID,
			"sender_id":          userID,
			"from":               username,
		},
	}

	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("messages channel full, dropping approval interaction", "approval_id", id)
	}
}

// extractDiscordChannelID finds the platform channel id the reply paths
// use.
func extractDiscordChannelID(msg *models.Message) string {
	if msg.Metadata != nil {
		if v, ok := msg.Metadata["discord_channel_id"].(string); ok && v != "" {
			return v
		}
	}
	return msg.ChannelID
}
