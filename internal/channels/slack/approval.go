package slack

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/loopgateway/loopgw/pkg/models"
)

// Slack supports Block Kit buttons, so approval prompts get an
// Approve/Reject action block. The press arrives as a Socket Mode
// interactive event and is translated into a synthetic /approve or
// /reject message on the inbound stream.

// SendApprovalPrompt posts the prompt with an approve/reject button pair.
func (a *Adapter) SendApprovalPrompt(ctx context.Context, msg *models.Message, approvalID, toolName string) error {
	channelID, ok := msg.Metadata["slack_channel"].(string)
	if !ok || channelID == "" {
		channelID = msg.ChannelID
	}
	if channelID == "" {
		return fmt.Errorf("slack: channel id missing from message metadata")
	}

	text := fmt.Sprintf("approval required: the assistant wants to run %s.", toolName)
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		slack.NewActionBlock("approval_"+approvalID,
			slack.NewButtonBlockElement("approve:"+approvalID, approvalID,
				slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false)).
				WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement("reject:"+approvalID, approvalID,
				slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false)).
				WithStyle(slack.StyleDanger),
		),
	}

	_, _, err := a.client.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...))
	return err
}

// handleInteractive translates block-action button presses into slash
// commands; other interactive payloads are acked and ignored.
func (a *Adapter) handleInteractive(event socketmode.Event) {
	callback, ok := event.Data.(slack.InteractionCallback)
	if !ok || callback.Type != slack.InteractionTypeBlockActions {
		return
	}

	for _, action := range callback.ActionCallback.BlockActions {
		verb, id, ok := strings.Cut(action.ActionID, ":")
		if !ok || (verb != "approve" && verb != "reject") || id == "" {
			continue
		}

		msg := &models.Message{
			ID:        uuid.NewString(),
			Channel:   models.ChannelSlack,
			ChannelID: callback.Channel.ID,
			Direction: models.DirectionInbound,
			Role:      models.RoleUser,
			Content:   "/" + verb + " " + id,
			CreatedAt: time.Now(),
			Metadata: map[string]any{
				"slack_channel": callback.Channel.ID,
				"sender_id":     callback.User.ID,
				"from":          callback.User.Name,
			},
		}

		select {
		case a.messages <- msg:
		default:
		}
	}
}
