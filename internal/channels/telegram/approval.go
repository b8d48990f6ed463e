package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	gwmodels "github.com/loopgateway/loopgw/pkg/models"
)

// Telegram supports inline buttons, so approval prompts get an
// Approve/Reject pair instead of the plain-text fallback. The button
// callback is translated into a synthetic /approve or /reject message on
// the inbound stream, which the router's slash-command short-circuit
// already resolves — the adapter needs no reference to the approval
// manager.

// SendApprovalPrompt posts the prompt with an inline Approve/Reject
// keyboard for the given approval id.
func (a *Adapter) SendApprovalPrompt(ctx context.Context, msg *gwmodels.Message, approvalID, toolName string) error {
	chatID, err := a.extractChatID(msg)
	if err != nil {
		return err
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	keyboard := &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "✅ Approve", CallbackData: "approve:" + approvalID},
			{Text: "❌ Reject", CallbackData: "reject:" + approvalID},
		}},
	}
	_, err = a.botClient.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        fmt.Sprintf("approval required: the assistant wants to run %s.", toolName),
		ReplyMarkup: keyboard,
	})
	return err
}

// registerApprovalCallbacks wires callback queries whose data carries an
// approve:/reject: prefix back into the inbound stream as slash commands.
func (a *Adapter) registerApprovalCallbacks() {
	a.botClient.RegisterHandler(bot.HandlerTypeCallbackQueryData, "approve:", bot.MatchTypePrefix, a.handleApprovalCallback)
	a.botClient.RegisterHandler(bot.HandlerTypeCallbackQueryData, "reject:", bot.MatchTypePrefix, a.handleApprovalCallback)
}

func (a *Adapter) handleApprovalCallback(ctx context.Context, b *bot.Bot, update *models.Update) {
	cb := update.CallbackQuery
	if cb == nil {
		return
	}

	verb, id, ok := strings.Cut(cb.Data, ":")
	if !ok || id == "" {
		return
	}

	// Ack the tap so the client stops spinning, best effort.
	_, _ = b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: cb.ID,
		Text:            verb + "d",
	})

	var chatID int64
	if cb.Message.Message != nil {
		chatID = cb.Message.Message.Chat.ID
	}

	msg := &gwmodels.Message{
		ID:        uuid.NewString(),
		Channel:   gwmodels.ChannelTelegram,
		ChannelID: strconv.FormatInt(chatID, 10),
		Direction: gwmodels.DirectionInbound,
		Role:      gwmodels.RoleUser,
		Content:   "/" + verb + " " + id,
		CreatedAt: time.Now(),
		Metadata: map[string]any{
			"chat_id":   strconv.FormatInt(chatID, 10),
			"sender_id": strconv.FormatInt(cb.From.ID, 10),
			"from":      cb.From.Username,
		},
	}

	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("inbound buffer full, dropping approval callback", "approval_id", id)
	}
}
