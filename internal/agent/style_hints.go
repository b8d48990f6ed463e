package agent

import (
	"strings"

	"github.com/loopgateway/loopgw/pkg/models"
)

// channelStyleHints tells the model how to write for the platform the
// reply will be delivered on. The adapters handle chunking and format
// conversion mechanically; these hints shape what the model produces so
// that conversion has good input (short paragraphs for chat apps, no
// tables where they render badly, plain text where markdown is
// stripped).
var channelStyleHints = map[models.ChannelType]string{
	models.ChannelTelegram: "You are replying in Telegram. Keep responses conversational and reasonably " +
		"short. Basic markdown (bold, italic, inline code, fenced code blocks) renders; tables do not. " +
		"Prefer short paragraphs over long lists.",
	models.ChannelWhatsApp: "You are replying in WhatsApp. Write casual, compact messages. No markdown " +
		"tables or headers; use plain text with occasional *bold*. Break long answers into short paragraphs.",
	models.ChannelDiscord: "You are replying in Discord. Markdown renders, including code blocks. " +
		"Messages are capped around 2000 characters, so be concise; long answers get split.",
	models.ChannelSlack: "You are replying in Slack. Use simple formatting (bold, code blocks, short " +
		"bullet lists); avoid headers and tables. Keep it skimmable.",
	models.ChannelMattermost: "You are replying in a Mattermost channel. Standard markdown renders. " +
		"Team-chat register: direct and brief.",
	models.ChannelEmail: "You are replying by email. Write complete, well-structured prose with a brief " +
		"greeting and sign-off where natural. Plain text; no chat shorthand.",
	models.ChannelMatrix: "You are replying in Matrix. Bold and code blocks render; keep other " +
		"formatting plain. Conversational and concise.",
	models.ChannelWebhook: "You are replying through an API webhook. Return plain text with no " +
		"conversational filler; the consumer is likely a program.",
	models.ChannelWebWidget: "You are replying in an embedded web chat widget. Keep answers short and " +
		"friendly; the viewport is small. Markdown renders.",
}

// ChannelStyleHint returns the style guidance for a channel type, empty
// for unknown channels.
func ChannelStyleHint(channel models.ChannelType) string {
	return channelStyleHints[channel]
}

// ComposeSystemPrompt joins the base prompt, the channel-style hint, and
// the catalog-awareness addendum into the system prompt for one run.
// Empty parts are skipped so a bare base prompt passes through unchanged.
func ComposeSystemPrompt(base string, channel models.ChannelType, addendum string) string {
	parts := make([]string, 0, 3)
	if base != "" {
		parts = append(parts, base)
	}
	if hint := ChannelStyleHint(channel); hint != "" {
		parts = append(parts, hint)
	}
	if addendum != "" {
		parts = append(parts, addendum)
	}
	return strings.Join(parts, "\n\n")
}
