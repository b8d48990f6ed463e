package agent

import (
	"strings"
	"testing"

	"github.com/loopgateway/loopgw/pkg/models"
)

func TestComposeSystemPromptOrdersParts(t *testing.T) {
	got := ComposeSystemPrompt("base prompt", models.ChannelTelegram, "catalog addendum")

	baseIdx := strings.Index(got, "base prompt")
	hintIdx := strings.Index(got, "Telegram")
	addIdx := strings.Index(got, "catalog addendum")
	if baseIdx < 0 || hintIdx < 0 || addIdx < 0 {
		t.Fatalf("composed prompt missing a part: %q", got)
	}
	if !(baseIdx < hintIdx && hintIdx < addIdx) {
		t.Fatalf("parts out of order: base=%d hint=%d addendum=%d", baseIdx, hintIdx, addIdx)
	}
}

func TestComposeSystemPromptSkipsEmptyParts(t *testing.T) {
	if got := ComposeSystemPrompt("base", models.ChannelType("unknown"), ""); got != "base" {
		t.Fatalf("bare base prompt altered: %q", got)
	}
	if got := ComposeSystemPrompt("", models.ChannelEmail, ""); !strings.Contains(got, "email") || strings.HasPrefix(got, "\n") {
		t.Fatalf("hint-only composition wrong: %q", got)
	}
}

func TestEveryChannelHasAStyleHint(t *testing.T) {
	for _, ch := range []models.ChannelType{
		models.ChannelTelegram, models.ChannelWhatsApp, models.ChannelDiscord,
		models.ChannelSlack, models.ChannelMattermost, models.ChannelEmail,
		models.ChannelMatrix, models.ChannelWebhook, models.ChannelWebWidget,
	} {
		if ChannelStyleHint(ch) == "" {
			t.Errorf("channel %s has no style hint", ch)
		}
	}
}
