package main

import (
	"context"
	"fmt"

	"github.com/loopgateway/loopgw/internal/config"
)

func runChannelsList(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ch := cfg.Channels
	rows := []struct {
		name    string
		enabled bool
	}{
		{"telegram", ch.Telegram.Enabled},
		{"discord", ch.Discord.Enabled},
		{"slack", ch.Slack.Enabled},
		{"mattermost", ch.Mattermost.Enabled},
		{"whatsapp", ch.WhatsApp.Enabled},
		{"email", ch.Email.Enabled},
		{"webhook", ch.Webhook.Enabled},
		{"web_widget", ch.WebWidget.Enabled},
		{"matrix", ch.Matrix.Enabled},
	}
	for _, row := range rows {
		state := "disabled"
		if row.enabled {
			state = "enabled"
		}
		fmt.Printf("%-12s %s\n", row.name, state)
	}
	return nil
}
