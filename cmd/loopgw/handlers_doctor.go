package main

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/loopgateway/loopgw/internal/config"
	"github.com/loopgateway/loopgw/internal/mcp"
)

// doctorCheck is one named self-check with its outcome.
type doctorCheck struct {
	name string
	err  error
}

// runDoctor runs configuration and connectivity self-checks and prints a
// pass/fail line per check. Exits non-zero if any check failed.
func runDoctor(ctx context.Context, configPath string) error {
	var checks []doctorCheck

	cfg, err := config.Load(configPath)
	checks = append(checks, doctorCheck{name: "config", err: err})
	if err != nil {
		return printChecks(checks)
	}

	stores, err := openStores(cfg)
	checks = append(checks, doctorCheck{name: "database", err: err})
	if err == nil {
		stores.Close()
	}

	if cfg.MCP.Enabled || cfg.Container.Image != "" {
		_, dockerErr := exec.LookPath("docker")
		checks = append(checks, doctorCheck{name: "docker binary", err: dockerErr})
	}

	for _, entry := range cfg.MCP.Servers {
		sc := &mcp.ServerConfig{
			ID:        entry.Name,
			Name:      entry.Name,
			Transport: mcp.TransportType(entry.Transport),
			Image:     entry.Image,
			Port:      entry.Port,
			Command:   entry.Command,
			Args:      entry.Args,
			URL:       entry.URL,
		}
		checks = append(checks, doctorCheck{name: "mcp server " + entry.Name, err: sc.Validate()})
	}

	checks = append(checks, channelChecks(cfg)...)
	return printChecks(checks)
}

// channelChecks verifies each enabled channel has its required
// credentials set. It does not call the platforms; serve's adapters do
// that with their own reconnect policies.
func channelChecks(cfg *config.Config) []doctorCheck {
	var checks []doctorCheck
	require := func(channel, field, value string) {
		var err error
		if value == "" {
			err = fmt.Errorf("%s is required", field)
		}
		checks = append(checks, doctorCheck{name: "channel " + channel, err: err})
	}
	ch := cfg.Channels
	if ch.Telegram.Enabled {
		require("telegram", "bot_token", ch.Telegram.BotToken)
	}
	if ch.Discord.Enabled {
		require("discord", "token", ch.Discord.Token)
	}
	if ch.Slack.Enabled {
		require("slack", "bot_token", ch.Slack.BotToken)
	}
	if ch.Mattermost.Enabled {
		require("mattermost", "slash_token", ch.Mattermost.SlashToken)
	}
	if ch.Email.Enabled {
		require("email", "imap_host", ch.Email.IMAPHost)
	}
	if ch.Matrix.Enabled {
		require("matrix", "access_token", ch.Matrix.AccessToken)
	}
	return checks
}

func printChecks(checks []doctorCheck) error {
	failed := 0
	for _, c := range checks {
		if c.err != nil {
			failed++
			fmt.Printf("FAIL  %-24s %v\n", c.name, c.err)
		} else {
			fmt.Printf("ok    %s\n", c.name)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	fmt.Printf("all %d checks passed\n", len(checks))
	return nil
}
