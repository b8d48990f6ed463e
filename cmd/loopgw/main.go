// Package main provides the CLI entry point for the Loop Gateway
// multi-channel agentic AI gateway.
//
// Loop Gateway connects chat platforms (Telegram, WhatsApp, Email, Slack,
// Discord, Mattermost, generic webhooks, an embeddable web widget) to LLM
// providers through an agent loop with a pluggable skill/tool system,
// human-in-the-loop approval gates, and MCP tool servers.
//
// # Basic Usage
//
// Start the gateway:
//
//	loopgw serve --config loopgw.yaml
//
// Apply pending schema migrations without starting:
//
//	loopgw migrate
//
// Check connectivity against the configured database, channels, docker,
// and MCP servers:
//
//	loopgw doctor
//
// # Environment Variables
//
// Core settings can be provided via environment variables, which override
// the YAML file: ANTHROPIC_API_KEY, AGENT_MODEL, AGENT_MAX_TOKENS,
// AGENT_SYSTEM_PROMPT_FILE, DATA_DIR, DB_PATH, PORT, HOST, RETRY_* and
// CB_* tuning, CONTAINER_TIMEOUT_MS, MAX_CONCURRENT_CONTAINERS,
// ENCRYPTION_KEY.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := buildRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loopgw",
		Short:         "Loop Gateway - multi-channel agentic AI gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	}
	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildDoctorCmd(),
		buildSkillsCmd(),
		buildChannelsCmd(),
	)
	return root
}

// resolveConfigPath honors the flag, then $LOOPGW_CONFIG, then the default.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("LOOPGW_CONFIG"); env != "" {
		return env
	}
	return "loopgw.yaml"
}
