// commands.go contains the cobra command definitions and their flag
// wiring. Each builder creates one command and delegates the actual work
// to its handler in the matching handlers_*.go file.
package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway with all configured channels, providers, skills, and
MCP servers. Shuts down gracefully on SIGINT/SIGTERM: adapters stop,
in-flight agent runs finish their current step, MCP containers are
stopped and removed.`,
		Example: `  # Start with default config
  loopgw serve

  # Start with a specific config file and debug logging
  loopgw serve --config /etc/loopgw/loopgw.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildDoctorCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run connectivity and configuration self-checks",
		Long: `Check the configured database, docker binary, channel credentials, and
MCP server definitions without starting the gateway. Exits non-zero if
any check fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildSkillsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Manage skills in the skills directory",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List known skills and their enabled state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsList(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	enable := &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsSetEnabled(cmd.Context(), resolveConfigPath(configPath), args[0], true)
		},
	}
	disable := &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable a skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsSetEnabled(cmd.Context(), resolveConfigPath(configPath), args[0], false)
		},
	}
	cmd.AddCommand(list, enable, disable)
	return cmd
}

func buildChannelsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect configured channels",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured channels and whether each is enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsList(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.AddCommand(list)
	return cmd
}
