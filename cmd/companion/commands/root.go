// Package commands implements the companion CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "companion",
		Short: "Companion - a conversational chat bot",
		Long: `Companion relays chats from Telegram, Discord and WhatsApp to an
OpenAI-compatible completion endpoint, with per-chat personalities,
memories, reminders and proactive check-ins.

Examples:
  companion setup
  companion serve
  companion serve --channel telegram
  companion chat`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
