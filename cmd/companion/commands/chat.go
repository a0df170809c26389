package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/jholhewres/companion/pkg/companion/channels/console"
	"github.com/jholhewres/companion/pkg/companion/copilot"
	"github.com/jholhewres/companion/pkg/companion/session"
)

// newChatCmd creates the `companion chat` command: a terminal chat with
// the same commands, memories and reminders as the messaging channels.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the bot in the terminal",
		Long: `Starts an interactive chat in the terminal. All chat commands work
(/use, /list, /clock, /retry, ...). Leave with Ctrl-D or /quit.

Examples:
  companion chat
  companion chat --personality pirate`,
		Args: cobra.NoArgs,
		RunE: runChat,
	}

	cmd.Flags().StringP("personality", "p", "", "personality to start with")
	cmd.Flags().Bool("checkins", false, "send proactive check-ins while the chat is idle")
	cmd.Flags().String("history", defaultHistoryFile(), "input history file (empty disables)")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// Only warnings reach the terminal unless --verbose.
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logCfg := cfg.Logging
	logCfg.Level = "warn"
	logger := newLogger(logCfg, verbose, os.Stderr)

	copilot.ResolveAPIKey(cfg, logger)

	checkins, _ := cmd.Flags().GetBool("checkins")
	cfg.Inactivity.Enabled = checkins

	assistant := copilot.New(cfg, logger)

	historyFile, _ := cmd.Flags().GetString("history")
	term := console.New(console.Config{
		Prompt:      "you> ",
		BotName:     cfg.Name,
		HistoryFile: historyFile,
	}, logger)
	if err := assistant.ChannelManager().Register(term); err != nil {
		return err
	}

	if name, _ := cmd.Flags().GetString("personality"); name != "" {
		if !assistant.Personalities().Has(name) {
			return oops.Errorf("personality %q not found (available: %v)", name, assistant.Personalities().Names())
		}
		key := session.Key{Channel: term.Name(), ChatID: console.ChatID}
		assistant.Sessions().GetOrCreate(key).SetPersonality(name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := assistant.Start(ctx); err != nil {
		assistant.Stop()
		return fmt.Errorf("failed to start: %w", err)
	}
	fmt.Printf("Chatting with %s. Type /help for commands, Ctrl-D to leave.\n", cfg.Name)

	select {
	case <-term.Done():
	case <-ctx.Done():
	}

	assistant.Stop()
	return nil
}

func defaultHistoryFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "companion", "chat_history")
}
