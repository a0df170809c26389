package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/elliotchance/pie/v2"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/companion/pkg/companion/channels/discord"
	"github.com/jholhewres/companion/pkg/companion/channels/telegram"
	"github.com/jholhewres/companion/pkg/companion/channels/whatsapp"
	"github.com/jholhewres/companion/pkg/companion/copilot"
	"github.com/jholhewres/companion/pkg/companion/gateway"
	"github.com/jholhewres/companion/pkg/companion/persona"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// newServeCmd creates the `companion serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bot on the enabled messaging channels",
		Long: `Start the companion as a daemon, connecting to the enabled channels
(Telegram, Discord, WhatsApp) and answering messages.

Examples:
  companion serve
  companion serve --channel telegram
  companion serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (telegram, discord, whatsapp); overrides the config")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose, os.Stderr)
	slog.SetDefault(logger)

	// ── Resolve secrets ──
	// Audit before resolving: only the raw config value can be hardcoded.
	copilot.AuditSecrets(cfg, logger)
	copilot.ResolveAPIKey(cfg, logger)
	if cfg.API.APIKey == "" {
		logger.Warn("no API key configured; completion requests will be sent unauthenticated",
			"hint", "companion config set-key")
	}

	// ── Create assistant ──
	assistant := copilot.New(cfg, logger)

	channelFilter, _ := cmd.Flags().GetStringSlice("channel")
	registerChannels(assistant, cfg, channelFilter, logger)
	if !assistant.ChannelManager().HasChannels() {
		return oops.Errorf("no channels enabled: enable one under channels: in the config or pass --channel")
	}

	var watcher *persona.Watcher
	if cfg.PersonalitiesFile != "" {
		watcher = persona.NewWatcher(cfg.PersonalitiesFile, cfg.Personalities, assistant.Personalities(), logger)
		if err := watcher.Reload(); err != nil {
			return oops.With("path", cfg.PersonalitiesFile).Wrap(err)
		}
	}
	if !assistant.Personalities().Has(cfg.DefaultPersonality) {
		return oops.Errorf("default personality %q is not defined", cfg.DefaultPersonality)
	}

	// ── Start ──
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := assistant.Start(ctx); err != nil {
		assistant.Stop()
		return fmt.Errorf("failed to start: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(assistant, cfg.Gateway, logger)
		if err := gw.Start(gctx); err != nil {
			assistant.Stop()
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	if watcher != nil {
		g.Go(func() error { return watcher.Watch(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("companion running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"channels", pie.Sort(pie.Keys(assistant.ChannelManager().HealthAll())),
		"personalities", assistant.Personalities().Len(),
	)

	// ── Wait for shutdown ──
	waitErr := g.Wait()
	if waitErr != nil {
		logger.Error("background task failed", "error", waitErr)
	} else {
		logger.Info("shutdown signal received, stopping...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if gw != nil {
			if err := gw.Stop(shutdownCtx); err != nil {
				logger.Warn("gateway shutdown", "error", err)
			}
		}
		assistant.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return waitErr
}

// registerChannels registers every enabled messaging channel. A --channel
// filter replaces the enabled flags from the config.
func registerChannels(assistant *copilot.Assistant, cfg *copilot.Config, filter []string, logger *slog.Logger) {
	mgr := assistant.ChannelManager()

	if shouldEnable("telegram", filter, cfg.Channels.Telegram.Enabled) {
		if err := mgr.Register(telegram.New(cfg.Channels.Telegram.Config, logger)); err != nil {
			logger.Error("failed to register Telegram", "error", err)
		}
	}

	if shouldEnable("discord", filter, cfg.Channels.Discord.Enabled) {
		if err := mgr.Register(discord.New(cfg.Channels.Discord.Config, logger)); err != nil {
			logger.Error("failed to register Discord", "error", err)
		}
	}

	if shouldEnable("whatsapp", filter, cfg.Channels.WhatsApp.Enabled) {
		wa := whatsapp.New(cfg.Channels.WhatsApp.Config, logger)
		wa.OnQR(func(code string) {
			fmt.Fprintln(os.Stderr, "\nLink WhatsApp: open Linked Devices on your phone and scan this code")
			fmt.Fprintln(os.Stderr, "(render it with any QR tool, or fetch /api/whatsapp/qr from the gateway):")
			fmt.Fprintln(os.Stderr, code)
		})
		if err := mgr.Register(wa); err != nil {
			logger.Error("failed to register WhatsApp", "error", err)
		}
	}
}

// resolveConfig loads config from file, offering interactive setup when
// none is found.
func resolveConfig(cmd *cobra.Command) (*copilot.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	// Try explicit path first.
	if configPath != "" {
		cfg, err := copilot.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	// Auto-discover config file.
	if found := copilot.FindConfigFile(); found != "" {
		cfg, err := copilot.LoadConfigFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	// No config file: offer interactive setup.
	runSetup := true
	err := huh.NewConfirm().
		Title("No configuration file found. Run the setup wizard now?").
		Affirmative("Yes").
		Negative("No").
		Value(&runSetup).
		Run()
	if errors.Is(err, huh.ErrUserAborted) || (err == nil && !runSetup) {
		fmt.Println("Run 'companion setup' or 'companion config init' to create the configuration.")
		return nil, oops.Errorf("configuration required before starting")
	}
	if err != nil {
		return nil, fmt.Errorf("setup prompt: %w", err)
	}

	path, err := runInteractiveSetup(defaultConfigPath)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}

	cfg, err := copilot.LoadConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	slog.Info("config loaded after setup", "path", path)
	return cfg, nil
}

// shouldEnable checks if a channel should be enabled.
func shouldEnable(name string, filter []string, defaultEnabled bool) bool {
	if len(filter) == 0 {
		return defaultEnabled
	}
	return pie.Contains(filter, name)
}
