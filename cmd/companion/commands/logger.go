package commands

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/phsym/console-slog"
	slogmulti "github.com/samber/slog-multi"
	slogtelegram "github.com/samber/slog-telegram/v2"

	"github.com/jholhewres/companion/pkg/companion/copilot"
)

// newLogger builds the root logger from the logging config. Records at
// ERROR, or carrying a "telegram" attribute, are also posted to Telegram
// when a log bot is configured.
func newLogger(cfg copilot.LoggingConfig, verbose bool, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}

	var local slog.Handler
	switch cfg.Format {
	case "json":
		local = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "text":
		local = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		local = console.NewHandler(w, &console.HandlerOptions{
			AddSource: verbose,
			Level:     level,
		})
	}

	if cfg.Telegram.Token == "" {
		return slog.New(local)
	}

	router := slogmulti.Router().
		Add(local).
		Add(
			slogtelegram.Option{
				Level:     slog.LevelDebug,
				Token:     cfg.Telegram.Token,
				Username:  cfg.Telegram.ChatID,
				AddSource: true,
			}.NewTelegramHandler(),
			forwardToTelegram,
		)
	return slog.New(router.Handler())
}

// forwardToTelegram selects ERROR records and records tagged "telegram".
func forwardToTelegram(_ context.Context, r slog.Record) bool {
	if r.Level >= slog.LevelError {
		return true
	}
	tagged := false
	r.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "telegram" {
			tagged = true
			return false
		}
		return true
	})
	return tagged
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
