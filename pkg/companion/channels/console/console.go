// Package console implements a local terminal channel: one chat ("local")
// driven by a readline prompt. It backs `companion chat` and is handy for
// trying personalities without a messaging account.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/jholhewres/companion/pkg/companion/channels"
)

// ChatID is the only chat of the console channel.
const ChatID = "local"

// Config holds console channel configuration.
type Config struct {
	// Prompt shown before user input.
	Prompt string

	// BotName prefixes bot replies.
	BotName string

	// HistoryFile persists input history between runs ("" disables).
	HistoryFile string

	// Stdin and Stdout override the terminal.
	Stdin  io.ReadCloser
	Stdout io.Writer
}

// Console implements channels.Channel on a terminal.
type Console struct {
	cfg    Config
	logger *slog.Logger

	rl       *readline.Instance
	out      io.Writer
	messages chan *channels.IncomingMessage

	// Done is closed when the user leaves the prompt (Ctrl-D, /quit).
	done     chan struct{}
	doneOnce sync.Once

	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
	readerWG  sync.WaitGroup
}

// New creates a console channel.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "you> "
	}
	if cfg.BotName == "" {
		cfg.BotName = "bot"
	}
	return &Console{
		cfg:      cfg,
		logger:   logger.With("component", "console"),
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Done is closed when the user ends the session.
func (c *Console) Done() <-chan struct{} { return c.done }

// Connect opens the prompt and starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	if c.cfg.HistoryFile != "" {
		if err := os.MkdirAll(filepath.Dir(c.cfg.HistoryFile), 0o700); err != nil {
			c.logger.Warn("input history disabled", "error", err)
			c.cfg.HistoryFile = ""
		}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.cfg.Prompt,
		HistoryFile:     c.cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           c.cfg.Stdin,
		Stdout:          c.cfg.Stdout,
	})
	if err != nil {
		return fmt.Errorf("%w: console: %w", channels.ErrConnectionFailed, err)
	}
	c.rl = rl
	c.out = rl.Stdout()
	c.connected.Store(true)

	c.readerWG.Add(1)
	go c.readLoop(ctx)
	return nil
}

// Disconnect closes the prompt.
func (c *Console) Disconnect() error {
	c.connected.Store(false)
	if c.rl != nil {
		if err := c.rl.Close(); err != nil {
			return err
		}
	}
	c.readerWG.Wait()
	return nil
}

func (c *Console) readLoop(ctx context.Context) {
	defer c.readerWG.Done()
	defer c.doneOnce.Do(func() { close(c.done) })

	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}

		msg := &channels.IncomingMessage{
			ID:        uuid.NewString(),
			Channel:   "console",
			From:      ChatID,
			FromName:  "you",
			ChatID:    ChatID,
			Content:   line,
			Timestamp: time.Now(),
		}
		c.lastMsg.Store(msg.Timestamp)

		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Send prints the reply and returns a fresh id for it.
func (c *Console) Send(_ context.Context, _ string, message *channels.OutgoingMessage) (string, error) {
	if !c.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}
	id := uuid.NewString()
	if _, err := fmt.Fprintf(c.out, "%s> %s\n", c.cfg.BotName, message.Content); err != nil {
		return "", fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	return id, nil
}

// Delete cannot erase terminal output; it prints a marker instead.
func (c *Console) Delete(_ context.Context, _, messageID string) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	_, err := fmt.Fprintf(c.out, "(previous reply withdrawn)\n")
	return err
}

// Receive returns the incoming messages channel.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether the prompt is open.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := c.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{Connected: c.connected.Load(), LastMessageAt: lastAt}
}

var _ channels.Channel = (*Console)(nil)
