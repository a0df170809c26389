// Package copilot implements the main orchestrator of the companion bot.
// It routes inbound chat messages to commands or to the completion gateway,
// and owns the per-chat check-in tasks and the shared reminder scheduler.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/companion/pkg/companion/channels"
	"github.com/jholhewres/companion/pkg/companion/llm"
	"github.com/jholhewres/companion/pkg/companion/persona"
	"github.com/jholhewres/companion/pkg/companion/scheduler"
	"github.com/jholhewres/companion/pkg/companion/session"
)

// Assistant is the main orchestrator.
// Message flow: receive → per-chat serialize → command check →
// personality resolve → record → complete → send → record reply.
type Assistant struct {
	config *Config

	// channelMgr manages communication channels.
	channelMgr *channels.Manager

	// sessions holds per-chat state.
	sessions *session.Store

	// personalities is the personality table.
	personalities *persona.Table

	// llm is the completion gateway.
	llm *llm.Gateway

	// reminders fires time-of-day reminders for every chat.
	reminders *scheduler.Reminders

	// inactivity runs the per-chat check-in tasks.
	inactivity *Inactivity

	logger    *slog.Logger
	startedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup
	loopDone chan struct{}
}

// New creates a new Assistant with all dependencies.
func New(cfg *Config, logger *slog.Logger) *Assistant {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	table := persona.NewTable(cfg.Personalities, cfg.DefaultPersonality)
	gateway := llm.New(cfg.LLMConfig(), logger)
	store := session.NewStore(logger)
	channelMgr := channels.NewManager(logger)

	return &Assistant{
		config:        cfg,
		channelMgr:    channelMgr,
		sessions:      store,
		personalities: table,
		llm:           gateway,
		reminders:     scheduler.New(cfg.Reminders, store, table, gateway, channelMgr, logger),
		inactivity:    NewInactivity(cfg.Inactivity, store, table, gateway, channelMgr, logger),
		logger:        logger.With("component", "assistant"),
	}
}

// Start initializes and starts all subsystems. After a failed Start the
// caller still owns Stop.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.startedAt = time.Now()

	a.logger.Info("starting companion",
		"name", a.config.Name,
		"personalities", a.personalities.Len(),
		"default_personality", a.personalities.DefaultID(),
	)

	// 1. Reminder scheduler.
	if err := a.reminders.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start reminders: %w", err)
	}

	// 2. Check-in tasks are spawned per chat on demand, so the parent
	// context must exist before the first message is handled.
	a.inactivity.Start(a.ctx)

	// 3. Channels, with the command menu pushed to those that support it.
	a.channelMgr.SetCommands(CommandMenu())
	if err := a.channelMgr.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}

	// 4. Main message processing loop.
	a.loopDone = make(chan struct{})
	go a.messageLoop()

	a.logger.Info("companion started")
	return nil
}

// Stop gracefully shuts down all subsystems in reverse start order.
func (a *Assistant) Stop() {
	a.logger.Info("stopping companion...")

	a.inactivity.Stop()
	a.reminders.Stop()

	if a.cancel != nil {
		a.cancel()
	}
	if a.loopDone != nil {
		<-a.loopDone
	}
	a.handlers.Wait()

	a.channelMgr.Stop()
	a.logger.Info("companion stopped")
}

// ChannelManager returns the channel manager for external registration.
func (a *Assistant) ChannelManager() *channels.Manager { return a.channelMgr }

// Sessions returns the session store.
func (a *Assistant) Sessions() *session.Store { return a.sessions }

// Personalities returns the personality table.
func (a *Assistant) Personalities() *persona.Table { return a.personalities }

// Reminders returns the reminder scheduler.
func (a *Assistant) Reminders() *scheduler.Reminders { return a.reminders }

// Inactivity returns the check-in task manager.
func (a *Assistant) Inactivity() *Inactivity { return a.inactivity }

// Config returns the assistant configuration.
func (a *Assistant) Config() *Config { return a.config }

// StartedAt returns the time Start was called.
func (a *Assistant) StartedAt() time.Time { return a.startedAt }

// messageLoop is the main loop that processes messages from all channels.
// Each message is handled on its own goroutine; per-chat ordering comes
// from the session's inbound lock.
func (a *Assistant) messageLoop() {
	defer close(a.loopDone)
	for {
		select {
		case msg, ok := <-a.channelMgr.Messages():
			if !ok {
				return
			}
			a.handlers.Add(1)
			go func() {
				defer a.handlers.Done()
				a.handleMessage(msg)
			}()

		case <-a.ctx.Done():
			return
		}
	}
}

// handleMessage processes one inbound message while holding the chat's
// inbound lock.
func (a *Assistant) handleMessage(msg *channels.IncomingMessage) {
	start := time.Now()
	key := session.Key{Channel: msg.Channel, ChatID: msg.ChatID}
	sess := a.sessions.GetOrCreate(key)
	logger := a.logger.With("chat", key.String(), "from", msg.From, "msg_id", msg.ID)

	sess.Serialize(func() {
		if IsCommand(msg.Content) {
			result := a.HandleCommand(a.ctx, sess, msg.Content)
			if result.Response != "" {
				a.reply(a.ctx, key, result.Response)
			}
			logger.Info("command processed", "duration_ms", time.Since(start).Milliseconds())
			return
		}

		a.chat(a.ctx, sess, msg.Content)
		logger.Info("message processed", "duration_ms", time.Since(start).Milliseconds())
	})
}

// chat runs the main reply path for one user message.
func (a *Assistant) chat(ctx context.Context, sess *session.Session, text string) {
	key := sess.Key

	p, err := a.personalities.Resolve(sess.Personality())
	if err != nil {
		id := sess.Personality()
		if id == "" {
			id = a.personalities.DefaultID()
		}
		a.reply(ctx, key, "personality not found: "+id)
		return
	}

	sess.Touch(time.Now())
	a.inactivity.Restart(key)
	if err := sess.AppendTurn(session.RoleUser, text); err != nil {
		a.logger.Error("recording user turn", "chat", key.String(), "error", err)
		return
	}

	a.channelMgr.SendTyping(ctx, key.Channel, key.ChatID)

	reply, err := a.llm.Reply(ctx, p, sess.Transcript(), sess.Memories())
	if err != nil {
		a.logger.Warn("completion failed", "chat", key.String(), "personality", p.Name, "error", err)
		reply = failureText(err)
	}

	id, err := a.deliver(ctx, key, reply)
	if err != nil {
		return
	}
	sess.AppendBotTurn(reply, id)
}

// deliver sends text to the chat and returns the delivered message id.
func (a *Assistant) deliver(ctx context.Context, key session.Key, text string) (string, error) {
	id, err := a.channelMgr.Send(ctx, key.Channel, key.ChatID, &channels.OutgoingMessage{Content: text})
	if err != nil {
		a.logger.Error("failed to send reply", "chat", key.String(), "error", err)
		return "", err
	}
	return id, nil
}

// reply sends text that is not recorded in the transcript.
func (a *Assistant) reply(ctx context.Context, key session.Key, text string) {
	_, _ = a.deliver(ctx, key, text)
}

// failureText turns a gateway error into the reply shown to the user.
func failureText(err error) string {
	var failure *llm.Failure
	if errors.As(err, &failure) {
		return failure.Error()
	}
	return "Error: " + err.Error()
}
