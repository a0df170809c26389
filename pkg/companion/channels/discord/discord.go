// Package discord implements the Discord channel using discordgo.
//
// Text messages in DMs and in allowed guild channels are forwarded; each
// Discord channel id is one chat. Replies over the 2000 character limit are
// split, and the returned message id lists every part so the whole reply
// can be deleted on /retry.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/elliotchance/pie/v2"

	"github.com/jholhewres/companion/pkg/companion/channels"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild (server) IDs the bot responds in.
	// Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Empty means respond in all channels.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// Discord implements channels.Channel and channels.PresenceChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// ---------- Channel Interface ----------

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("%w: discord: opening gateway: %w", channels.ErrConnectionFailed, err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			d.logger.Warn("closing gateway", "error", err)
		}
	}
	d.connected.Store(false)
	d.logger.Info("disconnected")
	return nil
}

// Send sends a text message and returns the id of the sent message (or the
// composite id of a split reply).
func (d *Discord) Send(ctx context.Context, to string, message *channels.OutgoingMessage) (string, error) {
	if d.session == nil || !d.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}

	var ids []string
	for i, chunk := range channels.SplitMessage(message.Content, maxMessageLen) {
		msgSend := &discordgo.MessageSend{Content: chunk}
		if i == 0 && message.ReplyTo != "" {
			msgSend.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo}
		}
		sent, err := d.session.ChannelMessageSendComplex(to, msgSend, discordgo.WithContext(ctx))
		if err != nil {
			d.errorCount.Add(1)
			return channels.JoinIDs(ids), fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
		}
		ids = append(ids, sent.ID)
	}
	return channels.JoinIDs(ids), nil
}

// Delete removes a message (every part of a split reply).
func (d *Discord) Delete(ctx context.Context, chatID, messageID string) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	for _, id := range channels.SplitIDs(messageID) {
		if err := d.session.ChannelMessageDelete(chatID, id, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord: deleting %s: %w", id, err)
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// ---------- PresenceChannel Interface ----------

// SendTyping sends a typing indicator to the channel.
func (d *Discord) SendTyping(ctx context.Context, to string) error {
	if d.session == nil {
		return nil
	}
	return d.session.ChannelTyping(to, discordgo.WithContext(ctx))
}

// ---------- Event Handlers ----------

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	incoming, ok := d.toIncoming(m.Message, s.State.User.ID)
	if !ok {
		return
	}

	d.lastMsg.Store(time.Now())
	d.errorCount.Store(0)

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// toIncoming filters and converts a Discord message.
func (d *Discord) toIncoming(m *discordgo.Message, botID string) (*channels.IncomingMessage, bool) {
	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return nil, false
	}
	if m.Content == "" {
		return nil, false
	}
	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !pie.Contains(d.cfg.AllowedGuilds, m.GuildID) {
		return nil, false
	}
	if len(d.cfg.AllowedChannels) > 0 && !pie.Contains(d.cfg.AllowedChannels, m.ChannelID) {
		return nil, false
	}

	return &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   m.GuildID != "",
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}, true
}

// Compile-time interface verification.
var (
	_ channels.Channel         = (*Discord)(nil)
	_ channels.PresenceChannel = (*Discord)(nil)
)
