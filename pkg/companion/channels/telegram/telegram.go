// Package telegram implements the Telegram channel using the Bot API
// directly over HTTP: long polling for updates, sendMessage for replies,
// deleteMessage for retries, sendChatAction for typing and setMyCommands
// for the command menu.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elliotchance/pie/v2"

	"github.com/jholhewres/companion/pkg/companion/channels"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// maxMessageLen is the Bot API limit for one text message.
const maxMessageLen = 4096

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Telegram Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// AllowedChats restricts which chat IDs the bot responds to.
	// Empty means respond to all chats.
	AllowedChats []int64 `yaml:"allowed_chats"`

	// RespondToGroups enables responding in group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// ParseMode sets the parse mode for outgoing messages ("HTML",
	// "MarkdownV2" or empty for plain text).
	ParseMode string `yaml:"parse_mode"`

	// APIBase overrides the Bot API endpoint (tests, local Bot API servers).
	APIBase string `yaml:"api_base"`
}

// Telegram implements channels.Channel, channels.PresenceChannel and
// channels.CommandChannel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	// baseURL is <api base>/bot<token>.
	baseURL string

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// offset is the last processed update ID + 1.
	offset int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new Telegram channel instance.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = DefaultAPIBase
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: 60 * time.Second},
		baseURL:  base + "/bot" + cfg.Token,
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// ---------- Channel Interface ----------

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token and starts the long-polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	me, err := t.getMe(t.ctx)
	if err != nil {
		t.cancel()
		return fmt.Errorf("%w: telegram: verifying token: %w", channels.ErrConnectionFailed, err)
	}
	t.logger.Info("connected", "bot", me.Username, "id", me.ID)
	t.connected.Store(true)

	t.done = make(chan struct{})
	go t.pollLoop()

	return nil
}

// Disconnect stops the polling loop and waits for it to exit.
func (t *Telegram) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		<-t.done
	}
	t.connected.Store(false)
	t.logger.Info("disconnected")
	return nil
}

// Send sends a text message and returns its message_id. Replies longer
// than the Bot API limit are split; the returned id then lists every part.
func (t *Telegram) Send(ctx context.Context, to string, message *channels.OutgoingMessage) (string, error) {
	if !t.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	var ids []string
	for i, chunk := range channels.SplitMessage(message.Content, maxMessageLen) {
		payload := map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		}
		if t.cfg.ParseMode != "" {
			payload["parse_mode"] = t.cfg.ParseMode
		}
		if i == 0 && message.ReplyTo != "" {
			if msgID, e := strconv.ParseInt(message.ReplyTo, 10, 64); e == nil {
				payload["reply_parameters"] = map[string]any{"message_id": msgID}
			}
		}

		result, err := t.apiCall(ctx, "sendMessage", payload)
		if err != nil {
			return channels.JoinIDs(ids), fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
		}
		var sent tgMessage
		if err := json.Unmarshal(result, &sent); err != nil {
			return channels.JoinIDs(ids), fmt.Errorf("telegram: parsing sendMessage result: %w", err)
		}
		ids = append(ids, strconv.Itoa(sent.MessageID))
	}
	return channels.JoinIDs(ids), nil
}

// Delete removes a message sent by the bot.
func (t *Telegram) Delete(ctx context.Context, chatID, messageID string) error {
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}
	for _, id := range channels.SplitIDs(messageID) {
		msgID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("telegram: invalid message ID %q: %w", id, err)
		}
		if _, err := t.apiCall(ctx, "deleteMessage", map[string]any{
			"chat_id":    chat,
			"message_id": msgID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage {
	return t.messages
}

// IsConnected returns true if the bot is connected.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
	}
}

// ---------- PresenceChannel Interface ----------

// SendTyping sends a "typing..." chat action.
func (t *Telegram) SendTyping(ctx context.Context, to string) error {
	if !t.connected.Load() {
		return nil
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil
	}
	_, err = t.apiCall(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
	return err
}

// ---------- CommandChannel Interface ----------

// SetCommands publishes the bot command menu.
func (t *Telegram) SetCommands(ctx context.Context, commands []channels.Command) error {
	list := make([]map[string]string, 0, len(commands))
	for _, c := range commands {
		list = append(list, map[string]string{
			"command":     c.Name,
			"description": c.Description,
		})
	}
	_, err := t.apiCall(ctx, "setMyCommands", map[string]any{"commands": list})
	return err
}

// ---------- Polling ----------

// pollLoop runs the getUpdates long-polling loop.
func (t *Telegram) pollLoop() {
	defer close(t.done)
	t.logger.Info("polling started")
	backoff := time.Second

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Info("polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(t.offset, 100, 30)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.errorCount.Add(1)
			t.logger.Warn("getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(u)
		}
	}
}

// processUpdate converts a Telegram update into an IncomingMessage. Only
// text messages are forwarded.
func (t *Telegram) processUpdate(u tgUpdate) {
	msg := u.Message
	if msg == nil || msg.Text == "" {
		return
	}

	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"

	if len(t.cfg.AllowedChats) > 0 && !pie.Contains(t.cfg.AllowedChats, msg.Chat.ID) {
		t.logger.Debug("ignoring message from chat outside the allow list", "chat_id", msg.Chat.ID)
		return
	}
	if isGroup && !t.cfg.RespondToGroups {
		return
	}

	from := ""
	fromName := ""
	if msg.From != nil {
		from = strconv.FormatInt(msg.From.ID, 10)
		fromName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if fromName == "" {
			fromName = msg.From.Username
		}
	}

	incoming := &channels.IncomingMessage{
		ID:        strconv.Itoa(msg.MessageID),
		Channel:   "telegram",
		From:      from,
		FromName:  fromName,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		IsGroup:   isGroup,
		Content:   normalizeCommand(msg.Text),
		Timestamp: time.Unix(int64(msg.Date), 0),
	}

	t.lastMsg.Store(time.Now())

	select {
	case t.messages <- incoming:
	default:
		t.logger.Warn("message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// normalizeCommand strips the "@botname" suffix Telegram appends to
// commands in group chats ("/use@my_bot pirate" → "/use pirate").
func normalizeCommand(text string) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	head, rest, hasRest := strings.Cut(text, " ")
	if name, _, ok := strings.Cut(head, "@"); ok {
		head = name
	}
	if hasRest {
		return head + " " + rest
	}
	return head
}

// ---------- Telegram Bot API Types ----------

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int     `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Date      int     `json:"date"`
	Text      string  `json:"text"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // "private", "group", "supergroup", "channel"
}

type tgBotUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// ---------- API Helpers ----------

// apiCall makes a POST request to the Telegram Bot API.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	url := t.baseURL + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

// getMe verifies the bot token and returns bot info.
func (t *Telegram) getMe(ctx context.Context) (*tgBotUser, error) {
	data, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

// getUpdates fetches new updates using long polling.
func (t *Telegram) getUpdates(offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	payload := map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message"},
	}
	data, err := t.apiCall(t.ctx, "getUpdates", payload)
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

// Compile-time interface verification.
var (
	_ channels.Channel         = (*Telegram)(nil)
	_ channels.PresenceChannel = (*Telegram)(nil)
	_ channels.CommandChannel  = (*Telegram)(nil)
)
