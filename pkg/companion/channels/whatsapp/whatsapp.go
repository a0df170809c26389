// Package whatsapp implements the WhatsApp channel using whatsmeow, with the
// linked-device session persisted in SQLite.
//
// On first start there is no session and the device must be linked by
// scanning a QR code; the latest code is kept for the status API and
// handed to an optional callback.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/companion/pkg/companion/channels"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds WhatsApp channel configuration.
type Config struct {
	// SessionDir is the directory holding whatsapp.db.
	SessionDir string `yaml:"session_dir"`

	// RespondToGroups enables responding in group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`
}

// QRHandler receives each new pairing code.
type QRHandler func(code string)

// WhatsApp implements channels.Channel and channels.PresenceChannel.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	qrMu   sync.Mutex
	lastQR string
	onQR   QRHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp channel instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionDir == "" {
		cfg.SessionDir = "./sessions/whatsapp"
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// OnQR sets the pairing code callback. Must be called before Connect.
func (w *WhatsApp) OnQR(fn QRHandler) {
	w.qrMu.Lock()
	w.onQR = fn
	w.qrMu.Unlock()
}

// LastQR returns the most recent pairing code, or "" once linked.
func (w *WhatsApp) LastQR() string {
	w.qrMu.Lock()
	defer w.qrMu.Unlock()
	return w.lastQR
}

// ---------- Channel Interface ----------

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect opens the session store and connects. Without a stored session
// the QR login runs in the background so startup is not blocked.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := os.MkdirAll(w.cfg.SessionDir, 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	dbPath := filepath.Join(w.cfg.SessionDir, "whatsapp.db")

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("%w: creating session store: %w", channels.ErrConnectionFailed, err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo("Companion", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.logger.Info("no existing session, waiting for QR pairing")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("QR login pending", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("%w: connecting: %w", channels.ErrConnectionFailed, err)
	}
	w.connected.Store(true)
	w.logger.Info("connected (existing session)", "jid", w.client.Store.ID.String())
	return nil
}

// Disconnect closes the WhatsApp connection.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	w.logger.Info("disconnected")
	return nil
}

// Send sends a text message and returns the WhatsApp message id.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) (string, error) {
	if !w.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID %q: %w", to, err)
	}

	resp, err := w.client.SendMessage(ctx, jid, buildTextMessage(msg.Content))
	if err != nil {
		w.errorCount.Add(1)
		return "", fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	return string(resp.ID), nil
}

// Delete revokes a message sent by this device ("delete for everyone").
func (w *WhatsApp) Delete(ctx context.Context, chatID, messageID string) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", chatID, err)
	}
	revoke := w.client.BuildRevoke(jid, types.EmptyJID, types.MessageID(messageID))
	if _, err := w.client.SendMessage(ctx, jid, revoke); err != nil {
		return fmt.Errorf("revoking message: %w", err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected returns true if the device is linked and connected.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// Health returns the channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := w.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	h := channels.HealthStatus{
		Connected:     w.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(w.errorCount.Load()),
	}
	if qr := w.LastQR(); qr != "" {
		h.Details = map[string]any{"waiting_for_qr": true}
	}
	return h
}

// ---------- PresenceChannel Interface ----------

// SendTyping sends a typing indicator.
func (w *WhatsApp) SendTyping(ctx context.Context, to string) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// ---------- Internal ----------

// getDevice retrieves an existing device or creates a new one.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the pairing flow until success, timeout or ctx ends.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				w.setQR(evt.Code)
				w.logger.Info("QR code ready, scan it with WhatsApp > Linked devices")
			case "success":
				w.setQR("")
				w.connected.Store(true)
				w.logger.Info("login successful")
				return nil
			case "timeout":
				w.setQR("")
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

func (w *WhatsApp) setQR(code string) {
	w.qrMu.Lock()
	w.lastQR = code
	fn := w.onQR
	w.qrMu.Unlock()
	if fn != nil && code != "" {
		fn(code)
	}
}

func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		if msg, ok := w.toIncoming(evt); ok {
			w.emitMessage(msg)
		}
	case *events.Connected:
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.logger.Info("connected")
	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("disconnected, waiting for auto-reconnect")
	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("logged out from the phone; delete the session dir and pair again",
			"reason", evt.Reason.String())
	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Warn("stream replaced by another client")
	}
}

// toIncoming filters and converts a WhatsApp message event. Only plain and
// extended text messages are forwarded.
func (w *WhatsApp) toIncoming(evt *events.Message) (*channels.IncomingMessage, bool) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return nil, false
	}
	if evt.Info.IsGroup && !w.cfg.RespondToGroups {
		return nil, false
	}

	text := extractText(evt.Message)
	if text == "" {
		return nil, false
	}

	return &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   "whatsapp",
		From:      evt.Info.Sender.String(),
		FromName:  evt.Info.PushName,
		ChatID:    evt.Info.Chat.String(),
		IsGroup:   evt.Info.IsGroup,
		Content:   text,
		Timestamp: evt.Info.Timestamp,
	}, true
}

func extractText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if m.Conversation != nil {
		return m.GetConversation()
	}
	if ext := m.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func buildTextMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

// emitMessage forwards msg to the incoming stream without blocking.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	select {
	case w.messages <- msg:
		w.lastMsg.Store(time.Now())
	default:
		w.logger.Warn("message channel full, dropping message", "from", msg.From)
	}
}

// parseJID converts a string JID to types.JID.
// Accepts "5511999999999", "5511999999999@s.whatsapp.net" or group ids
// like "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}

// Compile-time interface verification.
var (
	_ channels.Channel         = (*WhatsApp)(nil)
	_ channels.PresenceChannel = (*WhatsApp)(nil)
)
