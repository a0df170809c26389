package channels

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/elliotchance/pie/v2"
)

// Manager runs several channels at once, fanning their incoming messages
// into one stream and routing sends and deletes back by channel name.
type Manager struct {
	channels map[string]Channel

	// messages aggregates incoming messages from every channel.
	messages chan *IncomingMessage

	commands []Command
	logger   *slog.Logger

	// listenWg tracks listener goroutines so Stop can close messages safely.
	listenWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// SetCommands sets the command menu published to channels that implement
// CommandChannel once they connect.
func (m *Manager) SetCommands(commands []Command) {
	m.mu.Lock()
	m.commands = commands
	m.mu.Unlock()
}

// Start connects every registered channel and starts listening. A channel
// that fails to connect is logged and skipped; Start fails only when
// channels are registered and none of them connected.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := maps.Clone(m.channels)
	commands := m.commands
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no channels registered")
		return nil
	}

	var connected int
	for _, name := range pie.Sort(pie.Keys(snapshot)) {
		ch := snapshot[name]
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("failed to connect channel",
				"channel", name,
				"error", err,
			)
			continue
		}

		connected++
		m.logger.Info("channel connected", "channel", name)

		if cc, ok := ch.(CommandChannel); ok && len(commands) > 0 {
			if err := cc.SetCommands(m.ctx, commands); err != nil {
				m.logger.Warn("failed to register command menu", "channel", name, "error", err)
			}
		}

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listenChannel(c)
		}(ch)
	}

	if connected == 0 {
		return fmt.Errorf("%w: no channel connected", ErrConnectionFailed)
	}

	m.logger.Info("manager started", "channels_connected", connected)
	return nil
}

// Stop disconnects all channels and closes the message stream once every
// listener has returned.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.listenWg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Error("failed to disconnect channel",
				"channel", name,
				"error", err,
			)
		}
	}

	close(m.messages)
	m.logger.Info("manager stopped")
}

// Messages returns the aggregated incoming message stream.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

func (m *Manager) connected(channelName string) (Channel, error) {
	m.mu.RLock()
	ch, exists := m.channels[channelName]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channelName)
	}
	if !ch.IsConnected() {
		return nil, fmt.Errorf("%w: %q", ErrChannelDisconnected, channelName)
	}
	return ch, nil
}

// Send delivers msg through the named channel and returns the sent
// message id. A message that is only partly delivered is withdrawn, so a
// failed Send leaves nothing visible that the caller cannot track.
func (m *Manager) Send(ctx context.Context, channelName, to string, msg *OutgoingMessage) (string, error) {
	ch, err := m.connected(channelName)
	if err != nil {
		return "", err
	}
	id, err := ch.Send(ctx, to, msg)
	if err == nil {
		return id, nil
	}
	if id != "" {
		if derr := ch.Delete(ctx, to, id); derr != nil {
			m.logger.Warn("failed to withdraw partly sent message",
				"channel", channelName, "to", to, "msg_id", id, "error", derr)
		}
	}
	return "", err
}

// Delete removes a previously sent message through the named channel.
func (m *Manager) Delete(ctx context.Context, channelName, chatID, messageID string) error {
	ch, err := m.connected(channelName)
	if err != nil {
		return err
	}
	return ch.Delete(ctx, chatID, messageID)
}

// SendTyping shows a typing indicator when the channel supports it.
func (m *Manager) SendTyping(ctx context.Context, channelName, to string) {
	ch, err := m.connected(channelName)
	if err != nil {
		return
	}
	if pc, ok := ch.(PresenceChannel); ok {
		if err := pc.SendTyping(ctx, to); err != nil {
			m.logger.Debug("typing indicator failed", "channel", channelName, "error", err)
		}
	}
}

// Channel returns a registered channel by name.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// HealthAll returns the health of every registered channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		statuses[name] = ch.Health()
	}
	return statuses
}

// HasChannels reports whether at least one channel is registered.
func (m *Manager) HasChannels() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels) > 0
}

// listenChannel forwards messages from one channel into the aggregate
// stream until the channel closes or the manager stops.
func (m *Manager) listenChannel(ch Channel) {
	in := ch.Receive()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		}
	}
}
