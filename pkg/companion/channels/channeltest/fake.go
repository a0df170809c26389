// Package channeltest provides an in-memory channels.Channel for tests.
package channeltest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/jholhewres/companion/pkg/companion/channels"
)

// Sent is one delivered message.
type Sent struct {
	ID      string
	To      string
	Content string
}

// Fake records sends and deletes and lets tests inject incoming messages.
type Fake struct {
	name string

	mu        sync.Mutex
	connected bool
	nextID    int
	sent      []Sent
	deleted   []string
	typing    []string
	commands  []channels.Command
	sendErr   error
	deleteErr error

	// notify receives a value after every successful Send.
	notify chan Sent

	incoming chan *channels.IncomingMessage
}

// New creates a Fake with the given channel name.
func New(name string) *Fake {
	return &Fake{
		name:     name,
		notify:   make(chan Sent, 64),
		incoming: make(chan *channels.IncomingMessage, 64),
	}
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *Fake) Send(_ context.Context, to string, msg *channels.OutgoingMessage) (string, error) {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return "", err
	}
	f.nextID++
	s := Sent{ID: strconv.Itoa(f.nextID), To: to, Content: msg.Content}
	f.sent = append(f.sent, s)
	f.mu.Unlock()

	select {
	case f.notify <- s:
	default:
	}
	return s.ID, nil
}

func (f *Fake) Delete(_ context.Context, _ string, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *Fake) SendTyping(_ context.Context, to string) error {
	f.mu.Lock()
	f.typing = append(f.typing, to)
	f.mu.Unlock()
	return nil
}

func (f *Fake) SetCommands(_ context.Context, commands []channels.Command) error {
	f.mu.Lock()
	f.commands = commands
	f.mu.Unlock()
	return nil
}

func (f *Fake) Receive() <-chan *channels.IncomingMessage { return f.incoming }

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Health() channels.HealthStatus {
	return channels.HealthStatus{Connected: f.IsConnected()}
}

// Inject queues an incoming text message from chatID.
func (f *Fake) Inject(chatID, text string) {
	f.incoming <- &channels.IncomingMessage{
		ID:        "in-" + strconv.FormatInt(time.Now().UnixNano(), 10),
		Channel:   f.name,
		From:      chatID,
		ChatID:    chatID,
		Content:   text,
		Timestamp: time.Now(),
	}
}

// FailSends makes every following Send return err (nil restores).
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// FailDeletes makes every following Delete return err (nil restores).
func (f *Fake) FailDeletes(err error) {
	f.mu.Lock()
	f.deleteErr = err
	f.mu.Unlock()
}

// SentMessages returns a copy of all delivered messages.
func (f *Fake) SentMessages() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Deleted returns the ids passed to Delete.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Typing returns the recipients of typing indicators.
func (f *Fake) Typing() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.typing...)
}

// Commands returns the last registered command menu.
func (f *Fake) Commands() []channels.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channels.Command(nil), f.commands...)
}

// ErrTimeout is returned by WaitSent when no message arrives in time.
var ErrTimeout = errors.New("timed out waiting for a sent message")

// WaitSent blocks until the next Send or the timeout.
func (f *Fake) WaitSent(timeout time.Duration) (Sent, error) {
	select {
	case s := <-f.notify:
		return s, nil
	case <-time.After(timeout):
		return Sent{}, ErrTimeout
	}
}
