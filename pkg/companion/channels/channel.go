// Package channels defines the transport abstraction used by the companion.
// Each messaging platform (Telegram, Discord, WhatsApp, the local console)
// implements Channel to receive text messages and to send and delete
// replies in a uniform way.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Channel defines the interface that every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers a message and returns the platform id of the sent
	// message. The id must be accepted by Delete on the same chat. When a
	// split message fails part way, the id of the parts already delivered
	// is returned alongside the error.
	Send(ctx context.Context, to string, message *OutgoingMessage) (string, error)

	// Delete removes a previously sent message.
	Delete(ctx context.Context, chatID, messageID string) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// PresenceChannel extends Channel with typing indicators.
type PresenceChannel interface {
	Channel

	// SendTyping sends a "typing..." indicator to the recipient.
	SendTyping(ctx context.Context, to string) error
}

// Command is one entry of a platform command menu.
type Command struct {
	Name        string
	Description string
}

// CommandChannel extends Channel with a platform command menu.
type CommandChannel interface {
	Channel

	// SetCommands replaces the command menu shown by the platform client.
	SetCommands(ctx context.Context, commands []Command) error
}

// IncomingMessage represents a text message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "telegram").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the conversation identifier replies are sent to.
	ChatID string

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	LastMessageAt time.Time      `json:"last_message_at"`
	ErrorCount    int            `json:"error_count"`
	Details       map[string]any `json:"details,omitempty"`
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
	ErrUnknownChannel      = fmt.Errorf("unknown channel")
)
