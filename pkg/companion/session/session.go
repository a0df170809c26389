// Package session holds per-chat conversation state: the bounded transcript,
// memory notes, timezone, personality, reminders and the handle of the chat's
// inactivity task. Every Session guards its own fields; there is no
// cross-chat locking beyond the Store map itself.
package session

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// MaxTurns is the number of transcript entries kept per chat.
const MaxTurns = 30

// Errors.
var (
	ErrNotFound        = fmt.Errorf("not found")
	ErrInvalidArgument = fmt.Errorf("invalid argument")

	ErrNothingToRetry     = fmt.Errorf("%w: no chat history to retry", ErrNotFound)
	ErrNoBotTurn          = fmt.Errorf("%w: no bot reply in the chat history", ErrNotFound)
	ErrNoMatchingUserTurn = fmt.Errorf("%w: no user message before the last bot reply", ErrNotFound)
)

// Role tags a transcript entry.
type Role string

const (
	RoleUser     Role = "User"
	RoleBot      Role = "Bot"
	RoleReminder Role = "Reminder"
)

// Turn is one transcript entry.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// Task is a background task bound to a session. Stop must cancel the task
// and block until it has exited.
type Task interface {
	Stop()
}

// Session is the state of one chat.
type Session struct {
	Key       Key
	CreatedAt time.Time

	mu           sync.Mutex
	transcript   []Turn
	outboundIDs  []string
	memories     []string
	personality  string
	timezone     string
	lastActivity time.Time
	oneTime      []Reminder
	daily        []Reminder

	// inbound serializes inbound message handling for this chat.
	inbound sync.Mutex

	// taskMu guards task and is held across stop-then-start so that two
	// replacements can never interleave.
	taskMu sync.Mutex
	task   Task
}

func newSession(key Key, now time.Time) *Session {
	return &Session{
		Key:       key,
		CreatedAt: now,
	}
}

// ---------- Transcript ----------

// AppendTurn appends a User or Reminder turn and trims the transcript.
// Bot turns must go through AppendBotTurn so that they carry the id of the
// delivered message.
func (s *Session) AppendTurn(role Role, text string) error {
	if role == RoleBot {
		return fmt.Errorf("%w: bot turns require a delivered message id", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(Turn{Role: role, Text: text, At: time.Now()})
	return nil
}

// AppendBotTurn records a delivered reply: the Bot turn and its outbound
// message id are appended in one step.
func (s *Session) AppendBotTurn(text, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendBotLocked(text, messageID)
}

// AppendReminderDelivery records a fired reminder: the Reminder marker, the
// delivered Bot reply with its message id, and the activity timestamp.
func (s *Session) AppendReminderDelivery(event, reply, messageID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(Turn{Role: RoleReminder, Text: event, At: now})
	s.appendBotLocked(reply, messageID)
	s.lastActivity = now
}

// AppendProactive records a delivered proactive reply and marks the chat
// active as of now.
func (s *Session) AppendProactive(reply, messageID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendBotLocked(reply, messageID)
	s.lastActivity = now
}

func (s *Session) appendBotLocked(text, messageID string) {
	s.outboundIDs = append(s.outboundIDs, messageID)
	s.appendLocked(Turn{Role: RoleBot, Text: text, At: time.Now()})
}

// appendLocked appends and evicts from the front one entry at a time. An
// evicted Bot turn takes the oldest outbound id with it.
func (s *Session) appendLocked(t Turn) {
	s.transcript = append(s.transcript, t)
	for len(s.transcript) > MaxTurns {
		evicted := s.transcript[0]
		s.transcript = slices.Delete(s.transcript, 0, 1)
		if evicted.Role == RoleBot && len(s.outboundIDs) > 0 {
			s.outboundIDs = slices.Delete(s.outboundIDs, 0, 1)
		}
	}
}

// PopLastBotTurn removes the most recent Bot turn and the tail outbound id.
func (s *Session) PopLastBotTurn() (Turn, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.lastBotIndexLocked()
	if idx < 0 {
		return Turn{}, "", ErrNoBotTurn
	}
	turn, id := s.removeBotLocked(idx)
	return turn, id, nil
}

// RetractLastBotReply validates and removes the last Bot turn for a retry.
// It returns the text of the User turn that preceded it and the outbound id
// of the retracted message. Nothing is mutated on error.
func (s *Session) RetractLastBotReply() (userText, messageID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.transcript) < 2 {
		return "", "", ErrNothingToRetry
	}
	idx := s.lastBotIndexLocked()
	if idx < 0 {
		return "", "", ErrNoBotTurn
	}
	if idx == 0 || s.transcript[idx-1].Role != RoleUser {
		return "", "", ErrNoMatchingUserTurn
	}
	userText = s.transcript[idx-1].Text
	_, messageID = s.removeBotLocked(idx)
	return userText, messageID, nil
}

func (s *Session) lastBotIndexLocked() int {
	for i := len(s.transcript) - 1; i >= 0; i-- {
		if s.transcript[i].Role == RoleBot {
			return i
		}
	}
	return -1
}

func (s *Session) removeBotLocked(idx int) (Turn, string) {
	turn := s.transcript[idx]
	s.transcript = slices.Delete(s.transcript, idx, idx+1)
	var id string
	if n := len(s.outboundIDs); n > 0 {
		id = s.outboundIDs[n-1]
		s.outboundIDs = s.outboundIDs[:n-1]
	}
	return turn, id
}

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transcript)
}

// OutboundIDs returns a copy of the delivered message ids, oldest first.
func (s *Session) OutboundIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outboundIDs)
}

// ClearTranscript drops all turns and their outbound ids.
func (s *Session) ClearTranscript() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = nil
	s.outboundIDs = nil
}

// ---------- Activity ----------

// Touch marks the chat as active at now.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// LastActivity returns the last activity time; zero if the chat has never
// been active.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ---------- Memories ----------

// Memories returns a copy of the memory notes.
func (s *Session) Memories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.memories)
}

// SetMemory replaces memory index (1-based), or appends when index is one
// past the end.
func (s *Session) SetMemory(index int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case index >= 1 && index <= len(s.memories):
		s.memories[index-1] = text
	case index == len(s.memories)+1:
		s.memories = append(s.memories, text)
	default:
		return fmt.Errorf("%w: memory index %d", ErrNotFound, index)
	}
	return nil
}

// DeleteMemory removes memory index (1-based); later entries shift down.
func (s *Session) DeleteMemory(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 1 || index > len(s.memories) {
		return fmt.Errorf("%w: memory index %d", ErrNotFound, index)
	}
	s.memories = slices.Delete(s.memories, index-1, index)
	return nil
}

// ---------- Personality & timezone ----------

// Personality returns the selected personality id ("" when unset).
func (s *Session) Personality() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.personality
}

// SetPersonality stores the personality id.
func (s *Session) SetPersonality(id string) {
	s.mu.Lock()
	s.personality = id
	s.mu.Unlock()
}

// Timezone returns the stored IANA name, or "UTC" when unset.
func (s *Session) Timezone() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timezone == "" {
		return "UTC"
	}
	return s.timezone
}

// SetTimezone validates and stores an IANA timezone name. An invalid name
// leaves the stored value unchanged.
func (s *Session) SetTimezone(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty timezone", ErrInvalidArgument)
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidArgument, name)
	}
	s.mu.Lock()
	s.timezone = name
	s.mu.Unlock()
	return nil
}

// Location resolves the chat timezone, falling back to UTC.
func (s *Session) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locationLocked()
}

func (s *Session) locationLocked() *time.Location {
	if s.timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ---------- Tasks ----------

// ReplaceTask stops the current task, waits for it, and then installs the
// task returned by start. A nil start leaves the session without a task.
func (s *Session) ReplaceTask(start func() Task) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	if s.task != nil {
		s.task.Stop()
		s.task = nil
	}
	if start != nil {
		s.task = start()
	}
}

// HasTask reports whether a task is installed.
func (s *Session) HasTask() bool {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	return s.task != nil
}

// Serialize runs fn while holding the chat's inbound lock, so inbound
// messages for one chat are processed one at a time.
func (s *Session) Serialize(fn func()) {
	s.inbound.Lock()
	defer s.inbound.Unlock()
	fn()
}
