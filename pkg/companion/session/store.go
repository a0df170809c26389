package session

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Key identifies a chat across channels.
type Key struct {
	Channel string // "telegram", "discord", "whatsapp", "console"
	ChatID  string
}

// String returns "channel:chatID".
func (k Key) String() string {
	return k.Channel + ":" + k.ChatID
}

// ParseKey parses "channel:chatID". Chat ids may themselves contain colons.
func ParseKey(s string) (Key, bool) {
	channel, chatID, ok := strings.Cut(s, ":")
	if !ok || channel == "" || chatID == "" {
		return Key{}, false
	}
	return Key{Channel: channel, ChatID: chatID}, true
}

// Store maps chat keys to sessions. Sessions are created on first contact
// and live for the lifetime of the process; the map is never pruned.
type Store struct {
	sessions map[Key]*Session
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[Key]*Session),
		logger:   logger.With("component", "sessions"),
	}
}

// GetOrCreate returns the session for key, creating it if needed.
func (st *Store) GetOrCreate(key Key) *Session {
	st.mu.RLock()
	if s, ok := st.sessions[key]; ok {
		st.mu.RUnlock()
		return s
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring the write lock.
	if s, ok := st.sessions[key]; ok {
		return s
	}

	s := newSession(key, time.Now())
	st.sessions[key] = s
	st.logger.Info("new session", "channel", key.Channel, "chat_id", key.ChatID)
	return s
}

// Get returns the session for key if it exists.
func (st *Store) Get(key Key) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[key]
	return s, ok
}

// Count returns the number of sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Snapshot returns the current sessions. The slice is safe to iterate
// without holding the store lock.
func (st *Store) Snapshot() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Meta summarizes a session for status listings.
type Meta struct {
	ID                string    `json:"id"`
	Channel           string    `json:"channel"`
	ChatID            string    `json:"chat_id"`
	Turns             int       `json:"turns"`
	Memories          int       `json:"memories"`
	OneTimeReminders  int       `json:"one_time_reminders"`
	DailyReminders    int       `json:"daily_reminders"`
	Personality       string    `json:"personality,omitempty"`
	Timezone          string    `json:"timezone"`
	InactivityRunning bool      `json:"inactivity_running"`
	LastActivity      time.Time `json:"last_activity"`
	CreatedAt         time.Time `json:"created_at"`
}

// Meta returns a summary of the session.
func (s *Session) Meta() Meta {
	running := s.HasTask()

	s.mu.Lock()
	defer s.mu.Unlock()
	tz := s.timezone
	if tz == "" {
		tz = "UTC"
	}
	return Meta{
		ID:                s.Key.String(),
		Channel:           s.Key.Channel,
		ChatID:            s.Key.ChatID,
		Turns:             len(s.transcript),
		Memories:          len(s.memories),
		OneTimeReminders:  len(s.oneTime),
		DailyReminders:    len(s.daily),
		Personality:       s.personality,
		Timezone:          tz,
		InactivityRunning: running,
		LastActivity:      s.lastActivity,
		CreatedAt:         s.CreatedAt,
	}
}

// List returns metadata for all sessions, ordered by id.
func (st *Store) List() []Meta {
	sessions := st.Snapshot()
	out := make([]Meta, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Meta())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
