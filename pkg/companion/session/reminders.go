package session

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ReminderKind selects one of the two reminder lists of a chat.
type ReminderKind int

const (
	// OneTime reminders fire once and are removed.
	OneTime ReminderKind = iota
	// Daily reminders fire once per local calendar day.
	Daily
)

func (k ReminderKind) String() string {
	if k == Daily {
		return "daily"
	}
	return "one-time"
}

// TimeOfDay is a wall-clock time in the chat's timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: time must be HH:MM, got %q", ErrInvalidArgument, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) seconds() int {
	return t.Hour*3600 + t.Minute*60
}

// Reminder is a scheduled event text at a local time of day.
type Reminder struct {
	At    TimeOfDay
	Event string

	// LastFired is the local date ("2006-01-02") a daily reminder last fired.
	LastFired string
}

// DueReminder is a reminder claimed by ClaimDueReminders.
type DueReminder struct {
	Kind  ReminderKind
	At    TimeOfDay
	Event string
}

const secondsPerDay = 24 * 60 * 60

// dueAt reports whether local time falls within [at, at+window), wrapping
// at midnight.
func dueAt(at TimeOfDay, local time.Time, window time.Duration) bool {
	win := int(window / time.Second)
	if win <= 0 {
		win = 60
	}
	if win >= secondsPerDay {
		return true
	}
	now := local.Hour()*3600 + local.Minute()*60 + local.Second()
	delta := ((now-at.seconds())%secondsPerDay + secondsPerDay) % secondsPerDay
	return delta < win
}

func (s *Session) listLocked(kind ReminderKind) *[]Reminder {
	if kind == Daily {
		return &s.daily
	}
	return &s.oneTime
}

// AddReminder adds a reminder and returns its 1-based index. Adding an
// identical (time, event) pair returns the existing index.
func (s *Session) AddReminder(kind ReminderKind, at TimeOfDay, event string) (int, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return 0, fmt.Errorf("%w: reminder event is empty", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.listLocked(kind)
	for i, r := range *list {
		if r.At == at && r.Event == event {
			return i + 1, nil
		}
	}
	*list = append(*list, Reminder{At: at, Event: event})
	return len(*list), nil
}

// Reminders returns a copy of one reminder list.
func (s *Session) Reminders(kind ReminderKind) []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(*s.listLocked(kind))
}

// RemoveReminder deletes reminder index (1-based) from one list.
func (s *Session) RemoveReminder(kind ReminderKind, index int) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.listLocked(kind)
	if index < 1 || index > len(*list) {
		return Reminder{}, fmt.Errorf("%w: %s reminder index %d", ErrNotFound, kind, index)
	}
	removed := (*list)[index-1]
	*list = slices.Delete(*list, index-1, index)
	return removed, nil
}

// ClaimDueReminders returns the reminders whose local time of day falls in
// the current window. Claimed one-time reminders are removed and claimed
// daily reminders are stamped with today's local date, so a reminder is
// handed out at most once even if the caller later fails to deliver it.
func (s *Session) ClaimDueReminders(now time.Time, window time.Duration) []DueReminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.oneTime) == 0 && len(s.daily) == 0 {
		return nil
	}

	local := now.In(s.locationLocked())
	today := local.Format("2006-01-02")

	var due []DueReminder

	kept := s.oneTime[:0]
	for _, r := range s.oneTime {
		if dueAt(r.At, local, window) {
			due = append(due, DueReminder{Kind: OneTime, At: r.At, Event: r.Event})
			continue
		}
		kept = append(kept, r)
	}
	clear(s.oneTime[len(kept):])
	s.oneTime = kept

	for i := range s.daily {
		r := &s.daily[i]
		if r.LastFired == today || !dueAt(r.At, local, window) {
			continue
		}
		r.LastFired = today
		due = append(due, DueReminder{Kind: Daily, At: r.At, Event: r.Event})
	}

	return due
}
