package session

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"testing"
	"time"
)

func countBot(turns []Turn) int {
	n := 0
	for _, t := range turns {
		if t.Role == RoleBot {
			n++
		}
	}
	return n
}

func TestAppendTurn_FIFOBound(t *testing.T) {
	t.Parallel()

	s := newSession(Key{Channel: "test", ChatID: "1"}, time.Now())
	for i := 0; i < MaxTurns+12; i++ {
		if err := s.AppendTurn(RoleUser, strconv.Itoa(i)); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
		if got := len(s.Transcript()); got > MaxTurns {
			t.Fatalf("transcript length = %d after %d appends, want <= %d", got, i+1, MaxTurns)
		}
	}

	turns := s.Transcript()
	if len(turns) != MaxTurns {
		t.Fatalf("len = %d, want %d", len(turns), MaxTurns)
	}
	if turns[0].Text != "12" {
		t.Errorf("oldest = %q, want %q", turns[0].Text, "12")
	}
	if turns[len(turns)-1].Text != strconv.Itoa(MaxTurns+11) {
		t.Errorf("newest = %q, want %q", turns[len(turns)-1].Text, strconv.Itoa(MaxTurns+11))
	}
}

func TestAppendTurn_RejectsBotRole(t *testing.T) {
	t.Parallel()

	s := newSession(Key{Channel: "test", ChatID: "1"}, time.Now())
	err := s.AppendTurn(RoleBot, "hello")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
	if len(s.Transcript()) != 0 {
		t.Error("transcript mutated on rejected append")
	}
}

func TestOutboundIDParity(t *testing.T) {
	t.Parallel()

	s := newSession(Key{Channel: "test", ChatID: "1"}, time.Now())
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 2000; i++ {
		switch rng.IntN(5) {
		case 0, 1:
			_ = s.AppendTurn(RoleUser, "u")
		case 2:
			s.AppendBotTurn("b", strconv.Itoa(i))
		case 3:
			_, _, _ = s.RetractLastBotReply()
		case 4:
			s.AppendReminderDelivery("event", "r", strconv.Itoa(i), time.Now())
		}

		turns := s.Transcript()
		ids := s.OutboundIDs()
		if len(ids) != countBot(turns) {
			t.Fatalf("step %d: %d ids for %d bot turns", i, len(ids), countBot(turns))
		}
		if len(turns) > MaxTurns {
			t.Fatalf("step %d: transcript length %d exceeds %d", i, len(turns), MaxTurns)
		}
	}
}

func TestEvictionDropsOldestID(t *testing.T) {
	t.Parallel()

	s := newSession(Key{Channel: "test", ChatID: "1"}, time.Now())
	s.AppendBotTurn("first", "id-1")
	for i := 0; i < MaxTurns-1; i++ {
		_ = s.AppendTurn(RoleUser, "u")
	}
	s.AppendBotTurn("last", "id-2")

	ids := s.OutboundIDs()
	if len(ids) != 1 || ids[0] != "id-2" {
		t.Fatalf("ids = %v, want [id-2]", ids)
	}
}

func TestPopLastBotTurn(t *testing.T) {
	t.Parallel()

	s := newSession(Key{Channel: "test", ChatID: "1"}, time.Now())
	if _, _, err := s.PopLastBotTurn(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty pop err = %v, want ErrNotFound", err)
	}

	_ = s.AppendTurn(RoleUser, "hi")
	s.AppendBotTurn("hello", "10")
	_ = s.AppendTurn(RoleUser, "how are you")

	turn, id, err := s.PopLastBotTurn()
	if err != nil {
		t.Fatalf("PopLastBotTurn: %v", err)
	}
	if turn.Text != "hello" || id != "10" {
		t.Errorf("popped (%q, %q), want (hello, 10)", turn.Text, id)
	}
	if got := len(s.Transcript()); got != 2 {
		t.Errorf("len = %d, want 2", got)
	}
}

func TestRetractLastBotReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(s *Session)
		wantErr error
		user    string
		id      string
		left    int
	}{
		{
			name:    "empty",
			setup:   func(*Session) {},
			wantErr: ErrNothingToRetry,
		},
		{
			name: "single entry",
			setup: func(s *Session) {
				_ = s.AppendTurn(RoleUser, "hi")
			},
			wantErr: ErrNothingToRetry,
			left:    1,
		},
		{
			name: "no bot turn",
			setup: func(s *Session) {
				_ = s.AppendTurn(RoleUser, "a")
				_ = s.AppendTurn(RoleUser, "b")
			},
			wantErr: ErrNoBotTurn,
			left:    2,
		},
		{
			name: "bot after reminder",
			setup: func(s *Session) {
				_ = s.AppendTurn(RoleUser, "a")
				s.AppendReminderDelivery("call mom", "time to call", "7", time.Now())
			},
			wantErr: ErrNoMatchingUserTurn,
			left:    3,
		},
		{
			name: "user then bot",
			setup: func(s *Session) {
				_ = s.AppendTurn(RoleUser, "hi")
				s.AppendBotTurn("hello", "42")
			},
			user: "hi",
			id:   "42",
			left: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newSession(Key{Channel: "test", ChatID: tt.name}, time.Now())
			tt.setup(s)

			user, id, err := s.RetractLastBotReply()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("err = %v does not wrap ErrNotFound", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if user != tt.user || id != tt.id {
				t.Errorf("got (%q, %q), want (%q, %q)", user, id, tt.user, tt.id)
			}
			if got := len(s.Transcript()); got != tt.left {
				t.Errorf("transcript length = %d, want %d", got, tt.left)
			}
		})
	}
}

func TestMemories(t *testing.T) {
	t.Parallel()

	s := newSession(Key{Channel: "test", ChatID: "1"}, time.Now())

	if err := s.SetMemory(2, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetMemory(2) on empty = %v, want ErrNotFound", err)
	}
	for i, text := range []string{"a", "b", "c"} {
		if err := s.SetMemory(i+1, text); err != nil {
			t.Fatalf("SetMemory(%d): %v", i+1, err)
		}
	}
	if err := s.SetMemory(2, "B"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := s.DeleteMemory(1); err != nil {
		t.Fatalf("DeleteMemory(1): %v", err)
	}

	got := fmt.Sprint(s.Memories())
	if got != "[B c]" {
		t.Errorf("Memories() = %s, want [B c]", got)
	}
	if err := s.DeleteMemory(3); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteMemory(3) = %v, want ErrNotFound", err)
	}
	if err := s.DeleteMemory(0); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteMemory(0) = %v, want ErrNotFound", err)
	}
}

func TestSetTimezone(t *testing.T) {
	t.Parallel()

	s := newSession(Key{Channel: "test", ChatID: "1"}, time.Now())
	if got := s.Timezone(); got != "UTC" {
		t.Fatalf("default timezone = %q, want UTC", got)
	}
	if err := s.SetTimezone("Asia/Shanghai"); err != nil {
		t.Fatalf("SetTimezone: %v", err)
	}
	for _, bad := range []string{"Mars/Olympus_Mons", "", "not a zone"} {
		if err := s.SetTimezone(bad); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetTimezone(%q) = %v, want ErrInvalidArgument", bad, err)
		}
	}
	if got := s.Timezone(); got != "Asia/Shanghai" {
		t.Errorf("timezone after invalid set = %q, want Asia/Shanghai", got)
	}
	if got := s.Location().String(); got != "Asia/Shanghai" {
		t.Errorf("Location() = %q, want Asia/Shanghai", got)
	}
}

type countingTask struct {
	live *int
	mu   *sync.Mutex
}

func (c countingTask) Stop() {
	c.mu.Lock()
	*c.live--
	c.mu.Unlock()
}

func TestReplaceTask_StopsPrevious(t *testing.T) {
	t.Parallel()

	s := newSession(Key{Channel: "test", ChatID: "1"}, time.Now())
	var mu sync.Mutex
	live := 0
	start := func() Task {
		mu.Lock()
		live++
		if live > 1 {
			t.Errorf("started with %d live tasks", live)
		}
		mu.Unlock()
		return countingTask{live: &live, mu: &mu}
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ReplaceTask(start)
		}()
	}
	wg.Wait()

	if live != 1 {
		t.Errorf("live = %d, want 1", live)
	}
	s.ReplaceTask(nil)
	if live != 0 || s.HasTask() {
		t.Errorf("after stop: live = %d, HasTask = %v", live, s.HasTask())
	}
}

func TestStore_GetOrCreateConcurrent(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	key := Key{Channel: "telegram", ChatID: "99"}

	var wg sync.WaitGroup
	got := make([]*Session, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = st.GetOrCreate(key)
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatal("GetOrCreate returned different sessions for the same key")
		}
	}
	if st.Count() != 1 {
		t.Errorf("Count() = %d, want 1", st.Count())
	}
}

func TestParseKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		want   Key
		wantOK bool
	}{
		{"telegram:123", Key{Channel: "telegram", ChatID: "123"}, true},
		{"whatsapp:123@s.whatsapp.net", Key{Channel: "whatsapp", ChatID: "123@s.whatsapp.net"}, true},
		{"console:a:b", Key{Channel: "console", ChatID: "a:b"}, true},
		{"nocolon", Key{}, false},
		{":123", Key{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseKey(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseKey(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
