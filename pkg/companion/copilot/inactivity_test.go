package copilot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/companion/pkg/companion/channels"
	"github.com/jholhewres/companion/pkg/companion/persona"
	"github.com/jholhewres/companion/pkg/companion/session"
)

type checkInCompleter struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (c *checkInCompleter) Complete(_ context.Context, _ persona.Personality, messages []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, messages)
	if c.err != nil {
		return "", c.err
	}
	return "thinking of you", nil
}

func (c *checkInCompleter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type checkInSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *checkInSender) Send(_ context.Context, channelName, to string, msg *channels.OutgoingMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, channelName+"/"+to+": "+msg.Content)
	return "ci-1", nil
}

func (s *checkInSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestInactivity(t *testing.T, cfg InactivityConfig, llm *checkInCompleter) (*Inactivity, *session.Store, *checkInSender) {
	t.Helper()
	store := session.NewStore(nil)
	table := persona.NewTable(map[string]persona.Personality{
		"default": {Prompt: "You are Mia.", Model: "m", APIURL: "http://unused"},
	}, "default")
	sender := &checkInSender{}
	in := NewInactivity(cfg, store, table, llm, sender, nil)
	in.waitFunc = func(time.Duration, time.Duration) time.Duration { return 0 }
	in.Start(context.Background())
	t.Cleanup(in.Stop)
	return in, store, sender
}

func fastInactivity() InactivityConfig {
	return InactivityConfig{
		Enabled:   true,
		Interval:  10 * time.Millisecond,
		Threshold: time.Millisecond,
	}
}

func TestInactivity_RestartKeepsOneTask(t *testing.T) {
	cfg := fastInactivity()
	cfg.Interval = time.Hour
	in, store, _ := newTestInactivity(t, cfg, &checkInCompleter{})
	key := session.Key{Channel: "fake", ChatID: "c1"}

	in.Restart(key)
	in.Restart(key)
	in.Restart(key)

	if got := in.Live(key); got != 1 {
		t.Fatalf("live tasks = %d, want 1", got)
	}
	if state, ok := in.State(key); !ok || state != Armed {
		t.Errorf("state = %v, %v", state, ok)
	}
	if !store.GetOrCreate(key).HasTask() {
		t.Error("session should hold the task")
	}

	in.Stop()
	if got := in.Live(key); got != 0 {
		t.Errorf("live tasks after Stop = %d", got)
	}
	if store.GetOrCreate(key).HasTask() {
		t.Error("Stop should clear the session task")
	}

	in.Restart(key)
	if in.Live(key) != 0 {
		t.Error("Restart after Stop must not spawn")
	}
}

func TestInactivity_Disabled(t *testing.T) {
	cfg := fastInactivity()
	cfg.Enabled = false
	in, store, _ := newTestInactivity(t, cfg, &checkInCompleter{})
	key := session.Key{Channel: "fake", ChatID: "c1"}

	in.Restart(key)
	if in.Live(key) != 0 || store.GetOrCreate(key).HasTask() {
		t.Error("disabled check-ins must not spawn tasks")
	}
}

func TestInactivity_ChecksInWhenIdle(t *testing.T) {
	llm := &checkInCompleter{}
	in, store, sender := newTestInactivity(t, fastInactivity(), llm)
	key := session.Key{Channel: "fake", ChatID: "c1"}
	sess := store.GetOrCreate(key)
	if err := sess.SetTimezone("Asia/Tokyo"); err != nil {
		t.Fatal(err)
	}
	sess.Touch(time.Now().Add(-time.Hour))

	in.Restart(key)
	waitFor(t, "check-in", func() bool { return sender.count() >= 1 })

	tr := sess.Transcript()
	if len(tr) == 0 || tr[0].Role != session.RoleBot || tr[0].Text != "thinking of you" {
		t.Errorf("transcript = %+v", tr)
	}
	if time.Since(sess.LastActivity()) > time.Minute {
		t.Error("check-in should refresh the activity timestamp")
	}

	llm.mu.Lock()
	first := llm.calls[0]
	llm.mu.Unlock()
	if len(first) != 1 || !strings.HasPrefix(first[0], "It is now ") {
		t.Errorf("greeting = %q", first)
	}
	tokyo := time.Now().In(sess.Location()).Format("2006-01-02 15:")
	if !strings.Contains(first[0], tokyo) {
		t.Errorf("greeting %q should carry the chat's local time %q", first[0], tokyo)
	}
}

func TestInactivity_NeverActiveChatIsLeftAlone(t *testing.T) {
	llm := &checkInCompleter{}
	in, _, _ := newTestInactivity(t, fastInactivity(), llm)
	key := session.Key{Channel: "fake", ChatID: "c1"}

	in.Restart(key)
	time.Sleep(60 * time.Millisecond)
	if llm.count() != 0 {
		t.Errorf("completions = %d, want 0", llm.count())
	}
	if in.Live(key) != 1 {
		t.Error("task should keep polling")
	}
}

func TestInactivity_FailureKeepsActivity(t *testing.T) {
	llm := &checkInCompleter{err: errors.New("HTTP error 500")}
	in, store, sender := newTestInactivity(t, fastInactivity(), llm)
	key := session.Key{Channel: "fake", ChatID: "c1"}
	sess := store.GetOrCreate(key)
	last := time.Now().Add(-time.Hour).Truncate(time.Second)
	sess.Touch(last)

	in.Restart(key)
	waitFor(t, "check-in attempt", func() bool { return llm.count() >= 1 })

	if !sess.LastActivity().Equal(last) {
		t.Errorf("lastActivity = %v, want %v", sess.LastActivity(), last)
	}
	if sender.count() != 0 || len(sess.Transcript()) != 0 {
		t.Error("failed check-in must not send or record")
	}
}

func TestRandomWait(t *testing.T) {
	minWait, maxWait := time.Hour, 4*time.Hour
	for range 200 {
		got := randomWait(minWait, maxWait)
		if got < minWait || got > maxWait {
			t.Fatalf("randomWait = %v outside [%v, %v]", got, minWait, maxWait)
		}
	}
	if got := randomWait(time.Hour, time.Hour); got != time.Hour {
		t.Errorf("degenerate range = %v", got)
	}
}

func TestInactivityStateString(t *testing.T) {
	if Armed.String() != "armed" || Cooling.String() != "cooling" {
		t.Errorf("states = %s, %s", Armed, Cooling)
	}
}
