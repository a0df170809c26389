package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/companion/pkg/companion/channels/channeltest"
	"github.com/jholhewres/companion/pkg/companion/persona"
	"github.com/jholhewres/companion/pkg/companion/session"
)

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// completionServer is a fake chat-completions endpoint.
type completionServer struct {
	mu       sync.Mutex
	requests [][]wireMessage
	status   int
	reply    func(n int, messages []wireMessage) string
}

func (c *completionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []wireMessage `json:"messages"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	c.mu.Lock()
	n := len(c.requests)
	c.requests = append(c.requests, req.Messages)
	status := c.status
	c.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		http.Error(w, "upstream unavailable", status)
		return
	}

	content := fmt.Sprintf("reply %d", n+1)
	if c.reply != nil {
		content = c.reply(n, req.Messages)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
}

func (c *completionServer) last() []wireMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	return c.requests[len(c.requests)-1]
}

func (c *completionServer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *completionServer) setStatus(status int) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

func testConfig(url string) *Config {
	cfg := DefaultConfig()
	cfg.Name = "Mia"
	cfg.API.APIKey = "sk-test"
	cfg.API.Timeout = 2 * time.Second
	cfg.Personalities = map[string]persona.Personality{
		"default": {Prompt: "You are Mia.", Model: "m-default", APIURL: url, Temperature: 0.7},
		"pirate":  {Prompt: "You are a pirate.", Model: "m-pirate", APIURL: url, Temperature: 1},
	}
	cfg.Inactivity.Enabled = false
	cfg.Reminders.Tick = time.Hour
	return cfg
}

// newTestAssistant starts an assistant wired to a fake channel named
// "fake" and a fake completion endpoint.
func newTestAssistant(t *testing.T, mutate func(*Config)) (*Assistant, *channeltest.Fake, *completionServer) {
	t.Helper()

	backend := &completionServer{}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	if mutate != nil {
		mutate(cfg)
	}

	a := New(cfg, nil)
	fake := channeltest.New("fake")
	if err := a.ChannelManager().Register(fake); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Stop)
	return a, fake, backend
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func roles(turns []session.Turn) []session.Role {
	out := make([]session.Role, len(turns))
	for i, t := range turns {
		out[i] = t.Role
	}
	return out
}

func TestChat_RoundTrip(t *testing.T) {
	a, fake, backend := newTestAssistant(t, nil)
	backend.reply = func(int, []wireMessage) string { return "Mia: hello there" }

	fake.Inject("chat1", "hi")
	sent, err := fake.WaitSent(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if sent.To != "chat1" || sent.Content != "hello there" {
		t.Errorf("sent = %+v", sent)
	}

	sess := a.Sessions().GetOrCreate(session.Key{Channel: "fake", ChatID: "chat1"})
	waitFor(t, "bot turn", func() bool { return len(sess.Transcript()) == 2 })

	tr := sess.Transcript()
	if !slices.Equal(roles(tr), []session.Role{session.RoleUser, session.RoleBot}) || tr[1].Text != "hello there" {
		t.Errorf("transcript = %+v", tr)
	}
	if ids := sess.OutboundIDs(); !slices.Equal(ids, []string{sent.ID}) {
		t.Errorf("outbound ids = %v, want [%s]", ids, sent.ID)
	}
	if sess.LastActivity().IsZero() {
		t.Error("lastActivity should be set by an inbound message")
	}

	msgs := backend.last()
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[0].Content != "You are Mia." || msgs[1].Content != "User: hi" {
		t.Errorf("request messages = %+v", msgs)
	}
	if got := fake.Typing(); !slices.Contains(got, "chat1") {
		t.Errorf("typing = %v", got)
	}
	if len(fake.Commands()) != len(CommandMenu()) {
		t.Errorf("command menu = %v", fake.Commands())
	}
}

func TestStart_BacklogMessageGetsCheckInTask(t *testing.T) {
	backend := &completionServer{}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.Inactivity.Enabled = true

	a := New(cfg, nil)
	fake := channeltest.New("fake")
	if err := a.ChannelManager().Register(fake); err != nil {
		t.Fatal(err)
	}

	// Queued before Start, so it is handled as soon as the channel connects.
	fake.Inject("early", "are you there?")

	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Stop)

	if _, err := fake.WaitSent(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	key := session.Key{Channel: "fake", ChatID: "early"}
	waitFor(t, "check-in task", func() bool { return a.Inactivity().Live(key) == 1 })
}

func TestChat_GatewayFailureIsDeliveredAndRecorded(t *testing.T) {
	a, fake, backend := newTestAssistant(t, nil)
	backend.setStatus(http.StatusServiceUnavailable)

	fake.Inject("chat1", "hi")
	sent, err := fake.WaitSent(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sent.Content, "HTTP error 503") {
		t.Errorf("failure reply = %q", sent.Content)
	}

	sess := a.Sessions().GetOrCreate(session.Key{Channel: "fake", ChatID: "chat1"})
	waitFor(t, "bot turn", func() bool { return len(sess.OutboundIDs()) == 1 })
}

func TestChat_UnknownPersonality(t *testing.T) {
	a, fake, backend := newTestAssistant(t, func(cfg *Config) {
		cfg.DefaultPersonality = "ghost"
	})

	fake.Inject("chat1", "hi")
	sent, err := fake.WaitSent(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if sent.Content != "personality not found: ghost" {
		t.Errorf("reply = %q", sent.Content)
	}

	sess := a.Sessions().GetOrCreate(session.Key{Channel: "fake", ChatID: "chat1"})
	if len(sess.Transcript()) != 0 || !sess.LastActivity().IsZero() {
		t.Errorf("nothing should be recorded, transcript = %+v", sess.Transcript())
	}
	if backend.count() != 0 {
		t.Errorf("completion endpoint called %d times", backend.count())
	}
}

func TestChat_DeliveryFailureRecordsNoBotTurn(t *testing.T) {
	a, fake, backend := newTestAssistant(t, nil)
	fake.FailSends(fmt.Errorf("network down"))

	fake.Inject("chat1", "hi")
	waitFor(t, "completion request", func() bool { return backend.count() == 1 })

	sess := a.Sessions().GetOrCreate(session.Key{Channel: "fake", ChatID: "chat1"})
	time.Sleep(50 * time.Millisecond)
	if got := roles(sess.Transcript()); !slices.Equal(got, []session.Role{session.RoleUser}) {
		t.Errorf("transcript roles = %v", got)
	}
	if len(sess.OutboundIDs()) != 0 {
		t.Errorf("outbound ids = %v", sess.OutboundIDs())
	}
}

func TestChat_CommandFromChannel(t *testing.T) {
	a, fake, _ := newTestAssistant(t, nil)

	fake.Inject("chat1", "/use pirate")
	sent, err := fake.WaitSent(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if sent.Content != "Switched to the pirate personality." {
		t.Errorf("reply = %q", sent.Content)
	}
	sess := a.Sessions().GetOrCreate(session.Key{Channel: "fake", ChatID: "chat1"})
	if sess.Personality() != "pirate" {
		t.Errorf("personality = %q", sess.Personality())
	}
	if len(sess.Transcript()) != 0 {
		t.Error("commands must not enter the transcript")
	}
}

func TestChat_MemoriesAreGated(t *testing.T) {
	a, fake, backend := newTestAssistant(t, nil)
	backend.reply = func(n int, _ []wireMessage) string {
		if n == 0 {
			return "1"
		}
		return "your cat is Tom"
	}

	sess := a.Sessions().GetOrCreate(session.Key{Channel: "fake", ChatID: "chat1"})
	if err := sess.SetMemory(1, "cat is called Tom"); err != nil {
		t.Fatal(err)
	}

	fake.Inject("chat1", "what is my cat called?")
	sent, err := fake.WaitSent(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if sent.Content != "your cat is Tom" || backend.count() != 2 {
		t.Fatalf("reply = %q after %d requests", sent.Content, backend.count())
	}

	found := false
	for _, m := range backend.last() {
		if m.Content == "Memory: cat is called Tom" {
			found = true
		}
	}
	if !found {
		t.Errorf("final request lacks the memory: %+v", backend.last())
	}
}

func TestFailureText(t *testing.T) {
	if got := failureText(fmt.Errorf("boom")); got != "Error: boom" {
		t.Errorf("failureText = %q", got)
	}
}
