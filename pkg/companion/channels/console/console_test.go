package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/companion/pkg/companion/channels"
)

// syncBuffer is a bytes.Buffer safe for the readline writer goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsole_ReadsLinesUntilQuit(t *testing.T) {
	out := &syncBuffer{}
	c := New(Config{
		BotName: "Mia",
		Stdin:   io.NopCloser(strings.NewReader("hello there\n\n/quit\nignored\n")),
		Stdout:  out,
	}, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })

	select {
	case msg := <-c.Receive():
		if msg.Content != "hello there" || msg.ChatID != ChatID || msg.Channel != "console" || msg.ID == "" {
			t.Errorf("msg = %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("/quit should end the session")
	}

	select {
	case msg := <-c.Receive():
		t.Errorf("unexpected message after /quit: %+v", msg)
	default:
	}
}

func TestConsole_SendAndDelete(t *testing.T) {
	out := &syncBuffer{}
	c := New(Config{
		BotName: "Mia",
		Stdin:   io.NopCloser(strings.NewReader("")),
		Stdout:  out,
	}, nil)

	if _, err := c.Send(context.Background(), ChatID, &channels.OutgoingMessage{Content: "hi"}); err == nil {
		t.Error("send before connect should fail")
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Empty input ends the read loop; closing only after that keeps
	// readline from racing its own terminal setup.
	t.Cleanup(func() {
		select {
		case <-c.Done():
		case <-time.After(3 * time.Second):
			t.Error("read loop did not end on EOF")
		}
		_ = c.Disconnect()
	})

	id1, err := c.Send(context.Background(), ChatID, &channels.OutgoingMessage{Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	id2, _ := c.Send(context.Background(), ChatID, &channels.OutgoingMessage{Content: "again"})
	if id1 == "" || id1 == id2 {
		t.Errorf("ids = %q, %q", id1, id2)
	}
	if err := c.Delete(context.Background(), ChatID, id1); err != nil {
		t.Fatal(err)
	}

	got := out.String()
	for _, want := range []string{"Mia> hi", "Mia> again", "(previous reply withdrawn)"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q lacks %q", got, want)
		}
	}
}
