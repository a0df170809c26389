package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/companion/pkg/companion/channels"
)

func TestNew(t *testing.T) {
	t.Run("applies session dir default", func(t *testing.T) {
		w := New(Config{}, nil)
		if w.Name() != "whatsapp" {
			t.Errorf("expected name 'whatsapp', got %s", w.Name())
		}
		if w.cfg.SessionDir != "./sessions/whatsapp" {
			t.Errorf("expected default session dir, got %q", w.cfg.SessionDir)
		}
		if w.logger == nil {
			t.Error("expected logger to be set")
		}
	})
}

func TestSendWhenDisconnected(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	w := New(Config{}, logger)
	ctx := context.Background()

	t.Run("send fails when disconnected", func(t *testing.T) {
		_, err := w.Send(ctx, "5511999999999", &channels.OutgoingMessage{Content: "test"})
		if !errors.Is(err, channels.ErrChannelDisconnected) {
			t.Errorf("expected ErrChannelDisconnected, got %v", err)
		}
	})

	t.Run("delete fails when disconnected", func(t *testing.T) {
		err := w.Delete(ctx, "5511999999999", "3EB0ABC")
		if !errors.Is(err, channels.ErrChannelDisconnected) {
			t.Errorf("expected ErrChannelDisconnected, got %v", err)
		}
	})

	t.Run("typing is a no-op when disconnected", func(t *testing.T) {
		if err := w.SendTyping(ctx, "5511999999999"); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})
}

func TestParseJID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"5511999999999", "5511999999999@s.whatsapp.net", false},
		{"+55 (11) 99999-9999", "5511999999999@s.whatsapp.net", false},
		{"5511999999999@s.whatsapp.net", "5511999999999@s.whatsapp.net", false},
		{"123456789-1234@g.us", "123456789-1234@g.us", false},
		{"12345", "", true},
		{"   ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseJID(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseJID(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil || got.String() != tt.want {
				t.Errorf("parseJID(%q) = %v, %v; want %s", tt.in, got, err, tt.want)
			}
		})
	}
}

func messageEvent(chat types.JID, fromMe, group bool, msg *waE2E.Message) *events.Message {
	evt := &events.Message{Message: msg}
	evt.Info.Chat = chat
	evt.Info.Sender = chat
	evt.Info.ID = "ABC"
	evt.Info.IsFromMe = fromMe
	evt.Info.IsGroup = group
	evt.Info.PushName = "Ada"
	evt.Info.Timestamp = time.Unix(1700000000, 0)
	return evt
}

func TestToIncoming(t *testing.T) {
	w := New(Config{}, nil)
	user := types.NewJID("5511999999999", types.DefaultUserServer)
	group := types.NewJID("123456789-1234", types.GroupServer)

	tests := []struct {
		name string
		evt  *events.Message
		want string
	}{
		{"conversation", messageEvent(user, false, false, buildTextMessage("hello")), "hello"},
		{"extended text", messageEvent(user, false, false, &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("with preview")},
		}), "with preview"},
		{"from me", messageEvent(user, true, false, buildTextMessage("echo")), ""},
		{"group disabled", messageEvent(group, false, true, buildTextMessage("hi all")), ""},
		{"image", messageEvent(user, false, false, &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := w.toIncoming(tt.evt)
			if tt.want == "" {
				if ok {
					t.Errorf("expected message to be dropped, got %+v", got)
				}
				return
			}
			if !ok {
				t.Fatal("expected message to be forwarded")
			}
			if got.Content != tt.want || got.ChatID != user.String() || got.FromName != "Ada" {
				t.Errorf("incoming = %+v", got)
			}
		})
	}
}

func TestQRHandler(t *testing.T) {
	w := New(Config{}, nil)
	var seen []string
	w.OnQR(func(code string) { seen = append(seen, code) })

	w.setQR("2@abc")
	if w.LastQR() != "2@abc" || len(seen) != 1 {
		t.Errorf("LastQR = %q, seen = %v", w.LastQR(), seen)
	}
	if _, ok := w.Health().Details["waiting_for_qr"]; !ok {
		t.Error("health should report a pending QR")
	}

	w.setQR("")
	if w.LastQR() != "" || len(seen) != 1 {
		t.Errorf("clearing QR: LastQR = %q, seen = %v", w.LastQR(), seen)
	}
}
