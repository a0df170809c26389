package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jholhewres/companion/pkg/companion/channels/channeltest"
	"github.com/jholhewres/companion/pkg/companion/copilot"
	"github.com/jholhewres/companion/pkg/companion/session"
)

func newTestGateway(t *testing.T, token string) (*Gateway, *copilot.Assistant) {
	t.Helper()

	cfg := copilot.DefaultConfig()
	cfg.Inactivity.Enabled = false
	a := copilot.New(cfg, nil)
	if err := a.ChannelManager().Register(channeltest.New("fake")); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Stop)

	return New(a, copilot.GatewayConfig{AuthToken: token}, nil), a
}

func get(t *testing.T, h http.Handler, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s: invalid JSON %q: %v", path, rec.Body.String(), err)
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	g, _ := newTestGateway(t, "secret")

	rec, body := get(t, g.Handler(), "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
	channels, _ := body["channels"].(map[string]any)
	if channels["fake"] != "connected" {
		t.Errorf("channels = %v", body["channels"])
	}
}

func TestAuth(t *testing.T) {
	g, _ := newTestGateway(t, "secret")
	h := g.Handler()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic c2VjcmV0", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	g, a := newTestGateway(t, "")
	a.Sessions().GetOrCreate(session.Key{Channel: "fake", ChatID: "c1"})

	rec, body := get(t, g.Handler(), "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["sessions"] != float64(1) {
		t.Errorf("sessions = %v", body["sessions"])
	}
	if body["default_personality"] != "default" {
		t.Errorf("default_personality = %v", body["default_personality"])
	}
	reminders, _ := body["reminders"].(map[string]any)
	if reminders["running"] != true {
		t.Errorf("reminders = %v", body["reminders"])
	}
	inactivity, _ := body["inactivity"].(map[string]any)
	if inactivity["armed"] != float64(0) {
		t.Errorf("inactivity = %v", body["inactivity"])
	}
}

func TestSessions(t *testing.T) {
	g, a := newTestGateway(t, "")
	h := g.Handler()

	sess := a.Sessions().GetOrCreate(session.Key{Channel: "fake", ChatID: "c1"})
	if err := sess.AppendTurn(session.RoleUser, "hi"); err != nil {
		t.Fatal(err)
	}
	sess.AppendBotTurn("hello", "7")
	if err := sess.SetMemory(1, "likes tea"); err != nil {
		t.Fatal(err)
	}

	rec, body := get(t, h, "/api/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list, _ := body["sessions"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["id"] != "fake:c1" {
		t.Errorf("sessions = %v", body["sessions"])
	}

	rec, body = get(t, h, "/api/sessions/fake:c1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}
	transcript, _ := body["transcript"].([]any)
	if len(transcript) != 2 || transcript[1].(map[string]any)["role"] != "Bot" {
		t.Errorf("transcript = %v", body["transcript"])
	}
	ids, _ := body["outbound_ids"].([]any)
	if len(ids) != 1 || ids[0] != "7" {
		t.Errorf("outbound_ids = %v", body["outbound_ids"])
	}

	if rec, _ := get(t, h, "/api/sessions/fake%3Ac1", ""); rec.Code != http.StatusOK {
		t.Errorf("escaped id status = %d", rec.Code)
	}
	if rec, _ := get(t, h, "/api/sessions/fake:nobody", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", rec.Code)
	}
	if rec, _ := get(t, h, "/api/sessions/nocolon", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed id status = %d", rec.Code)
	}
}

func TestWhatsAppQR_NotEnabled(t *testing.T) {
	g, _ := newTestGateway(t, "")
	if rec, _ := get(t, g.Handler(), "/api/whatsapp/qr", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestNotFound(t *testing.T) {
	g, _ := newTestGateway(t, "")
	rec, body := get(t, g.Handler(), "/nope", "")
	if rec.Code != http.StatusNotFound || body["error"] == nil {
		t.Errorf("status = %d, body = %v", rec.Code, body)
	}
}

func TestStartStop(t *testing.T) {
	g, _ := newTestGateway(t, "")
	g.config.Address = "127.0.0.1:0"
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestIsLoopback(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:8085": true,
		"localhost:8085": true,
		"[::1]:8085":     true,
		":8085":          false,
		"0.0.0.0:8085":   false,
		"10.0.0.2:8085":  false,
	}
	for addr, want := range tests {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
