package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jholhewres/companion/pkg/companion/channels/whatsapp"
	"github.com/jholhewres/companion/pkg/companion/session"
)

const version = "1.0.0"

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// channelStates maps channel names to "connected"/"disconnected".
func (g *Gateway) channelStates() map[string]string {
	states := make(map[string]string)
	for name, st := range g.assistant.ChannelManager().HealthAll() {
		if st.Connected {
			states[name] = "connected"
		} else {
			states[name] = "disconnected"
		}
	}
	return states
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version,
		"uptime":   uptime,
		"channels": g.channelStates(),
	})
}

// handleStatus implements GET /api/status
func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a := g.assistant
	g.writeJSON(w, http.StatusOK, map[string]any{
		"name":                a.Config().Name,
		"started_at":          a.StartedAt(),
		"channels":            a.ChannelManager().HealthAll(),
		"sessions":            a.Sessions().Count(),
		"personalities":       a.Personalities().Names(),
		"default_personality": a.Personalities().DefaultID(),
		"reminders":           a.Reminders().Status(),
		"inactivity":          a.Inactivity().Counts(),
	})
}

// handleListSessions implements GET /api/sessions
func (g *Gateway) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"sessions": g.assistant.Sessions().List()})
}

type turnView struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// handleSessionByID implements GET /api/sessions/{id}, where id is
// "<channel>:<chat id>".
func (g *Gateway) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		g.writeError(w, "invalid session id", http.StatusBadRequest)
		return
	}
	key, ok := session.ParseKey(raw)
	if !ok {
		g.writeError(w, "session id must be <channel>:<chat id>", http.StatusBadRequest)
		return
	}
	sess, ok := g.assistant.Sessions().Get(key)
	if !ok {
		g.writeError(w, "session not found", http.StatusNotFound)
		return
	}

	turns := sess.Transcript()
	transcript := make([]turnView, len(turns))
	for i, t := range turns {
		transcript[i] = turnView{Role: string(t.Role), Text: t.Text, At: t.At}
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"session":      sess.Meta(),
		"transcript":   transcript,
		"outbound_ids": sess.OutboundIDs(),
		"memories":     sess.Memories(),
		"reminders": map[string]any{
			session.OneTime.String(): sess.Reminders(session.OneTime),
			session.Daily.String():   sess.Reminders(session.Daily),
		},
	})
}

// handleWhatsAppQR implements GET /api/whatsapp/qr
func (g *Gateway) handleWhatsAppQR(w http.ResponseWriter, _ *http.Request) {
	ch, ok := g.assistant.ChannelManager().Channel("whatsapp")
	if !ok {
		g.writeError(w, "whatsapp channel not enabled", http.StatusNotFound)
		return
	}
	wa, ok := ch.(*whatsapp.WhatsApp)
	if !ok {
		g.writeError(w, "whatsapp channel not enabled", http.StatusNotFound)
		return
	}
	qr := wa.LastQR()
	g.writeJSON(w, http.StatusOK, map[string]any{
		"linked": qr == "" && wa.IsConnected(),
		"qr":     qr,
	})
}
