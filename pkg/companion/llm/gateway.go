package llm

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/jholhewres/companion/pkg/companion/persona"
	"github.com/jholhewres/companion/pkg/companion/session"
)

const (
	memoryPrefix = "Memory: "

	gatingInstruction = `Decide whether the user's latest message is related to any of the memories above. Reply "1" if it is related and "2" if it is not.`

	memoryInstruction = "Each memory below is independent; do not mix them up. Use at most one relevant memory in your reply."
)

// Complete sends the personality's system prompt followed by messages (all
// user-role) and returns the reply. A returned error is always a *Failure.
func (g *Gateway) Complete(ctx context.Context, p persona.Personality, messages []string) (string, error) {
	wire := make([]chatMessage, 0, len(messages)+1)
	wire = append(wire, chatMessage{Role: "system", Content: p.Prompt})
	for _, m := range messages {
		wire = append(wire, chatMessage{Role: "user", Content: m})
	}

	reply, err := g.post(ctx, p, wire)
	if err != nil {
		return "", err
	}
	if g.cfg.StripNamePrefix {
		reply = StripNamePrefix(reply)
	}
	return reply, nil
}

// Reply produces the main chat reply for a transcript. When the chat has
// memories, a gating request first asks whether they are relevant; they are
// injected into the final request only if the gating answer contains "1".
// A failed gating request counts as "not relevant".
func (g *Gateway) Reply(ctx context.Context, p persona.Personality, transcript []session.Turn, memories []string) (string, error) {
	history := RenderTranscript(transcript)

	if len(memories) == 0 || !g.memoriesRelevant(ctx, p, history, memories) {
		return g.Complete(ctx, p, history)
	}

	messages := make([]string, 0, len(history)+len(memories)+1)
	messages = append(messages, history...)
	messages = append(messages, memoryInstruction)
	messages = append(messages, renderMemories(memories)...)
	return g.Complete(ctx, p, messages)
}

func (g *Gateway) memoriesRelevant(ctx context.Context, p persona.Personality, history []string, memories []string) bool {
	wire := make([]chatMessage, 0, len(history)+len(memories)+1)
	for _, m := range history {
		wire = append(wire, chatMessage{Role: "user", Content: m})
	}
	for _, m := range renderMemories(memories) {
		wire = append(wire, chatMessage{Role: "user", Content: m})
	}
	wire = append(wire, chatMessage{Role: "user", Content: gatingInstruction})

	answer, err := g.post(ctx, p, wire)
	if err != nil {
		g.logger.Warn("memory gating failed, leaving memories out", "error", err)
		return false
	}
	g.logger.Debug("memory gating", "answer", truncate(answer, 40))
	return strings.Contains(answer, "1")
}

// RenderTranscript renders turns as "Role: text" content items.
func RenderTranscript(turns []session.Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, string(t.Role)+": "+t.Text)
	}
	return out
}

func renderMemories(memories []string) []string {
	out := make([]string, 0, len(memories))
	for _, m := range memories {
		out = append(out, memoryPrefix+m)
	}
	return out
}

// StripNamePrefix drops everything up to and including the first colon,
// full-width or ASCII, and trims the rest. Models often prefix replies with
// a speaker name ("Bot: ...").
func StripNamePrefix(reply string) string {
	i := strings.IndexAny(reply, "：:")
	if i < 0 {
		return reply
	}
	_, size := utf8.DecodeRuneInString(reply[i:])
	return strings.TrimSpace(reply[i+size:])
}
