package copilot

import (
	"context"

	"github.com/jholhewres/companion/pkg/companion/session"
)

// Retry retracts the chat's last bot reply and regenerates it from the user
// message that preceded it. The old message is deleted best-effort; the new
// reply is delivered and recorded. A gateway failure is delivered and
// recorded the same way, so it can itself be retried.
//
// Retry fails without changing anything when the transcript has fewer than
// two turns, has no bot reply, or the reply is not directly preceded by a
// user turn (session.ErrNothingToRetry, ErrNoBotTurn, ErrNoMatchingUserTurn).
func (a *Assistant) Retry(ctx context.Context, key session.Key) (string, error) {
	sess := a.sessions.GetOrCreate(key)
	logger := a.logger.With("chat", key.String())

	p, err := a.personalities.Resolve(sess.Personality())
	if err != nil {
		return "", err
	}

	userText, messageID, err := sess.RetractLastBotReply()
	if err != nil {
		return "", err
	}

	if messageID != "" {
		if err := a.channelMgr.Delete(ctx, key.Channel, key.ChatID, messageID); err != nil {
			logger.Warn("failed to delete retracted reply", "msg_id", messageID, "error", err)
		}
	}

	reply, err := a.llm.Complete(ctx, p, []string{userText})
	if err != nil {
		logger.Warn("retry completion failed", "personality", p.Name, "error", err)
		reply = failureText(err)
	}

	id, err := a.deliver(ctx, key, reply)
	if err != nil {
		return "", err
	}
	sess.AppendBotTurn(reply, id)

	logger.Info("reply regenerated")
	return reply, nil
}
