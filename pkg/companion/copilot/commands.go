// Package copilot – commands.go implements the chat commands:
//
//	/start                          - Welcome text, restart check-ins
//	/help                           - Welcome text
//	/use <name>                     - Switch personality
//	/clear                          - Clear the chat history
//	/time <timezone>                - Set the chat timezone
//	/list                           - List memories
//	/list <n> <text>                - Set memory n (n = count+1 appends)
//	/list <n>                       - Delete memory n
//	/retry                          - Regenerate the last reply
//	/clock <HH:MM> <event>          - Add a one-time reminder
//	/clockeveryday <HH:MM> <event>  - Add a daily reminder
//	/clocklist                      - List reminders
//	/clockclear <n>                 - Remove one-time reminder n
//	/clockclearevery <n>            - Remove daily reminder n
package copilot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/companion/pkg/companion/channels"
	"github.com/jholhewres/companion/pkg/companion/session"
)

// CommandResult contains the result of a command execution.
type CommandResult struct {
	// Response is the text to send back ("" sends nothing).
	Response string

	// Handled is true if the message named a known command.
	Handled bool
}

// CommandMenu is the command list published to channels with a menu.
func CommandMenu() []channels.Command {
	return []channels.Command{
		{Name: "start", Description: "Start the bot"},
		{Name: "use", Description: "Choose a personality"},
		{Name: "clear", Description: "Clear the chat history"},
		{Name: "time", Description: "Set your timezone"},
		{Name: "list", Description: "List and manage memories"},
		{Name: "retry", Description: "Regenerate the last reply"},
		{Name: "clock", Description: "Set a one-time reminder"},
		{Name: "clockeveryday", Description: "Set a daily reminder"},
		{Name: "clocklist", Description: "List reminders"},
		{Name: "clockclear", Description: "Remove a one-time reminder"},
		{Name: "clockclearevery", Description: "Remove a daily reminder"},
		{Name: "help", Description: "Show available commands"},
	}
}

// IsCommand returns true if the message starts with "/".
func IsCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "/")
}

// HandleCommand runs one command for a chat. Unknown commands get the help
// text. Malformed arguments get the usage line and change nothing.
func (a *Assistant) HandleCommand(ctx context.Context, sess *session.Session, content string) CommandResult {
	content = strings.TrimSpace(content)
	if !IsCommand(content) {
		return CommandResult{Handled: false}
	}

	parts := strings.Fields(content)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "/start":
		sess.Touch(time.Now())
		a.inactivity.Restart(sess.Key)
		return CommandResult{Response: a.helpText(), Handled: true}

	case "/help":
		return CommandResult{Response: a.helpText(), Handled: true}

	case "/use":
		return CommandResult{Response: a.useCommand(sess, args), Handled: true}

	case "/clear":
		sess.ClearTranscript()
		return CommandResult{Response: "Chat history cleared.", Handled: true}

	case "/time":
		return CommandResult{Response: timeCommand(sess, args), Handled: true}

	case "/list":
		return CommandResult{Response: listCommand(sess, args), Handled: true}

	case "/retry":
		return CommandResult{Response: a.retryCommand(ctx, sess), Handled: true}

	case "/clock":
		return CommandResult{Response: addReminderCommand(sess, session.OneTime, "/clock", args), Handled: true}

	case "/clockeveryday":
		return CommandResult{Response: addReminderCommand(sess, session.Daily, "/clockeveryday", args), Handled: true}

	case "/clocklist":
		return CommandResult{Response: reminderListCommand(sess), Handled: true}

	case "/clockclear":
		return CommandResult{Response: removeReminderCommand(sess, session.OneTime, "/clockclear", args), Handled: true}

	case "/clockclearevery":
		return CommandResult{Response: removeReminderCommand(sess, session.Daily, "/clockclearevery", args), Handled: true}

	default:
		return CommandResult{Response: "Unknown command " + cmd + ".\n\n" + a.helpText(), Handled: false}
	}
}

// ---------- Command Implementations ----------

func (a *Assistant) helpText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Welcome to %s!\n", a.config.Name)
	b.WriteString("Choose a personality with:\n")
	fmt.Fprintf(&b, "/use %s - switch to the default personality\n", a.personalities.DefaultID())
	b.WriteString("/use <personality name> - switch to the named personality\n")
	if names := a.personalities.Names(); len(names) > 0 {
		fmt.Fprintf(&b, "Available: %s\n", strings.Join(names, ", "))
	}
	b.WriteString("/clear - clear the current chat history\n")
	b.WriteString("/time <timezone> - set your timezone, e.g. /time Asia/Shanghai\n")
	b.WriteString("/list - list and manage memories\n")
	b.WriteString("/retry - regenerate the last reply\n")
	b.WriteString("/clock <HH:MM> <event> - one-time reminder\n")
	b.WriteString("/clockeveryday <HH:MM> <event> - daily reminder\n")
	b.WriteString("/clocklist - list reminders\n")
	b.WriteString("/clockclear <n>, /clockclearevery <n> - remove a reminder\n")
	b.WriteString("Send a message to start chatting!")
	return b.String()
}

func (a *Assistant) useCommand(sess *session.Session, args []string) string {
	if len(args) != 1 {
		return "Usage: /use <personality name>"
	}
	name := args[0]
	if !a.personalities.Has(name) {
		return "Personality not found."
	}
	sess.SetPersonality(name)
	return fmt.Sprintf("Switched to the %s personality.", name)
}

func timeCommand(sess *session.Session, args []string) string {
	if len(args) != 1 {
		return "Usage: /time <timezone name>"
	}
	if err := sess.SetTimezone(args[0]); err != nil {
		return "Invalid timezone name. Use a valid IANA name such as Asia/Shanghai."
	}
	return "Timezone set to " + args[0]
}

const listUsage = "Usage: /list <memory index> <new memory text>"

func listCommand(sess *session.Session, args []string) string {
	if len(args) == 0 {
		memories := sess.Memories()
		if len(memories) == 0 {
			return "No memories stored."
		}
		var b strings.Builder
		b.WriteString("Memories:")
		for i, m := range memories {
			fmt.Fprintf(&b, "\n%d. %s", i+1, m)
		}
		return b.String()
	}

	index, err := strconv.Atoi(args[0])
	if err != nil {
		return listUsage
	}

	if text := strings.Join(args[1:], " "); text != "" {
		if err := sess.SetMemory(index, text); err != nil {
			return "Invalid memory index."
		}
		return "Memory updated."
	}

	if err := sess.DeleteMemory(index); err != nil {
		return "Invalid memory index."
	}
	return "Memory deleted."
}

func (a *Assistant) retryCommand(ctx context.Context, sess *session.Session) string {
	_, err := a.Retry(ctx, sess.Key)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrNothingToRetry):
		return "No chat history to retry."
	case errors.Is(err, session.ErrNoBotTurn):
		return "No bot reply in the chat history to retry."
	case errors.Is(err, session.ErrNoMatchingUserTurn):
		return "No matching user message found."
	case errors.Is(err, channels.ErrSendFailed), errors.Is(err, channels.ErrChannelDisconnected):
		return ""
	default:
		return "Retry failed: " + err.Error()
	}
}

func addReminderCommand(sess *session.Session, kind session.ReminderKind, name string, args []string) string {
	usage := fmt.Sprintf("Usage: %s <HH:MM> <event>", name)
	if len(args) < 2 {
		return usage
	}
	at, err := session.ParseClock(args[0])
	if err != nil {
		return usage
	}
	event := strings.Join(args[1:], " ")
	index, err := sess.AddReminder(kind, at, event)
	if err != nil {
		return usage
	}

	when := "once"
	if kind == session.Daily {
		when = "every day"
	}
	return fmt.Sprintf("Reminder #%d set for %s %s (%s): %s", index, at, when, sess.Timezone(), event)
}

func reminderListCommand(sess *session.Session) string {
	var b strings.Builder
	writeList := func(title string, list []session.Reminder) {
		b.WriteString(title)
		if len(list) == 0 {
			b.WriteString("\n(none)")
			return
		}
		for i, r := range list {
			fmt.Fprintf(&b, "\n%d. %s %s", i+1, r.At, r.Event)
		}
	}
	writeList("One-time reminders:", sess.Reminders(session.OneTime))
	b.WriteString("\n\n")
	writeList("Daily reminders:", sess.Reminders(session.Daily))
	fmt.Fprintf(&b, "\n\nTimezone: %s", sess.Timezone())
	return b.String()
}

func removeReminderCommand(sess *session.Session, kind session.ReminderKind, name string, args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: %s <index>", name)
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Sprintf("Usage: %s <index>", name)
	}
	removed, err := sess.RemoveReminder(kind, index)
	if err != nil {
		return "Invalid reminder index."
	}
	return fmt.Sprintf("Removed %s reminder %d: %s %s", kind, index, removed.At, removed.Event)
}
