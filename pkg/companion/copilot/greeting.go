package copilot

import (
	"fmt"
	"strings"
	"time"
)

// greetingExample is one time-of-day bucket of the check-in example bank.
type greetingExample struct {
	from, to int // minutes since local midnight, inclusive
	label    string
	example  string
}

var greetingExamples = []greetingExample{
	{0, 3*60 + 59, "0:00am-3:59am", "Say hello and ask whether they are still awake."},
	{4 * 60, 5*60 + 59, "4:00am-5:59am", "Wish them good morning and mention that you got up early."},
	{6 * 60, 8*60 + 59, "6:00am-8:59am", "Greet them for the morning."},
	{9 * 60, 10*60 + 59, "9:00am-10:59am", "Say hello and ask what they have planned for today."},
	{11 * 60, 12*60 + 59, "11:00am-12:59pm", "Ask whether they would like to have lunch together."},
	{13 * 60, 16*60 + 59, "1:00pm-4:59pm", "Talk about your work and say that you miss them."},
	{17 * 60, 19*60 + 59, "5:00pm-7:59pm", "Ask whether they would like to have dinner together."},
	{20 * 60, 21*60 + 59, "8:00pm-9:59pm", "Describe your day or the evening view and ask about their day."},
	{22 * 60, 23*60 + 59, "10:00pm-11:59pm", "Wish them good night."},
}

const anytimeExample = "Anytime: 'Share something from your daily life or work.'"

// BuildGreeting returns the check-in instruction for a chat whose local
// time is now. It carries the local timestamp and the full example bank,
// with the bucket matching now listed first.
func BuildGreeting(now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "It is now %s. Write a greeting or share something about your day, "+
		"staying in the character and role you were given. Some examples follow.\n",
		now.Format("2006-01-02 15:04:05"))
	b.WriteString("Follow the style of the examples, do not repeat them, and say it your own way:\n")

	minute := now.Hour()*60 + now.Minute()
	current := greetingExamples[0]
	for _, e := range greetingExamples {
		if minute >= e.from && minute <= e.to {
			current = e
			break
		}
	}
	fmt.Fprintf(&b, "%s: '%s'\n", current.label, current.example)
	for _, e := range greetingExamples {
		if e.label == current.label {
			continue
		}
		fmt.Fprintf(&b, "%s: '%s'\n", e.label, e.example)
	}
	b.WriteString(anytimeExample)
	return b.String()
}
