// Package scheduler fires per-chat reminders. One cron entry ticks over every
// session; each tick claims the reminders whose local time of day falls in
// the tick window and hands them to a bounded pool of fire workers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/companion/pkg/companion/channels"
	"github.com/jholhewres/companion/pkg/companion/persona"
	"github.com/jholhewres/companion/pkg/companion/session"
)

const (
	// DefaultTick is the reminder scan interval and claim window.
	DefaultTick = 60 * time.Second

	// DefaultMaxConcurrent bounds concurrent reminder fires.
	DefaultMaxConcurrent = 8

	// defaultFireTimeout bounds one fire (completion plus delivery).
	defaultFireTimeout = 2 * time.Minute

	stopTimeout = 10 * time.Second
)

// Completer produces a reply for a personality and a list of user messages.
type Completer interface {
	Complete(ctx context.Context, p persona.Personality, messages []string) (string, error)
}

// Sender delivers a message on a named channel and returns its id.
type Sender interface {
	Send(ctx context.Context, channelName, to string, msg *channels.OutgoingMessage) (string, error)
}

// Config holds reminder scheduler settings.
type Config struct {
	// Tick is both the scan interval and the claim window.
	Tick time.Duration `yaml:"tick"`

	// MaxConcurrent bounds concurrent fires across all ticks.
	MaxConcurrent int `yaml:"max_concurrent"`

	// FireTimeout bounds a single fire.
	FireTimeout time.Duration `yaml:"fire_timeout"`
}

// Status is a snapshot of scheduler activity.
type Status struct {
	Running  bool      `json:"running"`
	Tick     string    `json:"tick"`
	LastTick time.Time `json:"last_tick,omitempty"`
	Fired    int64     `json:"fired"`
	Failed   int64     `json:"failed"`
}

// Reminders is the shared reminder scheduler.
type Reminders struct {
	cfg     Config
	store   *session.Store
	table   *persona.Table
	llm     Completer
	sender  Sender
	logger  *slog.Logger
	nowFunc func() time.Time

	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc

	// fires runs claimed reminders. Ticks never wait on it, so a slow
	// completion cannot make the next tick miss its window.
	fires errgroup.Group

	mu       sync.Mutex
	lastTick time.Time
	fired    atomic.Int64
	failed   atomic.Int64
}

// New creates a reminder scheduler.
func New(cfg Config, store *session.Store, table *persona.Table, llm Completer, sender Sender, logger *slog.Logger) *Reminders {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = defaultFireTimeout
	}
	r := &Reminders{
		cfg:     cfg,
		store:   store,
		table:   table,
		llm:     llm,
		sender:  sender,
		logger:  logger.With("component", "reminders"),
		nowFunc: time.Now,
	}
	r.fires.SetLimit(cfg.MaxConcurrent)
	return r
}

// Start registers the tick with cron and starts it.
func (r *Reminders) Start(ctx context.Context) error {
	r.ctx, r.stop = context.WithCancel(ctx)
	r.cron = cron.New()

	spec := "@every " + r.cfg.Tick.String()
	if _, err := r.cron.AddFunc(spec, func() { r.RunTick(r.ctx, r.nowFunc()) }); err != nil {
		r.stop()
		return fmt.Errorf("scheduling reminder tick %q: %w", spec, err)
	}
	r.cron.Start()

	r.logger.Info("reminder scheduler started", "tick", r.cfg.Tick)
	return nil
}

// Stop halts the cron, then waits (bounded) for in-flight fires before
// cancelling them.
func (r *Reminders) Stop() {
	deadline := time.After(stopTimeout)
	if r.cron != nil {
		done := r.cron.Stop()
		select {
		case <-done.Done():
		case <-deadline:
			r.logger.Warn("reminder scheduler stop timed out waiting for ticks")
		}
	}

	fired := make(chan struct{})
	go func() {
		r.Wait()
		close(fired)
	}()
	select {
	case <-fired:
	case <-deadline:
		r.logger.Warn("reminder scheduler stop timed out waiting for fires")
	}

	if r.stop != nil {
		r.stop()
	}
	r.logger.Info("reminder scheduler stopped")
}

// Wait blocks until every dispatched fire has finished.
func (r *Reminders) Wait() {
	_ = r.fires.Wait()
}

// Status returns a snapshot for the status API.
func (r *Reminders) Status() Status {
	r.mu.Lock()
	last := r.lastTick
	r.mu.Unlock()
	return Status{
		Running:  r.cron != nil && r.ctx != nil && r.ctx.Err() == nil,
		Tick:     r.cfg.Tick.String(),
		LastTick: last,
		Fired:    r.fired.Load(),
		Failed:   r.failed.Load(),
	}
}

type claim struct {
	sess *session.Session
	due  session.DueReminder
}

// RunTick claims every reminder due at now and dispatches the fires without
// waiting for them. It returns the number of reminders claimed. Overlapping
// ticks are safe: claiming is per session and never hands a reminder out
// twice. Use Wait to block until the fires are done.
func (r *Reminders) RunTick(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	r.lastTick = now
	r.mu.Unlock()

	var claims []claim
	for _, sess := range r.store.Snapshot() {
		for _, d := range sess.ClaimDueReminders(now, r.cfg.Tick) {
			claims = append(claims, claim{sess: sess, due: d})
		}
	}

	// Everything is claimed before dispatch; a saturated pool delays fires
	// but never the claims of this tick.
	for _, c := range claims {
		r.fires.Go(func() error {
			r.fireSafe(ctx, c.sess, c.due, now)
			return nil
		})
	}

	if len(claims) > 0 {
		r.logger.Debug("reminder tick dispatched", "claimed", len(claims))
	}
	return len(claims)
}

// fireSafe fires one reminder, isolating panics from the rest of the tick.
func (r *Reminders) fireSafe(ctx context.Context, sess *session.Session, d session.DueReminder, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			r.failed.Add(1)
			r.logger.Error("reminder fire panicked", "chat", sess.Key.String(), "panic", rec)
		}
	}()

	if err := r.fire(ctx, sess, d, now); err != nil {
		r.failed.Add(1)
		r.logger.Error("reminder not delivered",
			"chat", sess.Key.String(), "kind", d.Kind.String(), "at", d.At.String(), "error", err)
		return
	}
	r.fired.Add(1)
}

func (r *Reminders) fire(ctx context.Context, sess *session.Session, d session.DueReminder, now time.Time) error {
	p, err := r.table.Resolve(sess.Personality())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.FireTimeout)
	defer cancel()

	reply, err := r.llm.Complete(ctx, p, []string{Directive(d.Event, p.Prompt)})
	if err != nil {
		return fmt.Errorf("completing reminder: %w", err)
	}

	id, err := r.sender.Send(ctx, sess.Key.Channel, sess.Key.ChatID, &channels.OutgoingMessage{Content: reply})
	if err != nil {
		return fmt.Errorf("delivering reminder: %w", err)
	}

	sess.AppendReminderDelivery(d.Event, reply, id, now)
	r.logger.Info("reminder delivered", "chat", sess.Key.String(), "kind", d.Kind.String(), "event", d.Event)
	return nil
}

// Directive is the single user message sent when a reminder fires.
func Directive(event, prompt string) string {
	return fmt.Sprintf(
		"The user asked to be reminded about this now: %q.\n"+
			"Write the reminder as the character below would say it, in their own voice, and keep it short.\n"+
			"Character: %s",
		event, prompt)
}
