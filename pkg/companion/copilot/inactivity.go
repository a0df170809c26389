// Package copilot – inactivity.go runs one check-in task per chat. A task
// polls the chat's last activity and, once the chat has been idle past the
// threshold, waits a random delay and sends a proactive greeting.
package copilot

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jholhewres/companion/pkg/companion/channels"
	"github.com/jholhewres/companion/pkg/companion/persona"
	"github.com/jholhewres/companion/pkg/companion/scheduler"
	"github.com/jholhewres/companion/pkg/companion/session"
)

// checkInTimeout bounds one check-in (completion plus delivery).
const checkInTimeout = 2 * time.Minute

// InactivityState is the state of a chat's check-in task.
type InactivityState int

const (
	// Armed tasks poll the chat's last activity on every interval.
	Armed InactivityState = iota
	// Cooling tasks are waiting out the random delay before a check-in.
	Cooling
)

func (s InactivityState) String() string {
	if s == Cooling {
		return "cooling"
	}
	return "armed"
}

// Inactivity manages the per-chat check-in tasks.
type Inactivity struct {
	cfg    InactivityConfig
	store  *session.Store
	table  *persona.Table
	llm    scheduler.Completer
	sender scheduler.Sender
	logger *slog.Logger

	nowFunc  func() time.Time
	waitFunc func(minWait, maxWait time.Duration) time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	live   map[session.Key]int
	states map[session.Key]InactivityState
}

// NewInactivity creates the check-in manager. Call Start before Restart.
func NewInactivity(cfg InactivityConfig, store *session.Store, table *persona.Table, llm scheduler.Completer, sender scheduler.Sender, logger *slog.Logger) *Inactivity {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Inactivity{
		cfg:      cfg,
		store:    store,
		table:    table,
		llm:      llm,
		sender:   sender,
		logger:   logger.With("component", "inactivity"),
		nowFunc:  time.Now,
		waitFunc: randomWait,
		live:     make(map[session.Key]int),
		states:   make(map[session.Key]InactivityState),
	}
}

// Start sets the parent context of every task.
func (in *Inactivity) Start(ctx context.Context) {
	in.ctx, in.cancel = context.WithCancel(ctx)
	if !in.cfg.Enabled {
		in.logger.Info("inactivity check-ins disabled")
		return
	}
	in.logger.Info("inactivity check-ins enabled",
		"interval", in.cfg.Interval,
		"threshold", in.cfg.Threshold,
		"wait", in.cfg.MinWait.String()+"-"+in.cfg.MaxWait.String(),
	)
}

// Stop cancels every task and waits for all of them to exit.
func (in *Inactivity) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
	for _, sess := range in.store.Snapshot() {
		sess.ReplaceTask(nil)
	}
}

// Restart replaces the chat's task: the old one is cancelled and awaited
// before the new one starts in Armed.
func (in *Inactivity) Restart(key session.Key) {
	sess := in.store.GetOrCreate(key)
	sess.ReplaceTask(func() session.Task {
		if !in.cfg.Enabled || in.ctx == nil || in.ctx.Err() != nil {
			return nil
		}
		return in.spawn(sess)
	})
}

// Live returns the number of running tasks for key.
func (in *Inactivity) Live(key session.Key) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.live[key]
}

// State returns the state of key's task, if one is running.
func (in *Inactivity) State(key session.Key) (InactivityState, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.live[key] == 0 {
		return Armed, false
	}
	return in.states[key], true
}

// Counts returns the number of running tasks per state.
func (in *Inactivity) Counts() map[string]int {
	in.mu.Lock()
	defer in.mu.Unlock()
	counts := map[string]int{Armed.String(): 0, Cooling.String(): 0}
	for key, n := range in.live {
		if n > 0 {
			counts[in.states[key].String()] += n
		}
	}
	return counts
}

// inactivityTask is the handle stored in the session.
type inactivityTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the task and blocks until it has exited.
func (t *inactivityTask) Stop() {
	t.cancel()
	<-t.done
}

func (in *Inactivity) spawn(sess *session.Session) session.Task {
	ctx, cancel := context.WithCancel(in.ctx)
	task := &inactivityTask{cancel: cancel, done: make(chan struct{})}

	in.mu.Lock()
	in.live[sess.Key]++
	in.states[sess.Key] = Armed
	in.mu.Unlock()

	go func() {
		defer close(task.done)
		defer in.untrack(sess.Key)
		in.run(ctx, sess)
	}()
	return task
}

func (in *Inactivity) untrack(key session.Key) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.live[key]--
	if in.live[key] <= 0 {
		delete(in.live, key)
		delete(in.states, key)
	}
}

func (in *Inactivity) setState(key session.Key, s InactivityState) {
	in.mu.Lock()
	in.states[key] = s
	in.mu.Unlock()
}

func (in *Inactivity) run(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(in.cfg.Interval)
	defer ticker.Stop()

	for {
		in.setState(sess.Key, Armed)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		last := sess.LastActivity()
		if last.IsZero() || in.nowFunc().Sub(last) < in.cfg.Threshold {
			continue
		}

		wait := in.waitFunc(in.cfg.MinWait, in.cfg.MaxWait)
		in.setState(sess.Key, Cooling)
		in.logger.Debug("chat idle, check-in scheduled", "chat", sess.Key.String(), "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		in.checkIn(ctx, sess)
		ticker.Reset(in.cfg.Interval)
	}
}

// checkIn sends one greeting. Failures are logged and leave the activity
// timestamp alone.
func (in *Inactivity) checkIn(ctx context.Context, sess *session.Session) {
	logger := in.logger.With("chat", sess.Key.String())

	p, err := in.table.Resolve(sess.Personality())
	if err != nil {
		logger.Error("check-in skipped", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, checkInTimeout)
	defer cancel()

	greeting := BuildGreeting(in.nowFunc().In(sess.Location()))
	reply, err := in.llm.Complete(ctx, p, []string{greeting})
	if err != nil {
		logger.Error("check-in completion failed", "error", err)
		return
	}

	id, err := in.sender.Send(ctx, sess.Key.Channel, sess.Key.ChatID, &channels.OutgoingMessage{Content: reply})
	if err != nil {
		logger.Error("check-in delivery failed", "error", err)
		return
	}

	sess.AppendProactive(reply, id, in.nowFunc())
	logger.Info("check-in delivered", "personality", p.Name)
}

// randomWait draws uniformly from [minWait, maxWait].
func randomWait(minWait, maxWait time.Duration) time.Duration {
	if maxWait <= minWait {
		return minWait
	}
	return minWait + rand.N(maxWait-minWait+1)
}
