// Package arbiter serializes command execution against the single
// automation target. Exactly one command runs at any instant, enforced by
// the single worker goroutine that owns the driver; this holds no matter
// how many sessions submit concurrently.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"deskrelay/internal/automation"
	"deskrelay/internal/events"
	"deskrelay/internal/model"
	"deskrelay/internal/relaerr"
)

// SessionChecker answers whether a session is still registered and
// authenticated. Checked at submit and re-checked at dequeue.
type SessionChecker interface {
	IsAuthenticated(sessionID string) bool
}

type Config struct {
	Driver   automation.Driver
	Sessions SessionChecker
	Bus      *events.Bus
	Log      *slog.Logger

	// Timeout bounds one driver invocation. Zero means the 45s default.
	Timeout time.Duration
	// QueueSize bounds commands waiting while one is processing.
	QueueSize int
	// HistorySize bounds the retained terminal commands.
	HistorySize int
	// Preprocess rewrites command text before execution (template
	// expansion). Nil means identity.
	Preprocess func(string) string

	// OnCompleted and OnError run on the worker goroutine after a command
	// reaches its terminal state, before the lifecycle event is published.
	OnCompleted func(cmd model.Command)
	OnError     func(cmd model.Command)
}

type Arbiter struct {
	cfg Config

	queue chan string // command ids, FIFO in server-receipt order
	stop  chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	commands map[string]model.Command
	history  []string // terminal command ids, oldest first
	started  bool
}

func New(cfg Config) *Arbiter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.Preprocess == nil {
		cfg.Preprocess = func(s string) string { return s }
	}
	return &Arbiter{
		cfg:      cfg,
		queue:    make(chan string, cfg.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		commands: make(map[string]model.Command),
	}
}

func (a *Arbiter) Start() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()
	go a.worker()
}

// Stop shuts the worker down after the in-flight command finishes. Queued
// commands are abandoned without touching the driver.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	a.mu.Unlock()

	close(a.stop)
	<-a.done
}

// Submit enqueues a command and returns immediately. Fails with
// relaerr.ErrAuth when the session is not authenticated and
// relaerr.ErrQueueFull when the bounded queue is at capacity.
func (a *Arbiter) Submit(sessionID, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("%w: empty command", relaerr.ErrValidation)
	}
	if !a.cfg.Sessions.IsAuthenticated(sessionID) {
		return "", relaerr.ErrAuth
	}

	cmd := model.Command{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Text:        text,
		SubmittedAt: time.Now().UnixMilli(),
		Status:      model.CommandQueued,
	}

	a.mu.Lock()
	a.commands[cmd.ID] = cmd
	a.mu.Unlock()

	select {
	case a.queue <- cmd.ID:
	default:
		a.mu.Lock()
		delete(a.commands, cmd.ID)
		a.mu.Unlock()
		return "", relaerr.ErrQueueFull
	}

	a.cfg.Bus.Publish(events.Command, map[string]any{
		"commandId": cmd.ID,
		"sessionId": sessionID,
		"status":    string(model.CommandQueued),
		"command":   text,
	})
	return cmd.ID, nil
}

func (a *Arbiter) Get(commandID string) (model.Command, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cmd, ok := a.commands[commandID]
	return cmd, ok
}

// History returns the retained terminal commands, oldest first.
func (a *Arbiter) History() []model.Command {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]model.Command, 0, len(a.history))
	for _, id := range a.history {
		if cmd, ok := a.commands[id]; ok {
			result = append(result, cmd)
		}
	}
	return result
}

func (a *Arbiter) worker() {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			return
		case id := <-a.queue:
			a.execute(id)
		}
	}
}

func (a *Arbiter) execute(id string) {
	a.mu.Lock()
	cmd, ok := a.commands[id]
	a.mu.Unlock()
	if !ok {
		return
	}

	// The session may have disconnected while the command was queued.
	// Resolve without touching the automation target.
	if !a.cfg.Sessions.IsAuthenticated(cmd.SessionID) {
		a.finish(cmd, relaerr.ErrSessionGone)
		return
	}

	cmd.Status = model.CommandProcessing
	a.mu.Lock()
	a.commands[id] = cmd
	a.mu.Unlock()
	a.cfg.Bus.Publish(events.Command, map[string]any{
		"commandId": cmd.ID,
		"sessionId": cmd.SessionID,
		"status":    string(model.CommandProcessing),
		"command":   cmd.Text,
	})

	text := a.cfg.Preprocess(cmd.Text)
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	// Run the driver in its own goroutine so a stuck automation action
	// cannot starve later commands: the arbiter stops waiting at the
	// deadline even if the action itself is not cancellable.
	result := make(chan error, 1)
	go func() {
		result <- a.cfg.Driver.Run(ctx, text)
	}()

	select {
	case err := <-result:
		// A driver that honors ctx reports the deadline itself; both
		// paths record the same reason.
		if errors.Is(err, context.DeadlineExceeded) {
			err = relaerr.ErrTimeout
		}
		a.finish(cmd, err)
	case <-ctx.Done():
		a.finish(cmd, relaerr.ErrTimeout)
	}
}

func (a *Arbiter) finish(cmd model.Command, err error) {
	if err == nil {
		cmd.Status = model.CommandCompleted
	} else {
		cmd.Status = model.CommandError
		cmd.Error = err.Error()
	}

	a.mu.Lock()
	a.commands[cmd.ID] = cmd
	a.history = append(a.history, cmd.ID)
	if len(a.history) > a.cfg.HistorySize {
		evicted := a.history[0]
		a.history = a.history[1:]
		delete(a.commands, evicted)
	}
	a.mu.Unlock()

	if err == nil {
		if a.cfg.OnCompleted != nil {
			a.cfg.OnCompleted(cmd)
		}
		a.cfg.Bus.Publish(events.Command, map[string]any{
			"commandId": cmd.ID,
			"sessionId": cmd.SessionID,
			"status":    string(model.CommandCompleted),
			"command":   cmd.Text,
		})
		return
	}

	if a.cfg.OnError != nil {
		a.cfg.OnError(cmd)
	}
	a.cfg.Bus.Publish(events.CommandError, map[string]any{
		"commandId": cmd.ID,
		"sessionId": cmd.SessionID,
		"command":   cmd.Text,
		"error":     cmd.Error,
	})
}
