package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyberelf/claude-code-server/internal/engine"
	"github.com/cyberelf/claude-code-server/internal/events"
	"github.com/cyberelf/claude-code-server/internal/session"
)

// terminalPublishWait bounds how long the final events of a task may wait
// for queue space.
const terminalPublishWait = 30 * time.Second

// Config holds executor settings.
type Config struct {
	// DefaultTimeout applies to tasks submitted without one.
	DefaultTimeout time.Duration
	// Defaults fill engine options a new session does not set.
	Defaults engine.Options
	// Env is passed to every engine process.
	Env    []string
	Logger *slog.Logger
	Now    func() time.Time
}

// Executor runs tasks. Each task runs in its own goroutine from Submit until
// its terminal event is published.
type Executor struct {
	adapter  engine.Adapter
	sessions *session.Manager
	bus      events.Bus
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	tasks   map[string]*entry
	closing bool
	wg      sync.WaitGroup
}

type entry struct {
	task   Task
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// NewExecutor wires an executor to its engine, session manager and bus.
// Tasks of a session are forgotten when the session is removed.
func NewExecutor(adapter engine.Adapter, sessions *session.Manager, bus events.Bus, cfg Config) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	e := &Executor{
		adapter:  adapter,
		sessions: sessions,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return now().UTC() },
		tasks:    make(map[string]*entry),
	}
	sessions.OnRemove(e.Forget)
	return e
}

// Submit validates req, places the task in a session and starts it.
func (e *Executor) Submit(ctx context.Context, req Request) (Task, error) {
	if err := req.Validate(); err != nil {
		return Task{}, err
	}
	if req.ID == "" {
		req.ID = "task-" + uuid.NewString()
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}

	now := e.now()
	t := Task{
		ID:        req.ID,
		Prompt:    req.Prompt,
		Timeout:   timeout,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	runCtx, cancel := context.WithCancelCause(context.Background())
	ent := &entry{task: t, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		cancel(nil)
		return Task{}, ErrShuttingDown
	}
	if _, ok := e.tasks[t.ID]; ok {
		e.mu.Unlock()
		cancel(nil)
		return Task{}, ErrTaskExists
	}
	e.tasks[t.ID] = ent
	e.mu.Unlock()

	sess, err := e.sessions.Resolve(ctx, session.ResolveRequest{
		ReuseExisting: req.Session.ReuseExisting,
		SessionID:     req.Session.SessionID,
		Workspace:     req.Workspace,
		Options:       req.Options.WithDefaults(e.cfg.Defaults),
		TaskID:        t.ID,
	})
	if err != nil {
		e.abandon(t.ID)
		return Task{}, err
	}

	if err := e.bus.Open(t.ID); err != nil {
		if rerr := e.sessions.Release(ctx, sess.ID, t.ID); rerr != nil {
			e.logger.Warn("Release after failed submit", "taskID", t.ID, "sessionID", sess.ID, "error", rerr)
		}
		e.abandon(t.ID)
		return Task{}, fmt.Errorf("open event queue: %w", err)
	}

	t = e.update(t.ID, func(t *Task) {
		t.SessionID = sess.ID
		t.Workspace = sess.Workspace
		t.Options = req.Options.WithDefaults(sess.Options)
	})

	e.logger.Info("Task submitted", "taskID", t.ID, "sessionID", sess.ID, "timeout", timeout)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Execute(runCtx, sess, t)
	}()
	return t, nil
}

func (e *Executor) abandon(id string) {
	e.mu.Lock()
	if ent, ok := e.tasks[id]; ok {
		ent.cancel(nil)
		delete(e.tasks, id)
	}
	e.mu.Unlock()
}

// outcome is how a run ended, before it is published.
type outcome struct {
	status         Status
	reason         string
	summary        string
	err            string
	conversationID string
}

// Execute runs a submitted task to its terminal state. Submit starts it;
// ctx carries the task's interrupt signal. It never panics and always
// releases the task from its session.
func (e *Executor) Execute(ctx context.Context, sess session.Session, t Task) {
	e.mu.RLock()
	ent, ok := e.tasks[t.ID]
	e.mu.RUnlock()
	if !ok {
		e.logger.Error("Execute called for unregistered task", "taskID", t.ID)
		return
	}
	defer close(ent.done)

	logger := e.logger.With("taskID", t.ID, "sessionID", sess.ID)
	ctx, cancel := context.WithTimeoutCause(ctx, t.Timeout, ErrTaskTimeout)
	defer cancel()

	start := e.now()
	e.setStatus(t.ID, StatusRunning, logger)
	if err := e.sessions.Touch(ctx, sess.ID); err != nil {
		logger.Warn("Session touch failed", "error", err)
	}

	tr := newTranslator()
	var out outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Task execution panicked", "panic", r, "stack", string(debug.Stack()))
				out = outcome{status: StatusFailed, reason: ReasonEngineError, err: "internal error while running task"}
			}
		}()
		out = e.drive(ctx, sess, t, tr, start, logger)
	}()

	e.finish(t, sess, tr, out, start, logger)
}

func (e *Executor) drive(ctx context.Context, sess session.Session, t Task, tr *translator, start time.Time, logger *slog.Logger) outcome {
	conv, err := e.adapter.Submit(ctx, t.Prompt, engine.WorkspaceConfig{
		Path:                 sess.Workspace,
		Options:              t.Options,
		ResumeConversationID: sess.ConversationID,
		Env:                  e.cfg.Env,
	})
	if err != nil {
		if ctx.Err() != nil {
			return canceled(ctx, t.Timeout)
		}
		return e.failed(err, engine.MsgStartFailed, logger)
	}
	defer func() {
		if err := conv.Close(); err != nil {
			logger.Debug("Conversation close failed", "error", err)
		}
	}()

	for {
		msg, err := conv.Next(ctx)
		if ctx.Err() != nil {
			if cerr := conv.Cancel(); cerr != nil {
				logger.Warn("Engine cancel failed", "error", cerr)
			}
			o := canceled(ctx, t.Timeout)
			o.conversationID = conv.ID()
			return o
		}
		if errors.Is(err, io.EOF) {
			o := outcome{status: StatusFailed, reason: ReasonEngineError, err: "engine stream ended without a result"}
			o.conversationID = conv.ID()
			return o
		}
		if err != nil {
			o := e.failed(err, engine.MsgStreamFailed, logger)
			o.conversationID = conv.ID()
			return o
		}

		tr.stats.ElapsedMs = e.now().Sub(start).Milliseconds()
		for _, ev := range tr.translate(msg) {
			e.publish(ctx, t.ID, ev, logger)
		}
		stats := tr.stats
		e.update(t.ID, func(t *Task) { t.Stats = stats })
		if err := e.sessions.Touch(ctx, sess.ID); err != nil {
			logger.Debug("Session touch failed", "error", err)
		}

		if msg.Kind == engine.KindResult {
			o := resultOutcome(tr.result)
			o.conversationID = conv.ID()
			return o
		}
	}
}

// failed logs an adapter error with the engine's stderr and reduces it to the
// client-facing message. Raw engine output never reaches events or results.
func (e *Executor) failed(err error, fallback string, logger *slog.Logger) outcome {
	err = engine.Wrap(e.adapter.Name(), err)
	attrs := []any{"error", err}
	var ee *engine.ExecutionError
	if errors.As(err, &ee) && ee.Stderr != "" {
		attrs = append(attrs, "stderr", ee.Stderr)
	}
	logger.Warn("Engine failed", attrs...)
	return outcome{status: StatusFailed, reason: ReasonEngineError, err: engine.PublicMessage(err, fallback)}
}

func canceled(ctx context.Context, timeout time.Duration) outcome {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTaskTimeout):
		return outcome{status: StatusFailed, reason: ReasonTimeout, err: fmt.Sprintf("task timed out after %s", timeout)}
	case errors.Is(cause, ErrShuttingDown):
		return outcome{status: StatusInterrupted, reason: ReasonShutdown}
	default:
		return outcome{status: StatusInterrupted, reason: ReasonInterrupted}
	}
}

func resultOutcome(r *engine.Result) outcome {
	if r.IsError {
		msg := r.Error
		if msg == "" {
			msg = "engine finished with " + r.Subtype
		}
		return outcome{status: StatusFailed, reason: ReasonEngineError, summary: r.Summary, err: msg}
	}
	return outcome{status: StatusCompleted, summary: r.Summary}
}

// finish records the terminal state, frees the session and publishes the
// terminal event sequence.
func (e *Executor) finish(t Task, sess session.Session, tr *translator, out outcome, start time.Time, logger *slog.Logger) {
	tr.stats.ElapsedMs = e.now().Sub(start).Milliseconds()

	bg := context.Background()
	if out.conversationID != "" {
		if err := e.sessions.SetConversation(bg, sess.ID, out.conversationID); err != nil {
			logger.Warn("Recording engine conversation failed", "error", err)
		}
	}
	if err := e.sessions.Release(bg, sess.ID, t.ID); err != nil {
		logger.Error("Session release failed", "error", err)
	}

	res := &Result{Summary: out.summary, Errors: []string{}, CostUSD: tr.stats.CostUSD}
	switch out.status {
	case StatusCompleted:
		res.ExitCode = ExitOK
	case StatusInterrupted:
		res.ExitCode = ExitInterrupted
		res.Reason = out.reason
	default:
		res.ExitCode = ExitFailed
		res.Reason = out.reason
		res.Errors = append(res.Errors, out.err)
	}

	stats := tr.stats
	final := e.update(t.ID, func(t *Task) {
		t.Stats = stats
		t.Result = res
		if !t.Status.CanTransition(out.status) {
			logger.Error("Rejected task status change", "from", t.Status, "to", out.status, "error", ErrInvalidTransition)
			return
		}
		t.Status = out.status
	})

	ctx, cancel := context.WithTimeout(bg, terminalPublishWait)
	defer cancel()
	if out.status == StatusCompleted {
		e.publish(ctx, t.ID, events.Event{Type: events.TypeProgress, Data: tr.progress()}, logger)
	}
	if out.status == StatusFailed {
		e.publish(ctx, t.ID, events.Event{Type: events.TypeError, Data: events.ErrorData{Error: out.err}}, logger)
	}
	e.publish(ctx, t.ID, events.Event{Type: events.TypeComplete, Data: events.CompleteData{
		Status:       string(out.status),
		ExitCode:     res.ExitCode,
		Summary:      res.Summary,
		Errors:       res.Errors,
		Reason:       res.Reason,
		TotalCostUSD: res.CostUSD,
	}}, logger)

	logger.Info("Task finished",
		"status", out.status,
		"reason", out.reason,
		"turns", final.Stats.Turns,
		"tokens", final.Stats.TokensUsed(),
		"filesModified", final.Stats.FilesModified,
		"elapsedMs", final.Stats.ElapsedMs,
	)
}

func (e *Executor) publish(ctx context.Context, taskID string, ev events.Event, logger *slog.Logger) {
	ev.TaskID = taskID
	if err := e.bus.Publish(ctx, ev); err != nil {
		logger.Debug("Event not published", "type", ev.Type, "error", err)
	}
}

func (e *Executor) update(id string, fn func(*Task)) Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.tasks[id]
	if !ok {
		return Task{}
	}
	fn(&ent.task)
	ent.task.UpdatedAt = e.now()
	return ent.task.Clone()
}

func (e *Executor) setStatus(id string, next Status, logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.tasks[id]
	if !ok {
		return
	}
	if !ent.task.Status.CanTransition(next) {
		logger.Error("Rejected task status change", "from", ent.task.Status, "to", next, "error", ErrInvalidTransition)
		return
	}
	ent.task.Status = next
	ent.task.UpdatedAt = e.now()
}

// Get returns a snapshot of a task.
func (e *Executor) Get(id string) (Task, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return ent.task.Clone(), nil
}

// List returns the tasks of a session, or every task when sessionID is
// empty, oldest first.
func (e *Executor) List(sessionID string) []Task {
	e.mu.RLock()
	out := make([]Task, 0, len(e.tasks))
	for _, ent := range e.tasks {
		if sessionID == "" || ent.task.SessionID == sessionID {
			out = append(out, ent.task.Clone())
		}
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Interrupt asks a task to stop and waits until it is terminal or ctx ends.
// Interrupting a terminal task returns it unchanged.
func (e *Executor) Interrupt(ctx context.Context, id string) (Task, error) {
	e.mu.Lock()
	ent, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	if ent.task.Status.Terminal() {
		t := ent.task.Clone()
		e.mu.Unlock()
		return t, nil
	}
	if ent.task.InterruptedAt == nil {
		at := e.now()
		ent.task.InterruptedAt = &at
		e.logger.Info("Task interrupt requested", "taskID", id, "sessionID", ent.task.SessionID)
	}
	ent.cancel(ErrTaskInterrupted)
	done := ent.done
	e.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return e.Get(id)
}

// Forget drops the finished tasks of a removed session.
func (e *Executor) Forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ent := range e.tasks {
		if ent.task.SessionID == sessionID && ent.task.Status.Terminal() {
			delete(e.tasks, id)
		}
	}
}

// Shutdown refuses new tasks, interrupts running ones and waits for them to
// publish their terminal events.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	for _, ent := range e.tasks {
		if !ent.task.Status.Terminal() {
			ent.cancel(ErrShuttingDown)
		}
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}
}
