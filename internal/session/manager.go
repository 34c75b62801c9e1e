package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cyberelf/claude-code-server/internal/engine"
)

// touchInterval limits how often Touch writes through to the store.
const touchInterval = time.Second

// Config holds configuration for the session manager.
type Config struct {
	// MaxConcurrent is the ceiling on active plus idle sessions.
	MaxConcurrent int
	// IdleTimeout is how long an idle session survives before Sweep removes it.
	IdleTimeout time.Duration
	Logger      *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// ResolveRequest selects or creates the session for a task.
type ResolveRequest struct {
	ReuseExisting bool
	SessionID     string
	Workspace     string
	Options       engine.Options
	// TaskID, when set, is registered as running in the resolved session
	// in the same critical section that resolves it.
	TaskID string
}

// Manager enforces the session lifecycle on top of a Store.
type Manager struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	createMu sync.Mutex // check-and-create of the ceiling
	locks    *keyedMutex
	sweeps   singleflight.Group

	touchMu   sync.Mutex
	lastTouch map[string]time.Time

	hooksMu  sync.RWMutex
	onRemove []func(sessionID string)
}

// NewManager creates a session manager over store.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return now().UTC() },
		locks:     newKeyedMutex(),
		lastTouch: make(map[string]time.Time),
	}
}

// MaxConcurrent returns the configured session ceiling.
func (m *Manager) MaxConcurrent() int { return m.cfg.MaxConcurrent }

// OnRemove registers fn to run after a session is deleted or swept.
func (m *Manager) OnRemove(fn func(sessionID string)) {
	m.hooksMu.Lock()
	m.onRemove = append(m.onRemove, fn)
	m.hooksMu.Unlock()
}

func (m *Manager) removed(id string) {
	m.touchMu.Lock()
	delete(m.lastTouch, id)
	m.touchMu.Unlock()

	m.hooksMu.RLock()
	hooks := slices.Clone(m.onRemove)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}

// Resolve returns the session for req. With ReuseExisting and a SessionID it
// looks the session up; otherwise it creates a new active session unless the
// ceiling is reached.
func (m *Manager) Resolve(ctx context.Context, req ResolveRequest) (Session, error) {
	if req.ReuseExisting && req.SessionID != "" {
		return m.reuse(ctx, req)
	}
	return m.create(ctx, req)
}

func (m *Manager) reuse(ctx context.Context, req ResolveRequest) (Session, error) {
	unlock := m.locks.Lock(req.SessionID)
	defer unlock()

	s, err := m.store.Get(ctx, req.SessionID)
	if err != nil {
		return Session{}, err
	}
	if s.Status == StatusTerminated {
		return Session{}, ErrSessionNotFound
	}
	if req.Workspace != "" && filepath.Clean(req.Workspace) != s.Workspace {
		return Session{}, ErrWorkspaceMismatch
	}
	if req.TaskID == "" {
		return s, nil
	}
	m.addTask(&s, req.TaskID)
	if err := m.store.Update(ctx, s); err != nil {
		return Session{}, fmt.Errorf("update session %s: %w", s.ID, err)
	}
	return s, nil
}

func (m *Manager) create(ctx context.Context, req ResolveRequest) (Session, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	live, err := m.countLive(ctx)
	if err != nil {
		return Session{}, err
	}
	if live >= m.cfg.MaxConcurrent {
		return Session{}, ErrConcurrencyLimit
	}

	now := m.now()
	s := Session{
		ID:             "session-" + uuid.NewString(),
		Workspace:      filepath.Clean(req.Workspace),
		Options:        req.Options,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		RunningTaskIDs: []string{},
		TaskIDs:        []string{},
	}
	if req.TaskID != "" {
		m.addTask(&s, req.TaskID)
	}
	if err := m.store.Create(ctx, s); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("Session created", "sessionID", s.ID, "workspace", s.Workspace, "live", live+1)
	return s, nil
}

// list loads every readable session. Records the store could not decode are
// logged and their ids returned apart.
func (m *Manager) list(ctx context.Context) ([]Session, []string, error) {
	all, err := m.store.List(ctx)
	var corrupt *CorruptError
	if errors.As(err, &corrupt) {
		for _, id := range corrupt.IDs {
			m.logger.Warn("Skipping undecodable session record", "sessionID", id, "error", corrupt.Err)
		}
		return all, corrupt.IDs, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("list sessions: %w", err)
	}
	return all, nil, nil
}

func (m *Manager) countLive(ctx context.Context) (int, error) {
	all, _, err := m.list(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range all {
		if s.Status.Live() {
			n++
		}
	}
	return n, nil
}

func (m *Manager) addTask(s *Session, taskID string) {
	if !slices.Contains(s.RunningTaskIDs, taskID) {
		s.RunningTaskIDs = append(s.RunningTaskIDs, taskID)
	}
	if !slices.Contains(s.TaskIDs, taskID) {
		s.TaskIDs = append(s.TaskIDs, taskID)
	}
	s.Status = StatusActive
	s.LastActivityAt = m.now()
}

// Release removes taskID from the running set. A session with no running
// tasks left becomes idle.
func (m *Manager) Release(ctx context.Context, sessionID, taskID string) error {
	_, err := m.mutate(ctx, sessionID, func(s *Session) error {
		s.RunningTaskIDs = slices.DeleteFunc(s.RunningTaskIDs, func(id string) bool { return id == taskID })
		if len(s.RunningTaskIDs) == 0 && s.Status == StatusActive {
			s.Status = StatusIdle
		}
		s.LastActivityAt = m.now()
		return nil
	})
	return err
}

// Touch records activity on the session. Writes to the store are coalesced
// to at most one per second per session.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	now := m.now()
	m.touchMu.Lock()
	if last, ok := m.lastTouch[sessionID]; ok && now.Sub(last) < touchInterval {
		m.touchMu.Unlock()
		return nil
	}
	m.lastTouch[sessionID] = now
	m.touchMu.Unlock()

	_, err := m.mutate(ctx, sessionID, func(s *Session) error {
		if now.After(s.LastActivityAt) {
			s.LastActivityAt = now
		}
		return nil
	})
	return err
}

// SetConversation records the engine conversation the session continues.
func (m *Manager) SetConversation(ctx context.Context, sessionID, conversationID string) error {
	if conversationID == "" {
		return nil
	}
	_, err := m.mutate(ctx, sessionID, func(s *Session) error {
		s.ConversationID = conversationID
		return nil
	})
	return err
}

func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(*Session) error) (Session, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := fn(&s); err != nil {
		return Session{}, err
	}
	if err := m.store.Update(ctx, s); err != nil {
		return Session{}, fmt.Errorf("update session %s: %w", sessionID, err)
	}
	return s, nil
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	return m.store.Get(ctx, sessionID)
}

// List returns every readable session, oldest first.
func (m *Manager) List(ctx context.Context) ([]Session, error) {
	all, _, err := m.list(ctx)
	return all, err
}

// Count returns the number of active and idle sessions.
func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.countLive(ctx)
}

// Delete removes a session on explicit request. It fails with
// ErrSessionBusy while tasks are running.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		unlock()
		return err
	}
	if s.Busy() {
		unlock()
		return ErrSessionBusy
	}
	if err := m.store.Delete(ctx, sessionID); err != nil {
		unlock()
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	unlock()

	m.logger.Info("Session deleted", "sessionID", sessionID)
	m.removed(sessionID)
	return nil
}

// Sweep removes idle sessions whose last activity is older than the idle
// timeout, plus terminated leftovers and undecodable records. Concurrent
// calls share one pass.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	v, err, _ := m.sweeps.Do("sweep", func() (interface{}, error) {
		return m.sweep(ctx)
	})
	removed, _ := v.([]string)
	return removed, err
}

func (m *Manager) sweep(ctx context.Context) ([]string, error) {
	all, corrupt, err := m.list(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, id := range corrupt {
		m.logger.Error("Session record corrupt, force-terminating", "sessionID", id)
		m.forceTerminate(ctx, id)
		removed = append(removed, id)
	}
	for _, candidate := range all {
		if !m.expired(candidate) {
			continue
		}
		ok, err := m.sweepOne(ctx, candidate.ID)
		if err != nil {
			m.logger.Error("Session sweep failed, force-terminating",
				"sessionID", candidate.ID, "error", err)
			m.forceTerminate(ctx, candidate.ID)
			removed = append(removed, candidate.ID)
			continue
		}
		if ok {
			removed = append(removed, candidate.ID)
		}
	}
	for _, id := range removed {
		m.removed(id)
	}
	if len(removed) > 0 {
		m.logger.Info("Swept idle sessions", "count", len(removed))
	}
	return removed, nil
}

func (m *Manager) expired(s Session) bool {
	if s.Busy() {
		return false
	}
	if s.Status == StatusTerminated {
		return true
	}
	return s.Status == StatusIdle && m.now().Sub(s.LastActivityAt) > m.cfg.IdleTimeout
}

// sweepOne re-checks a candidate under its lock and deletes it.
func (m *Manager) sweepOne(ctx context.Context, id string) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !m.expired(s) {
		return false, nil
	}
	if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return false, err
	}
	return true, nil
}

// forceTerminate makes a best effort to leave a broken session in a
// definite state: terminated if it can be written, gone if it can be deleted.
func (m *Manager) forceTerminate(ctx context.Context, id string) {
	unlock := m.locks.Lock(id)
	defer unlock()

	if err := m.store.Delete(ctx, id); err == nil || errors.Is(err, ErrSessionNotFound) {
		return
	}
	s := Session{ID: id, Status: StatusTerminated, LastActivityAt: m.now()}
	if err := m.store.Update(ctx, s); err != nil {
		m.logger.Error("Session could not be terminated", "sessionID", id, "error", err)
	}
}

// Recover clears running-task bookkeeping left behind by a previous process
// so that persisted sessions become idle and sweepable again.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	all, _, err := m.list(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range all {
		if !s.Busy() && s.Status != StatusActive {
			continue
		}
		if _, err := m.mutate(ctx, s.ID, func(s *Session) error {
			s.RunningTaskIDs = []string{}
			if s.Status == StatusActive {
				s.Status = StatusIdle
			}
			return nil
		}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		m.logger.Warn("Recovered sessions with stale running tasks", "count", n)
	}
	return n, nil
}
