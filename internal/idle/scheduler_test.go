package idle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberelf/claude-code-server/internal/logging"
	"github.com/cyberelf/claude-code-server/internal/session"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (c *countingSweeper) Sweep(context.Context) ([]string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return []string{"session-1"}, nil
}

func TestScheduler_TicksUntilCanceled(t *testing.T) {
	sw := &countingSweeper{}
	s := NewScheduler(sw, 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sw.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	st := s.Status()
	assert.GreaterOrEqual(t, st.Sweeps, 3)
	assert.Equal(t, 1, st.LastRemoved)
	assert.False(t, st.LastSweep.IsZero())
}

func TestScheduler_ErrorsDoNotStopLoop(t *testing.T) {
	sw := &countingSweeper{err: errors.New("store unavailable")}
	s := NewScheduler(sw, 5*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return sw.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "store unavailable", s.Status().LastError)
}

func TestScheduler_SweepsIdleSessions(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	clock := func() time.Time { return now.Add(time.Duration(offset.Load())) }

	m := session.NewManager(session.NewMemoryStore(), session.Config{
		MaxConcurrent: 2,
		IdleTimeout:   time.Minute,
		Logger:        logging.Discard(),
		Now:           clock,
	})
	ctx := context.Background()
	idle, err := m.Resolve(ctx, session.ResolveRequest{Workspace: "/a", TaskID: "t1"})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, idle.ID, "t1"))
	busy, err := m.Resolve(ctx, session.ResolveRequest{Workspace: "/b", TaskID: "t2"})
	require.NoError(t, err)

	offset.Store(int64(time.Hour))
	s := NewScheduler(m, time.Hour, logging.Discard())
	s.SweepOnce(ctx)

	assert.Equal(t, 1, s.Status().LastRemoved)
	_, err = m.Get(ctx, idle.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = m.Get(ctx, busy.ID)
	assert.NoError(t, err)
}
