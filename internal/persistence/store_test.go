package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberelf/claude-code-server/internal/engine"
	"github.com/cyberelf/claude-code-server/internal/logging"
	"github.com/cyberelf/claude-code-server/internal/retry"
	"github.com/cyberelf/claude-code-server/internal/session"
)

func openSQLite(t *testing.T) session.Store {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func openRedis(t *testing.T) session.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	t.Cleanup(func() { store.Close() })
	return store
}

var stores = map[string]func(t *testing.T) session.Store{
	"memory": func(*testing.T) session.Store { return session.NewMemoryStore() },
	"sqlite": openSQLite,
	"redis":  openRedis,
}

func sample(id string, created time.Time) session.Session {
	return session.Session{
		ID:        id,
		Workspace: "/work/" + id,
		Options: engine.Options{
			AllowedTools:   []string{"Read", "Write"},
			PermissionMode: engine.PermissionAccept,
			MaxTurns:       10,
			Model:          "sonnet",
		},
		Status:         session.StatusActive,
		CreatedAt:      created,
		LastActivityAt: created,
		RunningTaskIDs: []string{"task-1"},
		TaskIDs:        []string{"task-1"},
	}
}

func TestStores_CRUD(t *testing.T) {
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()
			now := time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.UTC)

			s := sample("session-a", now)
			require.NoError(t, store.Create(ctx, s))
			assert.ErrorIs(t, store.Create(ctx, s), session.ErrSessionExists)

			got, err := store.Get(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, s, got)

			s.Status = session.StatusIdle
			s.RunningTaskIDs = []string{}
			s.TaskIDs = append(s.TaskIDs, "task-2")
			s.LastActivityAt = now.Add(time.Minute)
			s.ConversationID = "conv-1"
			require.NoError(t, store.Update(ctx, s))

			got, err = store.Get(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, s, got)

			require.NoError(t, store.Delete(ctx, s.ID))
			_, err = store.Get(ctx, s.ID)
			assert.ErrorIs(t, err, session.ErrSessionNotFound)
			assert.ErrorIs(t, store.Delete(ctx, s.ID), session.ErrSessionNotFound)
			assert.ErrorIs(t, store.Update(ctx, s), session.ErrSessionNotFound)
		})
	}
}

func TestStores_ListOldestFirst(t *testing.T) {
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()
			base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

			for i, offset := range []int{3, 1, 2} {
				s := sample(fmt.Sprintf("session-%d", i), base.Add(time.Duration(offset)*time.Second))
				require.NoError(t, store.Create(ctx, s))
			}

			list, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "session-1", list[0].ID)
			assert.Equal(t, "session-2", list[1].ID)
			assert.Equal(t, "session-0", list[2].ID)
		})
	}
}

func TestStores_ListEmpty(t *testing.T) {
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			list, err := open(t).List(context.Background())
			require.NoError(t, err)
			assert.NotNil(t, list)
			assert.Empty(t, list)
		})
	}
}

func TestStores_BackManager(t *testing.T) {
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			m := session.NewManager(open(t), session.Config{MaxConcurrent: 3, Logger: logging.Discard()})
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 6; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _ = m.Resolve(ctx, session.ResolveRequest{Workspace: "/w", TaskID: fmt.Sprintf("t%d", i)})
				}(i)
			}
			wg.Wait()

			n, err := m.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
		})
	}
}

func TestStores_UndecodableRecordIsSwept(t *testing.T) {
	tests := map[string]func(t *testing.T) (session.Store, func(ctx context.Context)){
		"sqlite": func(t *testing.T) (session.Store, func(ctx context.Context)) {
			store, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store, func(ctx context.Context) {
				_, err := store.db.ExecContext(ctx,
					`INSERT INTO sessions (id, workspace, options, status, created_at, last_activity, running_tasks, tasks, conversation_id)
					VALUES ('session-bad', '/w', '{not json', 'idle', 1, 1, '[]', '[]', '')`)
				require.NoError(t, err)
			}
		},
		"redis": func(t *testing.T) (session.Store, func(ctx context.Context)) {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			store := NewRedisStore(rdb, "ccs:")
			t.Cleanup(func() { store.Close() })
			return store, func(ctx context.Context) {
				require.NoError(t, rdb.Set(ctx, "ccs:session:session-bad", "{not json", 0).Err())
				require.NoError(t, rdb.SAdd(ctx, "ccs:sessions", "session-bad").Err())
			}
		},
	}

	for name, open := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store, corrupt := open(t)

			old := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
			stale := sample("session-stale", old)
			stale.Status = session.StatusIdle
			stale.RunningTaskIDs = []string{}
			require.NoError(t, store.Create(ctx, stale))
			corrupt(ctx)

			list, err := store.List(ctx)
			var ce *session.CorruptError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, []string{"session-bad"}, ce.IDs)
			require.Len(t, list, 1)
			assert.Equal(t, "session-stale", list[0].ID)

			m := session.NewManager(store, session.Config{MaxConcurrent: 3, IdleTimeout: time.Minute, Logger: logging.Discard()})
			_, err = m.Recover(ctx)
			require.NoError(t, err)
			_, err = m.Resolve(ctx, session.ResolveRequest{Workspace: "/new"})
			require.NoError(t, err)

			removed, err := m.Sweep(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"session-bad", "session-stale"}, removed)

			list, err = store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "/new", list[0].Workspace)
		})
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	s := sample("session-keep", time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, store.Create(ctx, s))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestSQLite_MigrationsRecorded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var version int
	require.NoError(t, db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version))
	assert.Equal(t, 2, version)
}

func TestRedis_ListPrunesStaleIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(rdb, "ccs:")
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, sample("session-a", time.Now().UTC())))
	require.NoError(t, rdb.SAdd(ctx, "ccs:sessions", "session-ghost").Err())

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "session-a", list[0].ID)

	members, err := rdb.SMembers(ctx, "ccs:sessions").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"session-a"}, members)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, Logger: logging.Discard()}

	store, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0", "ccs:", rc)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = OpenRedis(context.Background(), "not a url", "ccs:", rc)
	assert.Error(t, err)

	mr.Close()
	_, err = OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0", "ccs:", rc)
	var exhausted *retry.ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}
