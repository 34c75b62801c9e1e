// Package persistence provides durable session stores backed by SQLite or
// Redis so sessions survive a server restart.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cyberelf/claude-code-server/internal/engine"
	"github.com/cyberelf/claude-code-server/internal/session"
)

// SQLiteStore persists sessions in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

var _ session.Store = (*SQLiteStore)(nil)

// OpenSQLite creates or opens a SQLite database at the given path.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the sessions table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workspace TEXT NOT NULL,
			options TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_activity INTEGER NOT NULL,
			running_tasks TEXT NOT NULL DEFAULT '[]',
			tasks TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	`)
	return err
}

// migrateV2 adds the engine conversation id used to resume a session.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE sessions ADD COLUMN conversation_id TEXT NOT NULL DEFAULT ''`)
	return err
}

const selectColumns = `id, workspace, options, status, created_at, last_activity, running_tasks, tasks, conversation_id`

type row struct {
	options, running, tasks string
	created, activity       int64
}

func encode(sess session.Session) (row, error) {
	opts, err := json.Marshal(sess.Options)
	if err != nil {
		return row{}, fmt.Errorf("encode options: %w", err)
	}
	running, err := json.Marshal(nonNil(sess.RunningTaskIDs))
	if err != nil {
		return row{}, fmt.Errorf("encode running tasks: %w", err)
	}
	tasks, err := json.Marshal(nonNil(sess.TaskIDs))
	if err != nil {
		return row{}, fmt.Errorf("encode tasks: %w", err)
	}
	return row{
		options:  string(opts),
		running:  string(running),
		tasks:    string(tasks),
		created:  sess.CreatedAt.UnixNano(),
		activity: sess.LastActivityAt.UnixNano(),
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (session.Session, error) {
	var (
		sess   session.Session
		r      row
		status string
	)
	if err := sc.Scan(&sess.ID, &sess.Workspace, &r.options, &status, &r.created, &r.activity,
		&r.running, &r.tasks, &sess.ConversationID); err != nil {
		return session.Session{}, err
	}
	sess.Status = session.Status(status)
	sess.CreatedAt = time.Unix(0, r.created).UTC()
	sess.LastActivityAt = time.Unix(0, r.activity).UTC()

	// A decode failure still returns the id so List can report the record.
	var opts engine.Options
	if err := json.Unmarshal([]byte(r.options), &opts); err != nil {
		return session.Session{ID: sess.ID}, fmt.Errorf("decode options of %s: %w", sess.ID, err)
	}
	sess.Options = opts
	if err := json.Unmarshal([]byte(r.running), &sess.RunningTaskIDs); err != nil {
		return session.Session{ID: sess.ID}, fmt.Errorf("decode running tasks of %s: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(r.tasks), &sess.TaskIDs); err != nil {
		return session.Session{ID: sess.ID}, fmt.Errorf("decode tasks of %s: %w", sess.ID, err)
	}
	return sess, nil
}

func (s *SQLiteStore) Create(ctx context.Context, sess session.Session) error {
	r, err := encode(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace, options, status, created_at, last_activity, running_tasks, tasks, conversation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.Workspace, r.options, string(sess.Status), r.created, r.activity, r.running, r.tasks, sess.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrSessionExists
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (session.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrSessionNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Update(ctx context.Context, sess session.Session) error {
	r, err := encode(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET workspace = ?, options = ?, status = ?, last_activity = ?,
			running_tasks = ?, tasks = ?, conversation_id = ?
		WHERE id = ?`,
		sess.Workspace, r.options, string(sess.Status), r.activity, r.running, r.tasks, sess.ConversationID, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// List returns all sessions ordered by created_at. Rows whose JSON columns
// fail to decode are reported in a *session.CorruptError.
func (s *SQLiteStore) List(ctx context.Context) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM sessions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []session.Session{}
	var corrupt *session.CorruptError
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil && sess.ID != "" {
			if corrupt == nil {
				corrupt = &session.CorruptError{Err: err}
			}
			corrupt.IDs = append(corrupt.IDs, sess.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	if corrupt != nil {
		return sessions, corrupt
	}
	return sessions, nil
}
