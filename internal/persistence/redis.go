package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cyberelf/claude-code-server/internal/retry"
	"github.com/cyberelf/claude-code-server/internal/session"
)

// RedisStore keeps each session as a JSON value under <prefix>session:<id>
// and tracks ids in the <prefix>sessions set.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ session.Store = (*RedisStore)(nil)

// OpenRedis connects to the server at url and waits for it to answer PING.
func OpenRedis(ctx context.Context, url, prefix string, rc retry.Config) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	err = retry.Do(ctx, rc, "redis ping", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisStore(rdb, prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(id string) string { return s.prefix + "session:" + id }

func (s *RedisStore) indexKey() string { return s.prefix + "sessions" }

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) Create(ctx context.Context, sess session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.key(sess.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return session.ErrSessionExists
	}
	if err := s.rdb.SAdd(ctx, s.indexKey(), sess.ID).Err(); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (session.Session, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Session{}, session.ErrSessionNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(data)
}

func decodeSession(data []byte) (session.Session, error) {
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return session.Session{}, fmt.Errorf("decode session: %w", err)
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.LastActivityAt = sess.LastActivityAt.UTC()
	return sess, nil
}

func (s *RedisStore) Update(ctx context.Context, sess session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := s.rdb.SetXX(ctx, s.key(sess.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if !ok {
		return session.ErrSessionNotFound
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, s.key(id))
	pipe.SRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if del.Val() == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// List loads every indexed session. Index entries whose value has vanished
// are pruned; values that fail to decode are reported in a
// *session.CorruptError.
func (s *RedisStore) List(ctx context.Context) ([]session.Session, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}
	sessions := []session.Session{}
	if len(ids) == 0 {
		return sessions, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	var (
		stale   []any
		corrupt *session.CorruptError
	)
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := decodeSession([]byte(str))
		if err != nil {
			if corrupt == nil {
				corrupt = &session.CorruptError{Err: err}
			}
			corrupt.IDs = append(corrupt.IDs, ids[i])
			continue
		}
		sessions = append(sessions, sess)
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune session index: %w", err)
		}
	}
	session.SortByCreation(sessions)
	if corrupt != nil {
		return sessions, corrupt
	}
	return sessions, nil
}
