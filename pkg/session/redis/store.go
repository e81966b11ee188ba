// Package redis provides Redis storage for sessions, for deployments that
// track sessions without a relational database.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/txn2/mcp-session-tracker/pkg/session"
)

const keyPrefix = "mcpst:session:"

// Store implements session.Store using Redis. Each session is one JSON
// value, with one set per status as the lookup index.
type Store struct {
	client *redis.Client
}

// New creates a new Redis session store.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func sessionKey(id string) string {
	return keyPrefix + id
}

func statusKey(status session.Status) string {
	return "mcpst:status:" + string(status)
}

// Create persists a new session.
func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.ID), data, 0)
	pipe.SAdd(ctx, statusKey(sess.Status), sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// Get retrieves a session by id. Returns session.ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	val, err := s.client.Get(ctx, sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &sess, nil
}

// Update overwrites an existing session and moves it between status sets.
func (s *Store) Update(ctx context.Context, sess *session.Session) error {
	prev, err := s.Get(ctx, sess.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.ID), data, 0)
	if prev.Status != sess.Status {
		pipe.SRem(ctx, statusKey(prev.Status), sess.ID)
		pipe.SAdd(ctx, statusKey(sess.Status), sess.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

// Touch sets last_activity_at for the session. Unknown ids are a no-op.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	sess, err := s.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !at.After(sess.LastActivityAt) {
		return nil
	}
	sess.LastActivityAt = at

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// ListByStatus returns all sessions in the status index set.
func (s *Store) ListByStatus(ctx context.Context, status session.Status) ([]*session.Session, error) {
	ids, err := s.client.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing session ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching sessions: %w", err)
	}

	sessions := make([]*session.Session, 0, len(vals))
	for _, val := range vals {
		str, ok := val.(string)
		if !ok {
			// Index entry without a value: the session key was
			// removed out of band. Skip it.
			continue
		}
		var sess session.Session
		if err := json.Unmarshal([]byte(str), &sess); err != nil {
			return nil, fmt.Errorf("unmarshaling session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
