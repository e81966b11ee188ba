// Package postgres provides PostgreSQL storage for sessions.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/mcp-session-tracker/pkg/session"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// sessionColumns lists columns returned by session SELECT queries.
var sessionColumns = []string{
	"id", "client_name", "client_version", "client_capabilities",
	"status", "connected_at", "last_activity_at",
	"disconnected_at", "disconnect_reason",
	"reconnect_token_hash", "reconnect_expires_at", "reconnect_count",
	"user_context",
}

// Store implements session.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new session.
func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	caps, userCtx, err := marshalJSONFields(sess)
	if err != nil {
		return err
	}

	query, args, err := psq.Insert("sessions").
		Columns(sessionColumns...).
		Values(
			sess.ID, sess.Client.Name, sess.Client.Version, caps,
			string(sess.Status), sess.ConnectedAt, sess.LastActivityAt,
			sess.DisconnectedAt, string(sess.DisconnectReason),
			sess.ReconnectTokenHash, sess.ReconnectExpiresAt, sess.ReconnectCount,
			userCtx,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Get retrieves a session by id. Returns session.ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("sessions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session select: %w", err)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return sess, nil
}

// Update overwrites the mutable fields of an existing session.
func (s *Store) Update(ctx context.Context, sess *session.Session) error {
	_, userCtx, err := marshalJSONFields(sess)
	if err != nil {
		return err
	}

	query, args, err := psq.Update("sessions").
		Set("status", string(sess.Status)).
		Set("last_activity_at", sess.LastActivityAt).
		Set("disconnected_at", sess.DisconnectedAt).
		Set("disconnect_reason", string(sess.DisconnectReason)).
		Set("reconnect_token_hash", sess.ReconnectTokenHash).
		Set("reconnect_expires_at", sess.ReconnectExpiresAt).
		Set("reconnect_count", sess.ReconnectCount).
		Set("user_context", userCtx).
		Where(sq.Eq{"id": sess.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Touch sets last_activity_at for the session.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	query, args, err := psq.Update("sessions").
		Set("last_activity_at", at).
		Where(sq.Eq{"id": id}).
		Where(sq.Lt{"last_activity_at": at}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session touch: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// ListByStatus returns all sessions with the given status.
func (s *Store) ListByStatus(ctx context.Context, status session.Status) ([]*session.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("sessions").
		Where(sq.Eq{"status": string(status)}).
		OrderBy("connected_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// Close releases resources. The *sql.DB lifecycle belongs to the caller.
func (*Store) Close() error {
	return nil
}

// marshalJSONFields encodes the capabilities and user context JSONB columns.
func marshalJSONFields(sess *session.Session) (caps, userCtx []byte, err error) {
	caps, err = json.Marshal(sess.Client.Capabilities)
	if err != nil {
		caps = []byte("{}")
	}
	if sess.User != nil {
		userCtx, err = json.Marshal(sess.User)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling user context: %w", err)
		}
	}
	return caps, userCtx, nil
}

// scanSession scans one row into a Session using the given scan func.
func scanSession(scan func(dest ...any) error) (*session.Session, error) {
	var (
		sess           session.Session
		capsJSON       []byte
		userJSON       []byte
		status, reason string
		disconnectedAt sql.NullTime
		reconnectExp   sql.NullTime
	)

	err := scan(
		&sess.ID, &sess.Client.Name, &sess.Client.Version, &capsJSON,
		&status, &sess.ConnectedAt, &sess.LastActivityAt,
		&disconnectedAt, &reason,
		&sess.ReconnectTokenHash, &reconnectExp, &sess.ReconnectCount,
		&userJSON,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = session.Status(status)
	sess.DisconnectReason = session.DisconnectReason(reason)
	if disconnectedAt.Valid {
		t := disconnectedAt.Time
		sess.DisconnectedAt = &t
	}
	if reconnectExp.Valid {
		t := reconnectExp.Time
		sess.ReconnectExpiresAt = &t
	}
	if len(capsJSON) > 0 {
		_ = json.Unmarshal(capsJSON, &sess.Client.Capabilities)
	}
	if len(userJSON) > 0 {
		var user session.UserContext
		if err := json.Unmarshal(userJSON, &user); err == nil {
			sess.User = &user
		}
	}
	return &sess, nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
