// Package postgres provides PostgreSQL storage for request records.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/mcp-session-tracker/pkg/request"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// requestColumns lists columns returned by request SELECT queries.
var requestColumns = []string{
	"request_id", "session_id", "operation", "timestamp",
	"duration_ms", "status", "usage", "error_message",
}

// statsColumns are the aggregate expressions shared by the stats queries.
// COALESCE keeps empty result sets at zero instead of NULL.
var statsColumns = []string{
	"COUNT(*) AS count",
	"COALESCE(SUM(duration_ms), 0) AS total_duration_ms",
	"COALESCE(SUM((usage->>'input_tokens')::bigint), 0) AS total_input_tokens",
	"COALESCE(SUM((usage->>'output_tokens')::bigint), 0) AS total_output_tokens",
}

// Store implements request.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL request store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append writes one record. Records are immutable: there is no update path.
func (s *Store) Append(ctx context.Context, rec *request.Record) error {
	var usageJSON []byte
	if rec.Usage != nil {
		var err error
		usageJSON, err = json.Marshal(rec.Usage)
		if err != nil {
			usageJSON = []byte("{}")
		}
	}

	query, args, err := psq.Insert("requests").
		Columns(requestColumns...).
		Values(
			rec.RequestID, rec.SessionID, rec.Operation, rec.Timestamp,
			rec.DurationMS, string(rec.Status), usageJSON, rec.ErrorMessage,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building request insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting request record: %w", err)
	}
	return nil
}

// ListBySession returns the session's records ordered by timestamp.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]*request.Record, error) {
	query, args, err := psq.Select(requestColumns...).
		From("requests").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("timestamp ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building request list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing request records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*request.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request rows: %w", err)
	}
	return records, nil
}

// SessionStats aggregates records for one session. An empty set yields
// zero-valued stats.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (request.Stats, error) {
	return s.Stats(ctx, request.Filter{SessionID: sessionID})
}

// GlobalStats aggregates all records.
func (s *Store) GlobalStats(ctx context.Context) (request.Stats, error) {
	return s.Stats(ctx, request.Filter{})
}

// Stats aggregates records matching the filter. From is inclusive, To
// exclusive.
func (s *Store) Stats(ctx context.Context, f request.Filter) (request.Stats, error) {
	qb := psq.Select(statsColumns...).From("requests")
	if f.SessionID != "" {
		qb = qb.Where(sq.Eq{"session_id": f.SessionID})
	}
	if !f.From.IsZero() {
		qb = qb.Where(sq.GtOrEq{"timestamp": f.From})
	}
	if !f.To.IsZero() {
		qb = qb.Where(sq.Lt{"timestamp": f.To})
	}
	return s.queryStats(ctx, qb)
}

// queryStats executes an aggregate SELECT and scans the single stats row.
func (s *Store) queryStats(ctx context.Context, qb sq.SelectBuilder) (request.Stats, error) {
	var stats request.Stats

	query, args, err := qb.ToSql()
	if err != nil {
		return stats, fmt.Errorf("building stats query: %w", err)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(
		&stats.Count,
		&stats.TotalDurationMS,
		&stats.TotalInputTokens,
		&stats.TotalOutputTokens,
	); err != nil {
		return request.Stats{}, fmt.Errorf("scanning stats: %w", err)
	}
	return stats, nil
}

// Close releases resources. The *sql.DB lifecycle belongs to the caller.
func (*Store) Close() error {
	return nil
}

// scanRecord scans a row from sql.Rows into a Record.
func scanRecord(rows *sql.Rows) (*request.Record, error) {
	var (
		rec       request.Record
		status    string
		usageJSON []byte
	)

	err := rows.Scan(
		&rec.RequestID, &rec.SessionID, &rec.Operation, &rec.Timestamp,
		&rec.DurationMS, &status, &usageJSON, &rec.ErrorMessage,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning request row: %w", err)
	}

	rec.Status = request.Status(status)
	if len(usageJSON) > 0 {
		var usage request.Usage
		if err := json.Unmarshal(usageJSON, &usage); err == nil {
			rec.Usage = &usage
		}
	}
	return &rec, nil
}

// Verify interface compliance.
var _ request.Store = (*Store)(nil)
