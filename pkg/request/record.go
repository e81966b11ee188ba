// Package request provides per-invocation request records and their
// best-effort recorder. Records are immutable once written; this package
// never updates or deletes them.
package request

import (
	"context"
	"time"
)

// Status is the outcome of a recorded invocation.
type Status string

const (
	// StatusSuccess marks a normally completed invocation.
	StatusSuccess Status = "success"

	// StatusError marks an invocation that returned an error.
	StatusError Status = "error"

	// StatusTimeout marks a cancelled or deadline-exceeded invocation.
	StatusTimeout Status = "timeout"
)

// SessionIDUnknown is the sentinel session id recorded when no session could
// be resolved for an invocation. Recording always proceeds.
const SessionIDUnknown = "unattributed"

// Usage holds opaque token/cost counters reported by an operation.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Record is one immutable log entry for a single operation invocation.
type Record struct {
	// RequestID is unique per invocation.
	RequestID string

	// SessionID references the owning session, or SessionIDUnknown.
	SessionID string

	// Operation is the invoked tool or method name.
	Operation string

	// Timestamp is the invocation start time.
	Timestamp time.Time

	// DurationMS is the invocation duration in whole milliseconds,
	// always >= 0. Coercion to an integer happens at the single
	// persistence point in the Recorder, never upstream.
	DurationMS int64

	// Status is the invocation outcome.
	Status Status

	// Usage holds token counters when the operation reported them.
	Usage *Usage

	// ErrorMessage is present only when Status is error.
	ErrorMessage string
}

// Stats aggregates request records. A zero value is the correct result for
// an empty record set.
type Stats struct {
	Count             int64 `json:"count"`
	TotalDurationMS   int64 `json:"total_duration_ms"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
}

// Filter bounds a stats query. Zero-valued fields are unbounded: an empty
// SessionID aggregates across all sessions, a zero From or To leaves that
// end of the time window open. From is inclusive, To exclusive.
type Filter struct {
	SessionID string
	From      time.Time
	To        time.Time
}

// Store defines the interface for durable request-record persistence.
type Store interface {
	// Append writes one record.
	Append(ctx context.Context, rec *Record) error

	// ListBySession returns the session's records ordered by timestamp.
	ListBySession(ctx context.Context, sessionID string) ([]*Record, error)

	// SessionStats aggregates records for one session. An empty set
	// yields zero-valued stats, not an error.
	SessionStats(ctx context.Context, sessionID string) (Stats, error)

	// GlobalStats aggregates all records.
	GlobalStats(ctx context.Context) (Stats, error)

	// Stats aggregates records matching the filter.
	Stats(ctx context.Context, f Filter) (Stats, error)

	// Close releases resources.
	Close() error
}
