// Package session provides session tracking for the MCP session tracker.
// It defines the Session record, the Store interface for durable session
// persistence, and the Manager that fronts a Store with an in-memory index
// of active sessions.
package session

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive marks a session with a live connection.
	StatusActive Status = "active"

	// StatusDisconnected marks a session whose connection ended. It may
	// return to active through a successful reconnection.
	StatusDisconnected Status = "disconnected"

	// StatusExpired marks a disconnected session past its retention
	// window. Expired sessions cannot be reconnected.
	StatusExpired Status = "expired"
)

// DisconnectReason explains why a session left the active state.
type DisconnectReason string

const (
	// ReasonTimeout means the session idled past the configured timeout.
	ReasonTimeout DisconnectReason = "timeout"

	// ReasonExplicit means the client signaled disconnect.
	ReasonExplicit DisconnectReason = "explicit"

	// ReasonError means the transport reported a connection error.
	ReasonError DisconnectReason = "error"
)

// IdleBucket classifies an active session by idle duration.
type IdleBucket string

const (
	// BucketFresh is a recently active session.
	BucketFresh IdleBucket = "fresh"

	// BucketAging is a session idle past the aging threshold but under
	// the disconnect timeout.
	BucketAging IdleBucket = "aging"

	// BucketStale is a session idle past the disconnect timeout.
	BucketStale IdleBucket = "stale"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// ClientDescriptor holds the client metadata supplied at first contact.
// It is immutable after session creation.
type ClientDescriptor struct {
	Name         string         `json:"name"`
	Version      string         `json:"version,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// UserContext carries identity fields reserved for multi-tenant use.
// It is absent in single-tenant mode.
type UserContext struct {
	UserID string `json:"user_id"`
	Team   string `json:"team,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Session is one tracked client connection. It is owned by the Manager;
// callers outside pkg/session receive copies and hold only the ID across
// calls.
type Session struct {
	// ID is the unique session identifier, never reused.
	ID string

	// Client is the descriptor supplied at creation.
	Client ClientDescriptor

	// Status is the current lifecycle state.
	Status Status

	// ConnectedAt is when the session was created.
	ConnectedAt time.Time

	// LastActivityAt is the most recent recorded activity. Invariant:
	// LastActivityAt >= ConnectedAt.
	LastActivityAt time.Time

	// DisconnectedAt is set when Status leaves active.
	DisconnectedAt *time.Time

	// DisconnectReason is set when Status leaves active.
	DisconnectReason DisconnectReason

	// ReconnectTokenHash is the bcrypt hash of the outstanding
	// reconnection credential. The raw secret is never stored.
	ReconnectTokenHash string

	// ReconnectExpiresAt is when the outstanding credential expires.
	ReconnectExpiresAt *time.Time

	// ReconnectCount is the number of successful reconnections.
	ReconnectCount int

	// User is optional multi-tenant identity context.
	User *UserContext
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.DisconnectedAt != nil {
		t := *s.DisconnectedAt
		out.DisconnectedAt = &t
	}
	if s.ReconnectExpiresAt != nil {
		t := *s.ReconnectExpiresAt
		out.ReconnectExpiresAt = &t
	}
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.Client.Capabilities != nil {
		caps := make(map[string]any, len(s.Client.Capabilities))
		for k, v := range s.Client.Capabilities {
			caps[k] = v
		}
		out.Client.Capabilities = caps
	}
	return &out
}

// IdleSince returns how long the session has been idle at the given time.
func (s *Session) IdleSince(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// Store defines the interface for durable session persistence. The store is
// responsible for its own transactional guarantees; callers bound each call
// with a context timeout and decide whether a failure propagates.
type Store interface {
	// Create persists a new session.
	Create(ctx context.Context, s *Session) error

	// Get retrieves a session by id. Returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Session, error)

	// Update overwrites the mutable fields of an existing session.
	Update(ctx context.Context, s *Session) error

	// Touch sets last_activity_at for the session.
	Touch(ctx context.Context, id string, at time.Time) error

	// ListByStatus returns all sessions with the given status.
	ListByStatus(ctx context.Context, status Status) ([]*Session, error)

	// Close releases resources.
	Close() error
}
