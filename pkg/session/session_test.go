package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Clone(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	disconnected := now.Add(time.Minute)
	expires := now.Add(5 * time.Minute)

	orig := &Session{
		ID: "sess-1",
		Client: ClientDescriptor{
			Name:         "cli",
			Capabilities: map[string]any{"sampling": true},
		},
		Status:             StatusDisconnected,
		ConnectedAt:        now,
		LastActivityAt:     now,
		DisconnectedAt:     &disconnected,
		DisconnectReason:   ReasonTimeout,
		ReconnectTokenHash: "hash",
		ReconnectExpiresAt: &expires,
		ReconnectCount:     2,
		User:               &UserContext{UserID: "u1"},
	}

	clone := orig.Clone()
	require.Equal(t, orig, clone)

	// Mutating the clone's pointers and maps must not reach the original.
	*clone.DisconnectedAt = clone.DisconnectedAt.Add(time.Hour)
	*clone.ReconnectExpiresAt = clone.ReconnectExpiresAt.Add(time.Hour)
	clone.User.UserID = "changed"
	clone.Client.Capabilities["sampling"] = false

	assert.Equal(t, disconnected, *orig.DisconnectedAt)
	assert.Equal(t, expires, *orig.ReconnectExpiresAt)
	assert.Equal(t, "u1", orig.User.UserID)
	assert.Equal(t, true, orig.Client.Capabilities["sampling"])
}

func TestSession_CloneNil(t *testing.T) {
	var s *Session
	assert.Nil(t, s.Clone())
}

func TestSession_IdleSince(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	s := &Session{LastActivityAt: now}

	assert.Equal(t, time.Duration(0), s.IdleSince(now))
	assert.Equal(t, 3*time.Minute, s.IdleSince(now.Add(3*time.Minute)))
}
