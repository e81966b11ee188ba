// Package middleware provides the MCP protocol-level interceptor that tracks
// every operation invocation against a session.
package middleware

import (
	"context"
	"sync"

	"github.com/txn2/mcp-session-tracker/pkg/request"
	"github.com/txn2/mcp-session-tracker/pkg/session"
)

// contextKey is a private type for context keys.
type contextKey int

const (
	connStateKey contextKey = iota
	usageSlotKey
)

// ConnState is the per-connection slot the transport supplies so the
// tracking middleware can remember a resolved session id across calls on
// the same connection. The zero value is ready to use. Session creation is
// serialized on the mutex, so concurrent first calls on one connection
// resolve to a single session.
type ConnState struct {
	mu        sync.Mutex
	sessionID string

	// Client is the descriptor used if this connection creates a
	// session. Set it before the first call; it is ignored afterward.
	Client session.ClientDescriptor

	// User is optional identity context applied at session creation.
	User *session.UserContext
}

// SessionID returns the resolved session id, or "" before first resolution.
func (c *ConnState) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// WithConnState attaches a connection slot to the context.
func WithConnState(ctx context.Context, cs *ConnState) context.Context {
	return context.WithValue(ctx, connStateKey, cs)
}

// GetConnState retrieves the connection slot from the context.
func GetConnState(ctx context.Context) *ConnState {
	if cs, ok := ctx.Value(connStateKey).(*ConnState); ok {
		return cs
	}
	return nil
}

// usageSlot collects usage counters reported by a wrapped operation.
type usageSlot struct {
	mu    sync.Mutex
	usage *request.Usage
}

// withUsageSlot installs a fresh usage slot for one invocation.
func withUsageSlot(ctx context.Context) (context.Context, *usageSlot) {
	slot := &usageSlot{}
	return context.WithValue(ctx, usageSlotKey, slot), slot
}

// ReportUsage attributes token counters to the current invocation. Handlers
// call this when the operation they ran reports usage; outside a tracked
// invocation it is a no-op. Multiple reports within one invocation
// accumulate.
func ReportUsage(ctx context.Context, inputTokens, outputTokens int64) {
	slot, ok := ctx.Value(usageSlotKey).(*usageSlot)
	if !ok {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.usage == nil {
		slot.usage = &request.Usage{}
	}
	slot.usage.InputTokens += inputTokens
	slot.usage.OutputTokens += outputTokens
}

// take returns the accumulated usage, if any.
func (s *usageSlot) take() *request.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}
