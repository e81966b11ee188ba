package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// defaultStoreTimeout bounds each durable-store call issued by the Manager.
const defaultStoreTimeout = 5 * time.Second

// sessionStripes is the size of the per-session lock table.
const sessionStripes = 64

// BucketCounts holds the current idle-bucket distribution.
type BucketCounts struct {
	Fresh        int `json:"fresh"`
	Aging        int `json:"aging"`
	Stale        int `json:"stale"`
	Disconnected int `json:"disconnected"`
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// StoreTimeout bounds each durable-store call. Defaults to 5s.
	StoreTimeout time.Duration

	// Clock supplies time. Defaults to the real clock.
	Clock clock.Clock
}

// Manager owns session records for their lifetime. It keeps an in-memory
// index of sessions with a fast active-id set, and writes through to a
// durable Store. Store failures on the telemetry paths (Create, Touch,
// Disconnect) are logged and swallowed; failures on the credential paths
// propagate to the caller.
type Manager struct {
	store        Store
	storeTimeout time.Duration
	clock        clock.Clock

	// mu guards the maps and individual Session fields. It is never held
	// across store I/O or credential verification, so Touch and Create on
	// one session cannot stall behind another session's slow backend.
	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]struct{}

	// stripes serializes the per-session transitions that span a store
	// call: load on miss, disconnect, expire, credential set and redeem.
	// A stripe lock is always acquired before mu, never while holding it.
	stripes [sessionStripes]sync.Mutex
}

// NewManager creates a Manager over the given durable store.
func NewManager(store Store, cfg ManagerConfig) *Manager {
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Manager{
		store:        store,
		storeTimeout: cfg.StoreTimeout,
		clock:        cfg.Clock,
		sessions:     make(map[string]*Session),
		active:       make(map[string]struct{}),
	}
}

// Create allocates a new active session for the given client descriptor.
// Creation is only ever triggered from the tracking middleware's lazy
// resolution path, which serializes it per underlying connection; the
// Manager itself does not dedupe. A durable-store failure is logged and
// swallowed: the in-memory record stays authoritative.
func (m *Manager) Create(ctx context.Context, client ClientDescriptor, user *UserContext) *Session {
	now := m.clock.Now().UTC()
	sess := &Session{
		ID:             uuid.NewString(),
		Client:         client,
		Status:         StatusActive,
		ConnectedAt:    now,
		LastActivityAt: now,
		User:           user,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.active[sess.ID] = struct{}{}
	m.mu.Unlock()

	if err := m.storeCall(ctx, func(sctx context.Context) error {
		return m.store.Create(sctx, sess.Clone())
	}); err != nil {
		slog.Warn("session: durable create failed", "session_id", sess.ID, "error", err)
	}

	slog.Debug("session: created", "session_id", sess.ID, "client", client.Name)
	return sess.Clone()
}

// Get retrieves a session by id. Falls back to the durable store for
// sessions created by a previous process. Returns a copy.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		out := sess.Clone()
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := sess.Clone()
	m.mu.Unlock()
	return out, nil
}

// Touch refreshes the session's last-activity timestamp. It is a telemetry
// path: unknown ids and durable-store failures are logged, never propagated.
// Rapid concurrent calls on the same session are last-write-wins.
func (m *Manager) Touch(ctx context.Context, id string) {
	now := m.clock.Now().UTC()

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		if now.After(sess.LastActivityAt) {
			sess.LastActivityAt = now
		}
	}
	m.mu.Unlock()

	if !ok {
		slog.Debug("session: touch on unknown id", "session_id", id)
		return
	}

	if err := m.storeCall(ctx, func(sctx context.Context) error {
		return m.store.Touch(sctx, id, now)
	}); err != nil {
		slog.Warn("session: durable touch failed", "session_id", id, "error", err)
	}
}

// Disconnect transitions the session out of the active state and removes it
// from the active index. Idempotent: disconnecting an already-disconnected
// session is a no-op. Returns ErrNotFound for unknown ids.
func (m *Manager) Disconnect(ctx context.Context, id string, reason DisconnectReason) error {
	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return err
	}

	now := m.clock.Now().UTC()
	m.mu.Lock()
	if sess.Status != StatusActive {
		m.mu.Unlock()
		return nil
	}
	sess.Status = StatusDisconnected
	sess.DisconnectedAt = &now
	sess.DisconnectReason = reason
	delete(m.active, id)
	snapshot := sess.Clone()
	m.mu.Unlock()

	if err := m.storeCall(ctx, func(sctx context.Context) error {
		return m.store.Update(sctx, snapshot)
	}); err != nil {
		slog.Warn("session: durable disconnect failed", "session_id", id, "error", err)
	}

	slog.Debug("session: disconnected", "session_id", id, "reason", string(reason))
	return nil
}

// DisconnectIfIdle disconnects the session with reason timeout if its idle
// duration exceeds the given timeout. The idle check reads the current
// LastActivityAt under the lock at decision time, so a Touch that lands
// during a sweep is never undone. Returns true if the session was
// disconnected by this call.
func (m *Manager) DisconnectIfIdle(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	now := m.clock.Now().UTC()
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false, ErrNotFound
	}
	if sess.Status != StatusActive || sess.IdleSince(now) < timeout {
		m.mu.Unlock()
		return false, nil
	}
	sess.Status = StatusDisconnected
	sess.DisconnectedAt = &now
	sess.DisconnectReason = ReasonTimeout
	delete(m.active, id)
	snapshot := sess.Clone()
	m.mu.Unlock()

	if err := m.storeCall(ctx, func(sctx context.Context) error {
		return m.store.Update(sctx, snapshot)
	}); err != nil {
		slog.Warn("session: durable disconnect failed", "session_id", id, "error", err)
	}
	return true, nil
}

// Expire transitions a disconnected session to expired and evicts it from
// the in-memory index. The durable record is updated best-effort.
func (m *Manager) Expire(ctx context.Context, id string) error {
	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if sess.Status != StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	sess.Status = StatusExpired
	snapshot := sess.Clone()
	delete(m.sessions, id)
	m.mu.Unlock()

	if err := m.storeCall(ctx, func(sctx context.Context) error {
		return m.store.Update(sctx, snapshot)
	}); err != nil {
		slog.Warn("session: durable expire failed", "session_id", id, "error", err)
	}
	return nil
}

// ActiveSessions returns copies of all sessions currently in the active
// index.
func (m *Manager) ActiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.active))
	for id := range m.active {
		out = append(out, m.sessions[id].Clone())
	}
	return out
}

// ListByStatus returns sessions with the given status, merging the in-memory
// index with the durable store. In-memory records win on conflict.
func (m *Manager) ListByStatus(ctx context.Context, status Status) ([]*Session, error) {
	m.mu.Lock()
	seen := make(map[string]struct{})
	var out []*Session
	for _, sess := range m.sessions {
		if sess.Status == status {
			out = append(out, sess.Clone())
			seen[sess.ID] = struct{}{}
		}
	}
	m.mu.Unlock()

	var stored []*Session
	err := m.storeCall(ctx, func(sctx context.Context) error {
		var serr error
		stored, serr = m.store.ListByStatus(sctx, status)
		return serr
	})
	if err != nil {
		// Observer query: the in-memory view is still useful.
		slog.Warn("session: durable list failed", "status", string(status), "error", err)
		return out, nil
	}
	for _, sess := range stored {
		if _, ok := seen[sess.ID]; !ok {
			out = append(out, sess)
		}
	}
	return out, nil
}

// IdleBuckets buckets active sessions by idle duration. Sessions idle past
// agingAfter are aging; past timeout, stale. The disconnected count comes
// from ListByStatus.
func (m *Manager) IdleBuckets(ctx context.Context, agingAfter, timeout time.Duration) BucketCounts {
	now := m.clock.Now().UTC()
	var counts BucketCounts

	m.mu.Lock()
	for id := range m.active {
		idle := m.sessions[id].IdleSince(now)
		switch {
		case idle >= timeout:
			counts.Stale++
		case idle >= agingAfter:
			counts.Aging++
		default:
			counts.Fresh++
		}
	}
	m.mu.Unlock()

	disconnected, err := m.ListByStatus(ctx, StatusDisconnected)
	if err == nil {
		counts.Disconnected = len(disconnected)
	}
	return counts
}

// SetCredential stores a credential hash and expiry on the session. Unlike
// the telemetry paths, a durable-store failure propagates: a credential that
// cannot be persisted must not be handed out.
func (m *Manager) SetCredential(ctx context.Context, id, hash string, expiresAt time.Time) error {
	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if sess.Status == StatusExpired {
		m.mu.Unlock()
		return ErrNotFound
	}
	prevHash, prevExpiry := sess.ReconnectTokenHash, sess.ReconnectExpiresAt
	sess.ReconnectTokenHash = hash
	sess.ReconnectExpiresAt = &expiresAt
	snapshot := sess.Clone()
	m.mu.Unlock()

	if err := m.storeCall(ctx, func(sctx context.Context) error {
		return m.store.Update(sctx, snapshot)
	}); err != nil {
		m.mu.Lock()
		sess.ReconnectTokenHash = prevHash
		sess.ReconnectExpiresAt = prevExpiry
		m.mu.Unlock()
		return fmt.Errorf("persisting credential: %w", err)
	}
	return nil
}

// RedeemCredential atomically redeems the session's outstanding credential.
// verify inspects the session (status, expiry, hash match) and returns the
// failure to surface, or nil to proceed. The session's stripe lock is held
// for the whole redemption, so concurrent redeems of the same session
// serialize against this session only; verify (which may do slow hash
// comparison) never runs under the map lock. On success the credential is
// consumed, the session reactivated, and the result persisted; a durable
// persistence failure rolls the session back and propagates, so a
// reconnection is never reported successful without being recorded.
func (m *Manager) RedeemCredential(ctx context.Context, id string, verify func(*Session) error) (*Session, error) {
	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	// The stripe lock serializes every status and credential transition
	// for this id, so the snapshot cannot go stale while verify runs.
	m.mu.Lock()
	snap := sess.Clone()
	m.mu.Unlock()
	if err := verify(snap); err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	m.mu.Lock()
	prev := sess.Clone()
	sess.Status = StatusActive
	sess.DisconnectedAt = nil
	sess.DisconnectReason = ""
	sess.LastActivityAt = now
	sess.ReconnectCount++
	sess.ReconnectTokenHash = ""
	sess.ReconnectExpiresAt = nil
	snapshot := sess.Clone()
	m.mu.Unlock()

	if err := m.storeCall(ctx, func(sctx context.Context) error {
		return m.store.Update(sctx, snapshot)
	}); err != nil {
		m.mu.Lock()
		*sess = *prev
		m.mu.Unlock()
		return nil, fmt.Errorf("persisting reconnection: %w", err)
	}
	m.mu.Lock()
	m.active[id] = struct{}{}
	m.mu.Unlock()
	return snapshot, nil
}

// sessionLock returns the stripe lock for id.
func (m *Manager) sessionLock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.stripes[h.Sum32()%sessionStripes]
}

// load returns the in-memory session for id, loading and caching it from
// the durable store on miss. The caller must hold the session's stripe
// lock; the store read happens outside the map lock.
func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	var stored *Session
	err := m.storeCall(ctx, func(sctx context.Context) error {
		var serr error
		stored, serr = m.store.Get(sctx, id)
		return serr
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = stored
	if stored.Status == StatusActive {
		m.active[id] = struct{}{}
	}
	m.mu.Unlock()
	return stored, nil
}

// storeCall runs fn against the durable store with a bounded timeout. The
// parent's cancellation is detached so telemetry writes finish even when the
// originating call was cancelled.
func (m *Manager) storeCall(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.storeTimeout)
	defer cancel()
	return fn(sctx)
}

// Close closes the underlying durable store.
func (m *Manager) Close() error {
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("closing session store: %w", err)
	}
	return nil
}
