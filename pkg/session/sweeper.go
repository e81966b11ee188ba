package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultIdleTimeout   = 10 * time.Minute

	// defaultAgingFraction places the fresh/aging boundary at half the
	// idle timeout.
	defaultAgingFraction = 0.5
)

// SweeperConfig configures the lifecycle sweeper.
type SweeperConfig struct {
	// Interval is how often the sweep runs. Defaults to 30s.
	Interval time.Duration

	// IdleTimeout is the idle duration after which an active session is
	// disconnected. Defaults to 10m.
	IdleTimeout time.Duration

	// AgingFraction positions the fresh/aging boundary as a fraction of
	// IdleTimeout. Defaults to 0.5.
	AgingFraction float64

	// ExpireAfter, when non-zero, transitions sessions disconnected for
	// longer than this to expired.
	ExpireAfter time.Duration

	// Clock supplies time. Defaults to the real clock.
	Clock clock.Clock
}

// Sweeper periodically reclassifies active sessions by idle time and
// disconnects long-idle sessions with reason timeout.
type Sweeper struct {
	manager *Manager
	cfg     SweeperConfig
	clock   clock.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over the given manager.
func NewSweeper(manager *Manager, cfg SweeperConfig) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.AgingFraction <= 0 || cfg.AgingFraction >= 1 {
		cfg.AgingFraction = defaultAgingFraction
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Sweeper{
		manager: manager,
		cfg:     cfg,
		clock:   cfg.Clock,
	}
}

// AgingAfter returns the idle duration at which a session leaves the fresh
// bucket.
func (s *Sweeper) AgingAfter() time.Duration {
	return time.Duration(float64(s.cfg.IdleTimeout) * s.cfg.AgingFraction)
}

// Start launches the background sweep goroutine. The goroutine is stopped
// when Close is called.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := s.clock.Ticker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one pass. The bucketing uses a snapshot of the active set, but
// each disconnect decision re-reads the session's LastActivityAt under the
// manager lock, so a Touch during the scan is never undone. A failure on one
// session never aborts the sweep of the others.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock.Now().UTC()
	agingAfter := s.AgingAfter()

	var fresh, aging, stale, disconnected int
	for _, sess := range s.manager.ActiveSessions() {
		idle := sess.IdleSince(now)
		switch {
		case idle >= s.cfg.IdleTimeout:
			stale++
			did, err := s.manager.DisconnectIfIdle(ctx, sess.ID, s.cfg.IdleTimeout)
			if err != nil {
				slog.Warn("sweeper: disconnect failed", "session_id", sess.ID, "error", err)
				continue
			}
			if did {
				disconnected++
			}
		case idle >= agingAfter:
			aging++
		default:
			fresh++
		}
	}

	if s.cfg.ExpireAfter > 0 {
		s.expire(ctx, now)
	}

	if stale > 0 {
		slog.Info("sweeper: pass complete",
			"fresh", fresh, "aging", aging, "stale", stale, "disconnected", disconnected)
	}
}

// expire transitions long-disconnected sessions to expired.
func (s *Sweeper) expire(ctx context.Context, now time.Time) {
	sessions, err := s.manager.ListByStatus(ctx, StatusDisconnected)
	if err != nil {
		slog.Warn("sweeper: listing disconnected sessions failed", "error", err)
		return
	}
	for _, sess := range sessions {
		if sess.DisconnectedAt == nil || now.Sub(*sess.DisconnectedAt) < s.cfg.ExpireAfter {
			continue
		}
		if err := s.manager.Expire(ctx, sess.ID); err != nil {
			slog.Warn("sweeper: expire failed", "session_id", sess.ID, "error", err)
		}
	}
}

// Close stops the sweep goroutine and waits for it to exit. Safe to call
// even if Start was never called.
func (s *Sweeper) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}
