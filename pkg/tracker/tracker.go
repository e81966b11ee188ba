// Package tracker wires the session store, request recorder, lifecycle
// sweeper, and reconnection credential service into one unit and exposes
// the read-only query surface observers consume.
package tracker

import (
	"context"
	"database/sql"
	"fmt"

	// PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/txn2/mcp-session-tracker/pkg/database/migrate"
	"github.com/txn2/mcp-session-tracker/pkg/middleware"
	"github.com/txn2/mcp-session-tracker/pkg/reconnect"
	"github.com/txn2/mcp-session-tracker/pkg/request"
	requestpg "github.com/txn2/mcp-session-tracker/pkg/request/postgres"
	"github.com/txn2/mcp-session-tracker/pkg/session"
	sessionpg "github.com/txn2/mcp-session-tracker/pkg/session/postgres"
	sessionredis "github.com/txn2/mcp-session-tracker/pkg/session/redis"
)

// Tracker is the assembled session and request tracking core.
type Tracker struct {
	cfg *Config

	manager   *session.Manager
	recorder  *request.Recorder
	sweeper   *session.Sweeper
	reconnect *reconnect.Service
	tracking  *middleware.Tracker

	db *sql.DB
}

// New builds a Tracker from config. With the database backend enabled it
// runs migrations and uses PostgreSQL for both sessions and request
// records; with Redis enabled, sessions live in Redis and request records
// in memory; with neither, everything is in memory.
func New(cfg *Config) (*Tracker, error) {
	t := &Tracker{cfg: cfg}

	sessionStore, requestStore, err := t.buildStores()
	if err != nil {
		return nil, err
	}

	t.manager = session.NewManager(sessionStore, session.ManagerConfig{
		StoreTimeout: cfg.Database.StoreTimeout,
	})
	t.recorder = request.NewRecorder(requestStore, request.RecorderConfig{
		WriteTimeout: cfg.Database.StoreTimeout,
	})
	t.sweeper = session.NewSweeper(t.manager, session.SweeperConfig{
		Interval:      cfg.Sweeper.Interval,
		IdleTimeout:   cfg.Sweeper.IdleTimeout,
		AgingFraction: cfg.Sweeper.AgingFraction,
		ExpireAfter:   cfg.Sweeper.ExpireAfter,
	})
	t.reconnect = reconnect.NewService(t.manager, reconnect.Config{
		DefaultTTL: cfg.Reconnect.DefaultTTL,
	})
	t.tracking = middleware.NewTracker(t.manager, t.recorder, middleware.TrackerConfig{})

	return t, nil
}

// buildStores selects and initializes the durable backends.
func (t *Tracker) buildStores() (session.Store, request.Store, error) {
	switch {
	case t.cfg.Database.Enabled:
		db, err := sql.Open("postgres", t.cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(t.cfg.Database.MaxOpenConns)
		if err := migrate.Run(db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrating database: %w", err)
		}
		t.db = db
		return sessionpg.New(db), requestpg.New(db), nil

	case t.cfg.Redis.Enabled:
		client := redis.NewClient(&redis.Options{
			Addr:     t.cfg.Redis.Addr,
			Password: t.cfg.Redis.Password,
			DB:       t.cfg.Redis.DB,
		})
		return sessionredis.New(client), request.NewMemoryStore(), nil

	default:
		return session.NewMemoryStore(), request.NewMemoryStore(), nil
	}
}

// Start launches the background sweeper.
func (t *Tracker) Start() {
	t.sweeper.Start()
}

// Manager exposes the session manager.
func (t *Tracker) Manager() *session.Manager {
	return t.manager
}

// Recorder exposes the request recorder.
func (t *Tracker) Recorder() *request.Recorder {
	return t.recorder
}

// Reconnect exposes the credential service.
func (t *Tracker) Reconnect() *reconnect.Service {
	return t.reconnect
}

// Tracking exposes the tracking middleware.
func (t *Tracker) Tracking() *middleware.Tracker {
	return t.tracking
}

// GetSession returns a session by id.
func (t *Tracker) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return t.manager.Get(ctx, id)
}

// ListSessions returns sessions filtered by status.
func (t *Tracker) ListSessions(ctx context.Context, status session.Status) ([]*session.Session, error) {
	return t.manager.ListByStatus(ctx, status)
}

// SessionStats aggregates request records for one session.
func (t *Tracker) SessionStats(ctx context.Context, sessionID string) (request.Stats, error) {
	return t.recorder.SessionStats(ctx, sessionID)
}

// GlobalStats aggregates all request records.
func (t *Tracker) GlobalStats(ctx context.Context) (request.Stats, error) {
	return t.recorder.GlobalStats(ctx)
}

// Stats aggregates request records matching the filter, optionally bounded
// to a session and a time window.
func (t *Tracker) Stats(ctx context.Context, f request.Filter) (request.Stats, error) {
	return t.recorder.Stats(ctx, f)
}

// IdleBuckets returns the current idle-bucket counts.
func (t *Tracker) IdleBuckets(ctx context.Context) session.BucketCounts {
	return t.manager.IdleBuckets(ctx, t.sweeper.AgingAfter(), t.cfg.Sweeper.IdleTimeout)
}

// Close stops the sweeper and releases the backends, in that order.
func (t *Tracker) Close() error {
	var firstErr error
	if err := t.sweeper.Close(); err != nil {
		firstErr = err
	}
	if err := t.manager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if t.db != nil {
		if err := t.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	return firstErr
}
