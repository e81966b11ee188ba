package request

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// defaultWriteTimeout bounds each store write issued by the Recorder.
const defaultWriteTimeout = 5 * time.Second

// Sample carries the raw timing and outcome of one invocation into the
// Recorder. Start and Completed may carry fractional sub-millisecond
// precision; the Recorder owns the integer coercion.
type Sample struct {
	SessionID    string
	Operation    string
	Start        time.Time
	Completed    time.Time
	Status       Status
	ErrorMessage string
	Usage        *Usage
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// WriteTimeout bounds each store write. Defaults to 5s.
	WriteTimeout time.Duration

	// Clock supplies time. Defaults to the real clock.
	Clock clock.Clock
}

// Recorder is the single write path for request records. Recording is
// best-effort: a store failure is logged and swallowed, never surfaced to
// the invocation that produced the sample.
type Recorder struct {
	store        Store
	writeTimeout time.Duration
	clock        clock.Clock
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store Store, cfg RecorderConfig) *Recorder {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Recorder{
		store:        store,
		writeTimeout: cfg.WriteTimeout,
		clock:        cfg.Clock,
	}
}

// Record appends one record for the sample. It has no error return by
// design: telemetry must never alter the outcome of the invocation it
// describes. The write detaches from the caller's cancellation so a
// cancelled invocation is still recorded.
func (r *Recorder) Record(ctx context.Context, sample Sample) {
	completed := sample.Completed
	if completed.IsZero() {
		completed = r.clock.Now()
	}

	rec := &Record{
		RequestID:    uuid.NewString(),
		SessionID:    sample.SessionID,
		Operation:    sample.Operation,
		Timestamp:    sample.Start.UTC(),
		DurationMS:   clampDurationMS(completed.Sub(sample.Start)),
		Status:       sample.Status,
		Usage:        sample.Usage,
		ErrorMessage: sample.ErrorMessage,
	}
	if rec.SessionID == "" {
		rec.SessionID = SessionIDUnknown
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	if err := r.store.Append(wctx, rec); err != nil {
		slog.Warn("request: record write failed",
			"request_id", rec.RequestID,
			"session_id", rec.SessionID,
			"operation", rec.Operation,
			"error", err)
	}
}

// ListBySession returns the session's records ordered by timestamp.
func (r *Recorder) ListBySession(ctx context.Context, sessionID string) ([]*Record, error) {
	return r.store.ListBySession(ctx, sessionID)
}

// SessionStats aggregates records for one session.
func (r *Recorder) SessionStats(ctx context.Context, sessionID string) (Stats, error) {
	return r.store.SessionStats(ctx, sessionID)
}

// GlobalStats aggregates all records.
func (r *Recorder) GlobalStats(ctx context.Context) (Stats, error) {
	return r.store.GlobalStats(ctx)
}

// Stats aggregates records matching the filter.
func (r *Recorder) Stats(ctx context.Context, f Filter) (Stats, error) {
	return r.store.Stats(ctx, f)
}

// clampDurationMS truncates a duration to whole non-negative milliseconds.
// This is the one place durations become integers before persistence; the
// requests table enforces an integer column, and fractional values must
// never reach it.
func clampDurationMS(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
