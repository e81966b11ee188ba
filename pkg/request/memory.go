package request

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store using an in-memory slice. It backs
// single-node deployments without a database and the test suites.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates a new in-memory request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append writes one record.
func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	clone := *rec
	if rec.Usage != nil {
		u := *rec.Usage
		clone.Usage = &u
	}

	s.mu.Lock()
	s.records = append(s.records, &clone)
	s.mu.Unlock()
	return nil
}

// ListBySession returns the session's records ordered by timestamp.
// Insertion order is not meaningful under concurrent appends.
func (s *MemoryStore) ListBySession(_ context.Context, sessionID string) ([]*Record, error) {
	s.mu.RLock()
	var out []*Record
	for _, rec := range s.records {
		if rec.SessionID == sessionID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// SessionStats aggregates records for one session.
func (s *MemoryStore) SessionStats(ctx context.Context, sessionID string) (Stats, error) {
	return s.Stats(ctx, Filter{SessionID: sessionID})
}

// GlobalStats aggregates all records.
func (s *MemoryStore) GlobalStats(ctx context.Context) (Stats, error) {
	return s.Stats(ctx, Filter{})
}

// Stats aggregates records matching the filter.
func (s *MemoryStore) Stats(_ context.Context, f Filter) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	for _, rec := range s.records {
		if !matchFilter(rec, f) {
			continue
		}
		accumulate(&stats, rec)
	}
	return stats, nil
}

func matchFilter(rec *Record, f Filter) bool {
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.Timestamp.Before(f.To) {
		return false
	}
	return true
}

func accumulate(stats *Stats, rec *Record) {
	stats.Count++
	stats.TotalDurationMS += rec.DurationMS
	if rec.Usage != nil {
		stats.TotalInputTokens += rec.Usage.InputTokens
		stats.TotalOutputTokens += rec.Usage.OutputTokens
	}
}

// Close releases resources.
func (*MemoryStore) Close() error {
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
