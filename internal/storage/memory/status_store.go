package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

// DefaultRetention is how long a record survives without updates.
const DefaultRetention = time.Hour

// StatusStore keeps job records in a map. Records are replaced on every upsert, never
// mutated in place.
type StatusStore struct {
	mu        sync.RWMutex
	records   map[string]pagetest.JobRecord
	retention time.Duration
	now       func() time.Time
}

// NewStatusStore constructs a StatusStore. A non-positive retention uses DefaultRetention.
func NewStatusStore(retention time.Duration, now func() time.Time) *StatusStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	return &StatusStore{
		records:   make(map[string]pagetest.JobRecord),
		retention: retention,
		now:       now,
	}
}

// Get returns the record for jobID.
func (s *StatusStore) Get(_ context.Context, jobID string) (pagetest.JobRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	return rec, ok, nil
}

// Upsert merges patch into the record for jobID, creating it when absent.
func (s *StatusStore) Upsert(_ context.Context, jobID string, patch pagetest.Patch) (pagetest.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	next, err := s.records[jobID].Apply(patch, now)
	if err != nil {
		return pagetest.JobRecord{}, fmt.Errorf("upsert %s: %w", jobID, err)
	}
	next = next.WithDefaults(jobID)
	s.records[jobID] = next
	return next, nil
}

// Sweep drops records whose last update is older than the retention window.
func (s *StatusStore) Sweep(_ context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if rec.LastUpdated.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records.
func (s *StatusStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
