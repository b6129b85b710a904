package memory

import (
	"context"
	"sync"
	"time"
)

type recentEntry struct {
	jobID string
	at    time.Time
}

// RecentJobs remembers the last job per URL until the window passes.
type RecentJobs struct {
	mu      sync.Mutex
	entries map[string]recentEntry
	window  time.Duration
	now     func() time.Time
}

// NewRecentJobs constructs a RecentJobs. A non-positive window uses DefaultRetention.
func NewRecentJobs(window time.Duration, now func() time.Time) *RecentJobs {
	if window <= 0 {
		window = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	return &RecentJobs{entries: make(map[string]recentEntry), window: window, now: now}
}

// Lookup returns the job that tested url inside the window. Expired entries are dropped.
func (r *RecentJobs) Lookup(_ context.Context, url string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[url]
	if !ok {
		return "", false, nil
	}
	if r.now().Sub(e.at) > r.window {
		delete(r.entries, url)
		return "", false, nil
	}
	return e.jobID, true, nil
}

// Remember records jobID as the latest test of url.
func (r *RecentJobs) Remember(_ context.Context, url, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[url] = recentEntry{jobID: jobID, at: r.now()}
	return nil
}
