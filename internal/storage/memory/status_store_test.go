package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestStatusStoreLifecycle(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Unix(1000, 0)}
	store := NewStatusStore(time.Hour, clock.Now)
	ctx := context.Background()

	job := pagetest.Job{ID: "job-1", URL: "https://example.com", SubmittedAt: clock.Now()}
	rec, err := store.Upsert(ctx, job.ID, pagetest.Patch{Job: &job})
	require.NoError(t, err)
	require.Equal(t, pagetest.StatusPending, rec.Job.Status)
	require.Equal(t, pagetest.StatusPending, rec.LighthouseStatus)

	ttfb := int64(80)
	_, err = store.Upsert(ctx, job.ID, pagetest.Patch{Summary: &pagetest.Summary{TTFBMs: &ttfb}, Attempts: pagetest.IntPtr(2)})
	require.NoError(t, err)

	got, ok, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pagetest.StatusComplete, got.Job.Status)
	require.Equal(t, 2, got.Attempts)

	_, err = store.Upsert(ctx, job.ID, pagetest.Patch{Status: pagetest.StatusPtr(pagetest.StatusPending)})
	require.NoError(t, err)
	got, _, _ = store.Get(ctx, job.ID)
	require.Equal(t, pagetest.StatusComplete, got.Job.Status)

	_, ok, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStatusStoreRejectsInvariantViolation(t *testing.T) {
	t.Parallel()

	store := NewStatusStore(0, nil)
	_, err := store.Upsert(context.Background(), "job-1", pagetest.Patch{Status: pagetest.StatusPtr(pagetest.StatusComplete)})
	require.True(t, errors.Is(err, pagetest.ErrInvariant))
	require.Zero(t, store.Len())
}

func TestStatusStoreHookCreatesRecord(t *testing.T) {
	t.Parallel()

	store := NewStatusStore(time.Hour, nil)
	rec, err := store.Upsert(context.Background(), "job-7", pagetest.Patch{SitemapResults: []byte(`{"urls":1}`)})
	require.NoError(t, err)
	require.Equal(t, "job-7", rec.Job.ID)
	require.Equal(t, pagetest.StatusPending, rec.Job.Status)
}

func TestStatusStoreSweep(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Unix(0, 0)}
	store := NewStatusStore(time.Hour, clock.Now)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "old", pagetest.Patch{Attempts: pagetest.IntPtr(1)})
	require.NoError(t, err)
	clock.Set(time.Unix(0, 0).Add(50 * time.Minute))
	_, err = store.Upsert(ctx, "fresh", pagetest.Patch{Attempts: pagetest.IntPtr(1)})
	require.NoError(t, err)

	now := time.Unix(0, 0).Add(61 * time.Minute)
	removed, err := store.Sweep(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	removed, err = store.Sweep(ctx, now)
	require.NoError(t, err)
	require.Zero(t, removed)

	_, ok, _ := store.Get(ctx, "old")
	require.False(t, ok)
	_, ok, _ = store.Get(ctx, "fresh")
	require.True(t, ok)
}

func TestStatusStoreConcurrentReaders(t *testing.T) {
	t.Parallel()

	store := NewStatusStore(time.Hour, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, _ = store.Upsert(ctx, "job-1", pagetest.Patch{Attempts: pagetest.IntPtr(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, _, _ = store.Get(ctx, "job-1")
		}
	}()
	wg.Wait()
	got, ok, _ := store.Get(ctx, "job-1")
	require.True(t, ok)
	require.Equal(t, 99, got.Attempts)
}
