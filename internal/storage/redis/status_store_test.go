package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

func setupStore(t *testing.T) (*StatusStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := NewClient(Config{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStatusStore(client, "", time.Hour), mr
}

func TestStatusStore_UpsertAndGet(t *testing.T) {
	t.Parallel()

	store, mr := setupStore(t)
	ctx := context.Background()

	job := pagetest.Job{ID: "abc", URL: "https://example.com", SubmittedAt: time.Unix(100, 0).UTC()}
	_, err := store.Upsert(ctx, job.ID, pagetest.Patch{Job: &job})
	require.NoError(t, err)
	require.True(t, mr.Exists("pagetest:job:abc"))
	require.Equal(t, time.Hour, mr.TTL("pagetest:job:abc"))

	lcp := int64(900)
	rec, err := store.Upsert(ctx, job.ID, pagetest.Patch{Summary: &pagetest.Summary{LCPMs: &lcp}})
	require.NoError(t, err)
	require.Equal(t, pagetest.StatusComplete, rec.Job.Status)

	got, ok, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://example.com", got.Job.URL)
	require.Equal(t, int64(900), *got.Summary.LCPMs)
	require.Equal(t, pagetest.StatusPending, got.LighthouseStatus)
}

func TestStatusStore_MissingRecord(t *testing.T) {
	t.Parallel()

	store, _ := setupStore(t)
	_, ok, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStatusStore_TTLEvictsStaleRecords(t *testing.T) {
	t.Parallel()

	store, mr := setupStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "old", pagetest.Patch{Attempts: pagetest.IntPtr(1)})
	require.NoError(t, err)
	mr.FastForward(50 * time.Minute)
	_, err = store.Upsert(ctx, "fresh", pagetest.Patch{Attempts: pagetest.IntPtr(1)})
	require.NoError(t, err)
	mr.FastForward(11 * time.Minute)

	removed, err := store.Sweep(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, removed)

	_, ok, err := store.Get(ctx, "old")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = store.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStatusStore_InvariantViolationLeavesRecord(t *testing.T) {
	t.Parallel()

	store, _ := setupStore(t)
	ctx := context.Background()
	_, err := store.Upsert(ctx, "abc", pagetest.Patch{Attempts: pagetest.IntPtr(3)})
	require.NoError(t, err)

	_, err = store.Upsert(ctx, "abc", pagetest.Patch{Status: pagetest.StatusPtr(pagetest.StatusComplete)})
	require.True(t, errors.Is(err, pagetest.ErrInvariant))

	got, _, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, pagetest.StatusPending, got.Job.Status)
	require.Equal(t, 3, got.Attempts)
}

func TestStatusStore_ConcurrentWritersMerge(t *testing.T) {
	t.Parallel()

	store, _ := setupStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := store.Upsert(ctx, "abc", pagetest.Patch{SitemapResults: []byte(`{"urls":2}`)})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := store.Upsert(ctx, "abc", pagetest.Patch{Insights: []byte(`"ok"`)})
		assert.NoError(t, err)
	}()
	wg.Wait()

	got, ok, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"urls":2}`, string(got.SitemapResults))
	require.JSONEq(t, `"ok"`, string(got.Insights))
}

func TestStatusStore_Ping(t *testing.T) {
	t.Parallel()

	store, mr := setupStore(t)
	require.NoError(t, store.Ping(context.Background()))
	mr.Close()
	require.Error(t, store.Ping(context.Background()))
}
