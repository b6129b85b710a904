package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRecentJobs_RememberAndExpire(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := NewClient(Config{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRecentJobs(client, "", time.Hour)
	ctx := context.Background()

	_, ok, err := r.Lookup(ctx, "https://example.com")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, r.Remember(ctx, "https://example.com", "240101_AB_1"))
	require.Equal(t, time.Hour, mr.TTL("pagetest:url:https://example.com"))
	id, ok, err := r.Lookup(ctx, "https://example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "240101_AB_1", id)

	mr.FastForward(time.Hour + time.Second)
	_, ok, err = r.Lookup(ctx, "https://example.com")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecentJobs_ConnectionError(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := NewClient(Config{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRecentJobs(client, "p:", time.Minute)
	mr.Close()

	_, _, err := r.Lookup(context.Background(), "https://example.com")
	require.ErrorContains(t, err, "redis get")
	require.ErrorContains(t, r.Remember(context.Background(), "https://example.com", "x"), "redis set")
}
