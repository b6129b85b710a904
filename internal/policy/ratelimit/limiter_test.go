package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeNow struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestLimiter_SlidingWindowBudget(t *testing.T) {
	t.Parallel()

	clock := &fakeNow{now: time.Unix(1000, 0)}
	l := New(Config{Window: time.Minute, Budget: 2, Now: clock.Now})

	_, ok := l.admit(clock.Now())
	require.True(t, ok)
	clock.Advance(10 * time.Second)
	_, ok = l.admit(clock.Now())
	require.True(t, ok)

	delay, ok := l.admit(clock.Now())
	require.False(t, ok)
	require.Equal(t, 50*time.Second, delay)

	clock.Advance(51 * time.Second)
	_, ok = l.admit(clock.Now())
	require.True(t, ok)
}

func TestLimiter_TripBlocksEveryCaller(t *testing.T) {
	t.Parallel()

	clock := &fakeNow{now: time.Unix(1000, 0)}
	l := New(Config{Budget: 10, Cooldown: 30 * time.Second, Now: clock.Now})

	until := l.Trip("html response")
	require.Equal(t, clock.Now().Add(30*time.Second), until)
	require.True(t, l.Blocked())

	delay, ok := l.admit(clock.Now())
	require.False(t, ok)
	require.Equal(t, 30*time.Second, delay)

	clock.Advance(31 * time.Second)
	require.False(t, l.Blocked())
	_, ok = l.admit(clock.Now())
	require.True(t, ok)
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	clock := &fakeNow{now: time.Unix(1000, 0)}
	l := New(Config{Budget: 1, Cooldown: time.Hour, Now: clock.Now})
	l.Trip("test")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_ConcurrentAdmitsNeverExceedBudget(t *testing.T) {
	t.Parallel()

	clock := &fakeNow{now: time.Unix(1000, 0)}
	l := New(Config{Window: time.Minute, Budget: 5, Now: clock.Now})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := l.admit(clock.Now()); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 5, admitted)
}
