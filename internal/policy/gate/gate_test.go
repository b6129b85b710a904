package gate

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGate_RejectsPastCapacity(t *testing.T) {
	t.Parallel()

	g := New(2)
	require.True(t, g.Acquire())
	require.True(t, g.Acquire())
	require.False(t, g.Acquire())
	require.Equal(t, 2, g.InFlight())

	g.Release()
	require.True(t, g.Acquire())
	g.Release()
	g.Release()
	require.Zero(t, g.InFlight())
}

func TestGate_DefaultCapacity(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultCapacity, New(0).Capacity())
}

func TestGate_ReleaseWithoutAcquirePanics(t *testing.T) {
	t.Parallel()

	g := New(1)
	require.Panics(t, g.Release)
	require.True(t, g.Acquire())
	g.Release()
}

func TestGate_ConcurrentAcquire(t *testing.T) {
	t.Parallel()

	g := New(3)
	var (
		wg  sync.WaitGroup
		got atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Acquire() {
				got.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(3), got.Load())
}
