package shm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegionAtomics(t *testing.T) {
	r, err := NewRegion(16)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, int32(0), r.Load(0))
	r.Store(0, 7)
	require.Equal(t, int32(7), r.Load(0))
	require.True(t, r.CAS(0, 7, 9))
	require.False(t, r.CAS(0, 7, 11))
	require.Equal(t, int32(9), r.Load(0))
	require.Equal(t, int32(12), r.Add(0, 3))
}

func TestRegionSizeRoundsUpToAlignment(t *testing.T) {
	r, err := NewRegion(5)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 8, r.Len())
}

func TestWaitBlockingReturnsImmediatelyOnMismatch(t *testing.T) {
	r, err := NewRegion(4)
	require.NoError(t, err)
	defer r.Close()

	r.Store(0, 5)
	err = r.WaitBlocking(0, 0, 50*time.Millisecond)
	require.NoError(t, err)
}

func TestWaitBlockingTimesOut(t *testing.T) {
	r, err := NewRegion(4)
	require.NoError(t, err)
	defer r.Close()

	err = r.WaitBlocking(0, 0, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestNotifyWakesBlockingWaiter(t *testing.T) {
	r, err := NewRegion(4)
	require.NoError(t, err)
	defer r.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	woke := make(chan error, 1)
	go func() {
		defer wg.Done()
		woke <- r.WaitBlocking(0, 0, 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond) // let the waiter park
	r.Store(0, 1)
	r.Notify(0, NotifyAll)
	wg.Wait()
	require.NoError(t, <-woke)
}

func TestWaitAsyncRespectsContextCancel(t *testing.T) {
	r, err := NewRegion(4)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := r.WaitAsync(ctx, 0, 0, 2*time.Second)
	cancel()
	err = <-ch
	require.ErrorIs(t, err, context.Canceled)
}
