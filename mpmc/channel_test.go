package mpmc

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestFIFOSingleProducerSingleConsumer mirrors spec.md §8 scenario 5:
// 1000 integers through a capacity-100 channel arrive in order.
func TestFIFOSingleProducerSingleConsumer(t *testing.T) {
	tx, rx, err := New(100)
	require.NoError(t, err)

	const n = 1000
	go func() {
		for i := 0; i < n; i++ {
			if err := tx.SendBlocking(i); err != nil {
				return
			}
		}
		tx.Dispose()
	}()

	for i := 0; i < n; i++ {
		v, err := rx.RecvBlocking()
		require.NoError(t, err)
		require.Equal(t, float64(i), v)
	}
	_, err = rx.RecvBlocking()
	require.ErrorIs(t, err, ErrClosed)
}

// TestTotalDelivery checks the P-producers property of spec.md §8: with
// multiple producers and consumers, every sent item is delivered exactly
// once. Per-producer order is not checked here: the items are spread
// across three consumers.
func TestTotalDelivery(t *testing.T) {
	tx, rx, err := New(16)
	require.NoError(t, err)

	const producers = 4
	const perProducer = 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		sender := tx
		if p > 0 {
			sender, err = tx.Clone()
			require.NoError(t, err)
		}
		wg.Add(1)
		go func(p int, s *Sender) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				require.NoError(t, s.SendBlocking(map[string]any{
					"producer": p,
					"seq":      i,
				}))
			}
			s.Dispose()
		}(p, sender)
	}

	var mu sync.Mutex
	seen := make(map[[2]int]bool)
	total := 0

	var consumers sync.WaitGroup
	for c := 0; c < 3; c++ {
		recv := rx
		if c > 0 {
			recv, err = rx.Clone()
			require.NoError(t, err)
		}
		consumers.Add(1)
		go func(r *Receiver) {
			defer consumers.Done()
			defer r.Dispose()
			require.NoError(t, r.Range(func(v any) bool {
				item := v.(map[string]any)
				key := [2]int{int(item["producer"].(float64)), int(item["seq"].(float64))}
				mu.Lock()
				require.False(t, seen[key], "item delivered twice")
				seen[key] = true
				total++
				mu.Unlock()
				return true
			}))
		}(recv)
	}

	wg.Wait()
	consumers.Wait()
	// Every one of the P·K sent items arrived exactly once.
	require.Equal(t, producers*perProducer, total)
	require.Len(t, seen, producers*perProducer)
}

// TestAutoCloseOnLastSender mirrors spec.md §8 scenario 6: the receiver
// drains 100 and 200, then sees ErrClosed once every sender is gone.
func TestAutoCloseOnLastSender(t *testing.T) {
	tx, rx, err := New(10)
	require.NoError(t, err)

	worker, err := tx.Clone()
	require.NoError(t, err)
	require.NoError(t, tx.SendBlocking(100))
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, worker.SendBlocking(200))
		worker.Dispose()
	}()

	v, err := rx.RecvBlocking()
	require.NoError(t, err)
	require.Equal(t, float64(100), v)

	<-done
	tx.Dispose()

	v, err = rx.RecvBlocking()
	require.NoError(t, err)
	require.Equal(t, float64(200), v)

	_, err = rx.RecvBlocking()
	require.ErrorIs(t, err, ErrClosed)
}

// TestSendAfterAllReceiversDropped checks the ChannelClosedNoReceivers
// variant.
func TestSendAfterAllReceiversDropped(t *testing.T) {
	tx, rx, err := New(4)
	require.NoError(t, err)
	rx.Dispose()

	err = tx.SendBlocking(1)
	require.ErrorIs(t, err, ErrNoReceivers)
	require.ErrorIs(t, err, ErrClosed)
}

// TestCloseWakesAll parks senders on a full ring and receivers on an
// empty one, then closes; every parked goroutine must return ErrClosed
// promptly.
func TestCloseWakesAll(t *testing.T) {
	tx, rx, err := New(2)
	require.NoError(t, err)
	defer rx.Dispose()

	require.NoError(t, tx.SendBlocking(1))
	require.NoError(t, tx.SendBlocking(2))

	var woken int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		s, err := tx.Clone()
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.SendBlocking(99); err != nil {
				atomic.AddInt32(&woken, 1)
			}
		}()
	}
	emptyTx, emptyRx, err := New(2)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		r, err := emptyRx.Clone()
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RecvBlocking(); err != nil {
				atomic.AddInt32(&woken, 1)
			}
		}()
	}

	time.Sleep(100 * time.Millisecond) // let everyone park
	tx.Channel().Close()
	emptyTx.Channel().Close()

	doneCh := make(chan struct{})
	go func() { wg.Wait(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not wake all parked goroutines")
	}
	require.Equal(t, int32(6), atomic.LoadInt32(&woken))
}

func TestDisposedHandleErrors(t *testing.T) {
	tx, rx, err := New(4)
	require.NoError(t, err)

	tx.Dispose()
	require.ErrorIs(t, tx.SendBlocking(1), ErrDisposed)
	_, err = tx.Clone()
	require.ErrorIs(t, err, ErrDisposed)
	tx.Dispose() // idempotent

	// Moving marks the source disposed without closing the channel.
	ch := rx.DetachForMove()
	_, err = rx.RecvBlocking()
	require.ErrorIs(t, err, ErrDisposed)
	moved := ReceiverFrom(ch)
	_, err = moved.RecvBlocking()
	require.ErrorIs(t, err, ErrClosed) // closed by the sender side above
}

// TestStructuredPayloadRoundTrip sends a nested value through the SJB
// ring and checks the receiver gets a detached structural copy.
func TestStructuredPayloadRoundTrip(t *testing.T) {
	tx, rx, err := New(4)
	require.NoError(t, err)

	sent := map[string]any{
		"id":   float64(7),
		"tags": []any{"a", "b"},
		"meta": map[string]any{"ok": true, "note": nil},
	}
	require.NoError(t, tx.SendBlocking(sent))
	got, err := rx.RecvBlocking()
	require.NoError(t, err)
	require.Equal(t, sent, got)
}

// TestRingWrapsAndReusesSlots pushes several times the capacity through a
// tiny ring so head and tail wrap repeatedly and slot payloads churn the
// arena through compactions.
func TestRingWrapsAndReusesSlots(t *testing.T) {
	tx, rx, err := New(2)
	require.NoError(t, err)

	const n = 500
	go func() {
		for i := 0; i < n; i++ {
			if err := tx.SendBlocking(map[string]any{"i": i, "pad": "xxxxxxxxxxxxxxxxxxxxxxxx"}); err != nil {
				return
			}
		}
		tx.Dispose()
	}()

	seen := 0
	require.NoError(t, rx.Range(func(v any) bool {
		item := v.(map[string]any)
		require.Equal(t, float64(seen), item["i"])
		seen++
		return true
	}))
	require.Equal(t, n, seen)
}
