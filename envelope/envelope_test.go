package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alephrt/shmrt/mpmc"
	"github.com/alephrt/shmrt/primitives"
	"github.com/alephrt/shmrt/sjb"
)

// TestMutexSharesStateAcrossUnwrap checks the core §4.9 contract: the
// reconstructed instance is bound to the same region, so a lock taken
// through one handle excludes the other.
func TestMutexSharesStateAcrossUnwrap(t *testing.T) {
	mu, err := primitives.NewMutex()
	require.NoError(t, err)

	env, err := Wrap(mu)
	require.NoError(t, err)
	require.Equal(t, LIB, env.Kind)
	require.Equal(t, TypeMutex, env.TypeID)
	require.Len(t, env.Transfers(), 1)

	out, err := Unwrap(env)
	require.NoError(t, err)
	remote := out.(*primitives.Mutex)

	g, ok := mu.TryLock()
	require.True(t, ok)
	_, ok = remote.TryLock()
	require.False(t, ok)
	require.NoError(t, g.Release())
	g2, ok := remote.TryLock()
	require.True(t, ok)
	require.NoError(t, g2.Release())
}

func TestSemaphorePermitsSurviveTheWire(t *testing.T) {
	sem, err := primitives.NewSemaphore(3)
	require.NoError(t, err)
	g := sem.AcquireBlocking(2)

	env, err := Wrap(sem)
	require.NoError(t, err)
	out, err := Unwrap(env)
	require.NoError(t, err)
	remote := out.(*primitives.Semaphore)

	_, ok := remote.TryAcquire(2)
	require.False(t, ok)
	g1, ok := remote.TryAcquire(1)
	require.True(t, ok)
	require.NoError(t, g1.Release())
	require.NoError(t, g.Release())
}

func TestArenaRebindSeesSameHeap(t *testing.T) {
	a, err := sjb.NewFromJSON(2048, `{"who":"origin"}`)
	require.NoError(t, err)

	env, err := Wrap(a)
	require.NoError(t, err)
	out, err := Unwrap(env)
	require.NoError(t, err)
	remote := out.(*sjb.Arena)

	v, err := remote.Root().Get("who")
	require.NoError(t, err)
	require.Equal(t, "origin", v)

	require.NoError(t, remote.Root().Set("who", "remote"))
	v, err = a.Root().Get("who")
	require.NoError(t, err)
	require.Equal(t, "remote", v)
}

// TestSenderMoveTransfersOwnership: wrapping a Sender disposes the local
// handle without decrementing tx_count; the unwrapped handle carries the
// reference on.
func TestSenderMoveTransfersOwnership(t *testing.T) {
	tx, rx, err := mpmc.New(4)
	require.NoError(t, err)

	env, err := Wrap(tx)
	require.NoError(t, err)
	require.Equal(t, TypeSender, env.TypeID)
	require.Len(t, env.Transfers(), 2)
	require.ErrorIs(t, tx.SendBlocking(1), mpmc.ErrDisposed)

	out, err := Unwrap(env)
	require.NoError(t, err)
	moved := out.(*mpmc.Sender)
	require.NoError(t, moved.SendBlocking(42))

	v, err := rx.RecvBlocking()
	require.NoError(t, err)
	require.Equal(t, float64(42), v)

	// The moved handle holds the only sender reference: disposing it
	// closes the channel.
	moved.Dispose()
	_, err = rx.RecvBlocking()
	require.ErrorIs(t, err, mpmc.ErrClosed)
}

func TestRawPassthrough(t *testing.T) {
	env, err := Wrap(map[string]any{"plain": true})
	require.NoError(t, err)
	require.Equal(t, RAW, env.Kind)
	out, err := Unwrap(env)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"plain": true}, out)
}

func TestUnknownTypeIDIsHardError(t *testing.T) {
	_, err := Unwrap(&Envelope{Kind: LIB, TypeID: TypeID(99)})
	require.ErrorIs(t, err, ErrUnknownTypeID)
}

func TestTypeIDNumbering(t *testing.T) {
	require.Equal(t, TypeID(0), TypeMutex)
	require.Equal(t, TypeID(1), TypeCondvar)
	require.Equal(t, TypeID(2), TypeRwLock)
	require.Equal(t, TypeID(3), TypeSemaphore)
	require.Equal(t, TypeID(4), TypeChannelInternals)
	require.Equal(t, TypeID(5), TypeSender)
	require.Equal(t, TypeID(6), TypeReceiver)
	require.Equal(t, TypeID(7), TypeSharedJSONBuffer)
	require.Equal(t, TypeID(8), TypeBarrier)
}
