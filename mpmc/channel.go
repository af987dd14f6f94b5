// Package mpmc implements the bounded multi-producer/multi-consumer
// channel of spec.md §4.8: a ring buffer of Shared-JSON-Buffer slots
// coordinated by four semaphores, with split send/receive locks,
// reference-counted handles and close-wakes-all semantics.
package mpmc

import (
	"context"
	"errors"
	"fmt"

	"github.com/alephrt/shmrt/primitives"
	"github.com/alephrt/shmrt/shm"
	"github.com/alephrt/shmrt/sjb"
)

var (
	// ErrClosed is returned by send and recv once the channel is closed.
	ErrClosed = errors.New("mpmc: channel closed")
	// ErrNoReceivers is the ErrClosed variant for a send attempted after
	// every receiver handle was dropped.
	ErrNoReceivers = fmt.Errorf("mpmc: %w: no receivers", ErrClosed)
	// ErrDisposed is returned by operations on a handle that was disposed
	// or moved to another goroutine.
	ErrDisposed = errors.New("mpmc: handle disposed")
	// ErrSpuriousWakeup reports a recv that observed a null slot on an
	// open channel. It indicates a bug in the channel itself, never a
	// recoverable condition.
	ErrSpuriousWakeup = errors.New("mpmc: spurious wakeup on open channel")
)

// State header layout: six i32 cells in the order fixed by spec.md §6,
// followed by the four semaphore headers and the slot mutex. Only the
// first six cells are wire format; the rest is implementation layout
// within the same region.
const (
	offHead     = 0
	offTail     = 4
	offClosed   = 8
	offCapacity = 12
	offTxCount  = 16
	offRxCount  = 20

	offSendLock = 24
	offRecvLock = 32
	offSlots    = 40
	offItems    = 48
	offSlotMu   = 56

	stateSize = 64
)

// closeWakePermits is released into both counting semaphores on close —
// enough to wake every conceivable parked sender and receiver while
// leaving headroom below the int32 permit bound even with capacity and
// in-flight releases added on top (spec.md §9 open question 2; the
// figure matches the source).
const closeWakePermits = 1 << 30

// slotArenaSize sizes the ring's backing arena: room for the slot array
// itself plus a few generations of item payloads between compactions.
func slotArenaSize(capacity int32) int {
	return sjb.HeaderSize + int(capacity)*512 + 4096
}

// Channel is the shared internals behind Sender and Receiver handles.
// All authoritative state lives in two shm regions — the state header
// and the slot arena — so a Channel reconstructed from those regions on
// another goroutine is the same logical channel.
type Channel struct {
	state    *shm.Region
	arena    *sjb.Arena
	sendLock *primitives.Semaphore
	recvLock *primitives.Semaphore
	slots    *primitives.Semaphore
	items    *primitives.Semaphore
	// slotMu serializes arena access between the sender side and the
	// receiver side: a send may trigger a compaction while a recv is
	// reading its slot, and the split send/recv locks do not order those
	// two against each other.
	slotMu *primitives.Mutex
}

// New creates a channel with the given slot capacity and returns the
// initial Sender/Receiver pair; tx_count and rx_count start at 1.
func New(capacity int32) (*Sender, *Receiver, error) {
	if capacity <= 0 {
		return nil, nil, fmt.Errorf("mpmc: capacity must be positive, got %d", capacity)
	}
	state, err := shm.NewRegion(stateSize)
	if err != nil {
		return nil, nil, err
	}
	arena, err := sjb.NewArray(slotArenaSize(capacity), uint32(capacity))
	if err != nil {
		state.Close()
		return nil, nil, err
	}
	ch := bind(state, arena)
	state.Store(offCapacity, capacity)
	state.Store(offTxCount, 1)
	state.Store(offRxCount, 1)
	state.Store(offSendLock+0, 1) // send_lock permits
	state.Store(offRecvLock+0, 1) // recv_lock permits
	state.Store(offSlots+0, capacity)
	state.Store(offItems+0, 0)
	return &Sender{ch: ch}, &Receiver{ch: ch}, nil
}

// Bind reconstructs a Channel from its two backing regions, e.g. on the
// receiving side of an envelope. All handles bound to the same regions
// share the same logical channel.
func Bind(state, slots *shm.Region) *Channel {
	return bind(state, sjb.Bind(slots))
}

func bind(state *shm.Region, arena *sjb.Arena) *Channel {
	return &Channel{
		state:    state,
		arena:    arena,
		sendLock: primitives.NewSemaphoreIn(state, offSendLock),
		recvLock: primitives.NewSemaphoreIn(state, offRecvLock),
		slots:    primitives.NewSemaphoreIn(state, offSlots),
		items:    primitives.NewSemaphoreIn(state, offItems),
		slotMu:   primitives.NewMutexIn(state, offSlotMu),
	}
}

// StateRegion exposes the header region for envelope serialization.
func (c *Channel) StateRegion() *shm.Region { return c.state }

// SlotsRegion exposes the ring arena's region for envelope serialization.
func (c *Channel) SlotsRegion() *shm.Region { return c.arena.Region() }

// Capacity returns the fixed slot count.
func (c *Channel) Capacity() int32 { return c.state.Load(offCapacity) }

func (c *Channel) isClosed() bool { return c.state.Load(offClosed) != 0 }

// acquire abstracts over the blocking and async semaphore paths so send
// and recv each have one implementation.
type acquire func(*primitives.Semaphore) (*primitives.SemaphoreGuard, error)

func blockingAcquire(s *primitives.Semaphore) (*primitives.SemaphoreGuard, error) {
	return s.AcquireBlocking(1), nil
}

func asyncAcquire(ctx context.Context) acquire {
	return func(s *primitives.Semaphore) (*primitives.SemaphoreGuard, error) {
		return s.AcquireAsync(ctx, 1)
	}
}

// send runs the protocol of spec.md §4.8.2. The slot permit acquired in
// step 3 is consumed on success (its guard is abandoned, and a matching
// items permit is released); on the closed path it is returned.
func (c *Channel) send(acq acquire, v any) error {
	if c.state.Load(offRxCount) == 0 {
		return ErrNoReceivers
	}
	slotGuard, err := acq(c.slots)
	if err != nil {
		return err
	}
	if c.isClosed() {
		slotGuard.Release()
		return ErrClosed
	}
	lockGuard, err := acq(c.sendLock)
	if err != nil {
		slotGuard.Release()
		return err
	}
	if c.isClosed() {
		lockGuard.Release()
		slotGuard.Release()
		return ErrClosed
	}

	mg := c.slotMu.LockBlocking()
	tail := c.state.Load(offTail)
	werr := c.arena.Root().SetIndex(int(tail), v)
	if werr == nil {
		c.state.Store(offTail, (tail+1)%c.Capacity())
	}
	mg.Release()

	lockGuard.Release()
	if werr != nil {
		slotGuard.Release()
		return werr
	}
	c.items.Release(1)
	return nil
}

// recv runs the protocol of spec.md §4.8.3. A null slot means either a
// close-wake (the close released permits without writing items) or a
// genuine bug, distinguished by the closed flag.
func (c *Channel) recv(acq acquire) (any, error) {
	if _, err := acq(c.items); err != nil {
		return nil, err
	}
	lockGuard, err := acq(c.recvLock)
	if err != nil {
		return nil, err
	}

	mg := c.slotMu.LockBlocking()
	head := c.state.Load(offHead)
	root := c.arena.Root()
	v, rerr := root.Index(int(head))
	if rerr == nil && v == nil {
		mg.Release()
		lockGuard.Release()
		if c.isClosed() {
			return nil, ErrClosed
		}
		return nil, ErrSpuriousWakeup
	}
	if rerr == nil {
		if p, ok := v.(*sjb.Proxy); ok {
			// Materialize before the slot is cleared: the export is the
			// value handed to the caller, detached from the arena.
			exported := p.Export()
			p.Release()
			v = exported
		}
		rerr = root.SetIndex(int(head), nil)
	}
	if rerr == nil {
		c.state.Store(offHead, (head+1)%c.Capacity())
	}
	mg.Release()

	lockGuard.Release()
	if rerr != nil {
		return nil, rerr
	}
	c.slots.Release(1)
	return v, nil
}

// Close is idempotent. It takes both split locks, flips the closed flag,
// then floods both counting semaphores so every parked sender and
// receiver wakes, observes closed, and exits (spec.md §4.8.4).
func (c *Channel) Close() {
	sg := c.sendLock.AcquireBlocking(1)
	rg := c.recvLock.AcquireBlocking(1)
	if !c.isClosed() {
		c.state.Store(offClosed, 1)
		c.slots.Release(closeWakePermits)
		c.items.Release(closeWakePermits)
	}
	rg.Release()
	sg.Release()
}
