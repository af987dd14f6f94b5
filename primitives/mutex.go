package primitives

import (
	"context"
	"time"

	"github.com/alephrt/shmrt/shm"
)

// mutex header layout: a single i32 cell, state ∈ {0 unlocked, 1 locked}.
const mutexStateOffset = 0

// MutexSize is the number of bytes a Mutex needs from its Region.
const MutexSize = 4

// Mutex is a binary lock guarding an optional shared view. It is
// non-reentrant: relocking from the same goroutine while a guard is held is
// undefined behaviour, matching spec.md §4.2.
type Mutex struct {
	region *shm.Region
	offset int
	view   any
}

// NewMutex creates a Mutex using its own freshly-allocated Region.
func NewMutex() (*Mutex, error) {
	r, err := shm.NewRegion(MutexSize)
	if err != nil {
		return nil, err
	}
	return NewMutexIn(r, 0), nil
}

// NewMutexWithView creates a Mutex wrapping a shared view — typically a
// shared-memory backed value such as an *sjb.Arena or an envelope
// carrying one. Guards grant scoped access to the view through Value;
// accessing the view outside a held guard is outside the library's
// contract. The view is an instance-local constant (spec.md §5): it does
// not travel with the backing region, so a Mutex reconstructed via
// NewMutexIn must be given its own handle to the same underlying data.
func NewMutexWithView(view any) (*Mutex, error) {
	m, err := NewMutex()
	if err != nil {
		return nil, err
	}
	m.view = view
	return m, nil
}

// NewMutexIn binds a Mutex to an existing region at the given byte offset,
// e.g. after reconstructing one from an envelope (see package envelope).
func NewMutexIn(r *shm.Region, offset int) *Mutex {
	return &Mutex{region: r, offset: offset}
}

// Region exposes the backing region, e.g. for envelope serialization.
func (m *Mutex) Region() *shm.Region { return m.region }

// Offset is the byte offset of this Mutex's header within its Region.
func (m *Mutex) Offset() int { return m.offset }

func (m *Mutex) stateOffset() int { return m.offset + mutexStateOffset }

// TryLock attempts to acquire the lock without blocking.
func (m *Mutex) TryLock() (*MutexGuard, bool) {
	if m.region.CAS(m.stateOffset(), 0, 1) {
		return &MutexGuard{mu: m}, true
	}
	return nil, false
}

// LockBlocking blocks the calling goroutine's OS thread until the lock is
// acquired.
func (m *Mutex) LockBlocking() *MutexGuard {
	for {
		if g, ok := m.TryLock(); ok {
			return g
		}
		_ = m.region.WaitBlocking(m.stateOffset(), 1, 0)
	}
}

// LockAsync acquires the lock without blocking the OS thread, suspending
// the caller on a background goroutine between retries.
func (m *Mutex) LockAsync(ctx context.Context) (*MutexGuard, error) {
	for {
		if g, ok := m.TryLock(); ok {
			return g, nil
		}
		if err := <-m.region.WaitAsync(ctx, m.stateOffset(), 1, 0); err != nil {
			if err != shm.ErrTimeout {
				return nil, err
			}
		}
	}
}

// LockBlockingTimeout is LockBlocking bounded by a timeout.
func (m *Mutex) LockBlockingTimeout(timeout time.Duration) (*MutexGuard, error) {
	deadline := time.Now().Add(timeout)
	for {
		if g, ok := m.TryLock(); ok {
			return g, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		if err := m.region.WaitBlocking(m.stateOffset(), 1, remaining); err != nil && err != shm.ErrTimeout {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
	}
}

func (m *Mutex) unlock() error {
	if !m.region.CAS(m.stateOffset(), 1, 0) {
		return ErrInvariantViolation
	}
	m.region.Notify(m.stateOffset(), 1)
	return nil
}

// MutexGuard is returned by a successful lock acquisition. Release is
// idempotent: a second Release/Dispose call is a no-op. MutexGuard also
// implements the condvar controller contract (see condvar.go): it can
// release and reacquire the mutex on behalf of a Condvar wait without the
// Condvar ever holding a reference to the Mutex itself, per spec.md §9's
// cyclic-reference note.
type MutexGuard struct {
	mu       *Mutex
	released bool
}

// Value returns the shared view this mutex guards (nil for an empty
// lock used purely for mutual exclusion). It fails once the guard has
// been released.
func (g *MutexGuard) Value() (any, error) {
	if g.released {
		return nil, ErrDisposed
	}
	return g.mu.view, nil
}

// Release unlocks the mutex. Safe to call more than once.
func (g *MutexGuard) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	return g.mu.unlock()
}

// Dispose is an alias for Release, for environments without deterministic
// destruction.
func (g *MutexGuard) Dispose() error { return g.Release() }

// reacquireBlockingAfterWait implements the Condvar.WaitBlocking protocol:
// release the mutex, park on the condvar's sequence cell until it changes
// from seqAtEntry (or a spurious wakeup occurs), then reacquire the mutex.
func (g *MutexGuard) reacquireBlockingAfterWait(c *Condvar, seqAtEntry int32) error {
	mu := g.mu
	if err := g.Release(); err != nil {
		return err
	}
	_ = c.region.WaitBlocking(c.seqOffset(), seqAtEntry, 0)
	newGuard := mu.LockBlocking()
	*g = *newGuard
	return nil
}

// reacquireAsyncAfterWait is the async counterpart of
// reacquireBlockingAfterWait.
func (g *MutexGuard) reacquireAsyncAfterWait(ctx context.Context, c *Condvar, seqAtEntry int32) error {
	mu := g.mu
	if err := g.Release(); err != nil {
		return err
	}
	if err := <-c.region.WaitAsync(ctx, c.seqOffset(), seqAtEntry, 0); err != nil && err != shm.ErrTimeout {
		return err
	}
	newGuard, err := mu.LockAsync(ctx)
	if err != nil {
		return err
	}
	*g = *newGuard
	return nil
}
