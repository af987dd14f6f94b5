package primitives

import (
	"context"

	"github.com/alephrt/shmrt/shm"
)

// rwlock header layout: a single i32 cell. state = 0 unlocked; state > 0 is
// the reader count; state == -1 is write-locked.
const rwlockStateOffset = 0

// RwLockSize is the number of bytes an RwLock needs from its Region.
const RwLockSize = 4

const writeLocked int32 = -1

// RwLock is a many-reader/one-writer lock. Writers may starve under a
// continuous stream of readers; no writer-preference is provided, matching
// the Rust standard library semantics this primitive emulates (spec.md
// §4.3).
type RwLock struct {
	region *shm.Region
	offset int
	view   any
}

// NewRwLock creates an RwLock using its own freshly-allocated Region.
func NewRwLock() (*RwLock, error) {
	r, err := shm.NewRegion(RwLockSize)
	if err != nil {
		return nil, err
	}
	return NewRwLockIn(r, 0), nil
}

// NewRwLockWithView creates an RwLock wrapping a shared view; guards
// grant scoped access to it through Value. Readers handed an *sjb.Arena
// should go through its ReadOnlyView so a read guard cannot mutate. As
// with NewMutexWithView, the view is instance-local and does not travel
// with the backing region.
func NewRwLockWithView(view any) (*RwLock, error) {
	l, err := NewRwLock()
	if err != nil {
		return nil, err
	}
	l.view = view
	return l, nil
}

// NewRwLockIn binds an RwLock to an existing region at the given offset.
func NewRwLockIn(r *shm.Region, offset int) *RwLock {
	return &RwLock{region: r, offset: offset}
}

func (l *RwLock) Region() *shm.Region { return l.region }
func (l *RwLock) Offset() int         { return l.offset }
func (l *RwLock) stateOffset() int    { return l.offset + rwlockStateOffset }

// TryRead attempts to take a read lock without blocking.
func (l *RwLock) TryRead() (*RwLockReadGuard, bool) {
	c := l.region.Load(l.stateOffset())
	if c == writeLocked {
		return nil, false
	}
	if l.region.CAS(l.stateOffset(), c, c+1) {
		return &RwLockReadGuard{lock: l}, true
	}
	return nil, false
}

// ReadBlocking blocks until a read lock is acquired.
func (l *RwLock) ReadBlocking() *RwLockReadGuard {
	for {
		c := l.region.Load(l.stateOffset())
		if c == writeLocked {
			_ = l.region.WaitBlocking(l.stateOffset(), writeLocked, 0)
			continue
		}
		if l.region.CAS(l.stateOffset(), c, c+1) {
			return &RwLockReadGuard{lock: l}
		}
	}
}

// ReadAsync is the non-blocking-OS-thread counterpart of ReadBlocking.
func (l *RwLock) ReadAsync(ctx context.Context) (*RwLockReadGuard, error) {
	for {
		c := l.region.Load(l.stateOffset())
		if c == writeLocked {
			if err := <-l.region.WaitAsync(ctx, l.stateOffset(), writeLocked, 0); err != nil && err != shm.ErrTimeout {
				return nil, err
			}
			continue
		}
		if l.region.CAS(l.stateOffset(), c, c+1) {
			return &RwLockReadGuard{lock: l}, nil
		}
	}
}

// TryWrite attempts to take the write lock without blocking.
func (l *RwLock) TryWrite() (*RwLockWriteGuard, bool) {
	if l.region.CAS(l.stateOffset(), 0, writeLocked) {
		return &RwLockWriteGuard{lock: l}, true
	}
	return nil, false
}

// WriteBlocking blocks until the write lock is acquired.
func (l *RwLock) WriteBlocking() *RwLockWriteGuard {
	for {
		c := l.region.Load(l.stateOffset())
		if c != 0 {
			_ = l.region.WaitBlocking(l.stateOffset(), c, 0)
			continue
		}
		if l.region.CAS(l.stateOffset(), 0, writeLocked) {
			return &RwLockWriteGuard{lock: l}
		}
	}
}

// WriteAsync is the non-blocking-OS-thread counterpart of WriteBlocking.
func (l *RwLock) WriteAsync(ctx context.Context) (*RwLockWriteGuard, error) {
	for {
		c := l.region.Load(l.stateOffset())
		if c != 0 {
			if err := <-l.region.WaitAsync(ctx, l.stateOffset(), c, 0); err != nil && err != shm.ErrTimeout {
				return nil, err
			}
			continue
		}
		if l.region.CAS(l.stateOffset(), 0, writeLocked) {
			return &RwLockWriteGuard{lock: l}, nil
		}
	}
}

// RwLockReadGuard is held by one of possibly many concurrent readers.
type RwLockReadGuard struct {
	lock     *RwLock
	released bool
}

// Value returns the shared view this lock guards (nil for an empty
// lock). It fails once the guard has been released.
func (g *RwLockReadGuard) Value() (any, error) {
	if g.released {
		return nil, ErrDisposed
	}
	return g.lock.view, nil
}

// Release drops the read lock. If this was the last reader, waiting
// writers are woken. Idempotent.
func (g *RwLockReadGuard) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	prev := g.lock.region.Add(g.lock.stateOffset(), -1) + 1
	if prev == 1 {
		g.lock.region.Notify(g.lock.stateOffset(), 1)
	}
	return nil
}

// Dispose is an alias for Release.
func (g *RwLockReadGuard) Dispose() error { return g.Release() }

// RwLockWriteGuard is held by the single current writer.
type RwLockWriteGuard struct {
	lock     *RwLock
	released bool
}

// Value returns the shared view this lock guards (nil for an empty
// lock). It fails once the guard has been released.
func (g *RwLockWriteGuard) Value() (any, error) {
	if g.released {
		return nil, ErrDisposed
	}
	return g.lock.view, nil
}

// Release drops the write lock and wakes every waiting reader and writer
// so they may reassess the new state.
func (g *RwLockWriteGuard) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	if !g.lock.region.CAS(g.lock.stateOffset(), writeLocked, 0) {
		return ErrInvariantViolation
	}
	g.lock.region.Notify(g.lock.stateOffset(), shm.NotifyAll)
	return nil
}

// Dispose is an alias for Release.
func (g *RwLockWriteGuard) Dispose() error { return g.Release() }
