package primitives

import (
	"context"

	"github.com/alephrt/shmrt/shm"
)

// condvar header layout: a single i32 cell, the monotonically
// non-decreasing sequence counter.
const condvarSeqOffset = 0

// CondvarSize is the number of bytes a Condvar needs from its Region.
const CondvarSize = 4

// Condvar is a sequence-counter-based condition variable. It deliberately
// does not store a reference to any Mutex; WaitBlocking/WaitAsync instead
// release and reacquire the lock through the MutexGuard passed at the call
// site, per spec.md §9's note on avoiding a Condvar<->Mutex reference
// cycle.
type Condvar struct {
	region *shm.Region
	offset int
}

// NewCondvar creates a Condvar using its own freshly-allocated Region.
func NewCondvar() (*Condvar, error) {
	r, err := shm.NewRegion(CondvarSize)
	if err != nil {
		return nil, err
	}
	return NewCondvarIn(r, 0), nil
}

// NewCondvarIn binds a Condvar to an existing region at the given offset.
func NewCondvarIn(r *shm.Region, offset int) *Condvar {
	return &Condvar{region: r, offset: offset}
}

func (c *Condvar) Region() *shm.Region { return c.region }
func (c *Condvar) Offset() int         { return c.offset }
func (c *Condvar) seqOffset() int      { return c.offset + condvarSeqOffset }

// WaitBlocking must be called while holding guard. It atomically releases
// the mutex, parks until notified (or a spurious wakeup occurs — callers
// must recheck their predicate in a loop), then reacquires the mutex
// before returning. On return, *guard refers to a freshly reacquired lock
// on the same mutex.
func (c *Condvar) WaitBlocking(guard *MutexGuard) error {
	s := c.region.Load(c.seqOffset())
	return guard.reacquireBlockingAfterWait(c, s)
}

// WaitAsync is the non-blocking-OS-thread counterpart of WaitBlocking.
func (c *Condvar) WaitAsync(ctx context.Context, guard *MutexGuard) error {
	s := c.region.Load(c.seqOffset())
	return guard.reacquireAsyncAfterWait(ctx, c, s)
}

// NotifyOne wakes a single waiter.
func (c *Condvar) NotifyOne() {
	c.region.Add(c.seqOffset(), 1)
	c.region.Notify(c.seqOffset(), 1)
}

// NotifyAll wakes every waiter.
func (c *Condvar) NotifyAll() {
	c.region.Add(c.seqOffset(), 1)
	c.region.Notify(c.seqOffset(), shm.NotifyAll)
}
