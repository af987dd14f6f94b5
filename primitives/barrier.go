package primitives

import (
	"context"

	"github.com/alephrt/shmrt/shm"
)

// barrier header layout: [internal_lock, capacity, remaining, generation],
// four i32 cells.
const (
	barrierLockOffset       = 0
	barrierCapacityOffset   = 4
	barrierRemainingOffset  = 8
	barrierGenerationOffset = 12
)

// BarrierSize is the number of bytes a Barrier needs from its Region.
const BarrierSize = 16

// Barrier is a reusable N-party rendezvous. remaining counts down from
// capacity each generation, per the resolution of spec.md §9's open
// question on Barrier encoding.
type Barrier struct {
	region *shm.Region
	offset int
}

// NewBarrier creates a Barrier for capacity parties, using its own
// freshly-allocated Region.
func NewBarrier(capacity int32) (*Barrier, error) {
	if capacity <= 0 {
		return nil, ErrInvariantViolation
	}
	r, err := shm.NewRegion(BarrierSize)
	if err != nil {
		return nil, err
	}
	b := NewBarrierIn(r, 0)
	r.Store(b.capacityOffset(), capacity)
	r.Store(b.remainingOffset(), capacity)
	return b, nil
}

// NewBarrierIn binds a Barrier to an existing region at the given offset.
func NewBarrierIn(r *shm.Region, offset int) *Barrier {
	return &Barrier{region: r, offset: offset}
}

func (b *Barrier) Region() *shm.Region    { return b.region }
func (b *Barrier) Offset() int            { return b.offset }
func (b *Barrier) lockOffset() int        { return b.offset + barrierLockOffset }
func (b *Barrier) capacityOffset() int    { return b.offset + barrierCapacityOffset }
func (b *Barrier) remainingOffset() int   { return b.offset + barrierRemainingOffset }
func (b *Barrier) generationOffset() int  { return b.offset + barrierGenerationOffset }

// WaitResult reports whether the calling goroutine was the single leader
// that released its cohort.
type WaitResult struct {
	Leader bool
}

func (b *Barrier) lockHeader() {
	for !b.region.CAS(b.lockOffset(), 0, 1) {
		_ = b.region.WaitBlocking(b.lockOffset(), 1, 0)
	}
}

func (b *Barrier) unlockHeader() {
	b.region.Store(b.lockOffset(), 0)
	b.region.Notify(b.lockOffset(), 1)
}

// Wait blocks the calling goroutine until every party for the current
// generation has arrived, then returns. Exactly one caller per cohort
// observes Leader: true.
func (b *Barrier) Wait() WaitResult {
	b.lockHeader()
	localGen := b.region.Load(b.generationOffset())
	remaining := b.region.Load(b.remainingOffset()) - 1
	b.region.Store(b.remainingOffset(), remaining)

	if remaining == 0 {
		b.region.Store(b.remainingOffset(), b.region.Load(b.capacityOffset()))
		b.region.Add(b.generationOffset(), 1)
		b.unlockHeader()
		b.region.Notify(b.generationOffset(), shm.NotifyAll)
		return WaitResult{Leader: true}
	}

	b.unlockHeader()
	for b.region.Load(b.generationOffset()) == localGen {
		_ = b.region.WaitBlocking(b.generationOffset(), localGen, 0)
	}
	return WaitResult{Leader: false}
}

func (b *Barrier) lockHeaderAsync(ctx context.Context) error {
	for !b.region.CAS(b.lockOffset(), 0, 1) {
		if err := <-b.region.WaitAsync(ctx, b.lockOffset(), 1, 0); err != nil && err != shm.ErrTimeout {
			return err
		}
	}
	return nil
}

// WaitAsync is the non-blocking-OS-thread counterpart of Wait, parking
// on a background goroutine between generation checks. A context error
// aborts the wait, but the caller's arrival has already been counted:
// the cohort it joined will release one short, so cancellation is only
// safe when the whole cohort is being torn down.
func (b *Barrier) WaitAsync(ctx context.Context) (WaitResult, error) {
	if err := b.lockHeaderAsync(ctx); err != nil {
		return WaitResult{}, err
	}
	localGen := b.region.Load(b.generationOffset())
	remaining := b.region.Load(b.remainingOffset()) - 1
	b.region.Store(b.remainingOffset(), remaining)

	if remaining == 0 {
		b.region.Store(b.remainingOffset(), b.region.Load(b.capacityOffset()))
		b.region.Add(b.generationOffset(), 1)
		b.unlockHeader()
		b.region.Notify(b.generationOffset(), shm.NotifyAll)
		return WaitResult{Leader: true}, nil
	}

	b.unlockHeader()
	for b.region.Load(b.generationOffset()) == localGen {
		if err := <-b.region.WaitAsync(ctx, b.generationOffset(), localGen, 0); err != nil && err != shm.ErrTimeout {
			return WaitResult{}, err
		}
	}
	return WaitResult{Leader: false}, nil
}
