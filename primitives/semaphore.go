package primitives

import (
	"context"

	"github.com/alephrt/shmrt/shm"
)

// semaphore header layout: [permits, waiters], two i32 cells.
const (
	semaphorePermitsOffset = 0
	semaphoreWaitersOffset = 4
)

// SemaphoreSize is the number of bytes a Semaphore needs from its Region.
const SemaphoreSize = 8

// Semaphore is a counting semaphore. waiters is a hint used only to skip an
// unnecessary Notify call; it is never authoritative for correctness
// (spec.md §4.4).
type Semaphore struct {
	region *shm.Region
	offset int
}

// NewSemaphore creates a Semaphore with the given initial permit count,
// using its own freshly-allocated Region.
func NewSemaphore(initialPermits int32) (*Semaphore, error) {
	r, err := shm.NewRegion(SemaphoreSize)
	if err != nil {
		return nil, err
	}
	s := NewSemaphoreIn(r, 0)
	r.Store(s.permitsOffset(), initialPermits)
	return s, nil
}

// NewSemaphoreIn binds a Semaphore to an existing region at the given
// offset. The caller is responsible for the region already holding valid
// permits/waiters values (e.g. after reconstruction from an envelope).
func NewSemaphoreIn(r *shm.Region, offset int) *Semaphore {
	return &Semaphore{region: r, offset: offset}
}

func (s *Semaphore) Region() *shm.Region  { return s.region }
func (s *Semaphore) Offset() int          { return s.offset }
func (s *Semaphore) permitsOffset() int   { return s.offset + semaphorePermitsOffset }
func (s *Semaphore) waitersOffset() int   { return s.offset + semaphoreWaitersOffset }

// TryAcquire attempts to acquire n permits without blocking.
func (s *Semaphore) TryAcquire(n int32) (*SemaphoreGuard, bool) {
	for {
		cur := s.region.Load(s.permitsOffset())
		if cur < n {
			return nil, false
		}
		if s.region.CAS(s.permitsOffset(), cur, cur-n) {
			return &SemaphoreGuard{sem: s, n: n}, true
		}
	}
}

// AcquireBlocking blocks until n permits are acquired.
func (s *Semaphore) AcquireBlocking(n int32) *SemaphoreGuard {
	for {
		cur := s.region.Load(s.permitsOffset())
		if cur >= n {
			if s.region.CAS(s.permitsOffset(), cur, cur-n) {
				return &SemaphoreGuard{sem: s, n: n}
			}
			continue
		}
		s.region.Add(s.waitersOffset(), 1)
		_ = s.region.WaitBlocking(s.permitsOffset(), cur, 0)
		s.region.Add(s.waitersOffset(), -1)
	}
}

// AcquireAsync is the non-blocking-OS-thread counterpart of
// AcquireBlocking.
func (s *Semaphore) AcquireAsync(ctx context.Context, n int32) (*SemaphoreGuard, error) {
	for {
		cur := s.region.Load(s.permitsOffset())
		if cur >= n {
			if s.region.CAS(s.permitsOffset(), cur, cur-n) {
				return &SemaphoreGuard{sem: s, n: n}, nil
			}
			continue
		}
		s.region.Add(s.waitersOffset(), 1)
		err := <-s.region.WaitAsync(ctx, s.permitsOffset(), cur, 0)
		s.region.Add(s.waitersOffset(), -1)
		if err != nil && err != shm.ErrTimeout {
			return nil, err
		}
	}
}

// Release adds n permits back, waking waiters if any are parked.
func (s *Semaphore) Release(n int32) {
	s.region.Add(s.permitsOffset(), n)
	if s.region.Load(s.waitersOffset()) > 0 {
		s.region.Notify(s.permitsOffset(), int(n))
	}
}

// SemaphoreGuard holds the exact permit count acquired and releases that
// many permits on Release/Dispose. Idempotent.
type SemaphoreGuard struct {
	sem      *Semaphore
	n        int32
	released bool
}

// N returns the number of permits this guard holds.
func (g *SemaphoreGuard) N() int32 { return g.n }

// Release returns the held permits to the semaphore. Safe to call more
// than once.
func (g *SemaphoreGuard) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	g.sem.Release(g.n)
	return nil
}

// Dispose is an alias for Release.
func (g *SemaphoreGuard) Dispose() error { return g.Release() }
