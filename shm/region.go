// Package shm provides the shared memory region that every synchronization
// primitive and the Shared-JSON Buffer is built on: a fixed-size,
// page-aligned mapping addressable as bytes or as atomically accessed
// 32-bit cells, plus a futex-style wait/wake adapter (see futex.go).
package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is a contiguous, thread-shareable byte range backed by an
// anonymous MAP_SHARED mapping. Because it is a real mapping rather than a
// plain Go slice, its address is stable for the lifetime of the region and
// can be handed to the futex syscalls in futex.go.
//
// All primitives built on top of a Region synchronize solely through the
// operations exposed here (atomic load/store/CAS/add plus Wait/Notify from
// futex.go); no other locking is used inside a primitive's critical
// section, per spec.md §4.1.
type Region struct {
	mem []byte
}

// NewRegion allocates a zeroed shared region of the given size in bytes.
// size is rounded up to a multiple of 4 so every offset is a valid i32 cell
// boundary.
func NewRegion(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: region size must be positive, got %d", size)
	}
	if rem := size % 4; rem != 0 {
		size += 4 - rem
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %d bytes: %w", size, err)
	}
	return &Region{mem: mem}, nil
}

// Close unmaps the region. It is the caller's responsibility to ensure no
// other goroutine still holds a guard or pointer into the region.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// Len returns the region size in bytes.
func (r *Region) Len() int { return len(r.mem) }

// Bytes returns the raw backing slice. Callers mutating it directly (e.g.
// the SJB heap writer) are responsible for holding whatever enclosing lock
// protects the region, per spec.md §3 invariant 3.
func (r *Region) Bytes() []byte { return r.mem }

func (r *Region) cell(byteOffset int) *int32 {
	if byteOffset < 0 || byteOffset+4 > len(r.mem) {
		panic(fmt.Sprintf("shm: cell offset %d out of range [0,%d)", byteOffset, len(r.mem)))
	}
	if byteOffset%4 != 0 {
		panic(fmt.Sprintf("shm: cell offset %d is not 4-byte aligned", byteOffset))
	}
	return (*int32)(unsafe.Pointer(&r.mem[byteOffset]))
}

// Load atomically reads the i32 cell at byteOffset.
func (r *Region) Load(byteOffset int) int32 {
	return atomic.LoadInt32(r.cell(byteOffset))
}

// Store atomically writes the i32 cell at byteOffset.
func (r *Region) Store(byteOffset int, v int32) {
	atomic.StoreInt32(r.cell(byteOffset), v)
}

// CAS compares-and-swaps the i32 cell at byteOffset.
func (r *Region) CAS(byteOffset int, old, new int32) bool {
	return atomic.CompareAndSwapInt32(r.cell(byteOffset), old, new)
}

// Add atomically adds delta to the i32 cell at byteOffset and returns the
// new value (fetch-add when delta > 0, fetch-sub when delta < 0).
func (r *Region) Add(byteOffset int, delta int32) int32 {
	return atomic.AddInt32(r.cell(byteOffset), delta)
}

// addr returns the raw address of a cell, for the futex syscalls.
func (r *Region) addr(byteOffset int) unsafe.Pointer {
	_ = r.cell(byteOffset) // bounds/alignment check
	return unsafe.Pointer(&r.mem[byteOffset])
}
