package shm

import (
	"context"
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by WaitBlocking/WaitAsync when the wait exceeded
// the requested timeout without being woken. State is left unchanged; the
// caller may retry, per spec.md §7.
var ErrTimeout = errors.New("shm: wait timed out")

// futex(2) operations. golang.org/x/sys/unix exposes SYS_FUTEX but not the
// FUTEX_* op constants, so they are defined here as in linux/futex.h.
const (
	futexWait = 0
	futexWake = 1
)

// NotifyAll wakes an unbounded number of waiters.
const NotifyAll = 1<<31 - 1

// WaitBlocking parks the calling OS thread until the i32 cell at byteOffset
// no longer holds expected, or until timeout elapses (timeout <= 0 means
// wait forever). If the cell's current value already differs from
// expected, it returns immediately — this is the same short-circuit a
// correct futex(2) FUTEX_WAIT performs atomically, avoiding the missed
// wakeup race between the caller's load and the park.
func (r *Region) WaitBlocking(byteOffset int, expected int32, timeout time.Duration) error {
	addr := r.addr(byteOffset)
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(addr), futexWait,
		uintptr(uint32(expected)), uintptr(unsafe.Pointer(ts)), 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrTimeout
	default:
		return errno
	}
}

// WaitAsync is the non-blocking-OS-thread counterpart of WaitBlocking: it
// runs the wait on a background goroutine and resolves a future when the
// wait returns or ctx is cancelled. Per spec.md §9, Go has no cooperative
// suspension primitive cheaper than a goroutine, so _async is implemented
// in terms of _blocking on a background goroutine.
func (r *Region) WaitAsync(ctx context.Context, byteOffset int, expected int32, timeout time.Duration) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- r.WaitBlocking(byteOffset, expected, timeout)
	}()
	out := make(chan error, 1)
	go func() {
		select {
		case err := <-result:
			out <- err
		case <-ctx.Done():
			out <- ctx.Err()
		}
	}()
	return out
}

// Notify wakes up to n parkers blocked on the cell at byteOffset. Use
// NotifyAll to wake every waiter.
func (r *Region) Notify(byteOffset int, n int) {
	addr := r.addr(byteOffset)
	unix.Syscall6(unix.SYS_FUTEX, uintptr(addr), futexWake, uintptr(n), 0, 0, 0)
}
