// Package primitives implements the shared-memory synchronization
// primitives built directly on shm.Region: Mutex, RwLock, Semaphore,
// Condvar and Barrier. Every primitive's state lives entirely in its
// backing Region; instance-local fields are caches or constants, per
// spec.md §5 "Shared-resource policy".
package primitives

import (
	"errors"

	"github.com/alephrt/shmrt/shm"
)

// ErrInvariantViolation is returned when the implementation detects a state
// impossible under correct use — e.g. releasing a lock that was not held.
// It is a programmer error and is not recoverable.
var ErrInvariantViolation = errors.New("primitives: invariant violation")

// ErrDisposed is returned when an operation is attempted on a guard that
// has already been released.
var ErrDisposed = errors.New("primitives: handle already disposed")

// ErrTimeout is returned when a blocking or async acquire exceeds its
// requested timeout. State is left consistent; the caller may retry. It is
// the same sentinel as shm.ErrTimeout so callers can check either.
var ErrTimeout = shm.ErrTimeout
