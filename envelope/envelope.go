// Package envelope implements the wire protocol of spec.md §4.9 for
// moving primitives across goroutine boundaries without severing their
// shared-memory backing: a tagged union of RAW user data and LIB
// primitives, where a LIB payload is the primitive's raw backing
// region(s) plus an integer type id resolved through a process-wide
// class registry.
package envelope

import (
	"errors"
	"fmt"

	"github.com/alephrt/shmrt/mpmc"
	"github.com/alephrt/shmrt/primitives"
	"github.com/alephrt/shmrt/shm"
	"github.com/alephrt/shmrt/sjb"
)

// ErrUnknownTypeID is the InvariantViolation for deserializing a type id
// the registry has no constructor for. Not recoverable.
var ErrUnknownTypeID = errors.New("envelope: unknown type id")

// ErrNotSerializable is returned by Wrap for a library value it has no
// encoding for.
var ErrNotSerializable = errors.New("envelope: value is not a serializable primitive")

// Kind discriminates the wire union.
type Kind int32

const (
	// RAW wraps plain user data, passed through untouched.
	RAW Kind = iota
	// LIB wraps a library primitive by type id and backing regions.
	LIB
)

// TypeID identifies a primitive class on the wire. The numbering is
// fixed by spec.md §4.9 and shared with every other implementation of
// this protocol.
type TypeID int32

const (
	TypeMutex TypeID = iota
	TypeCondvar
	TypeRwLock
	TypeSemaphore
	TypeChannelInternals
	TypeSender
	TypeReceiver
	TypeSharedJSONBuffer
	TypeBarrier
)

// Envelope is one wire unit. For LIB, Regions holds the shared regions
// the receiving side rebinds to — the transfer list — and Value is nil;
// for RAW, Value carries the user data and Regions is empty. The JSON
// shape (RAW only — a live region has no byte serialization) is what
// the telemetry sink writes to its socket.
type Envelope struct {
	Kind    Kind          `json:"kind"`
	TypeID  TypeID        `json:"type_id,omitempty"`
	Regions []*shm.Region `json:"-"`
	Value   any           `json:"value,omitempty"`
}

// Transfers returns the shared regions that must accompany this envelope
// across the thread boundary.
func (e *Envelope) Transfers() []*shm.Region { return e.Regions }

// constructor rebinds an instance to the regions carried by an envelope.
type constructor func(e *Envelope) (any, error)

// registry maps type ids to constructors. It is populated once at
// package init; Register allows out-of-tree primitives to join the
// protocol before any deserialization happens.
var registry = map[TypeID]constructor{}

// Register installs a constructor for a type id, replacing any previous
// entry.
func Register(id TypeID, c constructor) { registry[id] = c }

func init() {
	Register(TypeMutex, func(e *Envelope) (any, error) {
		return primitives.NewMutexIn(e.Regions[0], 0), nil
	})
	Register(TypeCondvar, func(e *Envelope) (any, error) {
		return primitives.NewCondvarIn(e.Regions[0], 0), nil
	})
	Register(TypeRwLock, func(e *Envelope) (any, error) {
		return primitives.NewRwLockIn(e.Regions[0], 0), nil
	})
	Register(TypeSemaphore, func(e *Envelope) (any, error) {
		return primitives.NewSemaphoreIn(e.Regions[0], 0), nil
	})
	Register(TypeBarrier, func(e *Envelope) (any, error) {
		return primitives.NewBarrierIn(e.Regions[0], 0), nil
	})
	Register(TypeSharedJSONBuffer, func(e *Envelope) (any, error) {
		return sjb.Bind(e.Regions[0]), nil
	})
	Register(TypeChannelInternals, func(e *Envelope) (any, error) {
		return mpmc.Bind(e.Regions[0], e.Regions[1]), nil
	})
	Register(TypeSender, func(e *Envelope) (any, error) {
		return mpmc.SenderFrom(mpmc.Bind(e.Regions[0], e.Regions[1])), nil
	})
	Register(TypeReceiver, func(e *Envelope) (any, error) {
		return mpmc.ReceiverFrom(mpmc.Bind(e.Regions[0], e.Regions[1])), nil
	})
}

// Wrap serializes v. Known primitives become LIB envelopes carrying their
// backing regions; Sender and Receiver handles are additionally marked
// moved on the source side, transferring their reference count without
// incrementing it. Anything else becomes a RAW envelope.
func Wrap(v any) (*Envelope, error) {
	switch x := v.(type) {
	case *primitives.Mutex:
		return lib(TypeMutex, x.Region()), nil
	case *primitives.Condvar:
		return lib(TypeCondvar, x.Region()), nil
	case *primitives.RwLock:
		return lib(TypeRwLock, x.Region()), nil
	case *primitives.Semaphore:
		return lib(TypeSemaphore, x.Region()), nil
	case *primitives.Barrier:
		return lib(TypeBarrier, x.Region()), nil
	case *sjb.Arena:
		return lib(TypeSharedJSONBuffer, x.Region()), nil
	case *mpmc.Channel:
		return lib(TypeChannelInternals, x.StateRegion(), x.SlotsRegion()), nil
	case *mpmc.Sender:
		ch := x.DetachForMove()
		return lib(TypeSender, ch.StateRegion(), ch.SlotsRegion()), nil
	case *mpmc.Receiver:
		ch := x.DetachForMove()
		return lib(TypeReceiver, ch.StateRegion(), ch.SlotsRegion()), nil
	default:
		return &Envelope{Kind: RAW, Value: v}, nil
	}
}

func lib(id TypeID, regions ...*shm.Region) *Envelope {
	return &Envelope{Kind: LIB, TypeID: id, Regions: regions}
}

// Unwrap reconstructs the value carried by e. A LIB envelope binds a new
// instance to the transferred regions through the registry; every
// instance reconstructed from the same regions shares the same logical
// object. Unknown type ids are a hard error.
func Unwrap(e *Envelope) (any, error) {
	if e.Kind == RAW {
		return e.Value, nil
	}
	c, ok := registry[e.TypeID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTypeID, e.TypeID)
	}
	return c(e)
}
