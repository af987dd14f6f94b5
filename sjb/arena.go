// Package sjb implements the Shared-JSON Buffer: a mutable, compacting-GC
// arena that stores arbitrarily-nested JSON values inside a shm.Region and
// exposes them through a transparent Proxy API, per spec.md §4.7.
//
// Mutating an Arena (through any Proxy obtained from it) requires the
// caller to hold whatever Mutex/RwLock write guard encloses the arena;
// sjb itself performs no locking, matching spec.md §5's shared-resource
// policy: the shared region is the only authoritative state, and the
// enclosing lock is the sole serialization mechanism.
package sjb

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/alephrt/shmrt/shm"
)

// Node tag wire constants, bit-exact per spec.md §6.
const (
	TagNull   uint32 = 0
	TagTrue   uint32 = 1
	TagFalse  uint32 = 2
	TagNumber uint32 = 3
	TagString uint32 = 4
	TagObject uint32 = 5
	TagArray  uint32 = 6
	TagMoved  uint32 = 0xFFFFFFFF
)

// Header layout, bit-exact per spec.md §6.
const (
	headerFreePtrOffset = 0
	headerRootPtrOffset = 8
	HeaderSize          = 16
)

// Object/array container layout, bit-exact per spec.md §6.
const (
	containerTagOff     = 0
	containerCapOff     = 4
	containerCountOff   = 8
	containerEntriesOff = 12
	objectEntryStride   = 12
	arrayEntryStride    = 8
)

var (
	// ErrHeapExhausted is returned when an allocation fails even after a
	// compaction cycle.
	ErrHeapExhausted = errors.New("sjb: heap exhausted")
	// ErrKeyNotFound distinguishes a missing object key from a stored null.
	ErrKeyNotFound = errors.New("sjb: key not found")
	// ErrWrongKind is returned when an operation expects an object/array
	// and finds a different node kind.
	ErrWrongKind = errors.New("sjb: value is not the expected kind")
	// ErrIndexOutOfRange is returned by array index operations.
	ErrIndexOutOfRange = errors.New("sjb: array index out of range")
)

// ErrReadOnly is returned by any mutating operation reached through a
// read-only view (see ReadOnlyView).
var ErrReadOnly = errors.New("sjb: mutation through a read-only view")

// hintKey addresses the shared property-hint cache: one hint per (live
// container pointer, property name) pair. The cached index is a shortcut
// only — it is always validated against the stored key before use.
type hintKey struct {
	ptr  uint32
	prop string
}

// arenaShared is the bookkeeping shared by the Arena handles that derive
// from one Bind (through BindShared and ReadOnlyView): the GC pin set, the
// property-hint cache
// and the compaction generation counter used to invalidate each handle's
// thread-local string cache (spec.md §4.7.5, §4.7.6). It is not itself
// part of the wire format — it exists only because, in-process, Go can
// share a pointer directly rather than needing to serialize this
// bookkeeping into bytes.
type arenaShared struct {
	mu           sync.Mutex
	pins         map[*uint32]struct{}
	hints        map[hintKey]uint32
	gcGeneration uint64
	gcCycles     uint64
}

// tempRoot is a not-yet-linked allocation that compaction must treat as
// reachable, per spec.md §4.7.5 "Temporary roots".
type tempRoot struct {
	tag uint32
	ptr uint32
}

// Arena owns one Shared-JSON Buffer heap. Multiple Arena values can be
// bound to the same backing Region. Handles made with BindShared or
// ReadOnlyView share their source's arenaShared but each keeps its own
// string-intern cache, matching spec.md §4.7.6's "local to a thread's
// view" requirement. Each Bind call (which the envelope package uses to
// reconstruct an Arena) creates a separate arenaShared.
type Arena struct {
	region    *shm.Region
	shared    *arenaShared
	intern    map[uint32]string
	lastGen   uint64
	tempRoots []tempRoot
	readOnly  bool
}

// New allocates a fresh Arena with the given fixed capacity in bytes. The
// root starts out as an empty object.
func New(size int) (*Arena, error) {
	a, err := newEmpty(size)
	if err != nil {
		return nil, err
	}
	root, err := a.allocContainer(TagObject, 0)
	if err != nil {
		return nil, err
	}
	a.setRootPtr(root)
	return a, nil
}

// NewArray allocates a fresh Arena whose root is an array of the given
// length with every slot NULL — the shape the MPMC channel uses for its
// ring buffer (spec.md §3). Freshly mapped memory is zeroed, and a zeroed
// entry is exactly [TagNull, 0], so the slots need no explicit clearing.
func NewArray(size int, length uint32) (*Arena, error) {
	a, err := newEmpty(size)
	if err != nil {
		return nil, err
	}
	root, err := a.allocContainer(TagArray, length)
	if err != nil {
		return nil, err
	}
	a.putU32(root+containerCountOff, length)
	a.setRootPtr(root)
	return a, nil
}

func newEmpty(size int) (*Arena, error) {
	if size < HeaderSize+containerEntriesOff {
		return nil, errors.New("sjb: arena too small to hold a header and an empty root")
	}
	r, err := shm.NewRegion(size)
	if err != nil {
		return nil, err
	}
	a := Bind(r)
	a.setFreePtr(HeaderSize)
	return a, nil
}

// Bind attaches a new Arena handle to an existing, already-initialized
// Region — the shape used when reconstructing an Arena from an envelope on
// another goroutine. Each call creates fresh GC bookkeeping (pin set,
// property-hint cache, compaction counters) for the new handle; callers
// that need the SAME pin set (true shared mutability for proxies) should
// use BindShared instead.
func Bind(r *shm.Region) *Arena {
	return &Arena{
		region: r,
		shared: &arenaShared{
			pins:  make(map[*uint32]struct{}),
			hints: make(map[hintKey]uint32),
		},
	}
}

// BindShared attaches a new handle to r that shares GC bookkeeping with an
// existing Arena bound to the same region. Use this when handing an Arena
// to another goroutine within the same process so that proxies created on
// either handle are pinned and rewritten by the same compaction pass.
func (a *Arena) BindShared() *Arena {
	return &Arena{region: a.region, shared: a.shared}
}

// ReadOnlyView returns a handle through which every mutating operation
// fails with ErrReadOnly and, crucially, through which reads never update
// the shared property-hint cache. Hand this view to code running under an
// RwLock read guard: the source this library reimplements mutated the hint
// cache from pure reads, which is a data race under concurrent readers;
// here that is structurally impossible (spec.md §9 open question 3).
func (a *Arena) ReadOnlyView() *Arena {
	return &Arena{region: a.region, shared: a.shared, readOnly: true}
}

// GCCycles reports how many compaction passes have run through this
// handle or any handle sharing its bookkeeping (BindShared,
// ReadOnlyView). Passes run through a handle from a separate Bind of the
// same region are not counted.
func (a *Arena) GCCycles() uint64 {
	a.shared.mu.Lock()
	defer a.shared.mu.Unlock()
	return a.shared.gcCycles
}

// Region exposes the backing shm.Region, e.g. for envelope serialization.
func (a *Arena) Region() *shm.Region { return a.region }

func (a *Arena) freePtr() uint32    { return uint32(a.region.Load(headerFreePtrOffset)) }
func (a *Arena) setFreePtr(v uint32) { a.region.Store(headerFreePtrOffset, int32(v)) }
func (a *Arena) rootPtr() uint32    { return uint32(a.region.Load(headerRootPtrOffset)) }
func (a *Arena) setRootPtr(v uint32) { a.region.Store(headerRootPtrOffset, int32(v)) }

func align8(n int) int {
	if rem := n % 8; rem != 0 {
		n += 8 - rem
	}
	return n
}

func (a *Arena) bytes() []byte { return a.region.Bytes() }

func (a *Arena) u32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(a.bytes()[off : off+4])
}

func (a *Arena) putU32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(a.bytes()[off:off+4], v)
}

func (a *Arena) f64(off uint32) float64 {
	bits := binary.LittleEndian.Uint64(a.bytes()[off : off+8])
	return math.Float64frombits(bits)
}

func (a *Arena) putF64(off uint32, v float64) {
	binary.LittleEndian.PutUint64(a.bytes()[off:off+8], math.Float64bits(v))
}

// Root returns a Proxy bound to the arena's current root container. The
// root's pointer is re-read from the header on every resolve, so it never
// needs to be registered in the pin set: compaction publishes the new
// root_ptr directly (spec.md §4.7.3 step 4), distinct from the generic
// pinned-cell rewrite of step 6 that child proxies rely on.
func (a *Arena) Root() *Proxy {
	return &Proxy{arena: a, isRoot: true}
}

// pushTempRoot registers a not-yet-linked allocation as a GC root and
// returns its stack index. Callers must re-read the pointer through
// tempRootPtr after any operation that may allocate, because compaction
// rewrites the stack in place.
func (a *Arena) pushTempRoot(tag, ptr uint32) int {
	a.tempRoots = append(a.tempRoots, tempRoot{tag: tag, ptr: ptr})
	return len(a.tempRoots) - 1
}

func (a *Arena) tempRootPtr(idx int) uint32 { return a.tempRoots[idx].ptr }

func (a *Arena) popTempRoot() {
	a.tempRoots = a.tempRoots[:len(a.tempRoots)-1]
}

// pin registers cell with the GC so compaction rewrites the pointer it
// holds; unpin removes it. Both are called by Proxy, never by user code.
func (a *Arena) pin(cell *uint32) {
	a.shared.mu.Lock()
	a.shared.pins[cell] = struct{}{}
	a.shared.mu.Unlock()
}

func (a *Arena) unpin(cell *uint32) {
	a.shared.mu.Lock()
	delete(a.shared.pins, cell)
	a.shared.mu.Unlock()
}

// internedString returns the decoded string at ptr through this handle's
// intern cache, dropping the cache first if a compaction has run since it
// was last consulted (spec.md §4.7.6).
func (a *Arena) internedString(ptr uint32) string {
	a.shared.mu.Lock()
	gen := a.shared.gcGeneration
	a.shared.mu.Unlock()
	if a.intern == nil || a.lastGen != gen {
		a.intern = make(map[uint32]string)
		a.lastGen = gen
	}
	if s, ok := a.intern[ptr]; ok {
		return s
	}
	s := a.readString(ptr)
	a.intern[ptr] = s
	return s
}

// hintLookup consults the shared property-hint cache. The returned index
// is a guess that the caller must validate against the live entry.
func (a *Arena) hintLookup(ptr uint32, prop string) (uint32, bool) {
	a.shared.mu.Lock()
	idx, ok := a.shared.hints[hintKey{ptr: ptr, prop: prop}]
	a.shared.mu.Unlock()
	return idx, ok
}

// hintStore records a validated prop→index mapping. Read-only views never
// call this (see ReadOnlyView).
func (a *Arena) hintStore(ptr uint32, prop string, idx uint32) {
	if a.readOnly {
		return
	}
	a.shared.mu.Lock()
	a.shared.hints[hintKey{ptr: ptr, prop: prop}] = idx
	a.shared.mu.Unlock()
}
