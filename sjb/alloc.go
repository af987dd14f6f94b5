package sjb

// alloc.go implements the bump allocator and forwarding/resolve machinery
// of spec.md §4.7.1–§4.7.2.

// alloc reserves size bytes (rounded up to 8-byte alignment) from the
// heap, running exactly one compaction cycle on failure before giving up
// with ErrHeapExhausted, per spec.md §4.7.1.
func (a *Arena) alloc(size int) (uint32, error) {
	size = align8(size)
	free := a.freePtr()
	if int(free)+size <= len(a.bytes()) {
		a.setFreePtr(free + uint32(size))
		return free, nil
	}
	a.compact()
	free = a.freePtr()
	if int(free)+size <= len(a.bytes()) {
		a.setFreePtr(free + uint32(size))
		return free, nil
	}
	return 0, ErrHeapExhausted
}

func containerSize(tag uint32, capacity uint32) int {
	if tag == TagObject {
		return containerEntriesOff + int(capacity)*objectEntryStride
	}
	return containerEntriesOff + int(capacity)*arrayEntryStride
}

// allocContainer allocates a fresh, empty object or array node with room
// for capacity entries.
func (a *Arena) allocContainer(tag uint32, capacity uint32) (uint32, error) {
	ptr, err := a.alloc(containerSize(tag, capacity))
	if err != nil {
		return 0, err
	}
	a.putU32(ptr+containerTagOff, tag)
	a.putU32(ptr+containerCapOff, capacity)
	a.putU32(ptr+containerCountOff, 0)
	return ptr, nil
}

func (a *Arena) allocNumber(v float64) (uint32, error) {
	ptr, err := a.alloc(8)
	if err != nil {
		return 0, err
	}
	a.putF64(ptr, v)
	return ptr, nil
}

func (a *Arena) allocString(s string) (uint32, error) {
	ptr, err := a.alloc(4 + len(s))
	if err != nil {
		return 0, err
	}
	a.putU32(ptr, uint32(len(s)))
	copy(a.bytes()[ptr+4:ptr+4+uint32(len(s))], s)
	return ptr, nil
}

func (a *Arena) readString(ptr uint32) string {
	n := a.u32(ptr)
	b := a.bytes()[ptr+4 : ptr+4+n]
	return string(b)
}

// resolved describes a live container node after following any MOVED
// forwarding chain, per spec.md §4.7.2.
type resolved struct {
	ptr      uint32
	tag      uint32
	capacity uint32
	count    uint32
}

// resolve follows a MOVED chain (if any) starting at ptr and returns the
// live container node. MOVED chains must always terminate in a non-MOVED
// node (compaction guarantees this by eliminating them entirely).
func (a *Arena) resolve(ptr uint32) resolved {
	for {
		tag := a.u32(ptr + containerTagOff)
		if tag != TagMoved {
			return resolved{
				ptr:      ptr,
				tag:      tag,
				capacity: a.u32(ptr + containerCapOff),
				count:    a.u32(ptr + containerCountOff),
			}
		}
		ptr = a.u32(ptr + 4) // forward_ptr
	}
}

// markMoved overwrites the node header at old with a MOVED marker
// pointing at newPtr.
func (a *Arena) markMoved(old, newPtr uint32) {
	a.putU32(old+containerTagOff, TagMoved)
	a.putU32(old+4, newPtr)
}

func (a *Arena) entryOffset(node resolved, index uint32) uint32 {
	if node.tag == TagObject {
		return node.ptr + containerEntriesOff + index*objectEntryStride
	}
	return node.ptr + containerEntriesOff + index*arrayEntryStride
}

func entryStride(tag uint32) uint32 {
	if tag == TagObject {
		return objectEntryStride
	}
	return arrayEntryStride
}
