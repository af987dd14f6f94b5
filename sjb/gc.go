package sjb

import "encoding/binary"

// gc.go implements the copy-compacting collector of spec.md §4.7.3. It is
// invoked by alloc() on the first allocation failure and never
// concurrently with any other arena access: the enclosing lock the caller
// already holds for the mutation is the GC's mutual exclusion too.

// compactor carries one compaction pass. Live nodes are relocated into a
// process-local scratch buffer the size of the arena, then the scratch is
// copied back over the heap in one pass and the new free/root pointers are
// published.
type compactor struct {
	a       *Arena
	scratch []byte
	cursor  uint32
	// moved maps every old pointer encountered — live node addresses and
	// every MOVED alias along a forwarding chain — to the node's scratch
	// address, so pinned cells holding stale aliases rewrite correctly.
	moved map[uint32]uint32
}

func (a *Arena) compact() {
	a.shared.mu.Lock()
	defer a.shared.mu.Unlock()

	c := &compactor{
		a:       a,
		scratch: make([]byte, len(a.bytes())),
		cursor:  HeaderSize,
		moved:   make(map[uint32]uint32),
	}

	newRoot := c.relocateContainer(a.rootPtr())
	for cell := range a.shared.pins {
		c.relocateContainer(*cell)
	}
	for i := range a.tempRoots {
		c.relocateTagged(a.tempRoots[i].tag, a.tempRoots[i].ptr)
	}

	// Copy-back, then publish the new cursors. Readers on other threads
	// are excluded by the enclosing lock; the atomic stores give the next
	// acquirer a consistent view.
	copy(a.bytes()[HeaderSize:c.cursor], c.scratch[HeaderSize:c.cursor])
	a.setFreePtr(c.cursor)
	a.setRootPtr(newRoot)

	// Every cache keyed by an arena offset is now invalid.
	a.shared.hints = make(map[hintKey]uint32)
	a.shared.gcGeneration++
	a.shared.gcCycles++
	a.intern = nil

	for cell := range a.shared.pins {
		*cell = c.moved[*cell]
	}
	for i := range a.tempRoots {
		if p := a.tempRoots[i].ptr; p != 0 {
			a.tempRoots[i].ptr = c.moved[p]
		}
	}
}

// salloc bumps the scratch cursor. It cannot fail: the scratch is as large
// as the arena and holds only nodes that already fit in the arena.
func (c *compactor) salloc(size int) uint32 {
	ptr := c.cursor
	c.cursor += uint32(align8(size))
	return ptr
}

func (c *compactor) su32(off, v uint32) {
	binary.LittleEndian.PutUint32(c.scratch[off:off+4], v)
}

// relocateTagged relocates a value by its entry tag. Inline tags carry no
// payload node and relocate to themselves.
func (c *compactor) relocateTagged(tag, ptr uint32) uint32 {
	switch tag {
	case TagNumber:
		return c.relocateNumber(ptr)
	case TagString:
		return c.relocateString(ptr)
	case TagObject, TagArray:
		return c.relocateContainer(ptr)
	default:
		return 0
	}
}

func (c *compactor) relocateNumber(old uint32) uint32 {
	if n, ok := c.moved[old]; ok {
		return n
	}
	n := c.salloc(8)
	copy(c.scratch[n:n+8], c.a.bytes()[old:old+8])
	c.moved[old] = n
	return n
}

func (c *compactor) relocateString(old uint32) uint32 {
	if n, ok := c.moved[old]; ok {
		return n
	}
	size := 4 + c.a.u32(old)
	n := c.salloc(int(size))
	copy(c.scratch[n:n+size], c.a.bytes()[old:old+size])
	c.moved[old] = n
	return n
}

// relocateContainer copies an object or array node (and, recursively, its
// entries) into the scratch, following any MOVED chain first and mapping
// every alias on the chain so stale pinned pointers resolve too.
func (c *compactor) relocateContainer(old uint32) uint32 {
	var aliases []uint32
	for c.a.u32(old+containerTagOff) == TagMoved {
		aliases = append(aliases, old)
		old = c.a.u32(old + 4)
	}
	if n, ok := c.moved[old]; ok {
		for _, alias := range aliases {
			c.moved[alias] = n
		}
		return n
	}

	a := c.a
	tag := a.u32(old + containerTagOff)
	capacity := a.u32(old + containerCapOff)
	count := a.u32(old + containerCountOff)

	n := c.salloc(containerSize(tag, capacity))
	c.su32(n+containerTagOff, tag)
	c.su32(n+containerCapOff, capacity)
	c.su32(n+containerCountOff, count)
	// Map before recursing so shared subtrees relocate once.
	c.moved[old] = n
	for _, alias := range aliases {
		c.moved[alias] = n
	}

	stride := entryStride(tag)
	for i := uint32(0); i < count; i++ {
		src := old + containerEntriesOff + i*stride
		dst := n + containerEntriesOff + i*stride
		if tag == TagObject {
			c.su32(dst, c.relocateString(a.u32(src)))
			src += 4
			dst += 4
		}
		vtag := a.u32(src)
		c.su32(dst, vtag)
		c.su32(dst+4, c.relocateTagged(vtag, a.u32(src+4)))
	}
	return n
}
