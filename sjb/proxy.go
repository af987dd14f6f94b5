package sjb

// proxy.go implements the accessor surface of spec.md §4.7.4: keyed and
// indexed reads/writes over arena containers, the property-hint cache,
// swap-delete, and the single splice primitive every array mutation is
// defined in terms of. Go has no operator overloading, so per spec.md §9
// the "transparent object" is an opaque handle with explicit accessor
// methods; correctness is unaffected.

// Proxy is a handle to one live container (object or array) inside an
// Arena. A Proxy stays valid across compaction: child proxies hold a
// pointer cell registered in the GC pin set so relocation rewrites it,
// and the root proxy re-reads root_ptr from the header on every access.
//
// Release a child proxy once it is no longer needed so the GC stops
// tracking (and keeping alive) its subtree. Release is idempotent.
type Proxy struct {
	arena    *Arena
	isRoot   bool
	cell     *uint32
	released bool
}

func (a *Arena) newChildProxy(ptr uint32) *Proxy {
	cell := new(uint32)
	*cell = ptr
	a.pin(cell)
	return &Proxy{arena: a, cell: cell}
}

// Release unregisters this proxy from the GC pin set. The root proxy has
// nothing to unregister. Safe to call more than once.
func (p *Proxy) Release() {
	if p.isRoot || p.released {
		return
	}
	p.released = true
	p.arena.unpin(p.cell)
}

func (p *Proxy) ptr() uint32 {
	if p.isRoot {
		return p.arena.rootPtr()
	}
	return *p.cell
}

func (p *Proxy) node() resolved { return p.arena.resolve(p.ptr()) }

// IsArray reports whether this proxy addresses an array node.
func (p *Proxy) IsArray() bool { return p.node().tag == TagArray }

// IsObject reports whether this proxy addresses an object node.
func (p *Proxy) IsObject() bool { return p.node().tag == TagObject }

// Len returns the entry count of an object or the length of an array.
func (p *Proxy) Len() int { return int(p.node().count) }

// Arena returns the arena this proxy reads from and writes into.
func (p *Proxy) Arena() *Arena { return p.arena }

// decodeValue maps an entry's (tag, payload) to a Go value: nil, bool,
// float64, string, or a child *Proxy for containers.
func (a *Arena) decodeValue(tag, payload uint32) any {
	switch tag {
	case TagNull:
		return nil
	case TagTrue:
		return true
	case TagFalse:
		return false
	case TagNumber:
		return a.f64(payload)
	case TagString:
		return a.readString(payload)
	default:
		return a.newChildProxy(payload)
	}
}

// findEntry locates key in an object node, consulting the property-hint
// cache first and falling back to a linear scan. A cached index is only a
// guess: it is validated against the stored key before use, so stale hints
// (from grown containers or swap-deletes) degrade to a scan, never to a
// wrong answer.
func (a *Arena) findEntry(node resolved, key string) (uint32, bool) {
	if idx, ok := a.hintLookup(node.ptr, key); ok && idx < node.count {
		off := a.entryOffset(node, idx)
		if a.internedString(a.u32(off)) == key {
			return idx, true
		}
	}
	for i := uint32(0); i < node.count; i++ {
		off := a.entryOffset(node, i)
		if a.internedString(a.u32(off)) == key {
			a.hintStore(node.ptr, key, i)
			return i, true
		}
	}
	return 0, false
}

// Get reads the value stored under key. A missing key returns
// ErrKeyNotFound, which is distinguishable from a stored null (nil, nil).
func (p *Proxy) Get(key string) (any, error) {
	a := p.arena
	node := p.node()
	if node.tag != TagObject {
		return nil, ErrWrongKind
	}
	idx, ok := a.findEntry(node, key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	off := a.entryOffset(node, idx)
	return a.decodeValue(a.u32(off+4), a.u32(off+8)), nil
}

// Has reports whether key is present.
func (p *Proxy) Has(key string) bool {
	node := p.node()
	if node.tag != TagObject {
		return false
	}
	_, ok := p.arena.findEntry(node, key)
	return ok
}

// Keys returns the object's keys in entry order — insertion order modulo
// the holes swap-delete leaves behind.
func (p *Proxy) Keys() []string {
	a := p.arena
	node := p.node()
	if node.tag != TagObject {
		return nil
	}
	keys := make([]string, 0, node.count)
	for i := uint32(0); i < node.count; i++ {
		keys = append(keys, a.internedString(a.u32(a.entryOffset(node, i))))
	}
	return keys
}

// encodeValue allocates arena nodes for v and returns its entry tag plus
// the temp-root stack index holding its payload pointer (-1 for inline
// tags). The caller must read the payload back through tempRootPtr only
// after its last allocation, then popTempRoot exactly once for tr >= 0.
func (a *Arena) encodeValue(v any) (tag uint32, tr int, err error) {
	switch x := v.(type) {
	case nil:
		return TagNull, -1, nil
	case bool:
		if x {
			return TagTrue, -1, nil
		}
		return TagFalse, -1, nil
	case float64:
		return a.encodeNumber(x)
	case float32:
		return a.encodeNumber(float64(x))
	case int:
		return a.encodeNumber(float64(x))
	case int32:
		return a.encodeNumber(float64(x))
	case int64:
		return a.encodeNumber(float64(x))
	case uint32:
		return a.encodeNumber(float64(x))
	case uint64:
		return a.encodeNumber(float64(x))
	case string:
		ptr, err := a.allocString(x)
		if err != nil {
			return 0, -1, err
		}
		return TagString, a.pushTempRoot(TagString, ptr), nil
	case map[string]any:
		return a.encodeObject(x)
	case []any:
		return a.encodeArray(x)
	case *Proxy:
		return a.encodeValue(x.Export())
	default:
		return 0, -1, ErrWrongKind
	}
}

func (a *Arena) encodeNumber(v float64) (uint32, int, error) {
	ptr, err := a.allocNumber(v)
	if err != nil {
		return 0, -1, err
	}
	return TagNumber, a.pushTempRoot(TagNumber, ptr), nil
}

func (a *Arena) encodeObject(m map[string]any) (uint32, int, error) {
	ptr, err := a.allocContainer(TagObject, uint32(len(m)))
	if err != nil {
		return 0, -1, err
	}
	tr := a.pushTempRoot(TagObject, ptr)
	for k, v := range m {
		if err := a.appendObjectEntry(tr, k, v); err != nil {
			return 0, -1, err
		}
	}
	return TagObject, tr, nil
}

// appendObjectEntry encodes v, allocates the key string, then links both
// into the container held at temp-root index tr. Pointers are re-read
// from the temp-root stack after every allocation because any of them may
// have triggered a compaction.
func (a *Arena) appendObjectEntry(tr int, key string, v any) error {
	vtag, vtr, err := a.encodeValue(v)
	if err != nil {
		return err
	}
	keyPtr, err := a.allocString(key)
	if err != nil {
		return err
	}
	cptr := a.tempRootPtr(tr)
	count := a.u32(cptr + containerCountOff)
	off := cptr + containerEntriesOff + count*objectEntryStride
	a.putU32(off, keyPtr)
	a.putU32(off+4, vtag)
	payload := uint32(0)
	if vtr >= 0 {
		payload = a.tempRootPtr(vtr)
		a.popTempRoot()
	}
	a.putU32(off+8, payload)
	a.putU32(cptr+containerCountOff, count+1)
	return nil
}

func (a *Arena) encodeArray(items []any) (uint32, int, error) {
	ptr, err := a.allocContainer(TagArray, uint32(len(items)))
	if err != nil {
		return 0, -1, err
	}
	tr := a.pushTempRoot(TagArray, ptr)
	for i, v := range items {
		vtag, vtr, err := a.encodeValue(v)
		if err != nil {
			return 0, -1, err
		}
		cptr := a.tempRootPtr(tr)
		off := cptr + containerEntriesOff + uint32(i)*arrayEntryStride
		a.putU32(off, vtag)
		payload := uint32(0)
		if vtr >= 0 {
			payload = a.tempRootPtr(vtr)
			a.popTempRoot()
		}
		a.putU32(off+4, payload)
		a.putU32(cptr+containerCountOff, uint32(i)+1)
	}
	return TagArray, tr, nil
}

// grow reallocates this proxy's container with at least minCap capacity,
// leaving a MOVED marker at the old address for any other reference still
// pointing there (spec.md §4.7.2). The proxy's own pointer is updated
// directly, and the node is re-resolved after the allocation because it
// may have run a compaction.
func (p *Proxy) grow(minCap uint32) (resolved, error) {
	a := p.arena
	node := p.node()
	newCap := node.capacity * 2
	if newCap < 4 {
		newCap = 4
	}
	for newCap < minCap {
		newCap *= 2
	}
	newPtr, err := a.allocContainer(node.tag, newCap)
	if err != nil {
		return resolved{}, err
	}
	node = p.node()
	stride := entryStride(node.tag)
	size := node.count * stride
	copy(a.bytes()[newPtr+containerEntriesOff:newPtr+containerEntriesOff+size],
		a.bytes()[node.ptr+containerEntriesOff:node.ptr+containerEntriesOff+size])
	a.putU32(newPtr+containerCountOff, node.count)
	a.markMoved(node.ptr, newPtr)
	if p.isRoot {
		a.setRootPtr(newPtr)
	} else {
		*p.cell = newPtr
	}
	return a.resolve(newPtr), nil
}

// Set stores value under key, overwriting the value slot on a hit and
// appending a new entry (growing the container if full) on a miss.
func (p *Proxy) Set(key string, value any) error {
	a := p.arena
	if a.readOnly {
		return ErrReadOnly
	}
	node := p.node()
	if node.tag != TagObject {
		return ErrWrongKind
	}

	vtag, vtr, err := a.encodeValue(value)
	if err != nil {
		return err
	}
	node = p.node()

	if idx, ok := a.findEntry(node, key); ok {
		off := a.entryOffset(node, idx)
		a.putU32(off+4, vtag)
		payload := uint32(0)
		if vtr >= 0 {
			payload = a.tempRootPtr(vtr)
			a.popTempRoot()
		}
		a.putU32(off+8, payload)
		return nil
	}

	if node.count == node.capacity {
		if node, err = p.grow(node.count + 1); err != nil {
			return err
		}
	}
	keyPtr, err := a.allocString(key)
	if err != nil {
		return err
	}
	node = p.node()
	off := a.entryOffset(node, node.count)
	a.putU32(off, keyPtr)
	a.putU32(off+4, vtag)
	payload := uint32(0)
	if vtr >= 0 {
		payload = a.tempRootPtr(vtr)
		a.popTempRoot()
	}
	a.putU32(off+8, payload)
	a.putU32(node.ptr+containerCountOff, node.count+1)
	a.hintStore(node.ptr, key, node.count)
	return nil
}

// Delete removes key using swap-with-last-then-decrement. Deleting a
// missing key is a no-op and returns nil; insertion order is not
// preserved across a delete (spec.md §4.7.4).
func (p *Proxy) Delete(key string) error {
	a := p.arena
	if a.readOnly {
		return ErrReadOnly
	}
	node := p.node()
	if node.tag != TagObject {
		return ErrWrongKind
	}
	idx, ok := a.findEntry(node, key)
	if !ok {
		return nil
	}
	last := node.count - 1
	if idx != last {
		src := a.entryOffset(node, last)
		dst := a.entryOffset(node, idx)
		copy(a.bytes()[dst:dst+objectEntryStride], a.bytes()[src:src+objectEntryStride])
	}
	a.putU32(node.ptr+containerCountOff, last)
	return nil
}

// Index reads the array element at i.
func (p *Proxy) Index(i int) (any, error) {
	a := p.arena
	node := p.node()
	if node.tag != TagArray {
		return nil, ErrWrongKind
	}
	if i < 0 || uint32(i) >= node.count {
		return nil, ErrIndexOutOfRange
	}
	off := a.entryOffset(node, uint32(i))
	return a.decodeValue(a.u32(off), a.u32(off+4)), nil
}

// SetIndex overwrites the array element at i.
func (p *Proxy) SetIndex(i int, value any) error {
	a := p.arena
	if a.readOnly {
		return ErrReadOnly
	}
	node := p.node()
	if node.tag != TagArray {
		return ErrWrongKind
	}
	if i < 0 || uint32(i) >= node.count {
		return ErrIndexOutOfRange
	}
	vtag, vtr, err := a.encodeValue(value)
	if err != nil {
		return err
	}
	node = p.node()
	off := a.entryOffset(node, uint32(i))
	a.putU32(off, vtag)
	payload := uint32(0)
	if vtr >= 0 {
		payload = a.tempRootPtr(vtr)
		a.popTempRoot()
	}
	a.putU32(off+4, payload)
	return nil
}

// Splice is the single primitive every array mutation reduces to: it
// removes deleteCount elements at start and inserts items in their place,
// growing the container when needed and shifting the tail with one byte
// move. start and deleteCount are clamped to the array bounds.
func (p *Proxy) Splice(start, deleteCount int, items ...any) error {
	a := p.arena
	if a.readOnly {
		return ErrReadOnly
	}
	node := p.node()
	if node.tag != TagArray {
		return ErrWrongKind
	}
	length := int(node.count)
	if start < 0 {
		start = 0
	}
	if start > length {
		start = length
	}
	if deleteCount < 0 {
		deleteCount = 0
	}
	if deleteCount > length-start {
		deleteCount = length - start
	}

	// Encode every inserted item before touching the entries: each
	// allocation may compact, and the temp-root stack keeps both the
	// items and (via the pin set / root header) this container alive.
	tags := make([]uint32, len(items))
	trs := make([]int, len(items))
	for i, v := range items {
		vtag, vtr, err := a.encodeValue(v)
		if err != nil {
			return err
		}
		tags[i], trs[i] = vtag, vtr
	}

	newLen := length - deleteCount + len(items)
	node = p.node()
	if uint32(newLen) > node.capacity {
		var err error
		if node, err = p.grow(uint32(newLen)); err != nil {
			return err
		}
	}

	base := node.ptr + containerEntriesOff
	if deleteCount != len(items) {
		srcOff := base + uint32(start+deleteCount)*arrayEntryStride
		dstOff := base + uint32(start+len(items))*arrayEntryStride
		tail := uint32(length-start-deleteCount) * arrayEntryStride
		copy(a.bytes()[dstOff:dstOff+tail], a.bytes()[srcOff:srcOff+tail])
	}
	for i := range items {
		off := base + uint32(start+i)*arrayEntryStride
		a.putU32(off, tags[i])
		payload := uint32(0)
		if trs[i] >= 0 {
			payload = a.tempRootPtr(trs[i])
		}
		a.putU32(off+4, payload)
	}
	for i := len(items) - 1; i >= 0; i-- {
		if trs[i] >= 0 {
			a.popTempRoot()
		}
	}
	a.putU32(node.ptr+containerCountOff, uint32(newLen))
	return nil
}

// Append pushes items onto the end of the array.
func (p *Proxy) Append(items ...any) error {
	return p.Splice(p.Len(), 0, items...)
}

// Pop removes and returns the last element.
func (p *Proxy) Pop() (any, error) {
	n := p.Len()
	if n == 0 {
		return nil, ErrIndexOutOfRange
	}
	v, err := p.Index(n - 1)
	if err != nil {
		return nil, err
	}
	return v, p.Splice(n-1, 1)
}

// Shift removes and returns the first element.
func (p *Proxy) Shift() (any, error) {
	if p.Len() == 0 {
		return nil, ErrIndexOutOfRange
	}
	v, err := p.Index(0)
	if err != nil {
		return nil, err
	}
	return v, p.Splice(0, 1)
}

// Unshift inserts items at the front of the array.
func (p *Proxy) Unshift(items ...any) error {
	return p.Splice(0, 0, items...)
}

// Export materializes this subtree as native Go values (map[string]any,
// []any, float64, string, bool, nil), fully detached from the arena. The
// walk never allocates arena bytes and never creates proxies, so it is
// safe through a read-only view.
func (p *Proxy) Export() any {
	return p.arena.exportContainer(p.node())
}

func (a *Arena) exportContainer(node resolved) any {
	if node.tag == TagArray {
		out := make([]any, node.count)
		for i := uint32(0); i < node.count; i++ {
			off := a.entryOffset(node, i)
			out[i] = a.exportTagged(a.u32(off), a.u32(off+4))
		}
		return out
	}
	out := make(map[string]any, node.count)
	for i := uint32(0); i < node.count; i++ {
		off := a.entryOffset(node, i)
		out[a.readString(a.u32(off))] = a.exportTagged(a.u32(off+4), a.u32(off+8))
	}
	return out
}

func (a *Arena) exportTagged(tag, payload uint32) any {
	switch tag {
	case TagNull:
		return nil
	case TagTrue:
		return true
	case TagFalse:
		return false
	case TagNumber:
		return a.f64(payload)
	case TagString:
		return a.readString(payload)
	default:
		return a.exportContainer(a.resolve(payload))
	}
}
