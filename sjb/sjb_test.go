package sjb

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootRoundTrip(t *testing.T) {
	a, err := NewFromJSON(4096, `{"score":0,"players":["Main"],"level":{"id":1,"title":"Start"},"flag":true,"missing":null}`)
	require.NoError(t, err)

	root := a.Root()
	v, err := root.Get("score")
	require.NoError(t, err)
	require.Equal(t, float64(0), v)

	players, err := root.Get("players")
	require.NoError(t, err)
	arr := players.(*Proxy)
	require.True(t, arr.IsArray())
	require.Equal(t, 1, arr.Len())
	first, err := arr.Index(0)
	require.NoError(t, err)
	require.Equal(t, "Main", first)

	flag, err := root.Get("flag")
	require.NoError(t, err)
	require.Equal(t, true, flag)

	// A stored null is distinguishable from a missing key.
	null, err := root.Get("missing")
	require.NoError(t, err)
	require.Nil(t, null)
	_, err = root.Get("never-set")
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.Equal(t, map[string]any{
		"score":   float64(0),
		"players": []any{"Main"},
		"level":   map[string]any{"id": float64(1), "title": "Start"},
		"flag":    true,
		"missing": nil,
	}, root.Export())
}

// TestNestedUpdate mirrors spec.md §8 scenario 7: a worker mutates score
// and players, the main view re-reads, level is untouched.
func TestNestedUpdate(t *testing.T) {
	a, err := NewFromJSON(4096, `{"score":0,"players":["Main"],"level":{"id":1,"title":"Start"}}`)
	require.NoError(t, err)

	worker := a.BindShared()
	wroot := worker.Root()
	score, err := wroot.Get("score")
	require.NoError(t, err)
	require.NoError(t, wroot.Set("score", score.(float64)+100))
	players, err := wroot.Get("players")
	require.NoError(t, err)
	require.NoError(t, players.(*Proxy).Append("Worker1"))
	players.(*Proxy).Release()

	root := a.Root()
	score, err = root.Get("score")
	require.NoError(t, err)
	require.Equal(t, float64(100), score)
	p, err := root.Get("players")
	require.NoError(t, err)
	require.Equal(t, []any{"Main", "Worker1"}, p.(*Proxy).Export())
	level, err := root.Get("level")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"id": float64(1), "title": "Start"}, level.(*Proxy).Export())
}

// TestGCUnderOOM mirrors spec.md §8 scenario 8: a 512-byte arena with a
// permanent subtree survives 50 overwrites of a sibling key, each of
// which makes the previous temp object garbage.
func TestGCUnderOOM(t *testing.T) {
	a, err := New(512)
	require.NoError(t, err)
	root := a.Root()
	require.NoError(t, root.Set("permanent", map[string]any{
		"id":   1,
		"data": "I should survive",
	}))

	for i := 0; i < 50; i++ {
		require.NoError(t, root.Set("temp", map[string]any{"iteration": i}))
	}
	require.Greater(t, a.GCCycles(), uint64(0))

	perm, err := root.Get("permanent")
	require.NoError(t, err)
	data, err := perm.(*Proxy).Get("data")
	require.NoError(t, err)
	require.Equal(t, "I should survive", data)

	temp, err := root.Get("temp")
	require.NoError(t, err)
	iter, err := temp.(*Proxy).Get("iteration")
	require.NoError(t, err)
	require.Equal(t, float64(49), iter)
}

// TestProxySurvivesCompaction checks spec.md §8 "SJB GC integrity" (b):
// a subtree proxy obtained before compaction still addresses the same
// logical subtree afterwards, via the pin-set rewrite.
func TestProxySurvivesCompaction(t *testing.T) {
	a, err := New(1024)
	require.NoError(t, err)
	root := a.Root()
	require.NoError(t, root.Set("keep", map[string]any{"name": "pinned"}))

	keep, err := root.Get("keep")
	require.NoError(t, err)
	pinned := keep.(*Proxy)

	for i := 0; i < 80; i++ {
		require.NoError(t, root.Set("churn", map[string]any{"i": i, "pad": "xxxxxxxxxxxxxxxx"}))
	}
	require.Greater(t, a.GCCycles(), uint64(0))

	name, err := pinned.Get("name")
	require.NoError(t, err)
	require.Equal(t, "pinned", name)
	pinned.Release()
}

func TestDeleteSwapsWithLastAndIsIdempotent(t *testing.T) {
	a, err := NewFromJSON(4096, `{"a":1,"b":2,"c":3}`)
	require.NoError(t, err)
	root := a.Root()

	require.NoError(t, root.Delete("a"))
	require.Equal(t, 2, root.Len())
	require.False(t, root.Has("a"))
	// Swap-with-last moved c into a's slot; both survivors still read.
	for _, k := range []string{"b", "c"} {
		v, err := root.Get(k)
		require.NoError(t, err)
		require.NotNil(t, v)
	}
	// Deleting a missing key is a no-op success.
	require.NoError(t, root.Delete("a"))
	require.NoError(t, root.Delete("zzz"))
	require.Equal(t, 2, root.Len())
}

func TestArraySpliceFamily(t *testing.T) {
	a, err := NewFromJSON(4096, `{"xs":[1,2,3]}`)
	require.NoError(t, err)
	v, err := a.Root().Get("xs")
	require.NoError(t, err)
	xs := v.(*Proxy)

	require.NoError(t, xs.Append(4, 5))
	require.NoError(t, xs.Unshift(0))
	require.Equal(t, []any{float64(0), float64(1), float64(2), float64(3), float64(4), float64(5)}, xs.Export())

	popped, err := xs.Pop()
	require.NoError(t, err)
	require.Equal(t, float64(5), popped)

	shifted, err := xs.Shift()
	require.NoError(t, err)
	require.Equal(t, float64(0), shifted)

	require.NoError(t, xs.Splice(1, 2, "mid"))
	require.Equal(t, []any{float64(1), "mid", float64(4)}, xs.Export())

	require.NoError(t, xs.SetIndex(0, nil))
	got, err := xs.Index(0)
	require.NoError(t, err)
	require.Nil(t, got)
	_, err = xs.Index(99)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestReadOnlyViewRefusesMutation(t *testing.T) {
	a, err := NewFromJSON(1024, `{"k":1,"xs":[1]}`)
	require.NoError(t, err)
	ro := a.ReadOnlyView().Root()

	v, err := ro.Get("k")
	require.NoError(t, err)
	require.Equal(t, float64(1), v)

	require.ErrorIs(t, ro.Set("k", 2), ErrReadOnly)
	require.ErrorIs(t, ro.Delete("k"), ErrReadOnly)
	xs, err := ro.Get("xs")
	require.NoError(t, err)
	require.ErrorIs(t, xs.(*Proxy).Append(2), ErrReadOnly)
}

func TestHeapExhaustedAfterCompaction(t *testing.T) {
	a, err := New(256)
	require.NoError(t, err)
	root := a.Root()
	var failed bool
	for i := 0; i < 64; i++ {
		if err := root.Set("k"+string(rune('a'+i%26)), "0123456789abcdef0123456789abcdef"); err != nil {
			require.ErrorIs(t, err, ErrHeapExhausted)
			failed = true
			break
		}
	}
	require.True(t, failed, "a 256-byte arena must eventually exhaust")
}

// TestWireFormat pins the bit-exact constants of spec.md §6 so a
// cross-language reimplementation can interoperate on raw bytes.
func TestWireFormat(t *testing.T) {
	require.Equal(t, uint32(0), TagNull)
	require.Equal(t, uint32(1), TagTrue)
	require.Equal(t, uint32(2), TagFalse)
	require.Equal(t, uint32(3), TagNumber)
	require.Equal(t, uint32(4), TagString)
	require.Equal(t, uint32(5), TagObject)
	require.Equal(t, uint32(6), TagArray)
	require.Equal(t, uint32(0xFFFFFFFF), TagMoved)
	require.Equal(t, 16, HeaderSize)
	require.Equal(t, 0, headerFreePtrOffset)
	require.Equal(t, 8, headerRootPtrOffset)
	require.Equal(t, 12, objectEntryStride)
	require.Equal(t, 8, arrayEntryStride)

	a, err := New(1024)
	require.NoError(t, err)
	require.NoError(t, a.Root().Set("k", true))

	raw := a.Region().Bytes()
	rootPtr := binary.LittleEndian.Uint32(raw[headerRootPtrOffset:])
	require.Equal(t, uint32(TagObject), binary.LittleEndian.Uint32(raw[rootPtr:]))
	count := binary.LittleEndian.Uint32(raw[rootPtr+containerCountOff:])
	require.Equal(t, uint32(1), count)
	entry := rootPtr + containerEntriesOff
	keyPtr := binary.LittleEndian.Uint32(raw[entry:])
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(raw[keyPtr:])) // len("k")
	require.Equal(t, byte('k'), raw[keyPtr+4])
	require.Equal(t, uint32(TagTrue), binary.LittleEndian.Uint32(raw[entry+4:]))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(raw[entry+8:]))
}

func TestJSONDump(t *testing.T) {
	a, err := NewFromJSON(2048, `{"n":1.5,"s":"hi","b":false,"xs":[null,true]}`)
	require.NoError(t, err)
	out := a.Root().JSON()
	for _, frag := range []string{`"n":1.5`, `"s":"hi"`, `"b":false`, `[null,true]`} {
		require.Contains(t, out, frag)
	}
	require.Contains(t, a.Root().PrettyJSON(), "\n")
}

func TestNewArrayRootIsAllNull(t *testing.T) {
	a, err := NewArray(1024, 8)
	require.NoError(t, err)
	root := a.Root()
	require.True(t, root.IsArray())
	require.Equal(t, 8, root.Len())
	for i := 0; i < 8; i++ {
		v, err := root.Index(i)
		require.NoError(t, err)
		require.Nil(t, v)
	}
}
