package ndb

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// seqAllocator hands out sequential page-sized offsets starting right
// after the header, for tests that don't need a real AMap.
type seqAllocator struct {
	next int64
}

func newSeqAllocator() *seqAllocator { return &seqAllocator{next: FirstAMapPageOffset} }

func (a *seqAllocator) AllocatePage() (PageID, error) {
	id := PageID(a.next)
	a.next += PageSize
	return id, nil
}

func (a *seqAllocator) FreePage(PageID) error { return nil }

func uint32Codec() BTreeCodec[uint32, uint64] {
	return BTreeCodec[uint32, uint64]{
		KeySize:   4,
		ValueSize: 8,
		EncodeKey: func(k uint32, b []byte) { binary.LittleEndian.PutUint32(b, k) },
		DecodeKey: func(b []byte) uint32 { return binary.LittleEndian.Uint32(b) },
		EncodeValue: func(v uint64, b []byte) { binary.LittleEndian.PutUint64(b, v) },
		DecodeValue: func(b []byte) uint64 { return binary.LittleEndian.Uint64(b) },
		Compare: func(a, b uint32) int {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			default:
				return 0
			}
		},
	}
}

func newTestTree(t *testing.T) (*BTree[uint32, uint64], *seqAllocator) {
	path := filepath.Join(t.TempDir(), "f.db")
	fio, err := openFileIO(path, true, BackendOSFile)
	require.NoError(t, err)
	t.Cleanup(func() { fio.Close() })
	alloc := newSeqAllocator()
	return NewBTree[uint32, uint64](fio, alloc, 0, ValidationFull, PageTypeNBT, uint32Codec()), alloc
}

func TestBTreeInsertLookup(t *testing.T) {
	tree, _ := newTestTree(t)

	for i := uint32(0); i < 50; i++ {
		require.NoError(t, tree.Insert(i, uint64(i)*10, false))
	}

	for i := uint32(0); i < 50; i++ {
		v, ok, err := tree.Lookup(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(i)*10, v)
	}

	_, ok, err := tree.Lookup(999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBTreeDuplicateKeyRejected(t *testing.T) {
	tree, _ := newTestTree(t)
	require.NoError(t, tree.Insert(1, 100, false))
	err := tree.Insert(1, 200, false)
	require.Error(t, err)
}

func TestBTreeOverwriteAllowed(t *testing.T) {
	tree, _ := newTestTree(t)
	require.NoError(t, tree.Insert(1, 100, true))
	require.NoError(t, tree.Insert(1, 200, true))
	v, ok, err := tree.Lookup(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(200), v)
}

func TestBTreeSplitsAcrossManyEntries(t *testing.T) {
	tree, _ := newTestTree(t)
	const n = 500
	for i := uint32(0); i < n; i++ {
		require.NoError(t, tree.Insert(i, uint64(i), false))
	}
	count := 0
	require.NoError(t, tree.Walk(func(k uint32, v uint64) error {
		require.Equal(t, uint64(k), v)
		count++
		return nil
	}))
	require.Equal(t, n, count)
}

func TestBTreeDelete(t *testing.T) {
	tree, _ := newTestTree(t)
	for i := uint32(0); i < 20; i++ {
		require.NoError(t, tree.Insert(i, uint64(i), false))
	}
	removed, err := tree.Delete(10)
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, err := tree.Lookup(10)
	require.NoError(t, err)
	require.False(t, ok)

	removed, err = tree.Delete(10)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestBTreeWalkOrdered(t *testing.T) {
	tree, _ := newTestTree(t)
	values := []uint32{5, 3, 9, 1, 7}
	for _, v := range values {
		require.NoError(t, tree.Insert(v, uint64(v), false))
	}
	var seen []uint32
	require.NoError(t, tree.Walk(func(k uint32, _ uint64) error {
		seen = append(seen, k)
		return nil
	}))
	for i := 1; i < len(seen); i++ {
		require.Less(t, seen[i-1], seen[i])
	}
}

func TestBTreeInsertBelowMinimumKey(t *testing.T) {
	tree, _ := newTestTree(t)

	// Force at least one split so the tree has a branch level, then
	// insert a key below every existing separator. The leftmost child is
	// the catch-all for keys below the first separator, so the key must
	// remain reachable even though the separator is not lowered.
	for i := uint32(1000); i < 1500; i++ {
		require.NoError(t, tree.Insert(i, uint64(i), false))
	}
	require.NoError(t, tree.Insert(5, 55, false))

	v, ok, err := tree.Lookup(5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(55), v)

	var first uint32
	seen := false
	require.NoError(t, tree.Walk(func(k uint32, _ uint64) error {
		if !seen {
			first, seen = k, true
		}
		return nil
	}))
	require.Equal(t, uint32(5), first)
}
