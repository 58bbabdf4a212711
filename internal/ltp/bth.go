package ltp

import (
	"encoding/binary"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ndb"
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// bthHeaderSize is the fixed size of a BTH's header allocation: key size,
// value size, root level, one reserved byte, and the root node's heap id.
const bthHeaderSize = 1 + 1 + 1 + 1 + 4

// bthNodeHeaderSize is the fixed prefix of every BTH node allocation: the
// node's level (0 for a leaf) and its entry count.
const bthNodeHeaderSize = 1 + 2

// BTHCodec describes how a BTH's fixed-size keys and values are packed
// into heap allocation bytes, mirroring ndb.BTreeCodec's shape but for a
// tree whose nodes are heap items rather than disk pages (the same
// trait-like parameterisation, reused a second time at this layer).
type BTHCodec[K any, V any] struct {
	KeySize     int
	ValueSize   int
	EncodeKey   func(K, []byte)
	DecodeKey   func([]byte) K
	EncodeValue func(V, []byte)
	DecodeValue func([]byte) V
	Compare     func(a, b K) int
}

// BTH is a B-tree on Heap: the Property Context's property-id-sorted
// entry list and the Table Context's row index are
// both instances of this structure, opened with different (K, V) pairs.
type BTH[K any, V any] struct {
	heap   *Heap
	header ndb.HeapID
	codec  BTHCodec[K, V]
}

// CreateBTH allocates a fresh, empty BTH header on heap and returns a BTH
// wrapping it; the header's allocation id is the value callers should
// persist (typically via heap.SetRootID, or embedded in a containing
// structure) to reopen this BTH later.
func CreateBTH[K any, V any](heap *Heap, codec BTHCodec[K, V]) (*BTH[K, V], error) {
	buf := make([]byte, bthHeaderSize)
	buf[0] = byte(codec.KeySize)
	buf[1] = byte(codec.ValueSize)
	buf[2] = 0 // num_levels: root is a leaf (or empty)
	id, err := heap.Allocate(buf)
	if err != nil {
		return nil, err
	}
	return &BTH[K, V]{heap: heap, header: id, codec: codec}, nil
}

// OpenBTH opens an existing BTH from its header allocation, failing if
// the stored key/value sizes don't match codec.
func OpenBTH[K any, V any](heap *Heap, header ndb.HeapID, codec BTHCodec[K, V]) (*BTH[K, V], error) {
	raw, err := heap.Read(header)
	if err != nil {
		return nil, err
	}
	if len(raw) < bthHeaderSize {
		return nil, utils.New(utils.KindDatabaseCorrupt, "bth header allocation too small")
	}
	if int(raw[0]) != codec.KeySize || int(raw[1]) != codec.ValueSize {
		return nil, utils.New(utils.KindInvalidArgument, "bth key/value size mismatch")
	}
	return &BTH[K, V]{heap: heap, header: header, codec: codec}, nil
}

// HeaderID returns the heap allocation id of this BTH's header, for the
// owner to persist.
func (t *BTH[K, V]) HeaderID() ndb.HeapID { return t.header }

func (t *BTH[K, V]) readHeader() (level uint8, root ndb.HeapID, err error) {
	raw, err := t.heap.Read(t.header)
	if err != nil {
		return 0, 0, err
	}
	level = raw[2]
	root = ndb.HeapID(binary.LittleEndian.Uint32(raw[4:8]))
	return level, root, nil
}

func (t *BTH[K, V]) writeHeader(level uint8, root ndb.HeapID) error {
	buf := make([]byte, bthHeaderSize)
	buf[0] = byte(t.codec.KeySize)
	buf[1] = byte(t.codec.ValueSize)
	buf[2] = level
	binary.LittleEndian.PutUint32(buf[4:8], uint32(root))
	return t.heap.Reallocate(t.header, buf)
}

func (t *BTH[K, V]) entrySize(leaf bool) int {
	if leaf {
		return t.codec.KeySize + t.codec.ValueSize
	}
	return t.codec.KeySize + 4 // child HeapID
}

func (t *BTH[K, V]) maxEntries(leaf bool) int {
	return (ndb.HeapMaxAllocSize - bthNodeHeaderSize) / t.entrySize(leaf)
}

type bthLeafEntry[K any, V any] struct {
	Key K
	Val V
}

type bthBranchEntry[K any] struct {
	Key   K
	Child ndb.HeapID
}

func (t *BTH[K, V]) readLeaf(raw []byte) []bthLeafEntry[K, V] {
	count := binary.LittleEndian.Uint16(raw[1:3])
	sz := t.entrySize(true)
	entries := make([]bthLeafEntry[K, V], count)
	pos := bthNodeHeaderSize
	for i := 0; i < int(count); i++ {
		key := t.codec.DecodeKey(raw[pos : pos+t.codec.KeySize])
		val := t.codec.DecodeValue(raw[pos+t.codec.KeySize : pos+sz])
		entries[i] = bthLeafEntry[K, V]{Key: key, Val: val}
		pos += sz
	}
	return entries
}

func (t *BTH[K, V]) readBranch(raw []byte) []bthBranchEntry[K] {
	count := binary.LittleEndian.Uint16(raw[1:3])
	sz := t.entrySize(false)
	entries := make([]bthBranchEntry[K], count)
	pos := bthNodeHeaderSize
	for i := 0; i < int(count); i++ {
		key := t.codec.DecodeKey(raw[pos : pos+t.codec.KeySize])
		child := ndb.HeapID(binary.LittleEndian.Uint32(raw[pos+t.codec.KeySize : pos+sz]))
		entries[i] = bthBranchEntry[K]{Key: key, Child: child}
		pos += sz
	}
	return entries
}

func (t *BTH[K, V]) encodeLeaf(level uint8, entries []bthLeafEntry[K, V]) []byte {
	sz := t.entrySize(true)
	buf := make([]byte, bthNodeHeaderSize+len(entries)*sz)
	buf[0] = level
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(entries)))
	pos := bthNodeHeaderSize
	for _, e := range entries {
		t.codec.EncodeKey(e.Key, buf[pos:pos+t.codec.KeySize])
		t.codec.EncodeValue(e.Val, buf[pos+t.codec.KeySize:pos+sz])
		pos += sz
	}
	return buf
}

func (t *BTH[K, V]) encodeBranch(level uint8, entries []bthBranchEntry[K]) []byte {
	sz := t.entrySize(false)
	buf := make([]byte, bthNodeHeaderSize+len(entries)*sz)
	buf[0] = level
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(entries)))
	pos := bthNodeHeaderSize
	for _, e := range entries {
		t.codec.EncodeKey(e.Key, buf[pos:pos+t.codec.KeySize])
		binary.LittleEndian.PutUint32(buf[pos+t.codec.KeySize:pos+sz], uint32(e.Child))
		pos += sz
	}
	return buf
}

// Lookup returns the value stored for key, or (_, false, nil) if absent.
func (t *BTH[K, V]) Lookup(key K) (V, bool, error) {
	var zero V
	level, root, err := t.readHeader()
	if err != nil {
		return zero, false, err
	}
	if root.IsZero() {
		return zero, false, nil
	}
	id := root
	for {
		raw, err := t.heap.Read(id)
		if err != nil {
			return zero, false, err
		}
		if level == 0 {
			for _, e := range t.readLeaf(raw) {
				if t.codec.Compare(e.Key, key) == 0 {
					return e.Val, true, nil
				}
			}
			return zero, false, nil
		}
		entries := t.readBranch(raw)
		child, ok := descendBTH(entries, key, t.codec.Compare)
		if !ok {
			return zero, false, nil
		}
		id = child
		level--
	}
}

// descendBTH mirrors descendBranch: the leftmost child is the catch-all
// for keys below the first separator, since insert never lowers it.
func descendBTH[K any](entries []bthBranchEntry[K], key K, cmp func(a, b K) int) (ndb.HeapID, bool) {
	if len(entries) == 0 {
		return 0, false
	}
	chosen := entries[0].Child
	for _, e := range entries[1:] {
		if cmp(key, e.Key) >= 0 {
			chosen = e.Child
		} else {
			break
		}
	}
	return chosen, true
}

// Walk invokes fn for every (key, value) pair in key order.
func (t *BTH[K, V]) Walk(fn func(K, V) error) error {
	level, root, err := t.readHeader()
	if err != nil {
		return err
	}
	if root.IsZero() {
		return nil
	}
	return t.walk(root, level, fn)
}

func (t *BTH[K, V]) walk(id ndb.HeapID, level uint8, fn func(K, V) error) error {
	raw, err := t.heap.Read(id)
	if err != nil {
		return err
	}
	if level == 0 {
		for _, e := range t.readLeaf(raw) {
			if err := fn(e.Key, e.Val); err != nil {
				return err
			}
		}
		return nil
	}
	for _, e := range t.readBranch(raw) {
		if err := t.walk(e.Child, level-1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Insert adds the entry for key. An existing entry is overwritten when
// allowOverwrite is set and rejected with KindDuplicateKey otherwise.
func (t *BTH[K, V]) Insert(key K, val V, allowOverwrite bool) error {
	level, root, err := t.readHeader()
	if err != nil {
		return err
	}

	if root.IsZero() {
		id, err := t.heap.Allocate(t.encodeLeaf(0, []bthLeafEntry[K, V]{{Key: key, Val: val}}))
		if err != nil {
			return err
		}
		return t.writeHeader(0, id)
	}

	newRoot, split, err := t.insert(root, level, key, val, allowOverwrite)
	if err != nil {
		return err
	}
	if split == nil {
		return t.writeHeader(level, newRoot)
	}

	branchID, err := t.heap.Allocate(t.encodeBranch(level+1, []bthBranchEntry[K]{
		{Key: split.leftMin, Child: newRoot},
		{Key: split.key, Child: split.id},
	}))
	if err != nil {
		return err
	}
	return t.writeHeader(level+1, branchID)
}

type bthSplitResult[K any] struct {
	leftMin K
	key     K
	id      ndb.HeapID
}

func (t *BTH[K, V]) insert(id ndb.HeapID, level uint8, key K, val V, allowOverwrite bool) (ndb.HeapID, *bthSplitResult[K], error) {
	raw, err := t.heap.Read(id)
	if err != nil {
		return 0, nil, err
	}

	if level == 0 {
		entries := t.readLeaf(raw)
		idx := 0
		for idx < len(entries) && t.codec.Compare(entries[idx].Key, key) < 0 {
			idx++
		}
		if idx < len(entries) && t.codec.Compare(entries[idx].Key, key) == 0 {
			if !allowOverwrite {
				return 0, nil, utils.New(utils.KindDuplicateKey, "key already present")
			}
			entries[idx].Val = val
		} else {
			entries = append(entries, bthLeafEntry[K, V]{})
			copy(entries[idx+1:], entries[idx:])
			entries[idx] = bthLeafEntry[K, V]{Key: key, Val: val}
		}
		return t.writeSplitLeaf(id, entries)
	}

	entries := t.readBranch(raw)
	childIdx := 0
	for i, e := range entries {
		if t.codec.Compare(key, e.Key) >= 0 {
			childIdx = i
		} else {
			break
		}
	}
	newChild, split, err := t.insert(entries[childIdx].Child, level-1, key, val, allowOverwrite)
	if err != nil {
		return 0, nil, err
	}
	entries[childIdx].Child = newChild
	if split != nil {
		entries = append(entries, bthBranchEntry[K]{})
		copy(entries[childIdx+2:], entries[childIdx+1:])
		entries[childIdx+1] = bthBranchEntry[K]{Key: split.key, Child: split.id}
	}
	return t.writeSplitBranch(id, level, entries)
}

func (t *BTH[K, V]) writeSplitLeaf(id ndb.HeapID, entries []bthLeafEntry[K, V]) (ndb.HeapID, *bthSplitResult[K], error) {
	if len(entries) <= t.maxEntries(true) {
		if err := t.heap.Reallocate(id, t.encodeLeaf(0, entries)); err != nil {
			return 0, nil, err
		}
		return id, nil, nil
	}

	mid := len(entries) / 2
	left, right := entries[:mid], entries[mid:]

	if err := t.heap.Reallocate(id, t.encodeLeaf(0, left)); err != nil {
		return 0, nil, err
	}
	rightID, err := t.heap.Allocate(t.encodeLeaf(0, right))
	if err != nil {
		return 0, nil, err
	}
	return id, &bthSplitResult[K]{leftMin: left[0].Key, key: right[0].Key, id: rightID}, nil
}

func (t *BTH[K, V]) writeSplitBranch(id ndb.HeapID, level uint8, entries []bthBranchEntry[K]) (ndb.HeapID, *bthSplitResult[K], error) {
	if len(entries) <= t.maxEntries(false) {
		if err := t.heap.Reallocate(id, t.encodeBranch(level, entries)); err != nil {
			return 0, nil, err
		}
		return id, nil, nil
	}

	mid := len(entries) / 2
	left, right := entries[:mid], entries[mid:]

	if err := t.heap.Reallocate(id, t.encodeBranch(level, left)); err != nil {
		return 0, nil, err
	}
	rightID, err := t.heap.Allocate(t.encodeBranch(level, right))
	if err != nil {
		return 0, nil, err
	}
	return id, &bthSplitResult[K]{leftMin: left[0].Key, key: right[0].Key, id: rightID}, nil
}

// Delete removes key if present. Underfull nodes are not merged with
// siblings, the same trade-off ndb.BTree makes (see its rebuild note):
// a BTH that has shrunk a great deal is expected to be rebuilt wholesale
// by its owner rather than incrementally rebalanced.
func (t *BTH[K, V]) Delete(key K) (bool, error) {
	level, root, err := t.readHeader()
	if err != nil {
		return false, err
	}
	if root.IsZero() {
		return false, nil
	}
	removed, err := t.delete(root, level, key)
	if err != nil {
		return false, err
	}
	return removed, nil
}

func (t *BTH[K, V]) delete(id ndb.HeapID, level uint8, key K) (bool, error) {
	raw, err := t.heap.Read(id)
	if err != nil {
		return false, err
	}

	if level == 0 {
		entries := t.readLeaf(raw)
		idx := -1
		for i, e := range entries {
			if t.codec.Compare(e.Key, key) == 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false, nil
		}
		entries = append(entries[:idx], entries[idx+1:]...)
		return true, t.heap.Reallocate(id, t.encodeLeaf(0, entries))
	}

	entries := t.readBranch(raw)
	childIdx := 0
	for i, e := range entries {
		if t.codec.Compare(key, e.Key) >= 0 {
			childIdx = i
		} else {
			break
		}
	}
	removed, err := t.delete(entries[childIdx].Child, level-1, key)
	if err != nil || !removed {
		return removed, err
	}
	return true, t.heap.Reallocate(id, t.encodeBranch(level, entries))
}
