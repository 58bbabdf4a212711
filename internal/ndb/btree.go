package ndb

import (
	"encoding/binary"
	"sync"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// PageAllocator hands out fresh page ids for newly written B-tree pages.
// Implemented by the AMap allocator (amap.go); kept as a narrow interface
// here so btree.go has no compile-time dependency on allocation policy.
type PageAllocator interface {
	AllocatePage() (PageID, error)
	FreePage(id PageID) error
}

// BTreeCodec describes how a generic B-tree's fixed-size keys and values
// are packed into page bytes. Both NBT and BBT entries are small
// fixed-width records, so one generic implementation serves both rather
// than duplicating page-splitting logic twice.
type BTreeCodec[K any, V any] struct {
	KeySize     int
	ValueSize   int
	EncodeKey   func(K, []byte)
	DecodeKey   func([]byte) K
	EncodeValue func(V, []byte)
	DecodeValue func([]byte) V
	Compare     func(a, b K) int
}

// BTree is a copy-on-write B-tree over fixed-size (K, V) pairs, stored as
// pages addressed by PageID. Every mutation writes new pages for the
// entire path from the changed leaf to a new root rather than mutating in
// place ("copy-on-write": a page is never mutated after it has
// been referenced by a committed root). The caller publishes the new
// root (via Context.Commit) only once every page on the path has been
// durably written.
type BTree[K any, V any] struct {
	mu       sync.RWMutex
	root     PageID
	alloc    PageAllocator
	fio      FileIO
	level    ValidationLevel
	codec    BTreeCodec[K, V]
	pageType PageType
}

// NewBTree wraps an existing root page. root may be the zero PageID for
// an empty tree; Lookup then always misses and Insert allocates the
// first leaf. pageType is stamped into every page this tree writes
// (PageTypeNBT or PageTypeBBT) so a reader can tell the two apart.
func NewBTree[K any, V any](fio FileIO, alloc PageAllocator, root PageID, level ValidationLevel, pageType PageType, codec BTreeCodec[K, V]) *BTree[K, V] {
	return &BTree[K, V]{root: root, alloc: alloc, fio: fio, level: level, codec: codec, pageType: pageType}
}

// Root returns the current root page id, to be persisted by the caller
// (typically into the database context's header/root record) after a
// mutation.
func (t *BTree[K, V]) Root() PageID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

func (t *BTree[K, V]) entrySize(leaf bool) int {
	if leaf {
		return t.codec.KeySize + t.codec.ValueSize
	}
	return t.codec.KeySize + 8 // child PageID
}

func (t *BTree[K, V]) maxEntries(leaf bool) int {
	return (PageDataSize - 2) / t.entrySize(leaf)
}

type btreeLeafEntry[K any, V any] struct {
	Key K
	Val V
}

type btreeBranchEntry[K any] struct {
	Key   K
	Child PageID
}

func (t *BTree[K, V]) readLeaf(pv *pageView) []btreeLeafEntry[K, V] {
	count := binary.LittleEndian.Uint16(pv.Data[0:2])
	entries := make([]btreeLeafEntry[K, V], count)
	sz := t.entrySize(true)
	pos := 2
	for i := 0; i < int(count); i++ {
		key := t.codec.DecodeKey(pv.Data[pos : pos+t.codec.KeySize])
		val := t.codec.DecodeValue(pv.Data[pos+t.codec.KeySize : pos+sz])
		entries[i] = btreeLeafEntry[K, V]{Key: key, Val: val}
		pos += sz
	}
	return entries
}

func (t *BTree[K, V]) readBranch(pv *pageView) []btreeBranchEntry[K] {
	count := binary.LittleEndian.Uint16(pv.Data[0:2])
	entries := make([]btreeBranchEntry[K], count)
	sz := t.entrySize(false)
	pos := 2
	for i := 0; i < int(count); i++ {
		key := t.codec.DecodeKey(pv.Data[pos : pos+t.codec.KeySize])
		child := PageID(binary.LittleEndian.Uint64(pv.Data[pos+t.codec.KeySize : pos+sz]))
		entries[i] = btreeBranchEntry[K]{Key: key, Child: child}
		pos += sz
	}
	return entries
}

func (t *BTree[K, V]) writeLeaf(entries []btreeLeafEntry[K, V]) ([]byte, error) {
	sz := t.entrySize(true)
	if len(entries) > t.maxEntries(true) {
		return nil, utils.New(utils.KindDatabaseCorrupt, "leaf entry count exceeds page capacity")
	}
	buf := make([]byte, 2+len(entries)*sz)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(entries)))
	pos := 2
	for _, e := range entries {
		t.codec.EncodeKey(e.Key, buf[pos:pos+t.codec.KeySize])
		t.codec.EncodeValue(e.Val, buf[pos+t.codec.KeySize:pos+sz])
		pos += sz
	}
	return buf, nil
}

func (t *BTree[K, V]) writeBranch(entries []btreeBranchEntry[K]) ([]byte, error) {
	sz := t.entrySize(false)
	if len(entries) > t.maxEntries(false) {
		return nil, utils.New(utils.KindDatabaseCorrupt, "branch entry count exceeds page capacity")
	}
	buf := make([]byte, 2+len(entries)*sz)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(entries)))
	pos := 2
	for _, e := range entries {
		t.codec.EncodeKey(e.Key, buf[pos:pos+t.codec.KeySize])
		binary.LittleEndian.PutUint64(buf[pos+t.codec.KeySize:pos+sz], uint64(e.Child))
		pos += sz
	}
	return buf, nil
}

// Lookup returns the value stored for key, or (_, false, nil) if absent.
func (t *BTree[K, V]) Lookup(key K) (V, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var zero V
	if t.root == 0 {
		return zero, false, nil
	}
	id := t.root
	for {
		pv, err := ReadPage(t.fio, id, t.level)
		if err != nil {
			return zero, false, err
		}
		if pv.Level == 0 {
			for _, e := range t.readLeaf(pv) {
				if t.codec.Compare(e.Key, key) == 0 {
					return e.Val, true, nil
				}
			}
			return zero, false, nil
		}
		entries := t.readBranch(pv)
		child, ok := descendBranch(entries, key, t.codec.Compare)
		if !ok {
			return zero, false, nil
		}
		id = child
	}
}

// descendBranch picks the child whose key range contains key: the last
// entry whose key is <= the search key, matching a standard B-tree
// separator-key convention. The leftmost child is the catch-all for
// keys below the first separator; insert routes a below-minimum key
// into it without lowering the separator, so the separator is an upper
// bound on the child's smallest key, not an exact copy of it.
func descendBranch[K any](entries []btreeBranchEntry[K], key K, cmp func(a, b K) int) (PageID, bool) {
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

// Walk invokes fn for every (key, value) pair in key order. Used by the
// messaging overlay's folder/table enumeration and by AMap rebuild.
func (t *BTree[K, V]) Walk(fn func(K, V) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == 0 {
		return nil
	}
	return t.walk(t.root, fn)
}

func (t *BTree[K, V]) walk(id PageID, fn func(K, V) error) error {
	pv, err := ReadPage(t.fio, id, t.level)
	if err != nil {
		return err
	}
	if pv.Level == 0 {
		for _, e := range t.readLeaf(pv) {
			if err := fn(e.Key, e.Val); err != nil {
				return err
			}
		}
		return nil
	}
	for _, e := range t.readBranch(pv) {
		if err := t.walk(e.Child, fn); err != nil {
			return err
		}
	}
	return nil
}

// WalkPages invokes fn for every page id belonging to this tree: every
// branch page and every leaf page, not just the root. Used by AMap
// rebuild, which marks every live page's 512 bytes allocated and so
// needs the full set of live pages, not just the entries they store.
func (t *BTree[K, V]) WalkPages(fn func(PageID) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == 0 {
		return nil
	}
	return t.walkPages(t.root, fn)
}

func (t *BTree[K, V]) walkPages(id PageID, fn func(PageID) error) error {
	if err := fn(id); err != nil {
		return err
	}
	pv, err := ReadPage(t.fio, id, t.level)
	if err != nil {
		return err
	}
	if pv.Level == 0 {
		return nil
	}
	for _, e := range t.readBranch(pv) {
		if err := t.walkPages(e.Child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Insert adds or overwrites the entry for key. allowOverwrite controls
// whether an existing key is replaced (BBT reference-count bumps) or
// rejected with KindDuplicateKey (NBT node creation, invariant
// "node ids are unique").
func (t *BTree[K, V]) Insert(key K, val V, allowOverwrite bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == 0 {
		leaf, err := t.writeLeaf([]btreeLeafEntry[K, V]{{Key: key, Val: val}})
		if err != nil {
			return err
		}
		id, err := t.alloc.AllocatePage()
		if err != nil {
			return err
		}
		if err := WritePage(t.fio, t.pageType, 0, id, leaf); err != nil {
			return err
		}
		t.root = id
		return nil
	}

	newRoot, split, err := t.insert(t.root, key, val, allowOverwrite)
	if err != nil {
		return err
	}
	if split == nil {
		t.root = newRoot
		return nil
	}

	branch, err := t.writeBranch([]btreeBranchEntry[K]{
		{Key: split.leftMin, Child: newRoot},
		{Key: split.key, Child: split.page},
	})
	if err != nil {
		return err
	}
	rootID, err := t.alloc.AllocatePage()
	if err != nil {
		return err
	}
	if err := WritePage(t.fio, t.pageType, split.level+1, rootID, branch); err != nil {
		return err
	}
	t.root = rootID
	return nil
}

// splitResult describes a page that split during a recursive insert: the
// new sibling's own first key and page id, plus the level the sibling
// was written at (so a growing root can be given the right level).
type splitResult[K any] struct {
	leftMin K
	key     K
	page    PageID
	level   uint8
}

// insert recursively rewrites the path from id down to the changed leaf,
// returning the (possibly new) page id replacing id, and non-nil split
// information if id's replacement overflowed and had to split.
func (t *BTree[K, V]) insert(id PageID, key K, val V, allowOverwrite bool) (PageID, *splitResult[K], error) {
	pv, err := ReadPage(t.fio, id, t.level)
	if err != nil {
		return 0, nil, err
	}

	if pv.Level == 0 {
		entries := t.readLeaf(pv)
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
			entries = append(entries, btreeLeafEntry[K, V]{})
			copy(entries[idx+1:], entries[idx:])
			entries[idx] = btreeLeafEntry[K, V]{Key: key, Val: val}
		}
		return t.writeSplitLeaf(entries)
	}

	entries := t.readBranch(pv)
	childIdx := 0
	for i, e := range entries {
		if t.codec.Compare(key, e.Key) >= 0 {
			childIdx = i
		} else {
			break
		}
	}
	newChild, split, err := t.insert(entries[childIdx].Child, key, val, allowOverwrite)
	if err != nil {
		return 0, nil, err
	}
	entries[childIdx].Child = newChild
	if split != nil {
		entries = append(entries, btreeBranchEntry[K]{})
		copy(entries[childIdx+2:], entries[childIdx+1:])
		entries[childIdx+1] = btreeBranchEntry[K]{Key: split.key, Child: split.page}
	}
	return t.writeSplitBranch(entries, pv.Level)
}

func (t *BTree[K, V]) writeSplitLeaf(entries []btreeLeafEntry[K, V]) (PageID, *splitResult[K], error) {
	if len(entries) <= t.maxEntries(true) {
		buf, err := t.writeLeaf(entries)
		if err != nil {
			return 0, nil, err
		}
		id, err := t.alloc.AllocatePage()
		if err != nil {
			return 0, nil, err
		}
		if err := WritePage(t.fio, t.pageType, 0, id, buf); err != nil {
			return 0, nil, err
		}
		return id, nil, nil
	}

	mid := len(entries) / 2
	left, right := entries[:mid], entries[mid:]

	leftBuf, err := t.writeLeaf(left)
	if err != nil {
		return 0, nil, err
	}
	leftID, err := t.alloc.AllocatePage()
	if err != nil {
		return 0, nil, err
	}
	if err := WritePage(t.fio, t.pageType, 0, leftID, leftBuf); err != nil {
		return 0, nil, err
	}

	rightBuf, err := t.writeLeaf(right)
	if err != nil {
		return 0, nil, err
	}
	rightID, err := t.alloc.AllocatePage()
	if err != nil {
		return 0, nil, err
	}
	if err := WritePage(t.fio, t.pageType, 0, rightID, rightBuf); err != nil {
		return 0, nil, err
	}

	return leftID, &splitResult[K]{leftMin: left[0].Key, key: right[0].Key, page: rightID, level: 0}, nil
}

func (t *BTree[K, V]) writeSplitBranch(entries []btreeBranchEntry[K], level uint8) (PageID, *splitResult[K], error) {
	if len(entries) <= t.maxEntries(false) {
		buf, err := t.writeBranch(entries)
		if err != nil {
			return 0, nil, err
		}
		id, err := t.alloc.AllocatePage()
		if err != nil {
			return 0, nil, err
		}
		if err := WritePage(t.fio, t.pageType, level, id, buf); err != nil {
			return 0, nil, err
		}
		return id, nil, nil
	}

	mid := len(entries) / 2
	left, right := entries[:mid], entries[mid:]

	leftBuf, err := t.writeBranch(left)
	if err != nil {
		return 0, nil, err
	}
	leftID, err := t.alloc.AllocatePage()
	if err != nil {
		return 0, nil, err
	}
	if err := WritePage(t.fio, t.pageType, level, leftID, leftBuf); err != nil {
		return 0, nil, err
	}

	rightBuf, err := t.writeBranch(right)
	if err != nil {
		return 0, nil, err
	}
	rightID, err := t.alloc.AllocatePage()
	if err != nil {
		return 0, nil, err
	}
	if err := WritePage(t.fio, t.pageType, level, rightID, rightBuf); err != nil {
		return 0, nil, err
	}

	return leftID, &splitResult[K]{leftMin: left[0].Key, key: right[0].Key, page: rightID, level: level}, nil
}

// Delete removes key if present, rewriting the path from root to leaf.
// Underfull pages left after a delete are not merged with siblings; the
// space comes back on the next AMap rebuild rather than through eager
// rebalancing on every delete.
func (t *BTree[K, V]) Delete(key K) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == 0 {
		return false, nil
	}
	newRoot, removed, err := t.delete(t.root, key)
	if err != nil {
		return false, err
	}
	if removed {
		t.root = newRoot
	}
	return removed, nil
}

func (t *BTree[K, V]) delete(id PageID, key K) (PageID, bool, error) {
	pv, err := ReadPage(t.fio, id, t.level)
	if err != nil {
		return 0, false, err
	}

	if pv.Level == 0 {
		entries := t.readLeaf(pv)
		idx := -1
		for i, e := range entries {
			if t.codec.Compare(e.Key, key) == 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, false, nil
		}
		entries = append(entries[:idx], entries[idx+1:]...)
		buf, err := t.writeLeaf(entries)
		if err != nil {
			return 0, false, err
		}
		newID, err := t.alloc.AllocatePage()
		if err != nil {
			return 0, false, err
		}
		if err := WritePage(t.fio, t.pageType, 0, newID, buf); err != nil {
			return 0, false, err
		}
		return newID, true, nil
	}

	entries := t.readBranch(pv)
	childIdx := 0
	for i, e := range entries {
		if t.codec.Compare(key, e.Key) >= 0 {
			childIdx = i
		} else {
			break
		}
	}
	newChild, removed, err := t.delete(entries[childIdx].Child, key)
	if err != nil || !removed {
		return 0, removed, err
	}
	entries[childIdx].Child = newChild
	buf, err := t.writeBranch(entries)
	if err != nil {
		return 0, false, err
	}
	newID, err := t.alloc.AllocatePage()
	if err != nil {
		return 0, false, err
	}
	if err := WritePage(t.fio, t.pageType, pv.Level, newID, buf); err != nil {
		return 0, false, err
	}
	return newID, true, nil
}
