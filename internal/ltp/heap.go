// Package ltp implements the Lists, Tables, and Properties layer: the
// heap-on-node sub-allocator, the B-tree-on-heap, and the property and
// table context overlays built on top of it.
package ltp

import (
	"encoding/binary"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ndb"
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// Client signatures identify what overlay opened a heap: a Property
// Context heap, a Table Context heap, or a heap backing a BTH with no
// higher overlay. The byte values are the documented [MS-PST] ones.
const (
	ClientSignaturePC  uint8 = 0xBC
	ClientSignatureTC  uint8 = 0x7C
	ClientSignatureBTH uint8 = 0xB5
)

// heapHeaderSize is the fixed size of a Heap's serialized header: client
// signature, one reserved byte, an item count, and the client root id.
const heapHeaderSize = 1 + 1 + 4 + 4

// Heap is the heap-on-node sub-allocator: a set of small, individually
// addressable byte allocations, each identified by a
// ndb.HeapID, stored as the owning node's single data tree. The node's
// data tree already transparently spans an arbitrary number of underlying
// blocks (ndb.BlockStore's extended block tree), so a Heap reports its
// items under heap page 1 rather than splitting them across one heap
// page per data block.
type Heap struct {
	node      *ndb.Node
	signature uint8
	rootID    ndb.HeapID
	items     [][]byte // index i holds the item for 1-based heap index i+1; nil means freed.
	free      []uint16
}

// RootID returns the heap's client root allocation: a designated item id
// with no meaning to the heap itself, used by its owner (the Property
// Context or Table Context) to anchor its own top-level structure, e.g.
// a BTH header allocation.
func (h *Heap) RootID() ndb.HeapID { return h.rootID }

// SetRootID sets the heap's client root allocation and persists it.
func (h *Heap) SetRootID(id ndb.HeapID) error {
	h.rootID = id
	return h.save()
}

// NewHeap creates an empty heap tagged with the given client signature
// and persists it immediately so a reader of the node can validate the
// signature even before any item is allocated.
func NewHeap(node *ndb.Node, signature uint8) (*Heap, error) {
	h := &Heap{node: node, signature: signature}
	if err := h.save(); err != nil {
		return nil, err
	}
	return h, nil
}

// OpenHeap loads an existing heap from node and checks its signature
// matches want, failing with KindSigMismatch otherwise.
func OpenHeap(node *ndb.Node, want uint8) (*Heap, error) {
	raw, err := node.Read()
	if err != nil {
		return nil, err
	}
	if len(raw) < heapHeaderSize {
		return nil, utils.New(utils.KindDatabaseCorrupt, "heap data shorter than header")
	}
	sig := raw[0]
	if sig != want {
		return nil, utils.New(utils.KindSigMismatch, "heap client signature mismatch")
	}
	count := binary.LittleEndian.Uint32(raw[2:6])
	rootID := ndb.HeapID(binary.LittleEndian.Uint32(raw[6:10]))

	h := &Heap{node: node, signature: sig, rootID: rootID, items: make([][]byte, count)}
	pos := heapHeaderSize
	for i := uint32(0); i < count; i++ {
		if pos+2 > len(raw) {
			return nil, utils.New(utils.KindDatabaseCorrupt, "heap item table truncated")
		}
		n := binary.LittleEndian.Uint16(raw[pos : pos+2])
		pos += 2
		if n == heapFreedSentinel {
			h.free = append(h.free, uint16(i))
			continue
		}
		if pos+int(n) > len(raw) {
			return nil, utils.New(utils.KindDatabaseCorrupt, "heap item data truncated")
		}
		item := make([]byte, n)
		copy(item, raw[pos:pos+int(n)])
		h.items[i] = item
		pos += int(n)
	}
	return h, nil
}

// heapFreedSentinel marks a freed slot in the serialized item table. It
// can never collide with a live item's length: allocations are capped at
// ndb.HeapMaxAllocSize, far below it. A live zero-length item keeps its
// literal length of 0, so empty allocations survive a reopen.
const heapFreedSentinel = 0xFFFF

func (h *Heap) save() error {
	total := heapHeaderSize
	for _, item := range h.items {
		total += 2 + len(item)
	}
	buf := make([]byte, total)
	buf[0] = h.signature
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(h.items)))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(h.rootID))
	pos := heapHeaderSize
	for _, item := range h.items {
		if item == nil {
			binary.LittleEndian.PutUint16(buf[pos:pos+2], heapFreedSentinel)
			pos += 2
			continue
		}
		binary.LittleEndian.PutUint16(buf[pos:pos+2], uint16(len(item)))
		pos += 2
		copy(buf[pos:pos+len(item)], item)
		pos += len(item)
	}
	return h.node.Write(buf)
}

// Allocate reserves a new item of the given bytes, failing with
// KindLengthError if it exceeds ndb.HeapMaxAllocSize; the caller,
// typically the Property Context, is responsible for promoting an
// over-sized value to a dedicated subnode instead.
func (h *Heap) Allocate(data []byte) (ndb.HeapID, error) {
	if len(data) > ndb.HeapMaxAllocSize {
		return 0, utils.New(utils.KindLengthError, "allocation exceeds HeapMaxAllocSize")
	}
	item := make([]byte, len(data))
	copy(item, data)

	var index uint16
	if len(h.free) > 0 {
		index = h.free[len(h.free)-1]
		h.free = h.free[:len(h.free)-1]
		h.items[index] = item
	} else {
		// The 1-based item index must fit a HeapID's 11 index bits.
		if len(h.items)+1 > 0x7FF {
			return 0, utils.New(utils.KindOutOfRange, "heap page item index space exhausted")
		}
		index = uint16(len(h.items))
		h.items = append(h.items, item)
	}

	if err := h.save(); err != nil {
		return 0, err
	}
	return ndb.MakeHeapID(1, index+1, h.signature&0x1F), nil
}

// checkID validates that id addresses a live item in this heap and
// returns its 0-based slice index.
func (h *Heap) checkID(id ndb.HeapID) (int, error) {
	if id.IsZero() {
		return 0, utils.New(utils.KindInvalidArgument, "zero heap id")
	}
	if id.Page() != 1 {
		return 0, utils.New(utils.KindOutOfRange, "heap id references an unknown page")
	}
	idx := int(id.Index()) - 1
	if idx < 0 || idx >= len(h.items) || h.items[idx] == nil {
		return 0, utils.New(utils.KindKeyNotFound, "heap id not allocated")
	}
	return idx, nil
}

// Read returns a copy of the item addressed by id.
func (h *Heap) Read(id ndb.HeapID) ([]byte, error) {
	idx, err := h.checkID(id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(h.items[idx]))
	copy(out, h.items[idx])
	return out, nil
}

// Size returns the byte length of the item addressed by id.
func (h *Heap) Size(id ndb.HeapID) (int, error) {
	idx, err := h.checkID(id)
	if err != nil {
		return 0, err
	}
	return len(h.items[idx]), nil
}

// Reallocate replaces the item addressed by id in place; the id stays
// stable across a reallocation.
func (h *Heap) Reallocate(id ndb.HeapID, data []byte) error {
	if len(data) > ndb.HeapMaxAllocSize {
		return utils.New(utils.KindLengthError, "allocation exceeds HeapMaxAllocSize")
	}
	idx, err := h.checkID(id)
	if err != nil {
		return err
	}
	item := make([]byte, len(data))
	copy(item, data)
	h.items[idx] = item
	return h.save()
}

// Free releases the item addressed by id, making its index available for
// reuse by a future Allocate.
func (h *Heap) Free(id ndb.HeapID) error {
	idx, err := h.checkID(id)
	if err != nil {
		return err
	}
	h.items[idx] = nil
	h.free = append(h.free, uint16(idx))
	return h.save()
}
