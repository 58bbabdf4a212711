package ndb

import (
	"sync"
	"sync/atomic"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// Context is the database context: the header, the NBT and BBT roots,
// the AMap, and the commit machinery that ties them together. It owns
// the per-context lock (the NBT/BBT roots and pending queues); the
// id-counter/AMap lock is confined to the topmost context; a child
// context shares its parent's *AMap and id counters rather than owning
// its own.
type Context struct {
	mu sync.RWMutex

	fio    FileIO
	header *Header
	level  ValidationLevel

	nbt    *BTree[NodeID, NodeBTEntry]
	bbt    *BTree[BlockID, BlockBTEntry]
	amap   *AMap
	blocks *BlockStore

	nextBlockID uint64
	nextNodeID  uint32

	parent   *Context
	children []*Context

	// baseNBTRoot/baseBBTRoot are the parent's roots at the moment this
	// child was created, used by CommitChild to detect that a sibling
	// committed first and this child's snapshot is now stale.
	baseNBTRoot PageID
	baseBBTRoot PageID

	// closer is set only on a context created via OpenFile/CreateFile; it
	// is nil for child contexts and for contexts built directly from a
	// caller-owned FileIO.
	closer FileIO
}

// Close commits the context and closes the underlying file, if this
// context owns one (i.e. it was created via OpenFile/CreateFile). It is
// a no-op on a context built directly from a caller-supplied FileIO or on
// a child context.
func (c *Context) Close() error {
	if c.closer == nil {
		return nil
	}
	if err := c.Commit(); err != nil {
		_ = c.closer.Close()
		return err
	}
	return c.closer.Close()
}

// Open reads the header from fio and wires up the NBT/BBT/AMap/BlockStore
// for an existing database. A clear AMap-valid flag means the previous
// writer crashed mid-commit and the persisted bitmap cannot be trusted:
// the AMap is rebuilt from the live NBT/BBT before the context is handed
// out, and the next Commit persists the repaired bitmap.
func Open(fio FileIO, level ValidationLevel) (*Context, error) {
	h, err := ReadHeader(fio, level)
	if err != nil {
		return nil, err
	}
	ctx := newContext(fio, h, level)
	if !h.AMapValid {
		if err := ctx.Rebuild(); err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

// Create initialises a fresh, empty database of the given width.
func Create(fio FileIO, width Width, level ValidationLevel) (*Context, error) {
	h := NewHeader(width)
	if err := h.WriteTo(fio); err != nil {
		return nil, err
	}
	ctx := newContext(fio, h, level)
	// The message store and root folder nodes always exist, even in an
	// empty database (NIDMessageStore/NIDRootFolder).
	if err := ctx.CreateNode(NIDMessageStore, 0); err != nil {
		return nil, err
	}
	if err := ctx.CreateNode(NIDRootFolder, NIDMessageStore); err != nil {
		return nil, err
	}
	return ctx, nil
}

func newContext(fio FileIO, h *Header, level ValidationLevel) *Context {
	amap := NewAMap(fio, level, DefaultPageCacheThreshold)
	if h.AMapValid && h.LastAMapPage != 0 {
		amap.Restore(h.EOF, h.LastAMapPage)
	}
	nbt := NewBTree[NodeID, NodeBTEntry](fio, amap, h.NBTRoot, level, PageTypeNBT, NodeBTEntryCodec())
	bbt := NewBTree[BlockID, BlockBTEntry](fio, amap, h.BBTRoot, level, PageTypeBBT, BlockBTEntryCodec())

	ctx := &Context{
		fio:         fio,
		header:      h,
		level:       level,
		nbt:         nbt,
		bbt:         bbt,
		amap:        amap,
		nextBlockID: h.NextBlockID,
		nextNodeID:  h.NextNodeID,
	}
	ctx.blocks = NewBlockStore(bbt, amap, fio, h.Encryption, level, ctx.allocBlockID)
	return ctx
}

// topmost follows the parent chain to the root context, which owns the
// id counters; child contexts delegate allocation upward so ids stay
// globally unique no matter which context in the chain asks.
func (c *Context) topmost() *Context {
	for c.parent != nil {
		c = c.parent
	}
	return c
}

func (c *Context) allocBlockID() BlockID {
	t := c.topmost()
	id := atomic.AddUint64(&t.nextBlockID, 2)
	return BlockID(id - 2)
}

// AllocateNodeIndex returns a fresh index for a node, to be combined via
// MakeNodeID by the caller (the messaging overlay assigns node types;
// Context only guarantees index uniqueness).
func (c *Context) AllocateNodeIndex() uint32 {
	t := c.topmost()
	return atomic.AddUint32(&t.nextNodeID, 1) - 1
}

// CreateNode registers a brand-new, empty node with the given id and
// parent, failing with KindDuplicateKey if id is already in use (node
// ids are unique).
func (c *Context) CreateNode(id NodeID, parent NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nbt.Insert(id, NodeBTEntry{Parent: parent}, false)
}

// OpenNode returns a Node view of an existing node, or KindKeyNotFound if
// id is unknown.
func (c *Context) OpenNode(id NodeID) (*Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok, err := c.nbt.Lookup(id); err != nil {
		return nil, err
	} else if !ok {
		return nil, utils.New(utils.KindKeyNotFound, "node not found")
	}
	return newNode(id, c.nbt, c.blocks, c.fio, c.amap, c.level), nil
}

// DeleteNode drops a node's data blocks, subnodes, and its own NBT entry.
func (c *Context) DeleteNode(id NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node := newNode(id, c.nbt, c.blocks, c.fio, c.amap, c.level)
	if err := node.dropDataBlocks(); err != nil {
		return err
	}
	if err := node.dropSubnodes(); err != nil {
		return err
	}
	_, err := c.nbt.Delete(id)
	return err
}

// ChildrenOf walks the NBT for every node whose Parent field is parent;
// a scan rather than a dedicated index, since folder fan-out is small
// relative to total node count in a typical mailbox.
func (c *Context) ChildrenOf(parent NodeID) ([]NodeID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []NodeID
	err := c.nbt.Walk(func(id NodeID, e NodeBTEntry) error {
		if e.Parent == parent {
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// NewChild opens a nested child context sharing this context's AMap and
// id counters but its own NBT/BBT root snapshot (a nested
// child-context commit model): writes inside the child are invisible to
// the parent and to sibling children until CommitChild succeeds.
func (c *Context) NewChild() *Context {
	c.mu.RLock()
	nbtRoot, bbtRoot := c.nbt.Root(), c.bbt.Root()
	c.mu.RUnlock()

	child := &Context{
		fio:         c.fio,
		header:      c.header,
		level:       c.level,
		amap:        c.amap,
		parent:      c,
		baseNBTRoot: nbtRoot,
		baseBBTRoot: bbtRoot,
	}
	child.nbt = NewBTree[NodeID, NodeBTEntry](c.fio, c.amap, nbtRoot, c.level, PageTypeNBT, NodeBTEntryCodec())
	child.bbt = NewBTree[BlockID, BlockBTEntry](c.fio, c.amap, bbtRoot, c.level, PageTypeBBT, BlockBTEntryCodec())
	child.blocks = NewBlockStore(child.bbt, c.amap, c.fio, c.header.Encryption, c.level, c.allocBlockID)

	c.mu.Lock()
	c.children = append(c.children, child)
	c.mu.Unlock()
	return child
}

// CommitChild publishes a child context's NBT/BBT roots onto its parent,
// failing with KindNodeSaveError if the parent's roots moved since the
// child was created (another child or the parent itself committed first,
// under a "first writer wins, others re-validate" rule).
func (c *Context) CommitChild(child *Context) error {
	if child.parent != c {
		return utils.New(utils.KindInvalidArgument, "not a child of this context")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	for _, ch := range c.children {
		if ch == child {
			found = true
			break
		}
	}
	if !found {
		return utils.New(utils.KindNodeSaveError, "child context already committed or abandoned")
	}
	if c.nbt.Root() != child.baseNBTRoot || c.bbt.Root() != child.baseBBTRoot {
		return utils.New(utils.KindNodeSaveError, "parent context advanced since child was created")
	}

	c.nbt = child.nbt
	c.bbt = child.bbt
	c.blocks = child.blocks
	c.removeChildLocked(child)
	return nil
}

// AbortChild discards a child context's uncommitted writes.
func (c *Context) AbortChild(child *Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeChildLocked(child)
}

func (c *Context) removeChildLocked(child *Context) {
	for i, ch := range c.children {
		if ch == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return
		}
	}
}

// Discard reverts this context's in-memory state to its last durable
// point: the B-tree roots return to the header's committed roots (or,
// for a child context, to the parent roots captured at NewChild) and
// the allocator falls back to its last committed state. Space allocated
// since that point is simply no longer referenced; a later Rebuild
// reclaims whatever an eviction already wrote out.
func (c *Context) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()

	nbtRoot, bbtRoot := c.header.NBTRoot, c.header.BBTRoot
	if c.parent != nil {
		nbtRoot, bbtRoot = c.baseNBTRoot, c.baseBBTRoot
	}
	c.nbt = NewBTree[NodeID, NodeBTEntry](c.fio, c.amap, nbtRoot, c.level, PageTypeNBT, NodeBTEntryCodec())
	c.bbt = NewBTree[BlockID, BlockBTEntry](c.fio, c.amap, bbtRoot, c.level, PageTypeBBT, BlockBTEntryCodec())
	c.blocks = NewBlockStore(c.bbt, c.amap, c.fio, c.header.Encryption, c.level, c.allocBlockID)
	if c.parent == nil {
		c.amap.Abort()
	}
}

// Commit persists the current NBT/BBT roots, the AMap bitmap, and the
// header, in a crash-safe order. On a child context it is the
// parent-propagating commit instead: equivalent to CommitChild, with the
// same conflict detection; nothing reaches disk until the topmost
// context commits. For the on-disk path, the header's
// AMap-valid flag is cleared before the AMap pages are written and set
// again only once they land, so a torn AMap write is detected (and must
// be repaired via Rebuild) on next open rather than silently trusted.
func (c *Context) Commit() error {
	if c.parent != nil {
		return c.parent.CommitChild(c)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.header.NBTRoot = c.nbt.Root()
	c.header.BBTRoot = c.bbt.Root()
	c.header.NextBlockID = atomic.LoadUint64(&c.nextBlockID)
	c.header.NextNodeID = atomic.LoadUint32(&c.nextNodeID)
	c.header.EOF = c.amap.EOF()

	c.header.MarkDirty()
	if err := c.header.WriteTo(c.fio); err != nil {
		return err
	}

	lastPage, err := c.amap.Commit()
	if err != nil {
		return err
	}
	c.header.LastAMapPage = uint64(lastPage)
	c.header.MarkClean()
	if err := c.header.WriteTo(c.fio); err != nil {
		return err
	}
	return c.fio.Sync()
}

// Rebuild repairs the AMap after an open finds AMapValid clear, by
// walking every live NBT/BBT page and block and re-marking them
// allocated (the rebuild procedure).
func (c *Context) Rebuild() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.amap.Rebuild(func(yield func(offset, size uint64) error) error {
		if err := c.nbt.WalkPages(func(id PageID) error {
			return yield(uint64(id), PageSize)
		}); err != nil {
			return err
		}
		if err := c.bbt.WalkPages(func(id PageID) error {
			return yield(uint64(id), PageSize)
		}); err != nil {
			return err
		}
		return c.bbt.Walk(func(_ BlockID, e BlockBTEntry) error {
			return yield(e.Offset, uint64(e.Size))
		})
	})
}
