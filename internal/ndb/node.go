package ndb

import (
	"encoding/binary"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// NodeBTEntry is the value side of the NBT: the node's data tree root,
// the root page of its subnode tree (zero if it has no subnodes), and
// its parent node id (folders address their children by walking the NBT
// for matching Parent values).
type NodeBTEntry struct {
	DataRoot BlockID
	SubRoot  PageID
	Parent   NodeID
}

const nodeBTEntrySize = 8 + 8 + 4

// NodeBTEntryCodec returns the BTreeCodec for the NBT.
func NodeBTEntryCodec() BTreeCodec[NodeID, NodeBTEntry] {
	return BTreeCodec[NodeID, NodeBTEntry]{
		KeySize:   4,
		ValueSize: nodeBTEntrySize,
		EncodeKey: func(k NodeID, b []byte) { binary.LittleEndian.PutUint32(b, uint32(k)) },
		DecodeKey: func(b []byte) NodeID { return NodeID(binary.LittleEndian.Uint32(b)) },
		EncodeValue: func(v NodeBTEntry, b []byte) {
			binary.LittleEndian.PutUint64(b[0:8], uint64(v.DataRoot))
			binary.LittleEndian.PutUint64(b[8:16], uint64(v.SubRoot))
			binary.LittleEndian.PutUint32(b[16:20], uint32(v.Parent))
		},
		DecodeValue: func(b []byte) NodeBTEntry {
			return NodeBTEntry{
				DataRoot: BlockID(binary.LittleEndian.Uint64(b[0:8])),
				SubRoot:  PageID(binary.LittleEndian.Uint64(b[8:16])),
				Parent:   NodeID(binary.LittleEndian.Uint32(b[16:20])),
			}
		},
		Compare: func(a, b NodeID) int {
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

// Node is the L2 abstraction: a data tree plus a subnode tree,
// addressed by id, with a parent id for hierarchy traversal. It is
// a thin, stateless view over the owning Context's NBT/BBT/AMap; every
// method re-reads its own NBT entry so concurrent readers always see a
// consistent snapshot without holding a Node-level lock.
type Node struct {
	id     NodeID
	nbt    *BTree[NodeID, NodeBTEntry]
	blocks *BlockStore
	fio    FileIO
	alloc  *AMap
	level  ValidationLevel
}

// newNode constructs a Node view; unexported because Context is the only
// intended constructor (it owns the shared NBT/BlockStore instances).
func newNode(id NodeID, nbt *BTree[NodeID, NodeBTEntry], blocks *BlockStore, fio FileIO, alloc *AMap, level ValidationLevel) *Node {
	return &Node{id: id, nbt: nbt, blocks: blocks, fio: fio, alloc: alloc, level: level}
}

// ID returns this node's id.
func (n *Node) ID() NodeID { return n.id }

func (n *Node) entry() (NodeBTEntry, bool, error) {
	return n.nbt.Lookup(n.id)
}

// Parent returns this node's parent node id, or false if the node no
// longer exists.
func (n *Node) Parent() (NodeID, bool, error) {
	e, ok, err := n.entry()
	return e.Parent, ok, err
}

// Read returns this node's full data tree contents, or an empty slice if
// the node has never been written.
func (n *Node) Read() ([]byte, error) {
	e, ok, err := n.entry()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.New(utils.KindKeyNotFound, "node not found")
	}
	if e.DataRoot.IsZero() {
		return nil, nil
	}
	return n.blocks.Read(e.DataRoot)
}

// Write replaces this node's data tree contents, dropping the old root
// (if any) once the new one is durably written.
func (n *Node) Write(data []byte) error {
	e, ok, err := n.entry()
	if err != nil {
		return err
	}
	if !ok {
		return utils.New(utils.KindKeyNotFound, "node not found")
	}
	oldRoot := e.DataRoot

	newRoot, err := n.blocks.Write(data)
	if err != nil {
		return err
	}
	e.DataRoot = newRoot
	if err := n.nbt.Insert(n.id, e, true); err != nil {
		return err
	}
	if !oldRoot.IsZero() {
		return n.blocks.Drop(oldRoot)
	}
	return nil
}

// subTree returns this node's subnode B-tree; a node with no subnodes
// yet gets an empty tree whose first insert allocates the root.
func (n *Node) subTree() (*BTree[NodeID, SubNodeEntry], error) {
	e, ok, err := n.entry()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.New(utils.KindKeyNotFound, "node not found")
	}
	return NewBTree[NodeID, SubNodeEntry](n.fio, n.alloc, e.SubRoot, n.level, PageTypeBBT, SubNodeEntryCodec()), nil
}

func (n *Node) saveSubRoot(tree *BTree[NodeID, SubNodeEntry]) error {
	e, ok, err := n.entry()
	if err != nil {
		return err
	}
	if !ok {
		return utils.New(utils.KindKeyNotFound, "node not found")
	}
	e.SubRoot = tree.Root()
	return n.nbt.Insert(n.id, e, true)
}

// LookupSubnode returns the data block id of the subnode identified by
// id, or false if it doesn't exist.
func (n *Node) LookupSubnode(id NodeID) (SubNodeEntry, bool, error) {
	tree, err := n.subTree()
	if err != nil {
		return SubNodeEntry{}, false, err
	}
	return tree.Lookup(id)
}

// Subnodes invokes fn for every (id, entry) pair in this node's subnode
// tree, in id order.
func (n *Node) Subnodes(fn func(NodeID, SubNodeEntry) error) error {
	tree, err := n.subTree()
	if err != nil {
		return err
	}
	return tree.Walk(fn)
}

// CreateSubnode adds a new, initially empty subnode under this node.
func (n *Node) CreateSubnode(id NodeID) error {
	tree, err := n.subTree()
	if err != nil {
		return err
	}
	if err := tree.Insert(id, SubNodeEntry{}, false); err != nil {
		return err
	}
	return n.saveSubRoot(tree)
}

// WriteSubnode replaces the data block of an existing subnode.
func (n *Node) WriteSubnode(id NodeID, data []byte) error {
	tree, err := n.subTree()
	if err != nil {
		return err
	}
	existing, ok, err := tree.Lookup(id)
	if err != nil {
		return err
	}
	if !ok {
		existing = SubNodeEntry{}
	}
	oldData := existing.Data

	newRoot, err := n.blocks.Write(data)
	if err != nil {
		return err
	}
	existing.Data = newRoot
	if err := tree.Insert(id, existing, true); err != nil {
		return err
	}
	if err := n.saveSubRoot(tree); err != nil {
		return err
	}
	if !oldData.IsZero() {
		return n.blocks.Drop(oldData)
	}
	return nil
}

// ReadSubnode returns the data block contents of a subnode, or nil if it
// has never been written.
func (n *Node) ReadSubnode(id NodeID) ([]byte, error) {
	entry, ok, err := n.LookupSubnode(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.New(utils.KindKeyNotFound, "subnode not found")
	}
	if entry.Data.IsZero() {
		return nil, nil
	}
	return n.blocks.Read(entry.Data)
}

// DeleteSubnode removes a subnode and drops its data block.
func (n *Node) DeleteSubnode(id NodeID) error {
	tree, err := n.subTree()
	if err != nil {
		return err
	}
	entry, ok, err := tree.Lookup(id)
	if err != nil {
		return err
	}
	if !ok {
		return utils.New(utils.KindKeyNotFound, "subnode not found")
	}
	if _, err := tree.Delete(id); err != nil {
		return err
	}
	if err := n.saveSubRoot(tree); err != nil {
		return err
	}
	if !entry.Data.IsZero() {
		return n.blocks.Drop(entry.Data)
	}
	return nil
}

// dropDataBlocks releases this node's data tree root, used by Context
// when deleting the node outright.
func (n *Node) dropDataBlocks() error {
	e, ok, err := n.entry()
	if err != nil || !ok {
		return err
	}
	if e.DataRoot.IsZero() {
		return nil
	}
	return n.blocks.Drop(e.DataRoot)
}

// dropSubnodes releases every subnode's data block, used by Context when
// deleting the node outright.
func (n *Node) dropSubnodes() error {
	tree, err := n.subTree()
	if err != nil {
		return err
	}
	var entries []SubNodeEntry
	if err := tree.Walk(func(_ NodeID, e SubNodeEntry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Data.IsZero() {
			if err := n.blocks.Drop(e.Data); err != nil {
				return err
			}
		}
	}
	return nil
}
