package ndb

import "encoding/binary"

// SubNodeEntry is the value side of a node's subnode tree: the
// subnode's own data block, and, in the rare case a subnode itself
// owns subnodes, the page id of that nested subnode tree's root
// (zero if it has none).
type SubNodeEntry struct {
	Data BlockID
	Sub  PageID
}

const subNodeEntrySize = 8 + 8

// SubNodeEntryCodec returns the BTreeCodec for a node's subnode tree,
// keyed by the subnode's own NodeID.
func SubNodeEntryCodec() BTreeCodec[NodeID, SubNodeEntry] {
	return BTreeCodec[NodeID, SubNodeEntry]{
		KeySize:   4,
		ValueSize: subNodeEntrySize,
		EncodeKey: func(k NodeID, b []byte) { binary.LittleEndian.PutUint32(b, uint32(k)) },
		DecodeKey: func(b []byte) NodeID { return NodeID(binary.LittleEndian.Uint32(b)) },
		EncodeValue: func(v SubNodeEntry, b []byte) {
			binary.LittleEndian.PutUint64(b[0:8], uint64(v.Data))
			binary.LittleEndian.PutUint64(b[8:16], uint64(v.Sub))
		},
		DecodeValue: func(b []byte) SubNodeEntry {
			return SubNodeEntry{
				Data: BlockID(binary.LittleEndian.Uint64(b[0:8])),
				Sub:  PageID(binary.LittleEndian.Uint64(b[8:16])),
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
