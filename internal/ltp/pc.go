package ltp

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ndb"
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// PropType classifies a property's value storage category:
// boolean/16-bit/32-bit/float inline, 64-bit/time/currency/GUID/string/
// binary via heap-or-subnode, plus the multi-valued variants. The numeric
// values are this engine's own rather than the [MS-PST] PT_* wire
// constants; files written here are read back here, not by an external
// reader, so only internal consistency matters.
type PropType uint16

const (
	PropTypeBoolean PropType = iota + 1
	PropTypeInt16
	PropTypeInt32
	PropTypeFloat
	PropTypeInt64
	PropTypeTime
	PropTypeCurrency
	PropTypeGUID
	PropTypeString8
	PropTypeUnicode
	PropTypeBinary
	PropTypeMultiInt32
	PropTypeMultiUnicode
	PropTypeMultiBinary
)

// IsInline reports whether values of this type are stored directly in
// the property's 4-byte value slot rather than via a heap or subnode
// reference.
func (t PropType) IsInline() bool {
	switch t {
	case PropTypeBoolean, PropTypeInt16, PropTypeInt32, PropTypeFloat:
		return true
	default:
		return false
	}
}

func (t PropType) inlineWidth() int {
	switch t {
	case PropTypeBoolean:
		return 1
	case PropTypeInt16:
		return 2
	default:
		return 4
	}
}

// propEntry is the Property Context's fixed 8-byte BTH value record: a
// type tag and either an inline value or a heap-or-node id.
type propEntry struct {
	Type  PropType
	Value uint32
}

const propEntrySize = 8

func propEntryCodec() BTHCodec[uint16, propEntry] {
	return BTHCodec[uint16, propEntry]{
		KeySize:   2,
		ValueSize: propEntrySize,
		EncodeKey: func(k uint16, b []byte) { binary.LittleEndian.PutUint16(b, k) },
		DecodeKey: func(b []byte) uint16 { return binary.LittleEndian.Uint16(b) },
		EncodeValue: func(v propEntry, b []byte) {
			binary.LittleEndian.PutUint16(b[0:2], uint16(v.Type))
			binary.LittleEndian.PutUint32(b[4:8], v.Value)
		},
		DecodeValue: func(b []byte) propEntry {
			return propEntry{
				Type:  PropType(binary.LittleEndian.Uint16(b[0:2])),
				Value: binary.LittleEndian.Uint32(b[4:8]),
			}
		},
		Compare: func(a, b uint16) int {
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

// maxSubnodeIndex bounds how many over-sized (subnode-promoted)
// properties a single PropertyContext can hold: an HNID reinterpreting a
// subnode NodeID must have its top 16 bits (the HeapID "page" field)
// clear, per ndb.HNID's disjoint-union encoding, which caps the subnode
// index portion addressable this way to 11+5=16 bits.
const maxSubnodeIndex = 1 << (16 - 5)

// PropertyContext is the BTH-backed property bag over a node: its
// properties, keyed by 16-bit property id, with inline/heap/subnode
// storage chosen by value size.
type PropertyContext struct {
	node *ndb.Node
	heap *Heap
	bth  *BTH[uint16, propEntry]
}

// NewPropertyContext creates an empty property bag over node, which must
// not already carry a heap: a heap assumes full control of its node's
// data tree.
func NewPropertyContext(node *ndb.Node) (*PropertyContext, error) {
	heap, err := NewHeap(node, ClientSignaturePC)
	if err != nil {
		return nil, err
	}
	bth, err := CreateBTH(heap, propEntryCodec())
	if err != nil {
		return nil, err
	}
	if err := heap.SetRootID(bth.HeaderID()); err != nil {
		return nil, err
	}
	return &PropertyContext{node: node, heap: heap, bth: bth}, nil
}

// OpenPropertyContext opens an existing property bag from node.
func OpenPropertyContext(node *ndb.Node) (*PropertyContext, error) {
	heap, err := OpenHeap(node, ClientSignaturePC)
	if err != nil {
		return nil, err
	}
	bth, err := OpenBTH(heap, heap.RootID(), propEntryCodec())
	if err != nil {
		return nil, err
	}
	return &PropertyContext{node: node, heap: heap, bth: bth}, nil
}

// ListIDs returns every property id present, in ascending order.
func (pc *PropertyContext) ListIDs() ([]uint16, error) {
	var ids []uint16
	err := pc.bth.Walk(func(id uint16, _ propEntry) error {
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// Type returns the stored type of a property, or false if absent.
func (pc *PropertyContext) Type(id uint16) (PropType, bool, error) {
	e, ok, err := pc.bth.Lookup(id)
	return e.Type, ok, err
}

// Exists reports whether a property is present.
func (pc *PropertyContext) Exists(id uint16) (bool, error) {
	_, ok, err := pc.bth.Lookup(id)
	return ok, err
}

// Size returns the logical byte length of a property's value.
func (pc *PropertyContext) Size(id uint16) (int, error) {
	e, ok, err := pc.bth.Lookup(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, utils.New(utils.KindKeyNotFound, "property not found")
	}
	if e.Type.IsInline() {
		return e.Type.inlineWidth(), nil
	}
	data, err := pc.readIndirect(e)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// ReadBytes returns the raw logical bytes of a property, decoding an
// inline value to its little-endian width and dereferencing a heap or
// subnode value otherwise.
func (pc *PropertyContext) ReadBytes(id uint16) ([]byte, PropType, error) {
	e, ok, err := pc.bth.Lookup(id)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, utils.New(utils.KindKeyNotFound, "property not found")
	}
	if e.Type.IsInline() {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, e.Value)
		return buf[:e.Type.inlineWidth()], e.Type, nil
	}
	data, err := pc.readIndirect(e)
	return data, e.Type, err
}

func (pc *PropertyContext) readIndirect(e propEntry) ([]byte, error) {
	hnid := ndb.HNID(e.Value)
	if hnid.IsZero() {
		return nil, nil
	}
	if hnid.IsHeapID() {
		return pc.heap.Read(hnid.AsHeapID())
	}
	return pc.node.ReadSubnode(hnid.AsNodeID())
}

// WriteBytes stores data under id with the given type, creating the
// property or overwriting and promoting/demoting its storage as needed.
func (pc *PropertyContext) WriteBytes(id uint16, typ PropType, data []byte) error {
	if existing, ok, err := pc.bth.Lookup(id); err != nil {
		return err
	} else if ok {
		if err := pc.freeIndirect(existing); err != nil {
			return err
		}
	}

	if typ.IsInline() {
		var v uint32
		switch len(data) {
		case 1:
			v = uint32(data[0])
		case 2:
			v = uint32(binary.LittleEndian.Uint16(data))
		case 4:
			v = binary.LittleEndian.Uint32(data)
		default:
			return utils.New(utils.KindLengthError, "inline property value has the wrong width")
		}
		return pc.bth.Insert(id, propEntry{Type: typ, Value: v}, true)
	}

	if len(data) <= ndb.HeapMaxAllocSize {
		hid, err := pc.heap.Allocate(data)
		if err != nil {
			return err
		}
		return pc.bth.Insert(id, propEntry{Type: typ, Value: uint32(hid)}, true)
	}

	subID, err := allocSubnodeID(pc.node)
	if err != nil {
		return err
	}
	if err := pc.node.CreateSubnode(subID); err != nil {
		return err
	}
	if err := pc.node.WriteSubnode(subID, data); err != nil {
		return err
	}
	return pc.bth.Insert(id, propEntry{Type: typ, Value: uint32(subID)}, true)
}

func (pc *PropertyContext) freeIndirect(e propEntry) error {
	if e.Type.IsInline() {
		return nil
	}
	hnid := ndb.HNID(e.Value)
	if hnid.IsZero() {
		return nil
	}
	if hnid.IsHeapID() {
		return pc.heap.Free(hnid.AsHeapID())
	}
	return pc.node.DeleteSubnode(hnid.AsNodeID())
}

// allocSubnodeID picks a fresh subnode id for promoting an over-sized
// heap value (a property value or a table's row matrix) to its own
// subnode. It scans rather than reuses the caller's own key directly,
// because an ndb.HNID reinterprets a subnode NodeID as a HeapID, whose
// top 16 bits (the "page" field) must stay zero to read back as a
// subnode reference rather than a heap allocation, capping the usable
// index range to maxSubnodeIndex regardless of how large the caller's
// own key space is.
func allocSubnodeID(node *ndb.Node) (ndb.NodeID, error) {
	var maxIndex uint32
	err := node.Subnodes(func(id ndb.NodeID, _ ndb.SubNodeEntry) error {
		if id.Type() == ndb.NodeTypeLTP && id.Index() > maxIndex {
			maxIndex = id.Index()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	next := maxIndex + 1
	if next >= maxSubnodeIndex {
		return 0, utils.New(utils.KindOutOfRange, "subnode index space exhausted for this node")
	}
	return ndb.MakeNodeID(ndb.NodeTypeLTP, next), nil
}

// Remove deletes a property, freeing any heap or subnode storage it owned.
func (pc *PropertyContext) Remove(id uint16) error {
	e, ok, err := pc.bth.Lookup(id)
	if err != nil {
		return err
	}
	if !ok {
		return utils.New(utils.KindKeyNotFound, "property not found")
	}
	if err := pc.freeIndirect(e); err != nil {
		return err
	}
	_, err = pc.bth.Delete(id)
	return err
}

// OpenStream returns a positioned reader over a property's value.
func (pc *PropertyContext) OpenStream(id uint16) (*bytes.Reader, error) {
	data, _, err := pc.ReadBytes(id)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// --- typed convenience accessors ---

// ReadBool reads a boolean property.
func (pc *PropertyContext) ReadBool(id uint16) (bool, error) {
	data, _, err := pc.ReadBytes(id)
	if err != nil {
		return false, err
	}
	return len(data) > 0 && data[0] != 0, nil
}

// WriteBool writes a boolean property.
func (pc *PropertyContext) WriteBool(id uint16, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return pc.WriteBytes(id, PropTypeBoolean, []byte{b})
}

// ReadInt32 reads a 32-bit integer property.
func (pc *PropertyContext) ReadInt32(id uint16) (int32, error) {
	data, _, err := pc.ReadBytes(id)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// WriteInt32 writes a 32-bit integer property.
func (pc *PropertyContext) WriteInt32(id uint16, v int32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return pc.WriteBytes(id, PropTypeInt32, buf)
}

// ReadBinary reads a binary property.
func (pc *PropertyContext) ReadBinary(id uint16) ([]byte, error) {
	data, _, err := pc.ReadBytes(id)
	return data, err
}

// WriteBinary writes a binary property.
func (pc *PropertyContext) WriteBinary(id uint16, data []byte) error {
	return pc.WriteBytes(id, PropTypeBinary, data)
}

// ReadString decodes a string property, honoring its stored encoding
// (narrow 8-bit codepage vs UTF-16LE).
func (pc *PropertyContext) ReadString(id uint16) (string, error) {
	data, typ, err := pc.ReadBytes(id)
	if err != nil {
		return "", err
	}
	if typ == PropTypeString8 {
		return decodeString8(data), nil
	}
	return decodeUTF16LE(data), nil
}

// WriteString writes a string property as UTF-16LE. If the property
// already exists stored as the narrow String8 variant, the narrow
// encoding is preserved and the string is truncated to 8-bit codepoints
// (the narrow-preservation string policy).
func (pc *PropertyContext) WriteString(id uint16, s string) error {
	if typ, ok, err := pc.Type(id); err != nil {
		return err
	} else if ok && typ == PropTypeString8 {
		return pc.WriteBytes(id, PropTypeString8, encodeString8(s))
	}
	return pc.WriteBytes(id, PropTypeUnicode, encodeUTF16LE(s))
}

func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}

func decodeUTF16LE(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}

func encodeString8(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return out
}

func decodeString8(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// --- multi-valued variants ---

// EncodeMultiBinary packs a list of byte items into a single binary
// value: a count, then each item's length and bytes in sequence.
func EncodeMultiBinary(items [][]byte) []byte {
	total := 4
	for _, it := range items {
		total += 4 + len(it)
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(items)))
	pos := 4
	for _, it := range items {
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(it)))
		pos += 4
		copy(buf[pos:pos+len(it)], it)
		pos += len(it)
	}
	return buf
}

// DecodeMultiBinary unpacks a value written by EncodeMultiBinary.
func DecodeMultiBinary(raw []byte) ([][]byte, error) {
	if len(raw) < 4 {
		return nil, utils.New(utils.KindDatabaseCorrupt, "multi-value binary too short")
	}
	count := binary.LittleEndian.Uint32(raw[0:4])
	items := make([][]byte, 0, count)
	pos := 4
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(raw) {
			return nil, utils.New(utils.KindDatabaseCorrupt, "multi-value binary item table truncated")
		}
		n := binary.LittleEndian.Uint32(raw[pos : pos+4])
		pos += 4
		if pos+int(n) > len(raw) {
			return nil, utils.New(utils.KindDatabaseCorrupt, "multi-value binary item data truncated")
		}
		item := make([]byte, n)
		copy(item, raw[pos:pos+int(n)])
		items = append(items, item)
		pos += int(n)
	}
	return items, nil
}

// ReadMultiUnicode reads a multi-valued string property.
func (pc *PropertyContext) ReadMultiUnicode(id uint16) ([]string, error) {
	data, _, err := pc.ReadBytes(id)
	if err != nil {
		return nil, err
	}
	items, err := DecodeMultiBinary(data)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = decodeUTF16LE(it)
	}
	return out, nil
}

// WriteMultiUnicode writes a multi-valued string property.
func (pc *PropertyContext) WriteMultiUnicode(id uint16, values []string) error {
	items := make([][]byte, len(values))
	for i, v := range values {
		items[i] = encodeUTF16LE(v)
	}
	return pc.WriteBytes(id, PropTypeMultiUnicode, EncodeMultiBinary(items))
}
