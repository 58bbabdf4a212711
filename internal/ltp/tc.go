package ltp

import (
	"encoding/binary"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ndb"
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// tcHeaderSize is the fixed layout of a Table Context's root allocation
// (the header): row count, the byte width of a row record's
// fixed value area, the existence-bitmap width, the column description
// array's heap id, the row-index BTH's header id, and the row matrix's
// heap-or-node id.
const tcHeaderSize = 4 + 2 + 2 + 4 + 4 + 4

// columnDescSize is the fixed per-column record width: property id, type
// tag, byte offset, existence-bit index, and cell width.
const columnDescSize = 2 + 2 + 2 + 2 + 1

// columnEntry describes one column of a table: the
// property id and type it holds, its byte offset and width within a row
// record, and its bit index within the record's trailing
// cell-existence bitmap.
type columnEntry struct {
	PropID   uint16
	Type     PropType
	Offset   uint16
	BitIndex uint16
	Width    uint8
}

// cellWidth returns a column's row-record cell width (cell widths are
// one of {1, 2, 4, 8}): the fixed-size type categories
// store their value directly in the cell, sized to fit; only genuinely
// variable-length categories (string, wide string, binary, and the
// multi-valued variants) fall back to a 4-byte indirect heap-or-subnode
// id cell, matching isTCIndirect below.
func cellWidth(t PropType) uint8 {
	switch t {
	case PropTypeBoolean:
		return 1
	case PropTypeInt16:
		return 2
	case PropTypeInt32, PropTypeFloat:
		return 4
	case PropTypeInt64, PropTypeTime, PropTypeCurrency, PropTypeGUID:
		return 8
	default:
		return 4
	}
}

// isTCIndirect reports whether a column's cell holds a heap-or-subnode
// id rather than the value itself. Unlike PropType.IsInline (the
// Property Context's narrower inline/indirect split), the Table Context
// stores every fixed-width category directly in the row record,
// including the 64-bit, time, currency, and GUID forms that the
// Property Context sends through the heap.
func isTCIndirect(t PropType) bool {
	switch t {
	case PropTypeBoolean, PropTypeInt16, PropTypeInt32, PropTypeFloat,
		PropTypeInt64, PropTypeTime, PropTypeCurrency, PropTypeGUID:
		return false
	default:
		return true
	}
}

func encodeColumns(cols []columnEntry) []byte {
	buf := make([]byte, len(cols)*columnDescSize)
	pos := 0
	for _, c := range cols {
		binary.LittleEndian.PutUint16(buf[pos:], c.PropID)
		binary.LittleEndian.PutUint16(buf[pos+2:], uint16(c.Type))
		binary.LittleEndian.PutUint16(buf[pos+4:], c.Offset)
		binary.LittleEndian.PutUint16(buf[pos+6:], c.BitIndex)
		buf[pos+8] = c.Width
		pos += columnDescSize
	}
	return buf
}

func decodeColumns(raw []byte) []columnEntry {
	count := len(raw) / columnDescSize
	cols := make([]columnEntry, count)
	pos := 0
	for i := 0; i < count; i++ {
		cols[i] = columnEntry{
			PropID:   binary.LittleEndian.Uint16(raw[pos:]),
			Type:     PropType(binary.LittleEndian.Uint16(raw[pos+2:])),
			Offset:   binary.LittleEndian.Uint16(raw[pos+4:]),
			BitIndex: binary.LittleEndian.Uint16(raw[pos+6:]),
			Width:    raw[pos+8],
		}
		pos += columnDescSize
	}
	return cols
}

func rowIndexCodec() BTHCodec[uint32, uint32] {
	return BTHCodec[uint32, uint32]{
		KeySize:     4,
		ValueSize:   4,
		EncodeKey:   func(k uint32, b []byte) { binary.LittleEndian.PutUint32(b, k) },
		DecodeKey:   func(b []byte) uint32 { return binary.LittleEndian.Uint32(b) },
		EncodeValue: func(v uint32, b []byte) { binary.LittleEndian.PutUint32(b, v) },
		DecodeValue: func(b []byte) uint32 { return binary.LittleEndian.Uint32(b) },
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

// TableContext is the heap-backed row/column store used for folder
// hierarchy and content tables, attachment tables, and recipient tables:
// a column-descriptor array plus a row-index BTH plus a row matrix, all
// stored through this package's own BTH and Heap.
//
// Row-index values are always stored in the BTH's wide (32-bit) form:
// the format allows a narrow 16-bit form chosen by the BTH's value size to
// cap small tables at 64K rows, but since this engine's BTH has no fixed
// per-instance value-size ceiling tied to a page budget, always using
// the wide form removes a dimension of complexity (two codecs to keep in
// sync) without changing any externally observable operation.
type TableContext struct {
	node *ndb.Node
	heap *Heap

	header     ndb.HeapID
	rowCount   uint32
	valueSize  uint16
	bitmapSize uint16
	columnsID  ndb.HeapID
	columns    []columnEntry
	rowIndex   *BTH[uint32, uint32]

	matrixIsSubnode bool
	matrixSubnode   ndb.NodeID
	matrixHeap      ndb.HeapID
}

func (t *TableContext) recordSize() int { return int(t.valueSize) + int(t.bitmapSize) }

// NewTableContext creates an empty table over node.
func NewTableContext(node *ndb.Node) (*TableContext, error) {
	heap, err := NewHeap(node, ClientSignatureTC)
	if err != nil {
		return nil, err
	}
	columnsID, err := heap.Allocate(nil)
	if err != nil {
		return nil, err
	}
	rowIndex, err := CreateBTH(heap, rowIndexCodec())
	if err != nil {
		return nil, err
	}
	matrixHeap, err := heap.Allocate(nil)
	if err != nil {
		return nil, err
	}

	tc := &TableContext{
		node:       node,
		heap:       heap,
		columnsID:  columnsID,
		rowIndex:   rowIndex,
		matrixHeap: matrixHeap,
	}
	headerID, err := heap.Allocate(tc.encodeHeader())
	if err != nil {
		return nil, err
	}
	tc.header = headerID
	if err := heap.SetRootID(headerID); err != nil {
		return nil, err
	}
	return tc, nil
}

// OpenTableContext opens an existing table from node.
func OpenTableContext(node *ndb.Node) (*TableContext, error) {
	heap, err := OpenHeap(node, ClientSignatureTC)
	if err != nil {
		return nil, err
	}
	tc := &TableContext{node: node, heap: heap, header: heap.RootID()}
	if err := tc.load(); err != nil {
		return nil, err
	}
	return tc, nil
}

func (t *TableContext) encodeHeader() []byte {
	buf := make([]byte, tcHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], t.rowCount)
	binary.LittleEndian.PutUint16(buf[4:6], t.valueSize)
	binary.LittleEndian.PutUint16(buf[6:8], t.bitmapSize)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(t.columnsID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(t.rowIndex.HeaderID()))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(t.matrixID()))
	return buf
}

func (t *TableContext) matrixID() ndb.HNID {
	if t.matrixIsSubnode {
		return ndb.HNID(t.matrixSubnode)
	}
	return ndb.HNID(t.matrixHeap)
}

func (t *TableContext) save() error {
	return t.heap.Reallocate(t.header, t.encodeHeader())
}

func (t *TableContext) load() error {
	raw, err := t.heap.Read(t.header)
	if err != nil {
		return err
	}
	if len(raw) < tcHeaderSize {
		return utils.New(utils.KindDatabaseCorrupt, "table context header allocation too small")
	}
	t.rowCount = binary.LittleEndian.Uint32(raw[0:4])
	t.valueSize = binary.LittleEndian.Uint16(raw[4:6])
	t.bitmapSize = binary.LittleEndian.Uint16(raw[6:8])
	t.columnsID = ndb.HeapID(binary.LittleEndian.Uint32(raw[8:12]))
	rowIndexHeader := ndb.HeapID(binary.LittleEndian.Uint32(raw[12:16]))
	matrixID := ndb.HNID(binary.LittleEndian.Uint32(raw[16:20]))

	colsRaw, err := t.heap.Read(t.columnsID)
	if err != nil {
		return err
	}
	t.columns = decodeColumns(colsRaw)

	rowIndex, err := OpenBTH(t.heap, rowIndexHeader, rowIndexCodec())
	if err != nil {
		return err
	}
	t.rowIndex = rowIndex

	if matrixID.IsSubNodeID() {
		t.matrixIsSubnode = true
		t.matrixSubnode = matrixID.AsNodeID()
	} else {
		t.matrixIsSubnode = false
		t.matrixHeap = matrixID.AsHeapID()
	}
	return nil
}

func (t *TableContext) readMatrix() ([]byte, error) {
	if t.matrixIsSubnode {
		return t.node.ReadSubnode(t.matrixSubnode)
	}
	return t.heap.Read(t.matrixHeap)
}

// writeMatrix persists data, promoting from an inline heap allocation to
// a dedicated subnode (or keeping it there) once it exceeds
// ndb.HeapMaxAllocSize: the row matrix's analogue of PropertyContext's
// heap-or-subnode promotion, built on the same ndb.HNID discriminator.
func (t *TableContext) writeMatrix(data []byte) error {
	fitsHeap := len(data) <= ndb.HeapMaxAllocSize

	switch {
	case !t.matrixIsSubnode && fitsHeap:
		return t.heap.Reallocate(t.matrixHeap, data)
	case !t.matrixIsSubnode && !fitsHeap:
		subID, err := allocSubnodeID(t.node)
		if err != nil {
			return err
		}
		if err := t.node.CreateSubnode(subID); err != nil {
			return err
		}
		if err := t.node.WriteSubnode(subID, data); err != nil {
			return err
		}
		if err := t.heap.Free(t.matrixHeap); err != nil {
			return err
		}
		t.matrixIsSubnode = true
		t.matrixSubnode = subID
		return nil
	case t.matrixIsSubnode && fitsHeap:
		hid, err := t.heap.Allocate(data)
		if err != nil {
			return err
		}
		if err := t.node.DeleteSubnode(t.matrixSubnode); err != nil {
			return err
		}
		t.matrixIsSubnode = false
		t.matrixHeap = hid
		return nil
	default:
		return t.node.WriteSubnode(t.matrixSubnode, data)
	}
}

// RowCount returns the number of rows currently in the table.
func (t *TableContext) RowCount() int { return int(t.rowCount) }

// Rows returns every row's physical position, in matrix order.
func (t *TableContext) Rows() []int {
	positions := make([]int, t.rowCount)
	for i := range positions {
		positions[i] = i
	}
	return positions
}

// Lookup returns the physical row position for a row id.
func (t *TableContext) Lookup(rowID uint32) (int, bool, error) {
	pos, ok, err := t.rowIndex.Lookup(rowID)
	return int(pos), ok, err
}

func (t *TableContext) column(propID uint16) (columnEntry, bool) {
	for _, c := range t.columns {
		if c.PropID == propID {
			return c, true
		}
	}
	return columnEntry{}, false
}

// GetCell returns the raw cell bytes for (pos, propID), failing with
// KindKeyNotFound if the column doesn't exist or the cell's
// existence bit is clear.
func (t *TableContext) GetCell(pos int, propID uint16) ([]byte, PropType, error) {
	col, ok := t.column(propID)
	if !ok {
		return nil, 0, utils.New(utils.KindKeyNotFound, "column not present")
	}
	if pos < 0 || pos >= int(t.rowCount) {
		return nil, 0, utils.New(utils.KindOutOfRange, "row position out of range")
	}
	matrix, err := t.readMatrix()
	if err != nil {
		return nil, 0, err
	}
	rec := matrix[pos*t.recordSize() : (pos+1)*t.recordSize()]
	if !bitSet(rec[t.valueSize:], col.BitIndex) {
		return nil, 0, utils.New(utils.KindKeyNotFound, "cell not present")
	}
	return rec[col.Offset : int(col.Offset)+int(col.Width)], col.Type, nil
}

// ReadCell returns the dereferenced logical value for a variable-length
// cell, following its stored heap or subnode id.
func (t *TableContext) ReadCell(pos int, propID uint16) ([]byte, PropType, error) {
	raw, typ, err := t.GetCell(pos, propID)
	if err != nil {
		return nil, 0, err
	}
	if !isTCIndirect(typ) {
		return raw, typ, nil
	}
	hnid := ndb.HNID(binary.LittleEndian.Uint32(raw))
	if hnid.IsZero() {
		return nil, typ, nil
	}
	if hnid.IsHeapID() {
		data, err := t.heap.Read(hnid.AsHeapID())
		return data, typ, err
	}
	data, err := t.node.ReadSubnode(hnid.AsNodeID())
	return data, typ, err
}

// SetCell stores a fixed-width cell value directly: raw must be exactly
// the column's cell width.
func (t *TableContext) SetCell(pos int, propID uint16, raw []byte) error {
	col, ok := t.column(propID)
	if !ok {
		return utils.New(utils.KindKeyNotFound, "column not present")
	}
	if isTCIndirect(col.Type) {
		return utils.New(utils.KindInvalidArgument, "column is variable-length; use WriteCell")
	}
	if len(raw) != int(col.Width) {
		return utils.New(utils.KindLengthError, "cell value has the wrong width")
	}
	return t.writeCellRaw(pos, propID, func(buf []byte) error {
		copy(buf, raw)
		return nil
	})
}

// WriteCell stores a variable-length cell value, promoting between a
// heap allocation and a dedicated subnode by size, freeing any prior
// indirect storage for the cell.
func (t *TableContext) WriteCell(pos int, propID uint16, data []byte) error {
	col, ok := t.column(propID)
	if !ok {
		return utils.New(utils.KindKeyNotFound, "column not present")
	}
	if !isTCIndirect(col.Type) {
		return utils.New(utils.KindInvalidArgument, "column is fixed-width; use SetCell")
	}
	if prev, _, err := t.GetCell(pos, propID); err == nil {
		prevID := ndb.HNID(binary.LittleEndian.Uint32(prev))
		if !prevID.IsZero() {
			if prevID.IsHeapID() {
				if err := t.heap.Free(prevID.AsHeapID()); err != nil {
					return err
				}
			} else if err := t.node.DeleteSubnode(prevID.AsNodeID()); err != nil {
				return err
			}
		}
	}

	var hnid ndb.HNID
	if len(data) <= ndb.HeapMaxAllocSize {
		hid, err := t.heap.Allocate(data)
		if err != nil {
			return err
		}
		hnid = ndb.HNID(hid)
	} else {
		subID, err := allocSubnodeID(t.node)
		if err != nil {
			return err
		}
		if err := t.node.CreateSubnode(subID); err != nil {
			return err
		}
		if err := t.node.WriteSubnode(subID, data); err != nil {
			return err
		}
		hnid = ndb.HNID(subID)
	}
	return t.writeCellRaw(pos, propID, func(buf []byte) error {
		binary.LittleEndian.PutUint32(buf, uint32(hnid))
		return nil
	})
}

func (t *TableContext) writeCellRaw(pos int, propID uint16, fill func([]byte) error) error {
	col, ok := t.column(propID)
	if !ok {
		return utils.New(utils.KindKeyNotFound, "column not present")
	}
	if pos < 0 || pos >= int(t.rowCount) {
		return utils.New(utils.KindOutOfRange, "row position out of range")
	}
	matrix, err := t.readMatrix()
	if err != nil {
		return err
	}
	rec := matrix[pos*t.recordSize() : (pos+1)*t.recordSize()]
	if err := fill(rec[col.Offset : int(col.Offset)+int(col.Width)]); err != nil {
		return err
	}
	setBit(rec[t.valueSize:], col.BitIndex)
	return t.writeMatrix(matrix)
}

// DeleteCell clears a cell's existence bit without reclaiming its
// storage; callers that want the space back overwrite the cell instead.
func (t *TableContext) DeleteCell(pos int, propID uint16) error {
	col, ok := t.column(propID)
	if !ok {
		return utils.New(utils.KindKeyNotFound, "column not present")
	}
	if pos < 0 || pos >= int(t.rowCount) {
		return utils.New(utils.KindOutOfRange, "row position out of range")
	}
	matrix, err := t.readMatrix()
	if err != nil {
		return err
	}
	rec := matrix[pos*t.recordSize() : (pos+1)*t.recordSize()]
	clearBit(rec[t.valueSize:], col.BitIndex)
	return t.writeMatrix(matrix)
}

// AddRow appends a new, zero-filled row under rowID and returns its
// physical position.
func (t *TableContext) AddRow(rowID uint32) (int, error) {
	if _, ok, err := t.rowIndex.Lookup(rowID); err != nil {
		return 0, err
	} else if ok {
		return 0, utils.New(utils.KindDuplicateKey, "row id already present")
	}

	matrix, err := t.readMatrix()
	if err != nil {
		return 0, err
	}
	pos := int(t.rowCount)
	matrix = append(matrix, make([]byte, t.recordSize())...)
	if err := t.writeMatrix(matrix); err != nil {
		return 0, err
	}
	t.rowCount++
	if err := t.save(); err != nil {
		return 0, err
	}
	if err := t.rowIndex.Insert(rowID, uint32(pos), false); err != nil {
		return 0, err
	}
	return pos, nil
}

// DeleteRow removes the row at pos, shifting every succeeding row down
// by one record and decrementing every row-index entry pointing past it.
func (t *TableContext) DeleteRow(pos int) error {
	if pos < 0 || pos >= int(t.rowCount) {
		return utils.New(utils.KindOutOfRange, "row position out of range")
	}
	matrix, err := t.readMatrix()
	if err != nil {
		return err
	}
	rs := t.recordSize()
	matrix = append(matrix[:pos*rs], matrix[(pos+1)*rs:]...)
	if err := t.writeMatrix(matrix); err != nil {
		return err
	}
	t.rowCount--
	if err := t.save(); err != nil {
		return err
	}

	var removedID uint32
	removedFound := false
	var toShift []uint32
	if err := t.rowIndex.Walk(func(id uint32, p uint32) error {
		switch {
		case int(p) == pos:
			removedID = id
			removedFound = true
		case int(p) > pos:
			toShift = append(toShift, id)
		}
		return nil
	}); err != nil {
		return err
	}
	if !removedFound {
		return utils.New(utils.KindDatabaseCorrupt, "no row index entry for deleted row position")
	}
	if _, err := t.rowIndex.Delete(removedID); err != nil {
		return err
	}
	for _, id := range toShift {
		p, _, err := t.rowIndex.Lookup(id)
		if err != nil {
			return err
		}
		if err := t.rowIndex.Insert(id, p-1, true); err != nil {
			return err
		}
	}
	return nil
}

// AddColumn appends a new column and widens every row record. The new
// cell always follows the existing fixed value area (it is never placed
// into a byte-offset gap): in each record the new cell's zero bytes are
// inserted between the old value bytes and the existence bitmap, and the
// bitmap gains one zero byte at its end when the column count crosses a
// multiple of eight. Existing cells keep their byte offsets and bit
// indices; callers address a column by property id either way.
func (t *TableContext) AddColumn(propID uint16, typ PropType) error {
	if _, ok := t.column(propID); ok {
		return utils.New(utils.KindDuplicateKey, "column already present")
	}
	width := cellWidth(typ)
	newCol := columnEntry{
		PropID:   propID,
		Type:     typ,
		Offset:   t.valueSize,
		BitIndex: uint16(len(t.columns)),
		Width:    width,
	}
	newColumns := append(append([]columnEntry{}, t.columns...), newCol)
	newValueSize := t.valueSize + uint16(width)
	newBitmapSize := uint16((len(newColumns) + 7) / 8)

	matrix, err := t.readMatrix()
	if err != nil {
		return err
	}
	oldRS := t.recordSize()
	newRS := int(newValueSize) + int(newBitmapSize)
	widenedLen, err := utils.SafeMultiply(uint64(t.rowCount), uint64(newRS))
	if err != nil {
		return utils.Wrap(utils.KindOutOfRange, "widen row matrix", err)
	}
	widened := make([]byte, widenedLen)
	for i := 0; i < int(t.rowCount); i++ {
		old := matrix[i*oldRS : (i+1)*oldRS]
		copy(widened[i*newRS:], old[:t.valueSize])
		copy(widened[i*newRS+int(newValueSize):], old[t.valueSize:])
	}

	colsID, err := t.heap.Allocate(encodeColumns(newColumns))
	if err != nil {
		return err
	}
	if err := t.heap.Free(t.columnsID); err != nil {
		return err
	}
	t.columnsID = colsID
	t.columns = newColumns
	t.valueSize = newValueSize
	t.bitmapSize = newBitmapSize

	if err := t.writeMatrix(widened); err != nil {
		return err
	}
	return t.save()
}

func bitSet(bitmap []byte, idx uint16) bool {
	return bitmap[idx/8]&(1<<(idx%8)) != 0
}

func setBit(bitmap []byte, idx uint16) {
	bitmap[idx/8] |= 1 << (idx % 8)
}

func clearBit(bitmap []byte, idx uint16) {
	bitmap[idx/8] &^= 1 << (idx % 8)
}
