package ltp

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTC(t *testing.T) *TableContext {
	t.Helper()
	node := newTestNode(t)
	tc, err := NewTableContext(node)
	require.NoError(t, err)
	return tc
}

func TestTableContextAddRowAndFixedCell(t *testing.T) {
	tc := newTestTC(t)
	require.NoError(t, tc.AddColumn(0x3602, PropTypeInt32))

	pos, err := tc.AddRow(1)
	require.NoError(t, err)
	require.Equal(t, 0, pos)

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 42)
	require.NoError(t, tc.SetCell(pos, 0x3602, buf))

	raw, typ, err := tc.GetCell(pos, 0x3602)
	require.NoError(t, err)
	require.Equal(t, PropTypeInt32, typ)
	require.Equal(t, uint32(42), binary.LittleEndian.Uint32(raw))
}

func TestTableContextVariableLengthCell(t *testing.T) {
	tc := newTestTC(t)
	require.NoError(t, tc.AddColumn(0x3001, PropTypeUnicode))

	pos, err := tc.AddRow(7)
	require.NoError(t, err)
	require.NoError(t, tc.WriteCell(pos, 0x3001, []byte("Inbox")))

	out, typ, err := tc.ReadCell(pos, 0x3001)
	require.NoError(t, err)
	require.Equal(t, PropTypeUnicode, typ)
	require.Equal(t, []byte("Inbox"), out)
}

func TestTableContextCellNotPresent(t *testing.T) {
	tc := newTestTC(t)
	require.NoError(t, tc.AddColumn(0x3602, PropTypeInt32))
	pos, err := tc.AddRow(1)
	require.NoError(t, err)

	_, _, err = tc.GetCell(pos, 0x3602)
	require.Error(t, err)
}

func TestTableContextDeleteCellClearsBitOnly(t *testing.T) {
	tc := newTestTC(t)
	require.NoError(t, tc.AddColumn(0x3602, PropTypeInt32))
	pos, err := tc.AddRow(1)
	require.NoError(t, err)

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 9)
	require.NoError(t, tc.SetCell(pos, 0x3602, buf))
	require.NoError(t, tc.DeleteCell(pos, 0x3602))

	_, _, err = tc.GetCell(pos, 0x3602)
	require.Error(t, err)
}

func TestTableContextLookupAndMultipleRows(t *testing.T) {
	tc := newTestTC(t)
	require.NoError(t, tc.AddColumn(0x3602, PropTypeInt32))

	for i := uint32(0); i < 5; i++ {
		pos, err := tc.AddRow(100 + i)
		require.NoError(t, err)
		require.Equal(t, int(i), pos)
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, i)
		require.NoError(t, tc.SetCell(pos, 0x3602, buf))
	}

	pos, ok, err := tc.Lookup(103)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, pos)

	raw, _, err := tc.GetCell(pos, 0x3602)
	require.NoError(t, err)
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(raw))

	require.Equal(t, 5, tc.RowCount())
	require.Equal(t, []int{0, 1, 2, 3, 4}, tc.Rows())
}

func TestTableContextDeleteRowShiftsRowIndex(t *testing.T) {
	tc := newTestTC(t)
	require.NoError(t, tc.AddColumn(0x3602, PropTypeInt32))

	for i := uint32(0); i < 4; i++ {
		_, err := tc.AddRow(i)
		require.NoError(t, err)
	}

	require.NoError(t, tc.DeleteRow(1))
	require.Equal(t, 3, tc.RowCount())

	_, ok, err := tc.Lookup(1)
	require.NoError(t, err)
	require.False(t, ok)

	pos, ok, err := tc.Lookup(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, pos)

	pos, ok, err = tc.Lookup(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, pos)
}

func TestTableContextAddColumnWidensExistingRows(t *testing.T) {
	tc := newTestTC(t)
	require.NoError(t, tc.AddColumn(0x3602, PropTypeInt32))

	pos, err := tc.AddRow(1)
	require.NoError(t, err)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 11)
	require.NoError(t, tc.SetCell(pos, 0x3602, buf))

	require.NoError(t, tc.AddColumn(0x3603, PropTypeInt32))

	raw, _, err := tc.GetCell(pos, 0x3602)
	require.NoError(t, err)
	require.Equal(t, uint32(11), binary.LittleEndian.Uint32(raw))

	_, _, err = tc.GetCell(pos, 0x3603)
	require.Error(t, err)

	buf2 := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf2, 22)
	require.NoError(t, tc.SetCell(pos, 0x3603, buf2))
	raw2, _, err := tc.GetCell(pos, 0x3603)
	require.NoError(t, err)
	require.Equal(t, uint32(22), binary.LittleEndian.Uint32(raw2))
}

func TestTableContextAddColumnNinthColumnGrowsBitmap(t *testing.T) {
	tc := newTestTC(t)
	for i := uint16(0); i < 9; i++ {
		require.NoError(t, tc.AddColumn(0x1000+i, PropTypeInt32))
	}
	pos, err := tc.AddRow(1)
	require.NoError(t, err)

	for i := uint16(0); i < 9; i++ {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(i))
		require.NoError(t, tc.SetCell(pos, 0x1000+i, buf))
	}
	for i := uint16(0); i < 9; i++ {
		raw, _, err := tc.GetCell(pos, 0x1000+i)
		require.NoError(t, err)
		require.Equal(t, uint32(i), binary.LittleEndian.Uint32(raw))
	}
}

func TestTableContextOversizedRowMatrixPromotedToSubnode(t *testing.T) {
	tc := newTestTC(t)
	require.NoError(t, tc.AddColumn(0x0E08, PropTypeInt32))

	const rows = 800 // 5 bytes/record (4-byte cell + 1-byte bitmap) exceeds HeapMaxAllocSize past ~716 rows
	for i := uint32(0); i < rows; i++ {
		pos, err := tc.AddRow(i)
		require.NoError(t, err)
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, i)
		require.NoError(t, tc.SetCell(pos, 0x0E08, buf))
	}
	require.True(t, tc.matrixIsSubnode)

	raw, _, err := tc.GetCell(799, 0x0E08)
	require.NoError(t, err)
	require.Equal(t, uint32(799), binary.LittleEndian.Uint32(raw))
}

func TestTableContextSubnodePromotedVariableLengthCell(t *testing.T) {
	tc := newTestTC(t)
	require.NoError(t, tc.AddColumn(0x3701, PropTypeBinary))

	pos, err := tc.AddRow(1)
	require.NoError(t, err)
	big := strings.Repeat("y", 4000)
	require.NoError(t, tc.WriteCell(pos, 0x3701, []byte(big)))

	out, _, err := tc.ReadCell(pos, 0x3701)
	require.NoError(t, err)
	require.Equal(t, big, string(out))
}

func TestTableContextAddRowDuplicateRejected(t *testing.T) {
	tc := newTestTC(t)
	_, err := tc.AddRow(1)
	require.NoError(t, err)
	_, err = tc.AddRow(1)
	require.Error(t, err)
}

func TestTableContextReopenFromNode(t *testing.T) {
	node := newTestNode(t)
	tc, err := NewTableContext(node)
	require.NoError(t, err)
	require.NoError(t, tc.AddColumn(0x3001, PropTypeUnicode))
	pos, err := tc.AddRow(5)
	require.NoError(t, err)
	require.NoError(t, tc.WriteCell(pos, 0x3001, []byte("Sent Items")))

	reopened, err := OpenTableContext(node)
	require.NoError(t, err)
	rpos, ok, err := reopened.Lookup(5)
	require.NoError(t, err)
	require.True(t, ok)

	out, _, err := reopened.ReadCell(rpos, 0x3001)
	require.NoError(t, err)
	require.Equal(t, "Sent Items", string(out))
}
