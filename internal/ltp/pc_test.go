package ltp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPropertyContextInlineRoundTrip(t *testing.T) {
	node := newTestNode(t)
	pc, err := NewPropertyContext(node)
	require.NoError(t, err)

	require.NoError(t, pc.WriteBool(0x0001, true))
	require.NoError(t, pc.WriteInt32(0x0E08, 4096))

	b, err := pc.ReadBool(0x0001)
	require.NoError(t, err)
	require.True(t, b)

	i, err := pc.ReadInt32(0x0E08)
	require.NoError(t, err)
	require.EqualValues(t, 4096, i)
}

func TestPropertyContextHeapBackedString(t *testing.T) {
	node := newTestNode(t)
	pc, err := NewPropertyContext(node)
	require.NoError(t, err)

	require.NoError(t, pc.WriteString(0x0037, "quarterly results"))
	s, err := pc.ReadString(0x0037)
	require.NoError(t, err)
	require.Equal(t, "quarterly results", s)

	typ, ok, err := pc.Type(0x0037)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, PropTypeUnicode, typ)
}

func TestPropertyContextNarrowStringPreserved(t *testing.T) {
	node := newTestNode(t)
	pc, err := NewPropertyContext(node)
	require.NoError(t, err)

	require.NoError(t, pc.WriteBytes(0x3704, PropTypeString8, []byte("invoice.pdf")))
	require.NoError(t, pc.WriteString(0x3704, "statement.pdf"))

	typ, ok, err := pc.Type(0x3704)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, PropTypeString8, typ)

	s, err := pc.ReadString(0x3704)
	require.NoError(t, err)
	require.Equal(t, "statement.pdf", s)
}

func TestPropertyContextSubnodePromotedBinary(t *testing.T) {
	node := newTestNode(t)
	pc, err := NewPropertyContext(node)
	require.NoError(t, err)

	big := []byte(strings.Repeat("x", 5000))
	require.NoError(t, pc.WriteBinary(0x3701, big))

	out, err := pc.ReadBinary(0x3701)
	require.NoError(t, err)
	require.Equal(t, big, out)

	sz, err := pc.Size(0x3701)
	require.NoError(t, err)
	require.Equal(t, len(big), sz)
}

func TestPropertyContextOverwriteFreesOldStorage(t *testing.T) {
	node := newTestNode(t)
	pc, err := NewPropertyContext(node)
	require.NoError(t, err)

	require.NoError(t, pc.WriteString(0x1000, "first body"))
	require.NoError(t, pc.WriteString(0x1000, "a completely different and longer body"))

	s, err := pc.ReadString(0x1000)
	require.NoError(t, err)
	require.Equal(t, "a completely different and longer body", s)
}

func TestPropertyContextRemove(t *testing.T) {
	node := newTestNode(t)
	pc, err := NewPropertyContext(node)
	require.NoError(t, err)

	require.NoError(t, pc.WriteInt32(0x0E08, 1))
	require.NoError(t, pc.Remove(0x0E08))

	exists, err := pc.Exists(0x0E08)
	require.NoError(t, err)
	require.False(t, exists)

	require.Error(t, pc.Remove(0x0E08))
}

func TestPropertyContextListIDs(t *testing.T) {
	node := newTestNode(t)
	pc, err := NewPropertyContext(node)
	require.NoError(t, err)

	require.NoError(t, pc.WriteInt32(0x0003, 1))
	require.NoError(t, pc.WriteInt32(0x0001, 2))
	require.NoError(t, pc.WriteInt32(0x0002, 3))

	ids, err := pc.ListIDs()
	require.NoError(t, err)
	require.Equal(t, []uint16{0x0001, 0x0002, 0x0003}, ids)
}

func TestPropertyContextMultiUnicodeRoundTrip(t *testing.T) {
	node := newTestNode(t)
	pc, err := NewPropertyContext(node)
	require.NoError(t, err)

	values := []string{"alice@example.com", "bob@example.com", "carol@example.com"}
	require.NoError(t, pc.WriteMultiUnicode(0x3A42, values))

	out, err := pc.ReadMultiUnicode(0x3A42)
	require.NoError(t, err)
	require.Equal(t, values, out)
}

func TestPropertyContextOpenStream(t *testing.T) {
	node := newTestNode(t)
	pc, err := NewPropertyContext(node)
	require.NoError(t, err)
	require.NoError(t, pc.WriteString(0x1013, "<html></html>"))

	r, err := pc.OpenStream(0x1013)
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestPropertyContextReopenFromNode(t *testing.T) {
	node := newTestNode(t)
	pc, err := NewPropertyContext(node)
	require.NoError(t, err)
	require.NoError(t, pc.WriteString(0x3001, "Inbox"))

	reopened, err := OpenPropertyContext(node)
	require.NoError(t, err)
	s, err := reopened.ReadString(0x3001)
	require.NoError(t, err)
	require.Equal(t, "Inbox", s)
}

func TestEncodeDecodeMultiBinaryEmpty(t *testing.T) {
	raw := EncodeMultiBinary(nil)
	items, err := DecodeMultiBinary(raw)
	require.NoError(t, err)
	require.Empty(t, items)
}
