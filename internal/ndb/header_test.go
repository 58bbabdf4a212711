package ndb

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

func TestHeaderRoundTrip(t *testing.T) {
	for _, width := range []Width{WidthNarrow, WidthWide} {
		t.Run(width.String(), func(t *testing.T) {
			f, err := os.CreateTemp(t.TempDir(), "hdr")
			require.NoError(t, err)
			defer f.Close()

			h := NewHeader(width)
			h.NBTRoot = PageID(7)
			h.BBTRoot = PageID(9)
			h.EOF = 1 << 20
			h.LastAMapPage = FirstAMapPageOffset
			h.NextPageID = 42
			h.NextBlockID = 84
			h.NextNodeID = 5

			require.NoError(t, h.WriteTo(f))

			got, err := ReadHeader(f, ValidationFull)
			require.NoError(t, err)
			require.Equal(t, h.Width, got.Width)
			require.Equal(t, h.NBTRoot, got.NBTRoot)
			require.Equal(t, h.BBTRoot, got.BBTRoot)
			require.Equal(t, h.EOF, got.EOF)
			require.Equal(t, h.LastAMapPage, got.LastAMapPage)
			require.Equal(t, h.NextPageID, got.NextPageID)
			require.Equal(t, h.NextBlockID, got.NextBlockID)
			require.Equal(t, h.NextNodeID, got.NextNodeID)
			require.True(t, got.AMapValid)
		})
	}
}

func TestHeaderBadSignature(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "hdr")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, headerSize)
	copy(buf[0:4], "NOPE")
	_, err = f.WriteAt(buf, 0)
	require.NoError(t, err)

	_, err = ReadHeader(f, ValidationWeak)
	require.Error(t, err)
	require.True(t, utils.Is(err, utils.KindInvalidFormat))
}

func TestHeaderCRCMismatch(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "hdr")
	require.NoError(t, err)
	defer f.Close()

	h := NewHeader(WidthWide)
	require.NoError(t, h.WriteTo(f))

	// Corrupt a root-record byte without touching the CRC fields.
	var b [1]byte
	_, err = f.ReadAt(b[:], 20)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b[:], 20)
	require.NoError(t, err)

	_, err = ReadHeader(f, ValidationFull)
	require.Error(t, err)
}

func TestHeaderMarkDirtyClean(t *testing.T) {
	h := NewHeader(WidthNarrow)
	require.True(t, h.AMapValid)
	h.MarkDirty()
	require.False(t, h.AMapValid)
	h.MarkClean()
	require.True(t, h.AMapValid)
}
