package ndb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

func newTestFileIO(t *testing.T) FileIO {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.db")
	fio, err := openFileIO(path, true, BackendOSFile)
	require.NoError(t, err)
	t.Cleanup(func() { fio.Close() })
	return fio
}

func TestPageWriteReadRoundTrip(t *testing.T) {
	fio := newTestFileIO(t)

	id := PageID(FirstAMapPageOffset)
	payload := []byte("nbt page payload")
	require.NoError(t, WritePage(fio, PageTypeNBT, 1, id, payload))

	pv, err := ReadPage(fio, id, ValidationFull)
	require.NoError(t, err)
	require.Equal(t, PageTypeNBT, pv.Type)
	require.Equal(t, uint8(1), pv.Level)
	require.Equal(t, id, pv.ID)
	require.Equal(t, payload, pv.Data[:len(payload)])
	// Payload is zero-padded to the full data area.
	for _, b := range pv.Data[len(payload):] {
		require.Zero(t, b)
	}
}

func TestPageOversizedPayloadRejected(t *testing.T) {
	fio := newTestFileIO(t)
	err := WritePage(fio, PageTypeNBT, 0, PageID(FirstAMapPageOffset), make([]byte, PageDataSize+1))
	require.Error(t, err)
	require.True(t, utils.Is(err, utils.KindLengthError))
}

func TestPageReadAtWrongOffsetFailsSignature(t *testing.T) {
	fio := newTestFileIO(t)

	id := PageID(FirstAMapPageOffset)
	require.NoError(t, WritePage(fio, PageTypeBBT, 0, id, []byte("abc")))

	// Copy the page bytes to a different offset; the trailer signature is
	// derived from (id, offset), so reading the copy under its new offset
	// must fail even though the CRC still matches the payload.
	buf := make([]byte, PageSize)
	_, err := fio.ReadAt(buf, int64(id))
	require.NoError(t, err)
	other := PageID(uint64(id) + PageSize)
	_, err = fio.WriteAt(buf, int64(other))
	require.NoError(t, err)

	_, err = ReadPage(fio, other, ValidationWeak)
	require.Error(t, err)
	require.True(t, utils.Is(err, utils.KindSigMismatch))
}

func TestPageCRCCheckedOnlyAtFullValidation(t *testing.T) {
	fio := newTestFileIO(t)

	id := PageID(FirstAMapPageOffset)
	require.NoError(t, WritePage(fio, PageTypeBBT, 0, id, []byte("abcdef")))

	// Flip a payload byte without touching the trailer.
	var b [1]byte
	_, err := fio.ReadAt(b[:], int64(id))
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = fio.WriteAt(b[:], int64(id))
	require.NoError(t, err)

	_, err = ReadPage(fio, id, ValidationWeak)
	require.NoError(t, err)

	_, err = ReadPage(fio, id, ValidationFull)
	require.Error(t, err)
	require.True(t, utils.Is(err, utils.KindCRCFail))
}
