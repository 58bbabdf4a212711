package ndb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOSFileIOReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.db")
	fio, err := openFileIO(path, true, BackendOSFile)
	require.NoError(t, err)
	defer fio.Close()

	payload := []byte("hello pst")
	n, err := fio.WriteAt(payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	_, err = fio.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	size, err := fio.Size()
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), size)
}

func TestMappedFileIOReadWriteGrowth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.db")
	fio, err := openFileIO(path, true, BackendMmap)
	require.NoError(t, err)
	defer fio.Close()

	first := []byte("aaaa")
	_, err = fio.WriteAt(first, 0)
	require.NoError(t, err)
	require.NoError(t, fio.Sync())

	got := make([]byte, len(first))
	_, err = fio.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, first, got)

	second := []byte("bbbb")
	_, err = fio.WriteAt(second, int64(len(first)))
	require.NoError(t, err)
	require.NoError(t, fio.Sync())

	got2 := make([]byte, len(second))
	_, err = fio.ReadAt(got2, int64(len(first)))
	require.NoError(t, err)
	require.Equal(t, second, got2)
}

func TestOpenFileIOWithoutCreateFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := openFileIO(path, false, BackendOSFile)
	require.Error(t, err)
}
