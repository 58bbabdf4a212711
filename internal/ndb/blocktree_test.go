package ndb

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBlockStore(t *testing.T, encryption EncryptionMethod) *BlockStore {
	path := filepath.Join(t.TempDir(), "f.db")
	fio, err := openFileIO(path, true, BackendOSFile)
	require.NoError(t, err)
	t.Cleanup(func() { fio.Close() })

	amap := NewAMap(fio, ValidationFull, DefaultPageCacheThreshold)
	bbt := NewBTree[BlockID, BlockBTEntry](fio, amap, 0, ValidationFull, PageTypeBBT, BlockBTEntryCodec())

	var counter uint64
	next := func() BlockID {
		counter += 2
		return BlockID(counter)
	}
	return NewBlockStore(bbt, amap, fio, encryption, ValidationFull, next)
}

func TestBlockStoreSmallRoundTrip(t *testing.T) {
	for _, method := range []EncryptionMethod{EncryptNone, EncryptPermute, EncryptCyclic} {
		store := newTestBlockStore(t, method)
		data := []byte("the quick brown fox jumps over the lazy dog")
		id, err := store.Write(data)
		require.NoError(t, err)

		got, err := store.Read(id)
		require.NoError(t, err)
		require.True(t, bytes.Equal(data, got))
	}
}

func TestBlockStoreLargeRoundTrip(t *testing.T) {
	store := newTestBlockStore(t, EncryptCyclic)
	data := bytes.Repeat([]byte{0xAB}, ExternalBlockMax*3+500)
	for i := range data {
		data[i] = byte(i % 251)
	}

	id, err := store.Write(data)
	require.NoError(t, err)
	require.True(t, id.IsInternal())

	got, err := store.Read(id)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestBlockStoreDropFreesSpace(t *testing.T) {
	store := newTestBlockStore(t, EncryptNone)
	data := []byte("drop me")
	id, err := store.Write(data)
	require.NoError(t, err)

	require.NoError(t, store.Drop(id))
	_, ok, err := store.bbt.Lookup(id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBlockStoreAddRefKeepsBlockAliveUntilBothDropped(t *testing.T) {
	store := newTestBlockStore(t, EncryptNone)
	data := []byte("shared")
	id, err := store.Write(data)
	require.NoError(t, err)
	require.NoError(t, store.AddRef(id))

	require.NoError(t, store.Drop(id))
	_, ok, err := store.bbt.Lookup(id)
	require.NoError(t, err)
	require.True(t, ok, "block must survive while refcount > 0")

	require.NoError(t, store.Drop(id))
	_, ok, err = store.bbt.Lookup(id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBlockStoreOversizedExternalRejected(t *testing.T) {
	store := newTestBlockStore(t, EncryptNone)
	_, err := store.writeExternal(make([]byte, ExternalBlockMax+1))
	require.Error(t, err)
}
