package ndb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAMap(t *testing.T) *AMap {
	path := filepath.Join(t.TempDir(), "f.db")
	fio, err := openFileIO(path, true, BackendOSFile)
	require.NoError(t, err)
	t.Cleanup(func() { fio.Close() })
	return NewAMap(fio, ValidationFull, DefaultPageCacheThreshold)
}

func TestAMapAllocateDisjoint(t *testing.T) {
	m := newTestAMap(t)

	o1, err := m.AllocateBytes(100)
	require.NoError(t, err)
	o2, err := m.AllocateBytes(200)
	require.NoError(t, err)

	require.NotEqual(t, o1, o2)
	// Ranges must not overlap.
	end1 := o1 + slotsNeeded(100)*BytesPerSlot
	require.True(t, o2 >= end1 || o1 >= o2+slotsNeeded(200)*BytesPerSlot)
}

func TestAMapReservesOwnMapPages(t *testing.T) {
	m := newTestAMap(t)

	// The very first allocation must land past the interval's own AMap
	// page and its three legacy mirrors, all of which are marked the
	// moment the interval comes into existence.
	o1, err := m.AllocateBytes(64)
	require.NoError(t, err)
	require.GreaterOrEqual(t, o1, uint64(FirstAMapPageOffset+reservedSlotsPerPage*BytesPerSlot))
	require.True(t, m.IsAllocated(FirstAMapPageOffset, reservedSlotsPerPage*BytesPerSlot))
}

func TestAMapFreeAndReuse(t *testing.T) {
	m := newTestAMap(t)

	o1, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)
	require.NoError(t, m.Free(o1, PageSize))

	o2, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)
	require.Equal(t, o1, o2)
}

func TestAMapZeroSizeRejected(t *testing.T) {
	m := newTestAMap(t)
	_, err := m.AllocateBytes(0)
	require.Error(t, err)
}

func TestAMapOversizeRejected(t *testing.T) {
	m := newTestAMap(t)
	_, err := m.AllocateBytes((maxAllocSlots + 1) * BytesPerSlot)
	require.Error(t, err)
}

func TestAMapFreeUnallocatedFails(t *testing.T) {
	m := newTestAMap(t)
	o1, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)

	// Freeing a range that was never allocated, or double-freeing, must
	// be rejected rather than silently clearing bits.
	require.Error(t, m.Free(o1+PageSize, PageSize))
	require.NoError(t, m.Free(o1, PageSize))
	require.Error(t, m.Free(o1, PageSize))
}

func TestAMapFreeHeaderAreaRejected(t *testing.T) {
	m := newTestAMap(t)
	_, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)
	require.Error(t, m.Free(FirstAMapPageOffset, PageSize))
}

func TestAMapAllocatePageAligned(t *testing.T) {
	m := newTestAMap(t)

	// Misalign the free space with a one-slot allocation first.
	_, err := m.AllocateBytes(64)
	require.NoError(t, err)

	id, err := m.AllocatePage()
	require.NoError(t, err)
	require.Zero(t, uint64(id)%PageSize)
	require.NoError(t, m.FreePage(id))
}

func TestAMapCommitWritesPages(t *testing.T) {
	m := newTestAMap(t)
	for i := 0; i < 20; i++ {
		_, err := m.AllocateBytes(PageSize)
		require.NoError(t, err)
	}

	last, err := m.Commit()
	require.NoError(t, err)
	require.Equal(t, PageID(amapPageBase(0)), last)

	pv, err := ReadPage(m.fio, last, ValidationFull)
	require.NoError(t, err)
	require.Equal(t, PageTypeAMap, pv.Type)
}

func TestDListMostFree(t *testing.T) {
	m := newTestAMap(t)
	_, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)

	d := NewDList(m)
	idx := d.MostFree()
	require.GreaterOrEqual(t, idx, 0)
}

func TestAMapCommitWritesLegacyAndDListPages(t *testing.T) {
	m := newTestAMap(t)
	_, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)

	_, err = m.Commit()
	require.NoError(t, err)

	// The interval's own AMap page and its three legacy mirrors land at
	// the interval's first four page slots; the DList has its fixed home
	// just before the first interval.
	base := amapPageBase(0)
	for i, want := range []PageType{PageTypeAMap, PageTypePMap, PageTypeFMap, PageTypeFPMap} {
		pv, err := ReadPage(m.fio, PageID(base+uint64(i)*PageSize), ValidationFull)
		require.NoError(t, err)
		require.Equal(t, want, pv.Type)
	}
	pv, err := ReadPage(m.fio, PageID(dlistPageOffset), ValidationFull)
	require.NoError(t, err)
	require.Equal(t, PageTypeDList, pv.Type)
}

func TestAMapAllocatePrefersEmptiestPage(t *testing.T) {
	m := newTestAMap(t)

	// Fill all but the last 8 usable slots of page 0.
	_, err := m.AllocateBytes((maxAllocSlots - 8) * BytesPerSlot)
	require.NoError(t, err)
	require.Equal(t, 1, m.numPages)

	// This doesn't fit in page 0's 8 free slots, so it spills into a
	// fresh page 1, leaving page 0 with only 8 free slots and page 1
	// with many more.
	_, err = m.AllocateBytes(16 * BytesPerSlot)
	require.NoError(t, err)
	require.Equal(t, 2, m.numPages)

	// A small allocation that would fit in either page's free space must
	// land in page 1 (the emptier page), not page 0's leftover 8 slots:
	// the DList's preferred-page policy takes priority over a plain
	// first-fit scan.
	o3, err := m.AllocateBytes(4 * BytesPerSlot)
	require.NoError(t, err)

	page0Leftover := uint64(FirstAMapPageOffset + (amapSlotsPerPage-8)*BytesPerSlot)
	require.NotEqual(t, page0Leftover, o3)
	require.GreaterOrEqual(t, o3, amapPageBase(1))
}

func TestAMapEvictsUnderPressure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.db")
	fio, err := openFileIO(path, true, BackendOSFile)
	require.NoError(t, err)
	t.Cleanup(func() { fio.Close() })

	// A cache of one page forces every second AMap page touched to be
	// written back and evicted immediately.
	m := NewAMap(fio, ValidationFull, 1)

	_, err = m.AllocateBytes(maxAllocSlots * BytesPerSlot)
	require.NoError(t, err)
	_, err = m.AllocateBytes(maxAllocSlots * BytesPerSlot)
	require.NoError(t, err)
	require.Greater(t, m.numPages, 1)

	o2, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)
	require.True(t, m.IsAllocated(o2, PageSize))
}

func TestAMapIsAllocated(t *testing.T) {
	m := newTestAMap(t)
	o1, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)

	require.True(t, m.IsAllocated(o1, PageSize))
	require.False(t, m.IsAllocated(o1, PageSize*2)) // half of this range was never allocated

	require.NoError(t, m.Free(o1, PageSize))
	require.False(t, m.IsAllocated(o1, PageSize))
}

func TestAMapRestoreAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.db")
	fio, err := openFileIO(path, true, BackendOSFile)
	require.NoError(t, err)
	t.Cleanup(func() { fio.Close() })

	m := NewAMap(fio, ValidationFull, DefaultPageCacheThreshold)
	o1, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)
	last, err := m.Commit()
	require.NoError(t, err)
	eof := m.EOF()

	// A second allocator primed from the committed state must see o1 as
	// taken and must not hand out overlapping space.
	m2 := NewAMap(fio, ValidationFull, DefaultPageCacheThreshold)
	m2.Restore(eof, uint64(last))
	require.True(t, m2.IsAllocated(o1, PageSize))

	o2, err := m2.AllocateBytes(PageSize)
	require.NoError(t, err)
	require.NotEqual(t, o1, o2)
}

func TestAMapRebuild(t *testing.T) {
	m := newTestAMap(t)
	o1, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)
	o2, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)

	err = m.Rebuild(func(yield func(offset, size uint64) error) error {
		if err := yield(o1, PageSize); err != nil {
			return err
		}
		return yield(o2, PageSize)
	})
	require.NoError(t, err)

	// A third allocation must not collide with either rebuilt range.
	o3, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)
	require.NotEqual(t, o1, o3)
	require.NotEqual(t, o2, o3)
}

func TestAMapAbortRevertsToCommittedState(t *testing.T) {
	m := newTestAMap(t)

	o1, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)
	_, err = m.Commit()
	require.NoError(t, err)

	o2, err := m.AllocateBytes(PageSize)
	require.NoError(t, err)
	m.Abort()

	require.True(t, m.IsAllocated(o1, PageSize))
	require.False(t, m.IsAllocated(o2, PageSize))
}
