package ndb

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// amapSlotsPerPage is how many BytesPerSlot-sized slots one AMap page's
// bitmap payload can represent. AMapPageInterval (format.go) is the
// nominal per-page span; the page trailer (trailerSize bytes) leaves
// slightly less payload than that, so the span one AMap page governs is
// derived from page capacity rather than hard-coded to the nominal
// constant.
const amapSlotsPerPage = PageDataSize * 8

// amapPageSpan is the number of file bytes one AMap page's bitmap covers.
const amapPageSpan = amapSlotsPerPage * BytesPerSlot

// reservedSlotsPerPage is the run of slots at the start of every AMap
// interval occupied by the interval's own map pages: the AMap page
// itself plus its PMap, FMap, and FPMap mirrors, one PageSize each.
// These bits are set the moment the page comes into existence, so no
// allocation can ever land on top of the maps describing it.
const reservedSlotsPerPage = 4 * PageSize / BytesPerSlot

// maxAllocSlots caps a single allocation to what one AMap page can hold
// beyond its reserved map slots; anything larger must be split by the
// caller (the block layer already splits at ExternalBlockMax, far below
// this).
const maxAllocSlots = amapSlotsPerPage - reservedSlotsPerPage

// dlistPageOffset is the fixed home of the DList page, in the reserved
// region between the header and the first AMap interval. Like the
// header, it is never itself covered by the bitmap.
const dlistPageOffset = FirstAMapPageOffset - PageSize

// amapPageBase returns the file offset of AMap page idx: the first
// byte of the interval it covers, where the page itself is stored.
func amapPageBase(idx int) uint64 {
	return FirstAMapPageOffset + uint64(idx)*amapPageSpan
}

// amapPageEntry is one resident AMap page: its bitmap bytes (packed LE,
// one bit per slot) and whether it has been mutated since it was last
// written to disk.
type amapPageEntry struct {
	bits  []byte
	dirty bool
}

// AMap is the file's bitmap allocator: one bit per BytesPerSlot-byte
// slot of the file, one bit set meaning "allocated". Each page lives at
// a fixed offset (the start of the interval it covers) and is mutated
// in place, the one non-copy-on-write structure in the file; the
// header's AMap-valid flag brackets every commit so a torn write is
// detected and repaired by Rebuild on the next open. Pages are paged in
// from disk on demand and held in a bounded, dirty-aware resident
// cache, so the allocator never holds more than pageCacheThresh pages'
// worth of bitmap in memory at once. Legacy PMap/FMap/FPMap mirrors are
// written alongside every AMap page for backward compatibility; nothing
// here ever reads them back.
type AMap struct {
	mu    sync.Mutex
	fio   FileIO
	level ValidationLevel

	// pages holds the currently-resident AMap pages, keyed by page index;
	// lru records residency order (oldest at the front) so evictIfNeeded
	// can pick a write-back candidate. onDisk marks pages that have been
	// written at least once (and can therefore be paged back in); numPages
	// is the number of AMap pages known to exist, resident or not.
	pages    map[int]*amapPageEntry
	lru      []int
	onDisk   map[int]bool
	numPages int

	eof             uint64
	pageCacheThresh int

	// committedEOF/committedPages record the state the last Commit (or
	// Restore) left on disk, so Abort can fall back to it.
	committedEOF   uint64
	committedPages int
}

// NewAMap creates an allocator with no slots allocated, starting
// allocation at FirstAMapPageOffset.
func NewAMap(fio FileIO, level ValidationLevel, pageCacheThresh int) *AMap {
	return &AMap{
		fio:             fio,
		level:           level,
		eof:             FirstAMapPageOffset,
		committedEOF:    FirstAMapPageOffset,
		pageCacheThresh: pageCacheThresh,
		pages:           make(map[int]*amapPageEntry),
		onDisk:          make(map[int]bool),
	}
}

// Restore primes a fresh AMap from a previously committed file's header
// fields: the last AMap page's offset tells it how many pages exist on
// disk, and eof where allocation left off. Only meaningful before any
// allocation has happened on this AMap.
func (m *AMap) Restore(eof, lastAMapPage uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lastAMapPage >= FirstAMapPageOffset {
		last := int((lastAMapPage - FirstAMapPageOffset) / amapPageSpan)
		m.numPages = last + 1
		for i := 0; i <= last; i++ {
			m.onDisk[i] = true
		}
	}
	if eof > m.eof {
		m.eof = eof
	}
	m.committedEOF = m.eof
	m.committedPages = m.numPages
}

func slotIndex(offset uint64) uint64 { return (offset - FirstAMapPageOffset) / BytesPerSlot }

func slotsNeeded(size uint64) uint64 {
	return utils.AlignUp(size, BytesPerSlot) / BytesPerSlot
}

// touchPageLocked returns the resident page entry for idx, loading it
// from disk (if it has been written there before) or creating a fresh
// page whose reserved leading slots, the AMap page itself and its three
// legacy mirrors, are already marked. It then notes the page as the
// most-recently-used page and evicts the least-recently-used resident
// page if the cache is now over pageCacheThresh.
func (m *AMap) touchPageLocked(idx int) *amapPageEntry {
	if p, ok := m.pages[idx]; ok {
		m.markRecentlyUsedLocked(idx)
		return p
	}

	p := &amapPageEntry{bits: make([]byte, amapSlotsPerPage/8)}
	if m.onDisk[idx] {
		if pv, err := ReadPage(m.fio, PageID(amapPageBase(idx)), m.level); err == nil {
			copy(p.bits, pv.Data[:len(p.bits)])
		}
	} else {
		for s := 0; s < reservedSlotsPerPage; s++ {
			p.bits[s/8] |= 1 << uint(s%8)
		}
		p.dirty = true
		if end := amapPageBase(idx) + reservedSlotsPerPage*BytesPerSlot; end > m.eof {
			m.eof = end
		}
	}

	m.pages[idx] = p
	m.lru = append(m.lru, idx)
	if idx+1 > m.numPages {
		m.numPages = idx + 1
	}
	m.evictIfNeededLocked()
	return p
}

func (m *AMap) markRecentlyUsedLocked(idx int) {
	for i, v := range m.lru {
		if v == idx {
			m.lru = append(m.lru[:i], m.lru[i+1:]...)
			break
		}
	}
	m.lru = append(m.lru, idx)
}

// evictIfNeededLocked enforces the soft cache cap: while more pages are
// resident than pageCacheThresh allows, the least-recently-touched page
// is written back (if dirty) and dropped from memory, to be paged back
// in from disk the next time it is touched. A write-back failure leaves
// the page resident rather than discarding unwritten bits; the cap is
// a soft memory bound, not a correctness requirement.
func (m *AMap) evictIfNeededLocked() {
	if m.pageCacheThresh <= 0 {
		return
	}
	for len(m.lru) > m.pageCacheThresh {
		idx := m.lru[0]
		p := m.pages[idx]
		if p.dirty {
			if err := m.flushPageLocked(idx, p); err != nil {
				return
			}
		}
		m.lru = m.lru[1:]
		delete(m.pages, idx)
	}
}

// flushPageLocked writes page idx's bitmap in place at its fixed offset,
// together with its three legacy PMap/FMap/FPMap mirrors in the
// following page slots.
func (m *AMap) flushPageLocked(idx int, p *amapPageEntry) error {
	buf := make([]byte, PageDataSize)
	copy(buf, p.bits)

	base := amapPageBase(idx)
	if err := WritePage(m.fio, PageTypeAMap, 0, PageID(base), buf); err != nil {
		return err
	}
	for i, legacy := range []PageType{PageTypePMap, PageTypeFMap, PageTypeFPMap} {
		off := base + uint64(i+1)*PageSize
		if err := WritePage(m.fio, legacy, 0, PageID(off), buf); err != nil {
			return err
		}
	}

	m.onDisk[idx] = true
	p.dirty = false
	return nil
}

func (m *AMap) getBitLocked(slot uint64) bool {
	pageIdx := int(slot / amapSlotsPerPage)
	bitIdx := int(slot % amapSlotsPerPage)
	p := m.touchPageLocked(pageIdx)
	return p.bits[bitIdx/8]&(1<<uint(bitIdx%8)) != 0
}

func (m *AMap) setBitLocked(slot uint64, v bool) {
	pageIdx := int(slot / amapSlotsPerPage)
	bitIdx := int(slot % amapSlotsPerPage)
	p := m.touchPageLocked(pageIdx)
	if v {
		p.bits[bitIdx/8] |= 1 << uint(bitIdx%8)
	} else {
		p.bits[bitIdx/8] &^= 1 << uint(bitIdx%8)
	}
	p.dirty = true
}

func (m *AMap) markRangeLocked(start, count uint64, allocated bool) {
	for i := start; i < start+count; i++ {
		m.setBitLocked(i, allocated)
	}
}

// findRunInPageLocked looks for need consecutive free slots wholly
// within page pageIdx, returning its start slot index if found. align
// constrains candidate starts to multiples of align slots (1 for no
// constraint; 8 makes the returned file offset PageSize-aligned, since
// FirstAMapPageOffset is itself PageSize-aligned).
func (m *AMap) findRunInPageLocked(pageIdx int, need, align uint64) (uint64, bool) {
	base := uint64(pageIdx) * amapSlotsPerPage
	if align > 1 {
		for s := base; s+need <= base+amapSlotsPerPage; s += align {
			ok := true
			for i := s; i < s+need; i++ {
				if m.getBitLocked(i) {
					ok = false
					break
				}
			}
			if ok {
				return s, true
			}
		}
		return 0, false
	}

	run := uint64(0)
	start := uint64(0)
	for i := base; i < base+amapSlotsPerPage; i++ {
		if m.getBitLocked(i) {
			run = 0
			continue
		}
		if run == 0 {
			start = i
		}
		run++
		if run == need {
			return start, true
		}
	}
	return 0, false
}

func (m *AMap) freeSlotsInPageLocked(pageIdx int) int {
	base := uint64(pageIdx) * amapSlotsPerPage
	free := 0
	for i := base; i < base+amapSlotsPerPage; i++ {
		if !m.getBitLocked(i) {
			free++
		}
	}
	return free
}

// mostFreePageLocked returns the index of the AMap page with the most
// free slots, the DList's preferred-page policy.
func (m *AMap) mostFreePageLocked() int {
	best, bestFree := 0, -1
	for p := 0; p < m.numPages; p++ {
		if free := m.freeSlotsInPageLocked(p); free > bestFree {
			best, bestFree = p, free
		}
	}
	return best
}

// allocateSlotsLocked finds need consecutive free slots, consulting the
// DList's preferred (emptiest) page first, then every known page in
// order, and finally bringing a fresh page (and the file interval it
// governs) into existence. A fresh page always satisfies the request:
// need is capped at maxAllocSlots and a fresh page has exactly that
// many free slots past its reserved maps.
func (m *AMap) allocateSlotsLocked(need, align uint64) uint64 {
	if m.numPages > 0 {
		if start, ok := m.findRunInPageLocked(m.mostFreePageLocked(), need, align); ok {
			return start
		}
		for p := 0; p < m.numPages; p++ {
			if start, ok := m.findRunInPageLocked(p, need, align); ok {
				return start
			}
		}
	}

	idx := m.numPages
	m.touchPageLocked(idx)
	start, _ := m.findRunInPageLocked(idx, need, align)
	return start
}

func (m *AMap) allocate(size, align uint64) (uint64, error) {
	if err := utils.ValidateSize(size, maxAllocSlots*BytesPerSlot, "allocation"); err != nil {
		return 0, utils.Wrap(utils.KindInvalidArgument, "allocate", err)
	}
	need := slotsNeeded(size)
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.allocateSlotsLocked(need, align)
	m.markRangeLocked(start, need, true)

	offset := FirstAMapPageOffset + start*BytesPerSlot
	end := offset + need*BytesPerSlot
	if end > m.eof {
		m.eof = end
	}
	return offset, nil
}

// AllocateBytes reserves a contiguous run of size bytes and returns its
// file offset, aligned to BytesPerSlot.
func (m *AMap) AllocateBytes(size uint64) (uint64, error) {
	return m.allocate(size, 1)
}

// Free releases a previously allocated range. It fails if the range was
// not fully allocated, spans an AMap page boundary, or covers the
// interval's own reserved map pages; any of these means the caller's
// bookkeeping has diverged from the bitmap's.
func (m *AMap) Free(offset, size uint64) error {
	if size == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	end, err := utils.SafeAdd(offset, size)
	if err != nil || offset < FirstAMapPageOffset || end > m.eof {
		return utils.New(utils.KindOutOfRange, "free range past allocator extent")
	}
	start := slotIndex(offset)
	count := slotsNeeded(size)
	if start/amapSlotsPerPage != (start+count-1)/amapSlotsPerPage {
		return utils.New(utils.KindInvalidArgument, "free range spans AMap page boundary")
	}
	if start%amapSlotsPerPage < reservedSlotsPerPage {
		return utils.New(utils.KindInvalidArgument, "free range covers AMap page header area")
	}
	for i := start; i < start+count; i++ {
		if !m.getBitLocked(i) {
			return utils.New(utils.KindInvalidArgument, "free of unallocated range")
		}
	}
	m.markRangeLocked(start, count, false)
	return nil
}

// IsAllocated reports whether every slot covering [offset, offset+size) is
// currently marked allocated.
func (m *AMap) IsAllocated(offset, size uint64) bool {
	if size == 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	end, err := utils.SafeAdd(offset, size)
	if err != nil || offset < FirstAMapPageOffset || end > m.eof {
		return false
	}
	start := slotIndex(offset)
	count := slotsNeeded(size)
	for i := start; i < start+count; i++ {
		if !m.getBitLocked(i) {
			return false
		}
	}
	return true
}

// AllocatePage reserves one PageSize-sized, PageSize-aligned slot run
// (exactly eight bits) and returns it as a PageID, satisfying the
// PageAllocator interface consumed by btree.go.
func (m *AMap) AllocatePage() (PageID, error) {
	offset, err := m.allocate(PageSize, PageSize/BytesPerSlot)
	if err != nil {
		return 0, err
	}
	return PageID(offset), nil
}

// FreePage releases the page-sized run at id.
func (m *AMap) FreePage(id PageID) error {
	return m.Free(uint64(id), PageSize)
}

// EOF returns the current logical end of file: the highest offset any
// live allocation extends to.
func (m *AMap) EOF() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eof
}

// Commit writes back every dirty resident AMap page (each with its
// legacy PMap/FMap/FPMap mirrors) and persists the DList page
// summarising free-slot density, returning the offset of the last AMap
// page for the header's last-AMap-page field. Non-resident pages were
// written back when they were evicted and need nothing here. Commit
// does not itself update the header; the caller (Context.Commit) writes
// the header's AMap-valid flag around this call so a crash mid-commit
// is detected on the next open.
func (m *AMap) Commit() (lastPage PageID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx := 0; idx < m.numPages; idx++ {
		p, resident := m.pages[idx]
		if resident && p.dirty {
			if err := m.flushPageLocked(idx, p); err != nil {
				return 0, err
			}
		} else if !resident && !m.onDisk[idx] {
			// Evicted before its first flush could succeed; rebuild the
			// reserved bits it was created with.
			p = m.touchPageLocked(idx)
			if err := m.flushPageLocked(idx, p); err != nil {
				return 0, err
			}
		}
	}

	if err := m.writeDListLocked(); err != nil {
		return 0, err
	}
	m.committedEOF = m.eof
	m.committedPages = m.numPages
	if m.numPages == 0 {
		return 0, nil
	}
	return PageID(amapPageBase(m.numPages - 1)), nil
}

// Abort discards every in-memory bitmap mutation since the last Commit
// (or Restore): resident pages are dropped, to be re-read from their
// on-disk state on next touch, and pages brought into existence since
// the last commit are forgotten entirely. Mid-transaction evictions may
// already have written some of the discarded bits to disk; those pages
// are re-read as-is, which only ever over-reports allocation. Space
// leaked this way comes back on the next Rebuild.
func (m *AMap) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pages = make(map[int]*amapPageEntry)
	m.lru = nil
	m.numPages = m.committedPages
	m.eof = m.committedEOF
	for idx := range m.onDisk {
		if idx >= m.committedPages {
			delete(m.onDisk, idx)
		}
	}
}

// dlistEntry is one (page index, free-slot count) record of a persisted
// DList page.
type dlistEntry struct {
	page uint32
	free uint32
}

// dlistEntrySize is the on-disk width of one dlistEntry: a 4-byte page
// index plus a 4-byte free-slot count.
const dlistEntrySize = 8

// dlistHeaderSize is the DList page's fixed leading region: a flags
// byte (reserved, always 0 here) plus a 4-byte preferred-page index and
// a 4-byte entry count.
const dlistHeaderSize = 1 + 4 + 4

// writeDListLocked persists the DList page at its fixed offset, covering
// every AMap page this allocator currently knows about, ranked
// emptiest-first and truncated to however many (page, free-count)
// entries fit in one page's payload, with the single emptiest page
// recorded as the preferred page.
func (m *AMap) writeDListLocked() error {
	entries := make([]dlistEntry, m.numPages)
	for p := 0; p < m.numPages; p++ {
		entries[p] = dlistEntry{page: uint32(p), free: uint32(m.freeSlotsInPageLocked(p))}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].free > entries[j].free })

	maxEntries := (PageDataSize - dlistHeaderSize) / dlistEntrySize
	if len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}

	var preferred uint32
	if len(entries) > 0 {
		preferred = entries[0].page
	}

	buf := make([]byte, PageDataSize)
	buf[0] = 0 // flags: reserved, no DList states beyond the entry table are tracked
	binary.LittleEndian.PutUint32(buf[1:5], preferred)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(entries)))
	pos := dlistHeaderSize
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[pos:pos+4], e.page)
		binary.LittleEndian.PutUint32(buf[pos+4:pos+8], e.free)
		pos += dlistEntrySize
	}

	return WritePage(m.fio, PageTypeDList, 0, PageID(dlistPageOffset), buf)
}

// DList (density list) is a thin, live view over AMap's own page cache
// that answers the "which AMap page is emptiest" query AllocateBytes
// consults before falling back to a full scan; Commit is what actually
// persists this information to disk as a DList page.
type DList struct {
	amap *AMap
}

// NewDList wraps amap with density-query helpers.
func NewDList(amap *AMap) *DList { return &DList{amap: amap} }

// FreeSlotsInPage returns how many free slots remain in the AMap page
// covering pageIndex (0-based).
func (d *DList) FreeSlotsInPage(pageIndex int) int {
	d.amap.mu.Lock()
	defer d.amap.mu.Unlock()
	return d.amap.freeSlotsInPageLocked(pageIndex)
}

// MostFree returns the index of the AMap page with the most free slots,
// the same query AllocateBytes itself consults first.
func (d *DList) MostFree() int {
	d.amap.mu.Lock()
	defer d.amap.mu.Unlock()
	return d.amap.mostFreePageLocked()
}

// Rebuild reconstructs the AMap bitmap from scratch by walking every
// live block and page the database actually references, discarding
// whatever the on-disk bitmap previously claimed. This is the recovery
// path for a database whose header AMap-valid flag was found clear on
// open: a torn AMap commit left the persisted bitmap unreliable, but
// the BBT/NBT root pages themselves are always written before the
// header publishes them and are therefore trustworthy. Every prior
// resident page is dropped and every on-disk page distrusted; the walk
// below re-derives every allocated range and re-populates the page
// cache (still bounded by pageCacheThresh, same as any other run of
// markRangeLocked calls) from nothing, each recreated page starting
// from its reserved map slots. The caller's subsequent Commit is what
// writes the rebuilt bitmap back out, same as any other mutation.
func (m *AMap) Rebuild(liveRanges func(yield func(offset, size uint64) error) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pages = make(map[int]*amapPageEntry)
	m.lru = nil
	m.onDisk = make(map[int]bool)
	m.numPages = 0
	m.eof = FirstAMapPageOffset

	var maxEnd uint64
	err := liveRanges(func(offset, size uint64) error {
		start := slotIndex(offset)
		count := slotsNeeded(size)
		m.markRangeLocked(start, count, true)
		if end := offset + size; end > maxEnd {
			maxEnd = end
		}
		return nil
	})
	if err != nil {
		return err
	}
	if maxEnd > m.eof {
		m.eof = maxEnd
	}
	return nil
}
