package ndb

import (
	"encoding/binary"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// PageType is the first trailer byte identifying a page's role: the
// two B-tree kinds and the allocation map family.
type PageType uint8

const (
	PageTypeBBT   PageType = 1
	PageTypeNBT   PageType = 2
	PageTypeAMap  PageType = 3
	PageTypePMap  PageType = 4
	PageTypeFMap  PageType = 5
	PageTypeFPMap PageType = 6
	PageTypeDList PageType = 7
)

// trailerSize is the fixed size of the per-page trailer: type, B-tree
// level, two reserved bytes, signature, CRC, and the page's own id.
const trailerSize = 20

// PageDataSize is how many bytes of a page are available to its payload
// once the trailer is reserved.
const PageDataSize = PageSize - trailerSize

// pageOffset converts a PageID to the byte offset it directly addresses.
// Every B-tree/allocation page is identified by its literal file offset;
// pages are never reference-counted or shared the way data blocks are,
// so nothing is gained by indirecting page addresses through the BBT.
func pageOffset(id PageID) int64 { return int64(id) }

// WritePage serialises data (at most PageDataSize bytes, zero-padded) as
// a page of the given type/level/id at its own offset, with a freshly
// computed signature and CRC.
func WritePage(fio FileIO, pageType PageType, level uint8, id PageID, data []byte) error {
	if len(data) > PageDataSize {
		return utils.New(utils.KindLengthError, "page payload exceeds PageDataSize")
	}
	buf := utils.GetBuffer(PageSize)
	defer utils.ReleaseBuffer(buf)
	for i := range buf {
		buf[i] = 0 // pooled buffers carry stale bytes; padding must be zero
	}
	copy(buf, data)

	trailer := buf[PageDataSize:]
	trailer[0] = byte(pageType)
	trailer[1] = level
	// trailer[2:4] reserved, left zero.
	sig := utils.Fold(uint32(id), uint64(pageOffset(id)))
	binary.LittleEndian.PutUint32(trailer[4:8], sig)
	binary.LittleEndian.PutUint64(trailer[12:20], uint64(id))

	crc := utils.CRC32(buf[0 : PageDataSize+12])
	binary.LittleEndian.PutUint32(trailer[8:12], crc)

	n, err := fio.WriteAt(buf, pageOffset(id))
	if err != nil {
		return utils.Wrap(utils.KindIO, "write page", err)
	}
	if n != PageSize {
		return utils.New(utils.KindIO, "short page write")
	}
	return nil
}

// pageView is a parsed page: its payload (exactly PageDataSize bytes),
// type, and B-tree level (0 for non-B-tree page types).
type pageView struct {
	Data  []byte
	Type  PageType
	Level uint8
	ID    PageID
}

// ReadPage reads and validates the page at id, returning its payload and
// trailer fields. At ValidationWeak only the signature is checked; at
// ValidationFull the CRC and stored id are checked too.
func ReadPage(fio FileIO, id PageID, level ValidationLevel) (*pageView, error) {
	buf := make([]byte, PageSize)
	if _, err := fio.ReadAt(buf, pageOffset(id)); err != nil {
		return nil, utils.Wrap(utils.KindIO, "read page", err)
	}

	trailer := buf[PageDataSize:]
	pv := &pageView{
		Data:  buf[0:PageDataSize],
		Type:  PageType(trailer[0]),
		Level: trailer[1],
		ID:    PageID(binary.LittleEndian.Uint64(trailer[12:20])),
	}

	sig := binary.LittleEndian.Uint32(trailer[4:8])
	wantSig := utils.Fold(uint32(id), uint64(pageOffset(id)))
	if sig != wantSig {
		return nil, utils.New(utils.KindSigMismatch, "page signature mismatch")
	}
	if pv.ID != id {
		return nil, utils.New(utils.KindUnexpectedPage, "page id mismatch")
	}

	if level == ValidationFull {
		gotCRC := binary.LittleEndian.Uint32(trailer[8:12])
		// WritePage computes the CRC while this field is still zero.
		binary.LittleEndian.PutUint32(trailer[8:12], 0)
		wantCRC := utils.CRC32(buf[0 : PageDataSize+12])
		if gotCRC != wantCRC {
			return nil, utils.New(utils.KindCRCFail, "page CRC mismatch")
		}
	}

	return pv, nil
}
