package ndb

import (
	"encoding/binary"
	"fmt"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// Signature is the fixed magic at the start of every file this engine
// writes. Files written here are read back here, never handed to
// Outlook, so a distinct signature is used rather than the real [MS-PST]
// magic; a reader that expects the real magic should refuse these files
// rather than misparse them.
const Signature = "PSTK"

// headerSize is the fixed on-disk size of the header region, identical
// for both format variants; unused trailing bytes are zero. It precedes
// FirstAMapPageOffset and is never itself covered by the AMap.
const headerSize = 512

// Header is the in-memory image of the file header: format
// version/width, encryption method, the root B-tree references, the
// AMap bookkeeping fields, the three id counters, and the header CRCs.
type Header struct {
	Width      Width
	Encryption EncryptionMethod

	NBTRoot PageID
	BBTRoot PageID

	EOF          uint64
	LastAMapPage uint64
	AMapValid    bool

	NextPageID  uint64
	NextBlockID uint64
	NextNodeID  uint32

	// crcPartial covers the fields before the root record; crcFull covers
	// the whole header and is only meaningful (and checked) in the wide
	// variant.
	crcPartial uint32
	crcFull    uint32
}

// NewHeader returns the header for a freshly created, empty file.
func NewHeader(width Width) *Header {
	return &Header{
		Width:        width,
		Encryption:   EncryptNone,
		EOF:          headerSize,
		LastAMapPage: 0,
		AMapValid:    true,
		NextPageID:   1,
		NextBlockID:  2, // 0 is reserved for "no block"; ids increment by 2.
		NextNodeID:   0x400, // indexes below this are reserved for well-known nodes.
	}
}

// partialFieldsSize is how many bytes of the encoded header the partial
// CRC covers: signature, version/width, encryption, and padding, but not
// the root record or counters (which change on every commit and would
// make the partial CRC as expensive to maintain as the full one).
const partialFieldsSize = 16

// ReadHeader parses the file header from r at offset 0.
func ReadHeader(r utils.ReaderAt, level ValidationLevel) (*Header, error) {
	buf := make([]byte, headerSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, utils.Wrap(utils.KindIO, "read header", err)
	}

	if string(buf[0:4]) != Signature {
		return nil, utils.New(utils.KindInvalidFormat, "bad signature")
	}

	widthByte := buf[4]
	if widthByte != byte(WidthNarrow) && widthByte != byte(WidthWide) {
		return nil, utils.New(utils.KindInvalidFormat, fmt.Sprintf("unknown width selector %d", widthByte))
	}
	h := &Header{Width: Width(widthByte), Encryption: EncryptionMethod(buf[5])}

	if level == ValidationFull {
		got := binary.LittleEndian.Uint32(buf[8:12])
		want := utils.CRC32(buf[0:partialFieldsSize])
		// want is computed with the stored CRC field zeroed, see WriteTo.
		zeroed := make([]byte, partialFieldsSize)
		copy(zeroed, buf[0:partialFieldsSize])
		binary.LittleEndian.PutUint32(zeroed[8:12], 0)
		want = utils.CRC32(zeroed)
		if got != want {
			return nil, utils.New(utils.KindCRCFail, "header partial CRC mismatch")
		}
	}

	idSize := h.Width.IDSize()
	pos := partialFieldsSize

	readID := func() uint64 {
		var v uint64
		if idSize == 4 {
			v = uint64(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		} else {
			v = binary.LittleEndian.Uint64(buf[pos : pos+8])
		}
		pos += idSize
		return v
	}

	h.NBTRoot = PageID(readID())
	h.BBTRoot = PageID(readID())
	h.EOF = readID()
	h.LastAMapPage = readID()
	h.AMapValid = buf[pos] != 0
	pos++
	h.NextPageID = readID()
	h.NextBlockID = readID()
	h.NextNodeID = binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4

	if h.Width == WidthWide && level == ValidationFull {
		fullCRCOffset := pos
		got := binary.LittleEndian.Uint32(buf[fullCRCOffset : fullCRCOffset+4])
		zeroed := make([]byte, fullCRCOffset)
		copy(zeroed, buf[0:fullCRCOffset])
		binary.LittleEndian.PutUint32(zeroed[8:12], 0)
		want := utils.CRC32(zeroed)
		if got != want {
			return nil, utils.New(utils.KindCRCFail, "header full CRC mismatch")
		}
	}

	return h, nil
}

// WriteTo serialises the header to w at offset 0, recomputing both CRCs.
func (h *Header) WriteTo(w utils.WriterAt) error {
	buf := make([]byte, headerSize)
	copy(buf[0:4], Signature)
	buf[4] = byte(h.Width)
	buf[5] = byte(h.Encryption)
	// buf[6:8] reserved, left zero.
	// buf[8:12] partial CRC, filled below.
	// buf[12:16] reserved, left zero.

	idSize := h.Width.IDSize()
	pos := partialFieldsSize

	writeID := func(v uint64) {
		if idSize == 4 {
			binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(v))
		} else {
			binary.LittleEndian.PutUint64(buf[pos:pos+8], v)
		}
		pos += idSize
	}

	writeID(uint64(h.NBTRoot))
	writeID(uint64(h.BBTRoot))
	writeID(h.EOF)
	writeID(h.LastAMapPage)
	if h.AMapValid {
		buf[pos] = 1
	}
	pos++
	writeID(h.NextPageID)
	writeID(h.NextBlockID)
	binary.LittleEndian.PutUint32(buf[pos:pos+4], h.NextNodeID)
	pos += 4

	// Both CRCs are computed while buf[8:12] is still zero, the same
	// form ReadHeader restores before checking either one.
	h.crcPartial = utils.CRC32(buf[0:partialFieldsSize])

	if h.Width == WidthWide {
		h.crcFull = utils.CRC32(buf[0:pos])
		binary.LittleEndian.PutUint32(buf[pos:pos+4], h.crcFull)
		pos += 4
	}
	binary.LittleEndian.PutUint32(buf[8:12], h.crcPartial)

	if pos > headerSize {
		return utils.New(utils.KindDatabaseCorrupt, "header overflowed reserved region")
	}

	n, err := w.WriteAt(buf, 0)
	if err != nil {
		return utils.Wrap(utils.KindIO, "write header", err)
	}
	if n != headerSize {
		return utils.New(utils.KindIO, "short header write")
	}
	return nil
}

// MarkDirty clears the AMap-valid flag; called before an AMap commit so a
// torn write is detected on next open (lifecycle note).
func (h *Header) MarkDirty() { h.AMapValid = false }

// MarkClean sets the AMap-valid flag; called after an AMap commit
// completes.
func (h *Header) MarkClean() { h.AMapValid = true }
