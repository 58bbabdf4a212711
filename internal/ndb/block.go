package ndb

import (
	"encoding/binary"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// blockTrailerSize is the fixed size of the trailer appended to every raw
// block allocation, independent of Width: a 2-byte size, a 2-byte
// signature, a 4-byte CRC, and the block's own 8-byte id; smaller than
// the 20-byte page trailer (page.go) since blocks have no level byte.
const blockTrailerSize = 16

// BlockBTEntry is the value side of a BBT entry: where a
// block's raw bytes live, how big the raw (undecoded) allocation is, and
// how many nodes reference it. A block is only actually freed when
// RefCount drops to zero.
type BlockBTEntry struct {
	Offset   uint64
	Size     uint32
	RefCount uint16
}

const blockBTEntrySize = 8 + 4 + 2

// BlockBTEntryCodec returns the BTreeCodec for a BlockID-keyed BBT.
func BlockBTEntryCodec() BTreeCodec[BlockID, BlockBTEntry] {
	return BTreeCodec[BlockID, BlockBTEntry]{
		KeySize:   8,
		ValueSize: blockBTEntrySize,
		EncodeKey: func(k BlockID, b []byte) { binary.LittleEndian.PutUint64(b, uint64(k)) },
		DecodeKey: func(b []byte) BlockID { return BlockID(binary.LittleEndian.Uint64(b)) },
		EncodeValue: func(v BlockBTEntry, b []byte) {
			binary.LittleEndian.PutUint64(b[0:8], v.Offset)
			binary.LittleEndian.PutUint32(b[8:12], v.Size)
			binary.LittleEndian.PutUint16(b[12:14], v.RefCount)
		},
		DecodeValue: func(b []byte) BlockBTEntry {
			return BlockBTEntry{
				Offset:   binary.LittleEndian.Uint64(b[0:8]),
				Size:     binary.LittleEndian.Uint32(b[8:12]),
				RefCount: binary.LittleEndian.Uint16(b[12:14]),
			}
		},
		Compare: func(a, b BlockID) int {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			default:
				return 0
			}
		},
	}
}

// permuteTable and its inverse implement EncryptPermute: a fixed
// byte-substitution cipher, the simpler of the format's two encryption
// methods.
var permuteTable = buildPermuteTable()

func buildPermuteTable() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = byte(255 - i)
	}
	return t
}

var permuteTableInverse = buildPermuteInverse()

func buildPermuteInverse() [256]byte {
	var inv [256]byte
	for i, v := range permuteTable {
		inv[v] = byte(i)
	}
	return inv
}

func applyPermute(data []byte, table *[256]byte) {
	for i, b := range data {
		data[i] = table[b]
	}
}

// applyCyclic implements EncryptCyclic: each byte is XORed with a key
// byte that rotates with its position, keyed by the block's own id so
// two blocks with identical plaintext don't encrypt identically.
func applyCyclic(data []byte, id BlockID) {
	key := byte(id) ^ byte(id>>8) ^ byte(id>>16) ^ byte(id>>24)
	for i := range data {
		data[i] ^= key
		key = key<<1 | key>>7
	}
}

func encryptBlock(data []byte, method EncryptionMethod, id BlockID) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	switch method {
	case EncryptPermute:
		applyPermute(out, &permuteTable)
	case EncryptCyclic:
		applyCyclic(out, id)
	}
	return out
}

func decryptBlock(data []byte, method EncryptionMethod, id BlockID) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	switch method {
	case EncryptPermute:
		applyPermute(out, &permuteTableInverse)
	case EncryptCyclic:
		applyCyclic(out, id) // XOR-based cyclic cipher is its own inverse.
	}
	return out
}

// writeRawBlock allocates space for one external block's on-disk image
// (data, possibly encrypted, plus trailer) and writes it, returning the
// BBT entry describing the allocation.
func writeRawBlock(fio FileIO, alloc *AMap, id BlockID, data []byte, method EncryptionMethod) (BlockBTEntry, error) {
	if len(data) > ExternalBlockMax {
		return BlockBTEntry{}, utils.New(utils.KindLengthError, "external block exceeds ExternalBlockMax")
	}
	payload := encryptBlock(data, method, id)
	total := len(payload) + blockTrailerSize

	offset, err := alloc.AllocateBytes(uint64(total))
	if err != nil {
		return BlockBTEntry{}, err
	}

	buf := utils.GetBuffer(total)
	defer utils.ReleaseBuffer(buf)
	copy(buf, payload)
	trailer := buf[len(payload):]
	binary.LittleEndian.PutUint16(trailer[0:2], uint16(len(data)))
	sig := uint16(utils.Fold(uint32(id), offset))
	binary.LittleEndian.PutUint16(trailer[2:4], sig)
	crc := utils.CRC32(buf[0:len(payload)])
	binary.LittleEndian.PutUint32(trailer[4:8], crc)
	binary.LittleEndian.PutUint64(trailer[8:16], uint64(id))

	n, err := fio.WriteAt(buf, int64(offset))
	if err != nil {
		return BlockBTEntry{}, utils.Wrap(utils.KindIO, "write block", err)
	}
	if n != total {
		return BlockBTEntry{}, utils.New(utils.KindIO, "short block write")
	}

	return BlockBTEntry{Offset: offset, Size: uint32(total), RefCount: 1}, nil
}

// readRawBlock reads, validates, and decrypts one external block's
// payload given its BBT entry.
func readRawBlock(fio FileIO, id BlockID, entry BlockBTEntry, method EncryptionMethod, level ValidationLevel) ([]byte, error) {
	buf := utils.GetBuffer(int(entry.Size))
	defer utils.ReleaseBuffer(buf)
	if _, err := fio.ReadAt(buf, int64(entry.Offset)); err != nil {
		return nil, utils.Wrap(utils.KindIO, "read block", err)
	}
	if int(entry.Size) < blockTrailerSize {
		return nil, utils.New(utils.KindDatabaseCorrupt, "block smaller than trailer")
	}
	dataLen := int(entry.Size) - blockTrailerSize
	trailer := buf[dataLen:]

	storedLen := binary.LittleEndian.Uint16(trailer[0:2])
	if int(storedLen) > dataLen {
		return nil, utils.New(utils.KindDatabaseCorrupt, "block trailer length exceeds allocation")
	}

	sig := binary.LittleEndian.Uint16(trailer[2:4])
	wantSig := uint16(utils.Fold(uint32(id), entry.Offset))
	if sig != wantSig {
		return nil, utils.New(utils.KindSigMismatch, "block signature mismatch")
	}
	storedID := BlockID(binary.LittleEndian.Uint64(trailer[8:16]))
	if storedID != id {
		return nil, utils.New(utils.KindUnexpectedBlock, "block id mismatch")
	}

	if level == ValidationFull {
		gotCRC := binary.LittleEndian.Uint32(trailer[4:8])
		wantCRC := utils.CRC32(buf[0:dataLen])
		if gotCRC != wantCRC {
			return nil, utils.New(utils.KindCRCFail, "block CRC mismatch")
		}
	}

	return decryptBlock(buf[0:storedLen], method, id), nil
}

// xblockChildRefSize is the on-disk size of one extended-block child
// reference: just a BlockID, the child's size being looked up via the
// BBT when the child is read.
const xblockChildRefSize = 8

// encodeXBlock packs a list of child block ids into one xblock/xxblock
// payload: a total-byte-count header followed by the child id list
// the "extended block tree" for payloads over
// ExternalBlockMax).
func encodeXBlock(totalSize uint32, children []BlockID) []byte {
	buf := make([]byte, 4+len(children)*xblockChildRefSize)
	binary.LittleEndian.PutUint32(buf[0:4], totalSize)
	pos := 4
	for _, c := range children {
		binary.LittleEndian.PutUint64(buf[pos:pos+8], uint64(c))
		pos += 8
	}
	return buf
}

func decodeXBlock(data []byte) (totalSize uint32, children []BlockID) {
	totalSize = binary.LittleEndian.Uint32(data[0:4])
	n := (len(data) - 4) / xblockChildRefSize
	children = make([]BlockID, n)
	pos := 4
	for i := 0; i < n; i++ {
		children[i] = BlockID(binary.LittleEndian.Uint64(data[pos : pos+8]))
		pos += 8
	}
	return totalSize, children
}

// maxChildrenPerXBlock bounds how many child ids one xblock/xxblock's
// payload can hold.
const maxChildrenPerXBlock = (ExternalBlockMax - 4) / xblockChildRefSize
