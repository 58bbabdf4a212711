package pst

import (
	"encoding/binary"
	"unicode/utf16"
)

// encodeUTF16LE/decodeUTF16LE mirror internal/ltp's own unexported
// UTF-16LE codec, and encodeInt32/decodeInt32 produce the 4-byte
// little-endian cell form; the messaging overlay needs these encodings to
// build table-context cell bytes directly (a TableContext cell is raw
// bytes, not a typed value the way a PropertyContext value is), so the
// small helpers live here rather than being exported from ltp for a
// single caller.

func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}

func decodeUTF16LE(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}

func encodeInt32(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

func decodeInt32(b []byte) int32 {
	if len(b) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}
