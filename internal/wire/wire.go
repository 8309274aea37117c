package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindEntry byte = 1

	// magic | ver | kind | fetchedAt | size
	fixedHdr = 4 + 1 + 1 + 8 + 8
	// offset of fetchedAt inside a frame
	fetchedAtOff = 6

	// MaxRevisionLen is the longest revision token a frame can carry.
	MaxRevisionLen = 0xFFFF
)

var (
	ErrCorrupt     = errors.New("modsync: corrupt entry")
	ErrRevisionLen = errors.New("modsync: revision token too long")
	magic4         = [...]byte{'M', 'S', 'Y', 'N'}
)

// Header is the metadata framed in front of every cached payload.
type Header struct {
	FetchedAt int64 // unix milliseconds
	SizeBytes int64
	Revision  string // empty => source has no versioning
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry:
//
//	magic(4) | ver(1) | kind(1=entry) | fetchedAt(i64 be, ms) | size(i64 be)
//	revLen(u16 be) | rev(revLen) | vlen(u32 be) | payload(vlen)
func EncodeEntry(h Header, payload []byte) ([]byte, error) {
	if len(h.Revision) > MaxRevisionLen {
		return nil, ErrRevisionLen
	}
	var buf bytes.Buffer
	buf.Grow(fixedHdr + 2 + len(h.Revision) + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(h.FetchedAt))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(h.SizeBytes))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(h.Revision)))
	buf.Write(u2[:])
	buf.WriteString(h.Revision)

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeEntry parses a frame. The returned payload aliases b.
func DecodeEntry(b []byte) (Header, []byte, error) {
	var h Header
	if len(b) < fixedHdr || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return h, nil, ErrCorrupt
	}
	off := fetchedAtOff

	h.FetchedAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	h.SizeBytes = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	if h.SizeBytes < 0 {
		return Header{}, nil, ErrCorrupt
	}

	// revision
	if off+2 > len(b) {
		return Header{}, nil, ErrCorrupt
	}
	rlen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if rlen > len(b)-off {
		return Header{}, nil, ErrCorrupt
	}
	h.Revision = string(b[off : off+rlen])
	off += rlen

	// payload
	if off+4 > len(b) {
		return Header{}, nil, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact framing, no trailing bytes
		return Header{}, nil, ErrCorrupt
	}
	return h, b[off : off+vlen], nil
}

// WithFetchedAt returns a copy of a valid frame with its fetch time replaced.
// The payload is not re-encoded.
func WithFetchedAt(b []byte, fetchedAt int64) ([]byte, error) {
	if _, _, err := DecodeEntry(b); err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	binary.BigEndian.PutUint64(out[fetchedAtOff:fetchedAtOff+8], uint64(fetchedAt))
	return out, nil
}
