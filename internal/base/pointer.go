package base

import "encoding/binary"

// PointerSize is the wire size of a BucketPointer: page index (8) + page
// offset (2), big-endian.
const PointerSize = 10

// BucketPointer addresses one bucket inside a file: the page it lives on and
// its byte offset within that page.
type BucketPointer struct {
	PageIndex  int64
	PageOffset uint16
}

// NullPointer marks the absence of a bucket.
var NullPointer = BucketPointer{PageIndex: -1, PageOffset: 0xFFFF}

// IsValid reports whether the pointer references a real bucket.
func (p BucketPointer) IsValid() bool {
	return p.PageIndex >= 0
}

// Encode writes the pointer into buf, which must hold PointerSize bytes.
func (p BucketPointer) Encode(buf []byte) {
	binary.BigEndian.PutUint64(buf, uint64(p.PageIndex))
	binary.BigEndian.PutUint16(buf[8:], p.PageOffset)
}

// DecodePointer reads a pointer from buf.
func DecodePointer(buf []byte) BucketPointer {
	return BucketPointer{
		PageIndex:  int64(binary.BigEndian.Uint64(buf)),
		PageOffset: binary.BigEndian.Uint16(buf[8:]),
	}
}
