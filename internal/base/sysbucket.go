package base

import "encoding/binary"

// SysBucketPointer is the fixed address of the per-file metadata bucket.
var SysBucketPointer = BucketPointer{PageIndex: 0, PageOffset: 0}

// sysMagic marks an initialized system bucket. A zero-filled page reads as
// uninitialized.
const sysMagic = 0xFD

// System bucket layout, big-endian:
//
//	0   magic            1
//	1   free space ptr  10  next never-used bucket slot
//	11  free list head  10  most recently recycled bucket
//	21  free list len    8
const (
	sysMagicOffset      = 0
	freeSpaceOffset     = 1
	freeListHeadOffset  = 11
	freeListLenOffset   = 21
	sysBucketHeaderSize = 29
)

// SysBucket reads and writes the metadata bucket at slot (0, 0) of a file.
// It owns the free-space pointer and the head of the recycled-bucket chain.
type SysBucket struct {
	page    *Page
	changes *ChangeSet
}

func NewSysBucket(page *Page, changes *ChangeSet) *SysBucket {
	return &SysBucket{page: page, changes: changes}
}

// IsInitialized reports whether Init has ever run on this file.
func (s *SysBucket) IsInitialized() bool {
	return s.page.Data[sysMagicOffset] == sysMagic
}

// Init writes the initial metadata: the free-space pointer starts right after
// the system bucket's own slot on page 0, and the free list is empty.
func (s *SysBucket) Init(bucketSize int) {
	s.changes.Write(s.page, sysMagicOffset, []byte{sysMagic})
	s.setPointer(freeSpaceOffset, BucketPointer{PageIndex: 0, PageOffset: uint16(bucketSize)})
	s.setPointer(freeListHeadOffset, NullPointer)
	s.SetFreeListLength(0)
}

func (s *SysBucket) FreeSpacePointer() BucketPointer {
	return DecodePointer(s.page.Data[freeSpaceOffset:])
}

func (s *SysBucket) SetFreeSpacePointer(p BucketPointer) {
	s.setPointer(freeSpaceOffset, p)
}

func (s *SysBucket) FreeListHead() BucketPointer {
	return DecodePointer(s.page.Data[freeListHeadOffset:])
}

func (s *SysBucket) SetFreeListHead(p BucketPointer) {
	s.setPointer(freeListHeadOffset, p)
}

func (s *SysBucket) FreeListLength() int64 {
	return int64(binary.BigEndian.Uint64(s.page.Data[freeListLenOffset:]))
}

func (s *SysBucket) SetFreeListLength(n int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	s.changes.Write(s.page, freeListLenOffset, buf[:])
}

func (s *SysBucket) setPointer(offset int, p BucketPointer) {
	var buf [PointerSize]byte
	p.Encode(buf[:])
	s.changes.Write(s.page, offset, buf[:])
}
