package base

import (
	"bytes"
	"encoding/binary"
)

// Bucket header layout, all fields big-endian:
//
//	0   flags        1  bit0 = leaf, bit1 = deleted
//	1   size         2  entry count
//	3   free ptr     2  bucket-relative offset of the lowest payload byte
//	5   tree size    8  total entries in the tree (root bucket only)
//	13  identifier   8  caller-supplied id (root bucket only)
//	21  key ser id   1
//	22  val ser id   1
//	23  left sib    10  leaf sibling chain
//	33  right sib   10
//	43  free list   10  next recycled bucket (deleted buckets only)
//	53  slot directory, one u16 offset per entry, sorted by key
//
// The payload region is packed from the end of the bucket downward; the free
// pointer tracks its low edge. A leaf entry is keyLen(2), key, valLen(2), val.
// A branch entry is leftChild(10), rightChild(10), keyLen(2), key.
const (
	flagsOffset         = 0
	sizeOffset          = 1
	freePointerOffset   = 3
	treeSizeOffset      = 5
	identifierOffset    = 13
	keySerializerOffset = 21
	valSerializerOffset = 22
	leftSiblingOffset   = 23
	rightSiblingOffset  = 33
	freeListOffset      = 43

	// BucketHeaderSize is where the slot directory begins.
	BucketHeaderSize = 53

	slotSize = 2

	leafFlag    = 0x01
	deletedFlag = 0x02
)

// UpdateResult tells the caller what UpdateValue did with the new value.
type UpdateResult int

const (
	// NoChange means the stored value is bytewise identical.
	NoChange UpdateResult = iota
	// Updated means the value was overwritten in place.
	Updated
	// Reinsert means the encoding size changed; the caller must Remove the
	// entry and insert it again.
	Reinsert
)

// Entry is one decoded bucket entry. Leaves carry Key/Value; branches carry
// Key and the two child pointers. Adjacent branch entries share a child:
// entry i's RightChild is entry i+1's LeftChild.
type Entry struct {
	LeftChild  BucketPointer
	RightChild BucketPointer
	Key        []byte
	Value      []byte
}

// Bucket reads and writes one subpage of a pinned page. It never allocates
// pages and never touches bytes outside [offset, offset+capacity). All
// mutations flow through the bound ChangeSet so the WAL can redo or undo them.
type Bucket struct {
	page     *Page
	offset   int
	capacity int
	cmp      Comparator
	changes  *ChangeSet
}

// NewBucket wraps the bucket at the given page offset. The comparator orders
// keys for Find; changes may be nil for read-only views.
func NewBucket(page *Page, offset, capacity int, cmp Comparator, changes *ChangeSet) *Bucket {
	if cmp == nil {
		cmp = bytes.Compare
	}
	return &Bucket{page: page, offset: offset, capacity: capacity, cmp: cmp, changes: changes}
}

// Init resets the bucket to an empty live node. The tree size and identifier
// fields are deliberately left untouched: they are meaningful on the root
// bucket only and survive the root rewrite during a root split.
func (b *Bucket) Init(leaf bool, keySerializerID, valueSerializerID byte) {
	var flags byte
	if leaf {
		flags = leafFlag
	}
	b.setByte(flagsOffset, flags)
	b.setUint16(sizeOffset, 0)
	b.setUint16(freePointerOffset, uint16(b.capacity))
	b.setByte(keySerializerOffset, keySerializerID)
	b.setByte(valSerializerOffset, valueSerializerID)
	b.setPointer(leftSiblingOffset, NullPointer)
	b.setPointer(rightSiblingOffset, NullPointer)
	b.setPointer(freeListOffset, NullPointer)
}

func (b *Bucket) Size() int {
	return int(binary.BigEndian.Uint16(b.page.Data[b.offset+sizeOffset:]))
}

func (b *Bucket) IsEmpty() bool { return b.Size() == 0 }

func (b *Bucket) IsLeaf() bool {
	return b.page.Data[b.offset+flagsOffset]&leafFlag != 0
}

func (b *Bucket) IsDeleted() bool {
	return b.page.Data[b.offset+flagsOffset]&deletedFlag != 0
}

// SetDeleted marks the bucket as a free-list member (or clears the mark).
func (b *Bucket) SetDeleted(deleted bool) {
	flags := b.page.Data[b.offset+flagsOffset]
	if deleted {
		flags |= deletedFlag
	} else {
		flags &^= deletedFlag
	}
	b.setByte(flagsOffset, flags)
}

func (b *Bucket) TreeSize() uint64 {
	return binary.BigEndian.Uint64(b.page.Data[b.offset+treeSizeOffset:])
}

func (b *Bucket) SetTreeSize(n uint64) {
	b.setUint64(treeSizeOffset, n)
}

func (b *Bucket) Identifier() uint64 {
	return binary.BigEndian.Uint64(b.page.Data[b.offset+identifierOffset:])
}

func (b *Bucket) SetIdentifier(id uint64) {
	b.setUint64(identifierOffset, id)
}

func (b *Bucket) KeySerializerID() byte {
	return b.page.Data[b.offset+keySerializerOffset]
}

func (b *Bucket) ValueSerializerID() byte {
	return b.page.Data[b.offset+valSerializerOffset]
}

func (b *Bucket) LeftSibling() BucketPointer {
	return b.getPointer(leftSiblingOffset)
}

func (b *Bucket) SetLeftSibling(p BucketPointer) {
	b.setPointer(leftSiblingOffset, p)
}

func (b *Bucket) RightSibling() BucketPointer {
	return b.getPointer(rightSiblingOffset)
}

func (b *Bucket) SetRightSibling(p BucketPointer) {
	b.setPointer(rightSiblingOffset, p)
}

func (b *Bucket) FreeListPointer() BucketPointer {
	return b.getPointer(freeListOffset)
}

func (b *Bucket) SetFreeListPointer(p BucketPointer) {
	b.setPointer(freeListOffset, p)
}

// Find binary-searches the slot directory. It returns the index of the entry
// whose key equals the argument, or -(insertionPoint)-1 when absent.
func (b *Bucket) Find(key []byte) int {
	low, high := 0, b.Size()-1
	for low <= high {
		mid := (low + high) >> 1
		c := b.cmp(b.GetKey(mid), key)
		switch {
		case c < 0:
			low = mid + 1
		case c > 0:
			high = mid - 1
		default:
			return mid
		}
	}
	return -(low + 1)
}

// GetKey returns a copy of the key of entry i.
func (b *Bucket) GetKey(i int) []byte {
	pos := b.slot(i)
	if !b.IsLeaf() {
		pos += 2 * PointerSize
	}
	keyLen := int(binary.BigEndian.Uint16(b.page.Data[b.offset+pos:]))
	pos += 2
	return append([]byte(nil), b.page.Data[b.offset+pos:b.offset+pos+keyLen]...)
}

// GetEntry decodes entry i. Byte slices are copies and safe to retain after
// the page is released.
func (b *Bucket) GetEntry(i int) Entry {
	pos := b.slot(i)
	var e Entry
	if b.IsLeaf() {
		e.LeftChild, e.RightChild = NullPointer, NullPointer
		keyLen := int(binary.BigEndian.Uint16(b.page.Data[b.offset+pos:]))
		pos += 2
		e.Key = append([]byte(nil), b.page.Data[b.offset+pos:b.offset+pos+keyLen]...)
		pos += keyLen
		valLen := int(binary.BigEndian.Uint16(b.page.Data[b.offset+pos:]))
		pos += 2
		e.Value = append([]byte(nil), b.page.Data[b.offset+pos:b.offset+pos+valLen]...)
		return e
	}
	e.LeftChild = DecodePointer(b.page.Data[b.offset+pos:])
	e.RightChild = DecodePointer(b.page.Data[b.offset+pos+PointerSize:])
	pos += 2 * PointerSize
	keyLen := int(binary.BigEndian.Uint16(b.page.Data[b.offset+pos:]))
	pos += 2
	e.Key = append([]byte(nil), b.page.Data[b.offset+pos:b.offset+pos+keyLen]...)
	return e
}

// AddEntry inserts an entry at the given slot index. It returns false when the
// bucket cannot hold the entry; the caller is expected to split.
//
// With updateNeighbors set on a branch, the adjacent entries adopt the new
// entry's children so the shared-child invariant holds: the left neighbor's
// right child becomes the new entry's left child, and the right neighbor's
// left child becomes the new entry's right child.
func (b *Bucket) AddEntry(index int, e Entry, updateNeighbors bool) bool {
	entrySize := b.entrySizeFor(e)
	size := b.Size()
	freePtr := b.freePointer()
	if freePtr-entrySize < BucketHeaderSize+(size+1)*slotSize {
		return false
	}

	newPos := freePtr - entrySize
	b.setBytes(newPos, b.encodeEntry(e, entrySize))

	// Open a slot at index.
	if index < size {
		shifted := make([]byte, (size-index)*slotSize)
		copy(shifted, b.page.Data[b.offset+BucketHeaderSize+index*slotSize:])
		b.setBytes(BucketHeaderSize+(index+1)*slotSize, shifted)
	}
	var slotBuf [slotSize]byte
	binary.BigEndian.PutUint16(slotBuf[:], uint16(newPos))
	b.setBytes(BucketHeaderSize+index*slotSize, slotBuf[:])

	b.setUint16(sizeOffset, uint16(size+1))
	b.setUint16(freePointerOffset, uint16(newPos))

	if updateNeighbors && !b.IsLeaf() {
		if index > 0 {
			b.setChildPointer(index-1, false, e.LeftChild)
		}
		if index < size {
			b.setChildPointer(index+1, true, e.RightChild)
		}
	}
	return true
}

// UpdateValue overwrites the value of leaf entry i in place when the new
// encoding has the same length. A size change is reported as Reinsert and
// left to the caller.
func (b *Bucket) UpdateValue(i int, value []byte) UpdateResult {
	pos := b.slot(i)
	keyLen := int(binary.BigEndian.Uint16(b.page.Data[b.offset+pos:]))
	valPos := pos + 2 + keyLen
	valLen := int(binary.BigEndian.Uint16(b.page.Data[b.offset+valPos:]))
	old := b.page.Data[b.offset+valPos+2 : b.offset+valPos+2+valLen]
	if bytes.Equal(old, value) {
		return NoChange
	}
	if len(value) != valLen {
		return Reinsert
	}
	b.setBytes(valPos+2, value)
	return Updated
}

// Remove deletes entry i, compacting the payload region and the slot
// directory. On branches the entry's child pointers are simply discarded;
// ownership of the subtree stays with the neighbor's shared pointer.
func (b *Bucket) Remove(i int) {
	size := b.Size()
	pos := b.slot(i)
	entrySize := b.entrySizeAt(pos)
	freePtr := b.freePointer()

	// Close the payload gap: everything below the removed entry slides up.
	if pos > freePtr {
		moved := make([]byte, pos-freePtr)
		copy(moved, b.page.Data[b.offset+freePtr:])
		b.setBytes(freePtr+entrySize, moved)
	}

	// Rewrite the slot directory without slot i, relocating offsets that
	// pointed below the removed entry.
	slots := make([]byte, (size-1)*slotSize)
	out := 0
	for j := 0; j < size; j++ {
		if j == i {
			continue
		}
		off := b.slotAtRaw(j)
		if off < pos {
			off += entrySize
		}
		binary.BigEndian.PutUint16(slots[out:], uint16(off))
		out += slotSize
	}
	if len(slots) > 0 {
		b.setBytes(BucketHeaderSize, slots)
	}
	b.setUint16(sizeOffset, uint16(size-1))
	b.setUint16(freePointerOffset, uint16(freePtr+entrySize))
}

// AddAll appends entries into an empty bucket in order. Used by split.
func (b *Bucket) AddAll(entries []Entry) {
	for i, e := range entries {
		b.AddEntry(i, e, false)
	}
}

// Shrink truncates the bucket to its first newSize entries, reclaiming the
// payload bytes of everything above.
func (b *Bucket) Shrink(newSize int) {
	kept := make([]Entry, 0, newSize)
	for i := 0; i < newSize; i++ {
		kept = append(kept, b.GetEntry(i))
	}
	b.setUint16(sizeOffset, 0)
	b.setUint16(freePointerOffset, uint16(b.capacity))
	b.AddAll(kept)
}

// MaxEntrySize is the largest entry an empty bucket of this capacity admits.
func (b *Bucket) MaxEntrySize() int {
	return b.capacity - BucketHeaderSize - slotSize
}

// Validate sanity-checks the header and slot directory of a freshly decoded
// bucket. Any violation means the bytes do not describe a bucket.
func (b *Bucket) Validate() error {
	size := b.Size()
	freePtr := b.freePointer()
	if freePtr > b.capacity || freePtr < BucketHeaderSize+size*slotSize {
		return ErrInvalidOffset
	}
	for i := 0; i < size; i++ {
		off := b.slotAtRaw(i)
		if off < freePtr || off >= b.capacity {
			return ErrInvalidOffset
		}
	}
	return nil
}

func (b *Bucket) freePointer() int {
	return int(binary.BigEndian.Uint16(b.page.Data[b.offset+freePointerOffset:]))
}

// slot returns the payload offset of entry i.
func (b *Bucket) slot(i int) int {
	return b.slotAtRaw(i)
}

func (b *Bucket) slotAtRaw(i int) int {
	return int(binary.BigEndian.Uint16(b.page.Data[b.offset+BucketHeaderSize+i*slotSize:]))
}

// setChildPointer rewrites one child pointer of branch entry i.
func (b *Bucket) setChildPointer(i int, left bool, p BucketPointer) {
	pos := b.slot(i)
	if !left {
		pos += PointerSize
	}
	var buf [PointerSize]byte
	p.Encode(buf[:])
	b.setBytes(pos, buf[:])
}

func (b *Bucket) entrySizeFor(e Entry) int {
	if b.IsLeaf() {
		return 2 + len(e.Key) + 2 + len(e.Value)
	}
	return 2*PointerSize + 2 + len(e.Key)
}

// entrySizeAt computes the size of the encoded entry at payload offset pos.
func (b *Bucket) entrySizeAt(pos int) int {
	if b.IsLeaf() {
		keyLen := int(binary.BigEndian.Uint16(b.page.Data[b.offset+pos:]))
		valLen := int(binary.BigEndian.Uint16(b.page.Data[b.offset+pos+2+keyLen:]))
		return 2 + keyLen + 2 + valLen
	}
	keyLen := int(binary.BigEndian.Uint16(b.page.Data[b.offset+pos+2*PointerSize:]))
	return 2*PointerSize + 2 + keyLen
}

func (b *Bucket) encodeEntry(e Entry, size int) []byte {
	buf := make([]byte, 0, size)
	var tmp [PointerSize]byte
	if b.IsLeaf() {
		binary.BigEndian.PutUint16(tmp[:2], uint16(len(e.Key)))
		buf = append(buf, tmp[:2]...)
		buf = append(buf, e.Key...)
		binary.BigEndian.PutUint16(tmp[:2], uint16(len(e.Value)))
		buf = append(buf, tmp[:2]...)
		buf = append(buf, e.Value...)
		return buf
	}
	e.LeftChild.Encode(tmp[:])
	buf = append(buf, tmp[:]...)
	e.RightChild.Encode(tmp[:])
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:2], uint16(len(e.Key)))
	buf = append(buf, tmp[:2]...)
	buf = append(buf, e.Key...)
	return buf
}

func (b *Bucket) setByte(rel int, v byte) {
	b.changes.Write(b.page, b.offset+rel, []byte{v})
}

func (b *Bucket) setUint16(rel int, v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	b.changes.Write(b.page, b.offset+rel, buf[:])
}

func (b *Bucket) setUint64(rel int, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	b.changes.Write(b.page, b.offset+rel, buf[:])
}

func (b *Bucket) getPointer(rel int) BucketPointer {
	return DecodePointer(b.page.Data[b.offset+rel:])
}

func (b *Bucket) setPointer(rel int, p BucketPointer) {
	var buf [PointerSize]byte
	p.Encode(buf[:])
	b.changes.Write(b.page, b.offset+rel, buf[:])
}

func (b *Bucket) setBytes(rel int, data []byte) {
	b.changes.Write(b.page, b.offset+rel, data)
}
