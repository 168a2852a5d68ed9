package bonsai

import (
	"github.com/pkg/errors"

	"bonsai/internal/base"
	"bonsai/internal/cache"
	"bonsai/internal/wal"
)

// initSysBucket creates the per-file metadata bucket at (0, 0) on first use.
// The file's first page is added here, so the system bucket always occupies
// slot zero.
func (t *Tree) initSysBucket(op *wal.AtomicOperation) error {
	c := t.storage.cache
	entry, err := c.LoadPage(uint64(t.fileID), base.SysBucketPointer.PageIndex, false)
	if err != nil {
		return err
	}
	if entry == nil {
		if entry, err = c.AddPage(uint64(t.fileID)); err != nil {
			return err
		}
		if entry.PageIndex() != base.SysBucketPointer.PageIndex {
			entry.Release()
			return errors.Wrapf(ErrCorruption, "first page of %s allocated at index %d", t.fileName, entry.PageIndex())
		}
	}

	cs := op.Changes(entry)
	entry.AcquireExclusiveLatch()
	sys := base.NewSysBucket(entry.Page(), cs)
	if !sys.IsInitialized() {
		sys.Init(t.storage.opts.bucketSize)
	}
	entry.ReleaseExclusiveLatch()
	entry.Release()
	return nil
}

// allocateBucket hands out a fresh bucket and the pinned page holding it.
// When the free list has grown past the configured share of all bucket slots
// in the file, a recycled bucket is reused; otherwise the free-space pointer
// is bumped, extending the file by a page when the current one fills.
//
// The returned page is pinned but not latched; the caller latches it before
// initializing the bucket.
func (t *Tree) allocateBucket(op *wal.AtomicOperation) (BucketPointer, *cache.Entry, error) {
	c := t.storage.cache
	bucketSize := t.storage.opts.bucketSize

	sysEntry, err := c.LoadPage(uint64(t.fileID), base.SysBucketPointer.PageIndex, false)
	if err != nil {
		return NullPointer, nil, err
	}
	if sysEntry == nil {
		if sysEntry, err = c.AddPage(uint64(t.fileID)); err != nil {
			return NullPointer, nil, err
		}
	}
	cs := op.Changes(sysEntry)
	sysEntry.AcquireExclusiveLatch()
	defer func() {
		sysEntry.ReleaseExclusiveLatch()
		sysEntry.Release()
	}()

	sys := base.NewSysBucket(sysEntry.Page(), cs)

	filled, err := c.FilledUpTo(uint64(t.fileID))
	if err != nil {
		return NullPointer, nil, err
	}
	totalSlots := float64(filled) * float64(base.PageSize) / float64(bucketSize)
	if totalSlots > 0 && float64(sys.FreeListLength())/totalSlots >= t.storage.opts.freeSpaceReuseTrigger {
		return t.reuseBucketFromFreeList(op, sys)
	}

	freeSpace := sys.FreeSpacePointer()
	if int(freeSpace.PageOffset)+bucketSize > base.PageSize {
		entry, err := c.AddPage(uint64(t.fileID))
		if err != nil {
			return NullPointer, nil, err
		}
		pageIndex := entry.PageIndex()
		sys.SetFreeSpacePointer(BucketPointer{PageIndex: pageIndex, PageOffset: uint16(bucketSize)})
		return BucketPointer{PageIndex: pageIndex, PageOffset: 0}, entry, nil
	}

	sys.SetFreeSpacePointer(BucketPointer{
		PageIndex:  freeSpace.PageIndex,
		PageOffset: freeSpace.PageOffset + uint16(bucketSize),
	})
	entry, err := t.loadPage(op, freeSpace.PageIndex)
	if err != nil {
		return NullPointer, nil, err
	}
	return freeSpace, entry, nil
}

// reuseBucketFromFreeList pops the head of the recycled-bucket chain. The
// popped bucket's page comes back pinned and unlatched like the bump path.
func (t *Tree) reuseBucketFromFreeList(op *wal.AtomicOperation, sys *base.SysBucket) (BucketPointer, *cache.Entry, error) {
	head := sys.FreeListHead()
	if !head.IsValid() {
		return NullPointer, nil, errors.Wrap(ErrCorruption, "free list length and head disagree")
	}

	entry, err := t.loadPage(op, head.PageIndex)
	if err != nil {
		return NullPointer, nil, err
	}
	cs := op.Changes(entry)
	entry.AcquireExclusiveLatch()
	bucket := t.bucketAt(entry, head, cs)
	sys.SetFreeListHead(bucket.FreeListPointer())
	sys.SetFreeListLength(sys.FreeListLength() - 1)
	bucket.SetDeleted(false)
	entry.ReleaseExclusiveLatch()

	return head, entry, nil
}

// recycleSubTrees walks the queued subtrees breadth-first, linking every
// visited bucket onto a fresh chain, then splices that chain in front of the
// file's free list. The first polled bucket ends up as the chain's tail, so
// its free-list pointer is the one rewritten to the old head.
func (t *Tree) recycleSubTrees(op *wal.AtomicOperation, queue []BucketPointer) error {
	head := NullPointer
	tail := NullPointer
	count := int64(0)

	for len(queue) > 0 {
		ptr := queue[0]
		queue = queue[1:]

		entry, err := t.loadPage(op, ptr.PageIndex)
		if err != nil {
			return err
		}
		cs := op.Changes(entry)
		entry.AcquireExclusiveLatch()
		bucket := t.bucketAt(entry, ptr, cs)
		queue = appendChildren(queue, bucket)
		bucket.SetFreeListPointer(head)
		bucket.SetDeleted(true)
		entry.ReleaseExclusiveLatch()
		entry.Release()

		if !tail.IsValid() {
			tail = ptr
		}
		head = ptr
		count++
	}

	if !head.IsValid() {
		return nil
	}

	sysEntry, err := t.loadPage(op, base.SysBucketPointer.PageIndex)
	if err != nil {
		return err
	}
	cs := op.Changes(sysEntry)
	sysEntry.AcquireExclusiveLatch()
	sys := base.NewSysBucket(sysEntry.Page(), cs)
	oldHead := sys.FreeListHead()
	sys.SetFreeListHead(head)
	sys.SetFreeListLength(sys.FreeListLength() + count)
	sysEntry.ReleaseExclusiveLatch()
	sysEntry.Release()

	return t.attachFreeListHead(op, tail, oldHead)
}

// attachFreeListHead links the recycled chain's tail to the previous head.
func (t *Tree) attachFreeListHead(op *wal.AtomicOperation, ptr, oldHead BucketPointer) error {
	entry, err := t.loadPage(op, ptr.PageIndex)
	if err != nil {
		return err
	}
	cs := op.Changes(entry)
	entry.AcquireExclusiveLatch()
	t.bucketAt(entry, ptr, cs).SetFreeListPointer(oldHead)
	entry.ReleaseExclusiveLatch()
	entry.Release()
	return nil
}

// appendChildren enqueues every child of a branch bucket: the first entry's
// left child plus each entry's right child (adjacent entries share the rest).
func appendChildren(queue []BucketPointer, bucket *base.Bucket) []BucketPointer {
	if bucket.IsLeaf() {
		return queue
	}
	size := bucket.Size()
	if size > 0 {
		queue = append(queue, bucket.GetEntry(0).LeftChild)
	}
	for i := 0; i < size; i++ {
		queue = append(queue, bucket.GetEntry(i).RightChild)
	}
	return queue
}
