package bonsai

import (
	"github.com/pkg/errors"

	"bonsai/internal/base"
	"bonsai/internal/wal"
)

// Put inserts or updates one entry. It reports whether the tree was modified:
// writing a value bytewise equal to the stored one is a no-op.
func (t *Tree) Put(key, value []byte) (bool, error) {
	op := t.storage.atomic.StartAtomicOperation(true)

	t.locks.LockExclusive(t.fileID)
	defer t.locks.UnlockExclusive(t.fileID)
	if err := t.usable(); err != nil {
		t.rollback(op, err)
		return false, err
	}

	modified, err := t.put(op, key, value)
	if err != nil {
		t.rollback(op, err)
		return false, errors.Wrapf(err, "put into tree %s", t.name)
	}
	if err := t.storage.atomic.EndAtomicOperation(op, false); err != nil {
		return false, errors.Wrapf(err, "put into tree %s", t.name)
	}
	return modified, nil
}

func (t *Tree) put(op *wal.AtomicOperation, key, value []byte) (bool, error) {
	// Both the leaf entry and the branch entry a future split would promote
	// for this key must fit in an empty bucket.
	maxEntry := t.storage.opts.bucketSize - base.BucketHeaderSize - 2
	if 4+len(key)+len(value) > maxEntry || 2*base.PointerSize+2+len(key) > maxEntry {
		return false, errors.Wrapf(ErrEntryTooLarge, "key %d value %d bytes", len(key), len(value))
	}

	res, err := t.findBucket(key)
	if err != nil {
		return false, err
	}
	ptr := res.lastPathItem()

	entry, err := t.loadPage(op, ptr.PageIndex)
	if err != nil {
		return false, err
	}
	cs := op.Changes(entry)
	entry.AcquireExclusiveLatch()
	keyBucket := t.bucketAt(entry, ptr, cs)

	itemFound := res.itemIndex >= 0
	modified := true
	insertionIndex := -1

	if itemFound {
		switch keyBucket.UpdateValue(res.itemIndex, value) {
		case base.NoChange:
			modified = false
		case base.Updated:
		case base.Reinsert:
			keyBucket.Remove(res.itemIndex)
			insertionIndex = res.itemIndex
		}
	} else {
		insertionIndex = -res.itemIndex - 1
	}

	if insertionIndex != -1 {
		newEntry := base.Entry{LeftChild: NullPointer, RightChild: NullPointer, Key: key, Value: value}
		for !keyBucket.AddEntry(insertionIndex, newEntry, true) {
			entry.ReleaseExclusiveLatch()
			entry.Release()

			res, err = t.splitBucket(op, res.path, insertionIndex, key)
			if err != nil {
				return false, err
			}
			ptr = res.lastPathItem()
			insertionIndex = res.itemIndex

			if entry, err = t.loadPage(op, ptr.PageIndex); err != nil {
				return false, err
			}
			cs = op.Changes(entry)
			entry.AcquireExclusiveLatch()
			keyBucket = t.bucketAt(entry, ptr, cs)
		}
	}

	entry.MarkDirty()
	entry.ReleaseExclusiveLatch()
	entry.Release()

	if !itemFound {
		size, err := t.treeSize()
		if err != nil {
			return false, err
		}
		if err := t.setTreeSize(op, size+1); err != nil {
			return false, err
		}
	}
	return modified, nil
}

// Remove deletes the entry for key and returns its former value, or nil when
// absent. No merging or rebalancing happens: leaves may become arbitrarily
// small, and their space is reclaimed only by Clear or Delete.
func (t *Tree) Remove(key []byte) ([]byte, error) {
	op := t.storage.atomic.StartAtomicOperation(true)

	t.locks.LockExclusive(t.fileID)
	defer t.locks.UnlockExclusive(t.fileID)
	if err := t.usable(); err != nil {
		t.rollback(op, err)
		return nil, err
	}

	removed, err := t.remove(op, key)
	if err != nil {
		t.rollback(op, err)
		return nil, errors.Wrapf(err, "remove from tree %s", t.name)
	}
	if err := t.storage.atomic.EndAtomicOperation(op, false); err != nil {
		return nil, errors.Wrapf(err, "remove from tree %s", t.name)
	}
	return removed, nil
}

func (t *Tree) remove(op *wal.AtomicOperation, key []byte) ([]byte, error) {
	res, err := t.findBucket(key)
	if err != nil {
		return nil, err
	}
	if res.itemIndex < 0 {
		return nil, nil
	}
	ptr := res.lastPathItem()

	entry, err := t.loadPage(op, ptr.PageIndex)
	if err != nil {
		return nil, err
	}
	cs := op.Changes(entry)
	entry.AcquireExclusiveLatch()
	keyBucket := t.bucketAt(entry, ptr, cs)
	removed := keyBucket.GetEntry(res.itemIndex).Value
	keyBucket.Remove(res.itemIndex)
	entry.MarkDirty()
	entry.ReleaseExclusiveLatch()
	entry.Release()

	size, err := t.treeSize()
	if err != nil {
		return nil, err
	}
	if err := t.setTreeSize(op, size-1); err != nil {
		return nil, err
	}
	return removed, nil
}

// Clear removes every entry, recycling all non-root buckets onto the free
// list. The root pointer stays valid: the root is reset to an empty leaf and
// keeps its identifier.
func (t *Tree) Clear() error {
	op := t.storage.atomic.StartAtomicOperation(true)

	t.locks.LockExclusive(t.fileID)
	defer t.locks.UnlockExclusive(t.fileID)
	if err := t.usable(); err != nil {
		t.rollback(op, err)
		return err
	}

	if err := t.clear(op); err != nil {
		t.rollback(op, err)
		return errors.Wrapf(err, "clear tree %s", t.name)
	}
	return errors.Wrapf(t.storage.atomic.EndAtomicOperation(op, false), "clear tree %s", t.name)
}

func (t *Tree) clear(op *wal.AtomicOperation) error {
	entry, err := t.loadPage(op, t.root.PageIndex)
	if err != nil {
		return err
	}
	cs := op.Changes(entry)
	entry.AcquireExclusiveLatch()
	root := t.bucketAt(entry, t.root, cs)
	queue := appendChildren(nil, root)
	root.Shrink(0)
	root.Init(true, t.keySer.ID(), t.valSer.ID())
	root.SetTreeSize(0)
	entry.MarkDirty()
	entry.ReleaseExclusiveLatch()
	entry.Release()

	return t.recycleSubTrees(op, queue)
}

// Delete recycles the whole tree including its root bucket. The handle is
// unusable afterwards; Load on the old root pointer reports the deletion.
func (t *Tree) Delete() error {
	op := t.storage.atomic.StartAtomicOperation(false)

	t.locks.LockExclusive(t.fileID)
	defer t.locks.UnlockExclusive(t.fileID)
	if err := t.usable(); err != nil {
		t.rollback(op, err)
		return err
	}

	if err := t.recycleSubTrees(op, []BucketPointer{t.root}); err != nil {
		t.rollback(op, err)
		return errors.Wrapf(err, "delete tree %s", t.name)
	}
	if err := t.storage.atomic.EndAtomicOperation(op, false); err != nil {
		return errors.Wrapf(err, "delete tree %s", t.name)
	}
	t.deleted = true
	return nil
}

// splitBucket splits the bucket at the end of path around its middle entry
// and returns where keyToInsert now belongs. Non-root splits allocate one new
// right bucket and push a separator entry into the parent, recursing when the
// parent overflows in turn. The root's address is a stable external handle,
// so a root split allocates both halves and rewrites the root in place as a
// one-entry branch.
func (t *Tree) splitBucket(op *wal.AtomicOperation, path []BucketPointer, keyIndex int, keyToInsert []byte) (bucketSearchResult, error) {
	var zero bucketSearchResult
	ptr := path[len(path)-1]

	entry, err := t.loadPage(op, ptr.PageIndex)
	if err != nil {
		return zero, err
	}
	cs := op.Changes(entry)
	entry.AcquireExclusiveLatch()
	defer func() {
		entry.MarkDirty()
		entry.ReleaseExclusiveLatch()
		entry.Release()
	}()

	bucketToSplit := t.bucketAt(entry, ptr, cs)
	splitLeaf := bucketToSplit.IsLeaf()
	bucketSize := bucketToSplit.Size()

	indexToSplit := bucketSize >> 1
	separationKey := bucketToSplit.GetKey(indexToSplit)

	startRightIndex := indexToSplit
	if !splitLeaf {
		startRightIndex = indexToSplit + 1
	}
	rightEntries := make([]base.Entry, 0, bucketSize-startRightIndex)
	for i := startRightIndex; i < bucketSize; i++ {
		rightEntries = append(rightEntries, bucketToSplit.GetEntry(i))
	}

	if ptr != t.root {
		return t.splitNonRoot(op, path, keyIndex, keyToInsert, bucketToSplit,
			splitLeaf, indexToSplit, separationKey, rightEntries)
	}
	return t.splitRoot(op, path, keyIndex, keyToInsert, bucketToSplit,
		splitLeaf, indexToSplit, separationKey, rightEntries)
}

func (t *Tree) splitNonRoot(op *wal.AtomicOperation, path []BucketPointer, keyIndex int,
	keyToInsert []byte, bucketToSplit *base.Bucket,
	splitLeaf bool, indexToSplit int, separationKey []byte, rightEntries []base.Entry,
) (bucketSearchResult, error) {
	var zero bucketSearchResult
	ptr := path[len(path)-1]

	rightPointer, rightEntry, err := t.allocateBucket(op)
	if err != nil {
		return zero, err
	}
	rcs := op.Changes(rightEntry)
	rightEntry.AcquireExclusiveLatch()
	defer func() {
		rightEntry.MarkDirty()
		rightEntry.ReleaseExclusiveLatch()
		rightEntry.Release()
	}()

	newRightBucket := t.bucketAt(rightEntry, rightPointer, rcs)
	newRightBucket.Init(splitLeaf, t.keySer.ID(), t.valSer.ID())
	newRightBucket.AddAll(rightEntries)

	bucketToSplit.Shrink(indexToSplit)

	if splitLeaf {
		rightSibling := bucketToSplit.RightSibling()
		newRightBucket.SetRightSibling(rightSibling)
		newRightBucket.SetLeftSibling(ptr)
		bucketToSplit.SetRightSibling(rightPointer)

		if rightSibling.IsValid() {
			siblingEntry, err := t.loadPage(op, rightSibling.PageIndex)
			if err != nil {
				return zero, err
			}
			scs := op.Changes(siblingEntry)
			siblingEntry.AcquireExclusiveLatch()
			t.bucketAt(siblingEntry, rightSibling, scs).SetLeftSibling(rightPointer)
			siblingEntry.MarkDirty()
			siblingEntry.ReleaseExclusiveLatch()
			siblingEntry.Release()
		}
	}

	parentPointer := path[len(path)-2]
	parentEntry, err := t.loadPage(op, parentPointer.PageIndex)
	if err != nil {
		return zero, err
	}
	pcs := op.Changes(parentEntry)
	parentEntry.AcquireExclusiveLatch()
	parentBucket := t.bucketAt(parentEntry, parentPointer, pcs)

	separatorEntry := base.Entry{LeftChild: ptr, RightChild: rightPointer, Key: separationKey}
	insertionIndex := parentBucket.Find(separationKey)
	if insertionIndex >= 0 {
		parentEntry.ReleaseExclusiveLatch()
		parentEntry.Release()
		return zero, errors.Wrap(ErrCorruption, "separation key already present in parent")
	}
	insertionIndex = -insertionIndex - 1

	for !parentBucket.AddEntry(insertionIndex, separatorEntry, true) {
		parentEntry.ReleaseExclusiveLatch()
		parentEntry.Release()

		res, err := t.splitBucket(op, path[:len(path)-1], insertionIndex, separationKey)
		if err != nil {
			return zero, err
		}
		parentPointer = res.lastPathItem()
		insertionIndex = res.itemIndex

		if parentEntry, err = t.loadPage(op, parentPointer.PageIndex); err != nil {
			return zero, err
		}
		pcs = op.Changes(parentEntry)
		parentEntry.AcquireExclusiveLatch()
		parentBucket = t.bucketAt(parentEntry, parentPointer, pcs)
	}
	parentEntry.MarkDirty()
	parentEntry.ReleaseExclusiveLatch()
	parentEntry.Release()

	resultPath := append([]BucketPointer(nil), path[:len(path)-1]...)
	if t.cmp(keyToInsert, separationKey) < 0 {
		resultPath = append(resultPath, ptr)
		return bucketSearchResult{itemIndex: keyIndex, path: resultPath}, nil
	}
	resultPath = append(resultPath, rightPointer)
	if splitLeaf {
		return bucketSearchResult{itemIndex: keyIndex - indexToSplit, path: resultPath}, nil
	}
	return bucketSearchResult{itemIndex: keyIndex - indexToSplit - 1, path: resultPath}, nil
}

func (t *Tree) splitRoot(op *wal.AtomicOperation, path []BucketPointer, keyIndex int,
	keyToInsert []byte, bucketToSplit *base.Bucket,
	splitLeaf bool, indexToSplit int, separationKey []byte, rightEntries []base.Entry,
) (bucketSearchResult, error) {
	var zero bucketSearchResult

	treeSize := bucketToSplit.TreeSize()
	identifier := bucketToSplit.Identifier()

	leftEntries := make([]base.Entry, 0, indexToSplit)
	for i := 0; i < indexToSplit; i++ {
		leftEntries = append(leftEntries, bucketToSplit.GetEntry(i))
	}

	leftPointer, leftEntry, err := t.allocateBucket(op)
	if err != nil {
		return zero, err
	}
	rightPointer, rightEntry, err := t.allocateBucket(op)
	if err != nil {
		leftEntry.Release()
		return zero, err
	}

	lcs := op.Changes(leftEntry)
	leftEntry.AcquireExclusiveLatch()
	newLeftBucket := t.bucketAt(leftEntry, leftPointer, lcs)
	newLeftBucket.Init(splitLeaf, t.keySer.ID(), t.valSer.ID())
	newLeftBucket.AddAll(leftEntries)
	if splitLeaf {
		newLeftBucket.SetRightSibling(rightPointer)
	}
	leftEntry.MarkDirty()
	leftEntry.ReleaseExclusiveLatch()
	leftEntry.Release()

	rcs := op.Changes(rightEntry)
	rightEntry.AcquireExclusiveLatch()
	newRightBucket := t.bucketAt(rightEntry, rightPointer, rcs)
	newRightBucket.Init(splitLeaf, t.keySer.ID(), t.valSer.ID())
	newRightBucket.AddAll(rightEntries)
	if splitLeaf {
		newRightBucket.SetLeftSibling(leftPointer)
	}
	rightEntry.MarkDirty()
	rightEntry.ReleaseExclusiveLatch()
	rightEntry.Release()

	bucketToSplit.Init(false, t.keySer.ID(), t.valSer.ID())
	bucketToSplit.SetTreeSize(treeSize)
	bucketToSplit.SetIdentifier(identifier)

	separatorEntry := base.Entry{LeftChild: leftPointer, RightChild: rightPointer, Key: separationKey}
	if !bucketToSplit.AddEntry(0, separatorEntry, true) {
		return zero, errors.Wrapf(ErrBucketTooSmall, "root split of tree %s", t.name)
	}

	resultPath := append([]BucketPointer(nil), path[:len(path)-1]...)
	if t.cmp(keyToInsert, separationKey) < 0 {
		resultPath = append(resultPath, leftPointer)
		return bucketSearchResult{itemIndex: keyIndex, path: resultPath}, nil
	}
	resultPath = append(resultPath, rightPointer)
	if splitLeaf {
		return bucketSearchResult{itemIndex: keyIndex - indexToSplit, path: resultPath}, nil
	}
	return bucketSearchResult{itemIndex: keyIndex - indexToSplit - 1, path: resultPath}, nil
}
