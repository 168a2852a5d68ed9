package bonsai

import (
	"github.com/pkg/errors"

	"bonsai/internal/base"
)

// RangeResultListener receives entries from a range scan. Returning false
// stops the scan.
type RangeResultListener func(key, value []byte) bool

// bucketSearchResult locates a key within a tree: the path of bucket pointers
// from the root down, and the index inside the final leaf. A negative index
// encodes the insertion point as -(insertionPoint)-1.
type bucketSearchResult struct {
	itemIndex int
	path      []BucketPointer
}

func (r bucketSearchResult) lastPathItem() BucketPointer {
	return r.path[len(r.path)-1]
}

// pagePathItem is one step of a first/last-key descent, remembered so the
// walk can unwind out of empty buckets left behind by removals.
type pagePathItem struct {
	pointer   BucketPointer
	itemIndex int
}

// findBucket descends from the root to the leaf responsible for key. Keys
// equal to a branch separator live in its right subtree.
func (t *Tree) findBucket(key []byte) (bucketSearchResult, error) {
	var zero bucketSearchResult
	pointer := t.root
	path := make([]BucketPointer, 0, 8)

	for {
		if len(path) > 64 {
			return zero, errors.Wrap(ErrCorruption, "search path exceeds any plausible tree depth")
		}
		path = append(path, pointer)

		entry, err := t.loadPage(nil, pointer.PageIndex)
		if err != nil {
			return zero, err
		}
		entry.AcquireSharedLatch()
		keyBucket := t.bucketAt(entry, pointer, nil)
		if err := keyBucket.Validate(); err != nil {
			entry.ReleaseSharedLatch()
			entry.Release()
			return zero, errors.Wrapf(ErrCorruption, "bucket (%d,%d): %v", pointer.PageIndex, pointer.PageOffset, err)
		}
		if keyBucket.IsDeleted() {
			entry.ReleaseSharedLatch()
			entry.Release()
			return zero, errors.Wrapf(ErrCorruption, "live pointer references deleted bucket (%d,%d)",
				pointer.PageIndex, pointer.PageOffset)
		}

		index := keyBucket.Find(key)
		if keyBucket.IsLeaf() {
			entry.ReleaseSharedLatch()
			entry.Release()
			return bucketSearchResult{itemIndex: index, path: path}, nil
		}

		var branchEntry base.Entry
		if index >= 0 {
			branchEntry = keyBucket.GetEntry(index)
		} else {
			insertionIndex := -index - 1
			if insertionIndex >= keyBucket.Size() {
				branchEntry = keyBucket.GetEntry(insertionIndex - 1)
			} else {
				branchEntry = keyBucket.GetEntry(insertionIndex)
			}
		}
		entry.ReleaseSharedLatch()
		entry.Release()

		if t.cmp(key, branchEntry.Key) >= 0 {
			pointer = branchEntry.RightChild
		} else {
			pointer = branchEntry.LeftChild
		}
	}
}

// Get returns the value stored for key, or nil when absent.
func (t *Tree) Get(key []byte) ([]byte, error) {
	t.storage.atomic.AcquireReadLock(t)
	defer t.storage.atomic.ReleaseReadLock(t)
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	if err := t.usable(); err != nil {
		return nil, err
	}

	res, err := t.findBucket(key)
	if err != nil {
		return nil, errors.Wrapf(err, "get from tree %s", t.name)
	}
	if res.itemIndex < 0 {
		return nil, nil
	}
	pointer := res.lastPathItem()

	entry, err := t.loadPage(nil, pointer.PageIndex)
	if err != nil {
		return nil, errors.Wrapf(err, "get from tree %s", t.name)
	}
	entry.AcquireSharedLatch()
	value := t.bucketAt(entry, pointer, nil).GetEntry(res.itemIndex).Value
	entry.ReleaseSharedLatch()
	entry.Release()
	return value, nil
}

// LoadEntriesMajor streams entries with keys greater than (or equal to, when
// inclusive) key, in ascending order, until the listener declines or the last
// leaf is exhausted. Descending order is not supported.
func (t *Tree) LoadEntriesMajor(key []byte, inclusive, ascending bool, listener RangeResultListener) error {
	if !ascending {
		return ErrDescendingScan
	}
	t.storage.atomic.AcquireReadLock(t)
	defer t.storage.atomic.ReleaseReadLock(t)
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	if err := t.usable(); err != nil {
		return err
	}
	return errors.Wrapf(t.loadEntriesMajor(key, inclusive, listener), "major scan of tree %s", t.name)
}

func (t *Tree) loadEntriesMajor(key []byte, inclusive bool, listener RangeResultListener) error {
	res, err := t.findBucket(key)
	if err != nil {
		return err
	}
	pointer := res.lastPathItem()

	var index int
	if res.itemIndex >= 0 {
		index = res.itemIndex
		if !inclusive {
			index++
		}
	} else {
		index = -res.itemIndex - 1
	}

	for pointer.PageIndex >= 0 {
		entry, err := t.loadPage(nil, pointer.PageIndex)
		if err != nil {
			return err
		}
		entry.AcquireSharedLatch()
		bucket := t.bucketAt(entry, pointer, nil)
		size := bucket.Size()
		for i := index; i < size; i++ {
			e := bucket.GetEntry(i)
			if !listener(e.Key, e.Value) {
				entry.ReleaseSharedLatch()
				entry.Release()
				return nil
			}
		}
		pointer = bucket.RightSibling()
		entry.ReleaseSharedLatch()
		entry.Release()
		index = 0
	}
	return nil
}

// LoadEntriesMinor streams entries with keys less than (or equal to, when
// inclusive) key, iterating right-to-left within each leaf and following left
// siblings.
func (t *Tree) LoadEntriesMinor(key []byte, inclusive bool, listener RangeResultListener) error {
	t.storage.atomic.AcquireReadLock(t)
	defer t.storage.atomic.ReleaseReadLock(t)
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	if err := t.usable(); err != nil {
		return err
	}
	return errors.Wrapf(t.loadEntriesMinor(key, inclusive, listener), "minor scan of tree %s", t.name)
}

func (t *Tree) loadEntriesMinor(key []byte, inclusive bool, listener RangeResultListener) error {
	res, err := t.findBucket(key)
	if err != nil {
		return err
	}
	pointer := res.lastPathItem()

	var index int
	if res.itemIndex >= 0 {
		index = res.itemIndex
		if !inclusive {
			index--
		}
	} else {
		index = -res.itemIndex - 2
	}

	firstBucket := true
	for pointer.PageIndex >= 0 {
		entry, err := t.loadPage(nil, pointer.PageIndex)
		if err != nil {
			return err
		}
		entry.AcquireSharedLatch()
		bucket := t.bucketAt(entry, pointer, nil)
		if !firstBucket {
			index = bucket.Size() - 1
		}
		for i := index; i >= 0; i-- {
			e := bucket.GetEntry(i)
			if !listener(e.Key, e.Value) {
				entry.ReleaseSharedLatch()
				entry.Release()
				return nil
			}
		}
		pointer = bucket.LeftSibling()
		entry.ReleaseSharedLatch()
		entry.Release()
		firstBucket = false
	}
	return nil
}

// LoadEntriesBetween streams entries between from and to, clipping both ends
// per the inclusive flags, in ascending order.
func (t *Tree) LoadEntriesBetween(from []byte, fromInclusive bool, to []byte, toInclusive bool, listener RangeResultListener) error {
	t.storage.atomic.AcquireReadLock(t)
	defer t.storage.atomic.ReleaseReadLock(t)
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	if err := t.usable(); err != nil {
		return err
	}
	return errors.Wrapf(t.loadEntriesBetween(from, fromInclusive, to, toInclusive, listener),
		"between scan of tree %s", t.name)
}

func (t *Tree) loadEntriesBetween(from []byte, fromInclusive bool, to []byte, toInclusive bool, listener RangeResultListener) error {
	resFrom, err := t.findBucket(from)
	if err != nil {
		return err
	}
	pointerFrom := resFrom.lastPathItem()

	var indexFrom int
	if resFrom.itemIndex >= 0 {
		indexFrom = resFrom.itemIndex
		if !fromInclusive {
			indexFrom++
		}
	} else {
		indexFrom = -resFrom.itemIndex - 1
	}

	resTo, err := t.findBucket(to)
	if err != nil {
		return err
	}
	pointerTo := resTo.lastPathItem()

	var indexTo int
	if resTo.itemIndex >= 0 {
		indexTo = resTo.itemIndex
		if !toInclusive {
			indexTo--
		}
	} else {
		indexTo = -resTo.itemIndex - 2
	}

	startIndex := indexFrom
	pointer := pointerFrom
	for {
		entry, err := t.loadPage(nil, pointer.PageIndex)
		if err != nil {
			return err
		}
		entry.AcquireSharedLatch()
		bucket := t.bucketAt(entry, pointer, nil)

		endIndex := bucket.Size() - 1
		if pointer == pointerTo {
			endIndex = indexTo
		}
		for i := startIndex; i <= endIndex; i++ {
			e := bucket.GetEntry(i)
			if !listener(e.Key, e.Value) {
				entry.ReleaseSharedLatch()
				entry.Release()
				return nil
			}
		}

		next := bucket.RightSibling()
		entry.ReleaseSharedLatch()
		entry.Release()

		if pointer == pointerTo || !next.IsValid() {
			return nil
		}
		pointer = next
		startIndex = 0
	}
}

// FirstKey returns the smallest key, or nil when the tree is empty. Empty
// buckets left by removals are skipped by unwinding the descent path.
func (t *Tree) FirstKey() ([]byte, error) {
	t.storage.atomic.AcquireReadLock(t)
	defer t.storage.atomic.ReleaseReadLock(t)
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	if err := t.usable(); err != nil {
		return nil, err
	}
	k, err := t.firstKey()
	return k, errors.Wrapf(err, "first key of tree %s", t.name)
}

func (t *Tree) firstKey() ([]byte, error) {
	var path []pagePathItem
	pointer := t.root
	itemIndex := 0

	entry, err := t.loadPage(nil, pointer.PageIndex)
	if err != nil {
		return nil, err
	}
	entry.AcquireSharedLatch()
	bucket := t.bucketAt(entry, pointer, nil)

	for {
		if bucket.IsLeaf() {
			if !bucket.IsEmpty() {
				key := bucket.GetKey(0)
				entry.ReleaseSharedLatch()
				entry.Release()
				return key, nil
			}
			if len(path) == 0 {
				entry.ReleaseSharedLatch()
				entry.Release()
				return nil, nil
			}
			last := path[len(path)-1]
			path = path[:len(path)-1]
			pointer = last.pointer
			itemIndex = last.itemIndex + 1
		} else if bucket.IsEmpty() || itemIndex > bucket.Size() {
			if len(path) == 0 {
				entry.ReleaseSharedLatch()
				entry.Release()
				return nil, nil
			}
			last := path[len(path)-1]
			path = path[:len(path)-1]
			pointer = last.pointer
			itemIndex = last.itemIndex + 1
		} else {
			path = append(path, pagePathItem{pointer: pointer, itemIndex: itemIndex})
			if itemIndex < bucket.Size() {
				pointer = bucket.GetEntry(itemIndex).LeftChild
			} else {
				pointer = bucket.GetEntry(itemIndex - 1).RightChild
			}
			itemIndex = 0
		}

		entry.ReleaseSharedLatch()
		entry.Release()

		if entry, err = t.loadPage(nil, pointer.PageIndex); err != nil {
			return nil, err
		}
		entry.AcquireSharedLatch()
		bucket = t.bucketAt(entry, pointer, nil)
	}
}

// LastKey returns the largest key, or nil when the tree is empty.
func (t *Tree) LastKey() ([]byte, error) {
	t.storage.atomic.AcquireReadLock(t)
	defer t.storage.atomic.ReleaseReadLock(t)
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	if err := t.usable(); err != nil {
		return nil, err
	}
	k, err := t.lastKey()
	return k, errors.Wrapf(err, "last key of tree %s", t.name)
}

func (t *Tree) lastKey() ([]byte, error) {
	var path []pagePathItem
	pointer := t.root

	entry, err := t.loadPage(nil, pointer.PageIndex)
	if err != nil {
		return nil, err
	}
	entry.AcquireSharedLatch()
	bucket := t.bucketAt(entry, pointer, nil)
	itemIndex := bucket.Size() - 1

	for {
		descendToLast := false
		if bucket.IsLeaf() {
			if !bucket.IsEmpty() {
				key := bucket.GetKey(bucket.Size() - 1)
				entry.ReleaseSharedLatch()
				entry.Release()
				return key, nil
			}
			if len(path) == 0 {
				entry.ReleaseSharedLatch()
				entry.Release()
				return nil, nil
			}
			last := path[len(path)-1]
			path = path[:len(path)-1]
			pointer = last.pointer
			itemIndex = last.itemIndex - 1
		} else if itemIndex < -1 {
			if len(path) == 0 {
				entry.ReleaseSharedLatch()
				entry.Release()
				return nil, nil
			}
			last := path[len(path)-1]
			path = path[:len(path)-1]
			pointer = last.pointer
			itemIndex = last.itemIndex - 1
		} else {
			path = append(path, pagePathItem{pointer: pointer, itemIndex: itemIndex})
			if itemIndex > -1 {
				pointer = bucket.GetEntry(itemIndex).RightChild
			} else {
				pointer = bucket.GetEntry(0).LeftChild
			}
			descendToLast = true
		}

		entry.ReleaseSharedLatch()
		entry.Release()

		if entry, err = t.loadPage(nil, pointer.PageIndex); err != nil {
			return nil, err
		}
		entry.AcquireSharedLatch()
		bucket = t.bucketAt(entry, pointer, nil)
		if descendToLast {
			itemIndex = bucket.Size() - 1
		}
	}
}

// GetValuesMajor collects up to maxValuesToFetch values with keys greater
// than (or equal to) key; maxValuesToFetch < 0 means no limit.
func (t *Tree) GetValuesMajor(key []byte, inclusive bool, maxValuesToFetch int) ([][]byte, error) {
	var result [][]byte
	err := t.LoadEntriesMajor(key, inclusive, true, func(_, value []byte) bool {
		result = append(result, value)
		return maxValuesToFetch < 0 || len(result) < maxValuesToFetch
	})
	return result, err
}

// GetValuesMinor collects up to maxValuesToFetch values with keys less than
// (or equal to) key; maxValuesToFetch < 0 means no limit.
func (t *Tree) GetValuesMinor(key []byte, inclusive bool, maxValuesToFetch int) ([][]byte, error) {
	var result [][]byte
	err := t.LoadEntriesMinor(key, inclusive, func(_, value []byte) bool {
		result = append(result, value)
		return maxValuesToFetch < 0 || len(result) < maxValuesToFetch
	})
	return result, err
}

// GetValuesBetween collects up to maxValuesToFetch values between the two
// keys; maxValuesToFetch <= 0 means no limit.
func (t *Tree) GetValuesBetween(from []byte, fromInclusive bool, to []byte, toInclusive bool, maxValuesToFetch int) ([][]byte, error) {
	var result [][]byte
	err := t.LoadEntriesBetween(from, fromInclusive, to, toInclusive, func(_, value []byte) bool {
		result = append(result, value)
		return maxValuesToFetch <= 0 || len(result) < maxValuesToFetch
	})
	return result, err
}

// GetRealBagSize sums the counter values of every entry with the pending
// changes applied on top; changes for keys not in the tree contribute their
// effect on a zero count. The map is keyed by the raw key bytes.
func (t *Tree) GetRealBagSize(changes map[string]Change) (int32, error) {
	t.storage.atomic.AcquireReadLock(t)
	defer t.storage.atomic.ReleaseReadLock(t)
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	if err := t.usable(); err != nil {
		return 0, err
	}

	decoder, ok := t.valSer.(counterDecoder)
	if !ok {
		return 0, errors.Wrapf(ErrValueNotCounter, "tree %s", t.name)
	}

	notApplied := make(map[string]Change, len(changes))
	for k, c := range changes {
		notApplied[k] = c
	}

	var size int32

	// An empty tree has no first key to scan from; only the pending changes
	// contribute.
	first, err := t.firstKey()
	if err != nil {
		return 0, errors.Wrapf(err, "bag size of tree %s", t.name)
	}
	if first != nil {
		err = t.loadEntriesMajor(first, true, func(key, value []byte) bool {
			count := decoder.DecodeInt32(value)
			if change, ok := notApplied[string(key)]; ok {
				count = change.ApplyTo(count)
				delete(notApplied, string(key))
			}
			size += count
			return true
		})
		if err != nil {
			return 0, errors.Wrapf(err, "bag size of tree %s", t.name)
		}
	}

	for _, change := range notApplied {
		size += change.ApplyTo(0)
	}
	return size, nil
}
