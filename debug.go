package bonsai

import (
	"fmt"
	"io"
	"strings"
)

// DebugPrint dumps the bucket structure of the tree for troubleshooting.
func (t *Tree) DebugPrint(w io.Writer) error {
	t.storage.atomic.AcquireReadLock(t)
	defer t.storage.atomic.ReleaseReadLock(t)
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	if err := t.usable(); err != nil {
		return err
	}
	return t.debugPrintBucket(w, t.root, 0)
}

func (t *Tree) debugPrintBucket(w io.Writer, pointer BucketPointer, depth int) error {
	entry, err := t.loadPage(nil, pointer.PageIndex)
	if err != nil {
		return err
	}
	entry.AcquireSharedLatch()
	bucket := t.bucketAt(entry, pointer, nil)

	indent := strings.Repeat("\t", depth)
	if bucket.IsLeaf() {
		fmt.Fprintf(w, "%sleaf (%d,%d) left=(%d,%d) right=(%d,%d) size=%d keys=[",
			indent, pointer.PageIndex, pointer.PageOffset,
			bucket.LeftSibling().PageIndex, bucket.LeftSibling().PageOffset,
			bucket.RightSibling().PageIndex, bucket.RightSibling().PageOffset,
			bucket.Size())
		for i := 0; i < bucket.Size(); i++ {
			fmt.Fprintf(w, "%x,", bucket.GetKey(i))
		}
		fmt.Fprintln(w, "]")
		entry.ReleaseSharedLatch()
		entry.Release()
		return nil
	}

	fmt.Fprintf(w, "%sbranch (%d,%d) size=%d\n", indent, pointer.PageIndex, pointer.PageOffset, bucket.Size())
	size := bucket.Size()
	children := make([]BucketPointer, 0, size+1)
	keys := make([][]byte, 0, size)
	if size > 0 {
		children = append(children, bucket.GetEntry(0).LeftChild)
	}
	for i := 0; i < size; i++ {
		e := bucket.GetEntry(i)
		children = append(children, e.RightChild)
		keys = append(keys, e.Key)
	}
	entry.ReleaseSharedLatch()
	entry.Release()

	for i, child := range children {
		if err := t.debugPrintBucket(w, child, depth+1); err != nil {
			return err
		}
		if i < len(keys) {
			fmt.Fprintf(w, "%s> %x\n", indent, keys[i])
		}
	}
	return nil
}
