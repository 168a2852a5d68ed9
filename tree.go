package bonsai

import (
	"github.com/pkg/errors"

	"bonsai/internal/base"
	"bonsai/internal/cache"
	"bonsai/internal/wal"
)

// DefaultExtension is the data file extension used when none is given.
const DefaultExtension = ".sbt"

// CollectionPointer identifies a tree across restarts: the file it lives in
// and the stable address of its root bucket.
type CollectionPointer struct {
	FileID int64
	Root   BucketPointer
}

// Tree is one bonsai B-tree: an ordered byte-key/byte-value index rooted at a
// single subpage of a shared data file. Many trees cohabit one file.
//
// A tree allows many concurrent readers and one writer at a time. All
// mutators run inside an atomic operation and roll back on failure.
type Tree struct {
	storage  *Storage
	name     string
	fileName string

	// fileID is -1 until Create or Load opens the data file. It is written
	// under the exclusive file lock and read under the shared one.
	fileID int64

	root    BucketPointer
	cmp     Comparator
	keySer  Serializer
	valSer  Serializer
	logger  Logger
	locks   PartitionedLockManager
	deleted bool
}

// NewTree prepares a handle for the named tree inside the storage directory.
// Call Create or Load before any other operation.
func (s *Storage) NewTree(name, extension string) *Tree {
	if extension == "" {
		extension = DefaultExtension
	}
	return &Tree{
		storage:  s,
		name:     name,
		fileName: s.dir + "/" + name + extension,
		fileID:   -1,
		cmp:      s.opts.comparator,
		logger:   s.logger,
	}
}

// Create initializes a new tree. The first tree created in a file also
// initializes the file's system bucket; later trees share it. The identifier
// is an opaque caller-supplied id stored in the root bucket.
func (t *Tree) Create(keySerializer, valueSerializer Serializer, identifier uint64) error {
	if t.storage.isClosed() {
		return ErrStorageClosed
	}
	op := t.storage.atomic.StartAtomicOperation(false)

	t.locks.LockExclusive(t.fileID)
	defer t.locks.UnlockExclusive(t.fileID)

	t.keySer = keySerializer
	t.valSer = valueSerializer

	err := t.initAfterCreate(op, identifier)
	if err != nil {
		t.rollback(op, err)
		return errors.Wrapf(err, "create tree %s", t.name)
	}
	if err := t.storage.atomic.EndAtomicOperation(op, false); err != nil {
		return errors.Wrapf(err, "create tree %s", t.name)
	}
	return nil
}

func (t *Tree) initAfterCreate(op *wal.AtomicOperation, identifier uint64) error {
	c := t.storage.cache
	var err error
	var fileID uint64
	if c.IsFileExists(t.fileName) {
		fileID, err = c.OpenFile(t.fileName)
	} else {
		fileID, err = c.AddFile(t.fileName)
	}
	if err != nil {
		return err
	}
	t.fileID = int64(fileID)

	if err := t.initSysBucket(op); err != nil {
		return err
	}

	rootPointer, rootEntry, err := t.allocateBucket(op)
	if err != nil {
		return err
	}
	cs := op.Changes(rootEntry)
	rootEntry.AcquireExclusiveLatch()
	root := t.bucketAt(rootEntry, rootPointer, cs)
	root.Init(true, t.keySer.ID(), t.valSer.ID())
	root.SetTreeSize(0)
	root.SetIdentifier(identifier)
	rootEntry.ReleaseExclusiveLatch()
	rootEntry.Release()

	t.root = rootPointer
	return nil
}

// Load attaches the handle to an existing tree by its remembered root
// pointer, rehydrating the key and value serializers from the root bucket.
// It returns false when the root bucket has been recycled, i.e. the tree was
// deleted.
func (t *Tree) Load(rootPointer BucketPointer) (bool, error) {
	if t.storage.isClosed() {
		return false, ErrStorageClosed
	}
	t.locks.LockExclusive(t.fileID)
	defer t.locks.UnlockExclusive(t.fileID)

	t.root = rootPointer

	fileID, err := t.storage.cache.OpenFile(t.fileName)
	if err != nil {
		return false, errors.Wrapf(err, "load tree %s", t.name)
	}
	t.fileID = int64(fileID)

	entry, err := t.loadPage(nil, rootPointer.PageIndex)
	if err != nil {
		return false, errors.Wrapf(err, "load tree %s", t.name)
	}
	entry.AcquireSharedLatch()
	root := t.bucketAt(entry, rootPointer, nil)
	keyID := root.KeySerializerID()
	valID := root.ValueSerializerID()
	deleted := root.IsDeleted()
	entry.ReleaseSharedLatch()
	entry.Release()

	if t.keySer, err = SerializerByID(keyID); err != nil {
		return false, errors.Wrapf(err, "load tree %s", t.name)
	}
	if t.valSer, err = SerializerByID(valID); err != nil {
		return false, errors.Wrapf(err, "load tree %s", t.name)
	}
	return !deleted, nil
}

// Close detaches the tree from the page cache, flushing its file first when
// flush is set.
func (t *Tree) Close(flush bool) error {
	t.locks.LockExclusive(t.fileID)
	defer t.locks.UnlockExclusive(t.fileID)
	return errors.Wrapf(t.storage.cache.CloseFile(uint64(t.fileID), flush), "close tree %s", t.name)
}

// Flush writes the tree's dirty pages to its data file.
func (t *Tree) Flush() error {
	t.storage.atomic.AcquireReadLock(t)
	defer t.storage.atomic.ReleaseReadLock(t)
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	return errors.Wrapf(t.storage.cache.Flush(uint64(t.fileID)), "flush tree %s", t.name)
}

// Size returns the number of entries.
func (t *Tree) Size() (uint64, error) {
	t.storage.atomic.AcquireReadLock(t)
	defer t.storage.atomic.ReleaseReadLock(t)
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	if err := t.usable(); err != nil {
		return 0, err
	}
	n, err := t.treeSize()
	return n, errors.Wrapf(err, "size of tree %s", t.name)
}

// Identifier returns the opaque id stored in the root bucket.
func (t *Tree) Identifier() (uint64, error) {
	t.storage.atomic.AcquireReadLock(t)
	defer t.storage.atomic.ReleaseReadLock(t)
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	if err := t.usable(); err != nil {
		return 0, err
	}

	entry, err := t.loadPage(nil, t.root.PageIndex)
	if err != nil {
		return 0, errors.Wrapf(err, "identifier of tree %s", t.name)
	}
	entry.AcquireSharedLatch()
	id := t.bucketAt(entry, t.root, nil).Identifier()
	entry.ReleaseSharedLatch()
	entry.Release()
	return id, nil
}

// SetIdentifier stores a new id in the root bucket, serialized like any other
// mutation.
func (t *Tree) SetIdentifier(id uint64) error {
	op := t.storage.atomic.StartAtomicOperation(true)
	t.locks.LockExclusive(t.fileID)
	defer t.locks.UnlockExclusive(t.fileID)
	if err := t.usable(); err != nil {
		t.rollback(op, err)
		return err
	}

	err := func() error {
		entry, err := t.loadPage(op, t.root.PageIndex)
		if err != nil {
			return err
		}
		cs := op.Changes(entry)
		entry.AcquireExclusiveLatch()
		t.bucketAt(entry, t.root, cs).SetIdentifier(id)
		entry.ReleaseExclusiveLatch()
		entry.Release()
		return nil
	}()
	if err != nil {
		t.rollback(op, err)
		return errors.Wrapf(err, "set identifier of tree %s", t.name)
	}
	return errors.Wrapf(t.storage.atomic.EndAtomicOperation(op, false),
		"set identifier of tree %s", t.name)
}

// Name returns the tree name.
func (t *Tree) Name() string { return t.name }

// FileID returns the cache file id of the tree's data file.
func (t *Tree) FileID() int64 {
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	return t.fileID
}

// RootBucketPointer returns the stable address of the root bucket.
func (t *Tree) RootBucketPointer() BucketPointer {
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	return t.root
}

// CollectionPointer returns the (file id, root pointer) pair identifying the
// tree.
func (t *Tree) CollectionPointer() CollectionPointer {
	t.storage.atomic.AcquireReadLock(t)
	defer t.storage.atomic.ReleaseReadLock(t)
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	return CollectionPointer{FileID: t.fileID, Root: t.root}
}

// KeySerializer returns the key codec.
func (t *Tree) KeySerializer() Serializer {
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	return t.keySer
}

// ValueSerializer returns the value codec.
func (t *Tree) ValueSerializer() Serializer {
	t.locks.LockShared(t.fileID)
	defer t.locks.UnlockShared(t.fileID)
	return t.valSer
}

// usable rejects operations on deleted trees or a closed storage. Callers
// hold the file lock.
func (t *Tree) usable() error {
	if t.storage.isClosed() {
		return ErrStorageClosed
	}
	if t.deleted {
		return ErrTreeDeleted
	}
	return nil
}

// bucketAt wraps the bucket addressed by ptr on the pinned page.
func (t *Tree) bucketAt(entry *cache.Entry, ptr BucketPointer, cs *base.ChangeSet) *base.Bucket {
	return base.NewBucket(entry.Page(), int(ptr.PageOffset), t.storage.opts.bucketSize, t.cmp, cs)
}

// loadPage pins an existing page; a page beyond the end of the file is a
// corruption (a live pointer referenced space that was never allocated).
func (t *Tree) loadPage(_ *wal.AtomicOperation, pageIndex int64) (*cache.Entry, error) {
	entry, err := t.storage.cache.LoadPage(uint64(t.fileID), pageIndex, false)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errors.Wrapf(ErrCorruption, "page %d does not exist", pageIndex)
	}
	return entry, nil
}

// rollback ends the operation with rollback, logging secondary failures
// without masking the original cause.
func (t *Tree) rollback(op *wal.AtomicOperation, cause error) {
	if err := t.storage.atomic.EndAtomicOperation(op, true); err != nil {
		t.logger.Error("rollback failed", "tree", t.name, "cause", cause, "error", err)
	}
}

// treeSize reads the entry count from the root bucket. Callers hold at least
// the shared file lock.
func (t *Tree) treeSize() (uint64, error) {
	entry, err := t.loadPage(nil, t.root.PageIndex)
	if err != nil {
		return 0, err
	}
	entry.AcquireSharedLatch()
	n := t.bucketAt(entry, t.root, nil).TreeSize()
	entry.ReleaseSharedLatch()
	entry.Release()
	return n, nil
}

// setTreeSize writes the entry count to the root bucket within op.
func (t *Tree) setTreeSize(op *wal.AtomicOperation, n uint64) error {
	entry, err := t.loadPage(op, t.root.PageIndex)
	if err != nil {
		return err
	}
	cs := op.Changes(entry)
	entry.AcquireExclusiveLatch()
	t.bucketAt(entry, t.root, cs).SetTreeSize(n)
	entry.ReleaseExclusiveLatch()
	entry.Release()
	return nil
}
