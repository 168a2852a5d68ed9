package bonsai

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"bonsai/internal/base"
)

// testBucketSize yields a leaf capacity of exactly four entries for 8-byte
// keys and 34-byte values: 53 header + 4*(2+8+2+34+2) = 245 of 256 bytes.
const testBucketSize = 256

func setup(t *testing.T, options ...Option) *Storage {
	t.Helper()
	opts := append([]Option{WithBucketSize(testBucketSize), WithSyncMode(SyncOff)}, options...)
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTree(t *testing.T, s *Storage, name string) *Tree {
	t.Helper()
	tree := s.NewTree(name, "")
	require.NoError(t, tree.Create(Uint64Serializer{}, BytesSerializer{}, 0))
	return tree
}

func key(k uint64) []byte {
	return Uint64Serializer{}.EncodeUint64(k)
}

// val pads to 34 bytes so every leaf holds exactly four entries.
func val(s string) []byte {
	buf := make([]byte, 34)
	copy(buf, s)
	return buf
}

func scanKeys(t *testing.T, tree *Tree) []uint64 {
	t.Helper()
	var keys []uint64
	err := tree.LoadEntriesMajor(key(0), true, true, func(k, _ []byte) bool {
		keys = append(keys, Uint64Serializer{}.DecodeUint64(k))
		return true
	})
	require.NoError(t, err)
	return keys
}

func freeListLength(t *testing.T, tree *Tree) int64 {
	t.Helper()
	entry, err := tree.storage.cache.LoadPage(uint64(tree.fileID), 0, true)
	require.NoError(t, err)
	n := base.NewSysBucket(entry.Page(), nil).FreeListLength()
	entry.Release()
	return n
}

// measureFreeList walks the chain from the free-list head counting deleted
// buckets.
func measureFreeList(t *testing.T, tree *Tree) int64 {
	t.Helper()
	entry, err := tree.storage.cache.LoadPage(uint64(tree.fileID), 0, true)
	require.NoError(t, err)
	pointer := base.NewSysBucket(entry.Page(), nil).FreeListHead()
	entry.Release()

	var n int64
	for pointer.IsValid() {
		entry, err := tree.storage.cache.LoadPage(uint64(tree.fileID), pointer.PageIndex, true)
		require.NoError(t, err)
		bucket := tree.bucketAt(entry, pointer, nil)
		require.True(t, bucket.IsDeleted())
		pointer = bucket.FreeListPointer()
		entry.Release()
		n++
	}
	return n
}

func TestInsertScanAndSplit(t *testing.T) {
	t.Parallel()

	s := setup(t)
	tree := newTestTree(t, s, "bag")

	for _, k := range []uint64{5, 1, 3, 7, 2} {
		modified, err := tree.Put(key(k), val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
		assert.True(t, modified)
	}

	assert.Equal(t, []uint64{1, 2, 3, 5, 7}, scanKeys(t, tree))

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)

	first, err := tree.FirstKey()
	require.NoError(t, err)
	assert.Equal(t, key(1), first)

	last, err := tree.LastKey()
	require.NoError(t, err)
	assert.Equal(t, key(7), last)

	// Five entries overflow a four-entry leaf, so the root is now a branch
	// and every search path is two buckets deep.
	res, err := tree.findBucket(key(1))
	require.NoError(t, err)
	assert.Len(t, res.path, 2)
}

func TestPutUpdate(t *testing.T) {
	t.Parallel()

	s := setup(t)
	tree := newTestTree(t, s, "bag")

	for _, k := range []uint64{5, 1, 3, 7, 2} {
		_, err := tree.Put(key(k), val("v1"))
		require.NoError(t, err)
	}

	modified, err := tree.Put(key(5), val("v2"))
	require.NoError(t, err)
	assert.True(t, modified)

	got, err := tree.Get(key(5))
	require.NoError(t, err)
	assert.Equal(t, val("v2"), got)

	// Rewriting the identical value is reported as not modified.
	modified, err = tree.Put(key(5), val("v2"))
	require.NoError(t, err)
	assert.False(t, modified)

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)
}

func TestUpdateValueResize(t *testing.T) {
	t.Parallel()

	s := setup(t)
	tree := s.NewTree("resize", "")
	require.NoError(t, tree.Create(Uint64Serializer{}, BytesSerializer{}, 0))

	_, err := tree.Put(key(1), []byte("short"))
	require.NoError(t, err)

	// A different encoding size forces the remove-and-reinsert path.
	modified, err := tree.Put(key(1), []byte("a much longer value than before"))
	require.NoError(t, err)
	assert.True(t, modified)

	got, err := tree.Get(key(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("a much longer value than before"), got)

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), size)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s := setup(t)
	tree := newTestTree(t, s, "bag")

	for _, k := range []uint64{5, 1, 3, 7, 2} {
		_, err := tree.Put(key(k), val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}

	removed, err := tree.Remove(key(3))
	require.NoError(t, err)
	assert.Equal(t, val("v3"), removed)

	got, err := tree.Get(key(3))
	require.NoError(t, err)
	assert.Nil(t, got)

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), size)
	assert.Equal(t, []uint64{1, 2, 5, 7}, scanKeys(t, tree))

	// Remove does not recycle buckets; the free list stays empty.
	assert.Zero(t, freeListLength(t, tree))

	removed, err = tree.Remove(key(42))
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestRemoveLeavesEmptyLeaf(t *testing.T) {
	t.Parallel()

	s := setup(t)
	tree := newTestTree(t, s, "bag")

	for k := uint64(1); k <= 5; k++ {
		_, err := tree.Put(key(k), val("v"))
		require.NoError(t, err)
	}

	// Keys 1 and 2 drain the leftmost leaf completely; the empty leaf stays
	// reachable from its branch and the key walks unwind through it.
	for _, k := range []uint64{1, 2} {
		_, err := tree.Remove(key(k))
		require.NoError(t, err)
	}

	first, err := tree.FirstKey()
	require.NoError(t, err)
	assert.Equal(t, key(3), first)

	last, err := tree.LastKey()
	require.NoError(t, err)
	assert.Equal(t, key(5), last)
	assert.Equal(t, []uint64{3, 4, 5}, scanKeys(t, tree))
}

func TestSplitChainToRoot(t *testing.T) {
	t.Parallel()

	s := setup(t)
	tree := s.NewTree("deep", "")
	require.NoError(t, tree.Create(Uint64Serializer{}, BytesSerializer{}, 777))

	const n = 500
	for k := uint64(1); k <= n; k++ {
		_, err := tree.Put(key(k), val("v"))
		require.NoError(t, err)
	}

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(n), size)
	assert.Len(t, scanKeys(t, tree), n)

	// Splits propagated through more than one level.
	res, err := tree.findBucket(key(1))
	require.NoError(t, err)
	assert.Greater(t, len(res.path), 2)

	// Root splits rewrote the root bucket but kept its metadata.
	id, err := tree.Identifier()
	require.NoError(t, err)
	assert.Equal(t, uint64(777), id)

	// The allocator crossed page boundaries along the way.
	filled, err := s.cache.FilledUpTo(uint64(tree.fileID))
	require.NoError(t, err)
	assert.Greater(t, filled, int64(1))
}

func TestRandomOperations(t *testing.T) {
	t.Parallel()

	s := setup(t)
	tree := newTestTree(t, s, "random")
	rng := rand.New(rand.NewSource(1))
	shadow := make(map[uint64][]byte)

	for i := 0; i < 2000; i++ {
		k := uint64(rng.Intn(300))
		if rng.Intn(3) == 0 {
			removed, err := tree.Remove(key(k))
			require.NoError(t, err)
			if want, ok := shadow[k]; ok {
				assert.Equal(t, want, removed)
				delete(shadow, k)
			} else {
				assert.Nil(t, removed)
			}
		} else {
			v := val(fmt.Sprintf("v%d-%d", k, i))
			_, err := tree.Put(key(k), v)
			require.NoError(t, err)
			shadow[k] = v
		}
	}

	want := make([]uint64, 0, len(shadow))
	for k := range shadow {
		want = append(want, k)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	got := scanKeys(t, tree)
	assert.Equal(t, want, got)

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(shadow)), size)

	for k, v := range shadow {
		stored, err := tree.Get(key(k))
		require.NoError(t, err)
		assert.Equal(t, v, stored)
	}

	if len(want) > 0 {
		first, err := tree.FirstKey()
		require.NoError(t, err)
		assert.Equal(t, key(want[0]), first)
		last, err := tree.LastKey()
		require.NoError(t, err)
		assert.Equal(t, key(want[len(want)-1]), last)
	}
}

func TestClearKeepsRootAndRecycles(t *testing.T) {
	t.Parallel()

	s := setup(t, WithFreeSpaceReuseTrigger(0.01))
	tree := newTestTree(t, s, "bag")

	for k := uint64(1); k <= 20; k++ {
		_, err := tree.Put(key(k), val("v"))
		require.NoError(t, err)
	}
	rootBefore := tree.RootBucketPointer()

	require.NoError(t, tree.Clear())

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Equal(t, rootBefore, tree.RootBucketPointer())

	got, err := tree.Get(key(10))
	require.NoError(t, err)
	assert.Nil(t, got)

	// Every non-root bucket of the old tree sits on the free list, and the
	// persisted length matches the chain.
	length := freeListLength(t, tree)
	assert.Positive(t, length)
	assert.Equal(t, length, measureFreeList(t, tree))

	// With the reuse trigger this low, the next insert that needs a bucket
	// pops the free list instead of extending the file.
	filledBefore, err := s.cache.FilledUpTo(uint64(tree.fileID))
	require.NoError(t, err)
	for k := uint64(40); k <= 48; k++ {
		_, err = tree.Put(key(k), val("x"))
		require.NoError(t, err)
	}
	assert.Less(t, freeListLength(t, tree), length)
	filledAfter, err := s.cache.FilledUpTo(uint64(tree.fileID))
	require.NoError(t, err)
	assert.Equal(t, filledBefore, filledAfter)
	assert.Equal(t, []uint64{40, 41, 42, 43, 44, 45, 46, 47, 48}, scanKeys(t, tree))
}

func TestDeleteRecyclesWholeTree(t *testing.T) {
	t.Parallel()

	s := setup(t, WithFreeSpaceReuseTrigger(0.01))
	tree := newTestTree(t, s, "bag")

	for k := uint64(1); k <= 20; k++ {
		_, err := tree.Put(key(k), val("v"))
		require.NoError(t, err)
	}
	rootPointer := tree.RootBucketPointer()

	require.NoError(t, tree.Delete())

	// The handle is dead.
	_, err := tree.Get(key(1))
	assert.ErrorIs(t, err, ErrTreeDeleted)
	_, err = tree.Put(key(1), val("v"))
	assert.ErrorIs(t, err, ErrTreeDeleted)

	// Loading the old root pointer reports the deletion.
	stale := s.NewTree("bag", "")
	ok, err := stale.Load(rootPointer)
	require.NoError(t, err)
	assert.False(t, ok)

	// A second tree in the same file sees the recycled buckets, root
	// included, and its own root allocation reuses one.
	second := s.NewTree("bag", "")
	lengthBefore := measureFreeList(t, stale)
	assert.GreaterOrEqual(t, lengthBefore, int64(10))
	require.NoError(t, second.Create(Uint64Serializer{}, BytesSerializer{}, 0))
	assert.Equal(t, lengthBefore-1, freeListLength(t, second))

	_, err = second.Put(key(1), val("fresh"))
	require.NoError(t, err)
	got, err := second.Get(key(1))
	require.NoError(t, err)
	assert.Equal(t, val("fresh"), got)
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	t.Parallel()

	s := setup(t)
	tree := newTestTree(t, s, "bag")

	for k := uint64(1); k <= 8; k++ {
		_, err := tree.Put(key(k), val("v"))
		require.NoError(t, err)
	}

	filled, err := s.cache.FilledUpTo(uint64(tree.fileID))
	require.NoError(t, err)
	before := make([]base.Page, filled)
	for i := int64(0); i < filled; i++ {
		entry, err := s.cache.LoadPage(uint64(tree.fileID), i, true)
		require.NoError(t, err)
		before[i] = *entry.Page()
		entry.Release()
	}

	// Run a mutation that splits buckets and touches the allocator, then
	// abort it. Every pre-existing page must match its snapshot bytewise.
	op := s.atomic.StartAtomicOperation(true)
	tree.locks.LockExclusive(tree.fileID)
	_, err = tree.put(op, key(100), val("doomed"))
	require.NoError(t, err)
	require.NoError(t, s.atomic.EndAtomicOperation(op, true))
	tree.locks.UnlockExclusive(tree.fileID)

	for i := int64(0); i < filled; i++ {
		entry, err := s.cache.LoadPage(uint64(tree.fileID), i, true)
		require.NoError(t, err)
		assert.Equal(t, before[i], *entry.Page(), "page %d diverged after rollback", i)
		entry.Release()
	}

	got, err := tree.Get(key(100))
	require.NoError(t, err)
	assert.Nil(t, got)
	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), size)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, WithBucketSize(testBucketSize), WithSyncMode(SyncEveryCommit))
	require.NoError(t, err)

	tree := s.NewTree("bag", "")
	require.NoError(t, tree.Create(Uint64Serializer{}, BytesSerializer{}, 99))
	for k := uint64(1); k <= 50; k++ {
		_, err := tree.Put(key(k), val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}
	rootPointer := tree.RootBucketPointer()
	require.NoError(t, s.Close())

	s2, err := Open(dir, WithBucketSize(testBucketSize), WithSyncMode(SyncEveryCommit))
	require.NoError(t, err)
	defer s2.Close()

	reopened := s2.NewTree("bag", "")
	ok, err := reopened.Load(rootPointer)
	require.NoError(t, err)
	assert.True(t, ok)

	// Serializers rehydrated from the root bucket's persisted ids.
	assert.Equal(t, Uint64Serializer{}.ID(), reopened.KeySerializer().ID())
	assert.Equal(t, BytesSerializer{}.ID(), reopened.ValueSerializer().ID())

	size, err := reopened.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(50), size)
	id, err := reopened.Identifier()
	require.NoError(t, err)
	assert.Equal(t, uint64(99), id)

	got, err := reopened.Get(key(17))
	require.NoError(t, err)
	assert.Equal(t, val("v17"), got)
}

func TestRecoveryFromWAL(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, WithBucketSize(testBucketSize), WithSyncMode(SyncEveryCommit))
	require.NoError(t, err)

	tree := s.NewTree("bag", "")
	require.NoError(t, tree.Create(Uint64Serializer{}, BytesSerializer{}, 0))
	for k := uint64(1); k <= 30; k++ {
		_, err := tree.Put(key(k), val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}
	rootPointer := tree.RootBucketPointer()

	// Crash: the storage is abandoned without a close or flush. The data
	// file may be stale, but every commit reached the log.
	s2, err := Open(dir, WithBucketSize(testBucketSize), WithSyncMode(SyncEveryCommit))
	require.NoError(t, err)
	defer s2.Close()

	recovered := s2.NewTree("bag", "")
	ok, err := recovered.Load(rootPointer)
	require.NoError(t, err)
	assert.True(t, ok)

	size, err := recovered.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(30), size)
	for k := uint64(1); k <= 30; k++ {
		got, err := recovered.Get(key(k))
		require.NoError(t, err)
		assert.Equal(t, val(fmt.Sprintf("v%d", k)), got)
	}
}

func TestSetIdentifier(t *testing.T) {
	t.Parallel()

	s := setup(t)
	tree := newTestTree(t, s, "bag")

	require.NoError(t, tree.SetIdentifier(4242))
	id, err := tree.Identifier()
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), id)
}

func TestCollectionPointer(t *testing.T) {
	t.Parallel()

	s := setup(t)
	tree := newTestTree(t, s, "bag")

	cp := tree.CollectionPointer()
	assert.Equal(t, tree.FileID(), cp.FileID)
	assert.Equal(t, tree.RootBucketPointer(), cp.Root)
	assert.True(t, cp.Root.IsValid())
}

func TestEntryTooLarge(t *testing.T) {
	t.Parallel()

	s := setup(t)
	tree := s.NewTree("big", "")
	require.NoError(t, tree.Create(BytesSerializer{}, BytesSerializer{}, 0))

	_, err := tree.Put(make([]byte, testBucketSize), []byte("v"))
	assert.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestTwoTreesShareOneFile(t *testing.T) {
	t.Parallel()

	s := setup(t)

	treeA := newTestTree(t, s, "shared")
	treeB := s.NewTree("shared", "")
	require.NoError(t, treeB.Create(Uint64Serializer{}, BytesSerializer{}, 0))

	assert.Equal(t, treeA.FileID(), treeB.FileID())
	assert.NotEqual(t, treeA.RootBucketPointer(), treeB.RootBucketPointer())

	const n = 200
	var g errgroup.Group
	g.Go(func() error {
		for k := uint64(0); k < n; k++ {
			if _, err := treeA.Put(key(k*2), val("a")); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for k := uint64(0); k < n; k++ {
			if _, err := treeB.Put(key(k*2+1), val("b")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	for _, tree := range []*Tree{treeA, treeB} {
		keys := scanKeys(t, tree)
		assert.Len(t, keys, n)
		assert.True(t, sort.SliceIsSorted(keys, func(i, j int) bool { return keys[i] < keys[j] }))
		size, err := tree.Size()
		require.NoError(t, err)
		assert.Equal(t, uint64(n), size)
	}
	for _, k := range scanKeys(t, treeA) {
		assert.Zero(t, k%2)
	}
}

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	s := setup(t)
	tree := newTestTree(t, s, "bag")
	for k := uint64(1); k <= 100; k++ {
		_, err := tree.Put(key(k), val("v"))
		require.NoError(t, err)
	}

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for k := uint64(1); k <= 100; k++ {
				got, err := tree.Get(key(k))
				if err != nil {
					return err
				}
				if got == nil {
					return fmt.Errorf("key %d missing", k)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
