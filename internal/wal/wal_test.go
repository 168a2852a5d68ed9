package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bonsai/internal/base"
	"bonsai/internal/cache"
)

type discardLogger struct{}

func (discardLogger) Error(string, ...any) {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Info(string, ...any)  {}

func changeSetFor(p *base.Page, offset int, data []byte) *base.ChangeSet {
	cs := &base.ChangeSet{}
	cs.Write(p, offset, data)
	return cs
}

func TestWALAppendReplay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path, SyncEveryCommit, 0)
	require.NoError(t, err)
	defer w.Close()

	page := &base.Page{}
	require.NoError(t, w.Append(1, []PageDelta{
		{FileName: "a.sbt", PageIndex: 3, Changes: changeSetFor(page, 10, []byte("hello"))},
	}))
	require.NoError(t, w.Append(2, []PageDelta{
		{FileName: "b.sbt", PageIndex: 0, Changes: changeSetFor(page, 0, []byte{0xFF})},
		{FileName: "a.sbt", PageIndex: 4, Changes: changeSetFor(page, 99, []byte("x"))},
	}))

	var seqs []uint64
	var names []string
	err = w.Replay(func(seq uint64, deltas []PageDelta) error {
		seqs = append(seqs, seq)
		for _, d := range deltas {
			names = append(names, d.FileName)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, seqs)
	assert.Equal(t, []string{"a.sbt", "b.sbt", "a.sbt"}, names)
}

func TestWALTornTailStopsReplay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path, SyncEveryCommit, 0)
	require.NoError(t, err)

	page := &base.Page{}
	require.NoError(t, w.Append(1, []PageDelta{
		{FileName: "a.sbt", PageIndex: 0, Changes: changeSetFor(page, 0, []byte("one"))},
	}))
	require.NoError(t, w.Append(2, []PageDelta{
		{FileName: "a.sbt", PageIndex: 1, Changes: changeSetFor(page, 0, []byte("two"))},
	}))
	require.NoError(t, w.Close())

	// Chop bytes off the second record to simulate a crash mid-append.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	w, err = OpenWAL(path, SyncEveryCommit, 0)
	require.NoError(t, err)
	defer w.Close()

	var seqs []uint64
	err = w.Replay(func(seq uint64, deltas []PageDelta) error {
		seqs = append(seqs, seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, seqs)
}

func TestWALTruncate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path, SyncOff, 0)
	require.NoError(t, err)
	defer w.Close()

	page := &base.Page{}
	require.NoError(t, w.Append(1, []PageDelta{
		{FileName: "a.sbt", PageIndex: 0, Changes: changeSetFor(page, 0, []byte("gone"))},
	}))
	require.NoError(t, w.Truncate())

	calls := 0
	require.NoError(t, w.Replay(func(uint64, []PageDelta) error {
		calls++
		return nil
	}))
	assert.Zero(t, calls)

	// The log keeps accepting appends after a checkpoint.
	require.NoError(t, w.Append(2, []PageDelta{
		{FileName: "a.sbt", PageIndex: 0, Changes: changeSetFor(page, 0, []byte("back"))},
	}))
}

func TestAtomicOperationRollbackRestoresPages(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := cache.New(64, discardLogger{})
	defer c.Close(false)

	w, err := OpenWAL(filepath.Join(dir, "test.wal"), SyncOff, 0)
	require.NoError(t, err)
	defer w.Close()
	mgr := NewManager(w, discardLogger{})

	fileID, err := c.AddFile(filepath.Join(dir, "data.sbt"))
	require.NoError(t, err)
	entry, err := c.AddPage(fileID)
	require.NoError(t, err)

	op := mgr.StartAtomicOperation(true)
	cs := op.Changes(entry)
	entry.AcquireExclusiveLatch()
	cs.Write(entry.Page(), 0, []byte("scribble"))
	cs.Write(entry.Page(), 512, []byte{1, 2, 3})
	entry.ReleaseExclusiveLatch()

	require.NoError(t, mgr.EndAtomicOperation(op, true))
	assert.Equal(t, base.Page{}, *entry.Page())
	c.ReleasePage(entry)
}

func TestAtomicOperationCommitAppendsToLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := cache.New(64, discardLogger{})
	defer c.Close(false)

	w, err := OpenWAL(filepath.Join(dir, "test.wal"), SyncEveryCommit, 0)
	require.NoError(t, err)
	defer w.Close()
	mgr := NewManager(w, discardLogger{})

	fileID, err := c.AddFile(filepath.Join(dir, "data.sbt"))
	require.NoError(t, err)
	entry, err := c.AddPage(fileID)
	require.NoError(t, err)

	op := mgr.StartAtomicOperation(false)
	assert.Same(t, op, mgr.Current())
	cs := op.Changes(entry)
	// The same page registers once per operation.
	assert.Same(t, cs, op.Changes(entry))

	entry.AcquireExclusiveLatch()
	cs.Write(entry.Page(), 8, []byte("durable"))
	entry.ReleaseExclusiveLatch()
	require.NoError(t, mgr.EndAtomicOperation(op, false))
	assert.Nil(t, mgr.Current())
	c.ReleasePage(entry)

	records := 0
	err = w.Replay(func(seq uint64, deltas []PageDelta) error {
		records++
		require.Len(t, deltas, 1)
		fresh := &base.Page{}
		deltas[0].Changes.Redo(fresh)
		assert.Equal(t, []byte("durable"), fresh.Data[8:15])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, records)
}

func TestComponentLocks(t *testing.T) {
	t.Parallel()

	w, err := OpenWAL(filepath.Join(t.TempDir(), "test.wal"), SyncOff, 0)
	require.NoError(t, err)
	defer w.Close()
	mgr := NewManager(w, discardLogger{})

	type component struct{ name string }
	a, b := &component{"a"}, &component{"b"}

	// Distinct components lock independently; the same component is shared
	// between readers.
	mgr.AcquireReadLock(a)
	mgr.AcquireReadLock(a)
	mgr.AcquireWriteLock(b)
	mgr.ReleaseWriteLock(b)
	mgr.ReleaseReadLock(a)
	mgr.ReleaseReadLock(a)
}
