package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardLogger struct{}

func (discardLogger) Error(string, ...any) {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Info(string, ...any)  {}

func setup(t *testing.T, capacity int) (*PageCache, string) {
	t.Helper()
	c := New(capacity, discardLogger{})
	t.Cleanup(func() { c.Close(false) })
	return c, filepath.Join(t.TempDir(), "data.sbt")
}

func TestAddAndOpenFile(t *testing.T) {
	t.Parallel()

	c, path := setup(t, 64)

	assert.False(t, c.IsFileExists(path))

	id, err := c.AddFile(path)
	require.NoError(t, err)
	assert.True(t, c.IsFileExists(path))

	// Creating the same file twice fails; opening returns the same id.
	_, err = c.AddFile(path)
	assert.ErrorIs(t, err, ErrFileExists)

	again, err := c.OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestFirstAddPageIsPageZero(t *testing.T) {
	t.Parallel()

	c, path := setup(t, 64)
	id, err := c.AddFile(path)
	require.NoError(t, err)

	e, err := c.AddPage(id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.PageIndex())
	c.ReleasePage(e)

	filled, err := c.FilledUpTo(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), filled)
}

func TestLoadPageBeyondEnd(t *testing.T) {
	t.Parallel()

	c, path := setup(t, 64)
	id, err := c.AddFile(path)
	require.NoError(t, err)

	e, err := c.LoadPage(id, 0, false)
	require.NoError(t, err)
	assert.Nil(t, e)

	_, err = c.LoadPage(id, 0, true)
	assert.ErrorIs(t, err, ErrPageMissing)
}

func TestDirtyPageSurvivesEviction(t *testing.T) {
	t.Parallel()

	c, path := setup(t, MinCapacity)
	id, err := c.AddFile(path)
	require.NoError(t, err)

	// Dirty the first page, then churn enough pages through the cache to
	// force it out.
	first, err := c.AddPage(id)
	require.NoError(t, err)
	first.AcquireExclusiveLatch()
	first.Page().Data[100] = 0xAB
	first.ReleaseExclusiveLatch()
	first.MarkDirty()
	c.ReleasePage(first)

	for i := 0; i < MinCapacity*3; i++ {
		e, err := c.AddPage(id)
		require.NoError(t, err)
		c.ReleasePage(e)
	}

	reloaded, err := c.LoadPage(id, 0, true)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), reloaded.Page().Data[100])
	c.ReleasePage(reloaded)
}

func TestPinnedPageNotEvicted(t *testing.T) {
	t.Parallel()

	c, path := setup(t, MinCapacity)
	id, err := c.AddFile(path)
	require.NoError(t, err)

	pinned, err := c.AddPage(id)
	require.NoError(t, err)
	pinned.Page().Data[0] = 0x42

	for i := 0; i < MinCapacity*3; i++ {
		e, err := c.AddPage(id)
		require.NoError(t, err)
		c.ReleasePage(e)
	}

	// Still the same resident page, not a reload of stale disk bytes.
	again, err := c.LoadPage(id, 0, true)
	require.NoError(t, err)
	assert.Same(t, pinned, again)
	assert.Equal(t, byte(0x42), again.Page().Data[0])
	c.ReleasePage(again)
	c.ReleasePage(pinned)
}

func TestCloseFileRejectsPinnedPages(t *testing.T) {
	t.Parallel()

	c, path := setup(t, 64)
	id, err := c.AddFile(path)
	require.NoError(t, err)

	e, err := c.AddPage(id)
	require.NoError(t, err)

	err = c.CloseFile(id, true)
	assert.ErrorIs(t, err, ErrPagesPinned)

	c.ReleasePage(e)
	require.NoError(t, c.CloseFile(id, true))
	assert.ErrorIs(t, c.Flush(id), ErrFileNotOpen)
}

func TestFlushPersists(t *testing.T) {
	t.Parallel()

	c, path := setup(t, 64)
	id, err := c.AddFile(path)
	require.NoError(t, err)

	e, err := c.AddPage(id)
	require.NoError(t, err)
	e.AcquireExclusiveLatch()
	e.Page().Data[7] = 0x77
	e.ReleaseExclusiveLatch()
	e.MarkDirty()
	c.ReleasePage(e)

	require.NoError(t, c.Flush(id))
	require.NoError(t, c.CloseFile(id, false))

	// A fresh open reads the flushed bytes back.
	id2, err := c.OpenFile(path)
	require.NoError(t, err)
	reloaded, err := c.LoadPage(id2, 0, true)
	require.NoError(t, err)
	assert.Equal(t, byte(0x77), reloaded.Page().Data[7])
	c.ReleasePage(reloaded)
}
