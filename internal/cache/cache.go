// Package cache implements the read-through/write-back page cache shared by
// every tree in every file. Pages are pinned while in use, latched for
// access, and evicted LRU-wise once unpinned.
package cache

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/pkg/errors"

	"bonsai/internal/base"
	"bonsai/internal/storage"
)

const (
	// DefaultCapacity is the default number of cached pages (4MB).
	DefaultCapacity = 1024
	// MinCapacity keeps enough room for a tree path plus concurrent ops.
	MinCapacity = 16
)

var (
	ErrFileNotOpen = errors.New("file is not open")
	ErrPageMissing = errors.New("page does not exist")
	ErrPagesPinned = errors.New("file still has pinned pages")
	ErrCacheClosed = errors.New("page cache is closed")
	ErrFileExists  = errors.New("file already exists")
)

// Logger matches the root package's logging interface.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

type pageKey struct {
	file uint64
	page int64
}

func hashPageKey(k pageKey) uint32 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], k.file)
	binary.BigEndian.PutUint64(buf[8:], uint64(k.page))
	return uint32(xxhash.Sum64(buf[:]))
}

// Entry is a pinned page. Callers latch it (shared for reads, exclusive for
// mutations) while they hold the pin and release both in reverse order.
//
// Lock order: the cache mutex is never acquired while holding a page latch.
type Entry struct {
	cache     *PageCache
	fileID    uint64
	fileName  string
	pageIndex int64
	page      *base.Page

	latch sync.RWMutex
	pins  int // guarded by cache.mu
	dirty atomic.Bool
}

func (e *Entry) Page() *base.Page { return e.page }
func (e *Entry) FileID() uint64   { return e.fileID }
func (e *Entry) FileName() string { return e.fileName }
func (e *Entry) PageIndex() int64 { return e.pageIndex }

func (e *Entry) AcquireSharedLatch()    { e.latch.RLock() }
func (e *Entry) ReleaseSharedLatch()    { e.latch.RUnlock() }
func (e *Entry) AcquireExclusiveLatch() { e.latch.Lock() }
func (e *Entry) ReleaseExclusiveLatch() { e.latch.Unlock() }

// MarkDirty flags the page for write-back on eviction or flush.
func (e *Entry) MarkDirty() { e.dirty.Store(true) }

// Release drops one pin; shorthand for ReleasePage on the owning cache.
func (e *Entry) Release() { e.cache.ReleasePage(e) }

// Pin takes an additional pin, keeping the page resident. Atomic operations
// pin every page they journal until commit or rollback. Must not be called
// while holding the entry's latch.
func (e *Entry) Pin() {
	c := e.cache
	c.mu.Lock()
	if e.pins == 0 {
		c.lru.Remove(pageKey{e.fileID, e.pageIndex})
	}
	e.pins++
	c.mu.Unlock()
}

type fileState struct {
	id    uint64
	name  string
	file  *storage.File
	pages map[int64]*Entry
}

// PageCache is the pool. A single mutex guards the file registry, pin counts,
// and the LRU; page contents are protected by per-entry latches instead.
type PageCache struct {
	mu     sync.Mutex
	files  map[uint64]*fileState
	byName map[string]uint64
	nextID uint64
	lru    *freelru.LRU[pageKey, *Entry]
	logger Logger
	closed bool
}

// New creates a page cache holding up to capacity pages.
func New(capacity int, logger Logger) *PageCache {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	c := &PageCache{
		files:  make(map[uint64]*fileState),
		byName: make(map[string]uint64),
		logger: logger,
	}
	lru, err := freelru.New[pageKey, *Entry](uint32(capacity), hashPageKey)
	if err != nil {
		// Capacity is validated above; freelru only rejects zero.
		panic(err)
	}
	lru.SetOnEvict(c.onEvict)
	c.lru = lru
	return c
}

// onEvict runs under c.mu whenever the LRU drops an entry. Pinned entries are
// left alone; a failed write-back keeps the entry resident for the next flush.
func (c *PageCache) onEvict(k pageKey, e *Entry) {
	if e.pins > 0 {
		return
	}
	if e.dirty.Load() {
		if err := c.writeBack(e); err != nil {
			c.logger.Error("page write-back failed during eviction",
				"file", e.fileName, "page", e.pageIndex, "error", err)
			return
		}
	}
	if fs, ok := c.files[k.file]; ok {
		delete(fs.pages, k.page)
	}
}

func (c *PageCache) writeBack(e *Entry) error {
	fs, ok := c.files[e.fileID]
	if !ok {
		return ErrFileNotOpen
	}
	e.AcquireSharedLatch()
	defer e.ReleaseSharedLatch()
	if err := fs.file.WritePage(e.pageIndex, e.page); err != nil {
		return err
	}
	e.dirty.Store(false)
	return nil
}

// AddFile creates a new data file and registers it under the next file id.
func (c *PageCache) AddFile(name string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrCacheClosed
	}
	if _, ok := c.byName[name]; ok {
		return 0, errors.Wrap(ErrFileExists, name)
	}
	f, err := storage.Create(name)
	if err != nil {
		return 0, err
	}
	return c.register(name, f), nil
}

// OpenFile opens an existing file, returning the already-assigned id when the
// file is open.
func (c *PageCache) OpenFile(name string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrCacheClosed
	}
	if id, ok := c.byName[name]; ok {
		return id, nil
	}
	f, err := storage.Open(name)
	if err != nil {
		return 0, err
	}
	return c.register(name, f), nil
}

func (c *PageCache) register(name string, f *storage.File) uint64 {
	c.nextID++
	id := c.nextID
	c.files[id] = &fileState{id: id, name: name, file: f, pages: make(map[int64]*Entry)}
	c.byName[name] = id
	return id
}

// IsFileExists reports whether the file is open in the cache or present on disk.
func (c *PageCache) IsFileExists(name string) bool {
	c.mu.Lock()
	_, open := c.byName[name]
	c.mu.Unlock()
	return open || storage.Exists(name)
}

// LoadPage pins the page at pageIndex. Requesting a page beyond the end of
// the file returns (nil, nil) unless checkPin demands an existing page.
func (c *PageCache) LoadPage(fileID uint64, pageIndex int64, checkPin bool) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fs, ok := c.files[fileID]
	if !ok {
		return nil, ErrFileNotOpen
	}
	if e, ok := fs.pages[pageIndex]; ok {
		if e.pins == 0 {
			c.lru.Remove(pageKey{fileID, pageIndex})
		}
		e.pins++
		return e, nil
	}
	if pageIndex < 0 || pageIndex >= fs.file.PageCount() {
		if checkPin {
			return nil, errors.Wrapf(ErrPageMissing, "file %s page %d", fs.name, pageIndex)
		}
		return nil, nil
	}
	e := &Entry{cache: c, fileID: fileID, fileName: fs.name, pageIndex: pageIndex, page: &base.Page{}, pins: 1}
	if err := fs.file.ReadPage(pageIndex, e.page); err != nil {
		return nil, err
	}
	fs.pages[pageIndex] = e
	return e, nil
}

// AddPage appends a zeroed page to the file and returns it pinned.
func (c *PageCache) AddPage(fileID uint64) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fs, ok := c.files[fileID]
	if !ok {
		return nil, ErrFileNotOpen
	}
	index, err := fs.file.Allocate()
	if err != nil {
		return nil, err
	}
	e := &Entry{cache: c, fileID: fileID, fileName: fs.name, pageIndex: index, page: &base.Page{}, pins: 1}
	fs.pages[index] = e
	return e, nil
}

// ReleasePage drops one pin. A fully unpinned page becomes evictable.
func (c *PageCache) ReleasePage(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.pins--
	if e.pins == 0 {
		c.lru.Add(pageKey{e.fileID, e.pageIndex}, e)
	}
}

// FilledUpTo returns the number of pages in the file.
func (c *PageCache) FilledUpTo(fileID uint64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fs, ok := c.files[fileID]
	if !ok {
		return 0, ErrFileNotOpen
	}
	return fs.file.PageCount(), nil
}

// Flush writes all dirty pages of the file and syncs it.
func (c *PageCache) Flush(fileID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(fileID)
}

func (c *PageCache) flushLocked(fileID uint64) error {
	fs, ok := c.files[fileID]
	if !ok {
		return ErrFileNotOpen
	}
	for _, e := range fs.pages {
		if !e.dirty.Load() {
			continue
		}
		if err := c.writeBack(e); err != nil {
			return err
		}
	}
	return fs.file.Sync()
}

// FlushAll flushes every open file.
func (c *PageCache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.files {
		if err := c.flushLocked(id); err != nil {
			return err
		}
	}
	return nil
}

// CloseFile flushes (optionally) and closes one file, dropping its pages.
func (c *PageCache) CloseFile(fileID uint64, flush bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeFileLocked(fileID, flush)
}

func (c *PageCache) closeFileLocked(fileID uint64, flush bool) error {
	fs, ok := c.files[fileID]
	if !ok {
		return ErrFileNotOpen
	}
	if flush {
		if err := c.flushLocked(fileID); err != nil {
			return err
		}
	}
	for index, e := range fs.pages {
		if e.pins > 0 {
			return errors.Wrapf(ErrPagesPinned, "file %s page %d", fs.name, index)
		}
		c.lru.Remove(pageKey{fileID, index})
		delete(fs.pages, index)
	}
	delete(c.byName, fs.name)
	delete(c.files, fileID)
	return fs.file.Close()
}

// Close flushes (optionally) and closes every file, then shuts the cache down.
func (c *PageCache) Close(flush bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for id := range c.files {
		if err := c.closeFileLocked(id, flush); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closed = true
	return firstErr
}
