// Package storage provides page-granular file I/O for the cache layer.
package storage

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"bonsai/internal/base"
)

// File is a page-structured data file. All reads and writes move whole pages.
type File struct {
	mu    sync.Mutex
	f     *os.File
	pages int64
}

// Create creates a new file. It fails if the path already exists.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "create data file")
	}
	return &File{f: f}, nil
}

// Open opens an existing file and derives its page count from the size.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open data file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat data file")
	}
	return &File{f: f, pages: info.Size() / base.PageSize}, nil
}

// Exists reports whether a file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadPage fills page with the contents of page index.
func (fl *File) ReadPage(index int64, page *base.Page) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if index < 0 || index >= fl.pages {
		return errors.Errorf("read of page %d beyond end of file (%d pages)", index, fl.pages)
	}
	_, err := fl.f.ReadAt(page.Data[:], index*base.PageSize)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.Wrapf(err, "read page %d", index)
}

// WritePage writes page at page index. Writing one page past the end grows
// the file.
func (fl *File) WritePage(index int64, page *base.Page) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if index < 0 || index > fl.pages {
		return errors.Errorf("write of page %d beyond end of file (%d pages)", index, fl.pages)
	}
	if _, err := fl.f.WriteAt(page.Data[:], index*base.PageSize); err != nil {
		return errors.Wrapf(err, "write page %d", index)
	}
	if index == fl.pages {
		fl.pages++
	}
	return nil
}

// Allocate appends one zeroed page and returns its index.
func (fl *File) Allocate() (int64, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	var zero base.Page
	index := fl.pages
	if _, err := fl.f.WriteAt(zero.Data[:], index*base.PageSize); err != nil {
		return 0, errors.Wrap(err, "extend data file")
	}
	fl.pages++
	return index, nil
}

// PageCount returns the number of pages currently in the file.
func (fl *File) PageCount() int64 {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.pages
}

// Sync flushes file contents to stable storage.
func (fl *File) Sync() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return errors.Wrap(datasync(fl.f), "sync data file")
}

// Close closes the underlying file without flushing.
func (fl *File) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return errors.Wrap(fl.f.Close(), "close data file")
}
