package bonsai

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"bonsai/internal/base"
	"bonsai/internal/cache"
	"bonsai/internal/wal"
)

// PageSize is the fixed on-disk page size.
const PageSize = base.PageSize

// Comparator orders serialized keys; the default is bytes.Compare.
type Comparator = base.Comparator

// BucketPointer addresses one bucket inside a file.
type BucketPointer = base.BucketPointer

// NullPointer marks the absence of a bucket.
var NullPointer = base.NullPointer

const walFileName = "bonsai.wal"

// Storage is the shared environment for every tree in a directory: one page
// cache, one write-ahead log, one atomic-operation manager.
type Storage struct {
	dir    string
	opts   Options
	cache  *cache.PageCache
	wal    *wal.WAL
	atomic *wal.Manager
	logger Logger

	mu     sync.Mutex
	closed bool
}

// Open opens (creating if needed) a storage directory and recovers any
// committed operations the data files missed.
func Open(dir string, options ...Option) (*Storage, error) {
	opts := defaultOptions()
	for _, option := range options {
		option(&opts)
	}
	if opts.bucketSize < base.BucketHeaderSize+64 || opts.bucketSize > base.PageSize ||
		base.PageSize%opts.bucketSize != 0 {
		return nil, errors.Wrapf(ErrBucketTooSmall, "bucket size %d", opts.bucketSize)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create storage directory")
	}

	log, err := wal.OpenWAL(filepath.Join(dir, walFileName), opts.syncMode, opts.bytesPerSync)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		dir:    dir,
		opts:   opts,
		cache:  cache.New(opts.cachePages, opts.logger),
		wal:    log,
		atomic: wal.NewManager(log, opts.logger),
		logger: opts.logger,
	}

	if err := s.recover(); err != nil {
		log.Close()
		s.cache.Close(false)
		return nil, err
	}
	return s, nil
}

// recover replays committed log records whose pages may not have reached the
// data files, then checkpoints and truncates the log.
func (s *Storage) recover() error {
	replayed := 0
	err := s.wal.Replay(func(seq uint64, deltas []wal.PageDelta) error {
		for _, d := range deltas {
			if !s.cache.IsFileExists(d.FileName) {
				s.logger.Warn("wal references a missing file, skipping",
					"file", d.FileName, "page", d.PageIndex)
				continue
			}
			fileID, err := s.cache.OpenFile(d.FileName)
			if err != nil {
				return err
			}
			entry, err := s.cache.LoadPage(fileID, d.PageIndex, false)
			if err != nil {
				return err
			}
			if entry == nil {
				s.logger.Warn("wal references a missing page, skipping",
					"file", d.FileName, "page", d.PageIndex)
				continue
			}
			entry.AcquireExclusiveLatch()
			d.Changes.Redo(entry.Page())
			entry.ReleaseExclusiveLatch()
			entry.MarkDirty()
			entry.Release()
		}
		replayed++
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "wal replay")
	}
	if replayed > 0 {
		s.logger.Info("recovered committed operations from wal", "operations", replayed)
	}
	if err := s.cache.FlushAll(); err != nil {
		return err
	}
	return s.wal.Truncate()
}

// Flush checkpoints: all dirty pages reach their files, then the log is
// truncated.
func (s *Storage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	if err := s.cache.FlushAll(); err != nil {
		return err
	}
	return s.wal.Truncate()
}

// Close checkpoints and releases every resource. Files of trees that are still
// open are flushed and closed; those handles then report ErrStorageClosed.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	s.closed = true

	if err := s.cache.Close(true); err != nil {
		s.wal.Close()
		return err
	}
	if err := s.wal.Truncate(); err != nil {
		s.wal.Close()
		return err
	}
	return s.wal.Close()
}

func (s *Storage) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
