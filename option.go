package bonsai

import (
	"bytes"

	"bonsai/internal/base"
	"bonsai/internal/cache"
	"bonsai/internal/wal"
)

// SyncMode controls when writes are fsynced; see the wal package constants.
type SyncMode = wal.SyncMode

const (
	// SyncEveryCommit fsyncs the log on every committed operation.
	SyncEveryCommit = wal.SyncEveryCommit
	// SyncBytes fsyncs once a configured number of bytes has been logged.
	SyncBytes = wal.SyncBytes
	// SyncOff disables fsync entirely (testing/bulk loads only).
	SyncOff = wal.SyncOff
)

// Options configures a Storage.
type Options struct {
	bucketSize            int
	freeSpaceReuseTrigger float64
	syncMode              SyncMode
	bytesPerSync          int
	cachePages            int
	comparator            Comparator
	logger                Logger
}

func defaultOptions() Options {
	return Options{
		bucketSize:            base.DefaultBucketSize,
		freeSpaceReuseTrigger: 0.5,
		syncMode:              SyncEveryCommit,
		bytesPerSync:          1024 * 1024,
		cachePages:            cache.DefaultCapacity,
		comparator:            bytes.Compare,
		logger:                DiscardLogger{},
	}
}

// Option configures storage behavior using the functional options pattern.
type Option func(*Options)

// WithBucketSize sets the subpage size in bytes. It must divide the page size
// evenly and leave room for at least one branch entry.
func WithBucketSize(size int) Option {
	return func(o *Options) {
		o.bucketSize = size
	}
}

// WithFreeSpaceReuseTrigger sets the free-list ratio above which the
// allocator prefers recycled buckets over fresh file space.
func WithFreeSpaceReuseTrigger(ratio float64) Option {
	return func(o *Options) {
		o.freeSpaceReuseTrigger = ratio
	}
}

// WithSyncMode selects the log durability mode.
func WithSyncMode(mode SyncMode) Option {
	return func(o *Options) {
		o.syncMode = mode
	}
}

// WithBytesPerSync sets the fsync interval for SyncBytes mode.
func WithBytesPerSync(n int) Option {
	return func(o *Options) {
		o.bytesPerSync = n
	}
}

// WithCachePages sets the page cache capacity in pages.
func WithCachePages(n int) Option {
	return func(o *Options) {
		o.cachePages = n
	}
}

// WithComparator overrides the key ordering. The default compares encoded
// keys bytewise.
func WithComparator(cmp Comparator) Option {
	return func(o *Options) {
		o.comparator = cmp
	}
}

// WithLogger installs a logger. See the logger package for adapters.
func WithLogger(l Logger) Option {
	return func(o *Options) {
		o.logger = l
	}
}
