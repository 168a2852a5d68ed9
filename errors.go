package bonsai

import (
	"errors"

	"bonsai/internal/base"
	"bonsai/internal/cache"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrCorruption        = errors.New("data corruption detected")
	ErrStorageClosed     = errors.New("storage is closed")
	ErrTreeDeleted       = errors.New("tree has been deleted")
	ErrDescendingScan    = errors.New("descending sort order is not supported")
	ErrUnknownSerializer = errors.New("unknown serializer id")
	ErrValueNotCounter   = errors.New("value serializer does not decode counters")
	ErrBucketTooSmall    = errors.New("bucket size cannot hold a single branch entry")
	ErrEntryTooLarge     = base.ErrEntryTooLarge
	ErrFileExists        = cache.ErrFileExists
	ErrFileNotOpen       = cache.ErrFileNotOpen
)
