// Package wal implements the write-ahead log and the atomic-operation
// manager. Every mutation of a tree runs inside an AtomicOperation: the
// page-level deltas it produces are journaled, appended to the log on commit,
// and undone in memory on rollback.
package wal

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"bonsai/internal/base"
)

// SyncMode controls when the log is fsynced to disk.
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every operation commit.
	// Zero data loss on power failure, bounded by fsync latency.
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs once at least bytesPerSync bytes have been appended
	// since the last fsync. Bounded data loss, higher throughput.
	SyncBytes

	// SyncOff never fsyncs (testing/bulk loads only).
	SyncOff
)

var ErrTornRecord = errors.New("torn or corrupt wal record")

// PageDelta is one page's change set within a committed operation.
type PageDelta struct {
	FileName  string
	PageIndex int64
	Changes   *base.ChangeSet
}

// WAL is an append-only log of committed operations. A record is
//
//	len(u32) seq(u64) pageCount(u32)
//	  per page: nameLen(u16) name pageIndex(i64) dataLen(u32) data
//	checksum(u64, xxhash64 of everything before it)
//
// A record with a bad length or checksum ends replay: it is the torn tail of
// a crashed append.
type WAL struct {
	mu             sync.Mutex
	file           *os.File
	syncMode       SyncMode
	bytesPerSync   int
	bytesSinceSync int
}

// OpenWAL opens (or creates) the log at path.
func OpenWAL(path string, mode SyncMode, bytesPerSync int) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "seek wal")
	}
	return &WAL{file: f, syncMode: mode, bytesPerSync: bytesPerSync}, nil
}

// Append writes one committed operation and syncs per the configured mode.
func (w *WAL) Append(seq uint64, deltas []PageDelta) error {
	record := encodeRecord(seq, deltas)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(record); err != nil {
		return errors.Wrap(err, "append wal record")
	}
	w.bytesSinceSync += len(record)
	switch w.syncMode {
	case SyncEveryCommit:
		return w.syncLocked()
	case SyncBytes:
		if w.bytesSinceSync >= w.bytesPerSync {
			return w.syncLocked()
		}
	}
	return nil
}

func encodeRecord(seq uint64, deltas []PageDelta) []byte {
	body := make([]byte, 0, 64)
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], seq)
	body = append(body, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(deltas)))
	body = append(body, tmp[:4]...)
	for _, d := range deltas {
		binary.BigEndian.PutUint16(tmp[:2], uint16(len(d.FileName)))
		body = append(body, tmp[:2]...)
		body = append(body, d.FileName...)
		binary.BigEndian.PutUint64(tmp[:], uint64(d.PageIndex))
		body = append(body, tmp[:]...)
		data := d.Changes.Encode()
		binary.BigEndian.PutUint32(tmp[:4], uint32(len(data)))
		body = append(body, tmp[:4]...)
		body = append(body, data...)
	}

	record := make([]byte, 0, 4+len(body)+8)
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(body)))
	record = append(record, tmp[:4]...)
	record = append(record, body...)
	binary.BigEndian.PutUint64(tmp[:], xxhash.Sum64(record))
	return append(record, tmp[:]...)
}

// Replay streams every intact record in order. Replay stops silently at the
// first torn record; anything behind it was never acknowledged as committed.
func (w *WAL) Replay(apply func(seq uint64, deltas []PageDelta) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewind wal")
	}
	defer w.file.Seek(0, io.SeekEnd)

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(w.file, lenBuf[:]); err != nil {
			return nil // clean EOF or torn length prefix
		}
		bodyLen := int(binary.BigEndian.Uint32(lenBuf[:]))
		buf := make([]byte, bodyLen+8)
		if _, err := io.ReadFull(w.file, buf); err != nil {
			return nil
		}
		sum := binary.BigEndian.Uint64(buf[bodyLen:])
		digest := xxhash.New()
		digest.Write(lenBuf[:])
		digest.Write(buf[:bodyLen])
		if digest.Sum64() != sum {
			return nil
		}
		seq, deltas, err := decodeBody(buf[:bodyLen])
		if err != nil {
			return err
		}
		if err := apply(seq, deltas); err != nil {
			return err
		}
	}
}

func decodeBody(body []byte) (uint64, []PageDelta, error) {
	if len(body) < 12 {
		return 0, nil, ErrTornRecord
	}
	seq := binary.BigEndian.Uint64(body)
	count := int(binary.BigEndian.Uint32(body[8:]))
	body = body[12:]
	deltas := make([]PageDelta, 0, count)
	for i := 0; i < count; i++ {
		if len(body) < 2 {
			return 0, nil, ErrTornRecord
		}
		nameLen := int(binary.BigEndian.Uint16(body))
		body = body[2:]
		if len(body) < nameLen+12 {
			return 0, nil, ErrTornRecord
		}
		name := string(body[:nameLen])
		body = body[nameLen:]
		pageIndex := int64(binary.BigEndian.Uint64(body))
		dataLen := int(binary.BigEndian.Uint32(body[8:]))
		body = body[12:]
		if len(body) < dataLen {
			return 0, nil, ErrTornRecord
		}
		cs, err := base.DecodeChangeSet(body[:dataLen])
		if err != nil {
			return 0, nil, errors.Wrap(ErrTornRecord, err.Error())
		}
		body = body[dataLen:]
		deltas = append(deltas, PageDelta{FileName: name, PageIndex: pageIndex, Changes: cs})
	}
	return seq, deltas, nil
}

// Truncate discards the log after a checkpoint has made its contents durable
// in the data files.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate wal")
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewind wal")
	}
	w.bytesSinceSync = 0
	return w.syncLocked()
}

// ForceSync fsyncs regardless of mode.
func (w *WAL) ForceSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bytesSinceSync = 0
	return errors.Wrap(w.file.Sync(), "sync wal")
}

func (w *WAL) syncLocked() error {
	if w.syncMode == SyncOff {
		return nil
	}
	w.bytesSinceSync = 0
	return errors.Wrap(w.file.Sync(), "sync wal")
}

// Close closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Wrap(w.file.Close(), "close wal")
}
