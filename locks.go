package bonsai

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// lockPartitions is the stripe count of the partitioned lock manager.
const lockPartitions = 64

// PartitionedLockManager is a striped RW lock table keyed by an opaque id
// (here, a file id). Readers of a tree share its stripe; writers own it.
type PartitionedLockManager struct {
	stripes [lockPartitions]sync.RWMutex
}

func (m *PartitionedLockManager) stripe(id int64) *sync.RWMutex {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return &m.stripes[xxhash.Sum64(buf[:])&(lockPartitions-1)]
}

// LockShared acquires the stripe for id shared.
func (m *PartitionedLockManager) LockShared(id int64) {
	m.stripe(id).RLock()
}

// UnlockShared releases a shared acquisition.
func (m *PartitionedLockManager) UnlockShared(id int64) {
	m.stripe(id).RUnlock()
}

// LockExclusive acquires the stripe for id exclusively.
func (m *PartitionedLockManager) LockExclusive(id int64) {
	m.stripe(id).Lock()
}

// UnlockExclusive releases an exclusive acquisition.
func (m *PartitionedLockManager) UnlockExclusive(id int64) {
	m.stripe(id).Unlock()
}
