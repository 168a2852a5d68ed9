package bonsai

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionedLockManagerSharedReaders(t *testing.T) {
	t.Parallel()

	var m PartitionedLockManager
	var wg sync.WaitGroup
	var concurrent atomic.Int32
	var peak atomic.Int32

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.LockShared(7)
			n := concurrent.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			concurrent.Add(-1)
			m.UnlockShared(7)
		}()
	}
	wg.Wait()
	assert.Positive(t, peak.Load())
}

func TestPartitionedLockManagerExclusive(t *testing.T) {
	t.Parallel()

	var m PartitionedLockManager
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.LockExclusive(3)
			counter++
			m.UnlockExclusive(3)
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, counter)
}

func TestPartitionedLockManagerDistinctIDs(t *testing.T) {
	t.Parallel()

	var m PartitionedLockManager

	// Creation-time locking uses id -1 before a real file id exists.
	m.LockExclusive(-1)
	m.UnlockExclusive(-1)
	m.LockShared(123456)
	m.UnlockShared(123456)
}
