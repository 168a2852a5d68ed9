package wal

import (
	"sync"
	"sync/atomic"

	"bonsai/internal/base"
	"bonsai/internal/cache"
)

// Manager coordinates atomic operations and component-level read locks. One
// operation may be in flight per exclusive tree lock; the manager itself only
// sequences log appends and hands out operation ids.
type Manager struct {
	wal    *WAL
	logger cache.Logger

	seq     atomic.Uint64
	mu      sync.Mutex
	current *AtomicOperation

	componentMu sync.Mutex
	components  map[any]*sync.RWMutex
}

// NewManager wires the manager to its log.
func NewManager(w *WAL, logger cache.Logger) *Manager {
	return &Manager{wal: w, logger: logger, components: make(map[any]*sync.RWMutex)}
}

// AtomicOperation is one WAL-backed unit of mutation. Pages are registered on
// first touch; their change sets accumulate until End commits (append to log)
// or rolls back (undo in reverse order).
type AtomicOperation struct {
	mgr          *Manager
	seq          uint64
	rollbackOnly bool

	mu    sync.Mutex
	pages []*trackedPage
	index map[pageRef]int
}

type pageRef struct {
	file string
	page int64
}

type trackedPage struct {
	entry   *cache.Entry
	changes *base.ChangeSet
}

// StartAtomicOperation begins a new operation. rollbackOnlyOnError is recorded
// on the operation but not consulted: EndAtomicOperation commits or rolls back
// exactly as its caller asks.
func (m *Manager) StartAtomicOperation(rollbackOnlyOnError bool) *AtomicOperation {
	op := &AtomicOperation{
		mgr:          m,
		seq:          m.seq.Add(1),
		rollbackOnly: rollbackOnlyOnError,
		index:        make(map[pageRef]int),
	}
	m.mu.Lock()
	m.current = op
	m.mu.Unlock()
	return op
}

// Current returns the operation most recently started and not yet ended, or
// nil. Read paths run against the committed state and pass a nil operation.
func (m *Manager) Current() *AtomicOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// EndAtomicOperation finishes op. With rollback set, every tracked page is
// restored to its pre-operation bytes; otherwise the accumulated deltas are
// appended to the log. The pages' extra pins are dropped either way.
func (m *Manager) EndAtomicOperation(op *AtomicOperation, rollback bool) error {
	m.mu.Lock()
	if m.current == op {
		m.current = nil
	}
	m.mu.Unlock()

	op.mu.Lock()
	pages := op.pages
	op.pages = nil
	op.mu.Unlock()

	var err error
	if rollback {
		for i := len(pages) - 1; i >= 0; i-- {
			tp := pages[i]
			tp.entry.AcquireExclusiveLatch()
			tp.changes.Rollback(tp.entry.Page())
			tp.entry.ReleaseExclusiveLatch()
		}
	} else {
		deltas := make([]PageDelta, 0, len(pages))
		for _, tp := range pages {
			if tp.changes.Empty() {
				continue
			}
			tp.entry.MarkDirty()
			deltas = append(deltas, PageDelta{
				FileName:  tp.entry.FileName(),
				PageIndex: tp.entry.PageIndex(),
				Changes:   tp.changes,
			})
		}
		if len(deltas) > 0 {
			if err = m.wal.Append(op.seq, deltas); err != nil {
				m.logger.Error("wal append failed, operation not durable",
					"seq", op.seq, "error", err)
			}
		}
	}

	for _, tp := range pages {
		tp.entry.Release()
	}
	return err
}

// Changes returns the change set journaling mutations of the given page
// within op, registering (and pinning) the page on first touch. Must be
// called before the page latch is taken; see the cache lock order.
func (op *AtomicOperation) Changes(e *cache.Entry) *base.ChangeSet {
	ref := pageRef{file: e.FileName(), page: e.PageIndex()}
	op.mu.Lock()
	defer op.mu.Unlock()
	if i, ok := op.index[ref]; ok {
		return op.pages[i].changes
	}
	e.Pin()
	cs := &base.ChangeSet{}
	op.index[ref] = len(op.pages)
	op.pages = append(op.pages, &trackedPage{entry: e, changes: cs})
	return cs
}

// AcquireReadLock takes the component lock shared; it excludes holders of
// AcquireWriteLock on the same component. Storage checkpoints do not take
// the component lock.
func (m *Manager) AcquireReadLock(component any) {
	m.lockFor(component).RLock()
}

// ReleaseReadLock releases the shared component lock.
func (m *Manager) ReleaseReadLock(component any) {
	m.lockFor(component).RUnlock()
}

// AcquireWriteLock takes the component lock exclusively.
func (m *Manager) AcquireWriteLock(component any) {
	m.lockFor(component).Lock()
}

// ReleaseWriteLock releases the exclusive component lock.
func (m *Manager) ReleaseWriteLock(component any) {
	m.lockFor(component).Unlock()
}

func (m *Manager) lockFor(component any) *sync.RWMutex {
	m.componentMu.Lock()
	defer m.componentMu.Unlock()
	l, ok := m.components[component]
	if !ok {
		l = &sync.RWMutex{}
		m.components[component] = l
	}
	return l
}
