package scheduler

import (
	"sync"
)

// OwnerLocks provides per-owner mutual exclusion for enqueue.
// Uses a keyed mutex pattern: each owner gets its own mutex, so concurrent
// submissions by one owner are serialized while different owners never block
// each other. Entries are dropped when no goroutine holds or waits on them.
type OwnerLocks struct {
	mu    sync.Mutex           // Guards the locks map itself
	locks map[int64]*ownerLock // Per-owner mutexes
}

type ownerLock struct {
	mu   sync.Mutex
	refs int // Holders plus waiters
}

// NewOwnerLocks creates a new OwnerLocks.
func NewOwnerLocks() *OwnerLocks {
	return &OwnerLocks{
		locks: make(map[int64]*ownerLock),
	}
}

// Lock acquires the mutex for ownerID, creating it on first access.
func (o *OwnerLocks) Lock(ownerID int64) {
	o.mu.Lock()
	l, exists := o.locks[ownerID]
	if !exists {
		l = &ownerLock{}
		o.locks[ownerID] = l
	}
	l.refs++
	o.mu.Unlock()

	// Acquire outside the manager lock so other owners are not held up
	l.mu.Lock()
}

// Unlock releases the mutex for ownerID.
func (o *OwnerLocks) Unlock(ownerID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	l, exists := o.locks[ownerID]
	if !exists {
		return
	}
	l.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(o.locks, ownerID)
	}
}

// Len returns the number of owners currently holding or waiting on a lock.
func (o *OwnerLocks) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.locks)
}
