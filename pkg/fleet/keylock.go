package fleet

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyLock serializes lifecycle operations per service ID. An entry lives
// while at least one caller holds or waits for it, so a deleted service
// leaves nothing behind and waiters always share the same mutex.
type keyLock struct {
	locks *xsync.Map[string, *lockEntry]
}

func newKeyLock() *keyLock {
	return &keyLock{locks: xsync.NewMap[string, *lockEntry]()}
}

func (k *keyLock) lock(id string) func() {
	entry, _ := k.locks.Compute(id, func(old *lockEntry, loaded bool) (*lockEntry, xsync.ComputeOp) {
		if !loaded {
			old = &lockEntry{}
		}
		old.refs++
		return old, xsync.UpdateOp
	})
	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.release(id)
	}
}

func (k *keyLock) release(id string) {
	k.locks.Compute(id, func(old *lockEntry, loaded bool) (*lockEntry, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		old.refs--
		if old.refs <= 0 {
			return old, xsync.DeleteOp
		}
		return old, xsync.UpdateOp
	})
}

func (k *keyLock) size() int {
	return k.locks.Size()
}
