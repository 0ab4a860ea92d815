package locking

import (
	"sync/atomic"
	"time"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
)

// fileLease is a held on-disk lock.
type fileLease struct {
	manager    *Manager
	name       string
	acquiredAt time.Time
	released   atomic.Bool
}

// Name returns the lock name.
func (l *fileLease) Name() string { return l.name }

// Nested reports false: this lease owns the lock file.
func (l *fileLease) Nested() bool { return false }

// Release removes the lock file if this process still owns it. Releasing a
// lease whose lock was force-expired and retaken just logs; the new owner
// keeps it. Release is idempotent.
func (l *fileLease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	return l.manager.release(l)
}

// nestedLease is handed out for re-entrant acquires: the lock is already
// held by this process or was inherited from a parent pipeline. Release does
// nothing; the outermost owner releases the real lock.
type nestedLease struct {
	name string
}

func (l *nestedLease) Name() string   { return l.name }
func (l *nestedLease) Nested() bool   { return true }
func (l *nestedLease) Release() error { return nil }

var (
	_ core.Lease = (*fileLease)(nil)
	_ core.Lease = (*nestedLease)(nil)
)
