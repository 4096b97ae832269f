package nvmesync

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is an unfair test-and-set spinlock. Callers that expect to hold
// it for more than a handful of instructions should use sync.Mutex instead;
// this type exists for microsecond-scale critical sections such as the
// hugepage hash table's.
type SpinLock struct {
	locked atomic.Bool
}

// Init resets the lock to unlocked.
func (s *SpinLock) Init() { s.locked.Store(false) }

// Lock spins until the lock is acquired, yielding the CPU via PauseHint
// between attempts.
func (s *SpinLock) Lock() {
	for !s.locked.CompareAndSwap(false, true) {
		for s.locked.Load() {
			PauseHint()
		}
	}
}

// Unlock releases the lock.
func (s *SpinLock) Unlock() { s.locked.Store(false) }

// TryLock attempts to acquire the lock without spinning and reports whether
// it succeeded.
func (s *SpinLock) TryLock() bool { return s.locked.CompareAndSwap(false, true) }

// IsLocked reports whether the lock is currently held.
func (s *SpinLock) IsLocked() bool { return s.locked.Load() }

// PauseHint yields the processor briefly inside a spin loop. Go has no
// portable PAUSE/YIELD intrinsic exposed to user code, so this calls
// runtime.Gosched, which is the idiomatic substitute used throughout the
// standard library's own spin loops (e.g. sync.Mutex's starvation path).
func PauseHint() { runtime.Gosched() }
