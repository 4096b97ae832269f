package nvmesync

import "sync/atomic"

// RWLock is a single-counter reader/writer lock: 0 means unlocked, a
// positive count is the number of active readers, -1 means a writer holds
// it. It is deliberately not sync.RWMutex: this lock spins and is unfair.
// A writer acquires it only once the reader count drops to zero, so a
// steady stream of new readers can keep a writer waiting.
type RWLock struct {
	cnt atomic.Int32
}

// Init resets the lock to unlocked.
func (l *RWLock) Init() { l.cnt.Store(0) }

// RLock spins until a read lock is acquired.
func (l *RWLock) RLock() {
	for {
		x := l.cnt.Load()
		if x < 0 {
			PauseHint()
			continue
		}
		if l.cnt.CompareAndSwap(x, x+1) {
			return
		}
	}
}

// RUnlock releases a read lock.
func (l *RWLock) RUnlock() { l.cnt.Add(-1) }

// Lock spins until the write lock is acquired.
func (l *RWLock) Lock() {
	for {
		if l.cnt.CompareAndSwap(0, -1) {
			return
		}
		PauseHint()
	}
}

// Unlock releases the write lock.
func (l *RWLock) Unlock() { l.cnt.Store(0) }
