// Package spinlock implements the single machine-word test-and-set lock
// C1 specifies: non-reentrant, no priority inheritance, safe to use from
// any CPU, and never held across an operation that may suspend the
// current thread (spec §4.1, §5).
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a mutual-exclusion primitive built on a single atomic
// flag. It must never be held across a call that can suspend the
// calling thread (IPC wait, nanosleep, yield, preemption boundary) —
// see spec §5's suspension-point rules.
type Spinlock struct {
	flag uint32
}

// Lock spins, using an atomic compare-and-swap acquire, until the lock
// is taken. A runtime.Gosched hint stands in for the architecture's
// pause instruction inside the spin loop.
func (s *Spinlock) Lock() {
	for !atomic.CompareAndSwapUint32(&s.flag, 0, 1) {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without spinning and reports
// whether it succeeded. This is the only acquisition primitive allowed
// on the klog emergency path (spec §4.2, §4.9) and in panic re-entry
// guards, since it never blocks.
func (s *Spinlock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&s.flag, 0, 1)
}

// Unlock releases the lock with an atomic store-release.
func (s *Spinlock) Unlock() {
	atomic.StoreUint32(&s.flag, 0)
}
