// Package spinlock provides a small backoff spinlock used by the page
// heap and central cache, where critical sections are a handful of
// pointer writes and a syscall-free lock must never block on the Go
// scheduler the way sync.Mutex can under contention.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// yieldThreshold is the number of failed CAS spins before the spinner
// starts yielding its OS thread instead of busy-spinning, so one
// contended lock can't monopolize a core.
const yieldThreshold = 32

// Spinlock is a mutual-exclusion lock that never parks a goroutine in
// the scheduler; it spins with bounded exponential back-off and then
// yields. Zero value is unlocked.
type Spinlock struct {
	state uint32
}

// Lock blocks until the spinlock is acquired.
func (l *Spinlock) Lock() {
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		return
	}
	l.lockSlow()
}

func (l *Spinlock) lockSlow() {
	spins := 0
	for {
		if spins > yieldThreshold {
			runtime.Gosched()
		} else {
			busyWait(backoff(spins))
		}
		if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}
		spins++
	}
}

// busyWait runs n iterations of a loop on a local variable without
// involving the scheduler, the cheap half of the back-off; it does not
// read the lock word.
func busyWait(n int) {
	var sink uint32
	for i := 0; i < n; i++ {
		sink += uint32(i)
	}
	_ = sink
}

// Unlock releases the spinlock. Unlocking an already-unlocked spinlock
// is a programmer error and panics, mirroring sync.Mutex.
func (l *Spinlock) Unlock() {
	if !atomic.CompareAndSwapUint32(&l.state, 1, 0) {
		panic("spinlock: unlock of unlocked lock")
	}
}

// TryLock attempts to acquire the lock without blocking.
func (l *Spinlock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// backoff returns the number of spin iterations for the given attempt,
// capped to avoid unbounded growth under sustained contention.
func backoff(attempt int) int {
	const cap = 1 << 8
	n := 1 << uint(attempt)
	if n > cap || n <= 0 {
		return cap
	}
	return n
}
