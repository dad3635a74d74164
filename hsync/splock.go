// Package hsync provides the busy-wait spinlock used for per-process message
// queues. The critical sections it protects are a handful of queue pointer
// updates, so spinning beats parking; the yield threshold keeps a preempted
// holder from stalling spinners forever when the core runs on a hosted
// scheduler.
package hsync

import (
	"runtime"
	"sync/atomic"
)

// Spinyield is the number of failed acquire attempts before a spinner yields
// its timeslice. Explicit so tests can reason about it.
const Spinyield = 64

type Splock_t struct {
	v uint32
}

func (sl *Splock_t) Lock() {
	spins := 0
	for !atomic.CompareAndSwapUint32(&sl.v, 0, 1) {
		spins++
		if spins >= Spinyield {
			spins = 0
			runtime.Gosched()
		}
	}
}

func (sl *Splock_t) Unlock() {
	if atomic.LoadUint32(&sl.v) == 0 {
		panic("unlock of unlocked splock")
	}
	atomic.StoreUint32(&sl.v, 0)
}
