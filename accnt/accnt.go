// Package accnt accumulates per-process CPU time. The scheduler charges
// elapsed run time here; the fair-share policy reads the total back as the
// process's vruntime key.
package accnt

import "sync/atomic"

type Accnt_t struct {
	// nanoseconds of CPU consumed
	Runns int64
}

func (a *Accnt_t) Charge(ns int64) {
	if ns < 0 {
		panic("negative charge")
	}
	atomic.AddInt64(&a.Runns, ns)
}

func (a *Accnt_t) Total() int64 {
	return atomic.LoadInt64(&a.Runns)
}
