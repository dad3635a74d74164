// Package sched picks which Ready process each CPU runs next. Two policies
// coexist: fair-share (lowest accumulated run time wins) and deadline
// (earliest absolute deadline among admitted real-time processes wins), with
// fixed-point utilization admission control in front of the deadline policy.
//
// Scheduling is selection plus dispatch only; it never suspends its caller.
// Preemption is external: a timer tick re-invokes Resched, and a process that
// blocks simply stops being Ready, so the per-CPU loop driving Resched picks
// someone else. The ready set is the Ready-state slice of the process table,
// scanned under the table lock, which doubles as the single global scheduling
// lock (see DESIGN.md).
package sched

import (
	"time"

	"gokern/defs"
	"gokern/proc"
	"gokern/stats"
)

// fixed-point utilization scale and the deadline-schedulability bound (70%).
const UTILSCALE int64 = 1000000
const UTILCAP int64 = 700000

type curcpu_t struct {
	p *proc.Proc_t
	// pid at dispatch time; a mismatch means the slot was reclaimed and
	// the record must not be charged
	pid   int
	since int64
}

type Sched_t struct {
	pt   *proc.Ptable_t
	curs [defs.MAXCPUS]curcpu_t
	// injectable clock
	now func() int64

	Dispatches stats.Counter_t
	Idles      stats.Counter_t
}

func Mksched(pt *proc.Ptable_t) *Sched_t {
	return &Sched_t{
		pt:  pt,
		now: func() int64 { return time.Now().UnixNano() },
	}
}

// Setclock replaces the dispatch clock.
func (sd *Sched_t) Setclock(now func() int64) {
	sd.now = now
}

// Resched runs the fair-share policy for cpu: charge the outgoing process
// for its elapsed time, return it to the ready set, then dispatch the Ready
// process with the lowest accumulated run time. Returns nil when no process
// is Ready.
func (sd *Sched_t) Resched(cpu int) *proc.Proc_t {
	sd.pt.Lock()
	defer sd.pt.Unlock()
	sd.charge(cpu)
	sd.preempt(cpu)
	return sd.dispatch(cpu, sd.pickfair())
}

// Resched_rt is Resched under the deadline policy: earliest absolute
// deadline among Ready real-time processes.
func (sd *Sched_t) Resched_rt(cpu int) *proc.Proc_t {
	sd.pt.Lock()
	defer sd.pt.Unlock()
	sd.charge(cpu)
	sd.preempt(cpu)
	return sd.dispatch(cpu, sd.pickrt())
}

// Admit runs admission control for a real-time request with the given
// relative deadline and worst-case execution time, both in ns. Rejection
// leaves all scheduler and process state unchanged. On acceptance the
// process's priority is forced to the maximum so the fair-share path can
// never starve it; the caller then invokes the deadline dispatch.
func (sd *Sched_t) Admit(p *proc.Proc_t, deadline, wcet int64) defs.Err_t {
	if deadline <= 0 || wcet <= 0 || wcet > deadline {
		return -defs.EINVAL
	}
	sd.pt.Lock()
	defer sd.pt.Unlock()

	util := wcet * UTILSCALE / deadline
	sd.pt.Iter(func(q *proc.Proc_t) bool {
		if q.Rt && q != p {
			util += q.Wcet * UTILSCALE / q.Period
		}
		return true
	})
	if util > UTILCAP {
		return -defs.EBUSY
	}

	p.Rt = true
	p.Wcet = wcet
	p.Period = deadline
	p.Deadline = sd.now() + deadline
	p.Priority = 0
	return 0
}

// Rtutil returns the admitted fixed-point utilization.
func (sd *Sched_t) Rtutil() int64 {
	sd.pt.Lock()
	defer sd.pt.Unlock()
	util := int64(0)
	sd.pt.Iter(func(q *proc.Proc_t) bool {
		if q.Rt {
			util += q.Wcet * UTILSCALE / q.Period
		}
		return true
	})
	return util
}

// Curpid returns the pid running on cpu, or zero.
func (sd *Sched_t) Curpid(cpu int) int {
	sd.pt.Lock()
	defer sd.pt.Unlock()
	cur := &sd.curs[cpu]
	if cur.p == nil || cur.p.Pid != cur.pid {
		return 0
	}
	return cur.pid
}

func (sd *Sched_t) charge(cpu int) {
	cur := &sd.curs[cpu]
	if cur.p == nil {
		return
	}
	if cur.p.Pid != cur.pid {
		// slot was reclaimed out from under us
		cur.p = nil
		return
	}
	now := sd.now()
	cur.p.Atime.Charge(now - cur.since)
	cur.since = now
}

func (sd *Sched_t) preempt(cpu int) {
	cur := &sd.curs[cpu]
	if cur.p != nil && cur.p.Pid == cur.pid {
		// still running: back to the ready set. blocked and zombie
		// processes already left Running.
		cur.p.Casstate(defs.SRUNNING, defs.SREADY)
	}
	cur.p = nil
	cur.pid = 0
}

func (sd *Sched_t) pickfair() *proc.Proc_t {
	var best *proc.Proc_t
	sd.pt.Iter(func(p *proc.Proc_t) bool {
		if p.State() != defs.SREADY {
			return true
		}
		if best == nil || p.Atime.Total() < best.Atime.Total() {
			best = p
		}
		return true
	})
	return best
}

func (sd *Sched_t) pickrt() *proc.Proc_t {
	var best *proc.Proc_t
	sd.pt.Iter(func(p *proc.Proc_t) bool {
		if !p.Rt || p.State() != defs.SREADY {
			return true
		}
		if best == nil || p.Deadline < best.Deadline {
			best = p
		}
		return true
	})
	return best
}

func (sd *Sched_t) dispatch(cpu int, chosen *proc.Proc_t) *proc.Proc_t {
	if chosen == nil {
		sd.Idles.Inc()
		return nil
	}
	if !chosen.Casstate(defs.SREADY, defs.SRUNNING) {
		// lost the process to a state change between pick and
		// dispatch; the next tick picks again
		sd.Idles.Inc()
		return nil
	}
	cur := &sd.curs[cpu]
	cur.p = chosen
	cur.pid = chosen.Pid
	cur.since = sd.now()
	sd.Dispatches.Inc()
	return chosen
}
