// Package proc owns the process table: a flat, fixed-capacity arena of
// process control records. Pids are assigned monotonically and never reused;
// a slot whose pid is zero is free and may be scavenged by a later create.
package proc

import (
	"sync"
	"sync/atomic"
	"time"

	"gokern/accnt"
	"gokern/defs"
	"gokern/hsync"
	"gokern/limits"
	"gokern/mem"
	"gokern/stats"
	"gokern/vm"
)

type Proc_t struct {
	// non-zero iff the slot is occupied
	Pid  int
	Ppid int
	Name string

	// lifecycle state; transitions are CASed so IPC wakeups and the
	// scheduler cannot clobber each other
	state uint32

	// scheduling
	Priority int
	Quantum  time.Duration
	// accumulated run time; the fair-share vruntime key
	Atime accnt.Accnt_t

	// real-time admission state, guarded by the scheduler lock
	Rt bool
	// absolute deadline in ns, the EDF dispatch key
	Deadline int64
	// relative deadline, the admission-control denominator
	Period int64
	Wcet   int64

	// NUMA placement hint
	Node int

	// exclusively-owned address space
	Vm *vm.Vm_t

	Entry func()

	// inbound message queue: pool reservation numbers in arrival order.
	// msgl is a busy-wait lock since senders splice from any CPU; one lock
	// per receiver, so receivers of different processes never contend.
	msgl hsync.Splock_t
	msgq []int64
}

func (p *Proc_t) State() defs.Pstate_t {
	return defs.Pstate_t(atomic.LoadUint32(&p.state))
}

func (p *Proc_t) Setstate(s defs.Pstate_t) {
	atomic.StoreUint32(&p.state, uint32(s))
}

func (p *Proc_t) Casstate(old, new defs.Pstate_t) bool {
	return atomic.CompareAndSwapUint32(&p.state, uint32(old), uint32(new))
}

// Msg_push appends a pool reservation to the tail of the inbound queue.
func (p *Proc_t) Msg_push(seq int64) {
	p.msgl.Lock()
	p.msgq = append(p.msgq, seq)
	p.msgl.Unlock()
}

// Msg_push_wake appends a reservation and, in the same critical section,
// flips a Blocked receiver back to Ready. Pairing the push with the wake
// under the queue lock means a Park racing with this send either sees the
// message or is woken by it.
func (p *Proc_t) Msg_push_wake(seq int64) {
	p.msgl.Lock()
	p.msgq = append(p.msgq, seq)
	p.Casstate(defs.SBLOCKED, defs.SREADY)
	p.msgl.Unlock()
}

// Park moves a Running process to Blocked, but only while its inbound queue
// is empty. The check and the transition are one critical section on the
// queue lock, so a concurrent Msg_push_wake can never strand a queued
// message behind a Blocked receiver.
func (p *Proc_t) Park() bool {
	p.msgl.Lock()
	defer p.msgl.Unlock()
	if len(p.msgq) != 0 {
		return false
	}
	return p.Casstate(defs.SRUNNING, defs.SBLOCKED)
}

// Msg_pop removes the head of the inbound queue.
func (p *Proc_t) Msg_pop() (int64, bool) {
	p.msgl.Lock()
	defer p.msgl.Unlock()
	if len(p.msgq) == 0 {
		return 0, false
	}
	seq := p.msgq[0]
	p.msgq = p.msgq[1:]
	return seq, true
}

// Msg_drain empties the queue without delivery and returns the number of
// reservations dropped, so the pool can retire them.
func (p *Proc_t) Msg_drain() int {
	p.msgl.Lock()
	defer p.msgl.Unlock()
	n := len(p.msgq)
	p.msgq = nil
	return n
}

func (p *Proc_t) Msg_count() int {
	p.msgl.Lock()
	defer p.msgl.Unlock()
	return len(p.msgq)
}

type Ptable_t struct {
	// guards slot occupancy; also the single scheduling lock under which
	// the ready set is scanned (see DESIGN.md)
	sync.Mutex
	procs []Proc_t
	phys  *mem.Physmem_t
	lim   *limits.Syslimit_t

	nextpid int64

	Creates  stats.Counter_t
	Destroys stats.Counter_t
}

func Mkptable(lim *limits.Syslimit_t, phys *mem.Physmem_t) *Ptable_t {
	return &Ptable_t{
		procs: make([]Proc_t, lim.Sysprocs),
		phys:  phys,
		lim:   lim,
	}
}

// Proc_new scans for a free slot, reserves a fresh pid, and initializes the
// record with defaults. The pid reservation is rolled back if the address
// space cannot be allocated; the rollback is safe because the table lock is
// held across the whole create.
func (pt *Ptable_t) Proc_new(name string, ppid int, entry func()) (*Proc_t, defs.Err_t) {
	pt.Lock()
	defer pt.Unlock()

	var p *Proc_t
	for i := range pt.procs {
		if pt.procs[i].Pid == 0 {
			p = &pt.procs[i]
			break
		}
	}
	if p == nil {
		return nil, -defs.EAGAIN
	}

	pid := int(atomic.AddInt64(&pt.nextpid, 1))
	as, ok := vm.Mkvm(pt.phys)
	if !ok {
		atomic.AddInt64(&pt.nextpid, -1)
		return nil, -defs.ENOMEM
	}

	*p = Proc_t{
		Pid:      pid,
		Ppid:     ppid,
		Name:     name,
		Priority: pt.lim.Defprio,
		Quantum:  pt.lim.Quantum,
		Vm:       as,
		Entry:    entry,
	}
	p.Setstate(defs.SCREATED)
	// joins the tail of the ready set
	p.Setstate(defs.SREADY)
	pt.Creates.Inc()
	return p, 0
}

// Proc_del releases the address space, drops undelivered messages, and
// resets the slot for scavenging. It returns the number of messages
// drained; the caller retires those pool reservations.
func (pt *Ptable_t) Proc_del(pid int) (int, defs.Err_t) {
	pt.Lock()
	defer pt.Unlock()
	p, ok := pt.get(pid)
	if !ok {
		return 0, -defs.ESRCH
	}
	p.Setstate(defs.SZOMBIE)
	p.Vm.Uvmfree()
	n := p.Msg_drain()
	*p = Proc_t{}
	pt.Destroys.Inc()
	return n, 0
}

func (pt *Ptable_t) get(pid int) (*Proc_t, bool) {
	if pid == 0 {
		return nil, false
	}
	for i := range pt.procs {
		if pt.procs[i].Pid == pid {
			return &pt.procs[i], true
		}
	}
	return nil, false
}

func (pt *Ptable_t) Get(pid int) (*Proc_t, bool) {
	pt.Lock()
	defer pt.Unlock()
	return pt.get(pid)
}

// Iter visits occupied slots in table order until f returns false. Table
// order is the ready-set order: ties in scheduling keys go to the first slot
// found.
func (pt *Ptable_t) Iter(f func(*Proc_t) bool) {
	for i := range pt.procs {
		p := &pt.procs[i]
		if p.Pid == 0 {
			continue
		}
		if !f(p) {
			return
		}
	}
}

// Len returns the number of live processes.
func (pt *Ptable_t) Len() int {
	pt.Lock()
	defer pt.Unlock()
	n := 0
	for i := range pt.procs {
		if pt.procs[i].Pid != 0 {
			n++
		}
	}
	return n
}
