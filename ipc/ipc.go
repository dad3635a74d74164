// Package ipc implements inter-process messages: a fixed-capacity circular
// pool of message slots plus per-receiver FIFO queues. Slot reservation is a
// lock-free atomic advance of the pool tail; slot contents are guarded by a
// per-slot spinlock so a wrapping sender and a lagging receiver never
// interleave on the same slot, and the final splice onto the receiver's
// queue takes that receiver's own lock. A message is owned by its pool slot
// and referenced by exactly one receiver queue.
package ipc

import (
	"sync/atomic"
	"time"

	"gokern/defs"
	"gokern/hsync"
	"gokern/limits"
	"gokern/proc"
	"gokern/stats"
)

type Msg_t struct {
	Id    int64
	From  int
	To    int
	Mtype defs.Msgtype_t
	Len   int
	// send timestamp, unix ns
	Ts   int64
	Data [defs.MSGMAX]uint8

	// pool reservation number that owns the slot; a mismatch on receive
	// means the pool wrapped and overwrote the slot
	seq int64
}

type Pool_t struct {
	slots []Msg_t
	// one lock per slot, indexed like slots
	slocks []hsync.Splock_t
	// count of reserved and consumed messages; slot index is seq modulo
	// pool capacity. the capacity invariant is tail-head <= len(slots).
	tail int64
	head int64

	nextid int64
	pt     *proc.Ptable_t

	Sends stats.Counter_t
	Recvs stats.Counter_t
	Drops stats.Counter_t
}

func Mkpool(lim *limits.Syslimit_t, pt *proc.Ptable_t) *Pool_t {
	return &Pool_t{
		slots:  make([]Msg_t, lim.Ipcslots),
		slocks: make([]hsync.Splock_t, lim.Ipcslots),
		pt:     pt,
	}
}

// Send validates the target and payload, then queues the message. Fails fast
// with -EAGAIN when the pool is full; it never blocks the sender.
func (ip *Pool_t) Send(m *Msg_t) defs.Err_t {
	if m.Len < 0 || m.Len > defs.MSGMAX {
		return -defs.E2BIG
	}
	target, ok := ip.pt.Get(m.To)
	if !ok {
		return -defs.ESRCH
	}
	return ip.send(target, m)
}

// Fastsend queues data as an async message without verifying the target
// against the process table. Only safe when the caller already holds a live
// PCB reference; in exchange it shaves the table scan off the
// latency-sensitive same-machine notification path.
func (ip *Pool_t) Fastsend(target *proc.Proc_t, from int, data []byte) defs.Err_t {
	if len(data) > defs.MSGMAX {
		return -defs.E2BIG
	}
	m := &Msg_t{
		From:  from,
		To:    target.Pid,
		Mtype: defs.MASYNC,
		Len:   len(data),
	}
	copy(m.Data[:], data)
	return ip.send(target, m)
}

func (ip *Pool_t) send(target *proc.Proc_t, m *Msg_t) defs.Err_t {
	seq := atomic.AddInt64(&ip.tail, 1) - 1
	if seq-atomic.LoadInt64(&ip.head) >= int64(len(ip.slots)) {
		// pool full: back-pressure. roll the reservation back the same
		// way the process table rolls back a failed create.
		atomic.AddInt64(&ip.tail, -1)
		return -defs.EAGAIN
	}

	idx := seq % int64(len(ip.slots))
	ip.slocks[idx].Lock()
	s := &ip.slots[idx]
	*s = *m
	s.Id = atomic.AddInt64(&ip.nextid, 1)
	s.Ts = time.Now().UnixNano()
	s.seq = seq
	ip.slocks[idx].Unlock()

	// the push and the wake of a parked receiver are one critical section
	// on the receiver's queue lock, so a park cannot cross them
	target.Msg_push_wake(seq)
	ip.Sends.Inc()
	return 0
}

// Recv pops the head of pid's queue. Returns false when the queue is empty
// or the pid is unknown; blocking on an empty queue is the caller's policy.
func (ip *Pool_t) Recv(pid int) (*Msg_t, bool) {
	p, ok := ip.pt.Get(pid)
	if !ok {
		return nil, false
	}
	return ip.recv(p)
}

func (ip *Pool_t) recv(p *proc.Proc_t) (*Msg_t, bool) {
	for {
		seq, ok := p.Msg_pop()
		if !ok {
			return nil, false
		}
		idx := seq % int64(len(ip.slots))
		ret := &Msg_t{}
		ip.slocks[idx].Lock()
		*ret = ip.slots[idx]
		ip.slocks[idx].Unlock()
		atomic.AddInt64(&ip.head, 1)
		if ret.seq != seq {
			// the pool wrapped and reused the slot before this
			// receiver got to it; the message is gone
			ip.Drops.Inc()
			continue
		}
		ip.Recvs.Inc()
		return ret, true
	}
}

// Retire discards n undelivered reservations so they stop counting against
// pool capacity. Called with the count a process teardown drained from the
// dead receiver's queue.
func (ip *Pool_t) Retire(n int) {
	if n > 0 {
		atomic.AddInt64(&ip.head, int64(n))
		ip.Drops.Add(int64(n))
	}
}

// Purge retires every reservation still queued at p.
func (ip *Pool_t) Purge(p *proc.Proc_t) int {
	n := p.Msg_drain()
	ip.Retire(n)
	return n
}

// Inflight returns the number of reserved, unconsumed messages.
func (ip *Pool_t) Inflight() int {
	return int(atomic.LoadInt64(&ip.tail) - atomic.LoadInt64(&ip.head))
}
