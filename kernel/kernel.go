// Package kernel wires the execution substrate together: the page arena,
// the per-CPU set, the process table, the IPC pool, and the scheduler. It
// exposes the external interface the out-of-scope service managers and trap
// dispatchers call, and drives one scheduling loop per online CPU.
package kernel

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gokern/defs"
	"gokern/ipc"
	"gokern/limits"
	"gokern/mem"
	"gokern/pcpu"
	"gokern/proc"
	"gokern/sched"
)

// pacing of a simulated timer tick between scheduling decisions
const tick = 250 * time.Microsecond

type Kernel_t struct {
	Phys *mem.Physmem_t
	Cpus *pcpu.Cpuset_t
	Pt   *proc.Ptable_t
	Pool *ipc.Pool_t
	Sd   *sched.Sched_t

	lg *zap.Logger
}

func Mkkernel(lim *limits.Syslimit_t, mach pcpu.Mach_i, lg *zap.Logger) *Kernel_t {
	if lg == nil {
		lg = zap.NewNop()
	}
	phys := mem.Mkphysmem(lim.Physpages)
	pt := proc.Mkptable(lim, phys)
	bp := pcpu.Mkbootparams()
	bp.Stackpgs = lim.Stackpages
	return &Kernel_t{
		Phys: phys,
		Cpus: pcpu.Mkcpuset(mach, phys, bp, lg),
		Pt:   pt,
		Pool: ipc.Mkpool(lim, pt),
		Sd:   sched.Mksched(pt),
		lg:   lg,
	}
}

// Init runs SMP bring-up. Boot timeouts degrade capacity but do not fail
// the boot; anything else is fatal to it.
func (k *Kernel_t) Init() defs.Err_t {
	if err := k.Cpus.Init(); err != 0 {
		return err
	}
	k.lg.Info("kernel up", zap.Int("cpus", k.Cpus.Onlinecount()))
	return 0
}

// Create makes a new process that will run entry when dispatched, and
// places it at the tail of the ready set.
func (k *Kernel_t) Create(name string, entry func()) (int, defs.Err_t) {
	p, err := k.Pt.Proc_new(name, 0, entry)
	if err != 0 {
		return 0, err
	}
	k.lg.Debug("create", zap.Int("pid", p.Pid), zap.String("name", name))
	return p.Pid, 0
}

// Destroy tears a process down: the address space is released, undelivered
// messages are invalidated and their pool reservations retired, and the
// table slot is reset for reuse. The drain happens inside Proc_del under
// the table lock, so a message queued during teardown is still retired.
func (k *Kernel_t) Destroy(pid int) defs.Err_t {
	n, err := k.Pt.Proc_del(pid)
	if err != 0 {
		return err
	}
	k.Pool.Retire(n)
	k.lg.Debug("destroy", zap.Int("pid", pid))
	return 0
}

func (k *Kernel_t) Send(m *ipc.Msg_t) defs.Err_t {
	return k.Pool.Send(m)
}

func (k *Kernel_t) Fastsend(target *proc.Proc_t, from int, data []byte) defs.Err_t {
	return k.Pool.Fastsend(target, from, data)
}

// Recv pops pid's next message. An empty queue blocks the process: its
// state becomes Blocked and the per-CPU loop that called this picks another
// Ready process on its next decision. A later Send flips it back to Ready.
// The park happens under the receiver's queue lock, so a send landing
// between the empty check and the park leaves the process Running instead
// of stranding the message behind a Blocked receiver.
func (k *Kernel_t) Recv(pid int) (*ipc.Msg_t, bool) {
	m, ok := k.Pool.Recv(pid)
	if !ok {
		if p, alive := k.Pt.Get(pid); alive {
			p.Park()
		}
	}
	return m, ok
}

// Schedule runs one scheduling decision for cpu under the given policy.
// Invoked by the timer-interrupt handler; never suspends the caller.
func (k *Kernel_t) Schedule(cpu int, pol defs.Policy_t) *proc.Proc_t {
	if pol == defs.POL_DEADLINE {
		return k.Sd.Resched_rt(cpu)
	}
	return k.Sd.Resched(cpu)
}

// Schedule_rt admits pid into the real-time class and, on acceptance,
// immediately runs a deadline dispatch. Rejection changes nothing.
func (k *Kernel_t) Schedule_rt(pid int, deadline, wcet int64) defs.Err_t {
	p, ok := k.Pt.Get(pid)
	if !ok {
		return -defs.ESRCH
	}
	if err := k.Sd.Admit(p, deadline, wcet); err != 0 {
		return err
	}
	k.Sd.Resched_rt(k.Processor_id())
	return 0
}

// Pagefault is the synchronous trap entry: interrupts are off for the
// duration of the call. Reserved-bit faults propagate to the panic path;
// protection faults go back to the owner; -ENOMEM leaves the mapping
// untouched so the disposition is the caller's policy choice.
func (k *Kernel_t) Pagefault(pid int, ecode uint, va uintptr) defs.Err_t {
	p, ok := k.Pt.Get(pid)
	if !ok {
		return -defs.ESRCH
	}
	err := p.Vm.Pgfault(ecode, va)
	if err == -defs.EFAULT && ecode&defs.FEC_RSVD != 0 {
		k.lg.Error("reserved bit set in paging structures",
			zap.Int("pid", pid), zap.Uint64("va", uint64(va)))
	}
	return err
}

// Processor_id returns the calling CPU's logical index.
func (k *Kernel_t) Processor_id() int {
	return k.Cpus.Mycpu()
}

func (k *Kernel_t) Send_ipi(cpu int, kind defs.Ipi_t) defs.Err_t {
	return k.Cpus.Send_ipi(cpu, kind)
}

func (k *Kernel_t) Send_ipi_all(kind defs.Ipi_t) {
	k.Cpus.Send_ipi_all(kind)
}

// Run drives one scheduling loop per online CPU until ctx is done. Each
// loop is the per-CPU execution context produced by bring-up: it repeatedly
// invokes the decision function and runs whatever was dispatched for a
// simulated quantum.
func (k *Kernel_t) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	om := k.Cpus.Online()
	om.Iter(func(cpu int) bool {
		g.Go(func() error {
			k.loop(ctx, cpu)
			return nil
		})
		return true
	})
	return g.Wait()
}

func (k *Kernel_t) loop(ctx context.Context, cpu int) {
	for ctx.Err() == nil {
		p := k.Sd.Resched(cpu)
		if p != nil && p.Entry != nil {
			p.Entry()
		}
		time.Sleep(tick)
	}
}
