package pcpu

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gokern/cpumask"
	"gokern/defs"
	"gokern/mem"
	"gokern/stats"
)

type Cpustate_t uint32

const (
	COFFLINE Cpustate_t = iota
	CBOOTING
	CONLINE
	CIDLE
)

func (s Cpustate_t) String() string {
	switch s {
	case COFFLINE:
		return "offline"
	case CBOOTING:
		return "booting"
	case CONLINE:
		return "online"
	case CIDLE:
		return "idle"
	}
	return "bad state"
}

// Stack_t is a set of pages claimed from the arena for one of a CPU's three
// private stacks.
type Stack_t struct {
	Pgs []mem.Pa_t
}

func (st *Stack_t) Size() int {
	return len(st.Pgs) * mem.PGSIZE
}

type Cachegeom_t struct {
	Linesz int
	L1d    int
	L1i    int
	L2     int
	L3     int
}

// Cpu_t records are created once during bring-up and never destroyed.
type Cpu_t struct {
	Num    int
	Apicid uint32
	state  uint32

	// topology derived from the hardware id
	Pkg    int
	Core   int
	Thread int
	// NUMA placement hint
	Node int

	// exclusively-owned stacks
	Kstack Stack_t
	Istack Stack_t
	Estack Stack_t

	// pending interrupt kinds, bit per defs.Ipi_t
	ipipend uint64

	// instruction-set capability bits (identification leaf 1, edx:ecx)
	Caps uint64
	Geom Cachegeom_t
}

func (c *Cpu_t) State() Cpustate_t {
	return Cpustate_t(atomic.LoadUint32(&c.state))
}

func (c *Cpu_t) setstate(s Cpustate_t) {
	atomic.StoreUint32(&c.state, uint32(s))
}

func (c *Cpu_t) casstate(old, new Cpustate_t) bool {
	return atomic.CompareAndSwapUint32(&c.state, uint32(old), uint32(new))
}

// Ipipending returns and clears the pending interrupt mask.
func (c *Cpu_t) Ipipending() uint64 {
	return atomic.SwapUint64(&c.ipipend, 0)
}

// Bootparams_t names the settle delays and the rendezvous timeout so they
// are tunable and testable rather than buried constants.
type Bootparams_t struct {
	// delay between the INIT assert and the STARTUP interrupt
	Initsettle time.Duration
	// how long a CPU gets to mark itself online
	Bootwait time.Duration
	// poll interval while waiting for the rendezvous
	Bootpoll time.Duration
	// pages per kernel/interrupt/exception stack
	Stackpgs int
}

func Mkbootparams() Bootparams_t {
	return Bootparams_t{
		Initsettle: 10 * time.Millisecond,
		Bootwait:   time.Second,
		Bootpoll:   time.Millisecond,
		Stackpgs:   4,
	}
}

type Cpuset_t struct {
	sync.Mutex
	mach Mach_i
	phys *mem.Physmem_t
	bp   Bootparams_t
	lg   *zap.Logger

	// flat arena indexed by logical CPU id
	cpus   []Cpu_t
	online cpumask.Cpumask_t
	topo   toposhifts_t

	// the single shared bootstrap variable the trampoline reads; written
	// before the STARTUP interrupt is issued so the store is visible to
	// the waking CPU
	apentry atomic.Value

	Boots     stats.Counter_t
	Bootfails stats.Counter_t
	Ipis      stats.Counter_t
}

func Mkcpuset(mach Mach_i, phys *mem.Physmem_t, bp Bootparams_t, lg *zap.Logger) *Cpuset_t {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Cpuset_t{
		mach: mach,
		phys: phys,
		bp:   bp,
		lg:   lg,
	}
}

// Init brings the system up: the boot CPU first, then every CPU the firmware
// enumerated. A CPU that misses its rendezvous stays offline; the system
// continues with reduced capacity.
func (cs *Cpuset_t) Init() defs.Err_t {
	ncpu := cs.mach.Ncpu()
	if ncpu <= 0 {
		return -defs.EINVAL
	}
	if ncpu > defs.MAXCPUS {
		cs.lg.Warn("truncating firmware cpu count",
			zap.Int("firmware", ncpu), zap.Int("max", defs.MAXCPUS))
		ncpu = defs.MAXCPUS
	}
	cs.cpus = make([]Cpu_t, ncpu)
	for i := range cs.cpus {
		cs.cpus[i].Num = i
		cs.cpus[i].Apicid = cs.mach.Apicid(i)
	}
	cs.mach.Loadtramp(cs.tramp)
	cs.bsp_init()
	for i := 1; i < ncpu; i++ {
		if err := cs.Cpu_start(i); err != 0 {
			// non-fatal; keep going with fewer CPUs
			cs.lg.Warn("cpu failed to come online",
				zap.Int("cpu", i), zap.String("err", err.String()))
		}
	}
	cs.lg.Info("smp bring-up done",
		zap.Int("firmware", ncpu), zap.Int("online", cs.Onlinecount()))
	return 0
}

func (cs *Cpuset_t) bsp_init() {
	c := &cs.cpus[0]
	// the id the boot CPU reports for itself wins over the firmware's
	_, _, _, edx := cs.mach.Cpuid(0, 0xb, 0)
	if edx != 0 {
		c.Apicid = edx
	}
	cs.topo = topocrunch(cs.mach, 0)
	if !cs.claimstacks(c) {
		panic("oom during boot")
	}
	cs.fillcpu(c)
	c.setstate(CONLINE)
	cs.Lock()
	cs.online.Set(0)
	cs.Unlock()
	cs.Boots.Inc()
}

// Cpu_start boots one secondary CPU: stacks, the bootstrap entry, an INIT
// assert, a settle delay, a STARTUP interrupt pointing at the trampoline,
// then bounded polling for the CPU to mark itself online. -ETIMEDOUT leaves
// the CPU offline and out of the online mask.
func (cs *Cpuset_t) Cpu_start(id int) defs.Err_t {
	if id <= 0 || id >= len(cs.cpus) {
		return -defs.EINVAL
	}
	c := &cs.cpus[id]
	if !c.casstate(COFFLINE, CBOOTING) {
		return -defs.EBUSY
	}
	if !cs.claimstacks(c) {
		c.setstate(COFFLINE)
		return -defs.ENOMEM
	}

	cs.apentry.Store(func(apicid uint32) { cs.ap_entry(id, apicid) })

	cs.mach.Icrw(icrhi(c.Apicid), icrlow(0, 0, 1, deliv_init, 0))
	time.Sleep(cs.bp.Initsettle)
	cs.mach.Icrw(icrhi(c.Apicid), icrlow(0, 0, 0, deliv_startup, trampvec))

	to := time.Now().Add(cs.bp.Bootwait)
	for c.State() != CONLINE {
		if time.Now().After(to) {
			if c.casstate(CBOOTING, COFFLINE) {
				cs.releasestacks(c)
				cs.Bootfails.Inc()
				return -defs.ETIMEDOUT
			}
			// the CPU beat the timeout by an instant
			break
		}
		time.Sleep(cs.bp.Bootpoll)
	}
	cs.Lock()
	cs.online.Set(id)
	cs.Unlock()
	cs.Boots.Inc()
	cs.lg.Debug("cpu online", zap.Int("cpu", id),
		zap.Uint32("apicid", c.Apicid))
	return 0
}

// tramp is what the fixed low-memory bootstrap routine does: fetch the entry
// out of the shared bootstrap slot and jump to it.
func (cs *Cpuset_t) tramp(apicid uint32) {
	e := cs.apentry.Load()
	if e == nil {
		// spurious STARTUP
		return
	}
	e.(func(uint32))(apicid)
}

// ap_entry runs on the waking CPU. By the time it is called the CPU is on
// its private stack; it initializes its local interrupt controller, detects
// its own capabilities, and marks itself online.
func (cs *Cpuset_t) ap_entry(id int, apicid uint32) {
	c := &cs.cpus[id]
	if c.State() != CBOOTING {
		return
	}
	// trust the id the CPU reports for itself
	c.Apicid = apicid
	atomic.StoreUint64(&c.ipipend, 0)
	cs.fillcpu(c)
	c.setstate(CONLINE)
}

func (cs *Cpuset_t) fillcpu(c *Cpu_t) {
	c.Pkg, c.Core, c.Thread = cs.topo.Split(c.Apicid)
	c.Node = c.Pkg
	_, _, cx, dx := cs.mach.Cpuid(c.Num, 1, 0)
	c.Caps = uint64(dx)<<32 | uint64(cx)
	c.Geom = cs.cachegeom(c.Num)
}

// cachegeom walks the deterministic cache parameter subleaves.
func (cs *Cpuset_t) cachegeom(num int) Cachegeom_t {
	var g Cachegeom_t
	for sub := uint32(0); ; sub++ {
		ax, bx, cx, _ := cs.mach.Cpuid(num, 4, sub)
		ctype := ax & 0x1f
		if ctype == 0 {
			break
		}
		level := (ax >> 5) & 0x7
		linesz := int(bx&0xfff) + 1
		parts := int((bx>>12)&0x3ff) + 1
		ways := int((bx>>22)&0x3ff) + 1
		sets := int(cx) + 1
		size := ways * parts * linesz * sets
		g.Linesz = linesz
		switch {
		case level == 1 && ctype == 1:
			g.L1d = size
		case level == 1 && ctype == 2:
			g.L1i = size
		case level == 2:
			g.L2 = size
		case level == 3:
			g.L3 = size
		}
	}
	return g
}

func (cs *Cpuset_t) claimstacks(c *Cpu_t) bool {
	stks := [3]*Stack_t{&c.Kstack, &c.Istack, &c.Estack}
	for i, st := range stks {
		if !cs.claimstack(st) {
			for _, done := range stks[:i] {
				cs.releasestack(done)
			}
			return false
		}
	}
	return true
}

func (cs *Cpuset_t) releasestacks(c *Cpu_t) {
	for _, st := range [3]*Stack_t{&c.Kstack, &c.Istack, &c.Estack} {
		cs.releasestack(st)
	}
}

func (cs *Cpuset_t) claimstack(st *Stack_t) bool {
	pgs := make([]mem.Pa_t, 0, cs.bp.Stackpgs)
	for i := 0; i < cs.bp.Stackpgs; i++ {
		_, pa, ok := cs.phys.Refpg_new()
		if !ok {
			for _, done := range pgs {
				cs.phys.Refdown(done)
			}
			return false
		}
		cs.phys.Refup(pa)
		pgs = append(pgs, pa)
	}
	st.Pgs = pgs
	return true
}

func (cs *Cpuset_t) releasestack(st *Stack_t) {
	for _, pa := range st.Pgs {
		cs.phys.Refdown(pa)
	}
	st.Pgs = nil
}

// Send_ipi latches kind in the target's pending mask and triggers the
// hardware interrupt.
func (cs *Cpuset_t) Send_ipi(cpu int, kind defs.Ipi_t) defs.Err_t {
	cs.Lock()
	ok := cpu >= 0 && cpu < len(cs.cpus) && cs.online.Test(cpu)
	cs.Unlock()
	if !ok {
		return -defs.ESRCH
	}
	c := &cs.cpus[cpu]
	atomic.OrUint64(&c.ipipend, 1<<uint(kind))
	cs.mach.Icrw(icrhi(c.Apicid),
		icrlow(0, 0, 0, deliv_fixed, defs.IPI_BASE+int(kind)))
	cs.Ipis.Inc()
	return 0
}

// Send_ipi_mask sends kind to every online CPU in m.
func (cs *Cpuset_t) Send_ipi_mask(m *cpumask.Cpumask_t, kind defs.Ipi_t) {
	m.Iter(func(cpu int) bool {
		cs.Send_ipi(cpu, kind)
		return true
	})
}

func (cs *Cpuset_t) Send_ipi_all(kind defs.Ipi_t) {
	om := cs.Online()
	cs.Send_ipi_mask(&om, kind)
}

func (cs *Cpuset_t) Send_ipi_allbutself(self int, kind defs.Ipi_t) {
	om := cs.Online()
	om.Clear(self)
	cs.Send_ipi_mask(&om, kind)
}

// Online returns a copy of the online-CPU mask.
func (cs *Cpuset_t) Online() cpumask.Cpumask_t {
	cs.Lock()
	defer cs.Unlock()
	return cs.online
}

func (cs *Cpuset_t) Onlinecount() int {
	cs.Lock()
	defer cs.Unlock()
	return cs.online.Weight()
}

// Cpu returns the per-CPU record for a logical id.
func (cs *Cpuset_t) Cpu(num int) *Cpu_t {
	if num < 0 || num >= len(cs.cpus) {
		return nil
	}
	return &cs.cpus[num]
}

// Ncpu is the discovered CPU population, online or not.
func (cs *Cpuset_t) Ncpu() int {
	return len(cs.cpus)
}

// Mycpu maps the calling CPU's hardware id to its logical index.
func (cs *Cpuset_t) Mycpu() int {
	lapid := cs.mach.Lapid()
	for i := range cs.cpus {
		if cs.cpus[i].Apicid == lapid {
			return i
		}
	}
	return 0
}
