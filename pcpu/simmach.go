package pcpu

import (
	"sync"
	"sync/atomic"
)

// Simmach_t models the hardware surface of Mach_i: a CPU population with
// synthetic identification leaves and the INIT/STARTUP protocol. An INIT
// assert arms a CPU; the first STARTUP after it runs the installed
// trampoline on a fresh execution context, exactly once, the way real
// local interrupt controllers accept a single STARTUP per INIT.
type Simmach_t struct {
	mu    sync.Mutex
	cpus  []simcpu_t
	tramp func(apicid uint32)
	wg    sync.WaitGroup

	// fixed-delivery interrupts observed, per logical CPU
	Fixed []int64
}

type simcpu_t struct {
	apicid  uint32
	armed   bool
	started bool
	// a wedged CPU ignores STARTUP; it exists to exercise the boot
	// timeout path
	wedged bool
}

// Mksimmach builds a machine with ncpu logical CPUs, two threads per core
// and two cores per package: hardware id bit 0 is the thread, bit 1 the
// core, bits 2+ the package.
func Mksimmach(ncpu int) *Simmach_t {
	sm := &Simmach_t{
		cpus:  make([]simcpu_t, ncpu),
		Fixed: make([]int64, ncpu),
	}
	for i := range sm.cpus {
		sm.cpus[i].apicid = uint32(i)
	}
	return sm
}

// Wedge makes cpu num ignore STARTUP interrupts.
func (sm *Simmach_t) Wedge(num int) {
	sm.mu.Lock()
	sm.cpus[num].wedged = true
	sm.mu.Unlock()
}

// Wait blocks until every started CPU's bring-up context has finished.
func (sm *Simmach_t) Wait() {
	sm.wg.Wait()
}

func (sm *Simmach_t) Ncpu() int {
	return len(sm.cpus)
}

func (sm *Simmach_t) Apicid(num int) uint32 {
	return sm.cpus[num].apicid
}

func (sm *Simmach_t) Lapid() uint32 {
	// the caller is modeled as always being the boot CPU
	return sm.cpus[0].apicid
}

func (sm *Simmach_t) Loadtramp(tramp func(apicid uint32)) {
	sm.mu.Lock()
	sm.tramp = tramp
	sm.mu.Unlock()
}

func (sm *Simmach_t) Icrw(hi, low uint32) {
	dest := hi >> 24
	deliv := (low >> 8) & 0x7
	sm.mu.Lock()
	defer sm.mu.Unlock()
	idx := -1
	for i := range sm.cpus {
		if sm.cpus[i].apicid == dest {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	c := &sm.cpus[idx]
	switch deliv {
	case deliv_init:
		c.armed = true
	case deliv_startup:
		if !c.armed || c.started || c.wedged || sm.tramp == nil {
			return
		}
		c.armed = false
		c.started = true
		tramp, apicid := sm.tramp, c.apicid
		sm.wg.Add(1)
		go func() {
			defer sm.wg.Done()
			tramp(apicid)
		}()
	case deliv_fixed:
		atomic.AddInt64(&sm.Fixed[idx], 1)
	}
}

// Cpuid synthesizes the identification leaves for cpu num.
func (sm *Simmach_t) Cpuid(num int, eax, ecx uint32) (uint32, uint32, uint32, uint32) {
	apicid := sm.cpus[num].apicid
	switch eax {
	case 0:
		// max basic leaf
		return 0x1f, 0, 0, 0
	case 1:
		// 4 logical CPUs per package, HTT set; a plausible baseline
		// feature word
		bx := uint32(4) << 16
		cx := uint32(1<<0 | 1<<19 | 1<<20) // sse3, sse4.1, sse4.2
		dx := uint32(1<<0 | 1<<4 | 1<<25 | 1<<26 | 1<<28)
		return 0, bx, cx, dx
	case 4:
		return sm.cacheleaf(ecx)
	case 0xb, 0x1f:
		return sm.topoleaf(ecx, apicid)
	}
	return 0, 0, 0, 0
}

func (sm *Simmach_t) cacheleaf(sub uint32) (uint32, uint32, uint32, uint32) {
	// 64B lines throughout; 32K L1d, 32K L1i, 1M L2, 8M L3
	mk := func(ctype, level, ways, sets uint32) (uint32, uint32, uint32, uint32) {
		ax := ctype | level<<5
		bx := (64 - 1) | (1-1)<<12 | (ways-1)<<22
		cx := sets - 1
		return ax, bx, cx, 0
	}
	switch sub {
	case 0:
		return mk(1, 1, 8, 64)
	case 1:
		return mk(2, 1, 8, 64)
	case 2:
		return mk(3, 2, 16, 1024)
	case 3:
		return mk(3, 3, 16, 8192)
	}
	return 0, 0, 0, 0
}

func (sm *Simmach_t) topoleaf(sub, apicid uint32) (uint32, uint32, uint32, uint32) {
	// level 1: SMT, 1 id bit; level 2: core, one more bit; then done
	switch sub {
	case 0:
		return 1, 2, 1 << 8, apicid
	case 1:
		return 2, 4, 2 << 8, apicid
	}
	return 0, 0, 0, apicid
}
