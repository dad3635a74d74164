// Package pcpu owns per-CPU state and multiprocessor bring-up: CPU discovery
// from firmware, the INIT/STARTUP rendezvous that boots secondary CPUs onto
// their own stacks, topology and capability detection, and IPI delivery.
// Hardware access goes through Mach_i so the whole bring-up protocol runs
// unchanged against the simulated machine.
package pcpu

// Mach_i is the hardware surface the bring-up code needs: the CPU
// identification instruction, the firmware CPU enumeration (an external
// collaborator; table parsing is not done here), the interrupt command
// register, and the fixed low-memory bootstrap routine.
type Mach_i interface {
	// Cpuid executes CPU identification on cpu num.
	Cpuid(num int, eax, ecx uint32) (uint32, uint32, uint32, uint32)
	// Ncpu reports the CPU population from the platform firmware tables.
	Ncpu() int
	// Apicid is the firmware-enumerated hardware id of cpu num.
	Apicid(num int) uint32
	// Lapid is the hardware id of the calling CPU.
	Lapid() uint32
	// Icrw writes the interrupt command register, high half then low,
	// and waits for delivery.
	Icrw(hi, low uint32)
	// Loadtramp installs the bootstrap routine a STARTUP interrupt points
	// a waking CPU at.
	Loadtramp(tramp func(apicid uint32))
}

// interrupt command register delivery modes
const (
	deliv_fixed   = 0x0
	deliv_init    = 0x5
	deliv_startup = 0x6
)

// the trampoline sits at 0x8000; a STARTUP vector is a real-mode page number
const trampvec = 0x8000 >> 12

func icrlow(ds, trig, level, deliv, vec int) uint32 {
	return uint32(ds<<18 | trig<<15 | level<<14 | deliv<<8 | vec)
}

func icrhi(apicid uint32) uint32 {
	return apicid << 24
}
