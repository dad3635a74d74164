package pcpu

import "math/bits"

// toposhifts_t holds the bit boundaries that split a hardware id into
// thread/core/package fields.
type toposhifts_t struct {
	smt  uint
	core uint
	pkg  uint
}

// topocrunch derives the id bit boundaries from the extended topology
// enumeration leaves, falling back to the legacy leaf-1/leaf-4 rules on CPUs
// that predate them.
func topocrunch(mach Mach_i, num int) toposhifts_t {
	maxbasic, _, _, _ := mach.Cpuid(num, 0, 0)
	leaf := uint32(0x1f)
	if maxbasic < leaf {
		leaf = 0x0b
	}
	if maxbasic >= 0x0b {
		if _, bx, _, _ := mach.Cpuid(num, leaf, 0); bx != 0 {
			return topoext(mach, num, leaf)
		}
	}
	return topolegacy(mach, num)
}

func topoext(mach Mach_i, num int, leaf uint32) toposhifts_t {
	// level types: 1 SMT, 2 core, higher levels (module/tile/die) all
	// bound the package field
	var shifts [6]uint32
	for subleaf := uint32(0); ; subleaf++ {
		ax, _, cx, _ := mach.Cpuid(num, leaf, subleaf)
		tp := int((cx >> 8) & 0xff)
		if tp == 0 {
			break
		}
		if tp >= len(shifts) {
			panic("unexpected level type")
		}
		// shift is the bit number of the most-significant bit making
		// up this level of the id
		shifts[tp] = ax & 0x1f
	}
	var ts toposhifts_t
	ts.smt = uint(shifts[1])
	ts.core = uint(shifts[2])
	for _, s := range shifts {
		if uint(s) > ts.pkg {
			ts.pkg = uint(s)
		}
	}
	if ts.core == 0 {
		ts.core = ts.pkg
	}
	return ts
}

func topolegacy(mach Mach_i, num int) toposhifts_t {
	_, bx, _, dx := mach.Cpuid(num, 1, 0)
	htt := dx&(1<<28) != 0
	if !htt {
		// one logical CPU per package; the whole id is the package
		return toposhifts_t{}
	}
	logical := (bx >> 16) & 0xff
	if logical == 0 {
		logical = 1
	}
	ax, _, _, _ := mach.Cpuid(num, 4, 0)
	cores := (ax >> 26) + 1
	smtper := logical / cores
	if smtper == 0 {
		smtper = 1
	}
	var ts toposhifts_t
	ts.smt = ceillog2(smtper)
	ts.core = ts.smt + ceillog2(cores)
	ts.pkg = ts.core
	return ts
}

// Split extracts thread/core/package ids from a hardware id.
func (ts toposhifts_t) Split(apicid uint32) (int, int, int) {
	thread := int(apicid & mask(ts.smt))
	core := int((apicid >> ts.smt) & mask(ts.core-ts.smt))
	pkg := int(apicid >> ts.pkg)
	return pkg, core, thread
}

func mask(nbits uint) uint32 {
	if nbits >= 32 {
		return ^uint32(0)
	}
	return (1 << nbits) - 1
}

func ceillog2(v uint32) uint {
	if v <= 1 {
		return 0
	}
	return uint(bits.Len32(v - 1))
}
