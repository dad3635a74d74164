// Package vm implements per-process address spaces: a software page table
// with x86-style PTE bits, demand paging of anonymous memory, and
// copy-on-write resolution. The fault handler runs synchronously in the trap
// path of whichever CPU took the fault, with the address space lock held.
package vm

import (
	"sync"

	"gokern/defs"
	"gokern/mem"
	"gokern/stats"
)

const PTE_P mem.Pa_t = 1 << 0
const PTE_W mem.Pa_t = 1 << 1
const PTE_U mem.Pa_t = 1 << 2

// our flags; bits 9-11 are ignored by the hardware for all page map entries
const PTE_COW mem.Pa_t = 1 << 9
const PTE_WASCOW mem.Pa_t = 1 << 10

const PGSHIFT uint = mem.PGSHIFT
const PTE_ADDR mem.Pa_t = mem.PGMASK
const PTE_FLAGS mem.Pa_t = PTE_P | PTE_W | PTE_U | PTE_COW | PTE_WASCOW

type Vm_t struct {
	// lock for pmap; the fault handler and fork hold it for their whole
	// critical section
	sync.Mutex

	phys *mem.Physmem_t
	// page number -> pte
	pmap map[uintptr]mem.Pa_t
	// root paging structure page, exclusively owned by this address space
	p_root mem.Pa_t

	Faults    stats.Counter_t
	Pgallocs  stats.Counter_t
	Cowcopies stats.Counter_t
}

// Mkvm allocates an address space. It fails when the arena cannot supply the
// root paging structure page.
func Mkvm(phys *mem.Physmem_t) (*Vm_t, bool) {
	_, p_root, ok := phys.Refpg_new()
	if !ok {
		return nil, false
	}
	phys.Refup(p_root)
	return &Vm_t{
		phys:   phys,
		pmap:   make(map[uintptr]mem.Pa_t),
		p_root: p_root,
	}, true
}

// Pgfault decodes one hardware fault and mutates the address space
// accordingly. It returns 0 when the fault was handled, -EFAULT for
// protection violations and reserved-bit faults (the caller decides the
// disposition), and -ENOMEM when the arena is exhausted; on -ENOMEM the
// existing mapping is never modified.
func (as *Vm_t) Pgfault(ecode uint, va uintptr) defs.Err_t {
	as.Lock()
	defer as.Unlock()

	if ecode&defs.FEC_RSVD != 0 {
		// reserved bit set in a paging structure; corrupt entry. fatal,
		// propagated to the panic path.
		return -defs.EFAULT
	}

	pgn := va >> PGSHIFT
	pte, mapped := as.pmap[pgn]
	if !mapped {
		return as.demandpage(pgn, ecode)
	}
	if ecode&defs.FEC_P == 0 {
		// the fault was taken before another context mapped the page;
		// stale, and backing it again would leak the frame
		return 0
	}
	if ecode&defs.FEC_W != 0 {
		if pte&PTE_COW != 0 {
			return as.cowbreak(pgn, pte)
		}
		if pte&PTE_W != 0 {
			// another thread broke the share first; nothing to do
			return 0
		}
	}
	// present, no COW: protection violation, reported to the owner
	return -defs.EFAULT
}

// not-present fault: back the page with a fresh zero-filled frame.
func (as *Vm_t) demandpage(pgn uintptr, ecode uint) defs.Err_t {
	_, p_pg, ok := as.phys.Refpg_new()
	if !ok {
		return -defs.ENOMEM
	}
	as.phys.Refup(p_pg)
	fl := PTE_P | PTE_W
	if ecode&defs.FEC_U != 0 {
		fl |= PTE_U
	}
	as.pmap[pgn] = p_pg | fl
	as.Pgallocs.Inc()
	as.Faults.Inc()
	return 0
}

// write to a shared page: copy into a fresh frame, then swap the mapping and
// release one holder of the old frame. the copy completes before anything is
// unmapped, so a failed allocation leaves the mapping untouched.
func (as *Vm_t) cowbreak(pgn uintptr, pte mem.Pa_t) defs.Err_t {
	old := pte & PTE_ADDR
	npg, p_np, ok := as.phys.Refpg_new_nozero()
	if !ok {
		return -defs.ENOMEM
	}
	*npg = *as.phys.Dmap(old)
	as.phys.Refup(p_np)

	fl := pte & PTE_FLAGS
	fl &^= PTE_COW
	fl |= PTE_W | PTE_WASCOW
	delete(as.pmap, pgn)
	as.pmap[pgn] = p_np | fl
	as.phys.Refdown(old)

	as.Cowcopies.Inc()
	as.Faults.Inc()
	return 0
}

// Fork shares this address space into child copy-on-write: writable pages
// lose PTE_W and gain PTE_COW in both parent and child, and every shared
// frame gains a holder. child must be a fresh address space.
func (as *Vm_t) Fork(child *Vm_t) {
	as.Lock()
	defer as.Unlock()
	for pgn, pte := range as.pmap {
		if pte&PTE_P == 0 {
			continue
		}
		phys := pte & PTE_ADDR
		fl := pte & PTE_FLAGS
		if fl&PTE_W != 0 {
			fl &^= PTE_W | PTE_WASCOW
			fl |= PTE_COW
			as.pmap[pgn] = phys | fl
		}
		child.pmap[pgn] = phys | fl
		as.phys.Refup(phys)
	}
}

// Uvmfree releases every frame this address space holds, then the root page.
// Called from process teardown; no thread of the owner can still be running.
func (as *Vm_t) Uvmfree() {
	as.Lock()
	defer as.Unlock()
	for pgn, pte := range as.pmap {
		if pte&PTE_P != 0 {
			as.phys.Refdown(pte & PTE_ADDR)
		}
		delete(as.pmap, pgn)
	}
	if as.p_root != 0 {
		as.phys.Refdown(as.p_root)
		as.p_root = 0
	}
}

// Lookup returns the pte for va.
func (as *Vm_t) Lookup(va uintptr) (mem.Pa_t, bool) {
	as.Lock()
	defer as.Unlock()
	pte, ok := as.pmap[va>>PGSHIFT]
	return pte, ok
}

// Page returns the frame backing va, if mapped.
func (as *Vm_t) Page(va uintptr) (*mem.Bytepg_t, bool) {
	pte, ok := as.Lookup(va)
	if !ok || pte&PTE_P == 0 {
		return nil, false
	}
	return as.phys.Dmap(pte & PTE_ADDR), true
}

// Pglen returns the number of mapped pages.
func (as *Vm_t) Pglen() int {
	as.Lock()
	defer as.Unlock()
	return len(as.pmap)
}
