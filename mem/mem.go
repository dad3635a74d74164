// Package mem owns the physical page arena. Pages are handed out from an
// intrusive free list and tracked with per-page reference counts; a page with
// more than one holder is shared and may only be released one holder at a
// time. The backing store is an owned slab, so Dmap never manufactures a
// pointer.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gokern/stats"
)

const PGSHIFT uint = 12
const PGSIZE int = 1 << PGSHIFT
const PGOFFSET Pa_t = 0xfff
const PGMASK Pa_t = ^PGOFFSET

// physical addresses below PABASE are reserved for the real-mode bootstrap
// trampoline and are never part of the arena.
const PABASE Pa_t = 1 << 20

type Pa_t uintptr
type Bytepg_t [PGSIZE]uint8

const nilidx uint32 = ^uint32(0)

type Physpg_t struct {
	Refcnt int32
	// index into pgs of the next page on the free list
	nexti uint32
}

type Physmem_t struct {
	sync.Mutex
	pgs   []Physpg_t
	store []Bytepg_t
	// index into pgs of the first free page
	freei   uint32
	freelen int32

	Allocs stats.Counter_t
	Frees  stats.Counter_t
}

func Mkphysmem(npg int) *Physmem_t {
	if npg <= 0 {
		panic("no phys pages")
	}
	phys := &Physmem_t{
		pgs:   make([]Physpg_t, npg),
		store: make([]Bytepg_t, npg),
		freei: 0,
	}
	for i := range phys.pgs {
		phys.pgs[i].nexti = uint32(i + 1)
	}
	phys.pgs[npg-1].nexti = nilidx
	phys.freelen = int32(npg)
	return phys
}

func (phys *Physmem_t) _pg2pgn(pa Pa_t) uint32 {
	if pa < PABASE {
		panic(fmt.Sprintf("pa in trampoline region: %#x", uintptr(pa)))
	}
	pgn := uint32((pa - PABASE) >> PGSHIFT)
	if int(pgn) >= len(phys.pgs) {
		panic(fmt.Sprintf("pa out of arena: %#x", uintptr(pa)))
	}
	return pgn
}

func (phys *Physmem_t) _pgn2pa(pgn uint32) Pa_t {
	return PABASE + Pa_t(pgn)<<PGSHIFT
}

func (phys *Physmem_t) _refpg_new() (*Bytepg_t, Pa_t, bool) {
	phys.Lock()
	if phys.freei == nilidx {
		phys.Unlock()
		return nil, 0, false
	}
	pgn := phys.freei
	phys.freei = phys.pgs[pgn].nexti
	phys.freelen--
	phys.pgs[pgn].nexti = nilidx
	phys.Unlock()
	phys.Allocs.Inc()
	return &phys.store[pgn], phys._pgn2pa(pgn), true
}

// Refpg_new returns a zero-filled page with a reference count of zero; the
// caller must Refup once it has installed the page somewhere.
func (phys *Physmem_t) Refpg_new() (*Bytepg_t, Pa_t, bool) {
	pg, pa, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	*pg = Bytepg_t{}
	return pg, pa, true
}

// Refpg_new_nozero skips the zero fill for callers that overwrite the whole
// page anyway (the COW copy path).
func (phys *Physmem_t) Refpg_new_nozero() (*Bytepg_t, Pa_t, bool) {
	return phys._refpg_new()
}

// Dmap maps a physical address to its backing page.
func (phys *Physmem_t) Dmap(pa Pa_t) *Bytepg_t {
	return &phys.store[phys._pg2pgn(pa)]
}

func (phys *Physmem_t) Refup(pa Pa_t) {
	pgn := phys._pg2pgn(pa)
	if atomic.AddInt32(&phys.pgs[pgn].Refcnt, 1) <= 0 {
		panic("refup of free page")
	}
}

// Refdown releases one holder's claim and returns true if the page was freed.
func (phys *Physmem_t) Refdown(pa Pa_t) bool {
	pgn := phys._pg2pgn(pa)
	c := atomic.AddInt32(&phys.pgs[pgn].Refcnt, -1)
	if c < 0 {
		panic("negative ref count")
	}
	if c == 0 {
		phys.Lock()
		phys.pgs[pgn].nexti = phys.freei
		phys.freei = pgn
		phys.freelen++
		phys.Unlock()
		phys.Frees.Inc()
		return true
	}
	return false
}

func (phys *Physmem_t) Refcnt(pa Pa_t) int {
	pgn := phys._pg2pgn(pa)
	return int(atomic.LoadInt32(&phys.pgs[pgn].Refcnt))
}

// Free returns the number of pages on the free list.
func (phys *Physmem_t) Free() int {
	phys.Lock()
	defer phys.Unlock()
	return int(phys.freelen)
}
