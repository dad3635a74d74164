// Package cpumask provides a fixed-size bit vector over logical CPU ids.
// Masks have value semantics and are not internally synchronized; a shared
// mask is guarded by its owner's lock.
package cpumask

import (
	"fmt"
	"math/bits"

	"gokern/defs"
)

const nwords = (defs.MAXCPUS + 63) / 64

type Cpumask_t struct {
	w [nwords]uint64
}

func (m *Cpumask_t) Set(cpu int) {
	m.w[widx(cpu)] |= 1 << bidx(cpu)
}

func (m *Cpumask_t) Clear(cpu int) {
	m.w[widx(cpu)] &^= 1 << bidx(cpu)
}

func (m *Cpumask_t) Test(cpu int) bool {
	return m.w[widx(cpu)]&(1<<bidx(cpu)) != 0
}

// Weight returns the number of set bits.
func (m *Cpumask_t) Weight() int {
	ret := 0
	for _, w := range m.w {
		ret += bits.OnesCount64(w)
	}
	return ret
}

func (m *Cpumask_t) Zero() {
	for i := range m.w {
		m.w[i] = 0
	}
}

// Iter calls f for each set bit in ascending order until f returns false.
func (m *Cpumask_t) Iter(f func(cpu int) bool) {
	for i, w := range m.w {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			if !f(i*64 + b) {
				return
			}
			w &^= 1 << b
		}
	}
}

func widx(cpu int) int {
	if cpu < 0 || cpu >= defs.MAXCPUS {
		panic(fmt.Sprintf("bad cpu %d", cpu))
	}
	return cpu / 64
}

func bidx(cpu int) uint {
	return uint(cpu % 64)
}
