package pcpu

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gokern/defs"
	"gokern/mem"
)

func mkparams() Bootparams_t {
	bp := Mkbootparams()
	bp.Initsettle = 0
	bp.Bootwait = 250 * time.Millisecond
	bp.Bootpoll = time.Millisecond
	bp.Stackpgs = 1
	return bp
}

func mkset(ncpu, npg int) (*Cpuset_t, *Simmach_t, *mem.Physmem_t) {
	sm := Mksimmach(ncpu)
	phys := mem.Mkphysmem(npg)
	return Mkcpuset(sm, phys, mkparams(), nil), sm, phys
}

func TestBringup(t *testing.T) {
	cs, sm, _ := mkset(4, 64)
	require.Equal(t, defs.Err_t(0), cs.Init())
	sm.Wait()

	assert.Equal(t, 4, cs.Onlinecount())
	assert.Equal(t, 4, cs.Ncpu())
	om := cs.Online()
	for i := 0; i < 4; i++ {
		assert.True(t, om.Test(i))
		assert.Equal(t, CONLINE, cs.Cpu(i).State())
	}
	assert.Equal(t, int64(4), cs.Boots.Read())
	assert.Equal(t, int64(0), cs.Bootfails.Read())
	assert.Equal(t, 0, cs.Mycpu())
}

func TestStacksClaimed(t *testing.T) {
	cs, sm, phys := mkset(2, 16)
	require.Equal(t, defs.Err_t(0), cs.Init())
	sm.Wait()

	// three one-page stacks per CPU
	assert.Equal(t, 16-2*3, phys.Free())
	for i := 0; i < 2; i++ {
		c := cs.Cpu(i)
		assert.Equal(t, mem.PGSIZE, c.Kstack.Size())
		assert.Equal(t, mem.PGSIZE, c.Istack.Size())
		assert.Equal(t, mem.PGSIZE, c.Estack.Size())
	}
}

func TestTopology(t *testing.T) {
	// two threads per core, two cores per package
	cs, sm, _ := mkset(8, 64)
	require.Equal(t, defs.Err_t(0), cs.Init())
	sm.Wait()

	c := cs.Cpu(5)
	assert.Equal(t, 1, c.Pkg)
	assert.Equal(t, 0, c.Core)
	assert.Equal(t, 1, c.Thread)
	assert.Equal(t, c.Pkg, c.Node)

	c = cs.Cpu(6)
	assert.Equal(t, 1, c.Pkg)
	assert.Equal(t, 1, c.Core)
	assert.Equal(t, 0, c.Thread)

	c = cs.Cpu(0)
	assert.Equal(t, 0, c.Pkg)
	assert.Equal(t, 0, c.Core)
	assert.Equal(t, 0, c.Thread)
}

func TestCapsAndCaches(t *testing.T) {
	cs, sm, _ := mkset(2, 32)
	require.Equal(t, defs.Err_t(0), cs.Init())
	sm.Wait()

	want := Cachegeom_t{
		Linesz: 64,
		L1d:    32 << 10,
		L1i:    32 << 10,
		L2:     1 << 20,
		L3:     8 << 20,
	}
	for i := 0; i < 2; i++ {
		c := cs.Cpu(i)
		assert.NotZero(t, c.Caps)
		if diff := cmp.Diff(want, c.Geom); diff != "" {
			t.Errorf("cpu %d cache geometry (-want +got):\n%s", i, diff)
		}
	}
}

func TestBootTimeout(t *testing.T) {
	cs, sm, phys := mkset(3, 32)
	sm.Wedge(2)
	// a wedged CPU degrades capacity but does not fail the boot
	require.Equal(t, defs.Err_t(0), cs.Init())
	sm.Wait()

	assert.Equal(t, 2, cs.Onlinecount())
	om := cs.Online()
	assert.False(t, om.Test(2))
	assert.Equal(t, COFFLINE, cs.Cpu(2).State())
	assert.Equal(t, int64(1), cs.Bootfails.Read())
	// the failed CPU's stacks went back to the arena
	assert.Equal(t, 32-2*3, phys.Free())
}

func TestStartTwiceBusy(t *testing.T) {
	cs, sm, _ := mkset(2, 16)
	require.Equal(t, defs.Err_t(0), cs.Init())
	sm.Wait()

	assert.Equal(t, -defs.EBUSY, cs.Cpu_start(1))
	assert.Equal(t, -defs.EINVAL, cs.Cpu_start(0))
	assert.Equal(t, -defs.EINVAL, cs.Cpu_start(2))
}

func TestIpi(t *testing.T) {
	cs, sm, _ := mkset(2, 16)
	require.Equal(t, defs.Err_t(0), cs.Init())
	sm.Wait()

	require.Equal(t, defs.Err_t(0), cs.Send_ipi(1, defs.IPI_TLBSHOOT))
	require.Equal(t, defs.Err_t(0), cs.Send_ipi(1, defs.IPI_RESCHED))
	assert.Equal(t, int64(2), sm.Fixed[1])

	pend := cs.Cpu(1).Ipipending()
	assert.Equal(t, uint64(1<<defs.IPI_TLBSHOOT|1<<defs.IPI_RESCHED), pend)
	// reading the mask clears it
	assert.Zero(t, cs.Cpu(1).Ipipending())

	assert.Equal(t, -defs.ESRCH, cs.Send_ipi(5, defs.IPI_RESCHED))
}

func TestIpiOfflineTarget(t *testing.T) {
	cs, sm, _ := mkset(3, 32)
	sm.Wedge(2)
	require.Equal(t, defs.Err_t(0), cs.Init())
	sm.Wait()

	assert.Equal(t, -defs.ESRCH, cs.Send_ipi(2, defs.IPI_HALT))
	assert.Equal(t, int64(0), sm.Fixed[2])
}

func TestIpiAllButSelf(t *testing.T) {
	cs, sm, _ := mkset(4, 64)
	require.Equal(t, defs.Err_t(0), cs.Init())
	sm.Wait()

	cs.Send_ipi_allbutself(0, defs.IPI_RESCHED)
	assert.Equal(t, int64(0), sm.Fixed[0])
	for i := 1; i < 4; i++ {
		assert.Equal(t, int64(1), sm.Fixed[i])
		assert.Equal(t, uint64(1<<defs.IPI_RESCHED), cs.Cpu(i).Ipipending())
	}
	assert.Zero(t, cs.Cpu(0).Ipipending())
}

func TestTopoLegacyFallback(t *testing.T) {
	// no hyperthreading bit: the whole hardware id is the package
	ts := topolegacy(legacymach{}, 0)
	pkg, core, thread := ts.Split(5)
	assert.Equal(t, 5, pkg)
	assert.Equal(t, 0, core)
	assert.Equal(t, 0, thread)
}

// legacymach reports no extended topology leaves and no hyperthreading.
type legacymach struct{}

func (legacymach) Cpuid(num int, eax, ecx uint32) (uint32, uint32, uint32, uint32) {
	switch eax {
	case 0:
		return 4, 0, 0, 0
	case 1:
		return 0, 1 << 16, 0, 0
	}
	return 0, 0, 0, 0
}

func (legacymach) Ncpu() int { return 1 }

func (legacymach) Apicid(num int) uint32 { return uint32(num) }

func (legacymach) Lapid() uint32 { return 0 }

func (legacymach) Icrw(hi, low uint32) {}

func (legacymach) Loadtramp(tramp func(uint32)) {}
