package defs

// MAXCPUS bounds every per-CPU array and the width of a Cpumask_t.
const MAXCPUS int = 64

// MSGMAX is the inline IPC payload bound in bytes.
const MSGMAX int = 4096

type Pstate_t uint32

// process lifecycle states. a table slot whose pid is zero holds no process
// and its state is SNONE.
const (
	SNONE Pstate_t = iota
	SCREATED
	SREADY
	SRUNNING
	SBLOCKED
	SZOMBIE
)

func (s Pstate_t) String() string {
	switch s {
	case SNONE:
		return "none"
	case SCREATED:
		return "created"
	case SREADY:
		return "ready"
	case SRUNNING:
		return "running"
	case SBLOCKED:
		return "blocked"
	case SZOMBIE:
		return "zombie"
	}
	return "bad state"
}

type Msgtype_t int

const (
	MSYNC Msgtype_t = iota
	MASYNC
	MSIGNAL
	MSHMSETUP
)

type Ipi_t int

// IPI kinds; the kind doubles as the bit number in a CPU's pending mask.
const (
	IPI_RESCHED Ipi_t = iota
	IPI_TLBSHOOT
	IPI_HALT
	IPI_PERFMASK
)

// interrupt vector base for fixed IPIs
const IPI_BASE = 70

// page fault error code bits (SDM vol 3, 4.7)
const (
	FEC_P    uint = 1 << 0
	FEC_W    uint = 1 << 1
	FEC_U    uint = 1 << 2
	FEC_RSVD uint = 1 << 3
	FEC_IF   uint = 1 << 4
)

type Policy_t int

// scheduling policies
const (
	POL_FAIR Policy_t = iota
	POL_DEADLINE
)
