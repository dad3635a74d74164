package limits

import "time"

type Syslimit_t struct {
	// fixed capacity of the process table
	Sysprocs int
	// slots in the system-wide IPC message pool
	Ipcslots int
	// physical pages reserved for the page arena
	Physpages int
	// pages per kernel/interrupt/exception stack
	Stackpages int
	// default time slice handed to a new process
	Quantum time.Duration
	// default priority of a new process; 0 is the maximum
	Defprio int
}

var Syslimit *Syslimit_t = MkSysLimit()

func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs:   1024,
		Ipcslots:   512,
		Physpages:  1 << 14,
		Stackpages: 4,
		Quantum:    10 * time.Millisecond,
		Defprio:    100,
	}
}
