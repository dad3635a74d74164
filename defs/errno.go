package defs

// kernel errors are returned as negative Err_t values; zero is success.
const (
	EPERM     Err_t = 1
	ESRCH     Err_t = 3
	EINTR     Err_t = 4
	E2BIG     Err_t = 7
	EAGAIN    Err_t = 11
	ENOMEM    Err_t = 12
	EFAULT    Err_t = 14
	EBUSY     Err_t = 16
	EINVAL    Err_t = 22
	ENOSPC    Err_t = 28
	ETIMEDOUT Err_t = 110
)

type Err_t int

func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case -EPERM:
		return "EPERM"
	case -ESRCH:
		return "ESRCH"
	case -EINTR:
		return "EINTR"
	case -E2BIG:
		return "E2BIG"
	case -EAGAIN:
		return "EAGAIN"
	case -ENOMEM:
		return "ENOMEM"
	case -EFAULT:
		return "EFAULT"
	case -EBUSY:
		return "EBUSY"
	case -EINVAL:
		return "EINVAL"
	case -ENOSPC:
		return "ENOSPC"
	case -ETIMEDOUT:
		return "ETIMEDOUT"
	}
	return "unknown"
}
