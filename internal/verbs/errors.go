package verbs

import "fmt"

// Errno represents a native error code surfaced by a verbs call. Codes are
// positive errno values as defined by the platform; 0 means success. Older
// libibverbs versions are known to report ENOSYS negated from the device
// enumeration path, so negative values can appear there and are normalized
// by the discovery layer.
type Errno int32

// Error codes mirrored from <errno.h>. This list covers the values the
// verbs paths we wrap are known to produce. Additional codes can be added
// as new calls are wrapped.
const (
	OK           Errno = 0
	EPERM        Errno = 1
	ENOENT       Errno = 2
	EIO          Errno = 5
	EAGAIN       Errno = 11
	ENOMEM       Errno = 12
	EFAULT       Errno = 14
	EBUSY        Errno = 16
	ENODEV       Errno = 19
	EINVAL       Errno = 22
	ENOSPC       Errno = 28
	ENOSYS       Errno = 38
	EOPNOTSUPP   Errno = 95
	EADDRINUSE   Errno = 98
	ECONNREFUSED Errno = 111
	ETIMEDOUT    Errno = 110
)

// Error returns the human-readable description of the code.
func (e Errno) Error() string {
	return e.String()
}

func (e Errno) String() string {
	switch e {
	case OK:
		return "success"
	case EPERM:
		return "operation not permitted"
	case ENOENT:
		return "no such file or directory"
	case EIO:
		return "input/output error"
	case EAGAIN:
		return "resource temporarily unavailable"
	case ENOMEM:
		return "cannot allocate memory"
	case EFAULT:
		return "bad address"
	case EBUSY:
		return "device or resource busy"
	case ENODEV:
		return "no such device"
	case EINVAL:
		return "invalid argument"
	case ENOSPC:
		return "no space left on device"
	case ENOSYS:
		return "function not implemented"
	case EOPNOTSUPP:
		return "operation not supported"
	case EADDRINUSE:
		return "address already in use"
	case ECONNREFUSED:
		return "connection refused"
	case ETIMEDOUT:
		return "connection timed out"
	default:
		return fmt.Sprintf("errno %d", int32(e))
	}
}
