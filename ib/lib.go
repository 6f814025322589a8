package ib

import "github.com/rocketbitz/ibverbs-go/internal/verbs"

// Aliases for the native-layer types that appear in this module's exported
// signatures, so callers outside the module can name them.
type (
	// Lib is the injectable verbs capability table.
	Lib = verbs.Lib
	// Device identifies one enumerated adapter.
	Device = verbs.Device
	// GID is a 128-bit global identifier.
	GID = verbs.GID
	// MTU is the port's active maximum transmission unit.
	MTU = verbs.MTU
	// Errno is a native error code.
	Errno = verbs.Errno
	// AccessFlags control memory region permissions.
	AccessFlags = verbs.AccessFlags
)

const (
	AccessLocalWrite   = verbs.AccessLocalWrite
	AccessRemoteWrite  = verbs.AccessRemoteWrite
	AccessRemoteRead   = verbs.AccessRemoteRead
	AccessRemoteAtomic = verbs.AccessRemoteAtomic
)

// ErrNotBuilt indicates the binary was built without the ibverbs tag and
// cannot reach a real adapter.
var ErrNotBuilt = verbs.ErrNotBuilt

// Load returns the process-wide capability table backed by libibverbs.
// It fails with ErrNotBuilt when the binary was built without the ibverbs
// tag.
func Load() (Lib, error) {
	return verbs.Load()
}
