// Package verbs defines the native libibverbs capability table consumed by
// the rest of the module. The table is an explicit dependency: every
// constructor and operation above this package receives a Lib value rather
// than reaching for process-global state, so tests can substitute a fake
// that simulates devices, ports, and failure modes.
package verbs

import "errors"

// ErrNotBuilt is returned by Load when the binary was compiled without the
// ibverbs build tag and no real capability table is available.
var ErrNotBuilt = errors.New("verbs: built without ibverbs support (rebuild with -tags ibverbs)")

// Lib is the verbs call table. Every method issues exactly one blocking
// native call and reports its outcome as an Errno (0 means success).
// Handle values are opaque; they are only meaningful to the Lib that
// produced them.
type Lib interface {
	// GetDeviceList enumerates every adapter visible to the process. The
	// returned token owns the native enumeration buffer and must be handed
	// back to FreeDeviceList once no Device from the slice is needed.
	GetDeviceList() (DeviceListToken, []Device, Errno)
	// FreeDeviceList releases the enumeration buffer. The native call
	// cannot fail.
	FreeDeviceList(DeviceListToken)

	OpenDevice(Device) (Context, Errno)
	CloseDevice(Context) Errno

	QueryPort(ctx Context, port uint8) (PortAttr, Errno)
	QueryGID(ctx Context, port uint8, index int) (GID, Errno)

	AllocPD(Context) (PD, Errno)
	DeallocPD(PD) Errno

	CreateCQ(ctx Context, capacity int) (CQ, Errno)
	DestroyCQ(CQ) Errno

	CreateSRQ(PD, SRQInitAttr) (SRQ, Errno)
	DestroySRQ(SRQ) Errno

	RegMR(pd PD, buf []byte, access AccessFlags) (MR, Errno)
	DeregMR(MR) Errno

	CreateQP(PD, QPInitAttr) (QP, Errno)
	DestroyQP(QP) Errno
	// ModifyQP applies the attribute set named by mask to the queue pair.
	// The adapter rejects masks that do not match the attributes required
	// for the requested state transition.
	ModifyQP(qp QP, attr QPAttr, mask AttrMask) Errno
}
