package ib

import (
	"github.com/rocketbitz/ibverbs-go/internal/verbs"
)

// Each wrapper below owns exactly one native handle. Ownership moves by
// pointer hand-off; wrappers are never copied. Close invokes the matching
// native release exactly once and surfaces release failure to the caller.
// A process that cannot release adapter state must not assume the resource
// is gone, so a non-nil Close error is unrecoverable for that resource.
// Close on a nil or already-closed wrapper returns nil.

// Context is an opened device context.
type Context struct {
	lib    verbs.Lib
	handle verbs.Context
	name   string
	open   bool
}

// OpenContext opens the given device.
func OpenContext(lib verbs.Lib, device verbs.Device) (*Context, error) {
	handle, err := checkHandle("ibv_open_device", func() (verbs.Context, verbs.Errno) {
		return lib.OpenDevice(device)
	})
	if err != nil {
		return nil, err
	}
	return &Context{lib: lib, handle: handle, name: device.Name, open: true}, nil
}

// DeviceName reports the name of the device this context was opened on.
func (c *Context) DeviceName() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Close releases the device context.
func (c *Context) Close() error {
	if c == nil || !c.open {
		return nil
	}
	c.open = false
	return checkStatus("ibv_close_device", func() verbs.Errno {
		return c.lib.CloseDevice(c.handle)
	})
}

// ProtectionDomain groups memory regions and queue pairs that may
// interoperate.
type ProtectionDomain struct {
	lib    verbs.Lib
	handle verbs.PD
	open   bool
}

// AllocProtectionDomain allocates a protection domain on the context.
func AllocProtectionDomain(ctx *Context) (*ProtectionDomain, error) {
	if ctx == nil || !ctx.open {
		return nil, ErrClosedHandle{"context"}
	}
	handle, err := checkHandle("ibv_alloc_pd", func() (verbs.PD, verbs.Errno) {
		return ctx.lib.AllocPD(ctx.handle)
	})
	if err != nil {
		return nil, err
	}
	return &ProtectionDomain{lib: ctx.lib, handle: handle, open: true}, nil
}

// Close deallocates the protection domain.
func (p *ProtectionDomain) Close() error {
	if p == nil || !p.open {
		return nil
	}
	p.open = false
	return checkStatus("ibv_dealloc_pd", func() verbs.Errno {
		return p.lib.DeallocPD(p.handle)
	})
}

// CompletionQueue holds completed work request notifications. Posting and
// polling are the caller's concern; this layer only manages the lifetime.
type CompletionQueue struct {
	lib    verbs.Lib
	handle verbs.CQ
	open   bool
}

// CreateCompletionQueue creates a completion queue holding up to capacity
// entries.
func CreateCompletionQueue(ctx *Context, capacity int) (*CompletionQueue, error) {
	if ctx == nil || !ctx.open {
		return nil, ErrClosedHandle{"context"}
	}
	handle, err := checkHandle("ibv_create_cq", func() (verbs.CQ, verbs.Errno) {
		return ctx.lib.CreateCQ(ctx.handle, capacity)
	})
	if err != nil {
		return nil, err
	}
	return &CompletionQueue{lib: ctx.lib, handle: handle, open: true}, nil
}

// Close destroys the completion queue.
func (c *CompletionQueue) Close() error {
	if c == nil || !c.open {
		return nil
	}
	c.open = false
	return checkStatus("ibv_destroy_cq", func() verbs.Errno {
		return c.lib.DestroyCQ(c.handle)
	})
}

// SharedReceiveQueue is a receive queue shared across queue pairs.
type SharedReceiveQueue struct {
	lib    verbs.Lib
	handle verbs.SRQ
	open   bool
}

// CreateSharedReceiveQueue creates a shared receive queue on the protection
// domain.
func CreateSharedReceiveQueue(pd *ProtectionDomain, attr verbs.SRQInitAttr) (*SharedReceiveQueue, error) {
	if pd == nil || !pd.open {
		return nil, ErrClosedHandle{"protection domain"}
	}
	handle, err := checkHandle("ibv_create_srq", func() (verbs.SRQ, verbs.Errno) {
		return pd.lib.CreateSRQ(pd.handle, attr)
	})
	if err != nil {
		return nil, err
	}
	return &SharedReceiveQueue{lib: pd.lib, handle: handle, open: true}, nil
}

// Close destroys the shared receive queue.
func (s *SharedReceiveQueue) Close() error {
	if s == nil || !s.open {
		return nil
	}
	s.open = false
	return checkStatus("ibv_destroy_srq", func() verbs.Errno {
		return s.lib.DestroySRQ(s.handle)
	})
}

// MemoryRegion is a buffer registered with the adapter. The wrapper keeps
// the buffer reachable for as long as the registration is live.
type MemoryRegion struct {
	lib    verbs.Lib
	handle verbs.MR
	buf    []byte
	open   bool
}

// RegisterMemoryRegion registers buf with the protection domain under the
// given access permissions.
func RegisterMemoryRegion(pd *ProtectionDomain, buf []byte, access verbs.AccessFlags) (*MemoryRegion, error) {
	if pd == nil || !pd.open {
		return nil, ErrClosedHandle{"protection domain"}
	}
	handle, err := checkHandle("ibv_reg_mr", func() (verbs.MR, verbs.Errno) {
		return pd.lib.RegMR(pd.handle, buf, access)
	})
	if err != nil {
		return nil, err
	}
	return &MemoryRegion{lib: pd.lib, handle: handle, buf: buf, open: true}, nil
}

// LocalKey returns the adapter-assigned local access key.
func (m *MemoryRegion) LocalKey() uint32 {
	if m == nil {
		return 0
	}
	return m.handle.LKey
}

// RemoteKey returns the adapter-assigned remote access key.
func (m *MemoryRegion) RemoteKey() uint32 {
	if m == nil {
		return 0
	}
	return m.handle.RKey
}

// Buffer returns the registered buffer.
func (m *MemoryRegion) Buffer() []byte {
	if m == nil {
		return nil
	}
	return m.buf
}

// Close deregisters the memory region.
func (m *MemoryRegion) Close() error {
	if m == nil || !m.open {
		return nil
	}
	m.open = false
	err := checkStatus("ibv_dereg_mr", func() verbs.Errno {
		return m.lib.DeregMR(m.handle)
	})
	m.buf = nil
	return err
}

// QueuePairConfig configures queue pair creation.
type QueuePairConfig struct {
	SendQueue    *CompletionQueue
	ReceiveQueue *CompletionQueue
	// SharedReceive, when non-nil, attaches the queue pair to a shared
	// receive queue.
	SharedReceive *SharedReceiveQueue
	Cap           verbs.QPCap
	Type          verbs.QPType
	SigAll        bool
}

// QueuePair is one endpoint of a reliable connection. Freshly created
// pairs start in the reset state; see ToInit, ToReadyToReceive,
// ToReadyToSend, and ToError for the state machine.
type QueuePair struct {
	lib    verbs.Lib
	handle verbs.QP
	open   bool
}

// CreateQueuePair creates a queue pair on the protection domain.
func CreateQueuePair(pd *ProtectionDomain, cfg QueuePairConfig) (*QueuePair, error) {
	if pd == nil || !pd.open {
		return nil, ErrClosedHandle{"protection domain"}
	}
	if cfg.SendQueue == nil || !cfg.SendQueue.open {
		return nil, ErrClosedHandle{"completion queue"}
	}
	if cfg.ReceiveQueue == nil || !cfg.ReceiveQueue.open {
		return nil, ErrClosedHandle{"completion queue"}
	}
	attr := verbs.QPInitAttr{
		SendCQ: cfg.SendQueue.handle,
		RecvCQ: cfg.ReceiveQueue.handle,
		Cap:    cfg.Cap,
		Type:   cfg.Type,
		SigAll: cfg.SigAll,
	}
	if cfg.SharedReceive != nil {
		if !cfg.SharedReceive.open {
			return nil, ErrClosedHandle{"shared receive queue"}
		}
		attr.SRQ = &cfg.SharedReceive.handle
	}
	handle, err := checkHandle("ibv_create_qp", func() (verbs.QP, verbs.Errno) {
		return pd.lib.CreateQP(pd.handle, attr)
	})
	if err != nil {
		return nil, err
	}
	return &QueuePair{lib: pd.lib, handle: handle, open: true}, nil
}

// Num returns the adapter-assigned queue pair number. Peers address this
// endpoint by it.
func (qp *QueuePair) Num() uint32 {
	if qp == nil {
		return 0
	}
	return qp.handle.Num
}

// Close destroys the queue pair. Callers should force the pair to the
// error state first when work requests may still be outstanding, so the
// hardware flushes them instead of leaving them undefined.
func (qp *QueuePair) Close() error {
	if qp == nil || !qp.open {
		return nil
	}
	qp.open = false
	return checkStatus("ibv_destroy_qp", func() verbs.Errno {
		return qp.lib.DestroyQP(qp.handle)
	})
}
