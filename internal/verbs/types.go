package verbs

import (
	"encoding/hex"
	"fmt"
)

// Device identifies one adapter reported by the enumeration. The handle is
// only valid until the owning device list is freed.
type Device struct {
	Handle uintptr
	Name   string
}

// DeviceListToken owns a native device enumeration buffer.
type DeviceListToken uintptr

// Context is an opened device context handle.
type Context struct {
	Handle uintptr
}

// PD is a protection domain handle.
type PD struct {
	Handle uintptr
}

// CQ is a completion queue handle.
type CQ struct {
	Handle uintptr
}

// SRQ is a shared receive queue handle.
type SRQ struct {
	Handle uintptr
}

// MR is a registered memory region handle. LKey and RKey are the local and
// remote access keys assigned by the adapter at registration time.
type MR struct {
	Handle uintptr
	LKey   uint32
	RKey   uint32
}

// QP is a queue pair handle. Num is the queue pair number assigned by the
// adapter at creation time; peers need it to address this endpoint.
type QP struct {
	Handle uintptr
	Num    uint32
}

// GID is a 128-bit global identifier.
type GID [16]byte

// IsZero reports whether every byte of the identifier is zero.
func (g GID) IsZero() bool {
	return g == GID{}
}

func (g GID) String() string {
	return hex.EncodeToString(g[:])
}

// PortState mirrors enum ibv_port_state.
type PortState uint8

const (
	PortNop         PortState = 0
	PortDown        PortState = 1
	PortInit        PortState = 2
	PortArmed       PortState = 3
	PortActive      PortState = 4
	PortActiveDefer PortState = 5
)

func (s PortState) String() string {
	switch s {
	case PortNop:
		return "nop"
	case PortDown:
		return "down"
	case PortInit:
		return "initializing"
	case PortArmed:
		return "armed"
	case PortActive:
		return "active"
	case PortActiveDefer:
		return "active defer"
	default:
		return fmt.Sprintf("port state %d", uint8(s))
	}
}

// LinkLayer mirrors the ibv_port_attr link_layer values.
type LinkLayer uint8

const (
	LinkLayerUnspecified LinkLayer = 0
	LinkLayerInfiniBand  LinkLayer = 1
	LinkLayerEthernet    LinkLayer = 2
)

func (l LinkLayer) String() string {
	switch l {
	case LinkLayerInfiniBand:
		return "infiniband"
	case LinkLayerEthernet:
		return "ethernet"
	default:
		return "unspecified"
	}
}

// MTU mirrors enum ibv_mtu.
type MTU uint8

const (
	MTU256  MTU = 1
	MTU512  MTU = 2
	MTU1024 MTU = 3
	MTU2048 MTU = 4
	MTU4096 MTU = 5
)

// Bytes returns the payload size in bytes represented by the MTU value.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}
	return 128 << uint(m)
}

func (m MTU) String() string {
	if b := m.Bytes(); b != 0 {
		return fmt.Sprintf("%d", b)
	}
	return fmt.Sprintf("mtu %d", uint8(m))
}

// PortAttr is the subset of ibv_port_attr this module consumes.
type PortAttr struct {
	State       PortState
	LinkLayer   LinkLayer
	LID         uint16
	ActiveMTU   MTU
	MaxMsgSize  uint32
	GIDTableLen int
}

// QPState mirrors enum ibv_qp_state.
type QPState uint8

const (
	QPStateReset QPState = 0
	QPStateInit  QPState = 1
	QPStateRTR   QPState = 2
	QPStateRTS   QPState = 3
	QPStateSQD   QPState = 4
	QPStateSQE   QPState = 5
	QPStateError QPState = 6
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "reset"
	case QPStateInit:
		return "init"
	case QPStateRTR:
		return "ready-to-receive"
	case QPStateRTS:
		return "ready-to-send"
	case QPStateSQD:
		return "send-queue-drained"
	case QPStateSQE:
		return "send-queue-error"
	case QPStateError:
		return "error"
	default:
		return fmt.Sprintf("qp state %d", uint8(s))
	}
}

// QPType mirrors enum ibv_qp_type for the transport types this module can
// create.
type QPType uint8

const (
	QPTypeRC QPType = 2
	QPTypeUC QPType = 3
	QPTypeUD QPType = 4
)

// AccessFlags mirrors enum ibv_access_flags.
type AccessFlags uint32

const (
	AccessLocalWrite   AccessFlags = 1 << 0
	AccessRemoteWrite  AccessFlags = 1 << 1
	AccessRemoteRead   AccessFlags = 1 << 2
	AccessRemoteAtomic AccessFlags = 1 << 3
)

// AttrMask mirrors enum ibv_qp_attr_mask. A ModifyQP call must name exactly
// the attributes it sets.
type AttrMask uint32

const (
	AttrState           AttrMask = 1 << 0
	AttrCurrentState    AttrMask = 1 << 1
	AttrAccessFlags     AttrMask = 1 << 3
	AttrPKeyIndex       AttrMask = 1 << 4
	AttrPort            AttrMask = 1 << 5
	AttrQKey            AttrMask = 1 << 6
	AttrAddressVector   AttrMask = 1 << 7
	AttrPathMTU         AttrMask = 1 << 8
	AttrTimeout         AttrMask = 1 << 9
	AttrRetryCount      AttrMask = 1 << 10
	AttrRNRRetry        AttrMask = 1 << 11
	AttrRQPSN           AttrMask = 1 << 12
	AttrMaxRdAtomic     AttrMask = 1 << 13
	AttrMinRNRTimer     AttrMask = 1 << 15
	AttrSQPSN           AttrMask = 1 << 16
	AttrMaxDestRdAtomic AttrMask = 1 << 17
	AttrCap             AttrMask = 1 << 19
	AttrDestQPNum       AttrMask = 1 << 20
)

// GlobalRoute describes the GRH fields of an address vector. Only used when
// the destination is addressed by GID (RoCE, or routed InfiniBand).
type GlobalRoute struct {
	DGID         GID
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// AHAttr mirrors struct ibv_ah_attr.
type AHAttr struct {
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	PortNum     uint8
	IsGlobal    bool
	GRH         GlobalRoute
}

// QPAttr mirrors the subset of struct ibv_qp_attr exercised by the
// connection state machine. Fields are only consumed when the matching
// AttrMask bit is set.
type QPAttr struct {
	State           QPState
	PathMTU         MTU
	PKeyIndex       uint16
	Port            uint8
	AccessFlags     AccessFlags
	DestQPNum       uint32
	RQPSN           uint32
	SQPSN           uint32
	MaxRdAtomic     uint8
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	Timeout         uint8
	RetryCount      uint8
	RNRRetry        uint8
	AH              AHAttr
}

// QPCap sets the work queue depths and scatter/gather limits for a queue
// pair.
type QPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
}

// QPInitAttr configures queue pair creation.
type QPInitAttr struct {
	SendCQ CQ
	RecvCQ CQ
	// SRQ, when non-nil, attaches the queue pair to a shared receive queue
	// instead of a private receive queue.
	SRQ    *SRQ
	Cap    QPCap
	Type   QPType
	SigAll bool
}

// SRQInitAttr configures shared receive queue creation.
type SRQInitAttr struct {
	MaxWR    uint32
	MaxSGE   uint32
	SRQLimit uint32
}
