package ib

import (
	"github.com/rocketbitz/ibverbs-go/internal/verbs"
)

// Address captures the locally resolved facts about one device/port/GID
// index combination. It is immutable once computed.
type Address struct {
	PortNum  uint8
	GIDIndex uint8
	// LocalIdentifier is the already-resolved LID of the port. Zero on
	// RoCE ports, where routing is by GID instead.
	LocalIdentifier uint32
	// GlobalIdentifier is the already-resolved GID at GIDIndex.
	GlobalIdentifier verbs.GID
	MTU              verbs.MTU
	// MaximumMessageSize is a policy ceiling supplied by the caller, not a
	// hardware limit.
	MaximumMessageSize uint32
}

// SetupInformation is the tuple two peers must exchange out-of-band before
// either side can complete the handshake. It is a plain value passed by
// copy; the exchange channel itself is the caller's concern.
type SetupInformation struct {
	LocalIdentifier    uint32
	GlobalIdentifier   verbs.GID
	QueuePairNumber    uint32
	MTU                verbs.MTU
	MaximumMessageSize uint32
}

// MakeAddress resolves the local addressing facts for the given port and
// GID table index. Resolution either fully succeeds or fails with a
// SystemError; there is no partial result.
func MakeAddress(ctx *Context, portNum, gidIndex uint8, maxMsgSize uint32) (Address, error) {
	if ctx == nil || !ctx.open {
		return Address{}, ErrClosedHandle{"context"}
	}
	attr, err := checkHandle("ibv_query_port", func() (verbs.PortAttr, verbs.Errno) {
		return ctx.lib.QueryPort(ctx.handle, portNum)
	})
	if err != nil {
		return Address{}, err
	}
	gid, err := checkHandle("ibv_query_gid", func() (verbs.GID, verbs.Errno) {
		return ctx.lib.QueryGID(ctx.handle, portNum, int(gidIndex))
	})
	if err != nil {
		return Address{}, err
	}
	return Address{
		PortNum:            portNum,
		GIDIndex:           gidIndex,
		LocalIdentifier:    uint32(attr.LID),
		GlobalIdentifier:   gid,
		MTU:                attr.ActiveMTU,
		MaximumMessageSize: maxMsgSize,
	}, nil
}

// MakeSetupInformation combines a resolved Address with a created queue
// pair's assigned number. Pure combination: no I/O, cannot fail, and
// identical inputs yield identical results.
func MakeSetupInformation(addr Address, qp *QueuePair) SetupInformation {
	return SetupInformation{
		LocalIdentifier:    addr.LocalIdentifier,
		GlobalIdentifier:   addr.GlobalIdentifier,
		QueuePairNumber:    qp.Num(),
		MTU:                addr.MTU,
		MaximumMessageSize: addr.MaximumMessageSize,
	}
}
