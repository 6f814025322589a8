package ib

import (
	"github.com/rocketbitz/ibverbs-go/internal/verbs"
)

// Fixed handshake parameters. Both sides start their packet sequence
// numbers at zero; the timer and retry values are the canonical reliable-
// connected settings (timeout 14 is roughly 67 ms per attempt, RNR retry 7
// means retry indefinitely).
const (
	defaultPKeyIndex       = 0
	startingPSN            = 0
	maxOutstandingRdAtomic = 1
	minRNRTimer            = 12
	ackTimeout             = 14
	retryCount             = 7
	rnrRetryCount          = 7
	grhHopLimit            = 1
)

// modify pairs an attribute set with the mask naming exactly those
// attributes. The two are built in a single literal so they cannot drift
// apart; a mask that does not match the attributes set is the classic
// latent bug in this state machine.
type modify struct {
	attr verbs.QPAttr
	mask verbs.AttrMask
}

func (qp *QueuePair) apply(op string, m modify) error {
	if qp == nil || !qp.open {
		return ErrClosedHandle{"queue pair"}
	}
	return checkStatus(op, func() verbs.Errno {
		return qp.lib.ModifyQP(qp.handle, m.attr, m.mask)
	})
}

// ToInit moves a freshly created (reset) queue pair to the init state,
// binding it to the local port and enabling local write, remote write,
// remote read, and atomic access so the pair supports both sides' one-sided
// and two-sided operations.
func (qp *QueuePair) ToInit(self Address) error {
	return qp.apply("ibv_modify_qp(init)", modify{
		attr: verbs.QPAttr{
			State:       verbs.QPStateInit,
			PKeyIndex:   defaultPKeyIndex,
			Port:        self.PortNum,
			AccessFlags: verbs.AccessLocalWrite | verbs.AccessRemoteWrite | verbs.AccessRemoteRead | verbs.AccessRemoteAtomic,
		},
		mask: verbs.AttrState | verbs.AttrPKeyIndex | verbs.AttrPort | verbs.AttrAccessFlags,
	})
}

// ToReadyToReceive binds the two peers' independently resolved addresses
// into one path and moves the pair to the ready-to-receive state. It must
// not be called before the peer's SetupInformation has actually arrived
// over the out-of-band channel; the path MTU is the peer's report, since
// both ends must agree on the value the remote side determined.
func (qp *QueuePair) ToReadyToReceive(self Address, peer SetupInformation) error {
	ah := verbs.AHAttr{
		DLID:    uint16(peer.LocalIdentifier),
		PortNum: self.PortNum,
	}
	if peer.LocalIdentifier == 0 {
		// No LID means a RoCE peer: route by GID through a global header.
		ah.IsGlobal = true
		ah.GRH = verbs.GlobalRoute{
			DGID:      peer.GlobalIdentifier,
			SGIDIndex: self.GIDIndex,
			HopLimit:  grhHopLimit,
		}
	}
	return qp.apply("ibv_modify_qp(rtr)", modify{
		attr: verbs.QPAttr{
			State:           verbs.QPStateRTR,
			PathMTU:         peer.MTU,
			DestQPNum:       peer.QueuePairNumber,
			RQPSN:           startingPSN,
			MaxDestRdAtomic: maxOutstandingRdAtomic,
			MinRNRTimer:     minRNRTimer,
			AH:              ah,
		},
		mask: verbs.AttrState | verbs.AttrAddressVector | verbs.AttrPathMTU | verbs.AttrDestQPNum |
			verbs.AttrRQPSN | verbs.AttrMaxDestRdAtomic | verbs.AttrMinRNRTimer,
	})
}

// ToReadyToSend enables the pair to originate sends. Only valid after
// ToReadyToReceive; the adapter rejects the transition when receive-side
// state was not set first.
func (qp *QueuePair) ToReadyToSend() error {
	return qp.apply("ibv_modify_qp(rts)", modify{
		attr: verbs.QPAttr{
			State:       verbs.QPStateRTS,
			SQPSN:       startingPSN,
			Timeout:     ackTimeout,
			RetryCount:  retryCount,
			RNRRetry:    rnrRetryCount,
			MaxRdAtomic: maxOutstandingRdAtomic,
		},
		mask: verbs.AttrState | verbs.AttrTimeout | verbs.AttrRetryCount | verbs.AttrRNRRetry |
			verbs.AttrSQPSN | verbs.AttrMaxRdAtomic,
	})
}

// ToError forces the pair to the error state from any state. Outstanding
// work requests are flushed by the hardware and complete with an error,
// which is a prerequisite for safely destroying the pair and its memory
// regions after an abort.
func (qp *QueuePair) ToError() error {
	return qp.apply("ibv_modify_qp(error)", modify{
		attr: verbs.QPAttr{State: verbs.QPStateError},
		mask: verbs.AttrState,
	})
}
