package endpoint

import (
	"context"

	"github.com/rocketbitz/ibverbs-go/ib"
)

// Exchanger is the out-of-band side channel two peers use to swap setup
// information before the handshake can finish. The wire format and
// transport are the caller's concern; this package only requires that
// Exchange deliver the local value to the peer and return the peer's,
// blocking until both sides have swapped or ctx is done.
type Exchanger interface {
	Exchange(ctx context.Context, local ib.SetupInformation) (ib.SetupInformation, error)
}

// ExchangerFunc adapts a function to the Exchanger interface.
type ExchangerFunc func(ctx context.Context, local ib.SetupInformation) (ib.SetupInformation, error)

// Exchange calls f.
func (f ExchangerFunc) Exchange(ctx context.Context, local ib.SetupInformation) (ib.SetupInformation, error) {
	return f(ctx, local)
}

// Pipe returns two connected in-process exchangers, one per peer. Useful
// for loopback setups and tests; real deployments exchange over their
// control plane instead.
func Pipe() (Exchanger, Exchanger) {
	ab := make(chan ib.SetupInformation, 1)
	ba := make(chan ib.SetupInformation, 1)
	return pipeEnd{send: ab, recv: ba}, pipeEnd{send: ba, recv: ab}
}

type pipeEnd struct {
	send chan<- ib.SetupInformation
	recv <-chan ib.SetupInformation
}

func (p pipeEnd) Exchange(ctx context.Context, local ib.SetupInformation) (ib.SetupInformation, error) {
	select {
	case p.send <- local:
	case <-ctx.Done():
		return ib.SetupInformation{}, ctx.Err()
	}
	select {
	case peer := <-p.recv:
		return peer, nil
	case <-ctx.Done():
		return ib.SetupInformation{}, ctx.Err()
	}
}
