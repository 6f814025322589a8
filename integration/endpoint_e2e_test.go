//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/ibverbs-go/endpoint"
	"github.com/rocketbitz/ibverbs-go/ib"
)

// TestEndpointLoopback establishes two endpoints on the local adapter and
// drives both through the full handshake. It needs a host with a usable
// RDMA device and a binary built with the ibverbs tag; anything else skips.
func TestEndpointLoopback(t *testing.T) {
	lib, err := ib.Load()
	if err != nil {
		t.Skipf("verbs library unavailable: %v", err)
	}

	devices, err := ib.DiscoverDevices(lib, ib.DefaultPortNum)
	require.NoError(t, err)
	usable := devices.Size()
	require.NoError(t, devices.Close())
	if usable == 0 {
		t.Skip("no usable RDMA devices on this host")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exA, exB := endpoint.Pipe()
	cfg := endpoint.Config{Lib: lib, MaxMessageSize: 1 << 20}

	type result struct {
		ep  *endpoint.Endpoint
		err error
	}
	done := make(chan result, 1)
	go func() {
		ep, err := endpoint.Establish(ctx, cfg, exB)
		done <- result{ep: ep, err: err}
	}()

	a, err := endpoint.Establish(ctx, cfg, exA)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	resB := <-done
	require.NoError(t, resB.err)
	b := resB.ep
	t.Cleanup(func() { _ = b.Close() })

	require.Equal(t, a.PeerSetup().QueuePairNumber, b.LocalSetup().QueuePairNumber)
	require.Equal(t, b.PeerSetup().QueuePairNumber, a.LocalSetup().QueuePairNumber)

	mr, err := a.RegisterMemory(make([]byte, 1<<16), ib.AccessLocalWrite|ib.AccessRemoteWrite)
	require.NoError(t, err)
	require.NotZero(t, mr.LocalKey())
	require.NotZero(t, mr.RemoteKey())
	require.NoError(t, mr.Close())

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

// TestDiscoverReportsDevices exercises discovery against the real adapter
// inventory; a host without RDMA hardware yields an empty list, not an
// error.
func TestDiscoverReportsDevices(t *testing.T) {
	lib, err := ib.Load()
	if err != nil {
		t.Skipf("verbs library unavailable: %v", err)
	}

	devices, err := ib.DiscoverDevices(lib, ib.DefaultPortNum)
	require.NoError(t, err)
	defer devices.Close()

	for i := 0; i < devices.Size(); i++ {
		require.NotEmpty(t, devices.At(i).Name)
	}
}
