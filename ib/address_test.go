package ib

import (
	"errors"
	"testing"

	"github.com/rocketbitz/ibverbs-go/internal/verbs"
	"github.com/rocketbitz/ibverbs-go/internal/verbs/verbstest"
)

func TestMakeAddress(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	ctx := openTestContext(t, fake)
	defer ctx.Close()

	addr, err := MakeAddress(ctx, DefaultPortNum, 0, 1<<20)
	if err != nil {
		t.Fatalf("MakeAddress: %v", err)
	}
	if addr.PortNum != DefaultPortNum {
		t.Fatalf("unexpected port: %d", addr.PortNum)
	}
	if addr.LocalIdentifier != 3 {
		t.Fatalf("unexpected LID: %d", addr.LocalIdentifier)
	}
	if addr.GlobalIdentifier.IsZero() {
		t.Fatalf("expected resolved GID")
	}
	if addr.MTU != verbs.MTU1024 {
		t.Fatalf("unexpected MTU: %v", addr.MTU)
	}
	if addr.MaximumMessageSize != 1<<20 {
		t.Fatalf("caller ceiling not preserved: %d", addr.MaximumMessageSize)
	}
}

func TestMakeAddressQueryFailures(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	ctx := openTestContext(t, fake)
	defer ctx.Close()

	fake.QueryPortErr = verbs.EIO
	_, err := MakeAddress(ctx, DefaultPortNum, 0, 1<<20)
	var sysErr *SystemError
	if !errors.As(err, &sysErr) || sysErr.Op != "ibv_query_port" {
		t.Fatalf("expected ibv_query_port failure, got %v", err)
	}

	fake.QueryPortErr = 0
	fake.QueryGIDErr = verbs.EINVAL
	_, err = MakeAddress(ctx, DefaultPortNum, 0, 1<<20)
	if !errors.As(err, &sysErr) || sysErr.Op != "ibv_query_gid" {
		t.Fatalf("expected ibv_query_gid failure, got %v", err)
	}
}

func TestMakeAddressClosedContext(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	ctx := openTestContext(t, fake)
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := MakeAddress(ctx, DefaultPortNum, 0, 1<<20)
	var closedErr ErrClosedHandle
	if !errors.As(err, &closedErr) {
		t.Fatalf("expected ErrClosedHandle, got %v", err)
	}
}

func TestMakeSetupInformationIsPure(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	ctx := openTestContext(t, fake)
	defer ctx.Close()

	pd, err := AllocProtectionDomain(ctx)
	if err != nil {
		t.Fatalf("AllocProtectionDomain: %v", err)
	}
	defer pd.Close()
	cq, err := CreateCompletionQueue(ctx, 8)
	if err != nil {
		t.Fatalf("CreateCompletionQueue: %v", err)
	}
	defer cq.Close()
	qp, err := CreateQueuePair(pd, QueuePairConfig{SendQueue: cq, ReceiveQueue: cq, Type: verbs.QPTypeRC})
	if err != nil {
		t.Fatalf("CreateQueuePair: %v", err)
	}
	defer qp.Close()

	addr, err := MakeAddress(ctx, DefaultPortNum, 0, 1<<20)
	if err != nil {
		t.Fatalf("MakeAddress: %v", err)
	}

	first := MakeSetupInformation(addr, qp)
	second := MakeSetupInformation(addr, qp)
	if first != second {
		t.Fatalf("identical inputs produced different results: %+v vs %+v", first, second)
	}
	if first.QueuePairNumber != qp.Num() {
		t.Fatalf("setup info carries wrong QPN: %d vs %d", first.QueuePairNumber, qp.Num())
	}
	if first.LocalIdentifier != addr.LocalIdentifier ||
		first.GlobalIdentifier != addr.GlobalIdentifier ||
		first.MTU != addr.MTU ||
		first.MaximumMessageSize != addr.MaximumMessageSize {
		t.Fatalf("setup info does not mirror address: %+v", first)
	}
}
