// Package verbstest provides a configurable in-memory implementation of
// verbs.Lib for tests. The fake models adapters, ports, and the queue pair
// state machine, enforces the exact attribute masks the real adapter
// requires for each transition, and keeps live-handle accounting so tests
// can assert that teardown released everything.
package verbstest

import (
	"sync"

	"github.com/rocketbitz/ibverbs-go/internal/verbs"
)

// DeviceSpec describes one simulated adapter.
type DeviceSpec struct {
	Name string
	Port verbs.PortAttr
	GIDs []verbs.GID
	// OpenErr, when non-zero, makes OpenDevice fail with that code.
	OpenErr verbs.Errno
}

type qpRecord struct {
	state     verbs.QPState
	destQPNum uint32
	lastAttr  verbs.QPAttr
	lastMask  verbs.AttrMask
}

// Fake implements verbs.Lib in memory. The zero value is not usable; call
// New. Error-injection fields may be set between calls; the fake is safe
// for concurrent use.
type Fake struct {
	mu      sync.Mutex
	devices []DeviceSpec

	// EnumerateErr, when non-zero, fails GetDeviceList with that code.
	// Negative values reproduce the old-driver negated-errno quirk.
	EnumerateErr verbs.Errno
	QueryPortErr verbs.Errno
	QueryGIDErr  verbs.Errno

	AllocPDErr   verbs.Errno
	CreateCQErr  verbs.Errno
	CreateSRQErr verbs.Errno
	RegMRErr     verbs.Errno
	CreateQPErr  verbs.Errno
	ModifyQPErr  verbs.Errno

	CloseDeviceErr verbs.Errno
	DeallocPDErr   verbs.Errno
	DestroyCQErr   verbs.Errno
	DestroySRQErr  verbs.Errno
	DeregMRErr     verbs.Errno
	DestroyQPErr   verbs.Errno

	nextHandle uintptr
	nextQPNum  uint32

	tokens     map[verbs.DeviceListToken]bool
	deviceSpec map[uintptr]int
	contexts   map[uintptr]int
	pds        map[uintptr]bool
	cqs        map[uintptr]bool
	srqs       map[uintptr]bool
	mrs        map[uintptr]bool
	qps        map[uintptr]*qpRecord
	qpByNum    map[uint32]*qpRecord
}

var _ verbs.Lib = (*Fake)(nil)

// New constructs a fake backed by the supplied adapters.
func New(devices ...DeviceSpec) *Fake {
	return &Fake{
		devices:    devices,
		nextQPNum:  100,
		tokens:     make(map[verbs.DeviceListToken]bool),
		deviceSpec: make(map[uintptr]int),
		contexts:   make(map[uintptr]int),
		pds:        make(map[uintptr]bool),
		cqs:        make(map[uintptr]bool),
		srqs:       make(map[uintptr]bool),
		mrs:        make(map[uintptr]bool),
		qps:        make(map[uintptr]*qpRecord),
		qpByNum:    make(map[uint32]*qpRecord),
	}
}

// ActiveDevice returns a DeviceSpec with an active InfiniBand port, usable
// as-is by most tests.
func ActiveDevice(name string, lid uint16) DeviceSpec {
	return DeviceSpec{
		Name: name,
		Port: verbs.PortAttr{
			State:       verbs.PortActive,
			LinkLayer:   verbs.LinkLayerInfiniBand,
			LID:         lid,
			ActiveMTU:   verbs.MTU1024,
			MaxMsgSize:  1 << 30,
			GIDTableLen: 1,
		},
		GIDs: []verbs.GID{{0xfe, 0x80, byte(lid)}},
	}
}

func (f *Fake) handle() uintptr {
	f.nextHandle++
	return f.nextHandle
}

// Live reports the number of live handles per resource kind, including
// un-freed device lists.
func (f *Fake) Live() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int{
		"device list":          len(f.tokens),
		"context":              len(f.contexts),
		"protection domain":    len(f.pds),
		"completion queue":     len(f.cqs),
		"shared receive queue": len(f.srqs),
		"memory region":        len(f.mrs),
		"queue pair":           len(f.qps),
	}
}

// LiveTotal reports the total number of live handles of every kind.
func (f *Fake) LiveTotal() int {
	total := 0
	for _, n := range f.Live() {
		total += n
	}
	return total
}

// QPState reports the current state of the queue pair with the given
// number.
func (f *Fake) QPState(num uint32) (verbs.QPState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.qpByNum[num]
	if !ok {
		return 0, false
	}
	return rec.state, true
}

// LastModify reports the attribute set and mask from the most recent
// ModifyQP call on the queue pair with the given number.
func (f *Fake) LastModify(num uint32) (verbs.QPAttr, verbs.AttrMask, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.qpByNum[num]
	if !ok {
		return verbs.QPAttr{}, 0, false
	}
	return rec.lastAttr, rec.lastMask, true
}

func (f *Fake) GetDeviceList() (verbs.DeviceListToken, []verbs.Device, verbs.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EnumerateErr != 0 {
		return 0, nil, f.EnumerateErr
	}
	token := verbs.DeviceListToken(f.handle())
	f.tokens[token] = true
	devices := make([]verbs.Device, len(f.devices))
	for i, spec := range f.devices {
		h := f.handle()
		f.deviceSpec[h] = i
		devices[i] = verbs.Device{Handle: h, Name: spec.Name}
	}
	return token, devices, verbs.OK
}

func (f *Fake) FreeDeviceList(token verbs.DeviceListToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, token)
}

func (f *Fake) OpenDevice(d verbs.Device) (verbs.Context, verbs.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.deviceSpec[d.Handle]
	if !ok {
		return verbs.Context{}, verbs.EINVAL
	}
	if errno := f.devices[idx].OpenErr; errno != 0 {
		return verbs.Context{}, errno
	}
	h := f.handle()
	f.contexts[h] = idx
	return verbs.Context{Handle: h}, verbs.OK
}

func (f *Fake) CloseDevice(ctx verbs.Context) verbs.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contexts[ctx.Handle]; !ok {
		return verbs.EINVAL
	}
	if f.CloseDeviceErr != 0 {
		return f.CloseDeviceErr
	}
	delete(f.contexts, ctx.Handle)
	return verbs.OK
}

func (f *Fake) QueryPort(ctx verbs.Context, port uint8) (verbs.PortAttr, verbs.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.contexts[ctx.Handle]
	if !ok {
		return verbs.PortAttr{}, verbs.EINVAL
	}
	if f.QueryPortErr != 0 {
		return verbs.PortAttr{}, f.QueryPortErr
	}
	if port == 0 {
		return verbs.PortAttr{}, verbs.EINVAL
	}
	return f.devices[idx].Port, verbs.OK
}

func (f *Fake) QueryGID(ctx verbs.Context, port uint8, index int) (verbs.GID, verbs.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.contexts[ctx.Handle]
	if !ok {
		return verbs.GID{}, verbs.EINVAL
	}
	if f.QueryGIDErr != 0 {
		return verbs.GID{}, f.QueryGIDErr
	}
	gids := f.devices[idx].GIDs
	if index < 0 || index >= len(gids) {
		return verbs.GID{}, verbs.EINVAL
	}
	return gids[index], verbs.OK
}

func (f *Fake) AllocPD(ctx verbs.Context) (verbs.PD, verbs.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contexts[ctx.Handle]; !ok {
		return verbs.PD{}, verbs.EINVAL
	}
	if f.AllocPDErr != 0 {
		return verbs.PD{}, f.AllocPDErr
	}
	h := f.handle()
	f.pds[h] = true
	return verbs.PD{Handle: h}, verbs.OK
}

func (f *Fake) DeallocPD(pd verbs.PD) verbs.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pds[pd.Handle] {
		return verbs.EINVAL
	}
	if f.DeallocPDErr != 0 {
		return f.DeallocPDErr
	}
	delete(f.pds, pd.Handle)
	return verbs.OK
}

func (f *Fake) CreateCQ(ctx verbs.Context, capacity int) (verbs.CQ, verbs.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contexts[ctx.Handle]; !ok {
		return verbs.CQ{}, verbs.EINVAL
	}
	if capacity <= 0 {
		return verbs.CQ{}, verbs.EINVAL
	}
	if f.CreateCQErr != 0 {
		return verbs.CQ{}, f.CreateCQErr
	}
	h := f.handle()
	f.cqs[h] = true
	return verbs.CQ{Handle: h}, verbs.OK
}

func (f *Fake) DestroyCQ(cq verbs.CQ) verbs.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cqs[cq.Handle] {
		return verbs.EINVAL
	}
	if f.DestroyCQErr != 0 {
		return f.DestroyCQErr
	}
	delete(f.cqs, cq.Handle)
	return verbs.OK
}

func (f *Fake) CreateSRQ(pd verbs.PD, attr verbs.SRQInitAttr) (verbs.SRQ, verbs.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pds[pd.Handle] {
		return verbs.SRQ{}, verbs.EINVAL
	}
	if attr.MaxWR == 0 || attr.MaxSGE == 0 {
		return verbs.SRQ{}, verbs.EINVAL
	}
	if f.CreateSRQErr != 0 {
		return verbs.SRQ{}, f.CreateSRQErr
	}
	h := f.handle()
	f.srqs[h] = true
	return verbs.SRQ{Handle: h}, verbs.OK
}

func (f *Fake) DestroySRQ(srq verbs.SRQ) verbs.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.srqs[srq.Handle] {
		return verbs.EINVAL
	}
	if f.DestroySRQErr != 0 {
		return f.DestroySRQErr
	}
	delete(f.srqs, srq.Handle)
	return verbs.OK
}

func (f *Fake) RegMR(pd verbs.PD, buf []byte, access verbs.AccessFlags) (verbs.MR, verbs.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pds[pd.Handle] {
		return verbs.MR{}, verbs.EINVAL
	}
	if len(buf) == 0 {
		return verbs.MR{}, verbs.EINVAL
	}
	if f.RegMRErr != 0 {
		return verbs.MR{}, f.RegMRErr
	}
	h := f.handle()
	f.mrs[h] = true
	return verbs.MR{Handle: h, LKey: uint32(h), RKey: uint32(h) + 1}, verbs.OK
}

func (f *Fake) DeregMR(mr verbs.MR) verbs.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mrs[mr.Handle] {
		return verbs.EINVAL
	}
	if f.DeregMRErr != 0 {
		return f.DeregMRErr
	}
	delete(f.mrs, mr.Handle)
	return verbs.OK
}

func (f *Fake) CreateQP(pd verbs.PD, attr verbs.QPInitAttr) (verbs.QP, verbs.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pds[pd.Handle] {
		return verbs.QP{}, verbs.EINVAL
	}
	if !f.cqs[attr.SendCQ.Handle] || !f.cqs[attr.RecvCQ.Handle] {
		return verbs.QP{}, verbs.EINVAL
	}
	if attr.SRQ != nil && !f.srqs[attr.SRQ.Handle] {
		return verbs.QP{}, verbs.EINVAL
	}
	if f.CreateQPErr != 0 {
		return verbs.QP{}, f.CreateQPErr
	}
	h := f.handle()
	f.nextQPNum++
	rec := &qpRecord{state: verbs.QPStateReset}
	f.qps[h] = rec
	f.qpByNum[f.nextQPNum] = rec
	return verbs.QP{Handle: h, Num: f.nextQPNum}, verbs.OK
}

func (f *Fake) DestroyQP(qp verbs.QP) verbs.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.qps[qp.Handle]; !ok {
		return verbs.EINVAL
	}
	if f.DestroyQPErr != 0 {
		return f.DestroyQPErr
	}
	delete(f.qps, qp.Handle)
	return verbs.OK
}

// Masks the adapter requires for each reliable-connected transition.
const (
	initMask = verbs.AttrState | verbs.AttrPKeyIndex | verbs.AttrPort | verbs.AttrAccessFlags
	rtrMask  = verbs.AttrState | verbs.AttrAddressVector | verbs.AttrPathMTU | verbs.AttrDestQPNum |
		verbs.AttrRQPSN | verbs.AttrMaxDestRdAtomic | verbs.AttrMinRNRTimer
	rtsMask = verbs.AttrState | verbs.AttrTimeout | verbs.AttrRetryCount | verbs.AttrRNRRetry |
		verbs.AttrSQPSN | verbs.AttrMaxRdAtomic
)

func (f *Fake) ModifyQP(qp verbs.QP, attr verbs.QPAttr, mask verbs.AttrMask) verbs.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.qps[qp.Handle]
	if !ok {
		return verbs.EINVAL
	}
	if f.ModifyQPErr != 0 {
		return f.ModifyQPErr
	}
	if mask&verbs.AttrState == 0 {
		return verbs.EINVAL
	}

	switch attr.State {
	case verbs.QPStateInit:
		if rec.state != verbs.QPStateReset || mask != initMask {
			return verbs.EINVAL
		}
		if attr.Port == 0 {
			return verbs.EINVAL
		}
	case verbs.QPStateRTR:
		if rec.state != verbs.QPStateInit || mask != rtrMask {
			return verbs.EINVAL
		}
		if attr.DestQPNum == 0 {
			return verbs.EINVAL
		}
		rec.destQPNum = attr.DestQPNum
	case verbs.QPStateRTS:
		if rec.state != verbs.QPStateRTR || mask != rtsMask {
			return verbs.EINVAL
		}
	case verbs.QPStateError:
		if mask != verbs.AttrState {
			return verbs.EINVAL
		}
	default:
		return verbs.EINVAL
	}

	rec.state = attr.State
	rec.lastAttr = attr
	rec.lastMask = mask
	return verbs.OK
}
