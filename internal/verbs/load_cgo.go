//go:build ibverbs && linux

package verbs

import (
	"sync"
	"syscall"
	"unsafe"
)

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

// ibv_query_port is a macro in recent rdma-core releases; route through a
// plain function so cgo can call it.
static int do_query_port(struct ibv_context *ctx, uint8_t port_num, struct ibv_port_attr *attr) {
	return ibv_query_port(ctx, port_num, attr);
}

static void gid_copy_out(union ibv_gid *gid, void *dst) {
	memcpy(dst, gid->raw, 16);
}

static void gid_copy_in(union ibv_gid *gid, const void *src) {
	memcpy(gid->raw, src, 16);
}
*/
import "C"

var (
	loadOnce sync.Once
	loadErr  error
)

// Load initializes the native verbs library and returns the real capability
// table. ibv_fork_init must run before any other verbs call, so it happens
// exactly once per process here.
func Load() (Lib, error) {
	loadOnce.Do(func() {
		if rv := C.ibv_fork_init(); rv != 0 {
			loadErr = Errno(rv)
		}
	})
	if loadErr != nil {
		return nil, loadErr
	}
	return nativeLib{}, nil
}

// nativeLib implements Lib directly on top of libibverbs.
type nativeLib struct{}

func errnoOf(err error) Errno {
	if en, ok := err.(syscall.Errno); ok {
		return Errno(en)
	}
	return EINVAL
}

func (nativeLib) GetDeviceList() (DeviceListToken, []Device, Errno) {
	var num C.int
	list, err := C.ibv_get_device_list(&num)
	if list == nil {
		return 0, nil, errnoOf(err)
	}
	raw := unsafe.Slice(list, int(num))
	devices := make([]Device, 0, int(num))
	for _, dev := range raw {
		devices = append(devices, Device{
			Handle: uintptr(unsafe.Pointer(dev)),
			Name:   C.GoString(C.ibv_get_device_name(dev)),
		})
	}
	return DeviceListToken(uintptr(unsafe.Pointer(list))), devices, OK
}

func (nativeLib) FreeDeviceList(token DeviceListToken) {
	if token == 0 {
		return
	}
	C.ibv_free_device_list((**C.struct_ibv_device)(unsafe.Pointer(token)))
}

func (nativeLib) OpenDevice(d Device) (Context, Errno) {
	ctx, err := C.ibv_open_device((*C.struct_ibv_device)(unsafe.Pointer(d.Handle)))
	if ctx == nil {
		return Context{}, errnoOf(err)
	}
	return Context{Handle: uintptr(unsafe.Pointer(ctx))}, OK
}

func (nativeLib) CloseDevice(ctx Context) Errno {
	return Errno(C.ibv_close_device((*C.struct_ibv_context)(unsafe.Pointer(ctx.Handle))))
}

func (nativeLib) QueryPort(ctx Context, port uint8) (PortAttr, Errno) {
	var attr C.struct_ibv_port_attr
	rv := C.do_query_port((*C.struct_ibv_context)(unsafe.Pointer(ctx.Handle)), C.uint8_t(port), &attr)
	if rv != 0 {
		return PortAttr{}, Errno(rv)
	}
	return PortAttr{
		State:       PortState(attr.state),
		LinkLayer:   LinkLayer(attr.link_layer),
		LID:         uint16(attr.lid),
		ActiveMTU:   MTU(attr.active_mtu),
		MaxMsgSize:  uint32(attr.max_msg_sz),
		GIDTableLen: int(attr.gid_tbl_len),
	}, OK
}

func (nativeLib) QueryGID(ctx Context, port uint8, index int) (GID, Errno) {
	var raw C.union_ibv_gid
	rv := C.ibv_query_gid((*C.struct_ibv_context)(unsafe.Pointer(ctx.Handle)), C.uint8_t(port), C.int(index), &raw)
	if rv != 0 {
		return GID{}, Errno(rv)
	}
	var gid GID
	C.gid_copy_out(&raw, unsafe.Pointer(&gid[0]))
	return gid, OK
}

func (nativeLib) AllocPD(ctx Context) (PD, Errno) {
	pd, err := C.ibv_alloc_pd((*C.struct_ibv_context)(unsafe.Pointer(ctx.Handle)))
	if pd == nil {
		return PD{}, errnoOf(err)
	}
	return PD{Handle: uintptr(unsafe.Pointer(pd))}, OK
}

func (nativeLib) DeallocPD(pd PD) Errno {
	return Errno(C.ibv_dealloc_pd((*C.struct_ibv_pd)(unsafe.Pointer(pd.Handle))))
}

func (nativeLib) CreateCQ(ctx Context, capacity int) (CQ, Errno) {
	cq, err := C.ibv_create_cq((*C.struct_ibv_context)(unsafe.Pointer(ctx.Handle)), C.int(capacity), nil, nil, 0)
	if cq == nil {
		return CQ{}, errnoOf(err)
	}
	return CQ{Handle: uintptr(unsafe.Pointer(cq))}, OK
}

func (nativeLib) DestroyCQ(cq CQ) Errno {
	return Errno(C.ibv_destroy_cq((*C.struct_ibv_cq)(unsafe.Pointer(cq.Handle))))
}

func (nativeLib) CreateSRQ(pd PD, attr SRQInitAttr) (SRQ, Errno) {
	var ia C.struct_ibv_srq_init_attr
	ia.attr.max_wr = C.uint32_t(attr.MaxWR)
	ia.attr.max_sge = C.uint32_t(attr.MaxSGE)
	ia.attr.srq_limit = C.uint32_t(attr.SRQLimit)
	srq, err := C.ibv_create_srq((*C.struct_ibv_pd)(unsafe.Pointer(pd.Handle)), &ia)
	if srq == nil {
		return SRQ{}, errnoOf(err)
	}
	return SRQ{Handle: uintptr(unsafe.Pointer(srq))}, OK
}

func (nativeLib) DestroySRQ(srq SRQ) Errno {
	return Errno(C.ibv_destroy_srq((*C.struct_ibv_srq)(unsafe.Pointer(srq.Handle))))
}

func (nativeLib) RegMR(pd PD, buf []byte, access AccessFlags) (MR, Errno) {
	if len(buf) == 0 {
		return MR{}, EINVAL
	}
	mr, err := C.ibv_reg_mr((*C.struct_ibv_pd)(unsafe.Pointer(pd.Handle)), unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return MR{}, errnoOf(err)
	}
	return MR{
		Handle: uintptr(unsafe.Pointer(mr)),
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
	}, OK
}

func (nativeLib) DeregMR(mr MR) Errno {
	return Errno(C.ibv_dereg_mr((*C.struct_ibv_mr)(unsafe.Pointer(mr.Handle))))
}

func (nativeLib) CreateQP(pd PD, attr QPInitAttr) (QP, Errno) {
	var ia C.struct_ibv_qp_init_attr
	ia.send_cq = (*C.struct_ibv_cq)(unsafe.Pointer(attr.SendCQ.Handle))
	ia.recv_cq = (*C.struct_ibv_cq)(unsafe.Pointer(attr.RecvCQ.Handle))
	if attr.SRQ != nil {
		ia.srq = (*C.struct_ibv_srq)(unsafe.Pointer(attr.SRQ.Handle))
	}
	ia.cap.max_send_wr = C.uint32_t(attr.Cap.MaxSendWR)
	ia.cap.max_recv_wr = C.uint32_t(attr.Cap.MaxRecvWR)
	ia.cap.max_send_sge = C.uint32_t(attr.Cap.MaxSendSGE)
	ia.cap.max_recv_sge = C.uint32_t(attr.Cap.MaxRecvSGE)
	ia.cap.max_inline_data = C.uint32_t(attr.Cap.MaxInlineData)
	ia.qp_type = uint32(attr.Type)
	if attr.SigAll {
		ia.sq_sig_all = 1
	}
	qp, err := C.ibv_create_qp((*C.struct_ibv_pd)(unsafe.Pointer(pd.Handle)), &ia)
	if qp == nil {
		return QP{}, errnoOf(err)
	}
	return QP{Handle: uintptr(unsafe.Pointer(qp)), Num: uint32(qp.qp_num)}, OK
}

func (nativeLib) DestroyQP(qp QP) Errno {
	return Errno(C.ibv_destroy_qp((*C.struct_ibv_qp)(unsafe.Pointer(qp.Handle))))
}

func (nativeLib) ModifyQP(qp QP, attr QPAttr, mask AttrMask) Errno {
	var ca C.struct_ibv_qp_attr
	ca.qp_state = uint32(attr.State)
	ca.path_mtu = uint32(attr.PathMTU)
	ca.pkey_index = C.uint16_t(attr.PKeyIndex)
	ca.port_num = C.uint8_t(attr.Port)
	ca.qp_access_flags = C.uint(attr.AccessFlags)
	ca.dest_qp_num = C.uint32_t(attr.DestQPNum)
	ca.rq_psn = C.uint32_t(attr.RQPSN)
	ca.sq_psn = C.uint32_t(attr.SQPSN)
	ca.max_rd_atomic = C.uint8_t(attr.MaxRdAtomic)
	ca.max_dest_rd_atomic = C.uint8_t(attr.MaxDestRdAtomic)
	ca.min_rnr_timer = C.uint8_t(attr.MinRNRTimer)
	ca.timeout = C.uint8_t(attr.Timeout)
	ca.retry_cnt = C.uint8_t(attr.RetryCount)
	ca.rnr_retry = C.uint8_t(attr.RNRRetry)
	ca.ah_attr.dlid = C.uint16_t(attr.AH.DLID)
	ca.ah_attr.sl = C.uint8_t(attr.AH.SL)
	ca.ah_attr.src_path_bits = C.uint8_t(attr.AH.SrcPathBits)
	ca.ah_attr.port_num = C.uint8_t(attr.AH.PortNum)
	if attr.AH.IsGlobal {
		ca.ah_attr.is_global = 1
		C.gid_copy_in(&ca.ah_attr.grh.dgid, unsafe.Pointer(&attr.AH.GRH.DGID[0]))
		ca.ah_attr.grh.flow_label = C.uint32_t(attr.AH.GRH.FlowLabel)
		ca.ah_attr.grh.sgid_index = C.uint8_t(attr.AH.GRH.SGIDIndex)
		ca.ah_attr.grh.hop_limit = C.uint8_t(attr.AH.GRH.HopLimit)
		ca.ah_attr.grh.traffic_class = C.uint8_t(attr.AH.GRH.TrafficClass)
	}
	return Errno(C.ibv_modify_qp((*C.struct_ibv_qp)(unsafe.Pointer(qp.Handle)), &ca, C.int(mask)))
}
