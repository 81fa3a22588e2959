//go:build linux && cgo

package verbs

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <infiniband/verbs.h>
// #include <string.h>
//
// // Helper function to access ibv_port_attr safely
// int my_ibv_query_port(struct ibv_context *context, uint8_t port_num, struct ibv_port_attr *port_attr) {
//     return ibv_query_port(context, port_num, port_attr);
// }
//
// // Helper function to get phys_port_cnt
// int get_phys_port_cnt(struct ibv_context *context, uint8_t *phys_port_cnt) {
//     struct ibv_device_attr device_attr;
//     if (ibv_query_device(context, &device_attr)) {
//         return -1;
//     }
//     *phys_port_cnt = device_attr.phys_port_cnt;
//     return 0;
// }
//
// // Helper function to transition an RC QP to INIT
// int rc_qp_to_init(struct ibv_qp *qp, uint8_t port_num) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_INIT;
//     attr.pkey_index = 0;
//     attr.port_num = port_num;
//     attr.qp_access_flags = IBV_ACCESS_LOCAL_WRITE | IBV_ACCESS_REMOTE_READ |
//                            IBV_ACCESS_REMOTE_WRITE | IBV_ACCESS_REMOTE_ATOMIC;
//     return ibv_modify_qp(qp, &attr,
//                          IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT |
//                          IBV_QP_ACCESS_FLAGS);
// }
//
// // Helper function to transition an RC QP to RTR targeting the remote QP
// int rc_qp_to_rtr(struct ibv_qp *qp, uint32_t remote_qpn, uint32_t rq_psn,
//                  const void *dgid_raw, uint8_t sgid_index, uint8_t port_num) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTR;
//     attr.path_mtu = IBV_MTU_1024;
//     attr.dest_qp_num = remote_qpn;
//     attr.rq_psn = rq_psn;
//     attr.max_dest_rd_atomic = 1;
//     attr.min_rnr_timer = 12;
//     attr.ah_attr.is_global = 1;
//     attr.ah_attr.port_num = port_num;
//     attr.ah_attr.grh.hop_limit = 255;
//     attr.ah_attr.grh.sgid_index = sgid_index;
//     memcpy(attr.ah_attr.grh.dgid.raw, dgid_raw, 16);
//     return ibv_modify_qp(qp, &attr,
//                          IBV_QP_STATE | IBV_QP_AV | IBV_QP_PATH_MTU |
//                          IBV_QP_DEST_QPN | IBV_QP_RQ_PSN |
//                          IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER);
// }
//
// // Helper function to transition an RC QP to RTS
// int rc_qp_to_rts(struct ibv_qp *qp, uint32_t sq_psn) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTS;
//     attr.timeout = 14;
//     attr.retry_cnt = 7;
//     attr.rnr_retry = 7;
//     attr.sq_psn = sq_psn;
//     attr.max_rd_atomic = 1;
//     return ibv_modify_qp(qp, &attr,
//                          IBV_QP_STATE | IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT |
//                          IBV_QP_RNR_RETRY | IBV_QP_SQ_PSN |
//                          IBV_QP_MAX_QP_RD_ATOMIC);
// }
import "C"

import (
	"fmt"
	"math/rand"
	"net"
	"unsafe"

	"github.com/rs/zerolog/log"
)

const (
	// rcCQSize is the completion queue depth created alongside each RC QP.
	rcCQSize = 128

	// rcMaxWR bounds outstanding work requests per queue.
	rcMaxWR = 256
)

// IbvProvider opens real devices through libverbs.
type IbvProvider struct {
	// DeviceName restricts the search to a specific device. Empty matches
	// the first device with a usable port.
	DeviceName string

	// GIDIndex selects which GID table entry identifies the port.
	GIDIndex int
}

// NewIbvProvider returns a libverbs-backed provider.
func NewIbvProvider(deviceName string, gidIndex int) *IbvProvider {
	return &IbvProvider{DeviceName: deviceName, GIDIndex: gidIndex}
}

// ibvDevice is an opened libverbs device context.
type ibvDevice struct {
	ctx      *C.struct_ibv_context
	name     string
	gid      string
	gidRaw   [16]byte
	portNum  uint8
	gidIndex uint8
}

type ibvPD struct {
	pd *C.struct_ibv_pd
}

type ibvQP struct {
	qp  *C.struct_ibv_qp
	cq  *C.struct_ibv_cq
	psn uint32
}

type ibvAsyncEvent struct {
	cev C.struct_ibv_async_event
}

// OpenDevice opens the first device (or the configured one) that has an
// active port with a non-zero GID at the configured GID index.
func (p *IbvProvider) OpenDevice() (Device, error) {
	var numDevices C.int
	deviceList := C.ibv_get_device_list(&numDevices)
	if deviceList == nil {
		return nil, fmt.Errorf("failed to get RDMA device list")
	}
	defer C.ibv_free_device_list(deviceList)

	if numDevices == 0 {
		return nil, fmt.Errorf("no RDMA devices found")
	}

	for i := 0; i < int(numDevices); i++ {
		device := *(**C.struct_ibv_device)(unsafe.Pointer(uintptr(unsafe.Pointer(deviceList)) + uintptr(i)*unsafe.Sizeof(uintptr(0))))
		if device == nil {
			continue
		}

		deviceName := C.GoString(C.ibv_get_device_name(device))
		if p.DeviceName != "" && deviceName != p.DeviceName {
			continue
		}
		log.Debug().Str("device", deviceName).Msg("Found RDMA device")

		dev, err := p.openOne(device, deviceName)
		if err != nil {
			log.Warn().Str("device", deviceName).Err(err).Msg("Skipping device")
			continue
		}
		return dev, nil
	}

	return nil, fmt.Errorf("no usable RDMA device found (device filter: %q, gid index %d)", p.DeviceName, p.GIDIndex)
}

func (p *IbvProvider) openOne(device *C.struct_ibv_device, deviceName string) (*ibvDevice, error) {
	ctx := C.ibv_open_device(device)
	if ctx == nil {
		return nil, fmt.Errorf("failed to open device %s", deviceName)
	}

	var physPortCnt C.uint8_t
	if C.get_phys_port_cnt(ctx, &physPortCnt) != 0 {
		C.ibv_close_device(ctx)
		return nil, fmt.Errorf("failed to query device attributes for %s", deviceName)
	}
	if physPortCnt == 0 {
		C.ibv_close_device(ctx)
		return nil, fmt.Errorf("device %s has 0 physical ports", deviceName)
	}

	// Find an active port carrying a non-zero GID at the configured index.
	for portNum := C.uint8_t(1); portNum <= physPortCnt; portNum++ {
		var portAttr C.struct_ibv_port_attr
		if ret := C.my_ibv_query_port(ctx, portNum, &portAttr); ret != 0 {
			log.Warn().Str("device", deviceName).Uint8("port", uint8(portNum)).Msg("Failed to query port, skipping port")
			continue
		}
		if portAttr.state != C.IBV_PORT_ACTIVE {
			log.Debug().Str("device", deviceName).Uint8("port", uint8(portNum)).Msg("Port not active, skipping port")
			continue
		}

		var gid C.union_ibv_gid
		if ret := C.ibv_query_gid(ctx, portNum, C.int(p.GIDIndex), &gid); ret != 0 {
			log.Warn().Str("device", deviceName).Uint8("port", uint8(portNum)).Int("gid_index", p.GIDIndex).Msg("Failed to query GID on active port")
			continue
		}

		gidBytes := unsafe.Slice((*byte)(unsafe.Pointer(&gid)), C.sizeof_union_ibv_gid)
		zero := true
		for _, b := range gidBytes {
			if b != 0 {
				zero = false
				break
			}
		}
		if zero {
			log.Warn().Str("device", deviceName).Uint8("port", uint8(portNum)).Int("gid_index", p.GIDIndex).Msg("GID index holds a zero GID on this active port")
			continue
		}

		dev := &ibvDevice{
			ctx:      ctx,
			name:     deviceName,
			gid:      formatGIDString(gidBytes),
			portNum:  uint8(portNum),
			gidIndex: uint8(p.GIDIndex),
		}
		copy(dev.gidRaw[:], gidBytes)
		log.Info().Str("device", deviceName).Uint8("port", dev.portNum).Str("gid", dev.gid).Int("gid_index", p.GIDIndex).Msg("Opened RDMA device")
		return dev, nil
	}

	C.ibv_close_device(ctx)
	return nil, fmt.Errorf("no active port with a usable GID found for device %s", deviceName)
}

// isIPv4MappedIPv6 checks if the given GID bytes represent an IPv4-mapped
// IPv6 address (::ffff:A.B.C.D) by checking bytes 10 and 11.
func isIPv4MappedIPv6(gidBytes []byte) bool {
	return len(gidBytes) == 16 && gidBytes[10] == 0xff && gidBytes[11] == 0xff
}

// formatGIDString creates the string representation of a GID. For
// IPv4-mapped IPv6 addresses it preserves the ::ffff: prefix.
func formatGIDString(gidBytes []byte) string {
	if isIPv4MappedIPv6(gidBytes) {
		ipv4Part := fmt.Sprintf("%d.%d.%d.%d", gidBytes[12], gidBytes[13], gidBytes[14], gidBytes[15])
		return "::ffff:" + ipv4Part
	}
	return net.IP(gidBytes).String()
}

func (d *ibvDevice) Name() string { return d.name }

func (d *ibvDevice) PortGID() string { return d.gid }

func (d *ibvDevice) AsyncFD() int { return int(d.ctx.async_fd) }

func (d *ibvDevice) AllocPD() (PD, error) {
	pd := C.ibv_alloc_pd(d.ctx)
	if pd == nil {
		return nil, fmt.Errorf("failed to allocate protection domain for device %s", d.name)
	}
	return &ibvPD{pd: pd}, nil
}

func (d *ibvDevice) CreateRCQP(pd PD) (QP, error) {
	ipd, ok := pd.(*ibvPD)
	if !ok {
		return nil, fmt.Errorf("protection domain was not allocated by this backend")
	}

	cq := C.ibv_create_cq(d.ctx, rcCQSize, nil, nil, 0)
	if cq == nil {
		return nil, fmt.Errorf("failed to create CQ for device %s", d.name)
	}

	var qpInitAttr C.struct_ibv_qp_init_attr
	qpInitAttr.qp_type = C.IBV_QPT_RC
	qpInitAttr.sq_sig_all = 1
	qpInitAttr.send_cq = cq
	qpInitAttr.recv_cq = cq
	qpInitAttr.cap.max_send_wr = rcMaxWR
	qpInitAttr.cap.max_recv_wr = rcMaxWR
	qpInitAttr.cap.max_send_sge = 1
	qpInitAttr.cap.max_recv_sge = 1

	qp := C.ibv_create_qp(ipd.pd, &qpInitAttr)
	if qp == nil {
		C.ibv_destroy_cq(cq)
		return nil, fmt.Errorf("failed to create RC QP for device %s", d.name)
	}

	// Random 24-bit initial PSN, as in the standard pingpong examples.
	psn := uint32(rand.Int31n(1 << 24))

	log.Debug().Str("device", d.name).Uint32("qpn", uint32(qp.qp_num)).Uint32("psn", psn).Msg("Created RC QP")
	return &ibvQP{qp: qp, cq: cq, psn: psn}, nil
}

// ConnectRCQPs drives the local QP through INIT, RTR and RTS against the
// remote QP. Both QPs live on this device, so the remote endpoint is
// addressed through the local port's own GID.
func (d *ibvDevice) ConnectRCQPs(local, remote QP) error {
	lqp, ok := local.(*ibvQP)
	if !ok {
		return fmt.Errorf("local QP was not created by this backend")
	}
	rqp, ok := remote.(*ibvQP)
	if !ok {
		return fmt.Errorf("remote QP was not created by this backend")
	}

	if ret := C.rc_qp_to_init(lqp.qp, C.uint8_t(d.portNum)); ret != 0 {
		return fmt.Errorf("failed to modify QP %d to INIT: %d", lqp.QPN(), ret)
	}
	log.Debug().Str("device", d.name).Uint32("qpn", lqp.QPN()).Msg("QP state changed to INIT")

	if ret := C.rc_qp_to_rtr(lqp.qp, C.uint32_t(rqp.QPN()), C.uint32_t(rqp.psn),
		unsafe.Pointer(&d.gidRaw[0]), C.uint8_t(d.gidIndex), C.uint8_t(d.portNum)); ret != 0 {
		return fmt.Errorf("failed to modify QP %d to RTR (remote qpn %d): %d", lqp.QPN(), rqp.QPN(), ret)
	}
	log.Debug().Str("device", d.name).Uint32("qpn", lqp.QPN()).Uint32("remote_qpn", rqp.QPN()).Msg("QP state changed to RTR")

	if ret := C.rc_qp_to_rts(lqp.qp, C.uint32_t(lqp.psn)); ret != 0 {
		return fmt.Errorf("failed to modify QP %d to RTS: %d", lqp.QPN(), ret)
	}
	log.Debug().Str("device", d.name).Uint32("qpn", lqp.QPN()).Msg("QP state changed to RTS")

	return nil
}

// GetAsyncEvent reads one asynchronous event from the device. With the async
// fd in non-blocking mode this returns an error instead of waiting when no
// event is queued.
func (d *ibvDevice) GetAsyncEvent() (AsyncEvent, error) {
	ev := &ibvAsyncEvent{}
	if ret := C.ibv_get_async_event(d.ctx, &ev.cev); ret != 0 {
		return nil, fmt.Errorf("no async event available on device %s", d.name)
	}
	return ev, nil
}

func (d *ibvDevice) AckAsyncEvent(ev AsyncEvent) {
	iev, ok := ev.(*ibvAsyncEvent)
	if !ok {
		log.Error().Str("device", d.name).Msg("AckAsyncEvent called with an event from a different backend")
		return
	}
	C.ibv_ack_async_event(&iev.cev)
}

func (d *ibvDevice) Close() error {
	if d.ctx == nil {
		return nil
	}
	if ret := C.ibv_close_device(d.ctx); ret != 0 {
		return fmt.Errorf("failed to close device %s: %d", d.name, ret)
	}
	d.ctx = nil
	log.Debug().Str("device", d.name).Msg("Closed RDMA device")
	return nil
}

func (p *ibvPD) Dealloc() error {
	if p.pd == nil {
		return nil
	}
	if ret := C.ibv_dealloc_pd(p.pd); ret != 0 {
		return fmt.Errorf("failed to deallocate protection domain: %d", ret)
	}
	p.pd = nil
	return nil
}

func (q *ibvQP) QPN() uint32 { return uint32(q.qp.qp_num) }

func (e *ibvAsyncEvent) EventType() EventType {
	return EventType(int(e.cev.event_type))
}
