// Package verbs defines the device-layer contract the harness runs against:
// an opened RDMA device that can allocate protection domains, create RC queue
// pairs, perform the RC connection handshake, and surface asynchronous events.
// Two backends implement it: the ibverbs backend (cgo, real hardware) and the
// simulated backend used for hardware-free runs and tests.
package verbs

// Provider opens RDMA devices.
type Provider interface {
	// OpenDevice opens one available device and returns its context.
	OpenDevice() (Device, error)
}

// Device is an opened RDMA device context with one active port.
type Device interface {
	// Name returns the device name (e.g. mlx5_0, or sim0 for the simulated backend).
	Name() string

	// PortGID returns the active port's global identifier as a string.
	PortGID() string

	// AsyncFD returns the file descriptor of the device's asynchronous
	// event channel. The caller may change its blocking mode.
	AsyncFD() int

	// AllocPD allocates a protection domain on this device. The caller owns
	// the returned PD and is responsible for deallocating it.
	AllocPD() (PD, error)

	// CreateRCQP creates one RC-capable queue pair in the RESET state,
	// scoped to the given protection domain.
	CreateRCQP(pd PD) (QP, error)

	// ConnectRCQPs performs the RC handshake for the local QP: it drives
	// local through INIT, RTR (targeting remote) and RTS. Connecting both
	// directions takes two calls with the roles swapped.
	ConnectRCQPs(local, remote QP) error

	// GetAsyncEvent retrieves one pending asynchronous event, or an error
	// when none can be retrieved. Every retrieved event must be passed to
	// AckAsyncEvent exactly once before any resource it references is
	// destroyed.
	GetAsyncEvent() (AsyncEvent, error)

	// AckAsyncEvent acknowledges a previously retrieved event.
	AckAsyncEvent(ev AsyncEvent)

	// Close releases the device context.
	Close() error
}

// PD is a protection domain handle.
type PD interface {
	// Dealloc releases the protection domain.
	Dealloc() error
}

// QP is a queue pair handle.
type QP interface {
	// QPN returns the queue pair number assigned by the device.
	QPN() uint32
}

// AsyncEvent is one asynchronous notification read from the device.
type AsyncEvent interface {
	// EventType classifies the event.
	EventType() EventType
}

// EventType mirrors the ibv_event_type enumeration.
type EventType int

// Values match enum ibv_event_type from infiniband/verbs.h.
const (
	EventCQErr EventType = iota
	EventQPFatal
	EventQPRequestErr
	EventQPAccessErr
	EventCommEstablished
	EventSQDrained
	EventPathMigrated
	EventPathMigErr
	EventDeviceFatal
	EventPortActive
	EventPortErr
	EventLIDChange
	EventPKeyChange
	EventSMChange
	EventSRQErr
	EventSRQLimitReached
	EventQPLastWQEReached
	EventClientReregister
	EventGIDChange
)

var eventTypeNames = map[EventType]string{
	EventCQErr:            "IBV_EVENT_CQ_ERR",
	EventQPFatal:          "IBV_EVENT_QP_FATAL",
	EventQPRequestErr:     "IBV_EVENT_QP_REQ_ERR",
	EventQPAccessErr:      "IBV_EVENT_QP_ACCESS_ERR",
	EventCommEstablished:  "IBV_EVENT_COMM_EST",
	EventSQDrained:        "IBV_EVENT_SQ_DRAINED",
	EventPathMigrated:     "IBV_EVENT_PATH_MIG",
	EventPathMigErr:       "IBV_EVENT_PATH_MIG_ERR",
	EventDeviceFatal:      "IBV_EVENT_DEVICE_FATAL",
	EventPortActive:       "IBV_EVENT_PORT_ACTIVE",
	EventPortErr:          "IBV_EVENT_PORT_ERR",
	EventLIDChange:        "IBV_EVENT_LID_CHANGE",
	EventPKeyChange:       "IBV_EVENT_PKEY_CHANGE",
	EventSMChange:         "IBV_EVENT_SM_CHANGE",
	EventSRQErr:           "IBV_EVENT_SRQ_ERR",
	EventSRQLimitReached:  "IBV_EVENT_SRQ_LIMIT_REACHED",
	EventQPLastWQEReached: "IBV_EVENT_QP_LAST_WQE_REACHED",
	EventClientReregister: "IBV_EVENT_CLIENT_REREGISTER",
	EventGIDChange:        "IBV_EVENT_GID_CHANGE",
}

// String returns the verbs spelling of the event type.
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "IBV_EVENT_UNKNOWN"
}
