package verbs

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// SimProvider opens simulated devices. It backs hardware-free runs and the
// package tests; the async event channel is a real pipe so poll(2) and
// fcntl(2) against it behave exactly as they do on a verbs fd.
type SimProvider struct {
	// FailOpen makes OpenDevice fail, simulating a host without devices.
	FailOpen bool

	opened int
}

// NewSimProvider returns a provider of simulated devices.
func NewSimProvider() *SimProvider {
	return &SimProvider{}
}

// OpenDevice opens a fresh simulated device.
func (p *SimProvider) OpenDevice() (Device, error) {
	if p.FailOpen {
		return nil, errors.New("no RDMA devices found")
	}
	name := fmt.Sprintf("sim%d", p.opened)
	p.opened++
	return NewSimDevice(name)
}

// SimDevice is an in-memory device. Injected async events queue one byte on
// the pipe per event, so readiness seen by poll always matches the number of
// retrievable events unless a spurious wakeup is injected deliberately.
type SimDevice struct {
	name string
	gid  string

	// Pipe standing in for the verbs async event channel. asyncFD is the
	// read end's raw descriptor, captured once at creation: os.File.Fd()
	// switches the descriptor back to blocking mode on every call, which
	// would silently undo the fixture's O_NONBLOCK.
	pipeR   *os.File
	pipeW   *os.File
	asyncFD int

	mu         sync.Mutex
	pending    []EventType
	getCalls   int
	ackCount   int
	nextQPN    uint32
	connectErr error
	connected  map[[2]uint32]bool
	closed     bool
}

type simPD struct {
	dev       *SimDevice
	dealloced bool
}

type simQP struct {
	qpn uint32
}

type simAsyncEvent struct {
	typ   EventType
	acked bool
}

// NewSimDevice creates a simulated device with the given name.
func NewSimDevice(name string) (*SimDevice, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create simulated async event channel: %w", err)
	}
	d := &SimDevice{
		name:      name,
		gid:       "::ffff:192.0.2.1",
		pipeR:     r,
		pipeW:     w,
		asyncFD:   int(r.Fd()),
		nextQPN:   1,
		connected: make(map[[2]uint32]bool),
	}
	log.Debug().Str("device", name).Str("gid", d.gid).Msg("Opened simulated RDMA device")
	return d, nil
}

func (d *SimDevice) Name() string { return d.name }

func (d *SimDevice) PortGID() string { return d.gid }

func (d *SimDevice) AsyncFD() int { return d.asyncFD }

func (d *SimDevice) AllocPD() (PD, error) {
	return &simPD{dev: d}, nil
}

func (d *SimDevice) CreateRCQP(pd PD) (QP, error) {
	if _, ok := pd.(*simPD); !ok {
		return nil, errors.New("protection domain was not allocated by this backend")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	qp := &simQP{qpn: d.nextQPN}
	d.nextQPN++
	return qp, nil
}

func (d *SimDevice) ConnectRCQPs(local, remote QP) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		err := d.connectErr
		d.connectErr = nil
		return err
	}
	d.connected[[2]uint32{local.QPN(), remote.QPN()}] = true
	return nil
}

// GetAsyncEvent consumes one byte of pipe readiness and pops the matching
// queued event. A readable byte without a queued event (spurious wakeup)
// yields an error, mirroring a lost race on the real async channel.
func (d *SimDevice) GetAsyncEvent() (AsyncEvent, error) {
	var buf [1]byte
	n, err := unix.Read(d.asyncFD, buf[:])
	if err != nil || n == 0 {
		return nil, fmt.Errorf("no async event available on device %s", d.name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.getCalls++
	if len(d.pending) == 0 {
		return nil, fmt.Errorf("no async event available on device %s", d.name)
	}
	ev := &simAsyncEvent{typ: d.pending[0]}
	d.pending = d.pending[1:]
	return ev, nil
}

func (d *SimDevice) AckAsyncEvent(ev AsyncEvent) {
	sev, ok := ev.(*simAsyncEvent)
	if !ok {
		log.Error().Str("device", d.name).Msg("AckAsyncEvent called with an event from a different backend")
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if sev.acked {
		log.Error().Str("device", d.name).Str("event_type", sev.typ.String()).Msg("Async event acknowledged twice")
		return
	}
	sev.acked = true
	d.ackCount++
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.pipeW.Close()
	d.pipeR.Close()
	log.Debug().Str("device", d.name).Msg("Closed simulated RDMA device")
	return nil
}

// InjectAsyncEvent queues one asynchronous event and makes the async fd
// readable.
func (d *SimDevice) InjectAsyncEvent(t EventType) error {
	d.mu.Lock()
	d.pending = append(d.pending, t)
	d.mu.Unlock()
	if _, err := d.pipeW.Write([]byte{1}); err != nil {
		return fmt.Errorf("failed to signal simulated async event: %w", err)
	}
	return nil
}

// InjectSpuriousWakeup makes the async fd readable without queueing an
// event, reproducing the poll-ready-but-no-event race.
func (d *SimDevice) InjectSpuriousWakeup() error {
	if _, err := d.pipeW.Write([]byte{1}); err != nil {
		return fmt.Errorf("failed to signal spurious wakeup: %w", err)
	}
	return nil
}

// FailNextConnect arms a one-shot handshake failure for the next
// ConnectRCQPs call.
func (d *SimDevice) FailNextConnect(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

// Connected reports whether ConnectRCQPs succeeded for the (local, remote)
// QPN pair in that direction.
func (d *SimDevice) Connected(localQPN, remoteQPN uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected[[2]uint32{localQPN, remoteQPN}]
}

// GetAsyncEventCalls returns how many times GetAsyncEvent consumed
// readiness from the channel.
func (d *SimDevice) GetAsyncEventCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getCalls
}

// AckedEvents returns how many events were acknowledged.
func (d *SimDevice) AckedEvents() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ackCount
}

// PendingEvents returns how many injected events are still undrained.
func (d *SimDevice) PendingEvents() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (p *simPD) Dealloc() error {
	if p.dealloced {
		return errors.New("protection domain already deallocated")
	}
	p.dealloced = true
	return nil
}

func (q *simQP) QPN() uint32 { return q.qpn }

func (e *simAsyncEvent) EventType() EventType { return e.typ }
