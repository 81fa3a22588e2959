// Package harness is the test-orchestration core for RC QP stress scenarios:
// it establishes bidirectional RC connections between test clients, drains
// the device's asynchronous error-event channel without blocking, and
// forwards latency/validation calls to their collaborators.
//
// The harness is single-threaded by contract. Every method runs to
// completion on the caller's goroutine; the only place a deadline exists is
// the zero-timeout poll on the async event channel.
package harness

import (
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yuuki/rcstress/internal/client"
	"github.com/yuuki/rcstress/internal/latency"
	"github.com/yuuki/rcstress/internal/metrics"
	"github.com/yuuki/rcstress/internal/validation"
	"github.com/yuuki/rcstress/internal/verbs"
)

// Fixture owns one opened device context for its lifetime, plus the latency
// and validation collaborators. Failures that indicate a broken test
// environment (no device, QP creation failure, mismatched QP counts) are
// fatal; caller-input and runtime failures are returned as status errors.
type Fixture struct {
	dev     verbs.Device
	portGID string

	latency    *latency.Measurement
	validation *validation.TransportValidation
	metrics    *metrics.Metrics

	// False when switching the async channel to non-blocking mode failed;
	// polls may then block on unread events.
	asyncNonblocking bool
}

// NewFixture opens one available device and prepares its async event channel
// for non-blocking polling. No device available is an unrecoverable
// environment precondition and terminates the process. m may be nil.
func NewFixture(provider verbs.Provider, m *metrics.Metrics) *Fixture {
	dev, err := provider.OpenDevice()
	if err != nil {
		log.Fatal().Err(err).Msg("No RDMA device available")
	}

	f := &Fixture{
		dev:        dev,
		portGID:    dev.PortGID(),
		latency:    latency.NewMeasurement(),
		validation: validation.New(),
		metrics:    m,
	}

	log.Debug().Str("device", dev.Name()).Msg("Allow getting asynchronous events in nonblocking mode")
	f.setAsyncNonblocking()
	return f
}

// setAsyncNonblocking switches the async event fd to non-blocking mode. On
// failure the channel stays blocking and PollAndAckAsyncEvents may stall on
// unread events; that degraded mode is tolerated, not fatal.
func (f *Fixture) setAsyncNonblocking() {
	fd := f.dev.AsyncFD()
	flags, err := fcntlRetry(fd, unix.F_GETFL, 0)
	if err != nil {
		log.Error().Str("device", f.dev.Name()).Err(err).
			Msg("Failed reading async fd file status flags. Calls to PollAndAckAsyncEvents will remain blocking.")
		return
	}
	if _, err := fcntlRetry(fd, unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		log.Error().Str("device", f.dev.Name()).Err(err).
			Msg("Failed setting async events queue to nonblocking mode. Calls to PollAndAckAsyncEvents will remain blocking.")
		return
	}
	f.asyncNonblocking = true
}

// fcntlRetry is fcntl(2) with EINTR retry.
func fcntlRetry(fd int, cmd int, arg int) (int, error) {
	for {
		v, err := unix.FcntlInt(uintptr(fd), cmd, arg)
		if err != unix.EINTR {
			return v, err
		}
	}
}

// Device returns the fixture's device context.
func (f *Fixture) Device() verbs.Device { return f.dev }

// PortGID returns the local port's global identifier.
func (f *Fixture) PortGID() string { return f.portGID }

// AsyncNonblocking reports whether the async event channel was successfully
// switched to non-blocking mode.
func (f *Fixture) AsyncNonblocking() bool { return f.asyncNonblocking }

// NewPD allocates a protection domain on the fixture's device. The caller
// owns its lifetime. Allocation failure during setup is fatal.
func (f *Fixture) NewPD() verbs.PD {
	pd, err := f.dev.AllocPD()
	if err != nil {
		log.Fatal().Str("device", f.dev.Name()).Err(err).Msg("Failed to allocate protection domain")
	}
	return pd
}

// Close releases the device context.
func (f *Fixture) Close() {
	if err := f.dev.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close device")
	}
}

// SetUpRcClientsQPs links the two QP states as remote peers of each other
// and performs the RC handshake for the (local, remote) pair. The linkage is
// set before the handshake is attempted and is not rolled back on handshake
// failure.
func (f *Fixture) SetUpRcClientsQPs(local *client.Client, localQPID uint32, remote *client.Client, remoteQPID uint32) error {
	if localQPID >= local.NumQPs() || remoteQPID >= remote.NumQPs() {
		return status.Error(codes.InvalidArgument, "please create qps before setting up the connection")
	}

	localQP := local.GetQpState(localQPID)
	remoteQP := remote.GetQpState(remoteQPID)
	localQP.SetRemoteQpState(remoteQP)
	remoteQP.SetRemoteQpState(localQP)

	if err := f.dev.ConnectRCQPs(localQP.QP(), remoteQP.QP()); err != nil {
		f.metrics.IncHandshakeFailure()
		return err
	}

	log.Info().
		Int("local_client", local.ClientID()).
		Uint32("local_qp_id", localQPID).
		Int("remote_client", remote.ClientID()).
		Uint32("remote_qp_id", remoteQPID).
		Msg("Connected local QP to remote QP")
	return nil
}

// CreateSetUpRcQps creates qpsPerClient fresh RC QPs on each of initiator
// and target and connects every new pair in both directions, so each peer
// records the connection from its own vantage point. The clients must start
// with equal QP counts; QP creation failure aborts the run.
func (f *Fixture) CreateSetUpRcQps(initiator, target *client.Client, qpsPerClient uint16) {
	if initiator.NumQPs() != target.NumQPs() {
		log.Fatal().
			Uint32("initiator_qps", initiator.NumQPs()).
			Uint32("target_qps", target.NumQPs()).
			Msg("Initiator and target must hold the same number of QPs")
	}

	base := initiator.NumQPs()
	for qpID := base; qpID < base+uint32(qpsPerClient); qpID++ {
		if err := initiator.CreateQPs(1, true); err != nil {
			log.Fatal().Int("client_id", initiator.ClientID()).Err(err).Msg("Failed to create RC QP")
		}
		if err := target.CreateQPs(1, true); err != nil {
			log.Fatal().Int("client_id", target.ClientID()).Err(err).Msg("Failed to create RC QP")
		}
		f.metrics.AddQPsCreated(2)

		if err := f.SetUpRcClientsQPs(initiator, qpID, target, qpID); err != nil {
			log.Error().Uint32("qp_id", qpID).Err(err).Msg("Failed to set up initiator to target connection")
		}
		if err := f.SetUpRcClientsQPs(target, qpID, initiator, qpID); err != nil {
			log.Error().Uint32("qp_id", qpID).Err(err).Msg("Failed to set up target to initiator connection")
		}
	}

	log.Info().
		Uint32("new_qps_per_client", initiator.NumQPs()-base).
		Uint32("total_qps", initiator.NumQPs()+target.NumQPs()).
		Msg("Successfully created new qps per client")
}

// PollAndAckAsyncEvents performs a single zero-timeout poll cycle on the
// async event channel. Outcomes:
//   - nothing ready: nil
//   - poll itself failed: Internal, carrying the OS error
//   - ready but no retrievable event: Unavailable (benign race)
//   - event retrieved: acknowledged immediately, then Internal naming the
//     event type. No async event type is considered benign here.
func (f *Fixture) PollAndAckAsyncEvents() error {
	pollFDs := []unix.PollFd{{Fd: int32(f.dev.AsyncFD()), Events: unix.POLLIN}}
	n, err := unix.Poll(pollFDs, 0)
	for err == unix.EINTR {
		n, err = unix.Poll(pollFDs, 0)
	}
	if err != nil {
		return status.Errorf(codes.Internal, "poll failed with errno %d on async event fd", errnoOf(err))
	}
	if n == 0 {
		return nil
	}

	ev, err := f.dev.GetAsyncEvent()
	if err != nil {
		return status.Error(codes.Unavailable, "async event doesn't exist")
	}

	// Acknowledge before returning: an unacknowledged event blocks
	// destruction of every resource it references.
	f.dev.AckAsyncEvent(ev)
	f.metrics.IncAsyncEvent(ev.EventType().String())
	return status.Errorf(codes.Internal, "verbs async event received event type: %s", ev.EventType())
}

func errnoOf(err error) int {
	if errno, ok := err.(syscall.Errno); ok {
		return int(errno)
	}
	return -1
}

// HaltExecution dumps the initiator's in-flight operations and drains the
// async event channel to empty. Every non-nil poll result is logged and the
// loop continues; the first nil result means no event was waiting, so the
// channel is drained and teardown may proceed. If the channel was left in
// blocking mode this loop can block on unread events; that tradeoff is
// accepted rather than silently handled.
func (f *Fixture) HaltExecution(initiator *client.Client) {
	initiator.DumpPendingOps()

	for {
		err := f.PollAndAckAsyncEvents()
		if err == nil {
			break
		}
		log.Error().Msg(err.Error())
	}
}

// ConfigureLatencyMeasurements forwards to the latency collaborator.
func (f *Fixture) ConfigureLatencyMeasurements(op client.OpType) {
	f.latency.ConfigureLatencyMeasurements(op)
}

// CollectClientLatencyStats forwards to the latency collaborator.
func (f *Fixture) CollectClientLatencyStats(c *client.Client) {
	f.latency.CollectClientLatencyStats(c)
}

// CheckLatencies forwards to the latency collaborator.
func (f *Fixture) CheckLatencies() error {
	return f.latency.CheckLatencies()
}

// LatencyMeasurement returns the fixture's latency collaborator, for traffic
// generators that record samples directly.
func (f *Fixture) LatencyMeasurement() *latency.Measurement { return f.latency }

// ValidateTransport forwards to the transport validation collaborator.
func (f *Fixture) ValidateTransport(c *client.Client) error {
	return f.validation.ValidateClient(c)
}

// DumpState traces every QP state of the initiator. Observational only.
func (f *Fixture) DumpState(initiator *client.Client) {
	for qpID := uint32(0); qpID < initiator.NumQPs(); qpID++ {
		log.Debug().Msg(initiator.GetQpState(qpID).String())
	}
}
