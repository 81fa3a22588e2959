package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yuuki/rcstress/internal/client"
	"github.com/yuuki/rcstress/internal/metrics"
	"github.com/yuuki/rcstress/internal/verbs"
)

// newSimFixture builds a fixture over a fresh simulated device.
func newSimFixture(t *testing.T) (*Fixture, *verbs.SimDevice) {
	t.Helper()
	f := NewFixture(verbs.NewSimProvider(), metrics.New())
	sim, ok := f.dev.(*verbs.SimDevice)
	require.True(t, ok, "simulated provider must yield a SimDevice")
	t.Cleanup(f.Close)
	return f, sim
}

// newClientPair creates two clients with their own protection domains.
func newClientPair(f *Fixture) (*client.Client, *client.Client) {
	return client.New(0, f.Device(), f.NewPD()), client.New(1, f.Device(), f.NewPD())
}

func TestNewFixtureSetsAsyncNonblocking(t *testing.T) {
	f, _ := newSimFixture(t)
	assert.True(t, f.AsyncNonblocking())
	assert.NotEmpty(t, f.PortGID())
}

func TestAsyncChannelStaysNonblockingAcrossFDAccess(t *testing.T) {
	f, _ := newSimFixture(t)
	require.True(t, f.AsyncNonblocking())

	// Reading the fd back must not revert the channel to blocking mode;
	// otherwise AsyncNonblocking would report a mode the kernel no longer
	// holds and drain loops could stall.
	fd := f.Device().AsyncFD()
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)

	assert.NoError(t, f.PollAndAckAsyncEvents())
	flags, err = unix.FcntlInt(uintptr(f.Device().AsyncFD()), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestSetUpRcClientsQPsLinksSymmetrically(t *testing.T) {
	f, sim := newSimFixture(t)
	local, remote := newClientPair(f)
	require.NoError(t, local.CreateQPs(2, true))
	require.NoError(t, remote.CreateQPs(2, true))

	require.NoError(t, f.SetUpRcClientsQPs(local, 1, remote, 0))

	assert.Same(t, remote.GetQpState(0), local.GetQpState(1).Remote())
	assert.Same(t, local.GetQpState(1), remote.GetQpState(0).Remote())
	assert.True(t, sim.Connected(local.GetQpState(1).QP().QPN(), remote.GetQpState(0).QP().QPN()))
}

func TestSetUpRcClientsQPsRejectsOutOfRangeIDs(t *testing.T) {
	f, _ := newSimFixture(t)
	local, remote := newClientPair(f)
	require.NoError(t, local.CreateQPs(1, true))
	require.NoError(t, remote.CreateQPs(1, true))

	// One past the end on either side.
	err := f.SetUpRcClientsQPs(local, local.NumQPs(), remote, 0)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	err = f.SetUpRcClientsQPs(local, 0, remote, remote.NumQPs())
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// No linkage was performed.
	assert.Nil(t, local.GetQpState(0).Remote())
	assert.Nil(t, remote.GetQpState(0).Remote())
}

func TestSetUpRcClientsQPsReturnsHandshakeFailureVerbatim(t *testing.T) {
	f, sim := newSimFixture(t)
	local, remote := newClientPair(f)
	require.NoError(t, local.CreateQPs(1, true))
	require.NoError(t, remote.CreateQPs(1, true))

	handshakeErr := errors.New("RTR transition rejected")
	sim.FailNextConnect(handshakeErr)

	err := f.SetUpRcClientsQPs(local, 0, remote, 0)
	assert.ErrorIs(t, err, handshakeErr)

	// Linkage happens before the handshake and is not rolled back.
	assert.Same(t, remote.GetQpState(0), local.GetQpState(0).Remote())
	assert.Same(t, local.GetQpState(0), remote.GetQpState(0).Remote())
}

func TestCreateSetUpRcQpsConnectsBothDirections(t *testing.T) {
	f, sim := newSimFixture(t)
	initiator, target := newClientPair(f)

	f.CreateSetUpRcQps(initiator, target, 4)

	assert.Equal(t, uint32(4), initiator.NumQPs())
	assert.Equal(t, uint32(4), target.NumQPs())

	for qpID := uint32(0); qpID < 4; qpID++ {
		iQPN := initiator.GetQpState(qpID).QP().QPN()
		tQPN := target.GetQpState(qpID).QP().QPN()
		assert.True(t, sim.Connected(iQPN, tQPN), "initiator to target, qp %d", qpID)
		assert.True(t, sim.Connected(tQPN, iQPN), "target to initiator, qp %d", qpID)
	}

	assert.Same(t, target.GetQpState(2), initiator.GetQpState(2).Remote())
}

func TestCreateSetUpRcQpsExtendsExistingBatch(t *testing.T) {
	f, sim := newSimFixture(t)
	initiator, target := newClientPair(f)

	f.CreateSetUpRcQps(initiator, target, 2)
	f.CreateSetUpRcQps(initiator, target, 3)

	assert.Equal(t, uint32(5), initiator.NumQPs())
	assert.Equal(t, uint32(5), target.NumQPs())
	for qpID := uint32(0); qpID < 5; qpID++ {
		iQPN := initiator.GetQpState(qpID).QP().QPN()
		tQPN := target.GetQpState(qpID).QP().QPN()
		assert.True(t, sim.Connected(iQPN, tQPN))
		assert.True(t, sim.Connected(tQPN, iQPN))
	}
}

func TestPollAndAckAsyncEventsReturnsNilWhenIdle(t *testing.T) {
	f, sim := newSimFixture(t)

	assert.NoError(t, f.PollAndAckAsyncEvents())

	// Idempotent: a second poll right after a clean one is still clean.
	assert.NoError(t, f.PollAndAckAsyncEvents())
	assert.Zero(t, sim.GetAsyncEventCalls())
	assert.Zero(t, sim.AckedEvents())
}

func TestPollAndAckAsyncEventsSurfacesEventAsError(t *testing.T) {
	f, sim := newSimFixture(t)
	require.NoError(t, sim.InjectAsyncEvent(verbs.EventQPFatal))

	err := f.PollAndAckAsyncEvents()
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, err.Error(), "IBV_EVENT_QP_FATAL")

	// The event was acknowledged exactly once, before returning.
	assert.Equal(t, 1, sim.AckedEvents())

	// Channel drained: the next cycle is clean.
	assert.NoError(t, f.PollAndAckAsyncEvents())
	assert.Equal(t, 1, sim.AckedEvents())
}

func TestPollAndAckAsyncEventsSpuriousReadiness(t *testing.T) {
	f, sim := newSimFixture(t)
	require.NoError(t, sim.InjectSpuriousWakeup())

	err := f.PollAndAckAsyncEvents()
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Zero(t, sim.AckedEvents())
}

func TestHaltExecutionDrainsAllQueuedEvents(t *testing.T) {
	f, sim := newSimFixture(t)
	initiator, target := newClientPair(f)
	f.CreateSetUpRcQps(initiator, target, 1)

	const queued = 3
	require.NoError(t, sim.InjectAsyncEvent(verbs.EventQPFatal))
	require.NoError(t, sim.InjectAsyncEvent(verbs.EventCQErr))
	require.NoError(t, sim.InjectAsyncEvent(verbs.EventPortErr))

	f.HaltExecution(initiator)

	// K retrieval cycles, each acknowledged exactly once, then quiescence.
	assert.Equal(t, queued, sim.GetAsyncEventCalls())
	assert.Equal(t, queued, sim.AckedEvents())
	assert.Zero(t, sim.PendingEvents())
	assert.NoError(t, f.PollAndAckAsyncEvents())
}

func TestHaltExecutionOnQuietChannelReturnsImmediately(t *testing.T) {
	f, sim := newSimFixture(t)
	initiator, target := newClientPair(f)
	f.CreateSetUpRcQps(initiator, target, 1)

	f.HaltExecution(initiator)
	assert.Zero(t, sim.GetAsyncEventCalls())
}

func TestDelegateForwarding(t *testing.T) {
	f, _ := newSimFixture(t)
	initiator, target := newClientPair(f)
	f.CreateSetUpRcQps(initiator, target, 1)

	f.ConfigureLatencyMeasurements(client.OpWrite)

	wrID := initiator.TrackOp(0, client.OpWrite)
	require.NoError(t, initiator.CompleteOp(wrID, 1500))
	f.CollectClientLatencyStats(initiator)

	assert.NoError(t, f.CheckLatencies())
	assert.NoError(t, f.ValidateTransport(initiator))
}

func TestDumpStateHasNoSideEffects(t *testing.T) {
	f, _ := newSimFixture(t)
	initiator, target := newClientPair(f)
	f.CreateSetUpRcQps(initiator, target, 2)

	before := []*client.QpState{initiator.GetQpState(0).Remote(), initiator.GetQpState(1).Remote()}
	f.DumpState(initiator)
	assert.Equal(t, before[0], initiator.GetQpState(0).Remote())
	assert.Equal(t, before[1], initiator.GetQpState(1).Remote())
	assert.Equal(t, uint32(2), initiator.NumQPs())
}
