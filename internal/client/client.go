// Package client holds the per-peer bookkeeping used by the harness: a dense
// arena of QP states, the pending-operation ledger, and per-operation latency
// samples awaiting collection.
package client

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rcstress/internal/verbs"
)

// OpType identifies an RDMA operation class under test.
type OpType string

const (
	OpRead     OpType = "READ"
	OpWrite    OpType = "WRITE"
	OpSend     OpType = "SEND"
	OpRecv     OpType = "RECV"
	OpFetchAdd OpType = "FETCH_ADD"
	OpCompSwap OpType = "COMP_SWAP"
)

// PendingOp is one posted operation that has not completed yet.
type PendingOp struct {
	WrID     uint64
	QpID     uint32
	Op       OpType
	PostedAt time.Time
}

// Client is one logical test peer. It owns its QP states exclusively; remote
// references between paired QP states are non-owning. Client is not safe for
// concurrent use: the harness runs test scenarios on a single goroutine.
type Client struct {
	id  int
	dev verbs.Device
	pd  verbs.PD

	// QP states indexed by their dense, zero-based id.
	qps []*QpState

	pendingOps map[uint64]*PendingOp
	nextWrID   uint64

	// Completed-op latency samples waiting for collection.
	samples map[OpType][]time.Duration
}

// New creates a client backed by the given device and protection domain.
func New(id int, dev verbs.Device, pd verbs.PD) *Client {
	return &Client{
		id:         id,
		dev:        dev,
		pd:         pd,
		pendingOps: make(map[uint64]*PendingOp),
		samples:    make(map[OpType][]time.Duration),
	}
}

// ClientID returns the client's identifier.
func (c *Client) ClientID() int { return c.id }

// NumQPs returns the number of QP states this client owns.
func (c *Client) NumQPs() uint32 { return uint32(len(c.qps)) }

// GetQpState returns the QP state with the given id, or nil when the id is
// out of range. Callers validate ids against NumQPs first.
func (c *Client) GetQpState(qpID uint32) *QpState {
	if qpID >= c.NumQPs() {
		return nil
	}
	return c.qps[qpID]
}

// CreateQPs creates count fresh QPs on the client's protection domain and
// appends their states to the arena. Only RC QPs are supported.
func (c *Client) CreateQPs(count int, isRC bool) error {
	if !isRC {
		return fmt.Errorf("client %d: only RC QPs are supported", c.id)
	}
	for i := 0; i < count; i++ {
		qp, err := c.dev.CreateRCQP(c.pd)
		if err != nil {
			return fmt.Errorf("client %d: failed to create QP %d: %w", c.id, c.NumQPs(), err)
		}
		c.qps = append(c.qps, &QpState{id: c.NumQPs(), qp: qp})
	}
	return nil
}

// TrackOp records a posted operation on the given QP and returns its work
// request id.
func (c *Client) TrackOp(qpID uint32, op OpType) uint64 {
	c.nextWrID++
	wrID := c.nextWrID
	c.pendingOps[wrID] = &PendingOp{
		WrID:     wrID,
		QpID:     qpID,
		Op:       op,
		PostedAt: time.Now(),
	}
	if qps := c.GetQpState(qpID); qps != nil {
		qps.opsPosted++
	}
	return wrID
}

// CompleteOp retires a pending operation and records its latency sample.
func (c *Client) CompleteOp(wrID uint64, d time.Duration) error {
	op, ok := c.pendingOps[wrID]
	if !ok {
		return fmt.Errorf("client %d: completion for unknown wr id %d", c.id, wrID)
	}
	delete(c.pendingOps, wrID)
	if qps := c.GetQpState(op.QpID); qps != nil {
		qps.opsCompleted++
	}
	c.samples[op.Op] = append(c.samples[op.Op], d)
	return nil
}

// PendingOpCount returns the number of operations still in flight.
func (c *Client) PendingOpCount() int { return len(c.pendingOps) }

// DumpPendingOps logs every operation still in flight, for debugging.
func (c *Client) DumpPendingOps() {
	log.Info().Int("client_id", c.id).Int("pending_ops", len(c.pendingOps)).Msg("Dumping pending operations")
	for _, op := range c.pendingOps {
		log.Info().
			Int("client_id", c.id).
			Uint64("wr_id", op.WrID).
			Uint32("qp_id", op.QpID).
			Str("op_type", string(op.Op)).
			Dur("in_flight", time.Since(op.PostedAt)).
			Msg("Pending operation")
	}
}

// DrainLatencySamples returns the accumulated latency samples and resets the
// buffer. Used by the latency measurement when collecting client stats.
func (c *Client) DrainLatencySamples() map[OpType][]time.Duration {
	out := c.samples
	c.samples = make(map[OpType][]time.Duration)
	return out
}
