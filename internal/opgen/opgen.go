// Package opgen drives traffic for stress scenarios: it issues a weighted
// mix of operation types against a connected client at a fixed rate, timing
// every operation into the latency measurement.
package opgen

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/yuuki/rcstress/internal/client"
	"github.com/yuuki/rcstress/internal/latency"
	"github.com/yuuki/rcstress/internal/metrics"
)

// PostFunc posts one operation on the given QP. The default used by New
// only exercises the client's bookkeeping; callers with a data path plug in
// their own.
type PostFunc func(c *client.Client, qpID uint32, op client.OpType) error

// Mix is a weighted distribution over operation types. Zero-weight entries
// are never issued.
type Mix struct {
	Write int
	Read  int
	Send  int
}

// DefaultMix issues writes, reads and sends in a 2:1:1 ratio.
var DefaultMix = Mix{Write: 2, Read: 1, Send: 1}

func (m Mix) expand() []client.OpType {
	var ops []client.OpType
	for i := 0; i < m.Write; i++ {
		ops = append(ops, client.OpWrite)
	}
	for i := 0; i < m.Read; i++ {
		ops = append(ops, client.OpRead)
	}
	for i := 0; i < m.Send; i++ {
		ops = append(ops, client.OpSend)
	}
	return ops
}

// Generator issues operations on an initiator's QPs round-robin, paced by a
// token-bucket rate limiter.
type Generator struct {
	initiator *client.Client
	measure   *latency.Measurement
	metrics   *metrics.Metrics
	limiter   ratelimit.Limiter
	ops       []client.OpType
	rng       *rand.Rand
	post      PostFunc

	issued int
}

// New creates a generator issuing ratePerSecond operations against the
// initiator's QPs. m may be nil.
func New(initiator *client.Client, measure *latency.Measurement, m *metrics.Metrics, mix Mix, ratePerSecond int) (*Generator, error) {
	ops := mix.expand()
	if len(ops) == 0 {
		return nil, fmt.Errorf("operation mix is empty")
	}
	if ratePerSecond <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %d", ratePerSecond)
	}
	return &Generator{
		initiator: initiator,
		measure:   measure,
		metrics:   m,
		limiter:   ratelimit.New(ratePerSecond),
		ops:       ops,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		post:      bookkeepingPost,
	}, nil
}

// SetPostFunc replaces the operation post hook.
func (g *Generator) SetPostFunc(post PostFunc) { g.post = post }

// bookkeepingPost is the hardware-free default: the operation exists only in
// the client's ledgers.
func bookkeepingPost(c *client.Client, qpID uint32, op client.OpType) error {
	return nil
}

// Run issues n operations, blocking between them to honor the rate limit.
// Each operation is tracked on the initiator, posted, completed, and its
// wall time recorded against its op type.
func (g *Generator) Run(n int) error {
	if g.initiator.NumQPs() == 0 {
		return fmt.Errorf("initiator client %d has no QPs", g.initiator.ClientID())
	}

	for i := 0; i < n; i++ {
		g.limiter.Take()

		op := g.ops[g.rng.Intn(len(g.ops))]
		qpID := uint32(g.issued) % g.initiator.NumQPs()

		start := time.Now()
		wrID := g.initiator.TrackOp(qpID, op)
		if err := g.post(g.initiator, qpID, op); err != nil {
			return fmt.Errorf("failed to post %s on qp %d: %w", op, qpID, err)
		}
		elapsed := time.Since(start)

		if err := g.initiator.CompleteOp(wrID, elapsed); err != nil {
			return err
		}
		g.measure.Record(op, elapsed)
		g.metrics.IncOpIssued(string(op))
		g.issued++
	}

	log.Info().
		Int("client_id", g.initiator.ClientID()).
		Int("ops_issued", g.issued).
		Msg("Operation generator finished")
	return nil
}

// Issued returns the number of operations issued so far.
func (g *Generator) Issued() int { return g.issued }
